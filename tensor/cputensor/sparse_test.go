package cputensor

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/collective/tensor"
	"github.com/stretchr/testify/require"
)

func makeCoo(t *testing.T, device *Device, coords []int64, vals []float32) tensor.Sparse {
	nnz := len(vals)
	idx := NewDense(device, tensor.Make(tensor.Int64, 1, nnz))
	idxPtr, _ := idx.DataPointer()
	idxBuf := ptrBytes(idxPtr, nnz*8)
	for j, c := range coords {
		binary.LittleEndian.PutUint64(idxBuf[j*8:], uint64(c))
	}

	val := NewDense(device, tensor.Make(tensor.Float32, nnz))
	valPtr, _ := val.DataPointer()
	valBuf := ptrBytes(valPtr, nnz*4)
	for j, v := range vals {
		binary.LittleEndian.PutUint32(valBuf[j*4:], math.Float32bits(v))
	}

	factory := Factory{Device: device}
	sp, err := factory.NewSparse(idx, val, []int{100})
	require.NoError(t, err)
	return sp
}

func readScalarsFloat32(t *testing.T, sp tensor.Sparse) map[int64]float32 {
	nnz := sp.NNZ()
	idxPtr, _ := sp.Indices().DataPointer()
	idxBuf := ptrBytes(idxPtr, nnz*8)
	valPtr, _ := sp.Values().DataPointer()
	valBuf := ptrBytes(valPtr, nnz*4)

	out := make(map[int64]float32, nnz)
	for j := 0; j < nnz; j++ {
		c := int64(binary.LittleEndian.Uint64(idxBuf[j*8:]))
		v := math.Float32frombits(binary.LittleEndian.Uint32(valBuf[j*4:]))
		out[c] = v
	}
	return out
}

func TestCoalesceSumsDuplicateCoordinates(t *testing.T) {
	device := NewDevice("cpu")
	sp := makeCoo(t, device, []int64{3, 1, 3, 0}, []float32{1, 2, 4, 5})

	coalesced, err := sp.Coalesce()
	require.NoError(t, err)
	require.Equal(t, 3, coalesced.NNZ())

	got := readScalarsFloat32(t, coalesced)
	require.Equal(t, map[int64]float32{0: 5, 1: 2, 3: 5}, got)
}

func TestCoalesceOnAlreadyUniqueIsIdentity(t *testing.T) {
	device := NewDevice("cpu")
	sp := makeCoo(t, device, []int64{0, 1, 2}, []float32{1, 2, 3})

	coalesced, err := sp.Coalesce()
	require.NoError(t, err)
	require.Equal(t, 3, coalesced.NNZ())
	require.Equal(t, map[int64]float32{0: 1, 1: 2, 2: 3}, readScalarsFloat32(t, coalesced))
}

func TestCoalesceEmptyIsNoop(t *testing.T) {
	device := NewDevice("cpu")
	sp := makeCoo(t, device, nil, nil)
	coalesced, err := sp.Coalesce()
	require.NoError(t, err)
	require.Equal(t, 0, coalesced.NNZ())
}
