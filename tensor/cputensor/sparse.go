package cputensor

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/gomlx/collective/tensor"
	"github.com/pkg/errors"
)

// Sparse is a coordinate-sparse tensor backed by cputensor.Dense indices/values.
type Sparse struct {
	shape   tensor.Shape
	indices *Dense
	values  *Dense
}

// Factory implements tensor.SparseFactory for cputensor.
type Factory struct{ Device *Device }

func (f Factory) NewSparse(indices, values tensor.Dense, sparseShapeDims []int) (tensor.Sparse, error) {
	idx, ok := indices.(*Dense)
	if !ok {
		return nil, errors.Errorf("cputensor: Factory.NewSparse: indices must be a *cputensor.Dense")
	}
	val, ok := values.(*Dense)
	if !ok {
		return nil, errors.Errorf("cputensor: Factory.NewSparse: values must be a *cputensor.Dense")
	}
	if idx.Shape().DType != tensor.Int64 {
		return nil, errors.Errorf("cputensor: Factory.NewSparse: indices must be Int64")
	}
	dims := append(append([]int{}, sparseShapeDims...), val.Shape().Dims[1:]...)
	shape := tensor.MakeSparse(val.Shape().DType, len(sparseShapeDims), dims...)
	return &Sparse{shape: shape, indices: idx, values: val}, nil
}

func (s *Sparse) Shape() tensor.Shape  { return s.shape }
func (s *Sparse) Device() tensor.Device { return s.indices.Device() }

func (s *Sparse) NNZ() int {
	if s.indices.Shape().Rank() < 2 {
		return 0
	}
	return s.indices.Shape().Dims[1]
}

func (s *Sparse) Indices() tensor.Dense { return s.indices }
func (s *Sparse) Values() tensor.Dense  { return s.values }

// Coalesce returns an equivalent Sparse with unique, lexicographically sorted
// indices and values summed at any formerly-duplicated coordinate. Only the
// floating and integer dtypes the reduce-function table supports are handled; any
// other dtype fails rather than silently mis-summing.
func (s *Sparse) Coalesce() (tensor.Sparse, error) {
	sparseDims := s.shape.SparseDims
	nnz := s.NNZ()
	if nnz == 0 {
		return s, nil
	}

	idxPtr, _ := s.indices.DataPointer()
	idxBuf := ptrBytes(idxPtr, sparseDims*nnz*8)
	coords := make([][]int64, nnz)
	for j := 0; j < nnz; j++ {
		coord := make([]int64, sparseDims)
		for d := 0; d < sparseDims; d++ {
			coord[d] = int64(binary.LittleEndian.Uint64(idxBuf[(d*nnz+j)*8:]))
		}
		coords[j] = coord
	}

	denseSize := 1
	for _, d := range s.shape.DenseDims() {
		denseSize *= d
	}
	elemSize := s.shape.DType.Size()
	valPtr, _ := s.values.DataPointer()
	valBuf := ptrBytes(valPtr, nnz*denseSize*elemSize)

	order := make([]int, nnz)
	for j := range order {
		order[j] = j
	}
	sort.Slice(order, func(a, b int) bool { return lexLess(coords[order[a]], coords[order[b]]) })

	type group struct {
		coord []int64
		sum   []float64
	}
	var groups []group
	for _, j := range order {
		c := coords[j]
		vals := decodeRow(valBuf, j, denseSize, elemSize, s.shape.DType)
		if len(groups) > 0 && lexEqual(groups[len(groups)-1].coord, c) {
			for i := range vals {
				groups[len(groups)-1].sum[i] += vals[i]
			}
			continue
		}
		groups = append(groups, group{coord: c, sum: vals})
	}

	outIdx := newDense(s.indices.device, tensor.Make(tensor.Int64, sparseDims, len(groups)))
	outIdxBuf := ptrBytes(mustPtr(outIdx), sparseDims*len(groups)*8)
	outVal := newDense(s.values.device, tensor.Make(s.shape.DType, append([]int{len(groups)}, s.shape.DenseDims()...)...))
	outValBuf := ptrBytes(mustPtr(outVal), len(groups)*denseSize*elemSize)

	for j, grp := range groups {
		for d := 0; d < sparseDims; d++ {
			binary.LittleEndian.PutUint64(outIdxBuf[(d*len(groups)+j)*8:], uint64(grp.coord[d]))
		}
		encodeRow(outValBuf, j, denseSize, elemSize, s.shape.DType, grp.sum)
	}

	return &Sparse{shape: s.shape, indices: outIdx, values: outVal}, nil
}

func lexLess(a, b []int64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func lexEqual(a, b []int64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func decodeRow(buf []byte, row, width, elemSize int, dtype tensor.DType) []float64 {
	out := make([]float64, width)
	base := row * width * elemSize
	for i := 0; i < width; i++ {
		out[i] = decodeScalar(buf[base+i*elemSize:], dtype)
	}
	return out
}

func encodeRow(buf []byte, row, width, elemSize int, dtype tensor.DType, vals []float64) {
	base := row * width * elemSize
	for i, v := range vals {
		encodeScalar(buf[base+i*elemSize:], dtype, v)
	}
}

func decodeScalar(b []byte, dtype tensor.DType) float64 {
	switch dtype {
	case tensor.Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case tensor.Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	case tensor.Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case tensor.Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case tensor.Int8:
		return float64(int8(b[0]))
	case tensor.Uint8:
		return float64(b[0])
	default:
		return 0
	}
}

func encodeScalar(b []byte, dtype tensor.DType, v float64) {
	switch dtype {
	case tensor.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case tensor.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case tensor.Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case tensor.Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	case tensor.Int8:
		b[0] = byte(int8(v))
	case tensor.Uint8:
		b[0] = byte(v)
	}
}
