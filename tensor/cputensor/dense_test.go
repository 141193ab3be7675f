package cputensor

import (
	"testing"

	"github.com/gomlx/collective/tensor"
	"github.com/stretchr/testify/require"
)

func TestDenseCopyFromRejectsShapeMismatch(t *testing.T) {
	device := NewDevice("cpu")
	a := NewDense(device, tensor.Make(tensor.Float32, 2, 2))
	b := NewDense(device, tensor.Make(tensor.Float32, 3))
	require.Error(t, a.CopyFrom(b))
}

func TestDenseCopyFromCopiesBytes(t *testing.T) {
	device := NewDevice("cpu")
	src := NewDenseFromBytes(device, tensor.Make(tensor.Uint8, 4), []byte{1, 2, 3, 4})
	dst := NewDense(device, tensor.Make(tensor.Uint8, 4))
	require.NoError(t, dst.CopyFrom(src))
	ptr, n := dst.DataPointer()
	require.Equal(t, 4, n)
	got := make([]byte, n)
	copy(got, (*[4]byte)(ptr)[:])
	require.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestDenseCloneIsIndependent(t *testing.T) {
	device := NewDevice("cpu")
	orig := NewDenseFromBytes(device, tensor.Make(tensor.Uint8, 2), []byte{5, 6})
	cloned, err := orig.Clone()
	require.NoError(t, err)

	origPtr, _ := orig.DataPointer()
	(*[2]byte)(origPtr)[0] = 9

	clonedPtr, _ := cloned.DataPointer()
	require.EqualValues(t, 5, (*[2]byte)(clonedPtr)[0])
}

func TestDeviceRetainKeepsReference(t *testing.T) {
	device := NewDevice("cpu")
	d := NewDense(device, tensor.Make(tensor.Float32, 2))
	require.NoError(t, device.Retain(d, device.CurrentStream()))
}

func TestDeviceNewPinnedHostAllocatesZeroed(t *testing.T) {
	device := NewDevice("cpu")
	d, err := device.NewPinnedHost(tensor.Make(tensor.Int32, 4))
	require.NoError(t, err)
	ptr, n := d.DataPointer()
	require.Equal(t, 16, n)
	for i := 0; i < n; i++ {
		require.EqualValues(t, 0, (*[16]byte)(ptr)[i])
	}
}
