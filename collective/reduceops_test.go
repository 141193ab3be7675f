package collective

import (
	"testing"
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestReduceFuncSumInt32(t *testing.T) {
	fn, err := lookupReduceFunc(tensor.Int32, tensor.Sum)
	require.NoError(t, err)

	dst := []int32{1, 2, 3}
	src := []int32{10, 20, 30}
	fn(unsafe.Pointer(&dst[0]), unsafe.Pointer(&src[0]), len(dst))
	require.Equal(t, []int32{11, 22, 33}, dst)
}

func TestReduceFuncMaxFloat64(t *testing.T) {
	fn, err := lookupReduceFunc(tensor.Float64, tensor.Max)
	require.NoError(t, err)

	dst := []float64{1, 5, -1}
	src := []float64{2, 3, -2}
	fn(unsafe.Pointer(&dst[0]), unsafe.Pointer(&src[0]), len(dst))
	require.Equal(t, []float64{2, 5, -1}, dst)
}

func TestReduceFuncFloat16Sum(t *testing.T) {
	fn, err := lookupReduceFunc(tensor.Float16, tensor.Sum)
	require.NoError(t, err)

	dst := []float16.Float16{float16.Fromfloat32(1.5)}
	src := []float16.Float16{float16.Fromfloat32(2.5)}
	fn(unsafe.Pointer(&dst[0]), unsafe.Pointer(&src[0]), len(dst))
	require.InDelta(t, 4.0, dst[0].Float32(), 1e-3)
}

func TestReduceFuncUnsupportedDType(t *testing.T) {
	_, err := lookupReduceFunc(tensor.Bool, tensor.Sum)
	require.Error(t, err)
	require.Equal(t, ErrorKindUnsupported, Kind(err))
}
