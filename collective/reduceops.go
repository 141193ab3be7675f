package collective

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
	"github.com/x448/float16"
)

// reduceKey indexes the reduce-function table: one typed binary reducer per (scalar
// dtype, reduce op) pair that the transport accepts opaquely.
type reduceKey struct {
	dtype tensor.DType
	op    tensor.ReduceOp
}

var reduceTable map[reduceKey]transport.ReduceFunc

func init() {
	reduceTable = make(map[reduceKey]transport.ReduceFunc)
	registerNumericReducers[int8](tensor.Int8)
	registerNumericReducers[uint8](tensor.Uint8)
	registerNumericReducers[int32](tensor.Int32)
	registerNumericReducers[int64](tensor.Int64)
	registerNumericReducers[float32](tensor.Float32)
	registerNumericReducers[float64](tensor.Float64)
	registerFloat16Reducers()
}

// lookupReduceFunc returns the transport.ReduceFunc for (dtype, op), or an Unsupported
// error if this module has no reducer for that pair (classified as Unsupported rather
// than InvalidArgument since it names a specific excluded combination, not a
// malformed call).
func lookupReduceFunc(dtype tensor.DType, op tensor.ReduceOp) (transport.ReduceFunc, error) {
	fn, ok := reduceTable[reduceKey{dtype, op}]
	if !ok {
		return nil, unsupportedf("collective: no reducer for dtype=%s op=%s", dtype, op)
	}
	return fn, nil
}

// numeric is the set of scalar Go types the reduce-function table knows how to
// combine with the four ReduceOps.
type numeric interface {
	~int8 | ~uint8 | ~int32 | ~int64 | ~float32 | ~float64
}

func registerNumericReducers[T numeric](dtype tensor.DType) {
	reduceTable[reduceKey{dtype, tensor.Sum}] = makeReducer[T](func(a, b T) T { return a + b })
	reduceTable[reduceKey{dtype, tensor.Product}] = makeReducer[T](func(a, b T) T { return a * b })
	reduceTable[reduceKey{dtype, tensor.Min}] = makeReducer[T](func(a, b T) T {
		if b < a {
			return b
		}
		return a
	})
	reduceTable[reduceKey{dtype, tensor.Max}] = makeReducer[T](func(a, b T) T {
		if b > a {
			return b
		}
		return a
	})
}

func makeReducer[T numeric](combine func(a, b T) T) transport.ReduceFunc {
	return func(dst, src unsafe.Pointer, count int) {
		d := unsafe.Slice((*T)(dst), count)
		s := unsafe.Slice((*T)(src), count)
		for i := range d {
			d[i] = combine(d[i], s[i])
		}
	}
}

// float16 arithmetic always goes through float32, matching how every other
// float16-capable collective library treats the type: storage-only 16 bits, compute
// at 32 bits.
func registerFloat16Reducers() {
	combine := func(op tensor.ReduceOp) func(a, b float16.Float16) float16.Float16 {
		return func(a, b float16.Float16) float16.Float16 {
			af, bf := a.Float32(), b.Float32()
			var r float32
			switch op {
			case tensor.Sum:
				r = af + bf
			case tensor.Product:
				r = af * bf
			case tensor.Min:
				if bf < af {
					r = bf
				} else {
					r = af
				}
			case tensor.Max:
				if bf > af {
					r = bf
				} else {
					r = af
				}
			}
			return float16.Fromfloat32(r)
		}
	}
	for _, op := range []tensor.ReduceOp{tensor.Sum, tensor.Product, tensor.Min, tensor.Max} {
		fn := combine(op)
		reduceTable[reduceKey{tensor.Float16, op}] = func(dst, src unsafe.Pointer, count int) {
			d := unsafe.Slice((*float16.Float16)(dst), count)
			s := unsafe.Slice((*float16.Float16)(src), count)
			for i := range d {
				d[i] = fn(d[i], s[i])
			}
		}
	}
}
