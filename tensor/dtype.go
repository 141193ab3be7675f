package tensor

import "fmt"

// DType enumerates the scalar element types this module knows how to reduce.
//
// This is a deliberately trimmed fork of github.com/gomlx/gomlx's pkg/core/dtypes.DType:
// that enum also carries BFloat16, Complex64/128 and several XLA-only 8/4/2-bit float
// formats used by graph compilation, none of which any collective in this module's
// scope is required to reduce. A real
// tensor library implementing this package's Tensor interface is free to report any
// DType value for Shape.DType; only the seven numeric types listed below (every one
// except InvalidDType and Bool) are accepted by the
// reduce-function table (reduceops.go) -- anything else is Unsupported.
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int32
	Int64
	Uint8
	Float16
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(d))
}

// IsFloat reports whether d is one of the floating point types.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

// IsInt reports whether d is one of the (signed or unsigned) integer types.
func (d DType) IsInt() bool {
	return d == Int8 || d == Int32 || d == Int64 || d == Uint8
}

// Size returns the size in bytes of one element of d, or 0 if d is not a scalar
// numeric type this module supports.
func (d DType) Size() int {
	switch d {
	case Bool, Int8, Uint8:
		return 1
	case Float16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		return 0
	}
}

// ReduceOp enumerates the reduction operators a collective may be asked to apply.
type ReduceOp int32

const (
	Sum ReduceOp = iota
	Product
	Min
	Max
)

var reduceOpNames = map[ReduceOp]string{
	Sum:     "Sum",
	Product: "Product",
	Min:     "Min",
	Max:     "Max",
}

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	if name, ok := reduceOpNames[op]; ok {
		return name
	}
	return fmt.Sprintf("ReduceOp(%d)", int32(op))
}
