package tensor

import (
	"fmt"
	"strings"
)

// Shape describes the dtype and dimensions of a dense tensor, or the sparse and dense
// dimension split of a coordinate-sparse tensor.
//
// For a dense tensor, Dims is the full list of dimensions and SparseDims is 0.
// For a sparse-coo tensor, the leading SparseDims entries of Dims are the sparse
// dimensions (the ones Sparse.Indices' coordinates range over) and the remainder are the
// dense dimensions of each value. This is trimmed to what the collective algorithms
// need: this module never builds shapes for graph tracing, only for validating and
// allgathering tensors it did not create.
type Shape struct {
	DType      DType
	Dims       []int
	SparseDims int
}

// Make returns a dense Shape.
func Make(dtype DType, dims ...int) Shape {
	return Shape{DType: dtype, Dims: dims}
}

// MakeSparse returns a sparse-coo Shape with the given number of leading sparse
// dimensions.
func MakeSparse(dtype DType, sparseDims int, dims ...int) Shape {
	return Shape{DType: dtype, Dims: dims, SparseDims: sparseDims}
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int { return len(s.Dims) }

// IsSparse reports whether this shape describes a coordinate-sparse tensor.
func (s Shape) IsSparse() bool { return s.SparseDims > 0 }

// DenseDims returns the dense (non-sparse) dimensions, the shape of each non-zero value.
func (s Shape) DenseDims() []int { return s.Dims[s.SparseDims:] }

// SparseShapeDims returns the sparse dimensions, the coordinate space indices range over.
func (s Shape) SparseShapeDims() []int { return s.Dims[:s.SparseDims] }

// Size returns the number of elements implied by Dims (for a sparse shape, this is the
// size of one fully-dense materialization, not the nnz count).
func (s Shape) Size() int {
	total := 1
	for _, d := range s.Dims {
		total *= d
	}
	return total
}

// Equal reports whether two shapes have the same dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	if s.DType != other.DType || s.SparseDims != other.SparseDims || len(s.Dims) != len(other.Dims) {
		return false
	}
	for i, d := range s.Dims {
		if other.Dims[i] != d {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	parts := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		parts[i] = fmt.Sprintf("%d", d)
	}
	if s.SparseDims > 0 {
		return fmt.Sprintf("sparse(%s)[%s]", s.DType, strings.Join(parts, ","))
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, ","))
}
