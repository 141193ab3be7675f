package collective

import (
	"github.com/gomlx/collective/tensor"
)

// The checks below are the shared argument validators: non-empty, matching
// dtype/shape, dense, single-element, valid root rank/tensor, contiguous. Every
// dispatch entry point in dispatch_*.go calls the subset it needs before allocating a
// tag, so validation failures never advance the tag counter.

func validateNonEmpty(tensors []tensor.Dense) error {
	if len(tensors) == 0 {
		return invalidArgumentf("collective: tensor list must not be empty")
	}
	return nil
}

func validateSameDTypeAndShape(tensors []tensor.Dense) error {
	if len(tensors) == 0 {
		return nil
	}
	want := tensors[0].Shape()
	for i, t := range tensors[1:] {
		if !t.Shape().Equal(want) {
			return invalidArgumentf("collective: tensors[%d] has shape %s, want %s (matching tensors[0])", i+1, t.Shape(), want)
		}
	}
	return nil
}

func validateDense(tensors []tensor.Dense) error {
	for i, t := range tensors {
		if !t.IsContiguous() {
			return invalidArgumentf("collective: tensors[%d] is not dense/contiguous", i)
		}
	}
	return nil
}

// validateUniformDevice checks every tensor shares the same CPU-vs-accelerator class
//  and reports which class it is.
func validateUniformDevice(tensors []tensor.Dense) (isCPU bool, err error) {
	if len(tensors) == 0 {
		return true, nil
	}
	isCPU = tensors[0].Device().IsCPU()
	for i, t := range tensors[1:] {
		if t.Device().IsCPU() != isCPU {
			return false, invalidArgumentf("collective: tensors[%d] is on a different device class than tensors[0]", i+1)
		}
	}
	return isCPU, nil
}

func validateSingleElement(tensors []tensor.Dense) error {
	if len(tensors) != 1 {
		return invalidArgumentf("collective: expected exactly one tensor, got %d", len(tensors))
	}
	return nil
}

func validateRootRank(rootRank, size int) error {
	if rootRank < 0 || rootRank >= size {
		return invalidArgumentf("collective: rootRank %d out of range [0,%d)", rootRank, size)
	}
	return nil
}

func validateRootTensor(rootTensor, n int) error {
	if rootTensor < 0 || rootTensor >= n {
		return invalidArgumentf("collective: rootTensor %d out of range [0,%d)", rootTensor, n)
	}
	return nil
}

func validateTagNonNegative(tag int) error {
	if tag < 0 {
		return invalidArgumentf("collective: tag %d must be >= 0", tag)
	}
	return nil
}

// validateSameDeviceDTypeShapeCoalesced checks the preconditions allreduce_coalesced
// additionally imposes: same dtype, same device class, dense, and CPU-only.
func validateSameDeviceDTypeShapeCoalesced(tensors []tensor.Dense) error {
	if err := validateNonEmpty(tensors); err != nil {
		return err
	}
	if err := validateDense(tensors); err != nil {
		return err
	}
	isCPU, err := validateUniformDevice(tensors)
	if err != nil {
		return err
	}
	if !isCPU {
		return unsupportedf("collective: allreduce_coalesced is only supported on CPU tensors")
	}
	dtype := tensors[0].Shape().DType
	for i, t := range tensors[1:] {
		if t.Shape().DType != dtype {
			return invalidArgumentf("collective: tensors[%d] has dtype %s, want %s (matching tensors[0])", i+1, t.Shape().DType, dtype)
		}
	}
	return nil
}

func validateSparseList(tensors []tensor.Sparse) error {
	if len(tensors) == 0 {
		return invalidArgumentf("collective: sparse tensor list must not be empty")
	}
	want := tensors[0].Shape()
	for i, t := range tensors[1:] {
		if !t.Shape().Equal(want) {
			return invalidArgumentf("collective: sparse tensors[%d] has shape %s, want %s (matching tensors[0])", i+1, t.Shape(), want)
		}
	}
	return nil
}

func validateAllgatherShapes(outputs [][]tensor.Dense, inputs []tensor.Dense, size int) error {
	if len(outputs) != len(inputs) {
		return invalidArgumentf("collective: allgather len(outputs)=%d must equal len(inputs)=%d", len(outputs), len(inputs))
	}
	for i, out := range outputs {
		if len(out) != size {
			return invalidArgumentf("collective: allgather outputs[%d] has length %d, want size=%d", i, len(out), size)
		}
	}
	return nil
}
