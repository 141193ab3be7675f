package acceltensor

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/pkg/errors"
)

// Dense is a flat Go-slice-backed implementation of tensor.Dense, standing in for a
// buffer that would otherwise live in accelerator memory.
type Dense struct {
	device *Device
	shape  tensor.Shape
	buf    []byte
}

func newDense(device *Device, shape tensor.Shape) *Dense {
	return &Dense{device: device, shape: shape, buf: make([]byte, shape.Size()*shape.DType.Size())}
}

// NewDense allocates a zero-filled Dense tensor of shape on device.
func NewDense(device *Device, shape tensor.Shape) *Dense { return newDense(device, shape) }

func (t *Dense) Shape() tensor.Shape   { return t.shape }
func (t *Dense) Device() tensor.Device { return t.device }
func (t *Dense) IsContiguous() bool    { return true }

func (t *Dense) DataPointer() (unsafe.Pointer, int) {
	if len(t.buf) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(&t.buf[0]), len(t.buf)
}

func (t *Dense) StorageKey() any { return &t.buf }

func (t *Dense) CopyFrom(src tensor.Dense) error {
	if !src.Shape().Equal(t.shape) {
		return errors.Errorf("acceltensor: CopyFrom: shape mismatch %s vs %s", src.Shape(), t.shape)
	}
	srcPtr, n := src.DataPointer()
	if n != len(t.buf) {
		return errors.Errorf("acceltensor: CopyFrom: byte length mismatch %d vs %d", n, len(t.buf))
	}
	if n == 0 {
		return nil
	}
	copy(t.buf, unsafe.Slice((*byte)(srcPtr), n))
	return nil
}

// CopyToHost and CopyFromHost run the copy immediately rather than truly
// asynchronously; stream is only recorded against by the caller's later
// WaitEvent/Synchronize, which this fake honors but does not depend on for
// correctness.
func (t *Dense) CopyToHost(dst tensor.Dense, _ tensor.Stream) error   { return dst.CopyFrom(t) }
func (t *Dense) CopyFromHost(src tensor.Dense, _ tensor.Stream) error { return t.CopyFrom(src) }

func (t *Dense) Clone() (tensor.Dense, error) {
	buf := append([]byte{}, t.buf...)
	return &Dense{device: t.device, shape: t.shape, buf: buf}, nil
}
