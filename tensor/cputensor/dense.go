package cputensor

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/pkg/errors"
)

// Dense is a flat Go-slice-backed implementation of tensor.Dense.
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

// NewDenseFromBytes wraps an existing byte slice as a Dense tensor without copying;
// len(data) must equal shape.Size()*shape.DType.Size().
func NewDenseFromBytes(device *Device, shape tensor.Shape, data []byte) *Dense {
	return &Dense{device: device, shape: shape, buf: data}
}

func (t *Dense) Shape() tensor.Shape  { return t.shape }
func (t *Dense) Device() tensor.Device { return t.device }
func (t *Dense) IsContiguous() bool   { return true }

func (t *Dense) DataPointer() (unsafe.Pointer, int) {
	if len(t.buf) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(&t.buf[0]), len(t.buf)
}

func (t *Dense) StorageKey() any { return &t.buf }

func (t *Dense) CopyFrom(src tensor.Dense) error {
	if !src.Shape().Equal(t.shape) {
		return errors.Errorf("cputensor: CopyFrom: shape mismatch %s vs %s", src.Shape(), t.shape)
	}
	srcPtr, n := src.DataPointer()
	if n != len(t.buf) {
		return errors.Errorf("cputensor: CopyFrom: byte length mismatch %d vs %d", n, len(t.buf))
	}
	if n == 0 {
		return nil
	}
	copy(t.buf, unsafe.Slice((*byte)(srcPtr), n))
	return nil
}

func (t *Dense) CopyToHost(dst tensor.Dense, _ tensor.Stream) error   { return dst.CopyFrom(t) }
func (t *Dense) CopyFromHost(src tensor.Dense, _ tensor.Stream) error { return t.CopyFrom(src) }

func (t *Dense) Clone() (tensor.Dense, error) {
	buf := append([]byte{}, t.buf...)
	return &Dense{device: t.device, shape: t.shape, buf: buf}, nil
}
