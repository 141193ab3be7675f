package cputensor

import "unsafe"

func ptrBytes(ptr unsafe.Pointer, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

func mustPtr(d *Dense) unsafe.Pointer {
	ptr, _ := d.DataPointer()
	return ptr
}
