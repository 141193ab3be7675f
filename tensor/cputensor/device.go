// Package cputensor is a reference, host-only implementation of the tensor.Device /
// tensor.Dense / tensor.Sparse contract, used only by this module's own test suite.
// Every "stream" and "event" here is a no-op: on a CPU-only device there is nothing
// to synchronize, so Stream.WaitEvent and Stream.Synchronize both return immediately,
// treating streams as a formality the way a local (non-accelerator) tensor backend
// does.
package cputensor

import (
	"sync"

	"github.com/gomlx/collective/tensor"
)

// Device is the single CPU device every cputensor.Dense/Sparse in a process lives
// on. Devices compare by pointer identity, satisfying collective.Options.Validate's
// duplicate-device check.
type Device struct {
	name string

	mu      sync.Mutex
	retained map[any]tensor.Dense
}

// NewDevice returns a named CPU device.
func NewDevice(name string) *Device {
	return &Device{name: name, retained: make(map[any]tensor.Dense)}
}

func (d *Device) Name() string  { return d.name }
func (d *Device) IsCPU() bool   { return true }

func (d *Device) CurrentStream() tensor.Stream { return noopStream{} }
func (d *Device) NewPoolStream() (tensor.Stream, error) { return noopStream{}, nil }

func (d *Device) NewPinnedHost(shape tensor.Shape) (tensor.Dense, error) {
	return newDense(d, shape), nil
}

// Retain keeps a reference to t for as long as d is alive. On a real accelerator
// this defers recycling t's storage until stream's queued work has drained; on CPU
// there is nothing to recycle, so this only needs to keep a Go-level reference so
// the garbage collector doesn't reclaim it early.
func (d *Device) Retain(t tensor.Dense, _ tensor.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retained[t.StorageKey()] = t
	return nil
}

// NewEvent satisfies staging.go's optional event-recording extension point.
func (d *Device) NewEvent() (tensor.Event, error) { return noopEvent{}, nil }

type noopStream struct{}

func (noopStream) WaitEvent(tensor.Event) error { return nil }
func (noopStream) Synchronize() error           { return nil }

type noopEvent struct{}

func (noopEvent) Record(tensor.Stream) error { return nil }
