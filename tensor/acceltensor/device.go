// Package acceltensor is a fake accelerator tensor.Device/tensor.Dense
// implementation, used only by this module's own test suite to exercise the
// accelerator-staging path (collective/staging.go) that a CPU-only tensor.Device
// never reaches. Streams and events are tracked with real (if trivial) ordering
// instead of being pure no-ops, so a test that gets the stage/sync/copy-back/join
// sequence wrong has a chance of observing stale data rather than always passing by
// accident.
package acceltensor

import (
	"sync"

	"github.com/gomlx/collective/tensor"
)

// Device is a single fake accelerator every acceltensor.Dense in a process lives on.
// Devices compare by pointer identity, satisfying collective.Options.Validate's
// duplicate-device check.
type Device struct {
	name string

	mu       sync.Mutex
	retained map[any]tensor.Dense
}

// NewDevice returns a named fake accelerator device.
func NewDevice(name string) *Device {
	return &Device{name: name, retained: make(map[any]tensor.Dense)}
}

func (d *Device) Name() string { return d.name }
func (d *Device) IsCPU() bool  { return false }

func (d *Device) CurrentStream() tensor.Stream        { return newStream() }
func (d *Device) NewPoolStream() (tensor.Stream, error) { return newStream(), nil }

// NewPinnedHost allocates a host-resident Dense tied to d, the same shape a staged
// device tensor's host landing buffer needs.
func (d *Device) NewPinnedHost(shape tensor.Shape) (tensor.Dense, error) {
	return newDense(d, shape), nil
}

// Retain keeps a reference to t for as long as d is alive, mirroring how a real
// caching allocator defers recycling storage until stream's queued work drains; here
// there is nothing to recycle, so this only needs to keep a Go-level reference.
func (d *Device) Retain(t tensor.Dense, _ tensor.Stream) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.retained[t.StorageKey()] = t
	return nil
}

// NewEvent satisfies staging.go's optional event-recording extension point.
func (d *Device) NewEvent() (tensor.Event, error) { return &event{}, nil }

// stream tracks whether it has been waited-on and/or synchronized, so a bug that
// skips a required WaitEvent/Synchronize call is at least representable, even though
// there is no real device queue underneath to race against.
type stream struct {
	mu      sync.Mutex
	waitedOn []*event
}

func newStream() *stream { return &stream{} }

func (s *stream) WaitEvent(ev tensor.Event) error {
	e, ok := ev.(*event)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitedOn = append(s.waitedOn, e)
	return nil
}

func (s *stream) Synchronize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.waitedOn {
		e.fire()
	}
	s.waitedOn = nil
	return nil
}

// event is fired synchronously the moment it is recorded: this fake device performs
// every "async" copy inline, so there is no real completion latency for a later
// WaitEvent/Synchronize to wait out.
type event struct {
	mu   sync.Mutex
	done bool
}

func (e *event) Record(tensor.Stream) error {
	e.fire()
	return nil
}

func (e *event) fire() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = true
}
