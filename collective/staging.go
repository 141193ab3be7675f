package collective

import (
	"context"

	"github.com/gomlx/collective/internal/xsync"
	"github.com/gomlx/collective/tensor"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentStaging bounds how many pinned-staging copies run concurrently for a
// single stageAll/syncAll/copyBackAll call, so one work item over a large coalesced
// tensor list doesn't run an unbounded number of copies at once. Each tensor still
// gets its own goroutine, which waits for a slot before copying.
const maxConcurrentStaging = 8

// stagedTensor pairs an accelerator-resident tensor with the pinned host buffer,
// pool stream and completion event accelerator staging moves it through. One is
// built per tensor at work-item construction time, before the item is ever queued.
type stagedTensor struct {
	device tensor.Device
	host   tensor.Dense // pinned, shape-matched to orig.
	orig   tensor.Dense
	stream tensor.Stream
	event  tensor.Event
}

// stageDeviceToHost records a completion event on the
// caller's current stream, acquires a pool stream, makes the pool stream wait on that
// event, retains orig's storage on the pool stream, and starts the async device→host
// copy into a pinned buffer.
func (g *Group) stageDeviceToHost(orig tensor.Dense) (*stagedTensor, error) {
	device := orig.Device()

	boundaryEvent, err := newDeviceEvent(device, device.CurrentStream())
	if err != nil {
		return nil, wrapRuntime(err, "collective: staging: failed to record caller-stream boundary event")
	}
	stream, err := device.NewPoolStream()
	if err != nil {
		return nil, wrapRuntime(err, "collective: staging: failed to acquire pool stream")
	}
	if err := stream.WaitEvent(boundaryEvent); err != nil {
		return nil, wrapRuntime(err, "collective: staging: pool stream failed to join caller stream")
	}
	if err := device.Retain(orig, stream); err != nil {
		return nil, wrapRuntime(err, "collective: staging: failed to retain input storage")
	}
	host, err := g.cachedPinnedHost(orig.StorageKey(), device, orig.Shape())
	if err != nil {
		return nil, err
	}
	if err := orig.CopyToHost(host, stream); err != nil {
		return nil, wrapRuntime(err, "collective: staging: device-to-host copy failed")
	}
	return &stagedTensor{device: device, host: host, orig: orig, stream: stream}, nil
}

// sync blocks until st's device-to-host (or host-to-device) copy has completed.
func (st *stagedTensor) sync() error {
	return st.stream.Synchronize()
}

// copyBack initiates the async host→device copy of st.host back into st.orig, and
// records a completion event for it.
func (st *stagedTensor) copyBack() error {
	if err := st.orig.CopyFromHost(st.host, st.stream); err != nil {
		return err
	}
	ev, err := newDeviceEvent(st.device, st.stream)
	if err != nil {
		return err
	}
	st.event = ev
	return nil
}

// join makes the caller's current stream wait on st's completion event, so kernels
// enqueued after wait() observe the result without an
// additional host round-trip.
func (st *stagedTensor) join() error {
	if st.event == nil {
		return nil
	}
	return st.device.CurrentStream().WaitEvent(st.event)
}

func newDeviceEvent(device tensor.Device, stream tensor.Stream) (tensor.Event, error) {
	ev, ok := device.(interface {
		NewEvent() (tensor.Event, error)
	})
	if !ok {
		return nil, unsupportedf("collective: staging: device %s cannot record completion events", device.Name())
	}
	e, err := ev.NewEvent()
	if err != nil {
		return nil, err
	}
	if err := e.Record(stream); err != nil {
		return nil, err
	}
	return e, nil
}

// stageAll stages every tensor in ts concurrently, one goroutine per tensor, one pool
// stream per tensor. An error from one stage does not cancel the others; the first
// error is returned once every goroutine has finished.
func (g *Group) stageAll(ts []tensor.Dense) ([]*stagedTensor, error) {
	staged := make([]*stagedTensor, len(ts))
	sem := xsync.NewSemaphore(maxConcurrentStaging)
	grp, _ := errgroup.WithContext(context.Background())
	for i, t := range ts {
		i, t := i, t
		grp.Go(func() error {
			sem.Acquire()
			defer sem.Release()
			st, err := g.stageDeviceToHost(t)
			if err != nil {
				return err
			}
			staged[i] = st
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return staged, nil
}

// syncAll blocks until every staged tensor's device-to-host copy has landed.
func syncAll(staged []*stagedTensor) error {
	sem := xsync.NewSemaphore(maxConcurrentStaging)
	grp, _ := errgroup.WithContext(context.Background())
	for _, st := range staged {
		st := st
		grp.Go(func() error {
			sem.Acquire()
			defer sem.Release()
			return st.sync()
		})
	}
	return grp.Wait()
}

// copyBackAll initiates the host-to-device copy-back for every staged tensor.
func copyBackAll(staged []*stagedTensor) error {
	sem := xsync.NewSemaphore(maxConcurrentStaging)
	grp, _ := errgroup.WithContext(context.Background())
	for _, st := range staged {
		st := st
		grp.Go(func() error {
			sem.Acquire()
			defer sem.Release()
			return st.copyBack()
		})
	}
	return grp.Wait()
}

// joinAll makes every staged tensor's device's current stream wait on that tensor's
// completion event.
func joinAll(staged []*stagedTensor) error {
	for _, st := range staged {
		if err := st.join(); err != nil {
			return err
		}
	}
	return nil
}
