package collective

import (
	"context"
	"sync/atomic"

	"github.com/gomlx/collective/transport"
)

// contextPool owns one transport.Context per configured device (collective's
// component B). It is read-only after newContextPool returns: Select only indexes
// into the already-built slice.
type contextPool struct {
	contexts []transport.Context
}

// newContextPool builds one Context per device, each rendezvousing through its own
// prefixed sub-store so the per-device full-mesh connects never collide on a
// rendezvous key.
func newContextPool(ctx context.Context, store transport.Store, rank, size int, opts Options) (*contextPool, error) {
	pool := &contextPool{contexts: make([]transport.Context, len(opts.Devices))}
	for i, device := range opts.Devices {
		tctx, err := opts.NewContext(rank, size)
		if err != nil {
			return nil, wrapRuntime(err, "collective: failed to construct context %d/%d", i, len(opts.Devices))
		}
		tctx.SetTimeout(opts.Timeout)
		tctx.SetAbortTimeout(opts.AbortTimeout)
		sub := newPrefixedStore(store, i)
		if err := tctx.ConnectFullMesh(ctx, sub, device); err != nil {
			return nil, wrapRuntime(err, "collective: full-mesh connect failed for device %d/%d (%s)",
				i, len(opts.Devices), device.Name())
		}
		pool.contexts[i] = tctx
	}
	return pool, nil
}

// Select returns the Context tag is routed to: contexts[tag % N].
func (p *contextPool) Select(tag uint32) transport.Context {
	return p.contexts[int(tag)%len(p.contexts)]
}

// Len returns the number of contexts in the pool (the N in "tag mod N").
func (p *contextPool) Len() int { return len(p.contexts) }

// tagAllocator hands out monotonically increasing 32-bit tags, one per group
// (collective's component C). Tag uniqueness across all outstanding operations on a
// shared context is what lets distinct collectives on the same Context run
// concurrently without the transport confusing their buffers.
type tagAllocator struct {
	next uint32
}

// nextTag returns the counter's current value and post-increments it atomically.
func (a *tagAllocator) nextTag() uint32 {
	return atomic.AddUint32(&a.next, 1) - 1
}
