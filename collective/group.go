// Package collective implements a rank-based process group over a point-to-point
// transport: broadcast, reduce, allreduce (dense, coalesced, and sparse), allgather,
// gather, scatter, barrier, and send/recv, dispatched through a bounded worker-pool
// pipeline of asynchronous work items.
package collective

import (
	"context"
	"sync"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
)

// Group is a connected process group of size ranks, rank being this process's
// position within it. It owns one Context per configured device, a monotonic tag
// allocator shared by all collective operations, and the worker pool every operation
// enqueues its work item onto.
type Group struct {
	rank int
	size int

	pool  *contextPool
	tags  tagAllocator
	queue *workQueue

	pinnedMu sync.Mutex
	pinned   map[any]tensor.Dense // storage key -> cached pinned host buffer.
}

// New builds a Group of size ranks rendezvousing through store, connecting one
// transport.Context per opts.Devices entry and starting opts.Threads worker
// goroutines.
func New(ctx context.Context, rank, size int, store transport.Store, opts Options) (*Group, error) {
	if rank < 0 || rank >= size {
		return nil, invalidArgumentf("collective.New: rank %d out of range [0,%d)", rank, size)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	pool, err := newContextPool(ctx, store, rank, size, opts)
	if err != nil {
		return nil, err
	}
	return &Group{
		rank:   rank,
		size:   size,
		pool:   pool,
		queue:  newWorkQueue(opts.Threads),
		pinned: make(map[any]tensor.Dense),
	}, nil
}

// Rank returns this process's position in the group, in [0, Size()).
func (g *Group) Rank() int { return g.rank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Close drains the worker queue -- waiting for every queued or in-progress work item
// to finish running, but not aborting any of them. The group's contexts are not
// closed. Destruction never silently drops submitted work.
func (g *Group) Close() error {
	g.queue.stop()
	return nil
}

func (g *Group) cachedPinnedHost(key any, device tensor.Device, shape tensor.Shape) (tensor.Dense, error) {
	g.pinnedMu.Lock()
	defer g.pinnedMu.Unlock()
	if t, ok := g.pinned[key]; ok {
		return t, nil
	}
	t, err := device.NewPinnedHost(shape)
	if err != nil {
		return nil, wrapRuntime(err, "collective: failed to allocate pinned host buffer")
	}
	g.pinned[key] = t
	return t, nil
}
