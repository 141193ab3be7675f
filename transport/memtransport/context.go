package memtransport

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/gomlx/collective/transport"
	"github.com/pkg/errors"
)

// Context is one rank's view into a Group, implementing transport.Context.
type Context struct {
	group        *Group
	rank         int
	size         int
	timeout      time.Duration
	abortTimeout time.Duration
}

func (c *Context) Rank() int                  { return c.rank }
func (c *Context) Size() int                  { return c.size }
func (c *Context) SetTimeout(d time.Duration) { c.timeout = d }

// SetAbortTimeout records the grace period. An in-process transport never actually
// hangs on a peer, so there is nothing to abort; this only keeps the value available
// for tests that want to assert it was forwarded.
func (c *Context) SetAbortTimeout(d time.Duration) { c.abortTimeout = d }

// ConnectFullMesh exercises the Store interface the way a real transport would
// (every rank announces itself, then waits for every peer to do the same), even
// though the Group that actually demultiplexes collectives was already shared at
// construction time.
func (c *Context) ConnectFullMesh(ctx context.Context, store transport.Store, device any) error {
	key := fmt.Sprintf("rank/%d", c.rank)
	if err := store.Set(ctx, key, []byte("ready")); err != nil {
		return errors.Wrap(err, "memtransport: ConnectFullMesh: announce failed")
	}
	keys := make([]string, c.size)
	for i := range keys {
		keys[i] = fmt.Sprintf("rank/%d", i)
	}
	timeout := c.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return store.Wait(ctx, keys, timeout)
}

func (c *Context) CreateUnboundBuffer(ptr unsafe.Pointer, bytes int) (transport.UnboundBuffer, error) {
	return &unboundBuffer{group: c.group, rank: c.rank, ptr: ptr, bytes: bytes}, nil
}

func bufBytes(ptr unsafe.Pointer, count, elemSize int) []byte {
	return unsafe.Slice((*byte)(ptr), count*elemSize)
}

func (c *Context) Broadcast(opts transport.Options) error {
	shared := c.group.rendezvous(opts.Tag, c.rank, opts, func(contribs map[int]transport.Options) []byte {
		root := contribs[opts.Root]
		data := bufBytes(root.Inputs[0], opts.ElementCount, opts.ElementSize)
		return append([]byte{}, data...)
	})
	copy(bufBytes(opts.Outputs[0], opts.ElementCount, opts.ElementSize), shared)
	return nil
}

func (c *Context) Reduce(opts transport.Options) error {
	shared := c.group.rendezvous(opts.Tag, c.rank, opts, func(contribs map[int]transport.Options) []byte {
		return reduceContribs(contribs, c.size, opts)
	})
	if c.rank == opts.Root {
		copy(bufBytes(opts.Outputs[0], opts.ElementCount, opts.ElementSize), shared)
	}
	return nil
}

func (c *Context) Allreduce(opts transport.Options) error {
	shared := c.group.rendezvous(opts.Tag, c.rank, opts, func(contribs map[int]transport.Options) []byte {
		return reduceContribs(contribs, c.size, opts)
	})
	copy(bufBytes(opts.Outputs[0], opts.ElementCount, opts.ElementSize), shared)
	return nil
}

// reduceContribs combines every rank's input, in rank order, with opts.ReduceFunc.
// Every rank built its own ReduceFunc closure, but they implement the same (dtype,
// op) pair, so applying rank 0's is equivalent to applying any other's.
func reduceContribs(contribs map[int]transport.Options, size int, opts transport.Options) []byte {
	acc := append([]byte{}, bufBytes(contribs[0].Inputs[0], opts.ElementCount, opts.ElementSize)...)
	reduceFn := contribs[0].ReduceFunc
	for r := 1; r < size; r++ {
		other := bufBytes(contribs[r].Inputs[0], opts.ElementCount, opts.ElementSize)
		reduceFn(unsafe.Pointer(&acc[0]), unsafe.Pointer(&other[0]), opts.ElementCount)
	}
	return acc
}

func (c *Context) Allgather(opts transport.Options) error {
	shared := c.group.rendezvous(opts.Tag, c.rank, opts, func(contribs map[int]transport.Options) []byte {
		out := make([]byte, 0, c.size*opts.ElementCount*opts.ElementSize)
		for r := 0; r < c.size; r++ {
			out = append(out, bufBytes(contribs[r].Inputs[0], opts.ElementCount, opts.ElementSize)...)
		}
		return out
	})
	copy(bufBytes(opts.Outputs[0], c.size*opts.ElementCount, opts.ElementSize), shared)
	return nil
}

func (c *Context) Gather(opts transport.Options) error {
	shared := c.group.rendezvous(opts.Tag, c.rank, opts, func(contribs map[int]transport.Options) []byte {
		out := make([]byte, 0, c.size*opts.ElementCount*opts.ElementSize)
		for r := 0; r < c.size; r++ {
			out = append(out, bufBytes(contribs[r].Inputs[0], opts.ElementCount, opts.ElementSize)...)
		}
		return out
	})
	if c.rank == opts.Root {
		copy(bufBytes(opts.Outputs[0], c.size*opts.ElementCount, opts.ElementSize), shared)
	}
	return nil
}

func (c *Context) Scatter(opts transport.Options) error {
	shared := c.group.rendezvous(opts.Tag, c.rank, opts, func(contribs map[int]transport.Options) []byte {
		root := contribs[opts.Root]
		return append([]byte{}, bufBytes(root.Inputs[0], c.size*opts.ElementCount, opts.ElementSize)...)
	})
	start := c.rank * opts.ElementCount * opts.ElementSize
	end := start + opts.ElementCount*opts.ElementSize
	copy(bufBytes(opts.Outputs[0], opts.ElementCount, opts.ElementSize), shared[start:end])
	return nil
}

func (c *Context) Barrier(opts transport.Options) error {
	c.group.rendezvous(opts.Tag, c.rank, opts, func(contribs map[int]transport.Options) []byte { return nil })
	return nil
}
