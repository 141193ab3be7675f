// Package transport defines the contract the collective package expects from the
// point-to-point and collective-primitive library underneath it (a Gloo-shaped
// interface), and the rendezvous store used only during connection setup. Neither is
// implemented here for production use -- both are external
// collaborators. transport/memtransport provides a reference in-process
// implementation used only by this module's own test suite.
package transport

import (
	"context"
	"time"
	"unsafe"
)

// Store is the reduced rendezvous interface the collective package's store adapter
// forwards to . Keys and values are
// arbitrary byte strings; the store adapter is responsible for key prefixing so
// distinct contexts never collide.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Wait blocks until every key in keys has been Set by some peer, or timeout elapses.
	Wait(ctx context.Context, keys []string, timeout time.Duration) error
}

// ReduceFunc combines the elements of src into dst in place, dst[i] = f(dst[i], src[i])
// for every element, for some dtype and ReduceOp the reduce-function table
//  has already resolved. It is opaque to the
// transport: Context.Reduce and Context.Allreduce simply invoke it once per pair of
// peer buffers they combine.
type ReduceFunc func(dst, src unsafe.Pointer, count int)

// Options carries the per-call parameters of a single collective invocation. Inputs
// and Outputs point at the raw backing storage of already-validated, already-shaped
// tensors; ElementCount is the number of scalar elements in one replica's buffer (not
// the byte count).
type Options struct {
	Root         int
	Tag          uint32
	ReduceFunc   ReduceFunc
	Inputs       []unsafe.Pointer
	Outputs      []unsafe.Pointer
	ElementCount int
	ElementSize  int
}

// Context is one full-mesh connection table, shared by every collective mapped onto
// it by tag . A Context is read-only once
// connected: distinct tags may run concurrently on the same Context, but the
// transport is responsible for demultiplexing them -- Context implementations must be
// safe for concurrent use across tags.
type Context interface {
	Rank() int
	Size() int

	// SetTimeout configures the per-operation deadline applied to every subsequent
	// call on this Context.
	SetTimeout(d time.Duration)

	// SetAbortTimeout configures the grace period past the per-operation deadline
	// after which the transport may treat a still-pending collective as a hung peer.
	// Purely advisory: whether a transport implementation actually acts on it (e.g. by
	// aborting the process) is up to that transport.
	SetAbortTimeout(d time.Duration)

	// ConnectFullMesh performs the rendezvous handshake that builds this Context's
	// connection table: every rank exchanges its address for device with every
	// other rank via store.
	ConnectFullMesh(ctx context.Context, store Store, device any) error

	// CreateUnboundBuffer wraps an arbitrary memory region (ptr, spanning bytes
	// bytes) for point-to-point send/recv without requiring it to have been
	// registered at connect time.
	CreateUnboundBuffer(ptr unsafe.Pointer, bytes int) (UnboundBuffer, error)

	Broadcast(opts Options) error
	Reduce(opts Options) error
	Allreduce(opts Options) error
	Allgather(opts Options) error
	Gather(opts Options) error
	Scatter(opts Options) error
	Barrier(opts Options) error
}

// UnboundBuffer is the transport's point-to-point abstraction: a memory region that
// can be sent to, or received into, without pre-registration.
type UnboundBuffer interface {
	Send(dst int, tag uint32) error
	Recv(src int, tag uint32) error
	// RecvAny issues a receive that is satisfied by the first matching send from any
	// rank in srcs.
	RecvAny(srcs []int, tag uint32) error

	WaitSend(ctx context.Context) error
	// WaitRecv blocks until a matching Recv/RecvAny completes and reports which rank
	// the data actually came from.
	WaitRecv(ctx context.Context) (sourceRank int, err error)
}

// IsTimeout reports whether err was caused by a transport-level deadline expiring,
// the distinction collective's error-kind classification (errors.go) needs to map a
// Context error onto ErrorKindTimeout rather than ErrorKindRuntime.
func IsTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
