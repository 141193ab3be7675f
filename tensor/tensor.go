// Package tensor defines the contract the collective package expects from whatever
// tensor library it is embedded in -- a GoMLX-shaped interface rather than a
// concrete implementation: the tensor library is an external collaborator.
//
// Nothing in this package knows how to allocate accelerator memory or run a kernel.
// It only describes the capabilities the collective package's dispatch, staging and
// sparse-allreduce code call on: shape introspection, raw-buffer access for the
// transport, device placement, and the minimal stream/event API device staging needs.
// tensor/cputensor provides a reference implementation used only by this module's own
// tests.
package tensor

import "unsafe"

// Device represents where a Tensor's storage lives: normal host memory, or a
// particular accelerator. It is also the factory for pool streams and pinned host
// staging buffers, the two device-side resources accelerator staging (collective's
// staging.go) needs per work item.
type Device interface {
	// Name identifies the device, e.g. "cpu" or "cuda:0". Used only for logging.
	Name() string

	// IsCPU reports whether this device is host memory. Dispatch routes to the
	// host-only algorithm (e.g. allreduce_coalesced) when every tensor's Device
	// reports true here, and to the accelerator-staging algorithm otherwise.
	IsCPU() bool

	// CurrentStream returns the stream the caller is currently enqueuing work on.
	// Accelerator staging joins this stream at its two boundary points (construction
	// and synchronize) and never otherwise touches it.
	CurrentStream() Stream

	// NewPoolStream returns a stream drawn from a device-local pool, distinct from
	// any caller's current stream. One is acquired per staged tensor (or per device
	// group for nested-vector operations).
	NewPoolStream() (Stream, error)

	// NewPinnedHost allocates a page-locked host buffer of the given shape, suitable
	// as the target of an asynchronous device-to-host copy.
	NewPinnedHost(shape Shape) (Dense, error)

	// Retain asks the device's caching allocator to keep t's storage alive at least
	// until all work enqueued so far on stream has completed, even if the caller
	// releases its own reference in the meantime. This is what lets a work item
	// capture an input tensor's storage instead of requiring the caller to keep it
	// alive until wait() returns.
	Retain(t Dense, stream Stream) error
}

// Stream is an ordered device command queue. Operations enqueued on a Stream run in
// the order they were enqueued; operations on different Streams have no ordering
// guarantee unless joined by an Event.
type Stream interface {
	// WaitEvent blocks all future work enqueued on this stream (not the calling
	// goroutine) until ev has been recorded and reached.
	WaitEvent(ev Event) error

	// Synchronize blocks the calling goroutine until every operation enqueued on
	// this stream so far has completed.
	Synchronize() error
}

// Event is a point-in-time marker on a Stream that another Stream can wait on,
// without blocking any goroutine, to establish ordering between two independent
// command queues.
type Event interface {
	// Record schedules the event to fire once every operation enqueued on stream so
	// far has completed.
	Record(stream Stream) error
}

// Dense is a contiguous, strided, host-resident or accelerator-resident tensor of a
// single DType.
type Dense interface {
	// Shape returns the tensor's dtype and dimensions.
	Shape() Shape

	// Device returns where this tensor's storage lives.
	Device() Device

	// IsContiguous reports whether the tensor's storage is dense/strided with no
	// gaps -- every dispatch entry point in this module requires this of its inputs.
	IsContiguous() bool

	// DataPointer returns a pointer to the first element of the tensor's storage,
	// and the number of bytes it occupies. It must stay valid until the caller is
	// done with the returned pointer; ownership is not transferred. This is the
	// pointer collective passes into transport.Context calls and
	// transport.CreateUnboundBuffer.
	DataPointer() (unsafe.Pointer, int)

	// StorageKey identifies the tensor's underlying storage for caching purposes
	// (e.g. the pinned-host-buffer cache keyed per input storage).
	// Two Dense values sharing storage (e.g. views) must return equal keys.
	StorageKey() any

	// CopyFrom overwrites this tensor's contents with src's, which must have an
	// equal Shape. Used for the CPU collective paths' "copy result into every other
	// input" step (broadcast, allreduce).
	CopyFrom(src Dense) error

	// CopyToHost initiates (and, for a CPU tensor, simply performs) a copy of this
	// tensor's contents into dst, which must be a host tensor of equal shape,
	// enqueued on stream. The caller must call stream.Synchronize (or wait on a
	// recorded Event) before relying on dst's contents.
	CopyToHost(dst Dense, stream Stream) error

	// CopyFromHost is the inverse of CopyToHost: copies src (a host tensor of equal
	// shape) into this tensor, enqueued on stream.
	CopyFromHost(src Dense, stream Stream) error

	// Clone returns a new Dense with independently-owned storage and identical
	// contents, on the same device.
	Clone() (Dense, error)
}

// Sparse is a coordinate-sparse ("coo") tensor: a set of nnz coordinates into a
// SparseShapeDims()-shaped coordinate space, each paired with a DenseDims()-shaped
// value block.
type Sparse interface {
	// Shape returns the sparse shape: SparseDims leading coordinate dimensions plus
	// the dense shape of each value.
	Shape() Shape

	// Device returns where this tensor's storage lives.
	Device() Device

	// NNZ returns the number of non-zero entries currently stored. It may count the
	// same coordinate more than once if the tensor has not been Coalesce()d.
	NNZ() int

	// Indices returns an Int64 Dense tensor of shape [SparseDims, NNZ()]: column j is
	// the coordinate of the j-th stored value.
	Indices() Dense

	// Values returns a Dense tensor of shape [NNZ(), DenseDims()...]: row j is the
	// value stored at the j-th coordinate.
	Values() Dense

	// Coalesce returns an equivalent Sparse tensor with unique, lexicographically
	// sorted indices and values summed at any formerly-duplicated coordinate.
	Coalesce() (Sparse, error)
}

// NewSparse builds a Sparse tensor from explicit indices and values, grounded on the
// same device as values. indices must be an Int64 Dense of shape [sparseDims, nnz],
// values a Dense of shape [nnz, denseDims...].
type SparseFactory interface {
	NewSparse(indices, values Dense, sparseShapeDims []int) (Sparse, error)
}
