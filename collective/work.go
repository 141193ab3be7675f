package collective

import (
	"context"
	"sync/atomic"

	"github.com/gomlx/collective/internal/xsync"
	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Handle is returned by every dispatch call. Tensors referenced by the work item the
// Handle stands for must not be freed until Wait returns.
type Handle interface {
	// Wait blocks until the collective completes, and -- for accelerator variants --
	// joins the caller's current device stream to the result. If the work item
	// captured a failure, Wait re-raises it.
	Wait(ctx context.Context) error

	// SourceRank reports the rank the data was actually received from. Only
	// meaningful after a successful Wait on a Recv or RecvAnysource Handle; returns
	// -1 otherwise.
	SourceRank() int
}

// work is the single concrete Work item type every collective produces. A two-level
// hierarchy (base = queue contract, leaf = per-algorithm) would be the natural shape
// in a language with inheritance; idiomatic Go has no subclassing, so the "leaf"
// behavior is supplied as two closures (runFn, syncFn) built by the dispatch layer for
// each (collective x device) pair instead of a subclass per pair. The queue
// and barrier only ever see this one type.
type work struct {
	tag uint32
	tctx transport.Context

	// id correlates this item's log lines across the worker that ran it and whatever
	// goroutine later calls Wait -- useful once Threads > 1 lets items complete out of
	// submission order, since the tag alone doesn't tell a reader grepping logs which
	// run() invocation a given failure came from.
	id uuid.UUID

	// runFn performs the collective. Always non-nil, called exactly once by the
	// worker that dequeues this item.
	runFn func() error

	// syncFn is non-nil only for accelerator variants; it joins the caller's current
	// stream to the work item's completion events . Called from
	// Wait(), potentially on a different goroutine than the one that ran runFn.
	syncFn func() error

	completed *xsync.LatchWithValue[error]

	sourceRank int32 // atomic; -1 until a recv resolves it.

	// retained keeps the tensors this work item was constructed over alive even if the
	// caller drops its own reference before Wait returns.
	retained []tensor.Dense
}

func newWork(tag uint32, tctx transport.Context, runFn func() error) *work {
	return &work{
		tag:        tag,
		tctx:       tctx,
		id:         uuid.New(),
		runFn:      runFn,
		completed:  xsync.NewLatchWithValue[error](),
		sourceRank: -1,
	}
}

// retain keeps ts alive until this work item completes and is released by its caller.
func (w *work) retain(ts ...tensor.Dense) { w.retained = append(w.retained, ts...) }

// run executes runFn, capturing any panic as a runtime error instead of propagating it
// into the worker goroutine , and triggers completed exactly once.
func (w *work) run() {
	var err error
	if rec := exceptions.Try(func() { err = w.runFn() }); rec != nil {
		err = panicToError(rec)
	}
	if err != nil {
		klog.Errorf("collective: work item %s (tag=%d) failed: %v", w.id, w.tag, err)
	}
	w.completed.Trigger(err)
}

// Wait implements Handle.
func (w *work) Wait(_ context.Context) error {
	if err := w.completed.Wait(); err != nil {
		return err
	}
	if w.syncFn != nil {
		return w.syncFn()
	}
	return nil
}

// SourceRank implements Handle.
func (w *work) SourceRank() int {
	return int(atomic.LoadInt32(&w.sourceRank))
}

func (w *work) setSourceRank(rank int) {
	atomic.StoreInt32(&w.sourceRank, int32(rank))
}

// isCompleted reports whether this item has finished running, without blocking --
// used by barrier's weak-snapshot upgrade check.
func (w *work) isCompleted() bool {
	return w.completed.Test()
}
