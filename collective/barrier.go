package collective

import (
	"context"

	"github.com/gomlx/collective/transport"
)

// Barrier enqueues a work item and returns its Handle. That item waits until every
// work item queued or in progress on g at the moment of the call has completed, then
// performs a transport-level barrier on the one Context its tag selects.
//
// The wait is over a weak snapshot: work items
// submitted after Barrier is called are not waited on, and the snapshot holds plain
// pointers rather than true weak references (Go's runtime does not expose safe weak
// references into a type carrying a mutex across package boundaries the way the
// design note's source language does). This is still sound here: snapshot only reads
// the running and queued items the queue itself keeps alive via its own slices,
// so nothing Barrier touches can be garbage before Barrier is done with it -- see
// DESIGN.md's entry for (K).
func (g *Group) Barrier() (Handle, error) {
	snapshot := g.queue.snapshot()
	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)

	w := newWork(tag, tctx, func() error {
		for _, item := range snapshot {
			if item.isCompleted() {
				continue
			}
			if err := item.Wait(context.Background()); err != nil {
				return wrapRuntime(err, "collective: Barrier: a previously-submitted work item failed")
			}
		}
		if err := tctx.Barrier(transport.Options{Tag: tag}); err != nil {
			return wrapRuntime(err, "collective: Barrier: transport barrier failed")
		}
		return nil
	})
	g.queue.submit(w)
	return w, nil
}
