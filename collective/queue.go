package collective

import (
	"sync"

	"github.com/gomlx/collective/internal/xsync"
)

// workQueue is the FIFO of work items plus the T worker threads that drain it
// (collective's component E). The queue proper is guarded by a mutex and a single
// condition variable -- produced (a new item was pushed) -- rather than a buffered
// channel: a channel can't be peeked for Barrier's weak snapshot of in-flight plus
// queued work, since draining it to inspect contents would also remove the items.
//
// How many items are queued or in progress is tracked separately in drain, a
// DynamicWaitGroup: submit() Adds before the item is visible to a worker, loop() Dones
// once it has run. stop() only needs to know when that count reaches zero, not to peek
// at what's outstanding, so it waits on drain instead of re-deriving the same count
// from items/inProgress with its own condition variable.
type workQueue struct {
	mu       sync.Mutex
	produced *sync.Cond
	drain    *xsync.DynamicWaitGroup

	items      []*work
	inProgress []*work // workInProgress[i]: the item worker i is currently running, or nil.

	stopping bool
	workers  sync.WaitGroup
}

// newWorkQueue creates threads worker goroutines and starts them running.
func newWorkQueue(threads int) *workQueue {
	q := &workQueue{inProgress: make([]*work, threads), drain: xsync.NewDynamicWaitGroup()}
	q.produced = sync.NewCond(&q.mu)
	for i := 0; i < threads; i++ {
		q.workers.Add(1)
		go q.loop(i)
	}
	return q
}

func (q *workQueue) loop(slot int) {
	defer q.workers.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopping {
			q.produced.Wait()
		}
		if len(q.items) == 0 {
			// q.stopping and nothing left to run.
			q.mu.Unlock()
			return
		}
		w := q.items[0]
		q.items = q.items[1:]
		q.inProgress[slot] = w
		q.mu.Unlock()

		w.run()

		q.mu.Lock()
		q.inProgress[slot] = nil
		q.mu.Unlock()
		q.drain.Done()
	}
}

// submit enqueues w. Non-blocking beyond the brief mutex critical section.
func (q *workQueue) submit(w *work) {
	q.drain.Add(1)
	q.mu.Lock()
	q.items = append(q.items, w)
	q.mu.Unlock()
	q.produced.Signal()
}

// snapshot returns the work items currently in progress or still queued, in FIFO
// order (in-progress first, then queued), for Barrier to wait on.
// These are ordinary pointers, not true weak references -- see barrier.go for why
// that is still safe here.
func (q *workQueue) snapshot() []*work {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*work, 0, len(q.items)+len(q.inProgress))
	for _, w := range q.inProgress {
		if w != nil {
			out = append(out, w)
		}
	}
	out = append(out, q.items...)
	return out
}

// stop drains the queue -- waits until nothing is queued or in progress -- then stops
// every worker and joins them. Destruction waits for the drain rather than aborting
// in-flight collectives: draining on destruction prevents silently dropping
// user-submitted work.
func (q *workQueue) stop() {
	q.drain.Wait()
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()
	q.produced.Broadcast()
	q.workers.Wait()
}
