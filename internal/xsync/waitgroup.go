package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like counter that allows Add to be called while
// a Wait is outstanding, unlike sync.WaitGroup (which forbids Add once the counter
// has reached zero and a Wait is in flight).
//
// The worker pool uses this to track in-flight plus queued work items: submission
// calls Add(1) from any goroutine at any time, including while the group destructor
// is blocked in Wait draining the queue.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewDynamicWaitGroup returns a DynamicWaitGroup with counter zero.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	g := &DynamicWaitGroup{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Add changes the counter by delta, waking any Wait callers if it reaches zero.
// Panics if the counter would go negative.
func (g *DynamicWaitGroup) Add(delta int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count += int64(delta)
	if g.count < 0 {
		panic(errors.Errorf("xsync.DynamicWaitGroup: negative counter"))
	}
	if g.count == 0 {
		g.cond.Broadcast()
	}
}

// Done decrements the counter by one.
func (g *DynamicWaitGroup) Done() { g.Add(-1) }

// Wait blocks until the counter is zero.
func (g *DynamicWaitGroup) Wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.count > 0 {
		g.cond.Wait()
	}
}
