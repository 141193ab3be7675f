package xsync

import "sync"

// Semaphore bounds the number of simultaneous acquisitions. The bound is fixed when
// the Semaphore is created.
//
// Used by the accelerator-staging path to cap how many pinned-host copies run
// concurrently for a single work item without needing a fixed-capacity channel
// sized up front.
type Semaphore struct {
	cond              sync.Cond
	capacity, current int
}

// NewSemaphore returns a Semaphore that allows at most capacity simultaneous
// acquisitions. capacity <= 0 means unlimited.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{cond: sync.Cond{L: &sync.Mutex{}}, capacity: capacity}
}

// Acquire blocks until a slot is available.
func (s *Semaphore) Acquire() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for {
		if s.capacity <= 0 || s.current < s.capacity {
			s.current++
			return
		}
		s.cond.Wait()
	}
}

// Release a previously acquired slot.
func (s *Semaphore) Release() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.current--
	if s.capacity <= 0 {
		return
	}
	s.cond.Signal()
}
