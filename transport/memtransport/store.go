// Package memtransport is an in-process reference implementation of the
// transport.Store/transport.Context/transport.UnboundBuffer contract, used only by
// this module's own test suite (collective's component A/B/J external collaborators
// are otherwise supplied by whatever real transport library embeds this package).
// Every rank runs as a goroutine in the same process; rendezvous happens over plain
// Go channels and condition variables rather than a network, grounded on
// other_examples/lsds-KungFu__session.go's router-over-channel pattern.
package memtransport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Store is an in-memory transport.Store, shared by every rank in a test group.
type Store struct {
	mu   sync.Mutex
	cond *sync.Cond
	kv   map[string][]byte
}

// NewStore returns an empty Store ready for concurrent use by every rank's Context
// during ConnectFullMesh.
func NewStore() *Store {
	s := &Store{kv: make(map[string][]byte)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = append([]byte{}, value...)
	s.cond.Broadcast()
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[key]
	if !ok {
		return nil, errors.Errorf("memtransport: key %q not set", key)
	}
	return v, nil
}

// Wait blocks until every key in keys has been Set, or timeout elapses.
func (s *Store) Wait(ctx context.Context, keys []string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.allSetLocked(keys) {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return &timeoutError{errors.Errorf("memtransport: timed out waiting for keys %v", keys)}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.waitWithTimeout(timeout)
	}
}

func (s *Store) allSetLocked(keys []string) bool {
	for _, k := range keys {
		if _, ok := s.kv[k]; !ok {
			return false
		}
	}
	return true
}

// waitWithTimeout wraps cond.Wait with a bounded poll interval so Wait can also
// observe the deadline and ctx cancellation, neither of which sync.Cond understands.
func (s *Store) waitWithTimeout(timeout time.Duration) {
	poll := 5 * time.Millisecond
	if timeout > 0 && timeout < poll {
		poll = timeout
	}
	s.mu.Unlock()
	time.Sleep(poll)
	s.mu.Lock()
}

type timeoutError struct{ error }

func (timeoutError) Timeout() bool { return true }
