package memtransport

import (
	"sync"

	"github.com/gomlx/collective/transport"
)

// Group is the shared rendezvous hub every rank's Context in a test process group
// points at. Construct one per simulated process group and hand out one Context per
// rank via NewContext.
type Group struct {
	size int

	mu    sync.Mutex
	calls map[uint32]*callState

	p2pMu    sync.Mutex
	p2pChans map[p2pKey]chan p2pMessage
}

// NewGroup returns a Group of the given size, ready to mint one Context per rank.
func NewGroup(size int) *Group {
	return &Group{
		size:     size,
		calls:    make(map[uint32]*callState),
		p2pChans: make(map[p2pKey]chan p2pMessage),
	}
}

// NewContext returns rank's Context into this Group, matching the
// collective.Options.NewContext signature so a Group can be closed over directly:
//
//	hub := memtransport.NewGroup(size)
//	opts.NewContext = func(rank, size int) (transport.Context, error) { return hub.NewContext(rank), nil }
func (g *Group) NewContext(rank int) *Context {
	return &Context{group: g, rank: rank, size: g.size}
}

type callState struct {
	cond     *sync.Cond
	contribs map[int]transport.Options
	result   []byte
	done     bool
}

// rendezvous blocks until every rank has registered its contribution for tag, then
// returns the shared result every rank's copy of compute agrees on (compute runs
// exactly once, on whichever rank happens to arrive last).
//
// A collective dispatch can legitimately reuse the same tag across several sequential
// Allgather/Broadcast/etc. calls belonging to one logical operation (sparse
// allreduce's metadata/indices/values rounds all route through whatever Context the
// tag mod N selects). Over a real network transport, each call is its own framed
// message exchange, so that reuse is harmless; this in-process rendezvous instead
// keys an entire round purely by tag, so the completed round must be retired out of
// calls before the same tag can start a fresh one -- otherwise the next round's first
// arrival would see a map entry already holding every rank's stale contribs from the
// previous round and return its stale result without waiting for anyone.
func (g *Group) rendezvous(tag uint32, rank int, opts transport.Options, compute func(contribs map[int]transport.Options) []byte) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs, ok := g.calls[tag]
	if !ok {
		cs = &callState{contribs: make(map[int]transport.Options)}
		cs.cond = sync.NewCond(&g.mu)
		g.calls[tag] = cs
	}
	cs.contribs[rank] = opts
	if len(cs.contribs) == g.size {
		cs.result = compute(cs.contribs)
		cs.done = true
		delete(g.calls, tag)
		cs.cond.Broadcast()
	} else {
		for !cs.done {
			cs.cond.Wait()
		}
	}
	return cs.result
}
