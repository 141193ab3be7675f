package collective

import (
	"context"

	"github.com/gomlx/collective/tensor"
)

// Send enqueues a point-to-point send of t to dstRank under tag. dstRank must be a
// valid rank in [0, size) (g's own rank is accepted), and tag must be non-negative; both are validated
// before a transport UnboundBuffer is created -- send/recv tags are caller-supplied,
// not allocated from the tagAllocator, so there is nothing to roll back, but the check
// still runs before any transport call.
func (g *Group) Send(t tensor.Dense, dstRank int, tag int) (Handle, error) {
	if err := validateRootRank(dstRank, g.size); err != nil {
		return nil, err
	}
	if err := validateTagNonNegative(tag); err != nil {
		return nil, err
	}
	tctx := g.pool.Select(uint32(tag))
	ptr, n := t.DataPointer()
	ub, err := tctx.CreateUnboundBuffer(ptr, n)
	if err != nil {
		return nil, wrapRuntime(err, "collective: Send: failed to create unbound buffer")
	}

	w := newWork(uint32(tag), tctx, func() error {
		if err := ub.Send(dstRank, uint32(tag)); err != nil {
			return wrapRuntime(err, "collective: Send: transport send failed")
		}
		return ub.WaitSend(context.Background())
	})
	w.retain(t)
	g.queue.submit(w)
	return w, nil
}

// Recv enqueues a point-to-point receive into t from exactly srcRank under tag.
func (g *Group) Recv(t tensor.Dense, srcRank int, tag int) (Handle, error) {
	if err := validateRootRank(srcRank, g.size); err != nil {
		return nil, err
	}
	if err := validateTagNonNegative(tag); err != nil {
		return nil, err
	}
	return g.recv(t, []int{srcRank}, tag)
}

// RecvAnysource enqueues a point-to-point receive into t, satisfied by the first send
// that arrives from any rank in [0, size), including g's own, under tag.
func (g *Group) RecvAnysource(t tensor.Dense, tag int) (Handle, error) {
	if err := validateTagNonNegative(tag); err != nil {
		return nil, err
	}
	srcs := make([]int, g.size)
	for r := range srcs {
		srcs[r] = r
	}
	return g.recv(t, srcs, tag)
}

func (g *Group) recv(t tensor.Dense, srcs []int, tag int) (Handle, error) {
	tctx := g.pool.Select(uint32(tag))
	ptr, n := t.DataPointer()
	ub, err := tctx.CreateUnboundBuffer(ptr, n)
	if err != nil {
		return nil, wrapRuntime(err, "collective: Recv: failed to create unbound buffer")
	}

	w := newWork(uint32(tag), tctx, nil)
	w.runFn = func() error {
		var recvErr error
		if len(srcs) == 1 {
			recvErr = ub.Recv(srcs[0], uint32(tag))
		} else {
			recvErr = ub.RecvAny(srcs, uint32(tag))
		}
		if recvErr != nil {
			return wrapRuntime(recvErr, "collective: Recv: transport recv failed")
		}
		source, err := ub.WaitRecv(context.Background())
		if err != nil {
			return wrapRuntime(err, "collective: Recv: waiting on transport recv failed")
		}
		w.setSourceRank(source)
		return nil
	}
	w.retain(t)
	g.queue.submit(w)
	return w, nil
}
