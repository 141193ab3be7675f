package collective

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
)

// Broadcast enqueues a broadcast of inputs[rootTensor] from rootRank to every rank.
// On a non-root rank every entry of inputs is overwritten with the broadcast value
// once the returned Handle's Wait returns.
func (g *Group) Broadcast(inputs []tensor.Dense, rootRank, rootTensor int) (Handle, error) {
	if err := validateNonEmpty(inputs); err != nil {
		return nil, err
	}
	if err := validateRootRank(rootRank, g.size); err != nil {
		return nil, err
	}
	if err := validateRootTensor(rootTensor, len(inputs)); err != nil {
		return nil, err
	}
	if err := validateSameDTypeAndShape(inputs); err != nil {
		return nil, err
	}
	isCPU, err := validateUniformDevice(inputs)
	if err != nil {
		return nil, err
	}

	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)

	var w *work
	if isCPU {
		w = newWork(tag, tctx, func() error {
			return g.broadcastCPU(tctx, tag, inputs, rootRank, rootTensor)
		})
	} else {
		staged, err := g.stageAll(inputs)
		if err != nil {
			return nil, err
		}
		w = newWork(tag, tctx, nil)
		w.runFn = broadcastStagedRunFn(tctx, tag, staged, rootRank, rootTensor, w)
	}
	w.retain(inputs...)
	g.queue.submit(w)
	return w, nil
}

func (g *Group) broadcastCPU(tctx transport.Context, tag uint32, inputs []tensor.Dense, rootRank, rootTensor int) error {
	root := inputs[rootTensor]
	ptr, _ := root.DataPointer()
	elemSize := root.Shape().DType.Size()
	if err := tctx.Broadcast(transport.Options{
		Root: rootRank, Tag: tag,
		Inputs: []unsafe.Pointer{ptr}, Outputs: []unsafe.Pointer{ptr},
		ElementCount: root.Shape().Size(), ElementSize: elemSize,
	}); err != nil {
		return wrapRuntime(err, "collective: Broadcast: transport broadcast failed")
	}
	for i, t := range inputs {
		if i == rootTensor {
			continue
		}
		if err := t.CopyFrom(root); err != nil {
			return wrapRuntime(err, "collective: Broadcast: failed to copy result into inputs[%d]", i)
		}
	}
	return nil
}

// broadcastStagedRunFn implements the accelerator path of broadcast over tensors
// already staged at construction time: every rank stages its entry of inputs so the
// post-broadcast copy-back into every input is uniform device code, even though only
// inputs[rootTensor] actually carries data before the transport call.
func broadcastStagedRunFn(tctx transport.Context, tag uint32, staged []*stagedTensor, rootRank, rootTensor int, w *work) func() error {
	return func() error {
		if err := syncAll(staged); err != nil {
			return wrapRuntime(err, "collective: Broadcast: staging sync failed")
		}
		root := staged[rootTensor]
		ptr, _ := root.host.DataPointer()
		elemSize := root.orig.Shape().DType.Size()
		if err := tctx.Broadcast(transport.Options{
			Root: rootRank, Tag: tag,
			Inputs: []unsafe.Pointer{ptr}, Outputs: []unsafe.Pointer{ptr},
			ElementCount: root.orig.Shape().Size(), ElementSize: elemSize,
		}); err != nil {
			return wrapRuntime(err, "collective: Broadcast: transport broadcast failed")
		}
		for i, st := range staged {
			if i == rootTensor {
				continue
			}
			if err := st.host.CopyFrom(root.host); err != nil {
				return wrapRuntime(err, "collective: Broadcast: failed to copy result into staged host buffer %d", i)
			}
		}
		if err := copyBackAll(staged); err != nil {
			return wrapRuntime(err, "collective: Broadcast: host-to-device copy-back failed")
		}
		w.syncFn = func() error { return joinAll(staged) }
		return nil
	}
}
