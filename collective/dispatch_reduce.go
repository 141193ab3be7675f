package collective

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
)

// Reduce enqueues a reduction of inputs[0] (the sole input; the single-element list
// check rejects anything else) from every rank into itself at rootRank.
func (g *Group) Reduce(inputs []tensor.Dense, rootRank int, op tensor.ReduceOp) (Handle, error) {
	if err := validateSingleElement(inputs); err != nil {
		return nil, err
	}
	if err := validateRootRank(rootRank, g.size); err != nil {
		return nil, err
	}
	isCPU, err := validateUniformDevice(inputs)
	if err != nil {
		return nil, err
	}
	reduceFn, err := lookupReduceFunc(inputs[0].Shape().DType, op)
	if err != nil {
		return nil, err
	}

	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)
	in := inputs[0]

	var w *work
	if isCPU {
		w = newWork(tag, tctx, func() error {
			ptr, _ := in.DataPointer()
			if err := tctx.Reduce(transport.Options{
				Root: rootRank, Tag: tag, ReduceFunc: reduceFn,
				Inputs: []unsafe.Pointer{ptr}, Outputs: []unsafe.Pointer{ptr},
				ElementCount: in.Shape().Size(), ElementSize: in.Shape().DType.Size(),
			}); err != nil {
				return wrapRuntime(err, "collective: Reduce: transport reduce failed")
			}
			return nil
		})
	} else {
		staged, err := g.stageAll(inputs)
		if err != nil {
			return nil, err
		}
		w = newWork(tag, tctx, nil)
		w.runFn = func() error {
			if err := syncAll(staged); err != nil {
				return wrapRuntime(err, "collective: Reduce: staging sync failed")
			}
			st := staged[0]
			ptr, _ := st.host.DataPointer()
			if err := tctx.Reduce(transport.Options{
				Root: rootRank, Tag: tag, ReduceFunc: reduceFn,
				Inputs: []unsafe.Pointer{ptr}, Outputs: []unsafe.Pointer{ptr},
				ElementCount: st.orig.Shape().Size(), ElementSize: st.orig.Shape().DType.Size(),
			}); err != nil {
				return wrapRuntime(err, "collective: Reduce: transport reduce failed")
			}
			if err := copyBackAll(staged); err != nil {
				return wrapRuntime(err, "collective: Reduce: host-to-device copy-back failed")
			}
			w.syncFn = func() error { return joinAll(staged) }
			return nil
		}
	}
	w.retain(inputs...)
	g.queue.submit(w)
	return w, nil
}
