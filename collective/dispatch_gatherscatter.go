package collective

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
)

// Gather enqueues a gather of every rank's single input tensor onto rootRank. On
// rootRank, outputs must be a single list of length g.Size(); on every other rank
// outputs must be empty.
func (g *Group) Gather(outputs [][]tensor.Dense, inputs []tensor.Dense, rootRank int) (Handle, error) {
	if err := validateSingleElement(inputs); err != nil {
		return nil, err
	}
	if err := validateRootRank(rootRank, g.size); err != nil {
		return nil, err
	}
	isRoot := g.rank == rootRank
	if isRoot {
		if len(outputs) != 1 || len(outputs[0]) != g.size {
			return nil, invalidArgumentf("collective: Gather: on root, outputs must be a single list of length size=%d", g.size)
		}
	} else if len(outputs) != 0 {
		return nil, invalidArgumentf("collective: Gather: on non-root ranks, outputs must be empty")
	}
	combined := append([]tensor.Dense{}, inputs...)
	if isRoot {
		combined = append(combined, outputs[0]...)
	}
	isCPU, err := validateUniformDevice(combined)
	if err != nil {
		return nil, err
	}

	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)
	in := inputs[0]
	elemSize := in.Shape().DType.Size()
	count := in.Shape().Size()

	var w *work
	if isCPU {
		w = newWork(tag, tctx, func() error {
			inPtr, _ := in.DataPointer()
			var outPtr unsafe.Pointer
			var flatOut []byte
			if isRoot {
				flatOut = make([]byte, g.size*count*elemSize)
				outPtr = unsafe.Pointer(&flatOut[0])
			}
			if err := tctx.Gather(transport.Options{
				Root: rootRank, Tag: tag,
				Inputs: []unsafe.Pointer{inPtr}, Outputs: []unsafe.Pointer{outPtr},
				ElementCount: count, ElementSize: elemSize,
			}); err != nil {
				return wrapRuntime(err, "collective: Gather: transport gather failed")
			}
			if isRoot {
				for k := 0; k < g.size; k++ {
					ptr, n := outputs[0][k].DataPointer()
					copyBytes(ptr, 0, unsafe.Pointer(&flatOut[k*count*elemSize]), n)
				}
			}
			return nil
		})
	} else {
		stagedIn, err := g.stageAll(inputs)
		if err != nil {
			return nil, err
		}
		var stagedOut []*stagedTensor
		if isRoot {
			stagedOut, err = g.stageAll(outputs[0])
			if err != nil {
				return nil, err
			}
		}
		w = newWork(tag, tctx, nil)
		w.runFn = func() error {
			if err := syncAll(stagedIn); err != nil {
				return wrapRuntime(err, "collective: Gather: staging sync failed")
			}
			if isRoot {
				if err := syncAll(stagedOut); err != nil {
					return wrapRuntime(err, "collective: Gather: staging sync failed")
				}
			}
			inPtr, _ := stagedIn[0].host.DataPointer()
			var outPtr unsafe.Pointer
			var flatOut []byte
			if isRoot {
				flatOut = make([]byte, g.size*count*elemSize)
				outPtr = unsafe.Pointer(&flatOut[0])
			}
			if err := tctx.Gather(transport.Options{
				Root: rootRank, Tag: tag,
				Inputs: []unsafe.Pointer{inPtr}, Outputs: []unsafe.Pointer{outPtr},
				ElementCount: count, ElementSize: elemSize,
			}); err != nil {
				return wrapRuntime(err, "collective: Gather: transport gather failed")
			}
			if !isRoot {
				return nil
			}
			for k, st := range stagedOut {
				ptr, n := st.host.DataPointer()
				copyBytes(ptr, 0, unsafe.Pointer(&flatOut[k*count*elemSize]), n)
			}
			if err := copyBackAll(stagedOut); err != nil {
				return wrapRuntime(err, "collective: Gather: host-to-device copy-back failed")
			}
			w.syncFn = func() error { return joinAll(stagedOut) }
			return nil
		}
	}
	w.retain(inputs...)
	if isRoot {
		w.retain(outputs[0]...)
	}
	g.queue.submit(w)
	return w, nil
}

// Scatter enqueues a scatter of rootRank's per-rank input list into every rank's
// single output tensor. On rootRank, inputs must be a single list of length
// g.Size(); on every other rank inputs must be empty.
func (g *Group) Scatter(outputs []tensor.Dense, inputs [][]tensor.Dense, rootRank int) (Handle, error) {
	if err := validateRootRank(rootRank, g.size); err != nil {
		return nil, err
	}
	if err := validateSingleElement(outputs); err != nil {
		return nil, err
	}
	isRoot := g.rank == rootRank
	if isRoot {
		if len(inputs) != 1 || len(inputs[0]) != g.size {
			return nil, invalidArgumentf("collective: Scatter: on root, inputs must be a single list of length size=%d", g.size)
		}
	} else if len(inputs) != 0 {
		return nil, invalidArgumentf("collective: Scatter: on non-root ranks, inputs must be empty")
	}
	combined := append([]tensor.Dense{}, outputs...)
	if isRoot {
		combined = append(combined, inputs[0]...)
	}
	isCPU, err := validateUniformDevice(combined)
	if err != nil {
		return nil, err
	}

	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)
	out := outputs[0]
	elemSize := out.Shape().DType.Size()
	count := out.Shape().Size()

	var w *work
	if isCPU {
		w = newWork(tag, tctx, func() error {
			var inPtr unsafe.Pointer
			var flatIn []byte
			if isRoot {
				flatIn = make([]byte, g.size*count*elemSize)
				for k := 0; k < g.size; k++ {
					ptr, n := inputs[0][k].DataPointer()
					copyBytes(unsafe.Pointer(&flatIn[0]), k*count*elemSize, ptr, n)
				}
				inPtr = unsafe.Pointer(&flatIn[0])
			}
			outPtr, _ := out.DataPointer()
			if err := tctx.Scatter(transport.Options{
				Root: rootRank, Tag: tag,
				Inputs: []unsafe.Pointer{inPtr}, Outputs: []unsafe.Pointer{outPtr},
				ElementCount: count, ElementSize: elemSize,
			}); err != nil {
				return wrapRuntime(err, "collective: Scatter: transport scatter failed")
			}
			return nil
		})
	} else {
		stagedOut, err := g.stageAll(outputs)
		if err != nil {
			return nil, err
		}
		var stagedIn []*stagedTensor
		if isRoot {
			stagedIn, err = g.stageAll(inputs[0])
			if err != nil {
				return nil, err
			}
		}
		w = newWork(tag, tctx, nil)
		w.runFn = func() error {
			if isRoot {
				if err := syncAll(stagedIn); err != nil {
					return wrapRuntime(err, "collective: Scatter: staging sync failed")
				}
			}
			if err := syncAll(stagedOut); err != nil {
				return wrapRuntime(err, "collective: Scatter: staging sync failed")
			}
			var inPtr unsafe.Pointer
			var flatIn []byte
			if isRoot {
				flatIn = make([]byte, g.size*count*elemSize)
				for k, st := range stagedIn {
					ptr, n := st.host.DataPointer()
					copyBytes(unsafe.Pointer(&flatIn[0]), k*count*elemSize, ptr, n)
				}
				inPtr = unsafe.Pointer(&flatIn[0])
			}
			outPtr, _ := stagedOut[0].host.DataPointer()
			if err := tctx.Scatter(transport.Options{
				Root: rootRank, Tag: tag,
				Inputs: []unsafe.Pointer{inPtr}, Outputs: []unsafe.Pointer{outPtr},
				ElementCount: count, ElementSize: elemSize,
			}); err != nil {
				return wrapRuntime(err, "collective: Scatter: transport scatter failed")
			}
			if err := copyBackAll(stagedOut); err != nil {
				return wrapRuntime(err, "collective: Scatter: host-to-device copy-back failed")
			}
			w.syncFn = func() error { return joinAll(stagedOut) }
			return nil
		}
	}
	w.retain(outputs...)
	if isRoot {
		w.retain(inputs[0]...)
	}
	g.queue.submit(w)
	return w, nil
}

// ReduceScatter always fails with unsupported: this backend does not implement it.
func (g *Group) ReduceScatter(outputs []tensor.Dense, inputs [][]tensor.Dense, op tensor.ReduceOp) (Handle, error) {
	return nil, unsupportedf("collective: ReduceScatter is not supported")
}
