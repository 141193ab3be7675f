package collective

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
)

// Allreduce enqueues an allreduce over the dense inputs list, combining with op
// across all ranks. This preserves a transport quirk: when len(inputs) > 1 only
// inputs[0] is reduced; every other element is overwritten with a copy of the reduced
// inputs[0] rather than being independently reduced.
func (g *Group) Allreduce(inputs []tensor.Dense, op tensor.ReduceOp) (Handle, error) {
	if err := validateNonEmpty(inputs); err != nil {
		return nil, err
	}
	if err := validateDense(inputs); err != nil {
		return nil, err
	}
	if err := validateSameDTypeAndShape(inputs); err != nil {
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
	authoritative := inputs[0]

	var w *work
	if isCPU {
		w = newWork(tag, tctx, func() error {
			ptr, _ := authoritative.DataPointer()
			if err := tctx.Allreduce(transport.Options{
				Tag: tag, ReduceFunc: reduceFn,
				Inputs: []unsafe.Pointer{ptr}, Outputs: []unsafe.Pointer{ptr},
				ElementCount: authoritative.Shape().Size(), ElementSize: authoritative.Shape().DType.Size(),
			}); err != nil {
				return wrapRuntime(err, "collective: Allreduce: transport allreduce failed")
			}
			for i, t := range inputs[1:] {
				if err := t.CopyFrom(authoritative); err != nil {
					return wrapRuntime(err, "collective: Allreduce: failed to copy result into inputs[%d]", i+1)
				}
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
				return wrapRuntime(err, "collective: Allreduce: staging sync failed")
			}
			root := staged[0]
			ptr, _ := root.host.DataPointer()
			if err := tctx.Allreduce(transport.Options{
				Tag: tag, ReduceFunc: reduceFn,
				Inputs: []unsafe.Pointer{ptr}, Outputs: []unsafe.Pointer{ptr},
				ElementCount: root.orig.Shape().Size(), ElementSize: root.orig.Shape().DType.Size(),
			}); err != nil {
				return wrapRuntime(err, "collective: Allreduce: transport allreduce failed")
			}
			for _, st := range staged[1:] {
				if err := st.host.CopyFrom(root.host); err != nil {
					return wrapRuntime(err, "collective: Allreduce: failed to copy result into staged host buffer")
				}
			}
			if err := copyBackAll(staged); err != nil {
				return wrapRuntime(err, "collective: Allreduce: host-to-device copy-back failed")
			}
			w.syncFn = func() error { return joinAll(staged) }
			return nil
		}
	}
	w.retain(inputs...)
	g.queue.submit(w)
	return w, nil
}

// AllreduceCoalesced enqueues a CPU-only allreduce over a heterogeneous tensor list,
// flattened into one contiguous buffer so the transport only sees a single call.
func (g *Group) AllreduceCoalesced(tensors []tensor.Dense, op tensor.ReduceOp) (Handle, error) {
	if err := validateSameDeviceDTypeShapeCoalesced(tensors); err != nil {
		return nil, err
	}
	dtype := tensors[0].Shape().DType
	reduceFn, err := lookupReduceFunc(dtype, op)
	if err != nil {
		return nil, err
	}

	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)

	w := newWork(tag, tctx, func() error {
		total := 0
		for _, t := range tensors {
			total += t.Shape().Size()
		}
		flat, err := tensors[0].Device().NewPinnedHost(tensor.Make(dtype, total))
		if err != nil {
			return wrapRuntime(err, "collective: AllreduceCoalesced: failed to allocate flat buffer")
		}
		offset := 0
		elemSize := dtype.Size()
		flatPtr, _ := flat.DataPointer()
		for _, t := range tensors {
			ptr, n := t.DataPointer()
			copyBytes(flatPtr, offset*elemSize, ptr, n)
			offset += t.Shape().Size()
		}
		if err := tctx.Allreduce(transport.Options{
			Tag: tag, ReduceFunc: reduceFn,
			Inputs: []unsafe.Pointer{flatPtr}, Outputs: []unsafe.Pointer{flatPtr},
			ElementCount: total, ElementSize: elemSize,
		}); err != nil {
			return wrapRuntime(err, "collective: AllreduceCoalesced: transport allreduce failed")
		}
		offset = 0
		for _, t := range tensors {
			ptr, n := t.DataPointer()
			copyBytes(ptr, 0, flatPtr, n, offset*elemSize)
			offset += t.Shape().Size()
		}
		return nil
	})
	w.retain(tensors...)
	g.queue.submit(w)
	return w, nil
}

// copyBytes copies n bytes from (src+srcOffsetArgs...) into dst+dstOffset. A variadic
// offset on src lets the flatten and unflatten calls above share one helper without a
// separate signature for "offset on dst" vs "offset on src".
func copyBytes(dst unsafe.Pointer, dstOffset int, src unsafe.Pointer, n int, srcOffset ...int) {
	off := 0
	if len(srcOffset) > 0 {
		off = srcOffset[0]
	}
	d := unsafe.Slice((*byte)(dst), dstOffset+n)
	s := unsafe.Slice((*byte)(src), off+n)
	copy(d[dstOffset:dstOffset+n], s[off:off+n])
}
