package collective

import (
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
)

// Allgather enqueues an allgather of inputs across all ranks into outputs:
// outputs[i][k] receives the i-th input slot as submitted by rank k (one slot per
// rank -- see DESIGN.md's ambiguity resolution for the outputs[i] length).
func (g *Group) Allgather(outputs [][]tensor.Dense, inputs []tensor.Dense) (Handle, error) {
	if err := validateNonEmpty(inputs); err != nil {
		return nil, err
	}
	if err := validateDense(inputs); err != nil {
		return nil, err
	}
	if err := validateSameDTypeAndShape(inputs); err != nil {
		return nil, err
	}
	if err := validateAllgatherShapes(outputs, inputs, g.size); err != nil {
		return nil, err
	}
	combined := append([]tensor.Dense{}, inputs...)
	for _, row := range outputs {
		combined = append(combined, row...)
	}
	isCPU, err := validateUniformDevice(combined)
	if err != nil {
		return nil, err
	}

	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)
	dtype := inputs[0].Shape().DType
	elemSize := dtype.Size()
	perInput := inputs[0].Shape().Size()

	var w *work
	if isCPU {
		w = newWork(tag, tctx, func() error {
			flatIn, err := flattenInto(inputs)
			if err != nil {
				return wrapRuntime(err, "collective: Allgather: failed to flatten inputs")
			}
			outCount := g.size * len(inputs) * perInput
			flatOut := make([]byte, outCount*elemSize)
			if err := tctx.Allgather(transport.Options{
				Tag: tag,
				Inputs: []unsafe.Pointer{unsafe.Pointer(&flatIn[0])}, Outputs: []unsafe.Pointer{unsafe.Pointer(&flatOut[0])},
				ElementCount: len(inputs) * perInput, ElementSize: elemSize,
			}); err != nil {
				return wrapRuntime(err, "collective: Allgather: transport allgather failed")
			}
			// flatOut is rank-major: rank k's contribution is len(inputs)*perInput
			// elements starting at k*len(inputs)*perInput; within that, input i starts
			// at i*perInput, matching the flatten order used above.
			stride := len(inputs) * perInput * elemSize
			for k := 0; k < g.size; k++ {
				base := k * stride
				for i := range inputs {
					start := base + i*perInput*elemSize
					ptr, n := outputs[i][k].DataPointer()
					copyBytes(ptr, 0, unsafe.Pointer(&flatOut[start]), n)
				}
			}
			return nil
		})
	} else {
		stagedIn, err := g.stageAll(inputs)
		if err != nil {
			return nil, err
		}
		stagedOut := make([][]*stagedTensor, len(outputs))
		for i, row := range outputs {
			st, err := g.stageAll(row)
			if err != nil {
				return nil, err
			}
			stagedOut[i] = st
		}

		w = newWork(tag, tctx, nil)
		w.runFn = func() error {
			if err := syncAll(stagedIn); err != nil {
				return wrapRuntime(err, "collective: Allgather: staging sync failed")
			}
			for _, st := range stagedOut {
				if err := syncAll(st); err != nil {
					return wrapRuntime(err, "collective: Allgather: staging sync failed")
				}
			}
			hostIn := make([]tensor.Dense, len(stagedIn))
			for i, st := range stagedIn {
				hostIn[i] = st.host
			}
			flatIn, err := flattenInto(hostIn)
			if err != nil {
				return wrapRuntime(err, "collective: Allgather: failed to flatten inputs")
			}
			outCount := g.size * len(inputs) * perInput
			flatOut := make([]byte, outCount*elemSize)
			if err := tctx.Allgather(transport.Options{
				Tag: tag,
				Inputs: []unsafe.Pointer{unsafe.Pointer(&flatIn[0])}, Outputs: []unsafe.Pointer{unsafe.Pointer(&flatOut[0])},
				ElementCount: len(inputs) * perInput, ElementSize: elemSize,
			}); err != nil {
				return wrapRuntime(err, "collective: Allgather: transport allgather failed")
			}
			stride := len(inputs) * perInput * elemSize
			for k := 0; k < g.size; k++ {
				base := k * stride
				for i := range inputs {
					start := base + i*perInput*elemSize
					ptr, n := stagedOut[i][k].host.DataPointer()
					copyBytes(ptr, 0, unsafe.Pointer(&flatOut[start]), n)
				}
			}
			for _, st := range stagedOut {
				if err := copyBackAll(st); err != nil {
					return wrapRuntime(err, "collective: Allgather: host-to-device copy-back failed")
				}
			}
			w.syncFn = func() error {
				for _, st := range stagedOut {
					if err := joinAll(st); err != nil {
						return err
					}
				}
				return nil
			}
			return nil
		}
	}
	w.retain(inputs...)
	for _, row := range outputs {
		w.retain(row...)
	}
	g.queue.submit(w)
	return w, nil
}

// flattenInto copies every tensor in ts into one contiguous byte buffer, in order.
func flattenInto(ts []tensor.Dense) ([]byte, error) {
	total := 0
	for _, t := range ts {
		_, n := t.DataPointer()
		total += n
	}
	buf := make([]byte, total)
	offset := 0
	for _, t := range ts {
		ptr, n := t.DataPointer()
		copyBytes(unsafe.Pointer(&buf[0]), offset, ptr, n)
		offset += n
	}
	return buf, nil
}
