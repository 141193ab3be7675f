package collective

import (
	"encoding/binary"
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/transport"
	"golang.org/x/sync/errgroup"
)

const sparseMetadataFields = 9 // [s0,s1,s2,s3, d0,d1,d2,d3, nnz]

// AllreduceSparse enqueues a SUM allreduce over a list of coordinate-sparse tensors
// with identical sparse+dense shapes across ranks. Every input in the list is
// overwritten with an independent clone of the result.
func (g *Group) AllreduceSparse(inputs []tensor.Sparse, op tensor.ReduceOp, factory tensor.SparseFactory) (Handle, error) {
	if err := validateSparseList(inputs); err != nil {
		return nil, err
	}
	if op != tensor.Sum {
		return nil, unsupportedf("collective: AllreduceSparse: only Sum is supported, got %s", op)
	}
	shape := inputs[0].Shape()
	if shape.SparseDims > 4 || len(shape.DenseDims()) > 4 {
		return nil, invalidArgumentf("collective: AllreduceSparse: sparse_dim and dense_dim must each be <= 4")
	}

	tag := g.tags.nextTag()
	tctx := g.pool.Select(tag)

	w := newWork(tag, tctx, func() error {
		result, err := g.sparseAllreduce(tctx, tag, inputs, shape, factory)
		if err != nil {
			return err
		}
		for i := range inputs {
			indices, err := result.Indices().Clone()
			if err != nil {
				return wrapRuntime(err, "collective: AllreduceSparse: failed to clone result indices into inputs[%d]", i)
			}
			values, err := result.Values().Clone()
			if err != nil {
				return wrapRuntime(err, "collective: AllreduceSparse: failed to clone result values into inputs[%d]", i)
			}
			clone, err := factory.NewSparse(indices, values, shape.SparseShapeDims())
			if err != nil {
				return wrapRuntime(err, "collective: AllreduceSparse: failed to clone result into inputs[%d]", i)
			}
			inputs[i] = clone
		}
		return nil
	})
	g.queue.submit(w)
	return w, nil
}

// sparseAllreduce coalesces locally, exchanges metadata and padded coordinates/
// values with every rank, then coalesces the merged result.
func (g *Group) sparseAllreduce(tctx transport.Context, tag uint32, inputs []tensor.Sparse, shape tensor.Shape, factory tensor.SparseFactory) (tensor.Sparse, error) {
	local, err := g.localSparseSum(inputs, shape, factory)
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: local sum failed")
	}
	local, err = local.Coalesce()
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: local coalesce failed")
	}

	rows, err := g.allgatherSparseMetadata(tctx, tag, local, shape)
	if err != nil {
		return nil, err
	}
	maxNNZ := 0
	for _, r := range rows {
		if r.nnz > maxNNZ {
			maxNNZ = r.nnz
		}
		if err := checkMetadataShapeMatch(r, rows[g.rank]); err != nil {
			return nil, err
		}
	}

	indicesPerRank, err := g.allgatherSparseIndices(tctx, tag, local, shape, rows, maxNNZ)
	if err != nil {
		return nil, err
	}
	valuesPerRank, err := g.allgatherSparseValues(tctx, tag, local, shape, rows, maxNNZ)
	if err != nil {
		return nil, err
	}

	var sum tensor.Sparse
	for k := 0; k < g.size; k++ {
		sk, err := factory.NewSparse(indicesPerRank[k], valuesPerRank[k], shape.SparseShapeDims())
		if err != nil {
			return nil, wrapRuntime(err, "collective: sparse allreduce: failed to build rank %d's sparse tensor", k)
		}
		if sum == nil {
			sum = sk
			continue
		}
		sum, err = sumSparse(sum, sk, shape, factory)
		if err != nil {
			return nil, err
		}
	}
	return sum.Coalesce()
}

type sparseMetadataRow struct {
	sparseDims []int
	denseDims  []int
	nnz        int
}

func (g *Group) localSparseSum(inputs []tensor.Sparse, shape tensor.Shape, factory tensor.SparseFactory) (tensor.Sparse, error) {
	sum := inputs[0]
	var err error
	for _, in := range inputs[1:] {
		sum, err = sumSparse(sum, in, shape, factory)
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// sumSparse concatenates a's and b's coordinates and values into one uncoalesced
// sparse tensor; Coalesce (called by the caller) is what actually sums duplicates.
func sumSparse(a, b tensor.Sparse, shape tensor.Shape, factory tensor.SparseFactory) (tensor.Sparse, error) {
	indices, err := concatDense(a.Indices(), b.Indices(), 1)
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: failed to concatenate indices")
	}
	values, err := concatDense(a.Values(), b.Values(), 0)
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: failed to concatenate values")
	}
	return factory.NewSparse(indices, values, shape.SparseShapeDims())
}

// concatDense concatenates two Dense tensors along dimension axis by raw byte copy;
// both must already share every other dimension and dtype.
func concatDense(a, b tensor.Dense, axis int) (tensor.Dense, error) {
	aPtr, aN := a.DataPointer()
	bPtr, bN := b.DataPointer()
	device := a.Device()
	shapeA := a.Shape()
	dims := append([]int{}, shapeA.Dims...)
	// axis 1 (indices: [sparseDims, nnz]) grows along the nnz column; axis 0
	// (values: [nnz, denseDims...]) grows along the leading row dimension.
	bShape := b.Shape()
	dims[axis] = shapeA.Dims[axis] + bShape.Dims[axis]
	out, err := device.NewPinnedHost(tensor.Make(shapeA.DType, dims...))
	if err != nil {
		return nil, err
	}
	outPtr, _ := out.DataPointer()
	if axis == 1 && len(dims) == 2 && dims[0] > 1 {
		// Each of the dims[0] rows of out is a's row followed by b's row.
		rowA, rowB := aN/dims[0], bN/dims[0]
		for row := 0; row < dims[0]; row++ {
			copyBytes(outPtr, row*(rowA+rowB), aPtr, rowA, row*rowA)
			copyBytes(outPtr, row*(rowA+rowB)+rowA, bPtr, rowB, row*rowB)
		}
		return out, nil
	}
	copyBytes(outPtr, 0, aPtr, aN)
	copyBytes(outPtr, aN, bPtr, bN)
	return out, nil
}

func checkMetadataShapeMatch(r, want sparseMetadataRow) error {
	if len(r.sparseDims) != len(want.sparseDims) || len(r.denseDims) != len(want.denseDims) {
		return runtimeErrorf("collective: sparse allreduce: mismatched sparse/dense shape across ranks")
	}
	for i := range r.sparseDims {
		if r.sparseDims[i] != want.sparseDims[i] {
			return runtimeErrorf("collective: sparse allreduce: sparse dim %d mismatch across ranks", i)
		}
	}
	for i := range r.denseDims {
		if r.denseDims[i] != want.denseDims[i] {
			return runtimeErrorf("collective: sparse allreduce: dense dim %d mismatch across ranks", i)
		}
	}
	return nil
}

// allgatherSparseMetadata exchanges per-rank sparse-tensor metadata with every rank:
// each rank populates a fixed 9-element row, and the size×9 buffer is allgathered.
func (g *Group) allgatherSparseMetadata(tctx transport.Context, tag uint32, local tensor.Sparse, shape tensor.Shape) ([]sparseMetadataRow, error) {
	row := make([]int64, sparseMetadataFields)
	for i, d := range shape.SparseShapeDims() {
		row[i] = int64(d)
	}
	for i, d := range shape.DenseDims() {
		row[4+i] = int64(d)
	}
	row[8] = int64(local.NNZ())

	buf := make([]byte, sparseMetadataFields*8)
	for i, v := range row {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(v))
	}
	out := make([]byte, g.size*sparseMetadataFields*8)
	if err := tctx.Allgather(transport.Options{
		Tag: tag,
		Inputs: []unsafe.Pointer{unsafe.Pointer(&buf[0])}, Outputs: []unsafe.Pointer{unsafe.Pointer(&out[0])},
		ElementCount: sparseMetadataFields, ElementSize: 8,
	}); err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: metadata allgather failed")
	}

	rows := make([]sparseMetadataRow, g.size)
	for k := 0; k < g.size; k++ {
		base := out[k*sparseMetadataFields*8:]
		vals := make([]int64, sparseMetadataFields)
		for i := range vals {
			vals[i] = int64(binary.LittleEndian.Uint64(base[i*8:]))
		}
		sparseDims := trimZero(vals[0:4])
		denseDims := trimZero(vals[4:8])
		rows[k] = sparseMetadataRow{sparseDims: sparseDims, denseDims: denseDims, nnz: int(vals[8])}
	}
	return rows, nil
}

// bytePtr returns a pointer to buf's first byte, or nil for an empty buf --
// &buf[0] panics on a zero-length slice, which allgatherSparseIndices/Values hit
// whenever every rank's local sparse tensor has nnz=0.
func bytePtr(buf []byte) unsafe.Pointer {
	if len(buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&buf[0])
}

func trimZero(vals []int64) []int {
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		if v == 0 {
			break
		}
		out = append(out, int(v))
	}
	return out
}

// allgatherSparseIndices pads every rank's indices to
// the group-wide max nnz, allgather, then slice each rank's row back to its own nnz.
func (g *Group) allgatherSparseIndices(tctx transport.Context, tag uint32, local tensor.Sparse, shape tensor.Shape, rows []sparseMetadataRow, maxNNZ int) ([]tensor.Dense, error) {
	sparseDims := shape.SparseDims
	device := local.Indices().Device()

	padded, err := device.NewPinnedHost(tensor.Make(tensor.Int64, sparseDims, maxNNZ))
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: failed to allocate padded indices buffer")
	}
	if err := padIndicesRows(padded, local.Indices(), sparseDims, maxNNZ, local.NNZ()); err != nil {
		return nil, err
	}
	paddedPtr, _ := padded.DataPointer()
	elemCount := sparseDims * maxNNZ
	out := make([]byte, g.size*elemCount*8)
	if err := tctx.Allgather(transport.Options{
		Tag: tag,
		Inputs: []unsafe.Pointer{paddedPtr}, Outputs: []unsafe.Pointer{bytePtr(out)},
		ElementCount: elemCount, ElementSize: 8,
	}); err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: indices allgather failed")
	}

	perRank := make([]tensor.Dense, g.size)
	var grp errgroup.Group
	for k := 0; k < g.size; k++ {
		k := k
		grp.Go(func() error {
			t, err := sliceAndUnpadIndices(device, sparseDims, maxNNZ, rows[k].nnz, out[k*elemCount*8:(k+1)*elemCount*8])
			if err != nil {
				return err
			}
			perRank[k] = t
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return perRank, nil
}

// allgatherSparseValues applies the same max-nnz padding pattern
// over the dense value blocks instead of the coordinate rows.
func (g *Group) allgatherSparseValues(tctx transport.Context, tag uint32, local tensor.Sparse, shape tensor.Shape, rows []sparseMetadataRow, maxNNZ int) ([]tensor.Dense, error) {
	denseSize := 1
	for _, d := range shape.DenseDims() {
		denseSize *= d
	}
	dtype := shape.DType
	elemSize := dtype.Size()
	device := local.Values().Device()

	dims := append([]int{maxNNZ}, shape.DenseDims()...)
	padded, err := device.NewPinnedHost(tensor.Make(dtype, dims...))
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: failed to allocate padded values buffer")
	}
	if err := padDenseRows(padded, local.Values()); err != nil {
		return nil, err
	}
	paddedPtr, _ := padded.DataPointer()
	elemCount := maxNNZ * denseSize
	out := make([]byte, g.size*elemCount*elemSize)
	if err := tctx.Allgather(transport.Options{
		Tag: tag,
		Inputs: []unsafe.Pointer{paddedPtr}, Outputs: []unsafe.Pointer{bytePtr(out)},
		ElementCount: elemCount, ElementSize: elemSize,
	}); err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: values allgather failed")
	}

	perRank := make([]tensor.Dense, g.size)
	var grp errgroup.Group
	for k := 0; k < g.size; k++ {
		k := k
		grp.Go(func() error {
			valDims := append([]int{rows[k].nnz}, shape.DenseDims()...)
			t, err := sliceAndUnpadShaped(device, dtype, valDims, out[k*elemCount*elemSize:(k+1)*elemCount*elemSize])
			if err != nil {
				return err
			}
			perRank[k] = t
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return perRank, nil
}

// padDenseRows copies every byte of src into the front of dst, relying on dst (freshly
// allocated by NewPinnedHost, sized to maxNNZ rows) being zero-filled past src's
// length -- correct whenever the padding is on the outermost dimension, as it is for
// the [nnz, denseDims...] value blocks (allgatherSparseValues): the local nnz rows are
// already a contiguous prefix of the padded buffer.
func padDenseRows(dst, src tensor.Dense) error {
	_, n := src.DataPointer()
	dstPtr, _ := dst.DataPointer()
	srcPtr, _ := src.DataPointer()
	copyBytes(dstPtr, 0, srcPtr, n)
	return nil
}

// padIndicesRows pads local's [sparseDims, localNNZ] indices into dst's
// [sparseDims, maxNNZ] buffer. Unlike values, indices pad the *inner* dimension, so
// each of the sparseDims rows must be copied into its own maxNNZ-wide slot rather
// than as one contiguous block.
func padIndicesRows(dst, src tensor.Dense, sparseDims, maxNNZ, localNNZ int) error {
	dstPtr, _ := dst.DataPointer()
	srcPtr, _ := src.DataPointer()
	const elemSize = 8
	for row := 0; row < sparseDims; row++ {
		copyBytes(dstPtr, row*maxNNZ*elemSize, srcPtr, localNNZ*elemSize, row*localNNZ*elemSize)
	}
	return nil
}

// sliceAndUnpadIndices rebuilds a rank's own [sparseDims, nnz] indices tensor from
// its padded-to-maxNNZ allgather row, row by row, keeping only the first nnz columns
// of each  -- the
// mirror image of padIndicesRows.
func sliceAndUnpadIndices(device tensor.Device, sparseDims, maxNNZ, nnz int, raw []byte) (tensor.Dense, error) {
	t, err := device.NewPinnedHost(tensor.Make(tensor.Int64, sparseDims, nnz))
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: failed to allocate sliced indices tensor")
	}
	if nnz == 0 {
		return t, nil
	}
	ptr, _ := t.DataPointer()
	const elemSize = 8
	for row := 0; row < sparseDims; row++ {
		copyBytes(ptr, row*nnz*elemSize, unsafe.Pointer(&raw[0]), nnz*elemSize, row*maxNNZ*elemSize)
	}
	return t, nil
}

// sliceAndUnpadShaped is sliceAndUnpadIndices' counterpart for value blocks, whose
// unpadded shape is [nnz, denseDims...] rather than [sparseDims, nnz].
func sliceAndUnpadShaped(device tensor.Device, dtype tensor.DType, dims []int, raw []byte) (tensor.Dense, error) {
	t, err := device.NewPinnedHost(tensor.Make(dtype, dims...))
	if err != nil {
		return nil, wrapRuntime(err, "collective: sparse allreduce: failed to allocate sliced values tensor")
	}
	ptr, n := t.DataPointer()
	if n == 0 {
		return t, nil
	}
	copyBytes(ptr, 0, unsafe.Pointer(&raw[0]), n)
	return t, nil
}
