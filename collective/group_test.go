package collective

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/tensor/cputensor"
	"github.com/gomlx/collective/transport"
	"github.com/gomlx/collective/transport/memtransport"
	"github.com/stretchr/testify/require"
)

// testGroups spins up size ranks of *Group sharing one in-process memtransport.Group,
// one cputensor.Device per rank.
func testGroups(t *testing.T, size int) ([]*Group, []*cputensor.Device) {
	hub := memtransport.NewGroup(size)
	store := memtransport.NewStore()
	devices := make([]*cputensor.Device, size)
	groups := make([]*Group, size)

	var wg sync.WaitGroup
	errs := make([]error, size)
	for r := 0; r < size; r++ {
		r := r
		devices[r] = cputensor.NewDevice("cpu")
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := Options{
				Devices: []tensor.Device{devices[r]},
				NewContext: func(rank, size int) (transport.Context, error) {
					return hub.NewContext(rank), nil
				},
				Threads: 2,
			}
			g, err := New(context.Background(), r, size, store, opts)
			groups[r] = g
			errs[r] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return groups, devices
}

func closeAll(groups []*Group) {
	for _, g := range groups {
		g.Close()
	}
}

func float32Dense(device *cputensor.Device, dims []int, vals []float32) *cputensor.Dense {
	d := cputensor.NewDense(device, tensor.Make(tensor.Float32, dims...))
	ptr, _ := d.DataPointer()
	buf := unsafe.Slice((*byte)(ptr), len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return d
}

func readFloat32(d tensor.Dense) []float32 {
	ptr, n := d.DataPointer()
	buf := unsafe.Slice((*byte)(ptr), n)
	out := make([]float32, n/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

func int32Dense(device *cputensor.Device, vals []int32) *cputensor.Dense {
	d := cputensor.NewDense(device, tensor.Make(tensor.Int32, len(vals)))
	ptr, _ := d.DataPointer()
	buf := unsafe.Slice((*byte)(ptr), len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return d
}

func readInt32(d tensor.Dense) []int32 {
	ptr, n := d.DataPointer()
	buf := unsafe.Slice((*byte)(ptr), n)
	out := make([]int32, n/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}

// TestBroadcastScenario exercises an end-to-end broadcast round.
func TestBroadcastScenario(t *testing.T) {
	const size = 4
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([][]float32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			vals := make([]float32, 6)
			for i := range vals {
				vals[i] = float32(r)
			}
			in := float32Dense(devices[r], []int{2, 3}, vals)
			h, err := groups[r].Broadcast([]tensor.Dense{in}, 2, 0)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			results[r] = readFloat32(in)
		}()
	}
	wg.Wait()

	want := make([]float32, 6)
	for i := range want {
		want[i] = 2
	}
	for r := 0; r < size; r++ {
		require.Equal(t, want, results[r], "rank %d", r)
	}
}

// TestDenseAllreduceSum exercises an end-to-end dense allreduce round.
func TestDenseAllreduceSum(t *testing.T) {
	const size = 4
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([][]int32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := int32Dense(devices[r], []int32{int32(r), int32(r), int32(r)})
			h, err := groups[r].Allreduce([]tensor.Dense{in}, tensor.Sum)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			results[r] = readInt32(in)
		}()
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		require.Equal(t, []int32{6, 6, 6}, results[r], "rank %d", r)
	}
}

// TestGatherScenario exercises an end-to-end gather round.
func TestGatherScenario(t *testing.T) {
	const size = 4
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	rootOutputs := make([][]int32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := int32Dense(devices[r], []int32{int32(r)})
			var outputs [][]tensor.Dense
			var outTensors []tensor.Dense
			if r == 0 {
				outTensors = make([]tensor.Dense, size)
				for k := range outTensors {
					outTensors[k] = int32Dense(devices[r], []int32{0})
				}
				outputs = [][]tensor.Dense{outTensors}
			}
			h, err := groups[r].Gather(outputs, []tensor.Dense{in}, 0)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			if r == 0 {
				for k, ot := range outTensors {
					rootOutputs[k] = readInt32(ot)
				}
			}
		}()
	}
	wg.Wait()

	for k := 0; k < size; k++ {
		require.Equal(t, []int32{int32(k)}, rootOutputs[k])
	}
}

// TestAllgather asserts outputs[i][k] equals rank k's i-th input.
func TestAllgather(t *testing.T) {
	const size = 3
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	gathered := make([][]int32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := int32Dense(devices[r], []int32{int32(r) * 10})
			outTensors := make([]tensor.Dense, size)
			for k := range outTensors {
				outTensors[k] = int32Dense(devices[r], []int32{0})
			}
			h, err := groups[r].Allgather([][]tensor.Dense{outTensors}, []tensor.Dense{in})
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			out := make([]int32, size)
			for k, ot := range outTensors {
				out[k] = readInt32(ot)[0]
			}
			gathered[r] = out
		}()
	}
	wg.Wait()

	want := []int32{0, 10, 20}
	for r := 0; r < size; r++ {
		require.Equal(t, want, gathered[r], "rank %d", r)
	}
}

// TestSparseAllreduceSum exercises an end-to-end sparse allreduce round.
func TestSparseAllreduceSum(t *testing.T) {
	const size = 4
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	dense := make([][]float32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			device := devices[r]
			factory := cputensor.Factory{Device: device}

			idx := cputensor.NewDense(device, tensor.Make(tensor.Int64, 1, 1))
			ptr, _ := idx.DataPointer()
			binary.LittleEndian.PutUint64(unsafe.Slice((*byte)(ptr), 8), uint64(r))

			val := float32Dense(device, []int{1}, []float32{1.0})
			sp, err := factory.NewSparse(idx, val, []int{size})
			require.NoError(t, err)

			inputs := []tensor.Sparse{sp}
			h, err := groups[r].AllreduceSparse(inputs, tensor.Sum, factory)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))

			// AllreduceSparse rewrites the caller's slice entries, not the local var directly.
			dense[r] = materializeDense1D(inputs[0], size)
		}()
	}
	wg.Wait()

	want := []float32{1, 1, 1, 1}
	for r := 0; r < size; r++ {
		require.Equal(t, want, dense[r], "rank %d", r)
	}
}

// TestSparseAllreduceAllEmpty exercises the nnz=0-on-every-rank boundary case: no
// rank contributes a single coordinate, so the group-wide max nnz is 0 and every
// allgathered coordinate/value buffer is zero-length.
func TestSparseAllreduceAllEmpty(t *testing.T) {
	const size = 3
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([]tensor.Sparse, size)
	errs := make([]error, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			device := devices[r]
			factory := cputensor.Factory{Device: device}

			idx := cputensor.NewDense(device, tensor.Make(tensor.Int64, 1, 0))
			val := cputensor.NewDense(device, tensor.Make(tensor.Float32, 0))
			sp, err := factory.NewSparse(idx, val, []int{size})
			if err != nil {
				errs[r] = err
				return
			}

			h, err := groups[r].AllreduceSparse([]tensor.Sparse{sp}, tensor.Sum, factory)
			if err != nil {
				errs[r] = err
				return
			}
			if err := h.Wait(context.Background()); err != nil {
				errs[r] = err
				return
			}
			results[r] = sp
		}()
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		require.NoError(t, errs[r], "rank %d", r)
		require.Equal(t, 0, results[r].NNZ(), "rank %d", r)
	}
}

// materializeDense1D expands a 1-D coordinate-sparse float32 tensor with scalar
// values into a dense slice of length n, for test assertions only.
func materializeDense1D(sp tensor.Sparse, n int) []float32 {
	out := make([]float32, n)
	idxPtr, _ := sp.Indices().DataPointer()
	nnz := sp.NNZ()
	idxBuf := unsafe.Slice((*byte)(idxPtr), nnz*8)
	valPtr, _ := sp.Values().DataPointer()
	valBuf := unsafe.Slice((*byte)(valPtr), nnz*4)
	for j := 0; j < nnz; j++ {
		coord := binary.LittleEndian.Uint64(idxBuf[j*8:])
		out[coord] = math.Float32frombits(binary.LittleEndian.Uint32(valBuf[j*4:]))
	}
	return out
}

// TestSendRecv exercises an end-to-end send/recv round trip under tag=0.
func TestSendRecv(t *testing.T) {
	const size = 2
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	wg.Add(2)
	var received []int32
	go func() {
		defer wg.Done()
		out := int32Dense(devices[1], []int32{0, 0, 0})
		h, err := groups[1].Recv(out, 0, 0)
		require.NoError(t, err)
		require.NoError(t, h.Wait(context.Background()))
		received = readInt32(out)
	}()
	go func() {
		defer wg.Done()
		in := int32Dense(devices[0], []int32{7, 8, 9})
		h, err := groups[0].Send(in, 1, 0)
		require.NoError(t, err)
		require.NoError(t, h.Wait(context.Background()))
	}()
	wg.Wait()
	require.Equal(t, []int32{7, 8, 9}, received)
}

// TestSendRecvNegativeTagRejected asserts tag<0 fails with invalid-argument.
func TestSendRecvNegativeTagRejected(t *testing.T) {
	const size = 2
	groups, _ := testGroups(t, size)
	defer closeAll(groups)

	device := cputensor.NewDevice("cpu")
	in := int32Dense(device, []int32{1})
	_, err := groups[0].Send(in, 1, -1)
	require.Error(t, err)
	require.Equal(t, ErrorKindInvalidArgument, Kind(err))
}

// TestBarrier exercises Barrier's ordering guarantee: a barrier
// completes only after every previously-submitted collective on this rank has
// completed.
func TestBarrier(t *testing.T) {
	const size = 4
	groups, devices := testGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := int32Dense(devices[r], []int32{int32(r)})
			h1, err := groups[r].Allreduce([]tensor.Dense{in}, tensor.Sum)
			require.NoError(t, err)

			hb, err := groups[r].Barrier()
			require.NoError(t, err)

			// The allreduce submitted before the barrier is already done once the
			// barrier's Wait returns, before h1 itself is waited on.
			require.NoError(t, hb.Wait(context.Background()))
			require.Equal(t, []int32{6}, readInt32(in))
			require.NoError(t, h1.Wait(context.Background()))
		}()
	}
	wg.Wait()
}
