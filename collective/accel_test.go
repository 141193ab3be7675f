package collective

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/collective/tensor"
	"github.com/gomlx/collective/tensor/acceltensor"
	"github.com/gomlx/collective/transport"
	"github.com/gomlx/collective/transport/memtransport"
	"github.com/stretchr/testify/require"
)

// testAccelGroups is testGroups' accelerator-device counterpart: every rank's single
// device reports IsCPU()==false, routing every dispatch call in this file through the
// staged path instead of the CPU path.
func testAccelGroups(t *testing.T, size int) ([]*Group, []*acceltensor.Device) {
	hub := memtransport.NewGroup(size)
	store := memtransport.NewStore()
	devices := make([]*acceltensor.Device, size)
	groups := make([]*Group, size)

	var wg sync.WaitGroup
	errs := make([]error, size)
	for r := 0; r < size; r++ {
		r := r
		devices[r] = acceltensor.NewDevice("accel")
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

func accelFloat32Dense(device *acceltensor.Device, dims []int, vals []float32) *acceltensor.Dense {
	d := acceltensor.NewDense(device, tensor.Make(tensor.Float32, dims...))
	ptr, _ := d.DataPointer()
	buf := unsafe.Slice((*byte)(ptr), len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return d
}

// TestAccelBroadcast exercises Broadcast's staged path end to end: root's value must
// land in every other rank's input after Wait, having round-tripped through a pinned
// host buffer instead of a raw device pointer.
func TestAccelBroadcast(t *testing.T) {
	const size = 3
	groups, devices := testAccelGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([][]float32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			var v float32
			if r == 0 {
				v = 42
			}
			in := accelFloat32Dense(devices[r], []int{1}, []float32{v})
			h, err := groups[r].Broadcast([]tensor.Dense{in}, 0, 0)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			results[r] = readFloat32(in)
		}()
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		require.Equal(t, []float32{42}, results[r], "rank %d", r)
	}
}

// TestAccelReduce exercises Reduce's staged path: every rank's staged input is
// summed into rootRank's staged input, then copied back to the accelerator.
func TestAccelReduce(t *testing.T) {
	const size = 3
	const rootRank = 1
	groups, devices := testAccelGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([][]float32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := accelFloat32Dense(devices[r], []int{1}, []float32{float32(r + 1)})
			h, err := groups[r].Reduce([]tensor.Dense{in}, rootRank, tensor.Sum)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			results[r] = readFloat32(in)
		}()
	}
	wg.Wait()

	require.Equal(t, []float32{6}, results[rootRank])
}

// TestAccelAllreduce exercises Allreduce's staged path across every rank.
func TestAccelAllreduce(t *testing.T) {
	const size = 3
	groups, devices := testAccelGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([][]float32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := accelFloat32Dense(devices[r], []int{1}, []float32{float32(r + 1)})
			h, err := groups[r].Allreduce([]tensor.Dense{in}, tensor.Sum)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			results[r] = readFloat32(in)
		}()
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		require.Equal(t, []float32{6}, results[r], "rank %d", r)
	}
}

// TestAccelGather exercises Gather's staged path on both the root (which also stages
// its output list) and every non-root rank.
func TestAccelGather(t *testing.T) {
	const size = 3
	const rootRank = 0
	groups, devices := testAccelGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := accelFloat32Dense(devices[r], []int{1}, []float32{float32(r + 1)})
			var outputs [][]tensor.Dense
			var outs []*acceltensor.Dense
			if r == rootRank {
				outs = make([]*acceltensor.Dense, size)
				row := make([]tensor.Dense, size)
				for k := range outs {
					outs[k] = accelFloat32Dense(devices[r], []int{1}, []float32{0})
					row[k] = outs[k]
				}
				outputs = [][]tensor.Dense{row}
			}
			h, err := groups[r].Gather(outputs, []tensor.Dense{in}, rootRank)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			if r == rootRank {
				for k, out := range outs {
					require.Equal(t, []float32{float32(k + 1)}, readFloat32(out), "slot %d", k)
				}
			}
		}()
	}
	wg.Wait()
}

// TestAccelScatter exercises Scatter's staged path, the mirror image of
// TestAccelGather.
func TestAccelScatter(t *testing.T) {
	const size = 3
	const rootRank = 0
	groups, devices := testAccelGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([][]float32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := accelFloat32Dense(devices[r], []int{1}, []float32{0})
			var inputs [][]tensor.Dense
			if r == rootRank {
				row := make([]tensor.Dense, size)
				for k := range row {
					row[k] = accelFloat32Dense(devices[r], []int{1}, []float32{float32(k + 10)})
				}
				inputs = [][]tensor.Dense{row}
			}
			h, err := groups[r].Scatter([]tensor.Dense{out}, inputs, rootRank)
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			results[r] = readFloat32(out)
		}()
	}
	wg.Wait()

	for r := 0; r < size; r++ {
		require.Equal(t, []float32{float32(r + 10)}, results[r], "rank %d", r)
	}
}

// TestAccelAllgather exercises Allgather's staged path, which stages both inputs and
// every row of outputs.
func TestAccelAllgather(t *testing.T) {
	const size = 3
	groups, devices := testAccelGroups(t, size)
	defer closeAll(groups)

	var wg sync.WaitGroup
	results := make([][]float32, size)
	for r := 0; r < size; r++ {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := accelFloat32Dense(devices[r], []int{1}, []float32{float32(r + 1)})
			outs := make([]*acceltensor.Dense, size)
			row := make([]tensor.Dense, size)
			for k := range outs {
				outs[k] = accelFloat32Dense(devices[r], []int{1}, []float32{0})
				row[k] = outs[k]
			}
			h, err := groups[r].Allgather([][]tensor.Dense{row}, []tensor.Dense{in})
			require.NoError(t, err)
			require.NoError(t, h.Wait(context.Background()))
			got := make([]float32, size)
			for k, out := range outs {
				got[k] = readFloat32(out)[0]
			}
			results[r] = got
		}()
	}
	wg.Wait()

	want := []float32{1, 2, 3}
	for r := 0; r < size; r++ {
		require.Equal(t, want, results[r], "rank %d", r)
	}
}
