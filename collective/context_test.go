package collective

import (
	"context"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/gomlx/collective/transport"
	"github.com/stretchr/testify/require"
)

// fakeContext is a minimal transport.Context stub, identified only by a label, for
// exercising contextPool.Select's routing without a real transport.
type fakeContext struct{ label int }

func (*fakeContext) Rank() int                                           { return 0 }
func (*fakeContext) Size() int                                           { return 0 }
func (*fakeContext) SetTimeout(time.Duration)                            {}
func (*fakeContext) SetAbortTimeout(time.Duration)                       {}
func (*fakeContext) ConnectFullMesh(context.Context, transport.Store, any) error { return nil }
func (*fakeContext) CreateUnboundBuffer(unsafe.Pointer, int) (transport.UnboundBuffer, error) {
	return nil, nil
}
func (*fakeContext) Broadcast(transport.Options) error { return nil }
func (*fakeContext) Reduce(transport.Options) error    { return nil }
func (*fakeContext) Allreduce(transport.Options) error { return nil }
func (*fakeContext) Allgather(transport.Options) error { return nil }
func (*fakeContext) Gather(transport.Options) error    { return nil }
func (*fakeContext) Scatter(transport.Options) error   { return nil }
func (*fakeContext) Barrier(transport.Options) error   { return nil }

func TestTagAllocatorMonotonicallyIncreasing(t *testing.T) {
	var a tagAllocator
	require.EqualValues(t, 0, a.nextTag())
	require.EqualValues(t, 1, a.nextTag())
	require.EqualValues(t, 2, a.nextTag())
}

func TestTagAllocatorUniqueUnderConcurrency(t *testing.T) {
	var a tagAllocator
	const n = 1000
	seen := make([]int32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tag := a.nextTag()
			seen[tag]++
		}()
	}
	wg.Wait()
	for i, count := range seen {
		require.EqualValues(t, 1, count, "tag %d was handed out %d times", i, count)
	}
}

func TestContextPoolSelectRoutesTagModuloLen(t *testing.T) {
	pool := &contextPool{contexts: []transport.Context{
		&fakeContext{label: 0}, &fakeContext{label: 1}, &fakeContext{label: 2},
	}}
	require.Equal(t, 3, pool.Len())
	for tag := uint32(0); tag < 9; tag++ {
		got := pool.Select(tag).(*fakeContext)
		require.Equal(t, int(tag%3), got.label)
	}
}
