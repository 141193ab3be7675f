package collective

import (
	"context"
	"strconv"
	"time"

	"github.com/gomlx/collective/transport"
)

// prefixedStore adapts a transport.Store into the per-context rendezvous namespace
// used during ConnectFullMesh: every key gets an index-specific prefix ("0/", "1/",
// ...) so that two contexts constructed for the same store never collide on a
// rendezvous key.
//
// It forwards every call as-is: no retries, no caching.
type prefixedStore struct {
	inner  transport.Store
	prefix string
}

func newPrefixedStore(inner transport.Store, contextIndex int) *prefixedStore {
	return &prefixedStore{inner: inner, prefix: prefixForIndex(contextIndex)}
}

func prefixForIndex(i int) string {
	// "0/", "1/", ...
	return strconv.Itoa(i) + "/"
}

func (s *prefixedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *prefixedStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *prefixedStore) Wait(ctx context.Context, keys []string, timeout time.Duration) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.prefix + k
	}
	return s.inner.Wait(ctx, prefixed, timeout)
}
