package dedup

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_ConcurrentIdenticalFetchSharesOneCall(t *testing.T) {
	c := New()
	var calls atomic.Int32
	release := make(chan struct{})

	perform := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "groups-payload", nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([]any, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.Fetch(context.Background(), "/api/groups", perform)
		}(i)
	}

	require.Eventually(t, func() bool { return c.Inflight() == 1 }, time.Second, time.Millisecond)
	// 让所有等待者都挂上同一调用
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "groups-payload", results[i])
	}
	assert.Equal(t, 0, c.Inflight())
}

func TestCache_FailureSharedButNotCached(t *testing.T) {
	c := New()
	boom := errors.New("upstream 500")
	var calls atomic.Int32

	_, _, err := c.Fetch(context.Background(), "k", func(context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	v, _, err := c.Fetch(context.Background(), "k", func(context.Context) (any, error) {
		calls.Add(1)
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_EntryRemovedAfterSettlement(t *testing.T) {
	c := New()
	for i := 0; i < 3; i++ {
		v, shared, err := c.Fetch(context.Background(), "k", func(context.Context) (any, error) { return i, nil })
		require.NoError(t, err)
		assert.False(t, shared)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, int64(3), c.Calls())
}

func TestCache_DisableDuplicate(t *testing.T) {
	c := New()
	var calls atomic.Int32
	release := make(chan struct{})
	perform := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "ok", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, shared, err := c.Fetch(context.Background(), "k", perform, FetchOpts{DisableDuplicate: true})
			assert.NoError(t, err)
			assert.False(t, shared)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}

func TestCache_CallerCancellationDoesNotCancelSharedCall(t *testing.T) {
	c := New()
	release := make(chan struct{})
	var performCtxErr atomic.Value

	perform := func(ctx context.Context) (any, error) {
		<-release
		if ctx.Err() != nil {
			performCtxErr.Store(ctx.Err())
		}
		return "done", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Fetch(ctx, "k", perform)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.Inflight() == 1 }, time.Second, time.Millisecond)

	waiter := make(chan any, 1)
	go func() {
		v, _, _ := c.Fetch(context.Background(), "k", perform)
		waiter <- v
	}()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-waiter)
	assert.Nil(t, performCtxErr.Load())
}

func TestKey_Stable(t *testing.T) {
	a := url.Values{"p": {"1"}, "keyword": {"x"}, "tag": {"a", "b"}}
	b := url.Values{"tag": {"a", "b"}, "keyword": {"x"}, "p": {"1"}}
	assert.Equal(t, Key("/api/token/", a), Key("/api/token/", b))
	assert.Equal(t, "/api/token/?keyword=x&p=1&tag=a&tag=b", Key("/api/token/", a))
	assert.Equal(t, "/api/group/", Key("/api/group/", nil))

	assert.NotEqual(t, Key("/api/token/", a), Key("/api/token/", url.Values{"p": {"2"}}))
	assert.Equal(t, KeyFromMap("/x", map[string]string{"b": "2", "a": "1"}), "/x?a=1&b=2")
}

func TestKey_RepeatedValuesKeepOrder(t *testing.T) {
	asc := url.Values{"sort": {"a", "b"}}
	desc := url.Values{"sort": {"b", "a"}}
	assert.NotEqual(t, Key("/api/log/", asc), Key("/api/log/", desc))
	assert.Equal(t, "/api/log/?sort=b&sort=a", Key("/api/log/", desc))
	assert.Equal(t, []string{"b", "a"}, desc["sort"])
}
