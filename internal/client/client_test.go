package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pipiwei123/ppwapi/internal/dedup"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPass = "secret"

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testPass {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, testPass, Options{Timeout: 5 * time.Second})
}

func TestGet_ConcurrentCallsShareOneRequest(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte(`{"success":true,"data":[{"name":"vip","priority":1},{"name":"default","priority":10}]}`))
	})

	const n = 8
	var wg sync.WaitGroup
	results := make([][]model.Group, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.Groups(context.Background())
		}()
	}

	require.Eventually(t, func() bool { return c.Dedup().Inflight() == 1 }, time.Second, 5*time.Millisecond)
	// 等待其余调用方挂到同一个请求上
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load())
	for i := range n {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 2)
		assert.Equal(t, "vip", results[i][0].Name)
	}
	// 各调用方拿到独立的副本
	results[0][0].Name = "changed"
	assert.Equal(t, "vip", results[1][0].Name)
	assert.Equal(t, 0, c.Dedup().Inflight())
}

func TestGet_DisableDuplicate(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success":true,"data":{"value":"{}"}}`))
	})

	var out map[string]string
	require.NoError(t, c.Get(context.Background(), "/admin/options/x", nil, &out, dedup.FetchOpts{DisableDuplicate: true}))
	require.NoError(t, c.Get(context.Background(), "/admin/options/x", nil, &out))
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "{}", out["value"])
}

func TestGet_ErrorNotCached(t *testing.T) {
	var calls atomic.Int32
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"success":false,"error":"no available route"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
	})

	_, err := c.ChannelHealth(context.Background(), "deepseek-chat", 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.NoAvailableRoute())
	assert.Equal(t, "no available route", apiErr.Message)

	snaps, err := c.ChannelHealth(context.Background(), "deepseek-chat", 1)
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.EqualValues(t, 2, calls.Load())
}

func TestChannelHealth_QueryParams(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/channel-health", r.URL.Path)
		assert.Equal(t, "deepseek-chat", r.URL.Query().Get("model"))
		assert.Equal(t, "7", r.URL.Query().Get("channel_id"))
		_, _ = w.Write([]byte(`{"success":true,"data":[{"model":"deepseek-chat","channel_id":7,"eligible":false,"trip_count":2}]}`))
	})

	snaps, err := c.ChannelHealth(context.Background(), "deepseek-chat", 7)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].Eligible)
	assert.EqualValues(t, 2, snaps[0].TripCount)
}

func TestUpdateOption(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/admin/options/channel.timeout_disable_config", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"data":{"key":"channel.timeout_disable_config","changed":true}}`))
	})

	changed, err := c.UpdateOption(context.Background(), "channel.timeout_disable_config", "{}")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestUpdateTokenGroupInfo_Rejected(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":"auto group cannot be used in multi-group mode"}`))
	})

	_, err := c.UpdateTokenGroupInfo(context.Background(), 1, GroupInfoUpdate{
		GroupInfo: model.GroupInfo{IsMultiGroup: true, MultiGroupList: []string{"vip", "auto"}},
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func TestUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"error":"unauthorized"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "wrong", Options{})
	_, err := c.Groups(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
}
