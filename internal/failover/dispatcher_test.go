package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pipiwei123/ppwapi/internal/cooldown"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type indexRecorderStub struct {
	mu      sync.Mutex
	updates map[int64]int
	done    chan struct{}
}

func (s *indexRecorderStub) UpdateTokenGroupIndex(_ context.Context, tokenID int64, index int) error {
	s.mu.Lock()
	s.updates[tokenID] = index
	s.mu.Unlock()
	s.done <- struct{}{}
	return nil
}

func TestDispatch_FailsOverToNextGroup(t *testing.T) {
	health := newHealthMap()
	s := NewSelector(testChannels, health, testRegistry, settingsMap{"channel_load_balance": "false"})
	stub := &indexRecorderStub{updates: map[int64]int{}, done: make(chan struct{}, 1)}
	rec := NewGroupIndexRecorder(stub, 4)
	d := NewDispatcher(s, health, rec, DispatchOptions{})

	var tried []string
	res, err := d.Dispatch(context.Background(), multiToken("A", "B"), "deepseek-chat", func(ctx context.Context, a Attempt) (Completion, error) {
		tried = append(tried, a.Group)
		if a.Group == "A" {
			return Completion{}, errors.New("upstream 502")
		}
		return Completion{FirstResponseMs: 100, TotalMs: 200}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, tried)
	assert.Equal(t, "B", res.Group)
	assert.Equal(t, int64(3), res.ChannelID)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, res.GroupIdx)
	assert.NotEmpty(t, res.RequestID)

	select {
	case <-stub.done:
	case <-time.After(time.Second):
		t.Fatal("group index not recorded")
	}
	stub.mu.Lock()
	assert.Equal(t, 1, stub.updates[1])
	stub.mu.Unlock()
	require.NoError(t, rec.Close(context.Background()))
}

func TestDispatch_ExhaustionReturnsNoEligibleGroup(t *testing.T) {
	health := newHealthMap()
	s := NewSelector(testChannels, health, testRegistry, nil)
	d := NewDispatcher(s, health, nil, DispatchOptions{})

	calls := 0
	_, err := d.Dispatch(context.Background(), multiToken("A", "B"), "deepseek-chat", func(context.Context, Attempt) (Completion, error) {
		calls++
		return Completion{}, errors.New("boom")
	})
	assert.ErrorIs(t, err, ErrNoEligibleGroup)
	assert.Equal(t, 2, calls)
}

func TestDispatch_FreshExclusionPerRequest(t *testing.T) {
	health := newHealthMap()
	s := NewSelector(testChannels, health, testRegistry, nil)
	d := NewDispatcher(s, health, nil, DispatchOptions{})
	tok := multiToken("A", "B")

	_, err := d.Dispatch(context.Background(), tok, "deepseek-chat", func(_ context.Context, a Attempt) (Completion, error) {
		if a.Group == "A" {
			return Completion{}, errors.New("boom")
		}
		return Completion{}, nil
	})
	require.NoError(t, err)

	// 新的逻辑请求重新从 A 开始
	res, err := d.Dispatch(context.Background(), tok, "deepseek-chat", func(context.Context, Attempt) (Completion, error) {
		return Completion{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "A", res.Group)
}

func TestDispatch_TimeoutRecordedAsViolation(t *testing.T) {
	clockNow := time.Now()
	policies := staticPolicy{Enable: true, TimeoutWindow: 60, TimeoutFRTTimeMs: 2000, TimeoutUseTime: -1, DisableRecoveryTime: 600}
	tracker := cooldown.NewTracker(policies, cooldown.WithClock(func() time.Time { return clockNow }))
	s := NewSelector(testChannels, tracker, testRegistry, settingsMap{"channel_load_balance": "false"})
	d := NewDispatcher(s, tracker, nil, DispatchOptions{AttemptTimeout: 20 * time.Millisecond})

	res, err := d.Dispatch(context.Background(), multiToken("A", "B"), "deepseek-chat", func(ctx context.Context, a Attempt) (Completion, error) {
		if a.Channel.ID == 1 {
			<-ctx.Done()
			return Completion{}, ctx.Err()
		}
		return Completion{FirstResponseMs: 10}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "B", res.Group)
	assert.False(t, tracker.IsEligible("deepseek-chat", 1))
	assert.True(t, tracker.IsEligible("deepseek-chat", 2))

	snap := tracker.Snapshot()
	require.NotEmpty(t, snap)
	assert.Equal(t, cooldown.ReasonAttemptTimeout, snap[0].LastReason)
}

func TestDispatch_CallerCancellation(t *testing.T) {
	health := newHealthMap()
	s := NewSelector(testChannels, health, testRegistry, nil)
	d := NewDispatcher(s, health, nil, DispatchOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := d.Dispatch(ctx, multiToken("A", "B"), "deepseek-chat", func(ctx context.Context, a Attempt) (Completion, error) {
		cancel()
		return Completion{}, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{cooldown.ReasonCancelled}, health.failures)
}

func TestDispatch_TokenChecks(t *testing.T) {
	health := newHealthMap()
	d := NewDispatcher(NewSelector(testChannels, health, nil, nil), health, nil, DispatchOptions{})
	noop := func(context.Context, Attempt) (Completion, error) { return Completion{}, nil }

	disabled := multiToken("A")
	disabled.Status = model.TokenStatusDisabled
	_, err := d.Dispatch(context.Background(), disabled, "deepseek-chat", noop)
	assert.ErrorIs(t, err, model.ErrTokenDisabled)

	limited := multiToken("A")
	limited.ModelLimitsEnabled = true
	limited.ModelLimits = []string{"gpt-4o"}
	_, err = d.Dispatch(context.Background(), limited, "deepseek-chat", noop)
	assert.ErrorIs(t, err, model.ErrModelNotAllowed)
}

func TestDispatch_MaxAttempts(t *testing.T) {
	health := newHealthMap()
	d := NewDispatcher(NewSelector(testChannels, health, testRegistry, nil), health, nil, DispatchOptions{MaxAttempts: 1})
	_, err := d.Dispatch(context.Background(), multiToken("A", "B"), "deepseek-chat", func(context.Context, Attempt) (Completion, error) {
		return Completion{}, errors.New("boom")
	})
	assert.ErrorIs(t, err, ErrNoEligibleGroup)
	assert.ErrorContains(t, err, "after 1 attempts")
}

type staticPolicy model.ChannelTimeoutPolicy

func (p staticPolicy) TimeoutPolicy(string, int64) (model.ChannelTimeoutPolicy, bool) {
	return model.ChannelTimeoutPolicy(p), true
}
