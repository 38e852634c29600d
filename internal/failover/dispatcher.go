package failover

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pipiwei123/ppwapi/internal/cooldown"
	"github.com/pipiwei123/ppwapi/internal/model"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrAttemptTimeout 单次尝试超过 Dispatcher 的尝试超时
var ErrAttemptTimeout = errors.New("attempt timed out")

// HealthRecorder 完成遥测的接收方（cooldown.Tracker 实现）
type HealthRecorder interface {
	RecordCompletion(modelName string, channelID int64, frtMs, totalMs int64)
	RecordFailure(modelName string, channelID int64, reason string)
}

// Attempt 一次上游尝试
type Attempt struct {
	RequestID string
	Number    int
	Group     string
	Channel   *model.Channel
}

// Completion 尝试的耗时观测。FirstResponseMs < 0 表示没有首字（非流式）；
// TotalMs 为 0 时由 Dispatcher 按墙钟补齐。
type Completion struct {
	FirstResponseMs int64
	TotalMs         int64
}

// AttemptFunc 执行一次尝试；返回错误即切换到下一个分组
type AttemptFunc func(ctx context.Context, a Attempt) (Completion, error)

// Result 成功的分发结果
type Result struct {
	RequestID string `json:"request_id"`
	Group     string `json:"group"`
	GroupIdx  int    `json:"group_idx"`
	ChannelID int64  `json:"channel_id"`
	Attempts  int    `json:"attempts"`
}

// DispatchOptions Dispatcher 参数
type DispatchOptions struct {
	// AttemptTimeout 单次尝试超时，0 表示不限制
	AttemptTimeout time.Duration
	// MaxAttempts 单个逻辑请求的最大尝试次数，0 表示不限制
	MaxAttempts int
}

// Dispatcher 逻辑请求的分发循环：选分组、选渠道、尝试、上报健康、失败后排除分组重试
type Dispatcher struct {
	selector *Selector
	health   HealthRecorder
	index    *GroupIndexRecorder
	opts     DispatchOptions
	now      func() time.Time
}

func NewDispatcher(selector *Selector, health HealthRecorder, index *GroupIndexRecorder, opts DispatchOptions) *Dispatcher {
	return &Dispatcher{selector: selector, health: health, index: index, opts: opts, now: time.Now}
}

// Dispatch 为一个新的逻辑请求分发；每次调用都使用新的排除集合
func (d *Dispatcher) Dispatch(ctx context.Context, token *model.Token, modelName string, fn AttemptFunc) (*Result, error) {
	if err := token.CheckUsable(d.now()); err != nil {
		return nil, err
	}
	if !token.AllowsModel(modelName) {
		return nil, model.ErrModelNotAllowed
	}

	requestID := uuid.NewString()
	log := logrus.WithFields(logrus.Fields{
		"request_id": requestID,
		"token":      token.ID,
		"model":      modelName,
	})
	candidates := d.selector.Candidates(token)
	excluded := ExcludedGroups{}
	attempts := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		group, err := d.selector.SelectGroup(ctx, token, modelName, excluded)
		if err != nil {
			if errors.Is(err, ErrNoEligibleGroup) {
				log.WithField("attempts", attempts).Warn("所有分组均无可用渠道")
				return nil, fmt.Errorf("%w after %d attempts", ErrNoEligibleGroup, attempts)
			}
			return nil, err
		}
		channels, err := d.selector.EligibleChannels(ctx, modelName, group)
		if err != nil {
			return nil, err
		}
		if len(channels) == 0 {
			// 选中后到取渠道之间渠道被熔断
			excluded.Add(group)
			continue
		}

		attempts++
		ch := channels[0]
		err = d.attempt(ctx, fn, modelName, Attempt{
			RequestID: requestID,
			Number:    attempts,
			Group:     group,
			Channel:   ch,
		})
		if err == nil {
			idx := slices.Index(candidates, group)
			d.index.Record(token.ID, idx)
			log.WithFields(logrus.Fields{
				"group":    group,
				"channel":  ch.ID,
				"attempts": attempts,
			}).Debug("分发成功")
			return &Result{
				RequestID: requestID,
				Group:     group,
				GroupIdx:  idx,
				ChannelID: ch.ID,
				Attempts:  attempts,
			}, nil
		}

		log.WithError(err).WithFields(logrus.Fields{
			"group":   group,
			"channel": ch.ID,
			"attempt": attempts,
		}).Info("尝试失败，切换分组")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		excluded.Add(group)
		if d.opts.MaxAttempts > 0 && attempts >= d.opts.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrNoEligibleGroup, attempts, err)
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, fn AttemptFunc, modelName string, a Attempt) error {
	attemptCtx := ctx
	if d.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeoutCause(ctx, d.opts.AttemptTimeout, ErrAttemptTimeout)
		defer cancel()
	}

	start := d.now()
	comp, err := fn(attemptCtx, a)
	if comp.TotalMs == 0 {
		comp.TotalMs = d.now().Sub(start).Milliseconds()
	}

	if err == nil {
		d.health.RecordCompletion(modelName, a.Channel.ID, comp.FirstResponseMs, comp.TotalMs)
		return nil
	}

	switch {
	case errors.Is(err, ErrAttemptTimeout) || errors.Is(context.Cause(attemptCtx), ErrAttemptTimeout):
		d.health.RecordFailure(modelName, a.Channel.ID, cooldown.ReasonAttemptTimeout)
	case attemptCtx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		d.health.RecordFailure(modelName, a.Channel.ID, cooldown.ReasonCancelled)
	case comp.FirstResponseMs > 0:
		// 上游报错但已有耗时观测，仍计入健康统计
		d.health.RecordCompletion(modelName, a.Channel.ID, comp.FirstResponseMs, comp.TotalMs)
	}
	return err
}
