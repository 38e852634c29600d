package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/cooldown"
	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage"

	"github.com/sirupsen/logrus"
)

// TripLogService 熔断记录的异步批量写入与定期清理
type TripLogService struct {
	store storage.Store

	logChan   chan *model.TripLog
	dropCount atomic.Uint64

	// 保留天数（启动时确定，修改后重启生效）；<=0 不清理
	retentionDays int

	shutdownCh     chan struct{}
	isShuttingDown *atomic.Bool
	wg             *sync.WaitGroup
}

func NewTripLogService(
	store storage.Store,
	bufferSize int,
	retentionDays int,
	shutdownCh chan struct{},
	isShuttingDown *atomic.Bool,
	wg *sync.WaitGroup,
) *TripLogService {
	return &TripLogService{
		store:          store,
		logChan:        make(chan *model.TripLog, bufferSize),
		retentionDays:  retentionDays,
		shutdownCh:     shutdownCh,
		isShuttingDown: isShuttingDown,
		wg:             wg,
	}
}

// Start 启动写入 Worker 和清理协程
func (s *TripLogService) Start() {
	s.wg.Add(1)
	go s.worker()
	if s.retentionDays > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}
}

// OnTrip 签名匹配 cooldown.TripCallback；队列满时丢弃
func (s *TripLogService) OnTrip(ev cooldown.TripEvent) {
	if s.isShuttingDown.Load() {
		return
	}
	entry := &model.TripLog{
		Model:         ev.Model,
		ChannelID:     ev.ChannelID,
		Reason:        ev.Reason,
		FRTMs:         ev.FRTMs,
		TotalMs:       ev.TotalMs,
		DisabledUntil: ev.Until.UnixMilli(),
		CreatedAt:     ev.At.UnixMilli(),
	}
	select {
	case s.logChan <- entry:
	default:
		if count := s.dropCount.Add(1); count%10 == 1 {
			logrus.WithField("dropped", count).Error("熔断记录队列已满，记录被丢弃")
		}
	}
}

func (s *TripLogService) worker() {
	defer func() {
		logrus.Debug("tripLogWorker 退出")
		s.wg.Done()
	}()

	batch := make([]*model.TripLog, 0, config.TripLogBatchSize)
	ticker := time.NewTicker(config.TripLogBatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			// 退出前 flush 已排队的记录
			for {
				select {
				case entry := <-s.logChan:
					batch = append(batch, entry)
					if len(batch) >= config.TripLogBatchSize {
						s.flush(batch)
						batch = batch[:0]
					}
				default:
					s.flush(batch)
					return
				}
			}

		case entry := <-s.logChan:
			batch = append(batch, entry)
			if len(batch) >= config.TripLogBatchSize {
				s.flush(batch)
				batch = batch[:0]
				ticker.Reset(config.TripLogBatchTimeout)
			}

		case <-ticker.C:
			s.flush(batch)
			batch = batch[:0]
		}
	}
}

func (s *TripLogService) flush(batch []*model.TripLog) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.TripLogFlushTimeout)
	defer cancel()
	if err := s.store.BatchAddTripLogs(ctx, batch); err != nil {
		logrus.WithError(err).WithField("batch_size", len(batch)).Error("熔断记录批量写入失败")
	}
}

func (s *TripLogService) cleanupLoop() {
	defer func() {
		logrus.Debug("tripLogCleanupLoop 退出")
		s.wg.Done()
	}()

	ticker := time.NewTicker(config.TripLogCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *TripLogService) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), config.TripLogFlushTimeout)
	defer cancel()
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).UnixMilli()
	n, err := s.store.DeleteTripLogsBefore(ctx, cutoff)
	if err != nil {
		logrus.WithError(err).Error("清理过期熔断记录失败")
		return
	}
	if n > 0 {
		logrus.WithField("deleted", n).Info("已清理过期熔断记录")
	}
}

// Dropped 因队列满丢弃的记录数
func (s *TripLogService) Dropped() uint64 {
	return s.dropCount.Load()
}
