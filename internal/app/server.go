// Package app 组装分组故障转移、渠道超时熔断与管理接口
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/cooldown"
	"github.com/pipiwei123/ppwapi/internal/failover"
	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage"
	redisstore "github.com/pipiwei123/ppwapi/internal/storage/redis"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ServerOptions 进程级参数
type ServerOptions struct {
	AdminPassword string
	// Mirror 可选的 Redis 熔断镜像，nil 表示仅内存
	Mirror *redisstore.CooldownMirror
	// AttemptTimeout 单次尝试超时，0 表示不限制
	AttemptTimeout time.Duration
}

type Server struct {
	// 服务层
	authService     *AuthService
	configService   *ConfigService
	optionService   *OptionService
	groupService    *GroupService
	tokenService    *TokenService
	cooldownService *CooldownService
	tripLogService  *TripLogService

	// 核心字段
	store        storage.Store
	channelCache *storage.ChannelCache
	tracker      *cooldown.Tracker
	selector     *failover.Selector
	dispatcher   *failover.Dispatcher
	groupIndex   *failover.GroupIndexRecorder
	mirror       *redisstore.CooldownMirror

	// 优雅关闭
	shutdownCh     chan struct{}
	shutdownDone   chan struct{}
	isShuttingDown atomic.Bool
	wg             sync.WaitGroup
}

func NewServer(ctx context.Context, store storage.Store, opts ServerOptions) (*Server, error) {
	authService, err := NewAuthService(opts.AdminPassword)
	if err != nil {
		return nil, err
	}

	configService := NewConfigService(store)
	if err := configService.Load(ctx); err != nil {
		return nil, err
	}
	optionService := NewOptionService(configService)
	optionService.Load()

	groupService := NewGroupService(store)
	if err := groupService.Load(ctx); err != nil {
		return nil, err
	}

	s := &Server{
		authService:   authService,
		configService: configService,
		optionService: optionService,
		groupService:  groupService,
		tokenService:  NewTokenService(store, config.DefaultTokenCacheTTL),
		store:         store,
		channelCache:  storage.NewChannelCache(store, config.DefaultChannelCacheTTL),
		mirror:        opts.Mirror,
		shutdownCh:    make(chan struct{}),
		shutdownDone:  make(chan struct{}),
	}

	s.tracker = cooldown.NewTracker(optionService)
	s.cooldownService = NewCooldownService(s.shutdownCh, &s.isShuttingDown)
	s.tripLogService = NewTripLogService(
		store,
		config.DefaultTripLogBuffer,
		configService.GetInt(config.SettingTripLogRetentionDays, config.DefaultTripLogRetentionDays),
		s.shutdownCh,
		&s.isShuttingDown,
		&s.wg,
	)
	s.tracker.OnTrip(s.cooldownService.OnTrip)
	s.tracker.OnTrip(s.tripLogService.OnTrip)
	if s.mirror != nil {
		s.tracker.OnTrip(s.mirror.OnTrip)
		if n, err := s.mirror.Restore(ctx, s.tracker); err != nil {
			logrus.WithError(err).Warn("从 Redis 恢复熔断状态失败，按全部可用启动")
		} else {
			logrus.WithField("restored", n).Info("Redis 熔断镜像已启用")
		}
	}

	s.selector = failover.NewSelector(s.channelCache, s.tracker, groupService, configService)
	s.groupIndex = failover.NewGroupIndexRecorder(
		s.tokenService,
		configService.GetIntMin(config.SettingGroupIndexBuffer, config.DefaultGroupIndexBuffer, 1),
	)
	s.dispatcher = failover.NewDispatcher(s.selector, s.tracker, s.groupIndex, failover.DispatchOptions{
		AttemptTimeout: opts.AttemptTimeout,
		MaxAttempts:    configService.GetIntMin(config.SettingDispatchMaxAttempts, config.DefaultDispatchAttempts, 0),
	})

	s.tripLogService.Start()
	s.wg.Add(1)
	go s.monitorCleanupLoop(
		configService.GetDurationPositive(config.SettingMonitorCleanupInterval, config.DefaultMonitorCleanupInterval),
		configService.GetDurationPositive(config.SettingMonitorIdleTimeout, config.DefaultMonitorIdleTimeout),
	)

	return s, nil
}

// Tracker 渠道健康跟踪器
func (s *Server) Tracker() *cooldown.Tracker {
	return s.tracker
}

// Dispatch 为令牌的一次逻辑请求选择分组与渠道并执行 fn，失败时切换分组
func (s *Server) Dispatch(ctx context.Context, tokenID int64, modelName string, fn failover.AttemptFunc) (*failover.Result, error) {
	token, err := s.tokenService.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, token, modelName, fn)
}

// InvalidateChannelCache 渠道写入后调用
func (s *Server) InvalidateChannelCache() {
	s.channelCache.Invalidate()
}

// SetupRoutes 注册路由
func (s *Server) SetupRoutes(r *gin.Engine) {
	// 健康检查（公开访问，无需认证）
	r.GET("/health", s.HandleHealth)

	admin := r.Group("/admin")
	admin.Use(s.authService.RequireAdminAuth())
	admin.Use(func(c *gin.Context) {
		c.Header("Cache-Control", "no-store, no-cache, must-revalidate")
		c.Next()
	})
	{
		// 超时熔断配置
		admin.GET("/options/:key", s.HandleGetOption)
		admin.PUT("/options/:key", s.HandleUpdateOption)

		// 系统设置
		admin.GET("/settings", s.AdminListSettings)
		admin.GET("/settings/:key", s.AdminGetSetting)
		admin.PUT("/settings/:key", s.AdminUpdateSetting)
		admin.POST("/settings/:key/reset", s.AdminResetSetting)
		admin.POST("/settings/batch", s.AdminBatchUpdateSettings)

		// 分组注册表
		admin.GET("/groups", s.HandleListGroups)
		admin.PUT("/groups", s.HandleReplaceGroups)

		// 令牌分组
		admin.GET("/tokens/:id/group-info", s.HandleGetTokenGroupInfo)
		admin.PUT("/tokens/:id/group-info", s.HandleUpdateTokenGroupInfo)

		// 路由渠道
		admin.GET("/channels", s.HandleListChannels)
		admin.POST("/channels", s.HandleCreateChannel)
		admin.PUT("/channels/:id/enabled", s.HandleSetChannelEnabled)

		// 渠道健康
		admin.GET("/channel-health", s.HandleChannelHealth)
		admin.POST("/channel-health/reset", s.HandleResetChannelHealth)
		admin.POST("/channel-health/report", s.HandleReportCompletion)
		admin.GET("/channel-health/logs", s.HandleTripLogs)

		// 熔断事件实时推送（SSE）
		admin.GET("/cooldown/stream", s.HandleCooldownSSE)

		// 路由预览与模拟
		admin.POST("/route/preview", s.HandleRoutePreview)
		admin.POST("/route/simulate", s.HandleRouteSimulate)
	}
}

// monitorCleanupLoop 定期清理空闲的渠道监控条目
func (s *Server) monitorCleanupLoop(interval, idle time.Duration) {
	defer func() {
		logrus.Debug("monitorCleanupLoop 退出")
		s.wg.Done()
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			s.tracker.CleanupIdle(idle)
		}
	}
}

// NewHTTPServer 以 gin 引擎构建 http.Server
func (s *Server) NewHTTPServer(addr string) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery())
	s.SetupRoutes(r)
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: config.HTTPReadHeaderTimeout,
	}
}

// PrepareShutdown 通知 SSE 连接断开，应在 httpServer.Shutdown() 之前调用
func (s *Server) PrepareShutdown() {
	if s.isShuttingDown.Swap(true) {
		return
	}
	logrus.Info("正在通知 SSE 连接关闭...")
	close(s.shutdownCh)
}

// Shutdown 等待后台任务完成后关闭存储；ctx 到期时返回 ctx.Err()
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.shutdownDone:
		return nil
	default:
	}

	if !s.isShuttingDown.Swap(true) {
		close(s.shutdownCh)
	}
	defer close(s.shutdownDone)

	logrus.Info("正在关闭Server，等待后台任务完成...")

	s.cooldownService.Shutdown()

	var err error
	if closeErr := s.groupIndex.Close(ctx); closeErr != nil {
		logrus.WithError(closeErr).Warn("分组下标队列未在超时前排空")
		err = closeErr
	}
	s.tokenService.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("Server优雅关闭完成")
	case <-ctx.Done():
		logrus.Warn("Server关闭超时，部分后台任务可能未完成")
		err = ctx.Err()
	}

	if s.mirror != nil {
		if closeErr := s.mirror.Close(ctx); closeErr != nil {
			logrus.WithError(closeErr).Warn("关闭 Redis 连接失败")
		}
	}
	if closeErr := s.store.Close(); closeErr != nil {
		logrus.WithError(closeErr).Error("关闭数据库连接失败")
		if err == nil {
			err = fmt.Errorf("close store: %w", closeErr)
		}
	}
	return err
}

// previewToken 预览时允许直接传入分组，不读库
func previewToken(groups []string) *model.Token {
	t := &model.Token{Status: model.TokenStatusEnabled, UnlimitedQuota: true, ExpiredTime: -1}
	t.SetGroups(groups)
	return t
}
