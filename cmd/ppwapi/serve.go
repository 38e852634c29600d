package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pipiwei123/ppwapi/internal/app"
	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/storage"
	redisstore "github.com/pipiwei123/ppwapi/internal/storage/redis"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func serveCommand(envFile *string) *cobra.Command {
	var attemptTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动管理接口",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(*envFile)
			if err != nil {
				return err
			}
			return runServe(env, attemptTimeout)
		},
	}
	cmd.Flags().DurationVar(&attemptTimeout, "attempt-timeout", 0, "单次上游尝试超时（0=不限制）")
	return cmd
}

func loadEnv(envFile string) (*config.Env, error) {
	env, err := config.LoadEnv(envFile)
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(env.LogLevel, env.LogFile); err != nil {
		return nil, err
	}
	return env, nil
}

func runServe(env *config.Env, attemptTimeout time.Duration) error {
	if env.AdminPass == "" {
		return errors.New("PPWAPI_ADMIN_PASS is required")
	}
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, env.DBDriver, env.DBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	opts := app.ServerOptions{AdminPassword: env.AdminPass, AttemptTimeout: attemptTimeout}
	if env.RedisURL != "" {
		mirror, err := redisstore.NewCooldownMirrorFromURL(env.RedisURL, config.DefaultRedisPrefix)
		if err != nil {
			_ = store.Close()
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, config.RedisOperationTimeout)
		if err := mirror.Ping(pingCtx); err != nil {
			// 不可用时仍然启用镜像，写入失败只记日志
			logrus.WithError(err).Warn("Redis 不可用，熔断状态暂时仅保存在内存")
		}
		cancel()
		opts.Mirror = mirror
	}

	srv, err := app.NewServer(ctx, store, opts)
	if err != nil {
		if opts.Mirror != nil {
			_ = opts.Mirror.Close(context.Background())
		}
		_ = store.Close()
		return err
	}

	httpServer := srv.NewHTTPServer(env.Addr)
	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"addr":   env.Addr,
			"driver": env.DBDriver,
			"redis":  opts.Mirror != nil,
		}).Info("管理接口已启动")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logrus.Info("收到退出信号，开始优雅关闭")
	case serveErr = <-errCh:
		if serveErr != nil {
			logrus.WithError(serveErr).Error("HTTP 服务异常退出")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GracefulShutdownTimeout)
	defer cancel()

	// 先断开 SSE 长连接，否则 httpServer.Shutdown 会一直等待
	srv.PrepareShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP 服务关闭超时")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("后台任务未完全退出")
	}
	logrus.Info("服务已退出")
	return serveErr
}
