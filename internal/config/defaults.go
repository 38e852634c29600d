package config

import "time"

// 进程级默认值
const (
	DefaultAddr        = ":8080"
	DefaultDBDriver    = "sqlite"
	DefaultSQLitePath  = "data/ppwapi.db"
	DefaultLogLevel    = "info"
	DefaultGroup       = "default"
	DefaultRedisPrefix = "ppwapi:cooldown:"
)

// 健康监控
const (
	MonitorBucketInterval         = 10 * time.Second
	MonitorMaxBuckets             = 30
	DefaultMonitorCleanupInterval = 10 * time.Minute
	DefaultMonitorIdleTimeout     = 15 * time.Minute
)

// 运行时组件
const (
	DefaultGroupIndexBuffer   = 1024
	DefaultTripLogBuffer      = 256
	DefaultTokenCacheTTL      = 60 * time.Second
	DefaultChannelCacheTTL    = 30 * time.Second
	DefaultDispatchAttempts   = 16
	CooldownEventBufferSize   = 64
	SSEHeartbeatInterval      = 15 * time.Second
	HTTPReadHeaderTimeout     = 10 * time.Second
	GracefulShutdownTimeout   = 10 * time.Second
	RedisOperationTimeout     = 2 * time.Second
	DefaultAdminClientTimeout = 15 * time.Second
)

// 熔断记录
const (
	TripLogBatchSize            = 50
	TripLogBatchTimeout         = time.Second
	TripLogFlushTimeout         = 5 * time.Second
	TripLogCleanupInterval      = time.Hour
	DefaultTripLogRetentionDays = 7
)

// 系统设置键
const (
	SettingDefaultGroup           = "default_group"
	SettingChannelLoadBalance     = "channel_load_balance"
	SettingMonitorCleanupInterval = "monitor_cleanup_interval"
	SettingMonitorIdleTimeout     = "monitor_idle_timeout"
	SettingGroupIndexBuffer       = "group_index_buffer"
	SettingDispatchMaxAttempts    = "dispatch_max_attempts"
	SettingTripLogRetentionDays   = "trip_log_retention_days"
)

// 超时熔断配置项（存于 system_settings，value_type=json）
const (
	OptionChannelTimeoutConfig  = "channel.timeout_disable_config"
	OptionDeepSeekTimeoutConfig = "deepseek.timeout_disable_config"
)
