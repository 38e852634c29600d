// Package storage 持久化层：SQLite（默认）或 MySQL，统一由 sql.SQLStore 实现
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pipiwei123/ppwapi/internal/model"
	sqlstore "github.com/pipiwei123/ppwapi/internal/storage/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrNotFound 记录不存在
var ErrNotFound = sqlstore.ErrNotFound

// Store 存储接口
type Store interface {
	// 系统设置
	GetSetting(ctx context.Context, key string) (*model.SystemSetting, error)
	ListAllSettings(ctx context.Context) ([]*model.SystemSetting, error)
	UpdateSetting(ctx context.Context, key, value string) error
	BatchUpdateSettings(ctx context.Context, updates map[string]string) error

	// 分组注册表
	ListGroups(ctx context.Context) ([]*model.Group, error)
	ReplaceGroups(ctx context.Context, groups []*model.Group) error

	// 令牌
	CreateToken(ctx context.Context, t *model.Token) error
	GetToken(ctx context.Context, id int64) (*model.Token, error)
	UpdateTokenGroups(ctx context.Context, t *model.Token) error
	UpdateTokenGroupIndex(ctx context.Context, tokenID int64, index int) (bool, error)
	MigrateLegacyTokenGroups(ctx context.Context, t *model.Token, legacyGroup string) (bool, error)

	// 渠道
	ListChannels(ctx context.Context) ([]*model.Channel, error)
	ListEnabledChannels(ctx context.Context) ([]*model.Channel, error)
	CreateChannel(ctx context.Context, ch *model.Channel) error
	SetChannelEnabled(ctx context.Context, id int64, enabled bool) error

	// 熔断记录
	BatchAddTripLogs(ctx context.Context, logs []*model.TripLog) error
	ListTripLogs(ctx context.Context, channelID int64, limit int) ([]*model.TripLog, error)
	DeleteTripLogsBefore(ctx context.Context, cutoffMs int64) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*sqlstore.SQLStore)(nil)

// Open 按驱动名创建存储
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return CreateSQLiteStore(ctx, dsn)
	case "mysql":
		return CreateMySQLStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver: %s", driver)
	}
}

// RedactDSN 返回可写入日志的 DSN：MySQL 的密码被遮盖，SQLite 路径原样返回
func RedactDSN(driver, dsn string) string {
	if !strings.EqualFold(driver, "mysql") {
		return dsn
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "<invalid mysql dsn>"
	}
	if cfg.Passwd != "" {
		cfg.Passwd = "xxxxx"
	}
	return cfg.FormatDSN()
}

// CreateSQLiteStore 打开（必要时创建）SQLite 数据库并迁移
func CreateSQLiteStore(ctx context.Context, dbPath string) (*sqlstore.SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_fk=1&_pragma=journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// SQLite 单写者，避免 database is locked
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := Migrate(ctx, db, DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("迁移数据库失败: %w", err)
	}
	logrus.WithField("path", dbPath).Info("SQLite 存储已就绪")
	return sqlstore.NewSQLStore(db), nil
}

// CreateMySQLStore 连接 MySQL 并迁移
func CreateMySQLStore(ctx context.Context, dsn string) (*sqlstore.SQLStore, error) {
	if !strings.Contains(dsn, "parseTime") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "parseTime=true"
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if err := Migrate(ctx, db, DialectMySQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("迁移数据库失败: %w", err)
	}
	logrus.Info("MySQL 存储已就绪")
	return sqlstore.NewSQLStore(db), nil
}
