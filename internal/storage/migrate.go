package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pipiwei123/ppwapi/internal/config"
	"github.com/pipiwei123/ppwapi/internal/model"
	"github.com/pipiwei123/ppwapi/internal/storage/schema"
)

// Dialect 数据库方言
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectMySQL
)

func (d Dialect) String() string {
	if d == DialectMySQL {
		return "mysql"
	}
	return "sqlite"
}

// Migrate 建表、补列、建索引并写入默认设置，可重复执行
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	tables := []func() *schema.TableBuilder{
		schema.DefineSystemSettingsTable,
		schema.DefineRouteGroupsTable,
		schema.DefineTokensTable,
		schema.DefineChannelsTable,
		schema.DefineTripLogsTable,
	}

	for _, defineTable := range tables {
		tb := defineTable()
		if _, err := db.ExecContext(ctx, buildDDL(tb, dialect)); err != nil {
			return fmt.Errorf("create %s table: %w", tb.Name(), err)
		}

		// 增量迁移：早期 tokens 表只有逗号分隔的 group_name，没有 group_info
		if tb.Name() == "tokens" {
			if err := ensureColumn(ctx, db, dialect, "tokens", "group_info", "TEXT", "TEXT"); err != nil {
				return fmt.Errorf("migrate tokens.group_info: %w", err)
			}
		}

		for _, idx := range buildIndexes(tb, dialect) {
			if err := createIndex(ctx, db, idx, dialect); err != nil {
				return err
			}
		}
	}

	if err := initDefaultSettings(ctx, db, dialect); err != nil {
		return err
	}
	return initDefaultGroups(ctx, db)
}

// ensureColumn 字段不存在时添加
func ensureColumn(ctx context.Context, db *sql.DB, dialect Dialect, table, column, mysqlDef, sqliteDef string) error {
	exists, err := columnExists(ctx, db, dialect, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	def := sqliteDef
	if dialect == DialectMySQL {
		def = mysqlDef
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, def)); err != nil {
		return fmt.Errorf("add %s column: %w", column, err)
	}
	return nil
}

func columnExists(ctx context.Context, db *sql.DB, dialect Dialect, table, column string) (bool, error) {
	if dialect == DialectMySQL {
		var count int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA=DATABASE() AND TABLE_NAME=? AND COLUMN_NAME=?",
			table, column,
		).Scan(&count)
		if err != nil {
			return false, fmt.Errorf("check column existence: %w", err)
		}
		return count > 0, nil
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("check table info: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, typ string
		var notNull, pk int
		var dfltValue any
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scan column info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func buildDDL(tb *schema.TableBuilder, dialect Dialect) string {
	if dialect == DialectMySQL {
		return tb.BuildMySQL()
	}
	return tb.BuildSQLite()
}

func buildIndexes(tb *schema.TableBuilder, dialect Dialect) []schema.IndexDef {
	if dialect == DialectMySQL {
		return tb.GetIndexesMySQL()
	}
	return tb.GetIndexesSQLite()
}

func createIndex(ctx context.Context, db *sql.DB, idx schema.IndexDef, dialect Dialect) error {
	_, err := db.ExecContext(ctx, idx.SQL)
	if err == nil {
		return nil
	}
	// MySQL 5.6不支持IF NOT EXISTS，忽略重复索引错误
	if dialect == DialectMySQL && strings.Contains(err.Error(), "Duplicate key name") {
		return nil
	}
	return fmt.Errorf("create index %s: %w", idx.Name, err)
}

// DefaultSetting 默认系统设置
type DefaultSetting struct {
	Key, Value, ValueType, Desc string
}

// DefaultSettings 首次迁移写入的设置；已存在的键不覆盖
var DefaultSettings = []DefaultSetting{
	{config.SettingDefaultGroup, config.DefaultGroup, "string", "未绑定分组的令牌使用的默认分组"},
	{config.SettingChannelLoadBalance, "true", "bool", "同优先级渠道随机打乱"},
	{config.SettingMonitorCleanupInterval, "600", "duration", "清理空闲渠道监控的间隔(秒)"},
	{config.SettingMonitorIdleTimeout, "900", "duration", "渠道监控空闲多久后被清理(秒)"},
	{config.SettingGroupIndexBuffer, "1024", "int", "current_group_index 异步更新队列长度(重启生效)"},
	{config.SettingDispatchMaxAttempts, "16", "int", "单个请求最大尝试次数(0=不限)"},
	{config.SettingTripLogRetentionDays, "7", "int", "熔断记录保留天数(-1=永久保留)"},
	{config.OptionChannelTimeoutConfig, "", "json", "渠道超时熔断配置 model -> channel -> policy"},
	{config.OptionDeepSeekTimeoutConfig, "", "json", "deepseek 系列模型的默认超时熔断策略"},
}

func initDefaultSettings(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var query string
	if dialect == DialectMySQL {
		query = "INSERT IGNORE INTO system_settings (`key`, value, value_type, description, default_value, updated_at) VALUES (?, ?, ?, ?, ?, UNIX_TIMESTAMP())"
	} else {
		query = "INSERT OR IGNORE INTO system_settings (key, value, value_type, description, default_value, updated_at) VALUES (?, ?, ?, ?, ?, unixepoch())"
	}
	for _, s := range DefaultSettings {
		if _, err := db.ExecContext(ctx, query, s.Key, s.Value, s.ValueType, s.Desc, s.Value); err != nil {
			return fmt.Errorf("insert default setting %s: %w", s.Key, err)
		}
	}
	return nil
}

// DefaultGroups 分组注册表为空时写入的初始分组
var DefaultGroups = []model.Group{
	{Name: config.DefaultGroup, Desc: "默认分组", Ratio: 1, Priority: 10},
	{Name: "vip", Desc: "VIP分组", Ratio: 1, Priority: 5},
}

// initDefaultGroups 仅在注册表为空时写入；运维删除的分组不会在重启后恢复
func initDefaultGroups(ctx context.Context, db *sql.DB) error {
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM route_groups").Scan(&count); err != nil {
		return fmt.Errorf("count groups: %w", err)
	}
	if count > 0 {
		return nil
	}
	now := time.Now().Unix()
	for _, g := range DefaultGroups {
		if _, err := db.ExecContext(ctx,
			"INSERT INTO route_groups (name, description, ratio, priority, updated_at) VALUES (?, ?, ?, ?, ?)",
			g.Name, g.Desc, g.Ratio, g.Priority, now,
		); err != nil {
			return fmt.Errorf("insert default group %s: %w", g.Name, err)
		}
	}
	return nil
}
