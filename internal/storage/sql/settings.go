package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"
)

const settingColumns = "`key`, value, value_type, description, default_value, updated_at"

func scanSetting(row interface{ Scan(...any) error }) (*model.SystemSetting, error) {
	st := &model.SystemSetting{}
	if err := row.Scan(&st.Key, &st.Value, &st.ValueType, &st.Description, &st.DefaultValue, &st.UpdatedAt); err != nil {
		return nil, err
	}
	return st, nil
}

// GetSetting 读取单个设置
func (s *SQLStore) GetSetting(ctx context.Context, key string) (*model.SystemSetting, error) {
	st, err := scanSetting(s.db.QueryRowContext(ctx,
		"SELECT "+settingColumns+" FROM system_settings WHERE `key` = ?", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return st, nil
}

// ListAllSettings 按 key 排序返回全部设置
func (s *SQLStore) ListAllSettings(ctx context.Context) ([]*model.SystemSetting, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+settingColumns+" FROM system_settings ORDER BY `key`")
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []*model.SystemSetting
	for rows.Next() {
		st, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateSetting 更新已存在的设置
func (s *SQLStore) UpdateSetting(ctx context.Context, key, value string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE system_settings SET value = ?, updated_at = ? WHERE `key` = ?",
		value, time.Now().Unix(), key)
	if err != nil {
		return fmt.Errorf("update setting %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	ok, err := s.exists(ctx, "SELECT COUNT(*) FROM system_settings WHERE `key` = ?", key)
	if err != nil {
		return fmt.Errorf("check setting %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	return nil
}

// BatchUpdateSettings 在一个事务内更新多个设置，任一不存在则整体回滚
func (s *SQLStore) BatchUpdateSettings(ctx context.Context, updates map[string]string) error {
	now := time.Now().Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for key, value := range updates {
			var n int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM system_settings WHERE `key` = ?", key).Scan(&n); err != nil {
				return fmt.Errorf("check setting %s: %w", key, err)
			}
			if n == 0 {
				return fmt.Errorf("setting %s: %w", key, ErrNotFound)
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE system_settings SET value = ?, updated_at = ? WHERE `key` = ?",
				value, now, key); err != nil {
				return fmt.Errorf("update setting %s: %w", key, err)
			}
		}
		return nil
	})
}
