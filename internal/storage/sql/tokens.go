package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"
)

const tokenColumns = `id, name, token_key, status, remain_quota, unlimited_quota, expired_time,
	model_limits_enabled, model_limits, allow_ips, group_name, group_info, created_at, updated_at`

func scanToken(row interface{ Scan(...any) error }) (*model.Token, error) {
	t := &model.Token{}
	var unlimited, limitsEnabled int
	var modelLimits, allowIPs string
	if err := row.Scan(&t.ID, &t.Name, &t.Key, &t.Status, &t.RemainQuota, &unlimited, &t.ExpiredTime,
		&limitsEnabled, &modelLimits, &allowIPs, &t.Group, &t.GroupInfo, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.UnlimitedQuota = unlimited != 0
	t.ModelLimitsEnabled = limitsEnabled != 0
	var err error
	if t.ModelLimits, err = unmarshalStrings(modelLimits); err != nil {
		return nil, fmt.Errorf("decode model_limits: %w", err)
	}
	if t.AllowIPs, err = unmarshalStrings(allowIPs); err != nil {
		return nil, fmt.Errorf("decode allow_ips: %w", err)
	}
	return t, nil
}

// CreateToken 创建令牌，回填 ID 和时间戳
func (s *SQLStore) CreateToken(ctx context.Context, t *model.Token) error {
	if err := t.GroupInfo.Validate(); err != nil {
		return err
	}
	modelLimits, err := marshalStrings(t.ModelLimits)
	if err != nil {
		return fmt.Errorf("encode model_limits: %w", err)
	}
	allowIPs, err := marshalStrings(t.AllowIPs)
	if err != nil {
		return fmt.Errorf("encode allow_ips: %w", err)
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (name, token_key, status, remain_quota, unlimited_quota, expired_time,
			model_limits_enabled, model_limits, allow_ips, group_name, group_info, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Key, t.Status, t.RemainQuota, boolToInt(t.UnlimitedQuota), t.ExpiredTime,
		boolToInt(t.ModelLimitsEnabled), modelLimits, allowIPs, t.GroupProjection(), t.GroupInfo, now, now)
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// GetToken 根据ID获取令牌
func (s *SQLStore) GetToken(ctx context.Context, id int64) (*model.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, "SELECT "+tokenColumns+" FROM tokens WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get token %d: %w", id, err)
	}
	return t, nil
}

// UpdateTokenGroups 写入 group_name 投影与 group_info
func (s *SQLStore) UpdateTokenGroups(ctx context.Context, t *model.Token) error {
	if err := t.GroupInfo.Validate(); err != nil {
		return err
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET group_name = ?, group_info = ?, updated_at = ? WHERE id = ?",
		t.GroupProjection(), t.GroupInfo, now, t.ID)
	if err != nil {
		return fmt.Errorf("update token %d groups: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := s.exists(ctx, "SELECT COUNT(*) FROM tokens WHERE id = ?", t.ID)
		if err != nil {
			return fmt.Errorf("check token %d: %w", t.ID, err)
		}
		if !ok {
			return fmt.Errorf("token %d: %w", t.ID, ErrNotFound)
		}
	}
	t.UpdatedAt = now
	return nil
}

// groupIndexRetries 条件写入冲突时的重试次数
const groupIndexRetries = 3

// ErrGroupInfoConflict group_info 在条件写入期间被反复修改
var ErrGroupInfoConflict = errors.New("group_info modified concurrently")

// loadGroupInfo 读取 group_name 与 group_info 原文；原文作为条件写入的比较基准
func (s *SQLStore) loadGroupInfo(ctx context.Context, tokenID int64) (string, string, model.GroupInfo, error) {
	var name string
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT group_name, group_info FROM tokens WHERE id = ?", tokenID).Scan(&name, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", model.GroupInfo{}, fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	if err != nil {
		return "", "", model.GroupInfo{}, fmt.Errorf("load token %d group_info: %w", tokenID, err)
	}
	var info model.GroupInfo
	if err := info.Scan(raw.String); err != nil {
		return "", "", model.GroupInfo{}, fmt.Errorf("token %d: %w", tokenID, err)
	}
	return name, raw.String, info, nil
}

// UpdateTokenGroupIndex 仅更新 group_info.current_group_index（观测用）。
// 以读到的 group_info 原文为条件写回，不会覆盖并发的分组编辑；返回值表示行是否变化。
func (s *SQLStore) UpdateTokenGroupIndex(ctx context.Context, tokenID int64, index int) (bool, error) {
	for range groupIndexRetries {
		_, raw, info, err := s.loadGroupInfo(ctx, tokenID)
		if err != nil {
			return false, err
		}
		if info.CurrentGroupIndex == index {
			return false, nil
		}
		info.CurrentGroupIndex = index
		res, err := s.db.ExecContext(ctx,
			"UPDATE tokens SET group_info = ? WHERE id = ? AND COALESCE(group_info, '') = ?",
			info, tokenID, raw)
		if err != nil {
			return false, fmt.Errorf("update token %d group index: %w", tokenID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return true, nil
		}
	}
	return false, fmt.Errorf("update token %d group index: %w", tokenID, ErrGroupInfoConflict)
}

// MigrateLegacyTokenGroups 写回旧格式分组的迁移结果。
// 仅当行仍是 legacyGroup 且未启用多分组时写入；已被编辑过的令牌返回 false 且不改动。
func (s *SQLStore) MigrateLegacyTokenGroups(ctx context.Context, t *model.Token, legacyGroup string) (bool, error) {
	if err := t.GroupInfo.Validate(); err != nil {
		return false, err
	}
	name, raw, info, err := s.loadGroupInfo(ctx, t.ID)
	if err != nil {
		return false, err
	}
	if name != legacyGroup || info.IsMultiGroup {
		return false, nil
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET group_name = ?, group_info = ?, updated_at = ?
		WHERE id = ? AND group_name = ? AND COALESCE(group_info, '') = ?`,
		t.GroupProjection(), t.GroupInfo, now, t.ID, legacyGroup, raw)
	if err != nil {
		return false, fmt.Errorf("migrate token %d groups: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	t.UpdatedAt = now
	return true, nil
}
