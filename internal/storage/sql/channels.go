package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"
)

// ListChannels 按优先级降序返回全部渠道
func (s *SQLStore) ListChannels(ctx context.Context) ([]*model.Channel, error) {
	return s.queryChannels(ctx, "SELECT id, name, channel_groups, models, priority, enabled, created_at, updated_at FROM channels ORDER BY priority DESC, id")
}

// ListEnabledChannels 仅返回已启用渠道
func (s *SQLStore) ListEnabledChannels(ctx context.Context) ([]*model.Channel, error) {
	return s.queryChannels(ctx, "SELECT id, name, channel_groups, models, priority, enabled, created_at, updated_at FROM channels WHERE enabled = 1 ORDER BY priority DESC, id")
}

func (s *SQLStore) queryChannels(ctx context.Context, query string) ([]*model.Channel, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []*model.Channel
	for rows.Next() {
		ch := &model.Channel{}
		var groups, models string
		var enabled int
		if err := rows.Scan(&ch.ID, &ch.Name, &groups, &models, &ch.Priority, &enabled, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		ch.Enabled = enabled != 0
		if ch.Groups, err = unmarshalStrings(groups); err != nil {
			return nil, fmt.Errorf("decode channel %d groups: %w", ch.ID, err)
		}
		if ch.Models, err = unmarshalStrings(models); err != nil {
			return nil, fmt.Errorf("decode channel %d models: %w", ch.ID, err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CreateChannel 创建渠道，回填 ID
func (s *SQLStore) CreateChannel(ctx context.Context, ch *model.Channel) error {
	groups, err := marshalStrings(ch.Groups)
	if err != nil {
		return fmt.Errorf("encode groups: %w", err)
	}
	models, err := marshalStrings(ch.Models)
	if err != nil {
		return fmt.Errorf("encode models: %w", err)
	}
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO channels (name, channel_groups, models, priority, enabled, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		ch.Name, groups, models, ch.Priority, boolToInt(ch.Enabled), now, now)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	ch.ID = id
	ch.CreatedAt = now
	ch.UpdatedAt = now
	return nil
}

// SetChannelEnabled 启用/禁用渠道
func (s *SQLStore) SetChannelEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, "UPDATE channels SET enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(enabled), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update channel %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ok, err := s.exists(ctx, "SELECT COUNT(*) FROM channels WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("check channel %d: %w", id, err)
		}
		if !ok {
			return fmt.Errorf("channel %d: %w", id, ErrNotFound)
		}
	}
	return nil
}
