package sql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pipiwei123/ppwapi/internal/model"
)

// ListGroups 按优先级、名称排序
func (s *SQLStore) ListGroups(ctx context.Context) ([]*model.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, description, ratio, priority, updated_at FROM route_groups ORDER BY priority, name")
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []*model.Group
	for rows.Next() {
		g := &model.Group{}
		if err := rows.Scan(&g.Name, &g.Desc, &g.Ratio, &g.Priority, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ReplaceGroups 整体替换分组注册表
func (s *SQLStore) ReplaceGroups(ctx context.Context, groups []*model.Group) error {
	now := time.Now().Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM route_groups"); err != nil {
			return fmt.Errorf("clear groups: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx,
			"INSERT INTO route_groups (name, description, ratio, priority, updated_at) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare insert group: %w", err)
		}
		defer stmt.Close()
		for _, g := range groups {
			if _, err := stmt.ExecContext(ctx, g.Name, g.Desc, g.Ratio, g.Priority, now); err != nil {
				return fmt.Errorf("insert group %s: %w", g.Name, err)
			}
			g.UpdatedAt = now
		}
		return nil
	})
}
