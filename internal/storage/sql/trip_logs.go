package sql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pipiwei123/ppwapi/internal/model"
)

// BatchAddTripLogs 批量写入熔断记录
func (s *SQLStore) BatchAddTripLogs(ctx context.Context, logs []*model.TripLog) error {
	if len(logs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trip_logs (model, channel_id, reason, frt_ms, total_ms, disabled_until, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert trip log: %w", err)
		}
		defer stmt.Close()
		for _, l := range logs {
			if _, err := stmt.ExecContext(ctx, l.Model, l.ChannelID, l.Reason, l.FRTMs, l.TotalMs, l.DisabledUntil, l.CreatedAt); err != nil {
				return fmt.Errorf("insert trip log: %w", err)
			}
		}
		return nil
	})
}

// ListTripLogs 最近的熔断记录，channelID 为 0 时不过滤
func (s *SQLStore) ListTripLogs(ctx context.Context, channelID int64, limit int) ([]*model.TripLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := "SELECT id, model, channel_id, reason, frt_ms, total_ms, disabled_until, created_at FROM trip_logs"
	args := []any{}
	if channelID > 0 {
		query += " WHERE channel_id = ?"
		args = append(args, channelID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trip logs: %w", err)
	}
	defer rows.Close()

	var out []*model.TripLog
	for rows.Next() {
		l := &model.TripLog{}
		if err := rows.Scan(&l.ID, &l.Model, &l.ChannelID, &l.Reason, &l.FRTMs, &l.TotalMs, &l.DisabledUntil, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trip log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeleteTripLogsBefore 删除 cutoffMs 之前的熔断记录
func (s *SQLStore) DeleteTripLogsBefore(ctx context.Context, cutoffMs int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM trip_logs WHERE created_at < ?", cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("delete trip logs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
