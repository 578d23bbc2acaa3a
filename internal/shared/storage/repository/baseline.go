// Package repository 漂移基线存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storagetypes"
)

// SaveBaseline 追加一条基线，最新一条即当前基线
func (s *Store) SaveBaseline(ctx context.Context, b *model.Baseline) error {
	files, err := marshalJSON(b.Files)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO baselines (scope, revision, message, files, captured_at) VALUES ($1, $2, $3, $4, $5)
	`), b.Scope, b.Revision, b.Message, files, b.CapturedAt)
	return err
}

// GetBaseline 获取 scope 的当前基线
func (s *Store) GetBaseline(ctx context.Context, scope string) (*model.Baseline, error) {
	list, err := s.ListBaselineHistory(ctx, scope, 1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, storagetypes.ErrNotFound
	}
	return list[0], nil
}

// ListBaselineHistory 基线历史，最新的在前
func (s *Store) ListBaselineHistory(ctx context.Context, scope string, limit int) ([]*model.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT scope, COALESCE(revision, ''), COALESCE(message, ''), COALESCE(files, '{}'), captured_at
		FROM baselines WHERE scope = $1 ORDER BY seq DESC LIMIT $2
	`), scope, storagetypes.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Baseline
	for rows.Next() {
		b := &model.Baseline{}
		var files string
		var captured sql.NullTime
		if err := rows.Scan(&b.Scope, &b.Revision, &b.Message, &files, &captured); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(files), &b.Files); err != nil {
			return nil, fmt.Errorf("decode baseline files: %w", err)
		}
		if captured.Valid {
			b.CapturedAt = captured.Time
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
