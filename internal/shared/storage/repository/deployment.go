// Package repository Deployment 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storagetypes"
)

// SaveDeployment 插入或更新部署记录
//
// 整个部署以 JSON 存入 payload 列，另外冗余 phase/result_code 便于查询。
// 已处于终态（completed/failed）的记录拒绝再次写入。
func (s *Store) SaveDeployment(ctx context.Context, d *model.Deployment) error {
	payload, err := marshalJSON(d)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var phase string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT phase FROM deployments WHERE id = $1`), d.ID).Scan(&phase)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO deployments (id, name, strategy, phase, result_code, payload, created_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`), d.ID, d.Name, string(d.Strategy), string(d.Phase), int(d.ResultCode), payload, d.CreatedAt, d.FinishedAt)
	case err != nil:
		return err
	case model.DeploymentPhase(phase).IsTerminal():
		return fmt.Errorf("deployment %s already %s: %w", d.ID, phase, storagetypes.ErrConflict)
	default:
		_, err = tx.ExecContext(ctx, s.rebind(`
			UPDATE deployments SET phase = $1, result_code = $2, payload = $3, finished_at = $4
			WHERE id = $5
		`), string(d.Phase), int(d.ResultCode), payload, d.FinishedAt, d.ID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetDeployment 获取部署记录
func (s *Store) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM deployments WHERE id = $1`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storagetypes.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDeployment(payload)
}

// ListDeployments 列出最近的部署，按创建时间倒序
func (s *Store) ListDeployments(ctx context.Context, limit int) ([]*model.Deployment, error) {
	query := s.rebind(`SELECT payload FROM deployments ORDER BY created_at DESC, id DESC LIMIT $1`)
	rows, err := s.db.QueryContext(ctx, query, storagetypes.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Deployment
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		d, err := decodeDeployment(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decodeDeployment(payload string) (*model.Deployment, error) {
	var d model.Deployment
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("decode deployment: %w", err)
	}
	return &d, nil
}
