// Package repository 审计日志存储操作（只追加）
package repository

import (
	"context"
	"strings"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storagetypes"
)

// AppendAudit 追加审计事件，重复 ID 返回 ErrDuplicate
func (s *Store) AppendAudit(ctx context.Context, event *model.AuditEvent) error {
	payload := string(event.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_events (id, kind, timestamp, device_id, deployment_id, summary, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`), event.ID, string(event.Kind), event.Timestamp, event.DeviceID, event.DeploymentID, event.Summary, payload)
	if err != nil && isUniqueViolation(err) {
		return storagetypes.ErrDuplicate
	}
	return err
}

// ListAudit 按写入顺序列出审计事件，kind 为空时不过滤
func (s *Store) ListAudit(ctx context.Context, kind model.AuditKind, limit int) ([]*model.AuditEvent, error) {
	query := s.rebind(`
		SELECT id, kind, timestamp, COALESCE(device_id, ''), COALESCE(deployment_id, ''),
			COALESCE(summary, ''), COALESCE(payload, 'null')
		FROM audit_events
		WHERE ($1 = '' OR kind = $2)
		ORDER BY seq ASC
		LIMIT $3
	`)
	rows, err := s.db.QueryContext(ctx, query, string(kind), string(kind), storagetypes.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuditEvent
	for rows.Next() {
		e := &model.AuditEvent{}
		var k, payload string
		if err := rows.Scan(&e.ID, &k, &e.Timestamp, &e.DeviceID, &e.DeploymentID, &e.Summary, &payload); err != nil {
			return nil, err
		}
		e.Kind = model.AuditKind(k)
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// isUniqueViolation 识别两种方言的唯一约束错误
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
