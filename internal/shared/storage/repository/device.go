// Package repository Device 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storagetypes"
)

const deviceColumns = `id, address, port, COALESCE(user_name, ''), COALESCE(key_ref, ''), COALESCE(groups_json, '[]'),
	COALESCE(environment, ''), deployment_order, state, successful_deployments, failed_deployments,
	last_seen, created_at, updated_at`

// UpsertDevice 更新或插入设备
func (s *Store) UpsertDevice(ctx context.Context, device *model.Device) error {
	groups, err := marshalJSON(device.Groups)
	if err != nil {
		return err
	}
	now := time.Now()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	if device.State == "" {
		device.State = model.DeviceStateUnknown
	}

	conflict := s.dialect.UpsertConflict("id", []string{
		"address = EXCLUDED.address",
		"port = EXCLUDED.port",
		"user_name = EXCLUDED.user_name",
		"key_ref = EXCLUDED.key_ref",
		"groups_json = EXCLUDED.groups_json",
		"environment = EXCLUDED.environment",
		"deployment_order = EXCLUDED.deployment_order",
		"state = EXCLUDED.state",
		"successful_deployments = EXCLUDED.successful_deployments",
		"failed_deployments = EXCLUDED.failed_deployments",
		"last_seen = EXCLUDED.last_seen",
		"updated_at = EXCLUDED.updated_at",
	})
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO devices (id, address, port, user_name, key_ref, groups_json, environment, deployment_order,
			state, successful_deployments, failed_deployments, last_seen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		%s
	`, conflict))
	_, err = s.db.ExecContext(ctx, query,
		device.ID, device.Address, device.Port, device.User, device.KeyRef, groups, device.Environment,
		device.DeploymentOrder, string(device.State), device.Stats.SuccessfulDeployments,
		device.Stats.FailedDeployments, device.LastSeen, device.CreatedAt, device.UpdatedAt)
	return err
}

// GetDevice 获取设备
func (s *Store) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	query := s.rebind(`SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`)
	device, err := scanDevice(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storagetypes.ErrNotFound
	}
	return device, err
}

// ListDevices 按部署顺序列出所有设备
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY deployment_order ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeleteDevice 删除设备
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM devices WHERE id = $1`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storagetypes.ErrNotFound
	}
	return nil
}

// SaveGroup 保存命名分组
func (s *Store) SaveGroup(ctx context.Context, name string, deviceIDs []string) error {
	ids, err := marshalJSON(deviceIDs)
	if err != nil {
		return err
	}
	conflict := s.dialect.UpsertConflict("name", []string{"device_ids = EXCLUDED.device_ids"})
	query := s.rebind(fmt.Sprintf(`INSERT INTO device_groups (name, device_ids) VALUES ($1, $2) %s`, conflict))
	_, err = s.db.ExecContext(ctx, query, name, ids)
	return err
}

// ListGroups 列出全部命名分组
func (s *Store) ListGroups(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, COALESCE(device_ids, '[]') FROM device_groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make(map[string][]string)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		groups[name] = ids
	}
	return groups, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	d := &model.Device{}
	var groups, state string
	var lastSeen sql.NullTime
	if err := row.Scan(&d.ID, &d.Address, &d.Port, &d.User, &d.KeyRef, &groups, &d.Environment,
		&d.DeploymentOrder, &state, &d.Stats.SuccessfulDeployments, &d.Stats.FailedDeployments,
		&lastSeen, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.State = model.DeviceState(state)
	if err := json.Unmarshal([]byte(groups), &d.Groups); err != nil {
		return nil, fmt.Errorf("device %s groups: %w", d.ID, err)
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	return d, nil
}
