// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storage/dbutil"
	sqlitedriver "uci-fleet/internal/shared/storage/driver/sqlite"
	"uci-fleet/internal/shared/storagetypes"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	// 应去除 PG 类型转换
	assert.Equal(t, "UPDATE t SET state = ? WHERE id = ?",
		d.Rebind("UPDATE t SET state = $1::varchar WHERE id = $2"))
}

// ============================================================================
// Device 测试
// ============================================================================

func TestDeviceCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seen := time.Now().Truncate(time.Second)

	dev := &model.Device{
		ID:              "router-01",
		Address:         "192.168.1.1",
		Port:            22,
		User:            "root",
		Groups:          []string{"core", "lab"},
		DeploymentOrder: 2,
		State:           model.DeviceStateHealthy,
		LastSeen:        &seen,
	}
	require.NoError(t, s.UpsertDevice(ctx, dev))

	got, err := s.GetDevice(ctx, "router-01")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", got.Address)
	assert.Equal(t, []string{"core", "lab"}, got.Groups)
	assert.Equal(t, model.DeviceStateHealthy, got.State)
	require.NotNil(t, got.LastSeen)
	assert.True(t, seen.Equal(*got.LastSeen))

	// Upsert 更新已有记录
	dev.State = model.DeviceStateFailed
	dev.Stats.FailedDeployments = 1
	require.NoError(t, s.UpsertDevice(ctx, dev))
	got, err = s.GetDevice(ctx, "router-01")
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStateFailed, got.State)
	assert.Equal(t, 1, got.Stats.FailedDeployments)

	require.NoError(t, s.DeleteDevice(ctx, "router-01"))
	_, err = s.GetDevice(ctx, "router-01")
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)
	assert.ErrorIs(t, s.DeleteDevice(ctx, "router-01"), storagetypes.ErrNotFound)
}

func TestListDevicesOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"c", "a", "b"} {
		require.NoError(t, s.UpsertDevice(ctx, &model.Device{ID: id, Address: "10.0.0.1", DeploymentOrder: 3 - i}))
	}
	list, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveGroup(ctx, "edge", []string{"r1", "r2"}))
	require.NoError(t, s.SaveGroup(ctx, "edge", []string{"r3"}))
	require.NoError(t, s.SaveGroup(ctx, "core", nil))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, groups["edge"])
	assert.Contains(t, groups, "core")
}

// ============================================================================
// Deployment 测试
// ============================================================================

func TestDeploymentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	d := &model.Deployment{
		ID:        "dep-1",
		Name:      "wifi channel update",
		Strategy:  model.StrategyRolling,
		Targets:   []string{"r1", "r2"},
		Phase:     model.PhasePlanning,
		Results:   map[string]*model.DeviceDeployResult{},
		CreatedAt: now,
	}
	require.NoError(t, s.SaveDeployment(ctx, d))

	d.Phase = model.PhaseDeployment
	d.Results["r1"] = &model.DeviceDeployResult{DeviceID: "r1", Status: model.DeviceDeploySucceeded}
	require.NoError(t, s.SaveDeployment(ctx, d))

	d.Phase = model.PhaseCompleted
	d.ResultCode = model.ResultSuccess
	require.NoError(t, s.SaveDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)
	assert.True(t, got.Results["r1"].Succeeded())

	// 终态后不可修改
	d.Phase = model.PhaseFailed
	err = s.SaveDeployment(ctx, d)
	assert.ErrorIs(t, err, storagetypes.ErrConflict)

	_, err = s.GetDeployment(ctx, "missing")
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)
}

func TestListDeploymentsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	for i, id := range []string{"dep-a", "dep-b", "dep-c"} {
		require.NoError(t, s.SaveDeployment(ctx, &model.Deployment{
			ID: id, Phase: model.PhasePlanning, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	list, err := s.ListDeployments(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "dep-c", list[0].ID)
	assert.Equal(t, "dep-b", list[1].ID)
}

// ============================================================================
// Audit 测试
// ============================================================================

func TestAuditAppendAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	payload, _ := json.Marshal(map[string]string{"type": "ConnectionError"})
	events := []*model.AuditEvent{
		{ID: "e1", Kind: model.AuditError, Timestamp: now, DeviceID: "r1", Summary: "ssh refused", Payload: payload},
		{ID: "e2", Kind: model.AuditRecovery, Timestamp: now, DeviceID: "r1", Summary: "rolled back"},
		{ID: "e3", Kind: model.AuditError, Timestamp: now, Summary: "timeout"},
	}
	for _, e := range events {
		require.NoError(t, s.AppendAudit(ctx, e))
	}
	assert.ErrorIs(t, s.AppendAudit(ctx, events[0]), storagetypes.ErrDuplicate)

	all, err := s.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "e1", all[0].ID)
	assert.JSONEq(t, string(payload), string(all[0].Payload))

	errs, err := s.ListAudit(ctx, model.AuditError, 10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, "e3", errs[1].ID)
}

// ============================================================================
// Baseline 测试
// ============================================================================

func TestBaselineHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetBaseline(ctx, "local")
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)

	now := time.Now().Truncate(time.Second)
	first := &model.Baseline{
		Scope:      "local",
		Revision:   "rev1",
		CapturedAt: now,
		Files: map[string]model.FileBaseline{
			"/etc/config/network": {Path: "/etc/config/network", Checksum: "sha256:aa", Size: 10, CapturedAt: now},
		},
	}
	second := &model.Baseline{Scope: "local", Revision: "rev2", CapturedAt: now.Add(time.Minute), Files: map[string]model.FileBaseline{}}
	other := &model.Baseline{Scope: "r1", Revision: "rev3", CapturedAt: now.Add(2 * time.Minute), Files: map[string]model.FileBaseline{}}
	require.NoError(t, s.SaveBaseline(ctx, first))
	require.NoError(t, s.SaveBaseline(ctx, second))
	require.NoError(t, s.SaveBaseline(ctx, other))

	cur, err := s.GetBaseline(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, "rev2", cur.Revision)
	assert.Equal(t, "local", cur.Scope)

	hist, err := s.ListBaselineHistory(ctx, "local", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "sha256:aa", hist[1].Files["/etc/config/network"].Checksum)
}
