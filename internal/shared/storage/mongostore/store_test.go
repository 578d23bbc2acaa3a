package mongostore

import (
	"context"
	"os"
	"testing"
	"time"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/internal/shared/storagetypes"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore 创建测试用 Store，使用独立数据库避免污染
func testStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	s, err := NewStore(uri, "uci_fleet_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	ctx := context.Background()
	require.NoError(t, s.db.Drop(ctx))
	require.NoError(t, s.ensureIndexes(ctx))

	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

// Compile-time interface check
var (
	_ storage.AuditStore      = (*Store)(nil)
	_ storage.DeploymentStore = (*Store)(nil)
)

func TestAuditAppendList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, s.AppendAudit(ctx, &model.AuditEvent{ID: "a1", Kind: model.AuditError, Timestamp: now, Summary: "x"}))
	require.NoError(t, s.AppendAudit(ctx, &model.AuditEvent{ID: "a2", Kind: model.AuditRecovery, Timestamp: now.Add(time.Second)}))
	assert.ErrorIs(t, s.AppendAudit(ctx, &model.AuditEvent{ID: "a1", Kind: model.AuditError, Timestamp: now}), storagetypes.ErrDuplicate)

	all, err := s.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a1", all[0].ID)

	rec, err := s.ListAudit(ctx, model.AuditRecovery, 0)
	require.NoError(t, err)
	require.Len(t, rec, 1)
}

func TestDeploymentTerminalGuard(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	d := &model.Deployment{ID: "dep-1", Phase: model.PhasePlanning, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.SaveDeployment(ctx, d))
	d.Phase = model.PhaseCompleted
	require.NoError(t, s.SaveDeployment(ctx, d))

	d.Phase = model.PhaseFailed
	assert.ErrorIs(t, s.SaveDeployment(ctx, d), storagetypes.ErrConflict)

	got, err := s.GetDeployment(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)

	_, err = s.GetDeployment(ctx, "missing")
	assert.ErrorIs(t, err, storagetypes.ErrNotFound)
}
