package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/shared/model"
)

func TestMemoryDevicesOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertDevice(ctx, &model.Device{ID: "b", DeploymentOrder: 2}))
	require.NoError(t, s.UpsertDevice(ctx, &model.Device{ID: "c", DeploymentOrder: 1}))
	require.NoError(t, s.UpsertDevice(ctx, &model.Device{ID: "a", DeploymentOrder: 2}))

	list, err := s.ListDevices(ctx)
	require.NoError(t, err)
	var ids []string
	for _, d := range list {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	// 返回副本
	list[0].Groups = append(list[0].Groups, "mutated")
	got, _ := s.GetDevice(ctx, "c")
	assert.Empty(t, got.Groups)

	assert.ErrorIs(t, s.DeleteDevice(ctx, "zz"), ErrNotFound)
}

func TestMemoryDeploymentTerminalImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	d := &model.Deployment{ID: "d1", Phase: model.PhaseDeployment, CreatedAt: time.Now()}
	require.NoError(t, s.SaveDeployment(ctx, d))
	d.Phase = model.PhaseCompleted
	require.NoError(t, s.SaveDeployment(ctx, d))
	d.Phase = model.PhaseFailed
	assert.ErrorIs(t, s.SaveDeployment(ctx, d), ErrConflict)

	got, err := s.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)
}

func TestMemoryBaselineScopes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveBaseline(ctx, &model.Baseline{Scope: "local", Revision: "a"}))
	require.NoError(t, s.SaveBaseline(ctx, &model.Baseline{Scope: "r1", Revision: "b"}))
	require.NoError(t, s.SaveBaseline(ctx, &model.Baseline{Scope: "local", Revision: "c"}))

	cur, err := s.GetBaseline(ctx, "local")
	require.NoError(t, err)
	assert.Equal(t, "c", cur.Revision)

	hist, err := s.ListBaselineHistory(ctx, "local", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "a", hist[1].Revision)

	_, err = s.GetBaseline(ctx, "r2")
	assert.ErrorIs(t, err, ErrNotFound)
}

type failingAudit struct{ calls int }

func (f *failingAudit) AppendAudit(context.Context, *model.AuditEvent) error {
	f.calls++
	return errors.New("mirror down")
}

func (f *failingAudit) ListAudit(context.Context, model.AuditKind, int) ([]*model.AuditEvent, error) {
	return nil, errors.New("mirror down")
}

func TestAuditFanout(t *testing.T) {
	primary := NewMemoryStore()
	mirror := NewMemoryStore()
	broken := &failingAudit{}
	f := NewAuditFanout(primary, broken, mirror)
	f.Logger = nil
	ctx := context.Background()

	ev := &model.AuditEvent{ID: "e1", Kind: model.AuditDrift, Timestamp: time.Now(), Payload: []byte(`{}`)}
	require.NoError(t, f.AppendAudit(ctx, ev))
	assert.Equal(t, 1, broken.calls)

	got, err := mirror.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	assert.ErrorIs(t, f.AppendAudit(ctx, ev), ErrDuplicate, "primary duplicate is returned")

	list, err := f.ListAudit(ctx, model.AuditDrift, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeploymentFanout(t *testing.T) {
	primary := NewMemoryStore()
	mirror := NewMemoryStore()
	f := NewDeploymentFanout(primary, mirror)
	f.Logger = nil
	ctx := context.Background()

	d := &model.Deployment{ID: "d1", Phase: model.PhasePlanning, CreatedAt: time.Now()}
	require.NoError(t, f.SaveDeployment(ctx, d))
	d.Phase = model.PhaseCompleted
	require.NoError(t, f.SaveDeployment(ctx, d))

	got, err := mirror.GetDeployment(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseCompleted, got.Phase)

	assert.ErrorIs(t, f.SaveDeployment(ctx, d), ErrConflict)

	list, err := f.ListDeployments(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
