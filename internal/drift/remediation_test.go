package drift

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/config"
	"uci-fleet/internal/recovery"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/pkg/logging"
)

func TestPlanForCriticalDriftNeedsApproval(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "network", networkConf+"\nconfig interface 'wan'\n\toption proto 'dhcp'\n")
	require.NoError(t, os.Remove(filepath.Join(env.dir, "system")))
	writeConf(t, env.dir, "extra", "config foo 'bar'\n")

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	plan := env.tracker.CreateRemediationPlan(report)

	assert.True(t, plan.ApprovalRequired)
	assert.False(t, plan.Approved)
	assert.Equal(t, LocalScope, plan.Scope)
	assert.Equal(t, report.BaselineRevision, plan.BaselineRevision)

	var actions []string
	for i, s := range plan.Steps {
		assert.Equal(t, i+1, s.Order)
		actions = append(actions, s.Action+":"+s.File)
	}
	assert.Equal(t, []string{"restore:network", "restore:system", "remove:extra", "reload:"}, actions)
	assert.True(t, plan.Steps[0].Critical)
	assert.False(t, plan.Steps[2].Critical)

	var rollback []string
	for _, s := range plan.RollbackSteps {
		rollback = append(rollback, s.Action+":"+s.File)
	}
	assert.Equal(t, []string{"revert:extra", "revert:system", "revert:network", "reload:"}, rollback)

	_, err = env.tracker.ExecuteRemediation(ctx, plan)
	assert.ErrorIs(t, err, ErrApprovalRequired)
	assert.Contains(t, readConf(t, env.dir, "network"), "'wan'")
}

func TestCriticalApprovalIgnoresAutoRemediation(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "dhcp", dhcpConf+"\toption limit '150'\n")
	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	plan := env.tracker.CreateRemediationPlan(report)
	assert.False(t, plan.ApprovalRequired, "medium drift with auto_remediation needs no approval")

	cfg := defaultDriftConfig()
	cfg.AutoRemediation = false
	manual := newDriftEnv(t, cfg, nil)
	_, err = manual.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)
	writeConf(t, manual.dir, "dhcp", dhcpConf+"\toption limit '150'\n")
	report, err = manual.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	assert.True(t, manual.tracker.CreateRemediationPlan(report).ApprovalRequired)
}

func TestExecuteRemediationRestoresBaseline(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	first, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "network", "config interface 'lan'\n\toption proto 'dhcp'\n")
	require.NoError(t, os.Remove(filepath.Join(env.dir, "dhcp")))
	writeConf(t, env.dir, "extra", "config foo 'bar'\n")

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	plan := env.tracker.CreateRemediationPlan(report)
	Approve(plan)

	res, err := env.tracker.ExecuteRemediation(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, model.SyncInSync, res.Status)
	assert.Equal(t, 4, res.StepsExecuted)
	assert.Zero(t, res.StepsFailed)
	assert.False(t, res.RolledBack)
	require.NotNil(t, res.PostCheck)
	assert.False(t, res.PostCheck.DriftDetected)

	assert.Equal(t, networkConf, readConf(t, env.dir, "network"))
	assert.Equal(t, dhcpConf, readConf(t, env.dir, "dhcp"))
	assert.NoFileExists(t, filepath.Join(env.dir, "extra"))

	// 修复成功后重新捕获基线
	current, err := env.tracker.Baseline(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.Revision, current.Revision)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RemediationsTotal.WithLabelValues("in_sync")))
}

func TestExecuteRemediationIdempotentWhenInSync(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	plan := env.tracker.CreateRemediationPlan(report)
	assert.True(t, plan.NoChanges)
	assert.Empty(t, plan.Steps)

	for range 2 {
		res, err := env.tracker.ExecuteRemediation(ctx, plan)
		require.NoError(t, err)
		assert.True(t, res.NoChanges)
		assert.Equal(t, model.SyncInSync, res.Status)
		assert.Zero(t, res.StepsExecuted)
	}
	hist, err := env.store.ListBaselineHistory(ctx, LocalScope, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestStalePlanIsNoOpAfterManualFix(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "system", systemConf+"\toption timezone 'UTC'\n")
	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	plan := env.tracker.CreateRemediationPlan(report)

	writeConf(t, env.dir, "system", systemConf)
	res, err := env.tracker.ExecuteRemediation(ctx, plan)
	require.NoError(t, err)
	assert.True(t, res.NoChanges)
	assert.Zero(t, res.StepsExecuted)
}

func TestCriticalStepFailureRollsBack(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), func(src FileSource) FileSource {
		return &failingSource{FileSource: src, failWrite: "system"}
	})
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	driftedNetwork := networkConf + "\tlist dns '9.9.9.9'\n"
	writeConf(t, env.dir, "network", driftedNetwork)
	writeConf(t, env.dir, "system", "config system\n\toption hostname 'rogue'\n")

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	plan := env.tracker.CreateRemediationPlan(report)
	Approve(plan)

	res, err := env.tracker.ExecuteRemediation(ctx, plan)
	require.NoError(t, err)
	assert.True(t, res.RolledBack)
	assert.Equal(t, model.SyncDrifted, res.Status)
	assert.Equal(t, 2, res.StepsExecuted)
	assert.Equal(t, 1, res.StepsFailed)
	assert.Contains(t, res.Message, "restore:system")

	var names []string
	for _, sr := range res.StepResults {
		names = append(names, sr.Name)
	}
	assert.Equal(t, []string{
		"restore:network",
		"restore:system",
		"rollback:revert:network",
		"rollback:reload",
	}, names)

	// 网络文件被恢复后又回滚到修复前内容
	assert.Equal(t, driftedNetwork, readConf(t, env.dir, "network"))
}

func TestNonCriticalFailureIsPartial(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), func(src FileSource) FileSource {
		return &failingSource{FileSource: src, failWrite: "dhcp"}
	})
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "dhcp", dhcpConf+"\toption limit '150'\n")
	writeConf(t, env.dir, "extra", "config foo 'bar'\n")

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	plan := env.tracker.CreateRemediationPlan(report)
	require.False(t, plan.ApprovalRequired)

	res, err := env.tracker.ExecuteRemediation(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, model.SyncRemediated, res.Status)
	assert.False(t, res.RolledBack)
	assert.Equal(t, 1, res.StepsFailed)
	assert.NoFileExists(t, filepath.Join(env.dir, "extra"))
	assert.Equal(t, []string{"dhcp"}, res.PostCheck.ChangedFiles)
}

func TestReloadFailureRevertsAllFiles(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), func(src FileSource) FileSource {
		return &failingSource{FileSource: src, failReload: true}
	})
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	drifted := dhcpConf + "\toption limit '150'\n"
	writeConf(t, env.dir, "dhcp", drifted)
	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)

	res, err := env.tracker.ExecuteRemediation(ctx, env.tracker.CreateRemediationPlan(report))
	require.NoError(t, err)
	// 回滚的最后一步重载同样失败
	assert.False(t, res.RolledBack)
	assert.Equal(t, model.SyncDrifted, res.Status)
	assert.Equal(t, drifted, readConf(t, env.dir, "dhcp"))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RemediationsTotal.WithLabelValues("drifted")))
}

func TestPlanScopeMismatch(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	_, err := env.tracker.ExecuteRemediation(context.Background(), &model.RemediationPlan{Scope: "router-9"})
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestManagerRemoteScope(t *testing.T) {
	ctx := context.Background()
	dialer := remote.NewFakeDialer()
	sess := dialer.Session("router-1")
	sess.On("find '/etc/config'", remote.ExecResult{Stdout: "/etc/config/network\n/etc/config/system\n"}, nil)
	sess.Files["/etc/config/network"] = []byte(networkConf)
	sess.Files["/etc/config/system"] = []byte(systemConf)

	store := storage.NewMemoryStore()
	sessions := recovery.DialerSessions{
		Dialer: dialer,
		Lookup: func(_ context.Context, id string) (*model.Device, error) {
			return &model.Device{ID: id}, nil
		},
	}

	cfg := config.DriftConfig{ConfigDir: "/etc/config", VersionDir: t.TempDir(), SeverityFloor: "medium", AutoRemediation: true}
	m := NewManager(cfg, store, SessionSources(sessions, cfg.ConfigDir, 0), WithLogger(logging.Discard()))

	b, err := m.Rebaseline(ctx, "router-1", "post-deploy")
	require.NoError(t, err)
	assert.Equal(t, "router-1", b.Scope)
	assert.ElementsMatch(t, []string{"network", "system"}, b.Paths())
	assert.DirExists(t, filepath.Join(cfg.VersionDir, "router-1", ".git"))

	sess.Files["/etc/config/system"] = []byte(systemConf + "\toption hostname 'changed'\n")
	report, err := m.Detect(ctx, "router-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"system"}, report.ChangedFiles)
	assert.Equal(t, model.SeverityHigh, report.Severity)

	tr, release, err := m.Open(ctx, "router-1")
	require.NoError(t, err)
	defer release()
	plan := tr.CreateRemediationPlan(report)
	res, err := tr.ExecuteRemediation(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, model.SyncInSync, res.Status)
	assert.Equal(t, systemConf, string(sess.Files["/etc/config/system"]))
	assert.True(t, sess.Ran("reload_config"))

	_, _, err = m.Open(ctx, "../escape")
	assert.Error(t, err)
}
