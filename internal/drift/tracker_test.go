package drift

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/config"
	"uci-fleet/internal/drift/gitstore"
	"uci-fleet/internal/metrics"
	"uci-fleet/internal/shared/eventbus"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/internal/uci"
	"uci-fleet/pkg/logging"
)

const networkConf = `config interface 'loopback'
	option device 'lo'
	option proto 'static'

config interface 'lan'
	option proto 'static'
	option ipaddr '192.168.1.1'
`

const dhcpConf = `config dnsmasq
	option domainneeded '1'

config dhcp 'lan'
	option interface 'lan'
	option start '100'
`

const systemConf = `config system
	option hostname 'OpenWrt'
`

// failingSource 在指定文件写入或重载时失败
type failingSource struct {
	FileSource
	failWrite  string
	failReload bool
}

func (f *failingSource) Write(ctx context.Context, name string, data []byte) error {
	if name == f.failWrite {
		return errors.New("read-only file system")
	}
	return f.FileSource.Write(ctx, name, data)
}

func (f *failingSource) Reload(ctx context.Context) error {
	if f.failReload {
		return errors.New("reload_config: exit 1")
	}
	return f.FileSource.Reload(ctx)
}

type driftEnv struct {
	dir     string
	store   *storage.MemoryStore
	bus     *eventbus.MemoryEventBus
	metrics *metrics.Metrics
	tracker *Tracker
}

func newDriftEnv(t *testing.T, cfg config.DriftConfig, wrap func(FileSource) FileSource) *driftEnv {
	t.Helper()
	dir := t.TempDir()
	writeConf(t, dir, "network", networkConf)
	writeConf(t, dir, "dhcp", dhcpConf)
	writeConf(t, dir, "system", systemConf)

	versions, err := gitstore.Open(t.TempDir(), uci.SectionDiffer{})
	require.NoError(t, err)

	env := &driftEnv{
		dir:     dir,
		store:   storage.NewMemoryStore(),
		bus:     eventbus.NewMemoryEventBus(),
		metrics: metrics.New(),
	}
	var src FileSource = NewDirSource(dir, "")
	if wrap != nil {
		src = wrap(src)
	}
	env.tracker, err = NewTracker(LocalScope, src, versions, env.store, cfg,
		WithAudit(env.store),
		WithPublisher(env.bus),
		WithMetrics(env.metrics),
		WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	return env
}

func writeConf(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func readConf(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func defaultDriftConfig() config.DriftConfig {
	return config.DriftConfig{SeverityFloor: "medium", AutoRemediation: true}
}

func TestCaptureThenDetectReportsNoDrift(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()

	b, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)
	assert.Len(t, b.Files, 3)
	assert.NotEmpty(t, b.Revision)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, b.Files["network"].Checksum)
	assert.Equal(t, int64(len(networkConf)), b.Files["network"].Size)

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	assert.False(t, report.DriftDetected)
	assert.Equal(t, model.SyncInSync, report.Status)
	assert.Empty(t, report.ChangedFiles)
	assert.Equal(t, model.ResultSuccess, ResultCode(report))
}

func TestDetectWithoutBaseline(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	_, err := env.tracker.DetectDrift(context.Background())
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestNetworkChangeIsCritical(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	before, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "network", networkConf+"\tlist dns '1.1.1.1'\n")

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	assert.True(t, report.DriftDetected)
	assert.Equal(t, []string{"network"}, report.ChangedFiles)
	assert.Equal(t, model.SeverityCritical, report.Severity)
	assert.True(t, report.RemediationRequired)
	assert.Equal(t, model.ResultDriftAboveThreshold, ResultCode(report))

	fd := report.Analysis["network"]
	assert.Equal(t, before.Files["network"].Checksum, fd.BaselineChecksum)
	assert.NotEqual(t, fd.BaselineChecksum, fd.CurrentChecksum)
	assert.Equal(t, []string{"interface.lan"}, fd.Diff.SectionsModified)
	assert.False(t, fd.Escalated)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DriftReportsTotal.WithLabelValues("critical")))
	assert.Equal(t, []string{eventbus.EventDriftReport}, env.bus.Types(eventbus.StreamFleet))
	audit, err := env.store.ListAudit(ctx, model.AuditDrift, 0)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestStructuralFirewallChangeEscalates(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	writeConf(t, env.dir, "firewall", "config defaults\n\toption input 'ACCEPT'\n")
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "firewall", "config defaults\n\toption input 'ACCEPT'\n\nconfig rule 'allow_ssh'\n\toption dest_port '22'\n")
	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	fd := report.Analysis["firewall"]
	assert.Equal(t, model.SeverityCritical, fd.Severity)
	assert.True(t, fd.Escalated)
	assert.Equal(t, []string{"rule.allow_ssh"}, fd.Diff.SectionsAdded)
}

func TestLowSeverityBelowFloor(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	writeConf(t, env.dir, "luci_statistics", "config statistics 'collectd'\n")
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "luci_statistics", "config statistics 'collectd'\n\toption Interval '30'\n")
	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	assert.True(t, report.DriftDetected)
	assert.Equal(t, model.SeverityLow, report.Severity)
	assert.False(t, report.RemediationRequired)
	assert.Equal(t, model.ResultDriftBelowThreshold, ResultCode(report))
}

func TestNewAndDeletedFiles(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	_, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(env.dir, "dhcp")))
	writeConf(t, env.dir, "uhttpd", "config uhttpd 'main'\n")

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	assert.True(t, report.DriftDetected)
	assert.Empty(t, report.ChangedFiles)
	assert.Equal(t, []string{"dhcp"}, report.DeletedFiles)
	assert.Equal(t, []string{"uhttpd"}, report.NewFiles)
	assert.Equal(t, model.ChangeDeleted, report.Analysis["dhcp"].Change)
	assert.Equal(t, []string{"uhttpd.main"}, report.Analysis["uhttpd"].Diff.SectionsAdded)
	assert.Equal(t, model.SeverityMedium, report.Severity)
	assert.True(t, report.RemediationRequired)
}

func TestTrackedFilesFilter(t *testing.T) {
	cfg := defaultDriftConfig()
	cfg.TrackedFiles = []string{"network", "system"}
	env := newDriftEnv(t, cfg, nil)
	ctx := context.Background()

	b, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"network", "system"}, b.Paths())

	writeConf(t, env.dir, "dhcp", dhcpConf+"\toption limit '150'\n")
	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	assert.False(t, report.DriftDetected)
}

func TestAcceptRebaselines(t *testing.T) {
	env := newDriftEnv(t, defaultDriftConfig(), nil)
	ctx := context.Background()
	first, err := env.tracker.CaptureBaseline(ctx, "initial")
	require.NoError(t, err)

	writeConf(t, env.dir, "system", systemConf+"\toption timezone 'UTC'\n")
	second, err := env.tracker.Accept(ctx, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.Revision, second.Revision)

	report, err := env.tracker.DetectDrift(ctx)
	require.NoError(t, err)
	assert.False(t, report.DriftDetected)

	hist, err := env.store.ListBaselineHistory(ctx, LocalScope, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestInvalidSeverityFloor(t *testing.T) {
	versions, err := gitstore.Open(t.TempDir(), uci.SectionDiffer{})
	require.NoError(t, err)
	_, err = NewTracker(LocalScope, NewDirSource(t.TempDir(), ""), versions, storage.NewMemoryStore(),
		config.DriftConfig{SeverityFloor: "extreme"})
	assert.Error(t, err)
}
