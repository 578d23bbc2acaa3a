package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/config"
	"uci-fleet/internal/shared/eventbus"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
	"uci-fleet/internal/shared/sleep"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/pkg/logging"
)

type testEnv struct {
	engine  *Engine
	dialer  *remote.FakeDialer
	store   *storage.MemoryStore
	sleeper *sleep.Recorder
	bus     *eventbus.MemoryEventBus
}

func newTestEnv(t *testing.T, threshold int) *testEnv {
	t.Helper()
	env := &testEnv{
		dialer:  remote.NewFakeDialer(),
		store:   storage.NewMemoryStore(),
		sleeper: &sleep.Recorder{},
		bus:     eventbus.NewMemoryEventBus(),
	}
	env.engine = env.newEngine(threshold)
	return env
}

func (env *testEnv) newEngine(threshold int) *Engine {
	cfg := config.RecoveryConfig{
		MaxRetries:              3,
		BaseDelay:               2 * time.Second,
		CircuitBreakerThreshold: threshold,
		StabilizationPause:      5 * time.Second,
		Services:                []string{"network", "firewall", "dnsmasq"},
	}
	sessions := DialerSessions{
		Dialer: env.dialer,
		Lookup: func(_ context.Context, id string) (*model.Device, error) {
			if id == "ghost" {
				return nil, storage.ErrNotFound
			}
			return &model.Device{ID: id, Address: "10.0.0.1"}, nil
		},
	}
	return NewEngine(cfg, sessions,
		WithAudit(env.store),
		WithPublisher(env.bus),
		WithSleeper(env.sleeper),
		WithLogger(logging.Discard()),
	)
}

func opCtx(device string) model.OperationContext {
	return model.OperationContext{
		OperationID:  "op-1",
		Operation:    "deploy",
		DeviceID:     device,
		DeploymentID: "dep-1",
		BackupPath:   "/tmp/uci-backup-op-1.tar.gz",
	}
}

func connErr() model.ErrorInfo {
	return model.ErrorInfo{Type: "ConnectionError", Kind: model.KindConnectivity, Message: "connection refused"}
}

func actions(out *model.RecoveryOutcome) []string {
	var a []string
	for _, s := range out.Steps {
		a = append(a, s.Action+":"+s.Target)
	}
	return a
}

func TestImmediateRollbackSuccess(t *testing.T) {
	env := newTestEnv(t, 5)

	ok, out, err := env.engine.HandleError(context.Background(), connErr(), opCtx("r1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, out.RolledBack)
	assert.Equal(t, model.StrategyImmediateRollback, out.Strategy)
	assert.Equal(t, model.SeverityCritical, out.Severity)
	assert.Equal(t, []string{
		"stop_service:dnsmasq", "stop_service:firewall", "stop_service:network",
		"restore_backup:/tmp/uci-backup-op-1.tar.gz", "reload_config:",
		"restart_service:network", "restart_service:firewall", "restart_service:dnsmasq",
		"stabilize:5s", "verify_connectivity:r1",
	}, actions(out))

	s := env.dialer.Session("r1")
	assert.True(t, s.Ran("tar xzf '/tmp/uci-backup-op-1.tar.gz' -C /"))
	assert.True(t, s.Ran("reload_config"))
	assert.Equal(t, []time.Duration{5 * time.Second}, env.sleeper.Delays())
}

func TestRollbackFailureRequiresManualIntervention(t *testing.T) {
	env := newTestEnv(t, 5)
	env.dialer.Session("r1").Fail("tar xzf", "tar: short read")

	ok, out, err := env.engine.HandleError(context.Background(), connErr(), opCtx("r1"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, out.RolledBack)
	assert.True(t, out.Escalated)
	assert.Equal(t, model.SeverityManualIntervention, out.Severity)
}

func TestRollbackWithoutBackup(t *testing.T) {
	env := newTestEnv(t, 5)
	oc := opCtx("r1")
	oc.BackupPath = ""

	ok, out, _ := env.engine.HandleError(context.Background(), connErr(), oc)
	assert.False(t, ok)
	assert.Equal(t, model.SeverityManualIntervention, out.Severity)
	assert.False(t, env.dialer.Session("r1").Ran("tar xzf"))
}

func TestRollbackDeviceUnavailable(t *testing.T) {
	env := newTestEnv(t, 5)

	ok, out, err := env.engine.HandleError(context.Background(), connErr(), opCtx("ghost"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.SeverityManualIntervention, out.Severity)

	events, err := env.store.ListAudit(context.Background(), model.AuditError, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	var rec model.ErrorRecord
	require.NoError(t, json.Unmarshal(events[0].Payload, &rec))
	assert.NotEmpty(t, rec.System.Error)
}

func TestRetryBackoffDelaysThenEscalates(t *testing.T) {
	env := newTestEnv(t, 10)
	oc := opCtx("r1")
	calls := 0
	oc.Retry = func() error {
		calls++
		return errors.New("still busy")
	}

	info := model.ErrorInfo{Type: "TimeoutError", Kind: model.KindTimeout, Message: "timed out"}
	ok, out, err := env.engine.HandleError(context.Background(), info, oc)
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.True(t, out.Escalated)
	// 回滚本身成功，原操作的变更已撤销
	assert.True(t, ok)
	assert.True(t, out.RolledBack)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 5 * time.Second},
		env.sleeper.Delays())
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	env := newTestEnv(t, 10)
	oc := opCtx("r1")
	calls := 0
	oc.Retry = func() error {
		calls++
		if calls < 2 {
			return errors.New("busy")
		}
		return nil
	}

	ok, out, _ := env.engine.HandleError(context.Background(),
		model.ErrorInfo{Type: "FsError", Kind: model.KindResource, Message: "read-only file system"}, oc)
	assert.True(t, ok)
	assert.False(t, out.RolledBack)
	assert.False(t, out.Escalated)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, env.sleeper.Delays())
}

func TestRetryWithoutCallbackChecksConnectivity(t *testing.T) {
	env := newTestEnv(t, 10)
	ok, out, _ := env.engine.HandleError(context.Background(),
		model.ErrorInfo{Type: "Odd", Message: "something odd"}, opCtx("r1"))
	assert.True(t, ok)
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, env.dialer.Session("r1").Ran("ping -c 1"))
}

func TestRetryCancelled(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, out, err := env.engine.HandleError(ctx, model.ErrorInfo{Kind: model.KindTimeout, Message: "timeout"}, opCtx("r1"))
	require.NoError(t, err, "audit is written even after cancellation")
	assert.False(t, ok)
	assert.Equal(t, model.SeverityManualIntervention, out.Severity)
	assert.Zero(t, out.Attempts)

	events, _ := env.store.ListAudit(context.Background(), "", 0)
	assert.Len(t, events, 2)
}

func TestGradualRollbackHealthy(t *testing.T) {
	env := newTestEnv(t, 10)
	info := model.ErrorInfo{Type: "ServiceRestartError", Kind: model.KindService, Message: "reload failed"}

	ok, out, _ := env.engine.HandleError(context.Background(), info, opCtx("r1"))
	assert.True(t, ok)
	assert.False(t, out.RolledBack)
	assert.Equal(t, model.StrategyGradualRollback, out.Strategy)
	assert.Equal(t, 3, env.dialer.Session("r1").Count("restart"))
	assert.Len(t, env.sleeper.Delays(), 3)
}

func TestGradualRollbackEscalates(t *testing.T) {
	env := newTestEnv(t, 10)
	env.dialer.Session("r1").Fail("/etc/init.d/firewall running", "")
	info := model.ErrorInfo{Type: "ServiceRestartError", Kind: model.KindService, Message: "reload failed"}

	ok, out, _ := env.engine.HandleError(context.Background(), info, opCtx("r1"))
	assert.True(t, ok)
	assert.True(t, out.Escalated)
	assert.True(t, out.RolledBack)

	a := actions(out)
	assert.Equal(t, "restart_service:network", a[0])
	assert.Contains(t, a, "health_check:firewall")
	assert.Contains(t, a, "restore_backup:/tmp/uci-backup-op-1.tar.gz")
	assert.NotContains(t, a, "health_check:dnsmasq")
}

func TestCircuitBreakerAfterThreshold(t *testing.T) {
	env := newTestEnv(t, 3)
	info := model.ErrorInfo{Type: "DriftError", Kind: model.KindDrift, Message: "unexpected change"}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, out, _ := env.engine.HandleError(ctx, info, opCtx("r1"))
		assert.Equal(t, model.StrategyManualIntervention, out.Strategy, "call %d", i)
	}
	for i := 4; i <= 5; i++ {
		ok, out, _ := env.engine.HandleError(ctx, info, opCtx("r1"))
		assert.False(t, ok)
		assert.Equal(t, model.StrategyCircuitBreaker, out.Strategy, "call %d", i)
		assert.Equal(t, model.SeverityManualIntervention, out.Severity)
		assert.Empty(t, out.Steps)
	}
	assert.Equal(t, 5, env.engine.BreakerCounts()["DriftError"])

	// 其他错误类型不受影响
	_, out, _ := env.engine.HandleError(ctx, connErr(), opCtx("r1"))
	assert.Equal(t, model.StrategyImmediateRollback, out.Strategy)

	require.NoError(t, env.engine.ResetBreaker(ctx, "DriftError"))
	_, out, _ = env.engine.HandleError(ctx, info, opCtx("r1"))
	assert.Equal(t, model.StrategyManualIntervention, out.Strategy)
	assert.Equal(t, 6, env.engine.BreakerCounts()["DriftError"], "counts are monotonic")

	assert.Error(t, env.engine.ResetBreaker(ctx, "NeverSeen"))
}

func TestBreakerTripsExactlyAtThresholdUnderConcurrency(t *testing.T) {
	for round := 0; round < 200; round++ {
		b := newBreakers(3, nil)
		var wg sync.WaitGroup
		var mu sync.Mutex
		dispatched := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, open := b.record("ConnectionError"); !open {
					mu.Lock()
					dispatched++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 3, dispatched, "round %d", round)
		require.Equal(t, 16, b.status()[0].Total)
	}
}

func TestConcurrentErrorsTakeBreakerPathAfterThreshold(t *testing.T) {
	env := newTestEnv(t, 3)
	info := model.ErrorInfo{Type: "DriftError", Kind: model.KindDrift, Message: "unexpected change"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	strategies := make(map[model.RecoveryStrategy]int)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, out, _ := env.engine.HandleError(context.Background(), info, opCtx("r1"))
			mu.Lock()
			strategies[out.Strategy]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, strategies[model.StrategyManualIntervention])
	assert.Equal(t, 9, strategies[model.StrategyCircuitBreaker])
	assert.Equal(t, 12, env.engine.BreakerCounts()["DriftError"])
}

func TestBreakerOverridesClassification(t *testing.T) {
	env := newTestEnv(t, 1)
	_, out, _ := env.engine.HandleError(context.Background(), connErr(), opCtx("r1"))
	assert.Equal(t, model.StrategyImmediateRollback, out.Strategy)
	assert.Equal(t, 1, env.dialer.Session("r1").Count("tar xzf"))

	ok, out, _ := env.engine.HandleError(context.Background(), connErr(), opCtx("r1"))
	assert.False(t, ok)
	assert.Equal(t, model.StrategyCircuitBreaker, out.Strategy)
	assert.Equal(t, 1, env.dialer.Session("r1").Count("tar xzf"), "no rollback once the breaker is open")
}

func TestAuditRecordsWritten(t *testing.T) {
	env := newTestEnv(t, 5)
	s := env.dialer.Session("r1")
	s.On("/proc/meminfo", remote.ExecResult{Stdout: "MemTotal: 124000 kB\nMemAvailable: 64000 kB\n"}, nil)
	s.On("df -k", remote.ExecResult{Stdout: "Filesystem 1K-blocks Used Available Use% Mounted on\noverlayfs:/overlay 7000 500 6500 7% /\n"}, nil)
	s.On("for s in", remote.ExecResult{Stdout: "network:running\nfirewall:running\ndnsmasq:stopped\n"}, nil)
	s.On("ip -o link show", remote.ExecResult{Stdout: "lo\neth0\nbr-lan\n"}, nil)

	_, out, err := env.engine.HandleError(context.Background(), connErr(), opCtx("r1"))
	require.NoError(t, err)

	events, err := env.store.ListAudit(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.AuditError, events[0].Kind)
	assert.Equal(t, model.AuditRecovery, events[1].Kind)
	assert.Equal(t, "dep-1", events[0].DeploymentID)

	var rec model.ErrorRecord
	require.NoError(t, json.Unmarshal(events[0].Payload, &rec))
	assert.Equal(t, "ConnectionError", rec.Type)
	assert.Equal(t, 1, rec.BreakerCount)
	assert.Equal(t, "MemTotal: 124000 kB MemAvailable: 64000 kB", rec.System.Memory)
	assert.Equal(t, "overlayfs:/overlay 7000 500 6500 7% /", rec.System.Disk)
	assert.Equal(t, []string{"network:running", "firewall:running", "dnsmasq:stopped"}, rec.System.Services)
	assert.Equal(t, []string{"lo", "eth0", "br-lan"}, rec.System.Interfaces)

	var outcome model.RecoveryOutcome
	require.NoError(t, json.Unmarshal(events[1].Payload, &outcome))
	assert.Equal(t, rec.ID, outcome.ErrorID)
	assert.Equal(t, out.ID, outcome.ID)

	assert.Equal(t, []string{eventbus.EventRecovery}, env.bus.Types("dep-1"))
}

func TestAuditPairsSerialized(t *testing.T) {
	env := newTestEnv(t, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = env.engine.HandleError(context.Background(),
				model.ErrorInfo{Type: "DriftError", Kind: model.KindDrift, Message: "x"}, opCtx("r1"))
		}()
	}
	wg.Wait()

	events, err := env.store.ListAudit(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, events, 40)
	for i := 0; i < len(events); i += 2 {
		require.Equal(t, model.AuditError, events[i].Kind)
		require.Equal(t, model.AuditRecovery, events[i+1].Kind)
		var rec model.ErrorRecord
		var out model.RecoveryOutcome
		require.NoError(t, json.Unmarshal(events[i].Payload, &rec))
		require.NoError(t, json.Unmarshal(events[i+1].Payload, &out))
		assert.Equal(t, rec.ID, out.ErrorID)
	}
	assert.Equal(t, 20, env.engine.BreakerCounts()["DriftError"])
}

func TestRehydrateFromAudit(t *testing.T) {
	env := newTestEnv(t, 3)
	ctx := context.Background()
	info := model.ErrorInfo{Type: "DriftError", Kind: model.KindDrift, Message: "x"}
	for range 3 {
		_, _, _ = env.engine.HandleError(ctx, info, opCtx("r1"))
	}

	second := env.newEngine(3)
	require.NoError(t, second.Rehydrate(ctx))
	_, out, _ := second.HandleError(ctx, info, opCtx("r1"))
	assert.Equal(t, model.StrategyCircuitBreaker, out.Strategy)
	require.NoError(t, second.ResetAll(ctx))

	third := env.newEngine(3)
	require.NoError(t, third.Rehydrate(ctx))
	assert.Equal(t, 4, third.BreakerCounts()["DriftError"])
	for _, st := range third.BreakerStatus() {
		assert.False(t, st.Open)
	}
	_, out, _ = third.HandleError(ctx, info, opCtx("r1"))
	assert.Equal(t, model.StrategyManualIntervention, out.Strategy)
}
