package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uci-fleet/internal/config"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/sleep"
	"uci-fleet/pkg/logging"
)

func testConfig() config.HealthConfig {
	return config.HealthConfig{
		FailureThreshold:   3,
		AutoRecovery:       true,
		DNSDomains:         []string{"google.com", "cloudflare.com", "openwrt.org"},
		ExternalHosts:      []string{"8.8.8.8", "1.1.1.1"},
		CriticalInterfaces: []string{"eth0", "br-lan"},
		HistorySize:        50,
		StabilizationWait:  30 * time.Second,
	}
}

func newTestMonitor(probe SystemProbe, cfg config.HealthConfig, s sleep.Sleeper) *Monitor {
	return NewMonitor("r1", probe, cfg, WithLogger(logging.Discard()), WithSleeper(s))
}

func TestEvaluate(t *testing.T) {
	ok := func(name string, critical bool) model.TestResult {
		return model.TestResult{Name: name, Success: true, Critical: critical}
	}
	bad := func(name string, critical bool) model.TestResult {
		return model.TestResult{Name: name, Critical: critical}
	}

	tests := []struct {
		name  string
		tests []model.TestResult
		want  model.NetworkState
	}{
		{"all pass", []model.TestResult{ok("a", true), ok("b", false)}, model.NetworkHealthy},
		{"one non-critical", []model.TestResult{ok("a", true), bad("b", false)}, model.NetworkDegraded},
		{"two non-critical", []model.TestResult{bad("a", false), bad("b", false), ok("c", true)}, model.NetworkDegraded},
		{"three non-critical", []model.TestResult{bad("a", false), bad("b", false), bad("c", false)}, model.NetworkFailed},
		{"one critical", []model.TestResult{bad("a", true), ok("b", false)}, model.NetworkCritical},
		{"critical plus others at threshold", []model.TestResult{bad("a", true), bad("b", false), bad("c", false)}, model.NetworkFailed},
		{"empty", nil, model.NetworkUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := map[string]model.TestResult{}
			for _, r := range tt.tests {
				m[r.Name] = r
			}
			state, _, _, _ := Evaluate(m, 3)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestCheckHealthy(t *testing.T) {
	m := newTestMonitor(NewHealthyProbe("eth0", "br-lan"), testConfig(), &sleep.Recorder{})

	status := m.Check(context.Background())
	assert.Equal(t, model.NetworkHealthy, status.OverallState)
	assert.Equal(t, 6, status.Passed)
	assert.Zero(t, status.Failed)
	assert.False(t, status.RecoveryNeeded)
	for _, name := range []string{TestLoopback, TestGateway, TestDNS, TestInternet, TestInterfaces, TestRouting} {
		assert.Contains(t, status.Tests, name)
	}
	assert.True(t, status.Tests[TestGateway].Critical)
	assert.Equal(t, "192.168.1.1", status.Tests[TestGateway].Details["gateway"])
}

func TestCheckDNSNeedsTwoOfThree(t *testing.T) {
	probe := NewHealthyProbe("eth0", "br-lan")
	probe.DNSErrs = map[string]error{"google.com": errors.New("timeout")}
	m := newTestMonitor(probe, testConfig(), &sleep.Recorder{})

	status := m.Check(context.Background())
	assert.True(t, status.Tests[TestDNS].Success)
	assert.Equal(t, model.NetworkHealthy, status.OverallState)

	probe.Update(func(p *StaticProbe) { p.DNSErrs["cloudflare.com"] = errors.New("timeout") })
	status = m.Check(context.Background())
	assert.False(t, status.Tests[TestDNS].Success)
	assert.Equal(t, model.NetworkDegraded, status.OverallState)
}

func TestCheckInternetNeedsOneHost(t *testing.T) {
	probe := NewHealthyProbe("eth0", "br-lan")
	probe.ReachErrs = map[string]error{"8.8.8.8": errors.New("unreachable")}
	m := newTestMonitor(probe, testConfig(), &sleep.Recorder{})
	status := m.Check(context.Background())
	assert.True(t, status.Tests[TestInternet].Success)
	assert.Equal(t, "1.1.1.1", status.Tests[TestInternet].Details["reached"])
}

func TestCheckCriticalInterfaceDown(t *testing.T) {
	probe := NewHealthyProbe("eth0", "br-lan")
	probe.Links["eth0"] = false
	m := newTestMonitor(probe, testConfig(), &sleep.Recorder{})

	status := m.Check(context.Background())
	assert.Equal(t, model.NetworkCritical, status.OverallState)
	assert.Equal(t, 1, status.CriticalFailed)
	assert.Equal(t, "down", status.Tests[TestInterfaces].Details["eth0"])
	assert.True(t, status.RecoveryNeeded)
}

func TestCheckNoRecoveryWhenDisabled(t *testing.T) {
	probe := NewHealthyProbe("eth0", "br-lan")
	probe.LoopbackErr = errors.New("lo down")
	cfg := testConfig()
	cfg.AutoRecovery = false
	m := newTestMonitor(probe, cfg, &sleep.Recorder{})

	status := m.Check(context.Background())
	assert.Equal(t, model.NetworkCritical, status.OverallState)
	assert.False(t, status.RecoveryNeeded)
}

func TestHistoryBounded(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 3
	m := newTestMonitor(NewHealthyProbe("eth0", "br-lan"), cfg, &sleep.Recorder{})
	assert.Nil(t, m.Last())

	var last *model.HealthStatus
	for range 5 {
		last = m.Check(context.Background())
	}
	h := m.History()
	assert.Len(t, h, 3)
	assert.Same(t, last, h[2])
	assert.Same(t, last, m.Last())
}

func TestCaptureBaseline(t *testing.T) {
	probe := NewHealthyProbe("eth0", "br-lan")
	probe.GatewayPing = PingResult{RTT: 3 * time.Millisecond, Loss: 33}
	m := newTestMonitor(probe, testConfig(), &sleep.Recorder{})

	b, err := m.CaptureBaseline(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.1", b.DefaultGateway)
	assert.True(t, b.Interfaces["eth0"])
	assert.Len(t, b.Routes, 2)
	assert.Equal(t, []string{"192.168.1.1"}, b.DNSServers)
	assert.Equal(t, 3*time.Millisecond, b.Performance.GatewayRTT)
	assert.InDelta(t, 33.0, b.Performance.PacketLoss, 0.01)
	assert.Equal(t, 15*time.Millisecond, b.Performance.DNSResolveTime)
	require.NotNil(t, b.Health)
	assert.Equal(t, model.NetworkHealthy, b.Health.OverallState)
	assert.Same(t, b, m.Baseline())
}

func TestExecuteRecoveryRestoresNetwork(t *testing.T) {
	probe := NewHealthyProbe("eth0", "br-lan")
	probe.Links["eth0"] = false
	probe.OnRecover = func(p *StaticProbe, action string) {
		if action == "restart:network" {
			p.Links["eth0"] = true
		}
	}
	rec := &sleep.Recorder{}
	m := newTestMonitor(probe, testConfig(), rec)

	attempt := m.ExecuteRecovery(context.Background())
	assert.True(t, attempt.Success)
	assert.Equal(t, []string{
		"reset:eth0", "reset:br-lan",
		"restart:network", "restart:firewall", "restart:dnsmasq",
	}, probe.Actions())
	assert.Equal(t, []time.Duration{30 * time.Second}, rec.Delays())
	require.NotNil(t, attempt.After)
	assert.Equal(t, model.NetworkHealthy, attempt.After.OverallState)
	assert.Len(t, attempt.Actions, 5)
}

func TestExecuteRecoveryStillBroken(t *testing.T) {
	probe := NewHealthyProbe("eth0", "br-lan")
	probe.GatewayErr = errors.New("no route")
	probe.ActionErrs = map[string]error{"restart:firewall": errors.New("init script failed")}
	m := newTestMonitor(probe, testConfig(), &sleep.Recorder{})

	attempt := m.ExecuteRecovery(context.Background())
	assert.False(t, attempt.Success)
	assert.Equal(t, model.NetworkCritical, attempt.After.OverallState)
	// 失败的动作不影响后续服务重启
	assert.Contains(t, probe.Actions(), "restart:dnsmasq")

	var failed []string
	for _, a := range attempt.Actions {
		if !a.Success {
			failed = append(failed, a.Name)
		}
	}
	assert.Equal(t, []string{"restart_service:firewall"}, failed)
}

func TestExecuteRecoveryCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newTestMonitor(NewHealthyProbe(), testConfig(), sleep.Real{})

	attempt := m.ExecuteRecovery(ctx)
	assert.False(t, attempt.Success)
	assert.Nil(t, attempt.After)
}

func TestWithServicesOrder(t *testing.T) {
	probe := NewHealthyProbe()
	cfg := testConfig()
	cfg.CriticalInterfaces = nil
	m := NewMonitor("r1", probe, cfg, WithLogger(logging.Discard()),
		WithSleeper(&sleep.Recorder{}), WithServices([]string{"dnsmasq", "network"}))
	m.ExecuteRecovery(context.Background())
	assert.Equal(t, []string{"restart:dnsmasq", "restart:network"}, probe.Actions())
}
