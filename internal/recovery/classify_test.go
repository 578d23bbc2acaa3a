package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"uci-fleet/internal/shared/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		info     model.ErrorInfo
		severity model.Severity
		strategy model.RecoveryStrategy
		kind     model.ErrorKind
	}{
		{"connectivity kind", model.ErrorInfo{Type: "DialError", Kind: model.KindConnectivity}, model.SeverityCritical, model.StrategyImmediateRollback, model.KindConnectivity},
		{"service kind", model.ErrorInfo{Type: "ServiceRestartError", Kind: model.KindService}, model.SeverityHigh, model.StrategyGradualRollback, model.KindService},
		{"configuration kind", model.ErrorInfo{Type: "SyntaxError", Kind: model.KindConfiguration}, model.SeverityHigh, model.StrategyImmediateRollback, model.KindConfiguration},
		{"timeout kind", model.ErrorInfo{Kind: model.KindTimeout}, model.SeverityMedium, model.StrategyRetryWithBackoff, model.KindTimeout},
		{"resource kind", model.ErrorInfo{Kind: model.KindResource}, model.SeverityMedium, model.StrategyRetryWithBackoff, model.KindResource},
		{"drift kind", model.ErrorInfo{Kind: model.KindDrift}, model.SeverityMedium, model.StrategyManualIntervention, model.KindDrift},
		{"text network", model.ErrorInfo{Type: "*errors.errorString", Message: "Network is unreachable"}, model.SeverityCritical, model.StrategyImmediateRollback, model.KindConnectivity},
		{"text connection refused", model.ErrorInfo{Message: "dial tcp 10.0.0.1:22: connection refused"}, model.SeverityCritical, model.StrategyImmediateRollback, model.KindConnectivity},
		{"text service", model.ErrorInfo{Message: "failed to restart dnsmasq service"}, model.SeverityHigh, model.StrategyGradualRollback, model.KindService},
		{"text parse", model.ErrorInfo{Type: "ParseError", Message: "uci: Parse error (invalid command) at line 3"}, model.SeverityHigh, model.StrategyImmediateRollback, model.KindConfiguration},
		{"text syntax beats network", model.ErrorInfo{Message: "syntax error in /etc/config/network"}, model.SeverityHigh, model.StrategyImmediateRollback, model.KindConfiguration},
		{"text permission", model.ErrorInfo{Message: "open /etc/config/x: permission denied"}, model.SeverityMedium, model.StrategyRetryWithBackoff, model.KindResource},
		{"text timeout", model.ErrorInfo{Message: "command timed out after 30s"}, model.SeverityMedium, model.StrategyRetryWithBackoff, model.KindTimeout},
		{"unrecognized fails open", model.ErrorInfo{Type: "Weird", Message: "something odd"}, model.SeverityMedium, model.StrategyRetryWithBackoff, model.KindUnclassified},
		{"unclassified kind uses text", model.ErrorInfo{Kind: model.KindUnclassified, Message: "no route to host"}, model.SeverityCritical, model.StrategyImmediateRollback, model.KindConnectivity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.info)
			assert.Equal(t, tt.severity, c.Severity)
			assert.Equal(t, tt.strategy, c.Strategy)
			assert.Equal(t, tt.kind, c.Kind)
		})
	}
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "ParseError", errorType(model.ErrorInfo{Type: "ParseError", Kind: model.KindConfiguration}))
	assert.Equal(t, "service", errorType(model.ErrorInfo{Kind: model.KindService}))
	assert.Equal(t, "unclassified", errorType(model.ErrorInfo{}))
}
