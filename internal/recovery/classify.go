// Package recovery 错误分类与自动恢复
//
// Engine.HandleError 的处理流程：
//  1. Classify 按错误类别（其次按文本）得出严重级别与恢复策略
//  2. 按错误类型累计熔断计数，熔断器打开时强制走熔断路径
//  3. 执行策略：立即回滚 / 逐步回滚 / 退避重试 / 人工介入
//  4. 串行写入两条审计：错误记录 + 恢复结果
package recovery

import (
	"strings"

	"uci-fleet/internal/shared/model"
)

// Classification 分类结果
type Classification struct {
	Kind     model.ErrorKind
	Severity model.Severity
	Strategy model.RecoveryStrategy
}

// 按类别的默认处置
var kindPolicy = map[model.ErrorKind]Classification{
	model.KindConnectivity:  {model.KindConnectivity, model.SeverityCritical, model.StrategyImmediateRollback},
	model.KindService:       {model.KindService, model.SeverityHigh, model.StrategyGradualRollback},
	model.KindConfiguration: {model.KindConfiguration, model.SeverityHigh, model.StrategyImmediateRollback},
	model.KindResource:      {model.KindResource, model.SeverityMedium, model.StrategyRetryWithBackoff},
	model.KindTimeout:       {model.KindTimeout, model.SeverityMedium, model.StrategyRetryWithBackoff},
	// 漂移由漂移修复流程处理，自动回滚会覆盖操作员的现场改动
	model.KindDrift: {model.KindDrift, model.SeverityMedium, model.StrategyManualIntervention},
}

// 文本匹配规则，按顺序匹配，先命中者生效
var textRules = []struct {
	kind     model.ErrorKind
	patterns []string
}{
	{model.KindConfiguration, []string{"syntax", "parse", "invalid config", "uci: invalid"}},
	{model.KindService, []string{"service", "restart", "init.d", "procd"}},
	{model.KindConnectivity, []string{"network", "connection", "connect", "unreachable", "no route", "refused", "dial", "handshake", "eof"}},
	{model.KindTimeout, []string{"timeout", "timed out", "deadline"}},
	{model.KindResource, []string{"permission", "denied", "no space", "filesystem", "read-only", "disk", "memory"}},
}

// Classify 分类错误
//
// 有明确类别时按类别处置；否则在类型名和消息中匹配关键字；
// 都不匹配时按 medium + 退避重试处理。
func Classify(info model.ErrorInfo) Classification {
	if c, ok := kindPolicy[info.Kind]; ok {
		return c
	}
	text := strings.ToLower(info.Type + " " + info.Message)
	for _, rule := range textRules {
		for _, p := range rule.patterns {
			if strings.Contains(text, p) {
				return kindPolicy[rule.kind]
			}
		}
	}
	return Classification{model.KindUnclassified, model.SeverityMedium, model.StrategyRetryWithBackoff}
}

// errorType 熔断计数使用的键
func errorType(info model.ErrorInfo) string {
	if info.Type != "" {
		return info.Type
	}
	if info.Kind != "" {
		return string(info.Kind)
	}
	return string(model.KindUnclassified)
}
