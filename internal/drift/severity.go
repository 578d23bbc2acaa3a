package drift

import (
	"uci-fleet/internal/shared/model"
)

// 文件关键程度
var (
	// 网络与防火墙：变更直接影响可达性
	criticalFiles = map[string]bool{"network": true, "firewall": true, "wireless": true}
	// 远程访问与系统
	highFiles = map[string]bool{"dropbear": true, "system": true, "sshd": true, "rpcd": true}
	// DHCP / DNS / Web 服务
	mediumFiles = map[string]bool{
		"dhcp": true, "dnsmasq": true, "odhcpd": true, "unbound": true,
		"uhttpd": true, "nginx": true, "luci": true,
	}
)

// classifyFile 按文件名与结构化差异给出严重级别
//
// 网络/防火墙文件出现段落增删时标记 escalated（在 Critical 档内进一步升级）。
func classifyFile(name string, diff model.FileDiff) (model.Severity, bool) {
	switch {
	case criticalFiles[name]:
		return model.SeverityCritical, (name == "network" || name == "firewall") && diff.Structural()
	case highFiles[name]:
		return model.SeverityHigh, false
	case mediumFiles[name]:
		return model.SeverityMedium, false
	}
	return model.SeverityLow, false
}

// maxSeverity 取较高者，空值视为最低
func maxSeverity(a, b model.Severity) model.Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
