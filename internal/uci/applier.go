// Package uci 设备配置存储适配器
//
// 只负责把配置变更送到设备并提交、以及报告两个 UCI 文件之间的段落/选项差异；
// 配置文本的解析合并语义由设备上的 uci 工具负责。
package uci

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
)

// Target 配置下发目标：设备 ID 与已连接的会话
type Target struct {
	DeviceID    string
	OperationID string // 为空时随机生成，用于隔离同一设备上的并发下发
	Session     remote.Session
}

// ChangeSummary 一次下发的变更摘要
type ChangeSummary struct {
	Packages []string `json:"packages"`
	Commands int      `json:"commands"`
	Output   string   `json:"output,omitempty"`
}

// ConfigApplier 配置下发接口
type ConfigApplier interface {
	ApplyConfiguration(ctx context.Context, target Target, source string) (ChangeSummary, error)
	ValidateConfiguration(ctx context.Context, source string) ([]string, error)
}

// ReloadCommand 让各服务重新读取 /etc/config
const ReloadCommand = "reload_config"

// batchVerbs uci batch 支持的命令
var batchVerbs = []string{"set", "add", "add_list", "del_list", "delete", "rename", "reorder", "revert"}

// RemoteApplier 上传 uci batch 文件并在设备上执行 uci batch + uci commit
type RemoteApplier struct {
	// Timeout 单条远程命令超时
	Timeout time.Duration
	// Reload 提交后执行的重载命令，空字符串表示不重载
	Reload string
}

// NewRemoteApplier 创建 RemoteApplier
func NewRemoteApplier(timeout time.Duration) *RemoteApplier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RemoteApplier{Timeout: timeout, Reload: ReloadCommand}
}

var _ ConfigApplier = (*RemoteApplier)(nil)

// ValidateConfiguration 逐行检查 batch 文件，返回全部问题（空切片表示有效）
func (a *RemoteApplier) ValidateConfiguration(ctx context.Context, source string) ([]string, error) {
	_, problems, err := parseBatch(source)
	return problems, err
}

// ApplyConfiguration 下发配置
func (a *RemoteApplier) ApplyConfiguration(ctx context.Context, target Target, source string) (ChangeSummary, error) {
	packages, problems, err := parseBatch(source)
	if err != nil {
		return ChangeSummary{}, model.NewOpError(model.KindConfiguration, "apply", target.DeviceID, err)
	}
	if len(problems) > 0 {
		return ChangeSummary{}, &model.OpError{
			Kind: model.KindConfiguration, Type: "SyntaxError", Op: "apply", DeviceID: target.DeviceID,
			Message: "invalid batch: " + strings.Join(problems, "; "),
		}
	}

	remotePath := BatchPath(target.OperationID)
	if err := target.Session.Upload(ctx, source, remotePath); err != nil {
		return ChangeSummary{}, err
	}
	defer target.Session.Execute(context.WithoutCancel(ctx), "rm -f "+remote.Quote(remotePath), a.Timeout)

	summary := ChangeSummary{Packages: packages}
	res, err := remote.Run(ctx, target.Session, "uci batch < "+remote.Quote(remotePath), a.Timeout)
	if err != nil {
		target.Session.Execute(context.WithoutCancel(ctx), "uci revert", a.Timeout)
		return summary, asApplyError(target.DeviceID, "ParseError", err)
	}
	summary.Output = res.Stdout

	for _, pkg := range packages {
		if _, err := remote.Run(ctx, target.Session, "uci commit "+pkg, a.Timeout); err != nil {
			return summary, asApplyError(target.DeviceID, "CommitError", err)
		}
		summary.Commands++
	}
	if a.Reload != "" {
		if _, err := remote.Run(ctx, target.Session, a.Reload, a.Timeout); err != nil {
			return summary, asApplyError(target.DeviceID, "ServiceRestartError", err)
		}
	}
	return summary, nil
}

// asApplyError 命令非零退出归为配置/服务错误，传输层错误原样返回
func asApplyError(deviceID, typ string, err error) error {
	if _, ok := model.AsOpError(err); ok {
		return err
	}
	kind := model.KindConfiguration
	if typ == "ServiceRestartError" {
		kind = model.KindService
	}
	return &model.OpError{Kind: kind, Type: typ, Op: "apply", DeviceID: deviceID, Message: err.Error(), Err: err}
}

// parseBatch 解析 batch 文件，返回涉及的 package 列表和语法问题
func parseBatch(path string) ([]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	var packages, problems []string
	lineNo := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		verb, rest, _ := strings.Cut(line, " ")
		if !slices.Contains(batchVerbs, verb) {
			problems = append(problems, fmt.Sprintf("line %d: unknown command %q", lineNo, verb))
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			problems = append(problems, fmt.Sprintf("line %d: %s needs an argument", lineNo, verb))
			continue
		}
		pkg, _, _ := strings.Cut(rest, ".")
		pkg, _, _ = strings.Cut(pkg, "=")
		if pkg == "" {
			problems = append(problems, fmt.Sprintf("line %d: missing package name", lineNo))
			continue
		}
		if (verb == "set" || verb == "add_list" || verb == "del_list") && !strings.Contains(rest, "=") {
			problems = append(problems, fmt.Sprintf("line %d: %s requires key=value", lineNo, verb))
			continue
		}
		if !slices.Contains(packages, pkg) {
			packages = append(packages, pkg)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(packages) == 0 && len(problems) == 0 {
		problems = append(problems, "no uci commands found")
	}
	return packages, problems, nil
}

// BackupCommand 打包 /etc/config 到指定路径
func BackupCommand(path string) string {
	return "tar czf " + remote.Quote(path) + " -C / etc/config"
}

// ExtractCommand 解包备份覆盖 /etc/config，不重载
func ExtractCommand(path string) string {
	return "tar xzf " + remote.Quote(path) + " -C /"
}

// RestoreCommand 从备份恢复 /etc/config 并重载
func RestoreCommand(path string) string {
	return ExtractCommand(path) + " && " + ReloadCommand
}

// BatchPath 按操作 ID 生成设备上的批处理文件路径
func BatchPath(operationID string) string {
	if operationID == "" {
		operationID = uuid.NewString()
	}
	return "/tmp/uci-batch-" + operationID + ".txt"
}

// BackupPath 按操作 ID 生成备份文件路径
func BackupPath(dir, operationID string) string {
	if dir == "" {
		dir = "/tmp"
	}
	return strings.TrimRight(dir, "/") + "/uci-backup-" + operationID + ".tar.gz"
}
