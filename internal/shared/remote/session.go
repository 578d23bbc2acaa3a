// Package remote 定义设备远程会话抽象
//
// 编排器、健康检查、恢复引擎、漂移修复都只依赖 Session 接口：
//   - ssh 子包：基于 golang.org/x/crypto/ssh 的生产实现
//   - FakeSession：测试用脚本化实现
package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"uci-fleet/internal/shared/model"
)

// ExecResult 远程命令执行结果
type ExecResult struct {
	ExitStatus int    `json:"exit_status"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

// OK 退出码是否为 0
func (r ExecResult) OK() bool {
	return r.ExitStatus == 0
}

// Output 合并输出（stderr 优先，便于错误信息展示）
func (r ExecResult) Output() string {
	out := strings.TrimSpace(r.Stderr)
	if s := strings.TrimSpace(r.Stdout); s != "" {
		if out != "" {
			out += "\n"
		}
		out += s
	}
	return out
}

// Session 单台设备的远程会话
//
// Execute 只在传输层失败（连接断开、超时）时返回 error；
// 命令本身的非零退出码通过 ExecResult.ExitStatus 返回。
type Session interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath string, w io.Writer) (int64, error)
	Disconnect() error
}

// Dialer 为设备创建会话（未连接）
type Dialer interface {
	Open(device *model.Device) (Session, error)
}

// ExitError 命令以非零状态退出
type ExitError struct {
	Cmd    string
	Result ExecResult
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited %d: %s", e.Cmd, e.Result.ExitStatus, e.Result.Output())
}

// Run 执行命令，非零退出码也作为错误返回
func Run(ctx context.Context, s Session, cmd string, timeout time.Duration) (ExecResult, error) {
	res, err := s.Execute(ctx, cmd, timeout)
	if err != nil {
		return res, err
	}
	if !res.OK() {
		return res, &ExitError{Cmd: cmd, Result: res}
	}
	return res, nil
}

// Quote 单引号转义，用于拼接 shell 命令参数
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
