// Package health 单台设备的网络健康监控
//
// Monitor 运行一组有时限的网络测试（回环、网关、DNS、外网、关键接口、路由），
// 汇总为 NetworkState，并在状态过差时执行接口重置 + 服务重启的自动恢复。
// 所有测量都通过 SystemProbe 完成，测试时替换为 StaticProbe。
package health

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"uci-fleet/internal/shared/remote"
)

// PingResult 一次 ping 的汇总
type PingResult struct {
	RTT  time.Duration
	Loss float64 // 0-100
}

// SystemProbe 网络测量与恢复动作
type SystemProbe interface {
	Loopback(ctx context.Context) error
	// Gateway addr 为空时从路由表探测默认网关，返回实际使用的地址
	Gateway(ctx context.Context, addr string) (string, PingResult, error)
	ResolveDNS(ctx context.Context, domain string) (time.Duration, error)
	Reach(ctx context.Context, host string) (PingResult, error)
	// Interface 接口不存在时返回错误
	Interface(ctx context.Context, name string) (up bool, err error)
	Interfaces(ctx context.Context) (map[string]bool, error)
	Routes(ctx context.Context) ([]string, error)
	DNSServers(ctx context.Context) ([]string, error)
	ResetInterface(ctx context.Context, name string) error
	RestartService(ctx context.Context, name string) error
}

// ============================================================================
// CommandProbe - 基于 shell 命令的探测
// ============================================================================

type runFunc func(ctx context.Context, cmd string, timeout time.Duration) (remote.ExecResult, error)

// CommandProbe 通过 ping / ip / nslookup 等命令测量
type CommandProbe struct {
	run     runFunc
	timeout time.Duration
}

var _ SystemProbe = (*CommandProbe)(nil)

// NewLocalProbe 在本机执行命令
func NewLocalProbe(timeout time.Duration) *CommandProbe {
	return &CommandProbe{run: runLocal, timeout: normalizeTimeout(timeout)}
}

// NewRemoteProbe 通过远程会话在设备上执行命令
func NewRemoteProbe(session remote.Session, timeout time.Duration) *CommandProbe {
	return &CommandProbe{run: session.Execute, timeout: normalizeTimeout(timeout)}
}

func normalizeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func runLocal(ctx context.Context, cmd string, timeout time.Duration) (remote.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()

	res := remote.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitStatus = exitErr.ExitCode()
	default:
		return res, err
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func (p *CommandProbe) exec(ctx context.Context, cmd string) (string, error) {
	res, err := p.run(ctx, cmd, p.timeout)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return res.Stdout, &remote.ExitError{Cmd: cmd, Result: res}
	}
	return res.Stdout, nil
}

var (
	lossRe    = regexp.MustCompile(`([\d.]+)% packet loss`)
	rttRe     = regexp.MustCompile(`= [\d.]+/([\d.]+)/`)
	gatewayRe = regexp.MustCompile(`default via (\S+)`)

	serviceNameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// parsePing 解析 busybox / iputils 的 ping 汇总行
func parsePing(out string) PingResult {
	var r PingResult
	if m := lossRe.FindStringSubmatch(out); m != nil {
		r.Loss, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := rttRe.FindStringSubmatch(out); m != nil {
		ms, _ := strconv.ParseFloat(m[1], 64)
		r.RTT = time.Duration(ms * float64(time.Millisecond))
	}
	return r
}

func (p *CommandProbe) ping(ctx context.Context, host string, count int) (PingResult, error) {
	out, err := p.exec(ctx, fmt.Sprintf("ping -c %d -W 2 %s", count, remote.Quote(host)))
	r := parsePing(out)
	if err != nil {
		if out != "" {
			r.Loss = 100
		}
		return r, fmt.Errorf("ping %s: %w", host, err)
	}
	return r, nil
}

func (p *CommandProbe) Loopback(ctx context.Context) error {
	_, err := p.ping(ctx, "127.0.0.1", 1)
	return err
}

func (p *CommandProbe) Gateway(ctx context.Context, addr string) (string, PingResult, error) {
	if addr == "" {
		out, err := p.exec(ctx, "ip route show default")
		if err != nil {
			return "", PingResult{}, err
		}
		m := gatewayRe.FindStringSubmatch(out)
		if m == nil {
			return "", PingResult{}, errors.New("no default gateway")
		}
		addr = m[1]
	}
	r, err := p.ping(ctx, addr, 3)
	return addr, r, err
}

func (p *CommandProbe) ResolveDNS(ctx context.Context, domain string) (time.Duration, error) {
	start := time.Now()
	if _, err := p.exec(ctx, "nslookup "+remote.Quote(domain)); err != nil {
		return time.Since(start), fmt.Errorf("resolve %s: %w", domain, err)
	}
	return time.Since(start), nil
}

func (p *CommandProbe) Reach(ctx context.Context, host string) (PingResult, error) {
	return p.ping(ctx, host, 2)
}

// parseLinks 解析 `ip -o link show` 输出为 name → up
func parseLinks(out string) map[string]bool {
	links := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		flags := strings.Trim(fields[2], "<>")
		up := false
		for _, f := range strings.Split(flags, ",") {
			if f == "UP" {
				up = true
			}
		}
		links[name] = up
	}
	return links
}

func (p *CommandProbe) Interface(ctx context.Context, name string) (bool, error) {
	out, err := p.exec(ctx, "ip -o link show dev "+remote.Quote(name))
	if err != nil {
		return false, fmt.Errorf("interface %s: %w", name, err)
	}
	up, ok := parseLinks(out)[name]
	if !ok {
		return false, fmt.Errorf("interface %s not found", name)
	}
	return up, nil
}

func (p *CommandProbe) Interfaces(ctx context.Context) (map[string]bool, error) {
	out, err := p.exec(ctx, "ip -o link show")
	if err != nil {
		return nil, err
	}
	return parseLinks(out), nil
}

func (p *CommandProbe) Routes(ctx context.Context) ([]string, error) {
	out, err := p.exec(ctx, "ip route show")
	if err != nil {
		return nil, err
	}
	return nonEmptyLines(out), nil
}

func (p *CommandProbe) DNSServers(ctx context.Context) ([]string, error) {
	out, err := p.exec(ctx, "cat /tmp/resolv.conf.d/resolv.conf.auto /etc/resolv.conf 2>/dev/null; true")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var servers []string
	for _, line := range nonEmptyLines(out) {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "nameserver" && !seen[fields[1]] {
			seen[fields[1]] = true
			servers = append(servers, fields[1])
		}
	}
	return servers, nil
}

func (p *CommandProbe) ResetInterface(ctx context.Context, name string) error {
	q := remote.Quote(name)
	_, err := p.exec(ctx, fmt.Sprintf("ip link set dev %s down && sleep 1 && ip link set dev %s up", q, q))
	return err
}

func (p *CommandProbe) RestartService(ctx context.Context, name string) error {
	if !serviceNameRe.MatchString(name) {
		return fmt.Errorf("invalid service name %q", name)
	}
	_, err := p.exec(ctx, fmt.Sprintf("/etc/init.d/%s restart", name))
	return err
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
