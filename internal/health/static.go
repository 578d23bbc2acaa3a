package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// StaticProbe 返回预设结果的探测器（测试与 dry-run 用）
//
// 恢复动作记录在 Actions 中；OnRecover 在每次恢复动作后调用，
// 用于模拟"重启网络服务后恢复正常"，调用时已持有锁，回调内直接修改字段。
type StaticProbe struct {
	mu sync.Mutex

	LoopbackErr error
	GatewayAddr string
	GatewayPing PingResult
	GatewayErr  error
	DNSErrs     map[string]error
	DNSLatency  time.Duration
	ReachErrs   map[string]error
	ReachPing   PingResult
	Links       map[string]bool
	RouteTable  []string
	Nameservers []string
	ActionErrs  map[string]error
	OnRecover   func(p *StaticProbe, action string)

	actions []string
}

var _ SystemProbe = (*StaticProbe)(nil)

// NewHealthyProbe 所有测试都通过的探测器
func NewHealthyProbe(interfaces ...string) *StaticProbe {
	links := map[string]bool{"lo": true}
	for _, name := range interfaces {
		links[name] = true
	}
	return &StaticProbe{
		GatewayAddr: "192.168.1.1",
		GatewayPing: PingResult{RTT: 2 * time.Millisecond},
		DNSLatency:  15 * time.Millisecond,
		ReachPing:   PingResult{RTT: 20 * time.Millisecond},
		Links:       links,
		RouteTable:  []string{"default via 192.168.1.1 dev eth0", "192.168.1.0/24 dev br-lan"},
		Nameservers: []string{"192.168.1.1"},
	}
}

// Actions 已执行的恢复动作
func (p *StaticProbe) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.actions)
}

// Update 在锁内修改预设结果
func (p *StaticProbe) Update(fn func(p *StaticProbe)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *StaticProbe) Loopback(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return firstErr(ctx.Err(), p.LoopbackErr)
}

func (p *StaticProbe) Gateway(ctx context.Context, addr string) (string, PingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if addr == "" {
		addr = p.GatewayAddr
	}
	if addr == "" {
		return "", PingResult{}, errors.New("no default gateway")
	}
	if err := firstErr(ctx.Err(), p.GatewayErr); err != nil {
		return addr, PingResult{Loss: 100}, err
	}
	return addr, p.GatewayPing, nil
}

func (p *StaticProbe) ResolveDNS(ctx context.Context, domain string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DNSLatency, firstErr(ctx.Err(), p.DNSErrs[domain])
}

func (p *StaticProbe) Reach(ctx context.Context, host string) (PingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := firstErr(ctx.Err(), p.ReachErrs[host]); err != nil {
		return PingResult{Loss: 100}, err
	}
	return p.ReachPing, nil
}

func (p *StaticProbe) Interface(ctx context.Context, name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	up, ok := p.Links[name]
	if !ok {
		return false, fmt.Errorf("interface %s not found", name)
	}
	return up, nil
}

func (p *StaticProbe) Interfaces(ctx context.Context) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]bool, len(p.Links))
	for k, v := range p.Links {
		out[k] = v
	}
	return out, ctx.Err()
}

func (p *StaticProbe) Routes(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.RouteTable), ctx.Err()
}

func (p *StaticProbe) DNSServers(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Nameservers), ctx.Err()
}

func (p *StaticProbe) ResetInterface(ctx context.Context, name string) error {
	return p.act(ctx, "reset:"+name)
}

func (p *StaticProbe) RestartService(ctx context.Context, name string) error {
	return p.act(ctx, "restart:"+name)
}

func (p *StaticProbe) act(ctx context.Context, action string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	p.actions = append(p.actions, action)
	if err := p.ActionErrs[action]; err != nil {
		return err
	}
	if p.OnRecover != nil {
		p.OnRecover(p, action)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
