package recovery

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// neverReset 打开后不会自动进入半开状态，只能由操作员重置
const neverReset = 100 * 365 * 24 * time.Hour

var errRecorded = errors.New("recorded failure")

// BreakerStatus 单个错误类型的熔断状态
type BreakerStatus struct {
	Type string `json:"type"`
	// Total 自进程启动以来的累计次数，重置熔断器不清零
	Total int `json:"total"`
	// Current 当前熔断器窗口内的失败次数
	Current int  `json:"current"`
	Open    bool `json:"open"`
}

// breakers 按错误类型维护的熔断器
type breakers struct {
	threshold uint32
	onChange  func(errType string, open bool)

	mu     sync.Mutex
	set    map[string]*gobreaker.CircuitBreaker
	totals map[string]int
}

func newBreakers(threshold int, onChange func(string, bool)) *breakers {
	if threshold <= 0 {
		threshold = 5
	}
	return &breakers{
		threshold: uint32(threshold),
		onChange:  onChange,
		set:       make(map[string]*gobreaker.CircuitBreaker),
		totals:    make(map[string]int),
	}
}

func (b *breakers) newBreaker(errType string) *gobreaker.CircuitBreaker {
	threshold := b.threshold
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        errType,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     neverReset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.TotalFailures >= threshold
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if b.onChange != nil {
				b.onChange(name, to == gobreaker.StateOpen)
			}
		},
	})
}

func (b *breakers) get(errType string) *gobreaker.CircuitBreaker {
	cb, ok := b.set[errType]
	if !ok {
		cb = b.newBreaker(errType)
		b.set[errType] = cb
	}
	return cb
}

// record 记录一次失败，返回累计次数与记录前熔断器是否已打开
//
// 第 threshold 次失败照常处理并使熔断器打开，之后的失败走熔断路径。
// 状态检查与失败记录在同一把锁内完成，onChange 不得回调 breakers。
func (b *breakers) record(errType string) (total int, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totals[errType]++
	total = b.totals[errType]
	cb := b.get(errType)

	if cb.State() == gobreaker.StateOpen {
		return total, true
	}
	if _, err := cb.Execute(func() (interface{}, error) { return nil, errRecorded }); errors.Is(err, gobreaker.ErrOpenState) {
		return total, true
	}
	return total, false
}

// reset 以新实例替换熔断器，未出现过的错误类型返回 false
func (b *breakers) reset(errType string) bool {
	b.mu.Lock()
	_, known := b.totals[errType]
	if known {
		b.set[errType] = b.newBreaker(errType)
	}
	b.mu.Unlock()
	if known && b.onChange != nil {
		b.onChange(errType, false)
	}
	return known
}

func (b *breakers) resetAll() {
	b.mu.Lock()
	types := make([]string, 0, len(b.totals))
	for t := range b.totals {
		types = append(types, t)
	}
	b.mu.Unlock()
	for _, t := range types {
		b.reset(t)
	}
}

func (b *breakers) status() []BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerStatus, 0, len(b.totals))
	for t, total := range b.totals {
		st := BreakerStatus{Type: t, Total: total}
		if cb, ok := b.set[t]; ok {
			st.Current = int(cb.Counts().TotalFailures)
			st.Open = cb.State() == gobreaker.StateOpen
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// seed 用重放得到的计数初始化熔断器
func (b *breakers) seed(totals, current map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, n := range totals {
		b.totals[t] = max(b.totals[t], n)
	}
	for t, n := range current {
		cb := b.get(t)
		for i := 0; i < n && cb.State() != gobreaker.StateOpen; i++ {
			_, _ = cb.Execute(func() (interface{}, error) { return nil, errRecorded })
		}
	}
}
