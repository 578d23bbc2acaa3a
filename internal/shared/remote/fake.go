package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"uci-fleet/internal/shared/model"
)

// ============================================================================
// FakeSession - 脚本化会话（测试用）
// ============================================================================

// FakeRule 命令匹配规则：命令包含 Contains 子串即命中，先注册先匹配
type FakeRule struct {
	Contains string
	Result   ExecResult
	Err      error
	// Times 剩余命中次数，0 表示不限
	Times int
}

// FakeSession 按规则返回命令结果，并记录执行过的命令
type FakeSession struct {
	mu         sync.Mutex
	DeviceID   string
	ConnectErr error
	Default    ExecResult
	Files      map[string][]byte
	rules      []*FakeRule
	commands   []string
	connected  bool
	connects   int
}

// NewFakeSession 创建默认全部成功的会话
func NewFakeSession(deviceID string) *FakeSession {
	return &FakeSession{DeviceID: deviceID, Files: make(map[string][]byte)}
}

// On 注册命令结果
func (f *FakeSession) On(contains string, res ExecResult, err error) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &FakeRule{Contains: contains, Result: res, Err: err})
	return f
}

// OnOnce 注册只命中 n 次的规则
func (f *FakeSession) OnOnce(contains string, n int, res ExecResult, err error) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &FakeRule{Contains: contains, Result: res, Err: err, Times: n})
	return f
}

// Fail 命令以退出码 1 失败
func (f *FakeSession) Fail(contains, stderr string) *FakeSession {
	return f.On(contains, ExecResult{ExitStatus: 1, Stderr: stderr}, nil)
}

func (f *FakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connected = true
	return nil
}

func (f *FakeSession) Execute(ctx context.Context, cmd string, timeout time.Duration) (ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return ExecResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ExecResult{}, fmt.Errorf("session %s not connected", f.DeviceID)
	}
	f.commands = append(f.commands, cmd)
	for _, r := range f.rules {
		if r.Times < 0 || !strings.Contains(cmd, r.Contains) {
			continue
		}
		if r.Times > 0 {
			r.Times--
			if r.Times == 0 {
				r.Times = -1
			}
		}
		return r.Result, r.Err
	}
	return f.Default, nil
}

func (f *FakeSession) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("session %s not connected", f.DeviceID)
	}
	f.Files[remotePath] = data
	f.commands = append(f.commands, "upload "+remotePath)
	return nil
}

func (f *FakeSession) Download(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.Files[remotePath]
	f.mu.Unlock()
	if !ok {
		data = []byte("backup:" + remotePath)
	}
	return io.Copy(w, bytes.NewReader(data))
}

func (f *FakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// Commands 返回已执行命令的副本
func (f *FakeSession) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Count 包含子串的已执行命令数
func (f *FakeSession) Count(contains string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.Contains(c, contains) {
			n++
		}
	}
	return n
}

// Ran 是否执行过包含子串的命令
func (f *FakeSession) Ran(contains string) bool {
	return f.Count(contains) > 0
}

var _ Session = (*FakeSession)(nil)

// ============================================================================
// FakeDialer
// ============================================================================

// FakeDialer 按设备 ID 返回 FakeSession，未注册的设备自动创建
type FakeDialer struct {
	mu       sync.Mutex
	sessions map[string]*FakeSession
	// Setup 新建会话时调用，用于统一注入规则
	Setup func(*FakeSession)
}

// NewFakeDialer 创建 FakeDialer
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{sessions: make(map[string]*FakeSession)}
}

// Session 获取（或创建）设备会话
func (d *FakeDialer) Session(deviceID string) *FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[deviceID]
	if !ok {
		s = NewFakeSession(deviceID)
		if d.Setup != nil {
			d.Setup(s)
		}
		d.sessions[deviceID] = s
	}
	return s
}

func (d *FakeDialer) Open(device *model.Device) (Session, error) {
	return d.Session(device.ID), nil
}

var _ Dialer = (*FakeDialer)(nil)
