package drift

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"uci-fleet/internal/config"
	"uci-fleet/internal/drift/gitstore"
	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/internal/uci"
)

// SourceOpener 为 scope 打开配置数据源，release 在用完后调用
type SourceOpener func(ctx context.Context, scope string) (src FileSource, release func(), err error)

// LocalSources 本机目录
func LocalSources(dir, reloadCmd string) SourceOpener {
	return func(context.Context, string) (FileSource, func(), error) {
		return NewDirSource(dir, reloadCmd), func() {}, nil
	}
}

// SessionSources LocalScope 使用本机目录，其余 scope 视为设备 ID 走远程会话
func SessionSources(sessions SessionAcquirer, dir string, timeout time.Duration) SourceOpener {
	return func(ctx context.Context, scope string) (FileSource, func(), error) {
		if scope == LocalScope {
			return NewDirSource(dir, ""), func() {}, nil
		}
		s, release, err := sessions.Acquire(ctx, scope)
		if err != nil {
			return nil, nil, err
		}
		return NewRemoteSource(s, dir, uci.ReloadCommand, timeout), release, nil
	}
}

// Manager 按 scope 管理 Tracker，每个 scope 一个版本库目录 VersionDir/<scope>
type Manager struct {
	cfg       config.DriftConfig
	baselines storage.BaselineStore
	opener    SourceOpener
	opts      []Option

	mu     sync.Mutex
	stores map[string]*gitstore.Store
	locks  map[string]*sync.Mutex
}

// NewManager 创建 Manager，opts 应用于它创建的每个 Tracker
func NewManager(cfg config.DriftConfig, baselines storage.BaselineStore, opener SourceOpener, opts ...Option) *Manager {
	return &Manager{
		cfg:       cfg,
		baselines: baselines,
		opener:    opener,
		opts:      opts,
		stores:    make(map[string]*gitstore.Store),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Open 打开 scope 的 Tracker；同一 scope 的 Tracker 共享写锁
func (m *Manager) Open(ctx context.Context, scope string) (*Tracker, func(), error) {
	if scope == "" {
		scope = LocalScope
	}
	if err := validName(scope); err != nil {
		return nil, nil, err
	}
	store, lock, err := m.store(scope)
	if err != nil {
		return nil, nil, err
	}
	src, release, err := m.opener(ctx, scope)
	if err != nil {
		return nil, nil, fmt.Errorf("open config source for %s: %w", scope, err)
	}
	opts := append(append([]Option{}, m.opts...), withLock(lock))
	t, err := NewTracker(scope, src, store, m.baselines, m.cfg, opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return t, release, nil
}

func (m *Manager) store(scope string) (*gitstore.Store, *sync.Mutex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[scope]; ok {
		return s, m.locks[scope], nil
	}
	s, err := gitstore.Open(filepath.Join(m.cfg.VersionDir, scope), uci.SectionDiffer{})
	if err != nil {
		return nil, nil, err
	}
	m.stores[scope] = s
	m.locks[scope] = &sync.Mutex{}
	return s, m.locks[scope], nil
}

// Rebaseline 部署成功后重新捕获设备基线
func (m *Manager) Rebaseline(ctx context.Context, scope, message string) (*model.Baseline, error) {
	t, release, err := m.Open(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer release()
	return t.CaptureBaseline(ctx, message)
}

// Detect 打开 scope 并检测漂移
func (m *Manager) Detect(ctx context.Context, scope string) (*model.DriftReport, error) {
	t, release, err := m.Open(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer release()
	return t.DetectDrift(ctx)
}
