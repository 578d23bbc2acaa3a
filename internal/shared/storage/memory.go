// Package storage 提供存储层抽象
//
// memory.go 提供内存实现，用于测试和 --db=memory 运行
package storage

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storagetypes"
)

// MemoryStore 内存版 PersistentStore
//
// 所有读写都经过 JSON 深拷贝，调用方拿到的对象与存储内部状态互不影响。
type MemoryStore struct {
	mu          sync.RWMutex
	devices     map[string]*model.Device
	groups      map[string][]string
	deployments map[string][]byte
	deployOrder []string
	audit       []*model.AuditEvent
	baselines   []*model.Baseline
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:     make(map[string]*model.Device),
		groups:      make(map[string][]string),
		deployments: make(map[string][]byte),
	}
}

var _ PersistentStore = (*MemoryStore)(nil)

// Close 关闭存储
func (s *MemoryStore) Close() error { return nil }

// ============================================================================
// DeviceStore
// ============================================================================

func (s *MemoryStore) UpsertDevice(_ context.Context, device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.ID] = device.Clone()
	return nil
}

func (s *MemoryStore) GetDevice(_ context.Context, id string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) ListDevices(_ context.Context) ([]*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeploymentOrder != out[j].DeploymentOrder {
			return out[i].DeploymentOrder < out[j].DeploymentOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteDevice(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return ErrNotFound
	}
	delete(s.devices, id)
	return nil
}

func (s *MemoryStore) SaveGroup(_ context.Context, name string, deviceIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[name] = slices.Clone(deviceIDs)
	return nil
}

func (s *MemoryStore) ListGroups(_ context.Context) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.groups))
	for k, v := range s.groups {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

// ============================================================================
// DeploymentStore
// ============================================================================

func (s *MemoryStore) SaveDeployment(_ context.Context, d *model.Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.deployments[d.ID]; ok {
		var existing model.Deployment
		if err := json.Unmarshal(prev, &existing); err == nil && existing.Phase.IsTerminal() {
			return ErrConflict
		}
	} else {
		s.deployOrder = append(s.deployOrder, d.ID)
	}
	s.deployments[d.ID] = data
	return nil
}

func (s *MemoryStore) GetDeployment(_ context.Context, id string) (*model.Deployment, error) {
	s.mu.RLock()
	data, ok := s.deployments[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var d model.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MemoryStore) ListDeployments(ctx context.Context, limit int) ([]*model.Deployment, error) {
	limit = storagetypes.NormalizeLimit(limit)
	s.mu.RLock()
	ids := slices.Clone(s.deployOrder)
	s.mu.RUnlock()

	var out []*model.Deployment
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		d, err := s.GetDeployment(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ============================================================================
// AuditStore
// ============================================================================

func (s *MemoryStore) AppendAudit(_ context.Context, event *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.audit {
		if e.ID == event.ID {
			return ErrDuplicate
		}
	}
	c := *event
	c.Payload = slices.Clone(event.Payload)
	s.audit = append(s.audit, &c)
	return nil
}

func (s *MemoryStore) ListAudit(_ context.Context, kind model.AuditKind, limit int) ([]*model.AuditEvent, error) {
	limit = storagetypes.NormalizeLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.AuditEvent
	for _, e := range s.audit {
		if kind != "" && e.Kind != kind {
			continue
		}
		c := *e
		out = append(out, &c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ============================================================================
// BaselineStore
// ============================================================================

func (s *MemoryStore) SaveBaseline(_ context.Context, b *model.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines = append(s.baselines, cloneBaseline(b))
	return nil
}

func (s *MemoryStore) GetBaseline(_ context.Context, scope string) (*model.Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.baselines) - 1; i >= 0; i-- {
		if s.baselines[i].Scope == scope {
			return cloneBaseline(s.baselines[i]), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListBaselineHistory(_ context.Context, scope string, limit int) ([]*model.Baseline, error) {
	limit = storagetypes.NormalizeLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Baseline
	for i := len(s.baselines) - 1; i >= 0 && len(out) < limit; i-- {
		if s.baselines[i].Scope == scope {
			out = append(out, cloneBaseline(s.baselines[i]))
		}
	}
	return out, nil
}

func cloneBaseline(b *model.Baseline) *model.Baseline {
	c := *b
	c.Files = make(map[string]model.FileBaseline, len(b.Files))
	for k, v := range b.Files {
		c.Files[k] = v
	}
	return &c
}
