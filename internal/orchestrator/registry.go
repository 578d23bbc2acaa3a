package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/storage"
)

// ErrUnknownDevice 目标中引用了未注册的设备或分组
var ErrUnknownDevice = errors.New("unknown device")

// Registry 设备注册表
//
// 读多写一：同一设备的更新在该设备的写锁下串行，不同设备互不阻塞。
type Registry struct {
	store storage.DeviceStore

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewRegistry 创建注册表
func NewRegistry(store storage.DeviceStore) *Registry {
	return &Registry{store: store, locks: make(map[string]*sync.RWMutex)}
}

func (r *Registry) lock(id string) *sync.RWMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		r.locks[id] = l
	}
	return l
}

// RegisterDevice 注册或更新设备的静态信息，保留已有的状态与统计
func (r *Registry) RegisterDevice(ctx context.Context, d *model.Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}
	if d.Address == "" {
		return fmt.Errorf("device %s: address is required", d.ID)
	}
	l := r.lock(d.ID)
	l.Lock()
	defer l.Unlock()

	now := time.Now()
	c := d.Clone()
	if c.Port == 0 {
		c.Port = 22
	}
	existing, err := r.store.GetDevice(ctx, d.ID)
	switch {
	case err == nil:
		c.State = existing.State
		c.Stats = existing.Stats
		c.LastSeen = existing.LastSeen
		c.CreatedAt = existing.CreatedAt
	case errors.Is(err, storage.ErrNotFound):
		c.State = model.DeviceStateUnknown
		c.CreatedAt = now
	default:
		return err
	}
	c.UpdatedAt = now
	return r.store.UpsertDevice(ctx, c)
}

// RemoveDevice 显式移除设备
func (r *Registry) RemoveDevice(ctx context.Context, id string) error {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	return r.store.DeleteDevice(ctx, id)
}

// GetDevice 获取设备副本
func (r *Registry) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	l := r.lock(id)
	l.RLock()
	defer l.RUnlock()
	d, err := r.store.GetDevice(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return d, err
}

// ListDevices 按部署顺序列出满足过滤条件的设备
func (r *Registry) ListDevices(ctx context.Context, filter model.DeviceFilter) ([]*model.Device, error) {
	all, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if filter.Match(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Update 在设备写锁下读取、修改并保存
func (r *Registry) Update(ctx context.Context, id string, fn func(d *model.Device)) error {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	d, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	fn(d)
	d.UpdatedAt = time.Now()
	return r.store.UpsertDevice(ctx, d)
}

// SetState 更新设备状态，seen 为 true 时同时刷新 LastSeen
func (r *Registry) SetState(ctx context.Context, id string, state model.DeviceState, seen bool) error {
	return r.Update(ctx, id, func(d *model.Device) {
		d.State = state
		if seen {
			now := time.Now()
			d.LastSeen = &now
		}
	})
}

// SaveGroup 保存命名分组
func (r *Registry) SaveGroup(ctx context.Context, name string, deviceIDs []string) error {
	return r.store.SaveGroup(ctx, name, deviceIDs)
}

// Groups 命名分组
func (r *Registry) Groups(ctx context.Context) (map[string][]string, error) {
	return r.store.ListGroups(ctx)
}

// ResolveTargets 解析部署目标：DeviceIDs ∪ 分组成员 − Exclude，按部署顺序排列
//
// 分组成员包括命名分组中的设备和 Groups 标签包含该分组的设备。
func (r *Registry) ResolveTargets(ctx context.Context, cfg model.DeploymentConfig) ([]*model.Device, error) {
	all, err := r.store.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Device, len(all))
	for _, d := range all {
		byID[d.ID] = d
	}

	selected := make(map[string]bool)
	for _, id := range cfg.DeviceIDs {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
		}
		selected[id] = true
	}
	if len(cfg.Groups) > 0 {
		named, err := r.store.ListGroups(ctx)
		if err != nil {
			return nil, err
		}
		for _, g := range cfg.Groups {
			members, found := named[g]
			for _, id := range members {
				if _, ok := byID[id]; ok {
					selected[id] = true
				}
			}
			for _, d := range all {
				if d.InGroup(g) {
					selected[d.ID] = true
					found = true
				}
			}
			if !found {
				return nil, fmt.Errorf("%w: group %s has no members", ErrUnknownDevice, g)
			}
		}
	}
	for _, id := range cfg.Exclude {
		delete(selected, id)
	}

	out := make([]*model.Device, 0, len(selected))
	for id := range selected {
		out = append(out, byID[id])
	}
	sortByOrder(out)
	return out, nil
}

func sortByOrder(devices []*model.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].DeploymentOrder != devices[j].DeploymentOrder {
			return devices[i].DeploymentOrder < devices[j].DeploymentOrder
		}
		return devices[i].ID < devices[j].ID
	})
}

// ============================================================================
// 设备清单
// ============================================================================

// Inventory 设备清单文件
//
//	devices:
//	  - id: router-1
//	    address: 10.0.0.1
//	    groups: [branch, standby]
//	    deployment_order: 1
//	groups:
//	  branch: [router-1, router-2]
type Inventory struct {
	Devices []*model.Device     `yaml:"devices"`
	Groups  map[string][]string `yaml:"groups"`
}

// LoadInventory 读取 YAML 设备清单
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	seen := make(map[string]bool, len(inv.Devices))
	for i, d := range inv.Devices {
		if d == nil || d.ID == "" {
			return nil, fmt.Errorf("inventory %s: device #%d has no id", path, i+1)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("inventory %s: duplicate device %s", path, d.ID)
		}
		seen[d.ID] = true
	}
	for g, members := range inv.Groups {
		for _, id := range members {
			if !seen[id] {
				return nil, fmt.Errorf("inventory %s: group %s references unknown device %s", path, g, id)
			}
		}
	}
	return &inv, nil
}

// Import 把清单写入注册表
func (r *Registry) Import(ctx context.Context, inv *Inventory) error {
	for _, d := range inv.Devices {
		if err := r.RegisterDevice(ctx, d); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(inv.Groups))
	for g := range inv.Groups {
		names = append(names, g)
	}
	slices.Sort(names)
	for _, g := range names {
		if err := r.SaveGroup(ctx, g, inv.Groups[g]); err != nil {
			return err
		}
	}
	return nil
}
