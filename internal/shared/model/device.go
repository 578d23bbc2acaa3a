// Package model 定义核心数据模型
//
// device.go 包含受管设备相关的数据模型定义：
//   - Device：运行 UCI 配置存储的路由器设备
//   - DeviceState：设备状态枚举
//   - DeviceFilter：设备列表过滤条件
package model

import (
	"slices"
	"time"
)

// ============================================================================
// DeviceState - 设备状态
// ============================================================================

// DeviceState 表示受管设备的状态
//
// 设备生命周期：
//
//	unknown → healthy ⇄ degraded
//	             ↓  ↑
//	          updating → failed
//	             ↓
//	        unreachable
//
// 每次部署尝试和健康检查都会更新该状态。
type DeviceState string

const (
	// DeviceStateUnknown 未知：注册后尚未检查
	DeviceStateUnknown DeviceState = "unknown"

	// DeviceStateHealthy 健康：最近一次校验通过
	DeviceStateHealthy DeviceState = "healthy"

	// DeviceStateDegraded 降级：可达但存在非关键检查失败
	DeviceStateDegraded DeviceState = "degraded"

	// DeviceStateFailed 失败：最近一次部署或校验失败
	DeviceStateFailed DeviceState = "failed"

	// DeviceStateUnreachable 不可达：连接测试失败
	DeviceStateUnreachable DeviceState = "unreachable"

	// DeviceStateUpdating 更新中：正在执行部署步骤
	DeviceStateUpdating DeviceState = "updating"
)

// ============================================================================
// Device - 受管设备
// ============================================================================

// DeviceStats 设备累计部署统计
type DeviceStats struct {
	SuccessfulDeployments int `json:"successful_deployments" bson:"successful_deployments" yaml:"successful_deployments"`
	FailedDeployments     int `json:"failed_deployments" bson:"failed_deployments" yaml:"failed_deployments"`
}

// Device 表示一台受管路由器
//
// 字段说明：
//   - Address/Port：远程 shell 地址
//   - KeyRef：私钥文件路径或凭据引用（不保存明文密码）
//   - Groups：设备所属分组（用于部署目标解析）
//   - DeploymentOrder：滚动部署顺序，越小越先
type Device struct {
	ID              string      `json:"id" bson:"_id" yaml:"id"`
	Address         string      `json:"address" bson:"address" yaml:"address"`
	Port            int         `json:"port" bson:"port" yaml:"port"`
	User            string      `json:"user" bson:"user" yaml:"user"`
	KeyRef          string      `json:"key_ref,omitempty" bson:"key_ref,omitempty" yaml:"key_ref"`
	Groups          []string    `json:"groups,omitempty" bson:"groups,omitempty" yaml:"groups"`
	Environment     string      `json:"environment,omitempty" bson:"environment,omitempty" yaml:"environment"`
	DeploymentOrder int         `json:"deployment_order" bson:"deployment_order" yaml:"deployment_order"`
	State           DeviceState `json:"state" bson:"state" yaml:"-"`
	Stats           DeviceStats `json:"stats" bson:"stats" yaml:"-"`
	LastSeen        *time.Time  `json:"last_seen,omitempty" bson:"last_seen,omitempty" yaml:"-"`
	CreatedAt       time.Time   `json:"created_at" bson:"created_at" yaml:"-"`
	UpdatedAt       time.Time   `json:"updated_at" bson:"updated_at" yaml:"-"`
}

// InGroup 判断设备是否属于指定分组
func (d *Device) InGroup(group string) bool {
	return slices.Contains(d.Groups, group)
}

// Clone 深拷贝（注册表对外只返回副本）
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.Groups = slices.Clone(d.Groups)
	if d.LastSeen != nil {
		t := *d.LastSeen
		c.LastSeen = &t
	}
	return &c
}

// DeviceFilter 设备列表过滤条件，空字段表示不过滤
type DeviceFilter struct {
	Group       string
	Environment string
	State       DeviceState
}

// Match 判断设备是否满足过滤条件
func (f DeviceFilter) Match(d *Device) bool {
	if f.Group != "" && !d.InGroup(f.Group) {
		return false
	}
	if f.Environment != "" && d.Environment != f.Environment {
		return false
	}
	if f.State != "" && d.State != f.State {
		return false
	}
	return true
}
