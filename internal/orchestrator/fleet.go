package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"uci-fleet/internal/shared/eventbus"
	"uci-fleet/internal/shared/model"
)

// CheckFleetHealth 检查全部已注册设备并汇总舰队健康度
//
// 无法连接的设备计为 unreachable；每台设备的状态同步写回注册表。
func (o *Orchestrator) CheckFleetHealth(ctx context.Context) (*model.FleetHealthStatus, error) {
	devices, err := o.registry.ListDevices(ctx, model.DeviceFilter{})
	if err != nil {
		return nil, err
	}

	fleet := &model.FleetHealthStatus{
		Timestamp: time.Now(),
		Total:     len(devices),
		Devices:   make(map[string]*model.HealthStatus, len(devices)),
	}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(o.cfg.ParallelLimit, 1))
	for _, dev := range devices {
		g.Go(func() error {
			status, err := o.DeviceHealth(ctx, dev)
			state := deviceStateFor(status, err)
			if err != nil {
				o.logger.Warn("Device unreachable", "device_id", dev.ID, "error", err)
			}
			if err := o.registry.SetState(context.WithoutCancel(ctx), dev.ID, state, err == nil); err != nil {
				o.logger.Warn("Failed to update device state", "device_id", dev.ID, "error", err)
			}

			mu.Lock()
			defer mu.Unlock()
			fleet.Devices[dev.ID] = status
			switch state {
			case model.DeviceStateHealthy:
				fleet.Healthy++
			case model.DeviceStateDegraded:
				fleet.Degraded++
			case model.DeviceStateUnreachable:
				fleet.Unreachable++
			default:
				fleet.Failed++
			}
			return nil
		})
	}
	g.Wait()

	if fleet.Total > 0 {
		fleet.HealthyPercent = float64(fleet.Healthy) / float64(fleet.Total) * 100
	}
	fleet.Rating = model.RateFleet(fleet.HealthyPercent)
	o.metrics.SetFleetHealthy(fleet.HealthyPercent)

	o.logger.Info("Fleet health",
		"total", fleet.Total,
		"healthy", fleet.Healthy,
		"degraded", fleet.Degraded,
		"failed", fleet.Failed,
		"unreachable", fleet.Unreachable,
		"rating", fleet.Rating,
	)
	o.publish(ctx, &eventbus.FleetEvent{
		Type: eventbus.EventHealthStatus,
		Data: map[string]any{
			"total":           fleet.Total,
			"healthy":         fleet.Healthy,
			"healthy_percent": fleet.HealthyPercent,
			"rating":          string(fleet.Rating),
		},
	})
	return fleet, nil
}

// deviceStateFor 把一轮健康检查映射为设备状态
func deviceStateFor(status *model.HealthStatus, err error) model.DeviceState {
	switch {
	case err != nil:
		return model.DeviceStateUnreachable
	case status.OverallState == model.NetworkHealthy:
		return model.DeviceStateHealthy
	case status.OverallState == model.NetworkDegraded:
		return model.DeviceStateDegraded
	default:
		return model.DeviceStateFailed
	}
}
