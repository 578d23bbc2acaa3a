package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"uci-fleet/internal/shared/model"
	"uci-fleet/internal/shared/remote"
)

// 预检项名称
const (
	CheckConnectivity = "connectivity"
	CheckConfig       = "config"
	CheckResources    = "resources"
	CheckBackup       = "backup"
)

// PreflightChecks 支持的预检项
var PreflightChecks = []string{CheckConnectivity, CheckConfig, CheckResources, CheckBackup}

// ErrPreflight 预检未通过
var ErrPreflight = errors.New("preflight failed")

// preflight 运行配置的预检项，任一失败时返回错误且不改动任何设备
//
// config 只检查一次；其余项逐台设备检查，设备之间并发执行。
func (r *run) preflight(ctx context.Context, devices []*model.Device) error {
	checks := r.cfg.PreflightChecks
	var problems []string
	if slices.Contains(checks, CheckConfig) {
		issues, err := r.o.applier.ValidateConfiguration(ctx, r.cfg.Source)
		if err != nil {
			problems = append(problems, "config: "+err.Error())
		}
		for _, issue := range issues {
			problems = append(problems, "config: "+issue)
		}
	}

	perDevice := slices.DeleteFunc(slices.Clone(checks), func(c string) bool { return c == CheckConfig })
	if len(perDevice) > 0 {
		var mu sync.Mutex
		var g errgroup.Group
		g.SetLimit(max(r.cfg.ParallelLimit, 1))
		for _, dev := range devices {
			g.Go(func() error {
				if err := r.o.checkDevice(ctx, dev, perDevice); err != nil {
					mu.Lock()
					problems = append(problems, dev.ID+": "+err.Error())
					mu.Unlock()
				}
				return nil
			})
		}
		g.Wait()
	}

	if len(problems) > 0 {
		slices.Sort(problems)
		return fmt.Errorf("%w: %s", ErrPreflight, strings.Join(problems, "; "))
	}
	r.log.Info("Preflight passed", "checks", strings.Join(checks, ","), "devices", len(devices))
	return nil
}

// checkDevice 对单台设备运行预检，只执行只读命令
func (o *Orchestrator) checkDevice(ctx context.Context, dev *model.Device, checks []string) error {
	s, err := o.dialer.Open(dev)
	if err != nil {
		return fmt.Errorf("%s: %w", CheckConnectivity, err)
	}
	defer s.Disconnect()
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("%s: %w", CheckConnectivity, err)
	}

	dir := o.cfg.BackupDir
	if dir == "" {
		dir = "/tmp"
	}
	for _, check := range checks {
		var err error
		switch check {
		case CheckConnectivity:
			_, err = remote.Run(ctx, s, probeCommand, o.cmdTimeout)
		case CheckResources:
			err = o.checkFreeSpace(ctx, s, dir)
		case CheckBackup:
			probe := path.Join(dir, ".uci-fleet-preflight")
			_, err = remote.Run(ctx, s, "touch "+remote.Quote(probe)+" && rm -f "+remote.Quote(probe), o.cmdTimeout)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", check, err)
		}
	}
	return nil
}

// checkFreeSpace 备份目录所在文件系统的可用空间不低于 MinFreeKB
func (o *Orchestrator) checkFreeSpace(ctx context.Context, s remote.Session, dir string) error {
	res, err := remote.Run(ctx, s, "df -k "+remote.Quote(dir), o.cmdTimeout)
	if err != nil {
		return err
	}
	free, err := ParseDFAvailable(res.Stdout)
	if err != nil {
		return err
	}
	if free < o.cfg.MinFreeKB {
		return fmt.Errorf("only %d KB free in %s, need %d KB", free, dir, o.cfg.MinFreeKB)
	}
	return nil
}

// ParseDFAvailable 解析 df -k 输出最后一行的 Available 列（KB）
//
//	Filesystem  1K-blocks  Used  Available  Use%  Mounted on
//	tmpfs           61440   312      61128    1%  /tmp
func ParseDFAvailable(out string) (int64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output %q", out)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, fmt.Errorf("unexpected df output %q", out)
	}
	return strconv.ParseInt(fields[len(fields)-3], 10, 64)
}
