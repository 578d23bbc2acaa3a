package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"uci-fleet/internal/config"
	"uci-fleet/internal/drift"
	"uci-fleet/internal/metrics"
	"uci-fleet/internal/orchestrator"
	"uci-fleet/internal/recovery"
	"uci-fleet/internal/shared/eventbus"
	redisbus "uci-fleet/internal/shared/eventbus/redis"
	"uci-fleet/internal/shared/objstore"
	sshremote "uci-fleet/internal/shared/remote/ssh"
	"uci-fleet/internal/shared/storage"
	"uci-fleet/internal/shared/storage/dbutil"
	"uci-fleet/internal/shared/storage/mongostore"
	"uci-fleet/internal/uci"
	"uci-fleet/pkg/logging"
)

// app 一次命令执行所需的全部组件
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics

	store    storage.PersistentStore
	mirror   storage.DeploymentStore
	audit    storage.AuditStore
	bus      eventbus.EventBus
	registry *orchestrator.Registry
	engine   *recovery.Engine
	drift    *drift.Manager
	orch     *orchestrator.Orchestrator

	closers []func() error
}

// newApp 按配置组装存储、事件总线、恢复引擎、漂移管理与编排器
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg: cfg,
		logger: logging.New(logging.Config{
			Level:     firstNonEmpty(logLevel, os.Getenv("LOG_LEVEL")),
			Format:    os.Getenv("LOG_FORMAT"),
			Output:    "stderr",
			Component: "fleetctl",
		}),
		metrics: metrics.New(),
	}
	a.logger.Debug("Configuration loaded", "config", cfg.String())

	if err := a.openStorage(); err != nil {
		a.Close()
		return nil, err
	}
	a.openEventBus()

	a.registry = orchestrator.NewRegistry(a.store)
	if err := a.importInventory(ctx); err != nil {
		a.Close()
		return nil, err
	}

	dialer := sshremote.NewDialer(sshremote.Options{
		User:                  cfg.SSH.User,
		Port:                  cfg.SSH.Port,
		KeyPath:               cfg.SSH.KeyPath,
		Password:              cfg.SSH.Password,
		KnownHosts:            cfg.SSH.KnownHosts,
		InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.SSH.ConnectTimeout,
		CommandTimeout:        cfg.SSH.CommandTimeout,
	})
	sessions := recovery.DialerSessions{Dialer: dialer, Lookup: a.registry.GetDevice}

	a.engine = recovery.NewEngine(cfg.Recovery, sessions,
		recovery.WithAudit(a.audit),
		recovery.WithPublisher(a.bus),
		recovery.WithMetrics(a.metrics),
		recovery.WithLogger(a.logger.Named("recovery")),
		recovery.WithCommandTimeout(cfg.SSH.CommandTimeout),
	)
	if err := a.engine.Rehydrate(ctx); err != nil {
		a.logger.Warn("Failed to restore circuit breaker state", "error", err)
	}

	a.drift = drift.NewManager(cfg.Drift, a.store,
		drift.SessionSources(sessions, cfg.Drift.ConfigDir, cfg.SSH.CommandTimeout),
		drift.WithAudit(a.audit),
		drift.WithPublisher(a.bus),
		drift.WithMetrics(a.metrics),
		drift.WithLogger(a.logger.Named("drift")),
	)

	opts := []orchestrator.Option{
		orchestrator.WithErrorHandler(a.engine),
		orchestrator.WithHealthConfig(cfg.Health),
		orchestrator.WithDriftHook(func(ctx context.Context, deviceID, message string) error {
			_, err := a.drift.Rebaseline(ctx, deviceID, message)
			return err
		}),
		orchestrator.WithAudit(a.audit),
		orchestrator.WithPublisher(a.bus),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithLogger(a.logger.Named("orchestrator")),
		orchestrator.WithCommandTimeout(cfg.SSH.CommandTimeout),
	}
	if archiver := a.openArchiver(ctx); archiver != nil {
		opts = append(opts, orchestrator.WithArchiver(archiver))
	}
	a.orch = orchestrator.NewOrchestrator(cfg.Deployment, a.registry, a.history(), dialer,
		uci.NewRemoteApplier(cfg.SSH.CommandTimeout), opts...)
	return a, nil
}

// openStorage SQL 存储为主；配置 MongoDB 时审计与部署历史同时写入 MongoDB
func (a *app) openStorage() error {
	driver, ok := dbutil.ParseDriverType(a.cfg.DatabaseDriver)
	if !ok {
		return fmt.Errorf("unsupported database driver: %s", a.cfg.DatabaseDriver)
	}
	store, err := storage.NewPersistentStore(driver, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open %s storage: %w", driver, err)
	}
	a.store = store
	a.audit = store
	a.closers = append(a.closers, store.Close)

	if a.cfg.Audit.MongoURI == "" {
		return nil
	}
	mongo, err := mongostore.NewStore(a.cfg.Audit.MongoURI, a.cfg.Audit.MongoDatabase)
	if err != nil {
		// 审计汇聚点不可用时仍使用本地存储
		a.logger.Warn("MongoDB audit sink unavailable", "error", err)
		return nil
	}
	a.closers = append(a.closers, mongo.Close)
	fanout := storage.NewAuditFanout(store, mongo)
	fanout.Logger = a.logger.Logger
	a.audit = fanout
	a.mirror = mongo
	return nil
}

// history 部署历史存储
func (a *app) history() storage.DeploymentStore {
	if a.mirror == nil {
		return a.store
	}
	f := storage.NewDeploymentFanout(a.store, a.mirror)
	f.Logger = a.logger.Logger
	return f
}

func (a *app) openEventBus() {
	a.bus = eventbus.NewNoOpEventBus()
	if a.cfg.RedisURL == "" {
		return
	}
	bus, err := redisbus.NewStoreFromURL(a.cfg.RedisURL)
	if err != nil {
		a.logger.Warn("Redis event bus unavailable, events disabled", "error", err)
		return
	}
	a.bus = bus
	a.closers = append(a.closers, bus.Close)
}

// openArchiver MinIO 未启用或不可用时返回 nil
func (a *app) openArchiver(ctx context.Context) *objstore.Client {
	if !a.cfg.MinIO.Enabled {
		return nil
	}
	client, err := objstore.NewClient(a.cfg.MinIO)
	if err == nil {
		err = client.EnsureBucket(ctx)
	}
	if err != nil {
		a.logger.Warn("Backup archive unavailable, backups stay on devices", "error", err)
		return nil
	}
	return client
}

// importInventory 设备清单文件存在时同步到注册表
func (a *app) importInventory(ctx context.Context) error {
	path := a.cfg.Deployment.Inventory
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		a.logger.Debug("No inventory file", "path", path)
		return nil
	}
	inv, err := orchestrator.LoadInventory(path)
	if err != nil {
		return err
	}
	if err := a.registry.Import(ctx, inv); err != nil {
		return fmt.Errorf("import inventory: %w", err)
	}
	a.logger.Debug("Inventory imported", "path", path, "devices", len(inv.Devices))
	return nil
}

// Close 按打开的逆序关闭
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
