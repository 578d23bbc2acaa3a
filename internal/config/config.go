package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load 加载配置
//  1. 加载 .env.{env}（敏感信息）
//  2. 加载 {env}.yaml 覆盖默认值
//  3. 环境变量覆盖
func Load() (*Config, error) {
	env := parseEnv(getEnv("APP_ENV", "dev"))
	loadEnvFiles(env)

	yamlCfg, err := loadYAMLConfig(env)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(&yamlCfg.YAMLConfig)

	cfg := &Config{
		Env:            env,
		DatabaseDriver: detectDatabaseDriver(yamlCfg.Database.Driver, os.Getenv("DATABASE_URL")),
		MinIO:          yamlCfg.MinIO,
		Audit:          yamlCfg.Audit,
		SSH:            yamlCfg.SSH,
		Deployment:     yamlCfg.Deployment,
		Health:         yamlCfg.Health,
		Recovery:       yamlCfg.Recovery,
		Drift:          yamlCfg.Drift,
		Metrics:        yamlCfg.Metrics,
		ConfigFilePath: yamlCfg.loadedFrom,
	}
	cfg.DatabaseURL = getEnv("DATABASE_URL", buildDatabaseURL(cfg.DatabaseDriver, yamlCfg.Database))
	if yamlCfg.Redis.Enabled || yamlCfg.Redis.URL != "" {
		cfg.RedisURL = buildRedisURL(yamlCfg.Redis)
	}
	cfg.Audit.MongoURI = buildMongoURI(cfg.Audit)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults 返回全部默认值（未加载任何文件）
func Defaults() *YAMLConfig {
	return &YAMLConfig{
		Database: DatabaseConfig{Driver: "sqlite", Path: "/var/lib/uci-fleet/fleet.db", Host: "localhost", Port: 5432, User: "fleet", Name: "uci_fleet", SSLMode: "disable"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379},
		MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "uci-fleet-backups"},
		Audit:    AuditConfig{MongoDatabase: "uci_fleet"},
		SSH: SSHConfig{
			User:           "root",
			Port:           22,
			ConnectTimeout: 10 * time.Second,
			CommandTimeout: 30 * time.Second,
		},
		Deployment: DeploymentConfig{
			Inventory:           "devices.yaml",
			Strategy:            "rolling",
			ParallelLimit:       5,
			CanaryPercentage:    10,
			CanarySoak:          30 * time.Second,
			HealthCheckRequired: true,
			RollbackOnFailure:   true,
			DeviceTimeout:       5 * time.Minute,
			DeploymentTimeout:   time.Hour,
			PreflightChecks:     []string{"connectivity", "config", "resources", "backup"},
			BackupDir:           "/tmp",
			MinFreeKB:           1024,
		},
		Health: HealthConfig{
			FailureThreshold:   3,
			AutoRecovery:       true,
			DNSDomains:         []string{"google.com", "cloudflare.com", "openwrt.org"},
			ExternalHosts:      []string{"8.8.8.8", "1.1.1.1"},
			CriticalInterfaces: []string{"br-lan"},
			HistorySize:        50,
			StabilizationWait:  10 * time.Second,
			ProbeTimeout:       5 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxRetries:              3,
			BaseDelay:               2 * time.Second,
			CircuitBreakerThreshold: 5,
			StabilizationPause:      5 * time.Second,
			Services:                []string{"network", "firewall", "dnsmasq"},
		},
		Drift: DriftConfig{
			ConfigDir:     "/etc/config",
			VersionDir:    "/var/lib/uci-fleet/versions",
			SeverityFloor: "medium",
		},
	}
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → {env}.yaml
func loadYAMLConfig(env Environment) (*yamlConfigInternal, error) {
	cfg := &yamlConfigInternal{YAMLConfig: *Defaults()}

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range effectiveConfigPaths() {
		path := filepath.Join(base, filename)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &cfg.YAMLConfig); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		cfg.loadedFrom = path
		break
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖（密码只从这里来）
func applyEnvOverrides(c *YAMLConfig) {
	c.Database.Password = os.Getenv("DB_PASSWORD")
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.MinIO.AccessKey = firstEnv("MINIO_ROOT_USER", "MINIO_ACCESS_KEY")
	c.MinIO.SecretKey = firstEnv("MINIO_ROOT_PASSWORD", "MINIO_SECRET_KEY")
	c.Audit.MongoPassword = os.Getenv("MONGO_PASSWORD")
	c.SSH.Password = os.Getenv("SSH_PASSWORD")

	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Audit.MongoURI = v
	}
	if v := os.Getenv("SSH_KEY_PATH"); v != "" {
		c.SSH.KeyPath = v
	}
	if v := os.Getenv("FLEET_INVENTORY"); v != "" {
		c.Deployment.Inventory = v
	}
	if v := os.Getenv("DRIFT_CONFIG_DIR"); v != "" {
		c.Drift.ConfigDir = v
	}
	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v, err := strconv.Atoi(os.Getenv("PARALLEL_LIMIT")); err == nil && v > 0 {
		c.Deployment.ParallelLimit = v
	}
}

// validate 校验并补齐默认值
func (c *Config) validate() error {
	def := Defaults()
	if c.Deployment.ParallelLimit <= 0 {
		c.Deployment.ParallelLimit = def.Deployment.ParallelLimit
	}
	if c.Deployment.CanaryPercentage <= 0 || c.Deployment.CanaryPercentage > 100 {
		return fmt.Errorf("deployment.canary_percentage must be in (0, 100], got %v", c.Deployment.CanaryPercentage)
	}
	if c.Health.FailureThreshold <= 0 {
		c.Health.FailureThreshold = def.Health.FailureThreshold
	}
	if c.Health.HistorySize <= 0 {
		c.Health.HistorySize = def.Health.HistorySize
	}
	if len(c.Health.DNSDomains) == 0 {
		c.Health.DNSDomains = def.Health.DNSDomains
	}
	if c.Recovery.MaxRetries <= 0 {
		c.Recovery.MaxRetries = def.Recovery.MaxRetries
	}
	if c.Recovery.BaseDelay <= 0 {
		c.Recovery.BaseDelay = def.Recovery.BaseDelay
	}
	if c.Recovery.CircuitBreakerThreshold <= 0 {
		c.Recovery.CircuitBreakerThreshold = def.Recovery.CircuitBreakerThreshold
	}
	if len(c.Recovery.Services) == 0 {
		c.Recovery.Services = def.Recovery.Services
	}
	switch c.Drift.SeverityFloor {
	case "low", "medium", "high", "critical":
	case "":
		c.Drift.SeverityFloor = def.Drift.SeverityFloor
	default:
		return fmt.Errorf("drift.severity_floor: unknown severity %q", c.Drift.SeverityFloor)
	}
	return nil
}
