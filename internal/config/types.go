// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（{env}.yaml，如 dev.yaml、test.yaml、prod.yaml）
//  3. 代码硬编码默认值
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件中（YAML 中不存储任何密码）。
//	SSH 私钥只保存路径引用，不读取明文。
//
// 配置路径确定策略：
//  1. --config 命令行参数（显式路径）
//  2. CONFIG_DIR 环境变量
//  3. 按 APP_ENV 选择默认路径：
//     - prod → /etc/uci-fleet/
//     - dev/test → ./configs/
package config

import "time"

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig 统一 YAML 配置文件结构
type YAMLConfig struct {
	Database   DatabaseConfig   `yaml:"database"`   // 设备注册表/部署历史/审计/基线
	Redis      RedisConfig      `yaml:"redis"`      // 事件总线
	MinIO      MinIOConfig      `yaml:"minio"`      // 备份归档
	Audit      AuditConfig      `yaml:"audit"`      // 附加审计汇聚点
	SSH        SSHConfig        `yaml:"ssh"`        // 设备远程会话
	Deployment DeploymentConfig `yaml:"deployment"` // 部署默认值
	Health     HealthConfig     `yaml:"health"`     // 网络健康监控
	Recovery   RecoveryConfig   `yaml:"recovery"`   // 错误恢复
	Drift      DriftConfig      `yaml:"drift"`      // 配置漂移
	Metrics    MetricsConfig    `yaml:"metrics"`    // Prometheus 指标
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "sqlite"（默认）、"postgres" 或 "memory"
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// AuditConfig 审计汇聚配置
// SQL 存储始终写入；配置 MongoURI 后同时写入 MongoDB
type AuditConfig struct {
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	MongoPassword string `yaml:"-"` // 只从 MONGO_PASSWORD 环境变量读取
}

// SSHConfig 设备远程会话配置
type SSHConfig struct {
	User                  string        `yaml:"user"`
	Port                  int           `yaml:"port"`
	KeyPath               string        `yaml:"key_path"`
	Password              string        `yaml:"-"` // 只从 SSH_PASSWORD 环境变量读取
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"` // 仅实验室环境
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout"`
}

// DeploymentConfig 部署默认值，单次部署请求可覆盖
type DeploymentConfig struct {
	Inventory           string        `yaml:"inventory"` // 设备清单 YAML 路径
	Strategy            string        `yaml:"strategy"`
	ParallelLimit       int           `yaml:"parallel_limit"`
	CanaryPercentage    float64       `yaml:"canary_percentage"`
	CanarySoak          time.Duration `yaml:"canary_soak"`
	HealthCheckRequired bool          `yaml:"health_check_required"`
	RollbackOnFailure   bool          `yaml:"rollback_on_failure"`
	DeviceTimeout       time.Duration `yaml:"device_timeout"`
	DeploymentTimeout   time.Duration `yaml:"deployment_timeout"`
	PreflightChecks     []string      `yaml:"preflight_checks"`
	BackupDir           string        `yaml:"backup_dir"`
	MinFreeKB           int64         `yaml:"min_free_kb"`
}

// HealthConfig 网络健康监控配置
type HealthConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	AutoRecovery       bool          `yaml:"auto_recovery"`
	Gateway            string        `yaml:"gateway"` // 为空时从路由表探测
	DNSDomains         []string      `yaml:"dns_domains"`
	ExternalHosts      []string      `yaml:"external_hosts"`
	CriticalInterfaces []string      `yaml:"critical_interfaces"`
	HistorySize        int           `yaml:"history_size"`
	StabilizationWait  time.Duration `yaml:"stabilization_wait"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
}

// RecoveryConfig 错误恢复配置
type RecoveryConfig struct {
	MaxRetries              int           `yaml:"max_retries"`
	BaseDelay               time.Duration `yaml:"base_delay"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	StabilizationPause      time.Duration `yaml:"stabilization_pause"`
	Services                []string      `yaml:"services"`
}

// DriftConfig 配置漂移配置
type DriftConfig struct {
	ConfigDir       string   `yaml:"config_dir"`
	TrackedFiles    []string `yaml:"tracked_files"` // 相对 ConfigDir，为空时跟踪目录下全部文件
	VersionDir      string   `yaml:"version_dir"`   // git 版本库目录
	SeverityFloor   string   `yaml:"severity_floor"`
	AutoRemediation bool     `yaml:"auto_remediation"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Listen string `yaml:"listen"` // 为空时不启动 HTTP 端点
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "sqlite", "postgres" 或 "memory"
	DatabaseURL    string
	RedisURL       string // 为空表示不启用事件总线
	MinIO          MinIOConfig
	Audit          AuditConfig
	SSH            SSHConfig
	Deployment     DeploymentConfig
	Health         HealthConfig
	Recovery       RecoveryConfig
	Drift          DriftConfig
	Metrics        MetricsConfig
	ConfigFilePath string // 实际加载的配置文件路径
}

// yamlConfigInternal 内部包装，记录配置文件来源（不参与 YAML 序列化）
type yamlConfigInternal struct {
	YAMLConfig `yaml:",inline"`
	loadedFrom string
}
