// Package config 提供了 Stratus 平台的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，应用默认值，并支持通过环境变量
// 覆盖敏感配置项（如数据库密码）。配置覆盖服务器、资源限额策略、
// 沙箱、调度器、存储、事件、日志、指标和遥测等子系统。
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口、指标端口等
	Server ServerConfig `yaml:"server"`
	// Limits 资源限额策略配置；在启动时被加载进 LimitPolicy，此后只读
	Limits LimitsConfig `yaml:"limits"`
	// Sandbox 沙箱池与看门狗配置
	Sandbox SandboxConfig `yaml:"sandbox"`
	// Scheduler 调度器配置，包括工作协程数和队列大小
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// Retention 激活记录保留策略配置（定时清理）
	Retention RetentionConfig `yaml:"retention"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
type ServerConfig struct {
	// HTTPPort HTTP API 服务端口
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// MetricsPort 指标服务端口，用于 Prometheus 指标暴露
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// BoundsConfig 表示一个限额维度的 (min, std, max) 三元组配置。
type BoundsConfig struct {
	// Min 该维度允许的最小值
	Min int64 `yaml:"min"`
	// Std 缺省时填充的标准值
	Std int64 `yaml:"std"`
	// Max 该维度允许的最大值
	Max int64 `yaml:"max"`
}

// LimitsConfig 资源限额策略配置结构体。
// 每个维度是一个 (min, std, max) 三元组；两个平台级上限独立于
// 按函数配置。该配置在启动时构造 LimitPolicy 后不再被读取。
type LimitsConfig struct {
	// Time 执行时间维度（毫秒）
	// 默认值：min 100，std 30000，max 300000
	Time BoundsConfig `yaml:"time"`
	// Memory 内存维度（MB）
	// 默认值：min 128，std 256，max 3072
	Memory BoundsConfig `yaml:"memory"`
	// Logs 日志量维度（MB）
	// 默认值：min 0，std 8，max 32
	Logs BoundsConfig `yaml:"logs"`
	// Concurrency 温沙箱内并发维度
	// 默认值：min 1，std 1，max 64
	Concurrency BoundsConfig `yaml:"concurrency"`
	// ConcurrencyEnabled 平台级并发开关；关闭时并发维度被钉为 (1,1,1)
	// 默认值：false
	ConcurrencyEnabled bool `yaml:"concurrency_enabled"`
	// MaxCodeSize 函数代码载荷上限（字节）
	// 默认值：524288（512KB）
	MaxCodeSize int64 `yaml:"max_code_size"`
	// MaxActivationEntitySize 激活实体上限（字节），不可按函数调高
	// 默认值：1048576（1MB）
	MaxActivationEntitySize int64 `yaml:"max_activation_entity_size"`
}

// SandboxConfig 沙箱池与看门狗配置结构体。
type SandboxConfig struct {
	// WorkDir 进程运行时的工作目录（每个沙箱一个子目录）
	// 默认值：/var/stratus/sandboxes
	WorkDir string `yaml:"work_dir"`
	// MaxWarmPerFunction 单个函数最多保留的温沙箱数
	// 默认值：4
	MaxWarmPerFunction int `yaml:"max_warm_per_function"`
	// MaxTotal 平台容量：所有函数温沙箱总数上限
	// 默认值：64
	MaxTotal int `yaml:"max_total"`
	// IdleTimeout 温沙箱空闲多久后被回收
	// 默认值：10 分钟
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// MemoryCheckInterval 内存看门狗的采样间隔
	// 默认值：50 毫秒
	MemoryCheckInterval time.Duration `yaml:"memory_check_interval"`
	// Interpreters 运行时到解释器路径的映射（进程运行时使用）
	Interpreters map[string]string `yaml:"interpreters,omitempty"`
}

// SchedulerConfig 调度器配置结构体。
type SchedulerConfig struct {
	// Workers 工作协程数，决定并发执行调用的能力
	// 默认值：10
	Workers int `yaml:"workers"`
	// QueueSize 工作队列大小；队列满时非阻塞调用溢出到 Redis
	// 默认值：1000
	QueueSize int `yaml:"queue_size"`
}

// RetentionConfig 激活记录保留策略配置结构体。
type RetentionConfig struct {
	// Enabled 是否启用定时清理
	Enabled bool `yaml:"enabled"`
	// Schedule 清理任务的 cron 表达式（标准五字段）
	// 默认值：@hourly
	Schedule string `yaml:"schedule"`
	// MaxAge 激活记录的最长保留时间
	// 默认值：168 小时（7 天）
	MaxAge time.Duration `yaml:"max_age"`
	// MaxPerFunction 每个函数保留的激活记录条数上限
	// 默认值：1000
	MaxPerFunction int `yaml:"max_per_function"`
}

// StorageConfig 存储配置结构体。
type StorageConfig struct {
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 缓存配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 STRATUS_POSTGRES_PASSWORD 或
	// STRATUS_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// RedisConfig Redis 缓存配置结构体。
type RedisConfig struct {
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 STRATUS_REDIS_PASSWORD 或
	// STRATUS_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
}

// EventsConfig 事件配置结构体。
type EventsConfig struct {
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"，
	// 可通过环境变量 STRATUS_NATS_URL 覆盖
	NatsURL string `yaml:"nats_url"`
}

// LoggingConfig 日志配置结构体。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：stratus
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：stratus-gateway
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides 应用环境变量覆盖。
// 该方法允许通过环境变量覆盖敏感配置项，支持两种方式：
// 1. 直接设置环境变量（如 STRATUS_POSTGRES_PASSWORD）
// 2. 通过 _FILE 后缀指定包含密钥的文件路径（如 STRATUS_POSTGRES_PASSWORD_FILE）
// _FILE 方式优先级更高，适用于 Docker Secrets 等场景。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFile("STRATUS_POSTGRES_PASSWORD", "STRATUS_POSTGRES_PASSWORD_FILE"); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFile("STRATUS_REDIS_PASSWORD", "STRATUS_REDIS_PASSWORD_FILE"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("STRATUS_NATS_URL")); v != "" {
		c.Events.NatsURL = v
	}
}

// readEnvOrFile 从环境变量或文件读取配置值。
// 优先从 fileKey 指定的文件路径读取；文件不存在或读取失败时，
// 回退到 envKey 指定的环境变量。
//
// 返回值：
//   - string: 读取到的配置值，如果都未设置则返回空字符串
func readEnvOrFile(envKey, fileKey string) string {
	if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
		if b, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return v
	}
	return ""
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
// 限额维度按整个三元组为单位填充默认值：三个值全为零视为未配置。
func (c *Config) applyDefaults() {
	// HTTP 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 指标端口默认为 9090
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	// 限额维度默认值
	if (c.Limits.Time == BoundsConfig{}) {
		c.Limits.Time = BoundsConfig{Min: 100, Std: 30000, Max: 300000}
	}
	if (c.Limits.Memory == BoundsConfig{}) {
		c.Limits.Memory = BoundsConfig{Min: 128, Std: 256, Max: 3072}
	}
	if (c.Limits.Logs == BoundsConfig{}) {
		c.Limits.Logs = BoundsConfig{Min: 0, Std: 8, Max: 32}
	}
	if (c.Limits.Concurrency == BoundsConfig{}) {
		c.Limits.Concurrency = BoundsConfig{Min: 1, Std: 1, Max: 64}
	}
	// 代码大小上限默认为 512KB
	if c.Limits.MaxCodeSize == 0 {
		c.Limits.MaxCodeSize = 512 * 1024
	}
	// 激活实体上限默认为 1MB
	if c.Limits.MaxActivationEntitySize == 0 {
		c.Limits.MaxActivationEntitySize = 1024 * 1024
	}

	// 沙箱工作目录默认为 /var/stratus/sandboxes
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = "/var/stratus/sandboxes"
	}
	// 单函数温沙箱数默认为 4
	if c.Sandbox.MaxWarmPerFunction == 0 {
		c.Sandbox.MaxWarmPerFunction = 4
	}
	// 温沙箱总数默认为 64
	if c.Sandbox.MaxTotal == 0 {
		c.Sandbox.MaxTotal = 64
	}
	// 空闲回收默认为 10 分钟
	if c.Sandbox.IdleTimeout == 0 {
		c.Sandbox.IdleTimeout = 10 * time.Minute
	}
	// 内存看门狗采样间隔默认为 50 毫秒
	if c.Sandbox.MemoryCheckInterval == 0 {
		c.Sandbox.MemoryCheckInterval = 50 * time.Millisecond
	}
	// 进程运行时的解释器路径
	if c.Sandbox.Interpreters == nil {
		c.Sandbox.Interpreters = map[string]string{
			"python3.11": "/usr/bin/python3",
			"nodejs20":   "/usr/bin/node",
		}
	}

	// 调度器工作协程数默认为 10
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 10
	}
	// 调度器队列大小默认为 1000
	if c.Scheduler.QueueSize == 0 {
		c.Scheduler.QueueSize = 1000
	}

	// 保留策略：默认每小时清理一次，保留 7 天、每函数 1000 条
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@hourly"
	}
	if c.Retention.MaxAge == 0 {
		c.Retention.MaxAge = 168 * time.Hour
	}
	if c.Retention.MaxPerFunction == 0 {
		c.Retention.MaxPerFunction = 1000
	}

	// 指标命名空间默认为 stratus
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "stratus"
	}

	// 遥测服务名称默认为 stratus-gateway
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "stratus-gateway"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认为 development
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
