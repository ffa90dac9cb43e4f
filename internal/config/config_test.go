// Package config 提供了 Stratus 平台的配置管理功能。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoad_Defaults 测试空配置文件加载后所有默认值被填充。
func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "{}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Limits.Time != (BoundsConfig{Min: 100, Std: 30000, Max: 300000}) {
		t.Errorf("Limits.Time = %+v, want default bounds", cfg.Limits.Time)
	}
	if cfg.Limits.Memory != (BoundsConfig{Min: 128, Std: 256, Max: 3072}) {
		t.Errorf("Limits.Memory = %+v, want default bounds", cfg.Limits.Memory)
	}
	if cfg.Limits.MaxCodeSize != 512*1024 {
		t.Errorf("MaxCodeSize = %d, want %d", cfg.Limits.MaxCodeSize, 512*1024)
	}
	if cfg.Limits.MaxActivationEntitySize != 1024*1024 {
		t.Errorf("MaxActivationEntitySize = %d, want %d", cfg.Limits.MaxActivationEntitySize, 1024*1024)
	}
	if cfg.Limits.ConcurrencyEnabled {
		t.Error("ConcurrencyEnabled default should be false")
	}
	if cfg.Sandbox.MemoryCheckInterval != 50*time.Millisecond {
		t.Errorf("MemoryCheckInterval = %v, want 50ms", cfg.Sandbox.MemoryCheckInterval)
	}
	if cfg.Scheduler.Workers != 10 || cfg.Scheduler.QueueSize != 1000 {
		t.Errorf("Scheduler = %+v, want workers 10 queue 1000", cfg.Scheduler)
	}
	if cfg.Retention.Schedule != "@hourly" {
		t.Errorf("Retention.Schedule = %q, want @hourly", cfg.Retention.Schedule)
	}
	if cfg.Metrics.Namespace != "stratus" {
		t.Errorf("Metrics.Namespace = %q, want stratus", cfg.Metrics.Namespace)
	}
}

// TestLoad_ExplicitValues 测试显式配置覆盖默认值。
func TestLoad_ExplicitValues(t *testing.T) {
	yaml := `
server:
  http_port: 9000
limits:
  time:
    min: 10
    std: 1000
    max: 5000
  concurrency_enabled: true
  max_activation_entity_size: 65536
scheduler:
  workers: 2
`
	cfg, err := Load(writeTempConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPPort != 9000 {
		t.Errorf("HTTPPort = %d, want 9000", cfg.Server.HTTPPort)
	}
	if cfg.Limits.Time != (BoundsConfig{Min: 10, Std: 1000, Max: 5000}) {
		t.Errorf("Limits.Time = %+v, want explicit bounds", cfg.Limits.Time)
	}
	if !cfg.Limits.ConcurrencyEnabled {
		t.Error("ConcurrencyEnabled = false, want true")
	}
	if cfg.Limits.MaxActivationEntitySize != 65536 {
		t.Errorf("MaxActivationEntitySize = %d, want 65536", cfg.Limits.MaxActivationEntitySize)
	}
	if cfg.Scheduler.Workers != 2 {
		t.Errorf("Workers = %d, want 2", cfg.Scheduler.Workers)
	}
	// 未显式配置的维度仍应获得默认值
	if cfg.Limits.Memory != (BoundsConfig{Min: 128, Std: 256, Max: 3072}) {
		t.Errorf("Limits.Memory = %+v, want default bounds", cfg.Limits.Memory)
	}
}

// TestLoad_EnvOverrides 测试环境变量覆盖敏感配置项。
func TestLoad_EnvOverrides(t *testing.T) {
	yaml := `
storage:
  postgres:
    password: from-yaml
`
	t.Setenv("STRATUS_POSTGRES_PASSWORD", "from-env")
	t.Setenv("STRATUS_NATS_URL", "nats://override:4222")

	cfg, err := Load(writeTempConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Postgres.Password != "from-env" {
		t.Errorf("Postgres.Password = %q, want env override", cfg.Storage.Postgres.Password)
	}
	if cfg.Events.NatsURL != "nats://override:4222" {
		t.Errorf("NatsURL = %q, want env override", cfg.Events.NatsURL)
	}
}

// TestLoad_SecretFile 测试 *_FILE 形式的密钥文件覆盖优先于直接环境变量。
func TestLoad_SecretFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "redis-password")
	if err := os.WriteFile(secretPath, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STRATUS_REDIS_PASSWORD", "from-env")
	t.Setenv("STRATUS_REDIS_PASSWORD_FILE", secretPath)

	cfg, err := Load(writeTempConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Redis.Password != "from-file" {
		t.Errorf("Redis.Password = %q, want trimmed file content", cfg.Storage.Redis.Password)
	}
}

// writeTempConfig 将 YAML 内容写入临时文件并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
