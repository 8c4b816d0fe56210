package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, PoolConfig{}, cfg.Pool)
	assert.NotEqual(t, PresenceConfig{}, cfg.Presence)
	assert.NotEqual(t, MessageConfig{}, cfg.Message)
	assert.NotEqual(t, LeaderConfig{}, cfg.Leader)
	assert.NotEqual(t, DeadlockConfig{}, cfg.Deadlock)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, CacheConfig{}, cfg.Cache)
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, 1, cfg.SchemaVersion)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout)
	assert.Equal(t, 30*time.Millisecond, cfg.RetryInitial)
	assert.Equal(t, 350*time.Millisecond, cfg.RetryMax)
	assert.Equal(t, 7, cfg.RetryMaxAttempts)
}

func TestDefaultPresenceConfig(t *testing.T) {
	cfg := DefaultPresenceConfig()
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.HeartbeatTTL)
	assert.GreaterOrEqual(t, int64(cfg.HeartbeatTTL), int64(5*cfg.HeartbeatInterval))
}

func TestDefaultMessageConfig(t *testing.T) {
	cfg := DefaultMessageConfig()
	assert.Equal(t, 4000, cfg.MaxBatchChars)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 24*time.Hour, cfg.MessageTTL)
	assert.Equal(t, 200, cfg.MaxScanRows)
	assert.Equal(t, 50, cfg.ForwardBatch)
}

func TestDefaultLeaderConfig(t *testing.T) {
	cfg := DefaultLeaderConfig()
	assert.Equal(t, 15*time.Second, cfg.RenewEvery)
	assert.Equal(t, 45*time.Second, cfg.LeaseTTL)
	assert.GreaterOrEqual(t, int64(cfg.LeaseTTL), int64(3*cfg.RenewEvery))
	assert.Equal(t, 15*time.Second, cfg.PIDScanEvery)
	assert.Equal(t, 120*time.Second, cfg.TTLReapEvery)
	assert.Equal(t, 2*time.Second, cfg.ForwardEvery)
	assert.Equal(t, 600*time.Second, cfg.CheckpointEvery)
	assert.Less(t, int64(cfg.ForwardEvery), int64(cfg.TTLReapEvery))
}

func TestDefaultDeadlockConfig(t *testing.T) {
	cfg := DefaultDeadlockConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 20*time.Second, cfg.TriggerDelay)
	assert.Equal(t, 60*time.Second, cfg.WarnCooldown)
	assert.Equal(t, "leader", cfg.LeaderNameHint)
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Empty(t, cfg.Password)
	assert.Equal(t, 0, cfg.DB)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, 2, cfg.MinIdleConns)
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, 1, cfg.DB)
	assert.Equal(t, 2*time.Second, cfg.DefaultTTL)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, "127.0.0.1:8787", cfg.HTTPAddr)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 90*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, float64(50), cfg.RateLimitRPS)
	assert.Equal(t, 100, cfg.RateLimitBurst)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "agentpool", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
