// =============================================================================
// Agentpool default configuration
// =============================================================================
// Supplies reasonable defaults for every config field. HeartbeatTTL must
// stay >= 5x HeartbeatInterval and leader LeaseTTL >= 3x RenewEvery; see
// Config.Validate.
// =============================================================================
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pool:      DefaultPoolConfig(),
		Presence:  DefaultPresenceConfig(),
		Message:   DefaultMessageConfig(),
		Leader:    DefaultLeaderConfig(),
		Deadlock:  DefaultDeadlockConfig(),
		Redis:     DefaultRedisConfig(),
		Cache:     DefaultCacheConfig(),
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultPoolConfig returns the default pool store configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Root:             "",
		Driver:           "sqlite",
		SchemaVersion:    1,
		BusyTimeout:      5 * time.Second,
		RetryInitial:     30 * time.Millisecond,
		RetryMax:         350 * time.Millisecond,
		RetryMaxAttempts: 7,
	}
}

// DefaultPresenceConfig returns the default presence/heartbeat configuration.
// HeartbeatTTL is 6x HeartbeatInterval, comfortably above the >=5x floor
// so a single missed beat never flips an agent offline.
func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      60 * time.Second,
	}
}

// DefaultMessageConfig returns the default message layer configuration.
func DefaultMessageConfig() MessageConfig {
	return MessageConfig{
		MaxBatchChars: 4000,
		LeaseTTL:      30 * time.Second,
		MessageTTL:    24 * time.Hour,
		MaxScanRows:   200,
		ForwardBatch:  50,
	}
}

// DefaultLeaderConfig returns the default leader/janitor configuration.
// LeaseTTL is 3x RenewEvery, the minimum ratio Config.Validate enforces.
func DefaultLeaderConfig() LeaderConfig {
	return LeaderConfig{
		RenewEvery:      15 * time.Second,
		LeaseTTL:        45 * time.Second,
		PIDScanEvery:    15 * time.Second,
		TTLReapEvery:    120 * time.Second,
		ForwardEvery:    2 * time.Second,
		CheckpointEvery: 600 * time.Second,
		StartJitterMax:  3 * time.Second,
	}
}

// DefaultDeadlockConfig returns the default deadlock-alert configuration.
func DefaultDeadlockConfig() DeadlockConfig {
	return DeadlockConfig{
		Enabled:        true,
		TriggerDelay:   20 * time.Second,
		WarnCooldown:   60 * time.Second,
		LeaderNameHint: "leader",
	}
}

// DefaultRedisConfig returns the default Redis backend configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
	}
}

// DefaultCacheConfig returns the default presence read-cache configuration.
// Disabled by default: a single-host fleet has no need for it, and turning
// it on points at a second Redis role distinct from Pool.Driver=="redis".
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           1,
		DefaultTTL:   2 * time.Second,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultServerConfig returns the default HTTP external-surface configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        "127.0.0.1:8787",
		Enabled:         false,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    90 * time.Second, // recv() can long-poll for up to 86400s, but the HTTP handler caps its own wait; see internal/httpapi.
		ShutdownTimeout: 5 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultLogConfig returns the default zap configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default OTel configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentpool",
		SampleRate:   0.1,
	}
}
