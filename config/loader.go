// =============================================================================
// Agentpool configuration loader
// =============================================================================
// Unified config loading: defaults -> YAML file -> environment variables.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentpool.yaml").
//	    WithEnvPrefix("AGENTPOOL").
//	    Load()
//
// Priority: defaults -> YAML file -> environment variables.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core configuration structure
// =============================================================================

// Config is the complete agentpool configuration.
type Config struct {
	// Pool controls where and how the shared substrate is opened.
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Presence controls heartbeat interval and TTL timing.
	Presence PresenceConfig `yaml:"presence" env:"PRESENCE"`

	// Message controls batching and retention for the message layer.
	Message MessageConfig `yaml:"message" env:"MESSAGE"`

	// Leader controls janitor/leader election cadence.
	Leader LeaderConfig `yaml:"leader" env:"LEADER"`

	// Deadlock controls the optional all-waiting alert.
	Deadlock DeadlockConfig `yaml:"deadlock" env:"DEADLOCK"`

	// Redis is only consulted when Pool.Driver == "redis".
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Cache optionally fronts the presence projection with a short-TTL
	// Redis cache, independent of Pool.Driver — useful when the backend is
	// sqlite/mailbox but ListOnline is polled heavily (status dashboards,
	// watch streams) across many processes on one host.
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Server configures the optional HTTP external surface.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log configures zap.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry configures the OTel SDK.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// PoolConfig locates and shapes the shared store.
type PoolConfig struct {
	// Root is the pool directory. Empty means "use OS defaults with
	// writable-fallback" (see store.DefaultPoolRoot).
	Root string `yaml:"root" env:"ROOT"`
	// Driver selects the backend: "sqlite" (shared single file, default),
	// "mailbox" (per-agent directory), or "redis".
	Driver string `yaml:"driver" env:"DRIVER"`
	// SchemaVersion gates reinitialization; bump to wipe the root on
	// incompatible changes instead of migrating in place.
	SchemaVersion int `yaml:"schema_version" env:"SCHEMA_VERSION"`
	// BusyTimeout bounds how long a SQLite statement waits on a lock.
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
	// RetryInitial/RetryMax/RetryMaxAttempts shape the exponential
	// backoff-with-jitter policy used around every store primitive.
	RetryInitial     time.Duration `yaml:"retry_initial" env:"RETRY_INITIAL"`
	RetryMax         time.Duration `yaml:"retry_max" env:"RETRY_MAX"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" env:"RETRY_MAX_ATTEMPTS"`
}

// PresenceConfig shapes identity/heartbeat/presence timing.
type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl" env:"HEARTBEAT_TTL"`
}

// MessageConfig shapes the message layer.
type MessageConfig struct {
	MaxBatchChars int           `yaml:"max_batch_chars" env:"MAX_BATCH_CHARS"`
	LeaseTTL      time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	MessageTTL    time.Duration `yaml:"message_ttl" env:"MESSAGE_TTL"`
	MaxScanRows   int           `yaml:"max_scan_rows" env:"MAX_SCAN_ROWS"`
	ForwardBatch  int           `yaml:"forward_batch" env:"FORWARD_BATCH"`
}

// LeaderConfig shapes leader election and janitor cadence.
type LeaderConfig struct {
	RenewEvery      time.Duration `yaml:"renew_every" env:"RENEW_EVERY"`
	LeaseTTL        time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	PIDScanEvery    time.Duration `yaml:"pid_scan_every" env:"PID_SCAN_EVERY"`
	TTLReapEvery    time.Duration `yaml:"ttl_reap_every" env:"TTL_REAP_EVERY"`
	// ForwardEvery is how often the leader drains mailbox-backend outboxes
	// into recipient inboxes. Kept independent of, and much shorter than,
	// TTLReapEvery: forwarding is on the delivery critical path (a Recv
	// long-poll is waiting on it), while TTL reap/prune is background
	// housekeeping that can tolerate minutes of slack.
	ForwardEvery    time.Duration `yaml:"forward_every" env:"FORWARD_EVERY"`
	CheckpointEvery time.Duration `yaml:"checkpoint_every" env:"CHECKPOINT_EVERY"`
	StartJitterMax  time.Duration `yaml:"start_jitter_max" env:"START_JITTER_MAX"`
}

// DeadlockConfig shapes the optional all-waiting alert.
type DeadlockConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	TriggerDelay   time.Duration `yaml:"trigger_delay" env:"TRIGGER_DELAY"`
	WarnCooldown   time.Duration `yaml:"warn_cooldown" env:"WARN_COOLDOWN"`
	LeaderNameHint string        `yaml:"leader_name_hint" env:"LEADER_NAME_HINT"`
}

// RedisConfig configures the optional Redis-backed store.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// UseTLS dials with a hardened TLS 1.2+/AEAD-only config, for a managed
	// Redis endpoint that terminates TLS at the server.
	UseTLS bool `yaml:"use_tls" env:"USE_TLS"`
}

// CacheConfig configures the optional presence read-cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	DefaultTTL   time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	UseTLS       bool          `yaml:"use_tls" env:"USE_TLS"`
}

// ServerConfig configures the optional HTTP external surface.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"HTTP_ADDR"`
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTel SDK.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads a Config using the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTPOOL",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load loads the configuration: defaults -> YAML file -> environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively, applying any matching
// "<prefix>_<env tag>" environment variable.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads config, panicking on failure. Intended for cmd/ entry points.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads config from defaults + environment only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks invariants the rest of the system assumes hold.
func (c *Config) Validate() error {
	var errs []string

	if c.Presence.HeartbeatTTL < 5*c.Presence.HeartbeatInterval {
		errs = append(errs, "presence.heartbeat_ttl must be at least 5x heartbeat_interval")
	}
	if c.Leader.LeaseTTL < 3*c.Leader.RenewEvery {
		errs = append(errs, "leader.lease_ttl must be at least 3x renew_every")
	}
	if c.Message.MaxBatchChars <= 0 {
		errs = append(errs, "message.max_batch_chars must be positive")
	}
	if c.Server.Enabled && c.Server.HTTPAddr == "" {
		errs = append(errs, "server.http_addr required when server is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
