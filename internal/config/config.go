package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Client   ClientConfig   `mapstructure:"client"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "redis" or "bolt"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SessionsConfig controls the server-side session sweeper and action handling
type SessionsConfig struct {
	SweepInterval      string `mapstructure:"sweep_interval"`
	CheckpointInterval string `mapstructure:"checkpoint_interval"`
	ReadyTTL           string `mapstructure:"ready_ttl"`
	PresenceTTL        string `mapstructure:"presence_ttl"`
	DedupeCacheSize    int    `mapstructure:"dedupe_cache_size"`
}

// AuthConfig defines API authentication settings
type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwt_secret"`
	TokenExpiration string `mapstructure:"token_expiration"`
	InitialUsername string `mapstructure:"initial_username"`
	InitialPassword string `mapstructure:"initial_password"`
	LoginRateLimit  int    `mapstructure:"login_rate_limit"`
	RateLimitWindow string `mapstructure:"rate_limit_window"`
}

// PolicyConfig defines where action authorization policies are loaded from.
// An empty directory selects the built-in policy.
type PolicyConfig struct {
	OPAPolicyDir string `mapstructure:"opa_policy_dir"`
}

// ClientConfig defines settings for the countdown client commands
type ClientConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Token             string `mapstructure:"token"`
	ReconcileInterval string `mapstructure:"reconcile_interval"`
	HeartbeatInterval string `mapstructure:"heartbeat_interval"`
	FailureThreshold  int    `mapstructure:"failure_threshold"`
	RequestTimeout    string `mapstructure:"request_timeout"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("PLAYTIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/playtime/playtime.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Session defaults
	v.SetDefault("sessions.sweep_interval", "15s")
	v.SetDefault("sessions.checkpoint_interval", "1m")
	v.SetDefault("sessions.ready_ttl", "24h")
	v.SetDefault("sessions.presence_ttl", "90s")
	v.SetDefault("sessions.dedupe_cache_size", 1024)

	// Auth defaults
	v.SetDefault("auth.token_expiration", "12h")
	v.SetDefault("auth.initial_username", "admin")
	v.SetDefault("auth.initial_password", "changeme")
	v.SetDefault("auth.login_rate_limit", 10)
	v.SetDefault("auth.rate_limit_window", "1m")

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "")

	// Client defaults
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.reconcile_interval", "60s")
	v.SetDefault("client.heartbeat_interval", "30s")
	v.SetDefault("client.failure_threshold", 3)
	v.SetDefault("client.request_timeout", "10s")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "bolt"
	case "bolt", "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	if cfg.Storage.Type == "bolt" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	if cfg.Client.FailureThreshold <= 0 {
		return fmt.Errorf("client failure_threshold must be positive")
	}
	if cfg.Sessions.DedupeCacheSize <= 0 {
		return fmt.Errorf("sessions dedupe_cache_size must be positive")
	}

	for name, value := range map[string]string{
		"sessions.sweep_interval":      cfg.Sessions.SweepInterval,
		"sessions.checkpoint_interval": cfg.Sessions.CheckpointInterval,
		"sessions.ready_ttl":           cfg.Sessions.ReadyTTL,
		"sessions.presence_ttl":        cfg.Sessions.PresenceTTL,
		"client.reconcile_interval":    cfg.Client.ReconcileInterval,
		"client.heartbeat_interval":    cfg.Client.HeartbeatInterval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}

	return nil
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Defaults returns the configuration produced by defaults alone, without
// validation side effects.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// KnownKeys returns every dotted configuration key, derived from the
// mapstructure tags of Config.
func KnownKeys() []string {
	var keys []string
	collectKeys(reflect.TypeOf(Config{}), "", &keys)
	sort.Strings(keys)
	return keys
}

func collectKeys(t reflect.Type, prefix string, keys *[]string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name := field.Tag.Get("mapstructure")
		if name == "" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		if field.Type.Kind() == reflect.Struct {
			collectKeys(field.Type, name, keys)
			continue
		}
		*keys = append(*keys, name)
	}
}

// UnknownKeys reads the file at configPath and returns keys that do not map
// onto any configuration field.
func UnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	known := make(map[string]bool)
	for _, k := range KnownKeys() {
		known[k] = true
	}

	var unknown []string
	for _, key := range v.AllKeys() {
		if !known[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}
