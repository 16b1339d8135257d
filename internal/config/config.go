package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ORKESTR_STORE_DSN.
const EnvPrefix = "ORKESTR_"

// Config represents the top-level TOML structure.
type Config struct {
	Kernel    KernelConfig   `toml:"kernel" mapstructure:"kernel" envPrefix:"KERNEL_"`
	Resources ResourceConfig `toml:"resources" mapstructure:"resources" envPrefix:"RESOURCES_"`
	Health    HealthConfig   `toml:"health" mapstructure:"health" envPrefix:"HEALTH_"`
	Metrics   MetricsConfig  `toml:"metrics" mapstructure:"metrics" envPrefix:"METRICS_"`
	Store     StoreConfig    `toml:"store" mapstructure:"store" envPrefix:"STORE_"`
	History   HistoryConfig  `toml:"history" mapstructure:"history" envPrefix:"HISTORY_"`
	Bus       BusConfig      `toml:"bus" mapstructure:"bus" envPrefix:"BUS_"`
	Server    ServerConfig   `toml:"server" mapstructure:"server" envPrefix:"SERVER_"`
	Log       LogConfig      `toml:"log" mapstructure:"log" envPrefix:"LOG_"`
	Modules   []ModuleConfig `toml:"modules" mapstructure:"modules"`
	// Vars are substituted for ${NAME} in [[modules]] config strings,
	// ahead of the process environment.
	Vars map[string]string `toml:"vars" mapstructure:"vars"`
}

type KernelConfig struct {
	// Instance names this kernel in exported history events. Defaults to the hostname.
	Instance         string `toml:"instance" mapstructure:"instance" env:"INSTANCE"`
	MaxModules       int    `toml:"max_modules" mapstructure:"max_modules" env:"MAX_MODULES"`
	MaxProcesses     int    `toml:"max_processes" mapstructure:"max_processes" env:"MAX_PROCESSES"`
	FailureThreshold int    `toml:"failure_threshold" mapstructure:"failure_threshold" env:"FAILURE_THRESHOLD"`
}

type ResourceConfig struct {
	CPUQuota             float64       `toml:"cpu_quota" mapstructure:"cpu_quota" env:"CPU_QUOTA"`
	MemoryQuota          float64       `toml:"memory_quota" mapstructure:"memory_quota" env:"MEMORY_QUOTA"`
	Throttling           bool          `toml:"throttling" mapstructure:"throttling" env:"THROTTLING"`
	OptimizationInterval time.Duration `toml:"optimization_interval" mapstructure:"optimization_interval" env:"OPTIMIZATION_INTERVAL"`
	IdleAfter            time.Duration `toml:"idle_after" mapstructure:"idle_after" env:"IDLE_AFTER"`
	// ThrottleCeiling is the highest process priority Optimize stretches.
	ThrottleCeiling      int           `toml:"throttle_priority_ceiling" mapstructure:"throttle_priority_ceiling" env:"THROTTLE_PRIORITY_CEILING"`
}

type HealthConfig struct {
	Interval   time.Duration `toml:"interval" mapstructure:"interval" env:"INTERVAL"`
	Inactivity time.Duration `toml:"inactivity" mapstructure:"inactivity" env:"INACTIVITY"`
}

type MetricsConfig struct {
	Enabled            bool          `toml:"enabled" mapstructure:"enabled" env:"ENABLED"`
	CollectionInterval time.Duration `toml:"collection_interval" mapstructure:"collection_interval" env:"COLLECTION_INTERVAL"`
	// Listen serves /metrics on its own address; empty mounts it on the API server.
	Listen string `toml:"listen" mapstructure:"listen" env:"LISTEN"`
}

type StoreConfig struct {
	DSN             string        `toml:"dsn" mapstructure:"dsn" env:"DSN"`
	MetricRetention time.Duration `toml:"metric_retention" mapstructure:"metric_retention" env:"METRIC_RETENTION"`
}

type HistoryConfig struct {
	Sinks     []string `toml:"sinks" mapstructure:"sinks" env:"SINKS" envSeparator:","`
	QueueSize int      `toml:"queue_size" mapstructure:"queue_size" env:"QUEUE_SIZE"`
}

type BusConfig struct {
	MaxDepth         int     `toml:"max_depth" mapstructure:"max_depth" env:"MAX_DEPTH"`
	ModuleRatePerSec float64 `toml:"module_rate_per_sec" mapstructure:"module_rate_per_sec" env:"MODULE_RATE_PER_SEC"`
	ModuleBurst      int     `toml:"module_burst" mapstructure:"module_burst" env:"MODULE_BURST"`
}

type ServerConfig struct {
	Listen   string     `toml:"listen" mapstructure:"listen" env:"LISTEN"`
	BasePath string     `toml:"base_path" mapstructure:"base_path" env:"BASE_PATH"`
	TLS      TLSConfig  `toml:"tls" mapstructure:"tls" envPrefix:"TLS_"`
	Auth     AuthConfig `toml:"auth" mapstructure:"auth" envPrefix:"AUTH_"`
}

// TLSConfig serves the API over HTTPS. CertFile/KeyFile win over Dir; with
// AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled" env:"ENABLED"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file" env:"CERT_FILE"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file" env:"KEY_FILE"`
	Dir          string   `toml:"dir" mapstructure:"dir" env:"DIR"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate" env:"AUTO_GENERATE"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version" env:"MIN_VERSION"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name" env:"COMMON_NAME"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts" env:"HOSTS" envSeparator:","`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days" env:"VALID_DAYS"`
}

// AuthConfig protects the API. Viewers may read; operators and admins may
// also load modules and control processes.
type AuthConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled" env:"ENABLED"`
	// JWTSecret signs bearer tokens. Empty means a random secret per run.
	JWTSecret string        `toml:"jwt_secret" mapstructure:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL  time.Duration `toml:"token_ttl" mapstructure:"token_ttl" env:"TOKEN_TTL"`
	Users     []AuthUser    `toml:"users" mapstructure:"users"`
}

// AuthUser is one [[server.auth.users]] entry; PasswordHash is bcrypt.
type AuthUser struct {
	Username     string   `toml:"username" mapstructure:"username"`
	PasswordHash string   `toml:"password_hash" mapstructure:"password_hash"`
	Roles        []string `toml:"roles" mapstructure:"roles"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level" env:"LEVEL"`
	Format     string `toml:"format" mapstructure:"format" env:"FORMAT"`
	Color      bool   `toml:"color" mapstructure:"color" env:"COLOR"`
	File       string `toml:"file" mapstructure:"file" env:"FILE"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days" env:"MAX_AGE_DAYS"`
	Compress   bool   `toml:"compress" mapstructure:"compress" env:"COMPRESS"`
}

// ModuleConfig is one [[modules]] entry loaded when the kernel serves.
type ModuleConfig struct {
	Locator string         `toml:"locator" mapstructure:"locator"`
	Config  map[string]any `toml:"config" mapstructure:"config"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kernel.max_modules", 50)
	v.SetDefault("kernel.max_processes", 100)
	v.SetDefault("kernel.failure_threshold", 5)

	v.SetDefault("resources.cpu_quota", 80.0)
	v.SetDefault("resources.memory_quota", 85.0)
	v.SetDefault("resources.throttling", true)
	v.SetDefault("resources.optimization_interval", "5m")
	v.SetDefault("resources.idle_after", "30m")
	v.SetDefault("resources.throttle_priority_ceiling", 30)

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.inactivity", "10m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.collection_interval", "60s")

	v.SetDefault("store.dsn", "orkestr.db")
	v.SetDefault("store.metric_retention", "168h")

	v.SetDefault("history.queue_size", 256)

	v.SetDefault("bus.max_depth", 16)
	v.SetDefault("bus.module_rate_per_sec", 50.0)
	v.SetDefault("bus.module_burst", 100)

	v.SetDefault("server.listen", "127.0.0.1:8089")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.auth.token_ttl", "12h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return load("")
}

// Load reads a TOML file, applies defaults and ORKESTR_* overrides and validates the result.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is empty")
	}
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Kernel.Instance == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.Kernel.Instance = h
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges that would otherwise surface as odd runtime behaviour.
func (c *Config) Validate() error {
	var errs []error
	if c.Kernel.MaxModules <= 0 {
		errs = append(errs, fmt.Errorf("kernel.max_modules must be positive, got %d", c.Kernel.MaxModules))
	}
	if c.Kernel.MaxProcesses <= 0 {
		errs = append(errs, fmt.Errorf("kernel.max_processes must be positive, got %d", c.Kernel.MaxProcesses))
	}
	if c.Kernel.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("kernel.failure_threshold must be positive, got %d", c.Kernel.FailureThreshold))
	}
	if c.Resources.CPUQuota < 1 || c.Resources.CPUQuota > 100 {
		errs = append(errs, fmt.Errorf("resources.cpu_quota must be within 1..100, got %v", c.Resources.CPUQuota))
	}
	if c.Resources.MemoryQuota < 1 || c.Resources.MemoryQuota > 100 {
		errs = append(errs, fmt.Errorf("resources.memory_quota must be within 1..100, got %v", c.Resources.MemoryQuota))
	}
	for name, d := range map[string]time.Duration{
		"resources.optimization_interval": c.Resources.OptimizationInterval,
		"resources.idle_after":            c.Resources.IdleAfter,
		"health.interval":                 c.Health.Interval,
		"health.inactivity":               c.Health.Inactivity,
		"metrics.collection_interval":     c.Metrics.CollectionInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Store.MetricRetention < 0 {
		errs = append(errs, fmt.Errorf("store.metric_retention must not be negative"))
	}
	if c.Bus.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("bus.max_depth must be positive, got %d", c.Bus.MaxDepth))
	}
	if c.Bus.ModuleRatePerSec < 0 || c.Bus.ModuleBurst < 0 {
		errs = append(errs, fmt.Errorf("bus rate limits must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if t := c.Server.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			errs = append(errs, fmt.Errorf("server.tls.cert_file and key_file must be set together"))
		}
		if t.CertFile == "" && t.Dir == "" {
			errs = append(errs, fmt.Errorf("server.tls requires cert_file/key_file or dir"))
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			errs = append(errs, fmt.Errorf("server.tls.min_version must be 1.2 or 1.3, got %q", t.MinVersion))
		}
	}
	if a := c.Server.Auth; a.Enabled {
		if len(a.Users) == 0 {
			errs = append(errs, fmt.Errorf("server.auth requires at least one user"))
		}
		if a.TokenTTL <= 0 {
			errs = append(errs, fmt.Errorf("server.auth.token_ttl must be positive"))
		}
		for i, u := range a.Users {
			if u.Username == "" || u.PasswordHash == "" {
				errs = append(errs, fmt.Errorf("server.auth.users[%d] requires username and password_hash", i))
			}
			for _, r := range u.Roles {
				switch r {
				case "admin", "operator", "viewer":
				default:
					errs = append(errs, fmt.Errorf("server.auth.users[%d]: unknown role %q", i, r))
				}
			}
		}
	}
	for i, m := range c.Modules {
		if strings.TrimSpace(m.Locator) == "" {
			errs = append(errs, fmt.Errorf("modules[%d] requires locator", i))
		}
	}
	return errors.Join(errs...)
}
