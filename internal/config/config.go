// Package config loads relay runtime settings from an optional YAML file
// overlaid by environment variables, following the validate-and-collect
// style used throughout this codebase: every malformed override is
// recorded as a problem and reported together rather than failing fast
// on the first bad value.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":7447"
	// DefaultAdminAddr is the default TCP address for the admin HTTP surface.
	DefaultAdminAddr = ":7448"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second

	// DefaultIngressSoftLimit is the §4.1 soft-full watermark.
	DefaultIngressSoftLimit = 10_000
	// DefaultIngressHardLimit is the §4.1 hard-full watermark.
	DefaultIngressHardLimit = 100_000
	// DefaultOutboundSoftLimit is the §4.8 soft-full watermark.
	DefaultOutboundSoftLimit = 1_000
	// DefaultOutboundHardLimit is the §4.8 hard-full watermark.
	DefaultOutboundHardLimit = 10_000

	// DefaultStorageBatchSize is the §4.7 target batch size.
	DefaultStorageBatchSize = 1_000
	// DefaultStorageFlushMS is the §4.7 max latency before flush, in milliseconds.
	DefaultStorageFlushMS = 1_000

	// DefaultMaxEventBytes is the §4.2 step 3 size cap.
	DefaultMaxEventBytes = 500_000
	// DefaultMaxFiltersPerReq is the §4.6 per-subscribe filter cap.
	DefaultMaxFiltersPerReq = 10
	// DefaultMaxHistoricalLimit is the §4.6 hard cap on a filter's limit.
	DefaultMaxHistoricalLimit = 5_000
	// DefaultHistoricalLimit is the §4.6 default limit when a filter omits one.
	DefaultHistoricalLimit = 500
	// DefaultQueryDeadlineMS is the §4.6 historical-query budget, in milliseconds.
	DefaultQueryDeadlineMS = 10_000

	// DefaultMaxConsecutiveDrops closes a connection after this many
	// consecutive ingress or broadcast drops (§4.1, §4.4).
	DefaultMaxConsecutiveDrops = 5

	// DefaultPolicyCacheTTL is the §4.2 policy-lookup cache lifetime.
	DefaultPolicyCacheTTL = 30 * time.Second

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStorageDriver selects the reference document store backend.
	DefaultStorageDriver = "memory"
	// DefaultStoragePath is the SQLite file used when the driver is "sqlite".
	DefaultStoragePath = "relay.db"
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address        string
	AdminAddress   string
	AllowedOrigins []string
	PingInterval   time.Duration
	TLSCertPath    string
	TLSKeyPath     string
	AdminToken     string

	ValidationWorkers int
	BroadcastWorkers  int
	StorageWorkers    int

	IngressSoftLimit  int
	IngressHardLimit  int
	OutboundSoftLimit int
	OutboundHardLimit int

	StorageBatchSize int
	StorageFlushMS   int

	BroadcastMaxAgeSeconds int
	MaxEventBytes          int
	MaxFiltersPerReq       int
	MaxHistoricalLimit     int
	QueryDeadlineMS        int

	MaxConsecutiveDrops int
	PolicyCacheTTL      time.Duration

	StorageDriver string
	StoragePath   string

	RelayName        string
	RelayDescription string

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// fileOverlay mirrors the subset of Config fields an operator may check
// into source control as a YAML base configuration. Fields are pointers
// so that an absent key in the file leaves the built-in default alone.
type fileOverlay struct {
	Address        *string  `yaml:"address"`
	AdminAddress   *string  `yaml:"admin_address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	PingIntervalMS *int     `yaml:"ping_interval_ms"`

	ValidationWorkers *int `yaml:"validation_workers"`
	BroadcastWorkers  *int `yaml:"broadcast_workers"`
	StorageWorkers    *int `yaml:"storage_workers"`

	IngressSoftLimit  *int `yaml:"ingress_soft_limit"`
	IngressHardLimit  *int `yaml:"ingress_hard_limit"`
	OutboundSoftLimit *int `yaml:"outbound_soft_limit"`
	OutboundHardLimit *int `yaml:"outbound_hard_limit"`

	StorageBatchSize *int `yaml:"storage_batch_size"`
	StorageFlushMS   *int `yaml:"storage_flush_ms"`

	BroadcastMaxAgeSeconds *int `yaml:"broadcast_max_age_seconds"`
	MaxEventBytes          *int `yaml:"max_event_bytes"`
	MaxFiltersPerReq       *int `yaml:"max_filters_per_req"`
	MaxHistoricalLimit     *int `yaml:"max_historical_limit"`
	QueryDeadlineMS        *int `yaml:"query_deadline_ms"`

	StorageDriver *string `yaml:"storage_driver"`
	StoragePath   *string `yaml:"storage_path"`

	RelayName        *string `yaml:"relay_name"`
	RelayDescription *string `yaml:"relay_description"`

	Logging *struct {
		Level      *string `yaml:"level"`
		Path       *string `yaml:"path"`
		MaxSizeMB  *int    `yaml:"max_size_mb"`
		MaxBackups *int    `yaml:"max_backups"`
		MaxAgeDays *int    `yaml:"max_age_days"`
		Compress   *bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// Load builds the relay configuration from defaults, an optional YAML
// file named by RELAY_CONFIG_FILE, and environment variable overrides
// applied in that order. Malformed overrides are collected and returned
// together as a single error.
func Load() (*Config, error) {
	cores := runtime.NumCPU()

	cfg := &Config{
		Address:        getString("RELAY_ADDR", DefaultAddr),
		AdminAddress:   getString("RELAY_ADMIN_ADDR", DefaultAdminAddr),
		AllowedOrigins: parseList(os.Getenv("RELAY_ALLOWED_ORIGINS")),
		PingInterval:   DefaultPingInterval,
		TLSCertPath:    strings.TrimSpace(os.Getenv("RELAY_TLS_CERT")),
		TLSKeyPath:     strings.TrimSpace(os.Getenv("RELAY_TLS_KEY")),
		AdminToken:     strings.TrimSpace(os.Getenv("RELAY_ADMIN_TOKEN")),

		ValidationWorkers: intDefault(float64(cores) * 0.75),
		BroadcastWorkers:  1,
		StorageWorkers:    intDefault(float64(cores) * 0.25),

		IngressSoftLimit:  DefaultIngressSoftLimit,
		IngressHardLimit:  DefaultIngressHardLimit,
		OutboundSoftLimit: DefaultOutboundSoftLimit,
		OutboundHardLimit: DefaultOutboundHardLimit,

		StorageBatchSize: DefaultStorageBatchSize,
		StorageFlushMS:   DefaultStorageFlushMS,

		BroadcastMaxAgeSeconds: 0,
		MaxEventBytes:          DefaultMaxEventBytes,
		MaxFiltersPerReq:       DefaultMaxFiltersPerReq,
		MaxHistoricalLimit:     DefaultMaxHistoricalLimit,
		QueryDeadlineMS:        DefaultQueryDeadlineMS,

		MaxConsecutiveDrops: DefaultMaxConsecutiveDrops,
		PolicyCacheTTL:      DefaultPolicyCacheTTL,

		StorageDriver: DefaultStorageDriver,
		StoragePath:   DefaultStoragePath,

		RelayName:        getString("RELAY_NAME", "go relay"),
		RelayDescription: getString("RELAY_DESCRIPTION", ""),

		Logging: LoggingConfig{
			Level:      getString("RELAY_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("RELAY_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if path := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); path != "" {
		if err := applyFileOverlay(cfg, path); err != nil {
			problems = append(problems, err.Error())
		}
	}

	applyEnvOverrides(cfg, &problems)

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "RELAY_TLS_CERT and RELAY_TLS_KEY must be provided together")
	}
	if cfg.ValidationWorkers < 1 {
		problems = append(problems, "validation_workers must be at least 1")
	}
	if cfg.StorageWorkers < 1 {
		problems = append(problems, "storage_workers must be at least 1")
	}
	if cfg.IngressHardLimit <= cfg.IngressSoftLimit {
		problems = append(problems, "ingress_hard_limit must exceed ingress_soft_limit")
	}
	if cfg.OutboundHardLimit <= cfg.OutboundSoftLimit {
		problems = append(problems, "outbound_hard_limit must exceed outbound_soft_limit")
	}
	if cfg.StorageDriver != "memory" && cfg.StorageDriver != "sqlite" {
		problems = append(problems, fmt.Sprintf("storage_driver must be \"memory\" or \"sqlite\", got %q", cfg.StorageDriver))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}
	return cfg, nil
}

func applyFileOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if overlay.Address != nil {
		cfg.Address = *overlay.Address
	}
	if overlay.AdminAddress != nil {
		cfg.AdminAddress = *overlay.AdminAddress
	}
	if len(overlay.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = overlay.AllowedOrigins
	}
	if overlay.PingIntervalMS != nil {
		cfg.PingInterval = time.Duration(*overlay.PingIntervalMS) * time.Millisecond
	}
	if overlay.ValidationWorkers != nil {
		cfg.ValidationWorkers = *overlay.ValidationWorkers
	}
	if overlay.BroadcastWorkers != nil {
		cfg.BroadcastWorkers = *overlay.BroadcastWorkers
	}
	if overlay.StorageWorkers != nil {
		cfg.StorageWorkers = *overlay.StorageWorkers
	}
	if overlay.IngressSoftLimit != nil {
		cfg.IngressSoftLimit = *overlay.IngressSoftLimit
	}
	if overlay.IngressHardLimit != nil {
		cfg.IngressHardLimit = *overlay.IngressHardLimit
	}
	if overlay.OutboundSoftLimit != nil {
		cfg.OutboundSoftLimit = *overlay.OutboundSoftLimit
	}
	if overlay.OutboundHardLimit != nil {
		cfg.OutboundHardLimit = *overlay.OutboundHardLimit
	}
	if overlay.StorageBatchSize != nil {
		cfg.StorageBatchSize = *overlay.StorageBatchSize
	}
	if overlay.StorageFlushMS != nil {
		cfg.StorageFlushMS = *overlay.StorageFlushMS
	}
	if overlay.BroadcastMaxAgeSeconds != nil {
		cfg.BroadcastMaxAgeSeconds = *overlay.BroadcastMaxAgeSeconds
	}
	if overlay.MaxEventBytes != nil {
		cfg.MaxEventBytes = *overlay.MaxEventBytes
	}
	if overlay.MaxFiltersPerReq != nil {
		cfg.MaxFiltersPerReq = *overlay.MaxFiltersPerReq
	}
	if overlay.MaxHistoricalLimit != nil {
		cfg.MaxHistoricalLimit = *overlay.MaxHistoricalLimit
	}
	if overlay.QueryDeadlineMS != nil {
		cfg.QueryDeadlineMS = *overlay.QueryDeadlineMS
	}
	if overlay.StorageDriver != nil {
		cfg.StorageDriver = *overlay.StorageDriver
	}
	if overlay.StoragePath != nil {
		cfg.StoragePath = *overlay.StoragePath
	}
	if overlay.RelayName != nil {
		cfg.RelayName = *overlay.RelayName
	}
	if overlay.RelayDescription != nil {
		cfg.RelayDescription = *overlay.RelayDescription
	}
	if overlay.Logging != nil {
		l := overlay.Logging
		if l.Level != nil {
			cfg.Logging.Level = *l.Level
		}
		if l.Path != nil {
			cfg.Logging.Path = *l.Path
		}
		if l.MaxSizeMB != nil {
			cfg.Logging.MaxSizeMB = *l.MaxSizeMB
		}
		if l.MaxBackups != nil {
			cfg.Logging.MaxBackups = *l.MaxBackups
		}
		if l.MaxAgeDays != nil {
			cfg.Logging.MaxAgeDays = *l.MaxAgeDays
		}
		if l.Compress != nil {
			cfg.Logging.Compress = *l.Compress
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, problems *[]string) {
	overrideInt := func(key string, dest *int, min int) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < min {
			*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, min, raw))
			return
		}
		*dest = value
	}
	overrideDurationMS := func(key string, dest *time.Duration) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			*problems = append(*problems, fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
			return
		}
		*dest = time.Duration(value) * time.Millisecond
	}
	overrideBool := func(key string, dest *bool) {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			return
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
			return
		}
		*dest = value
	}

	if raw := getString("RELAY_ADDR", ""); raw != "" {
		cfg.Address = raw
	}
	if raw := getString("RELAY_ADMIN_ADDR", ""); raw != "" {
		cfg.AdminAddress = raw
	}
	if raw := os.Getenv("RELAY_ALLOWED_ORIGINS"); raw != "" {
		cfg.AllowedOrigins = parseList(raw)
	}
	overrideDurationMS("RELAY_PING_INTERVAL_MS", &cfg.PingInterval)
	if raw := getString("RELAY_NAME", ""); raw != "" {
		cfg.RelayName = raw
	}
	if raw := getString("RELAY_DESCRIPTION", ""); raw != "" {
		cfg.RelayDescription = raw
	}

	overrideInt("RELAY_VALIDATION_WORKERS", &cfg.ValidationWorkers, 1)
	overrideInt("RELAY_BROADCAST_WORKERS", &cfg.BroadcastWorkers, 1)
	overrideInt("RELAY_STORAGE_WORKERS", &cfg.StorageWorkers, 1)

	overrideInt("RELAY_INGRESS_SOFT_LIMIT", &cfg.IngressSoftLimit, 1)
	overrideInt("RELAY_INGRESS_HARD_LIMIT", &cfg.IngressHardLimit, 1)
	overrideInt("RELAY_OUTBOUND_SOFT_LIMIT", &cfg.OutboundSoftLimit, 1)
	overrideInt("RELAY_OUTBOUND_HARD_LIMIT", &cfg.OutboundHardLimit, 1)

	overrideInt("RELAY_STORAGE_BATCH_SIZE", &cfg.StorageBatchSize, 1)
	overrideInt("RELAY_STORAGE_FLUSH_MS", &cfg.StorageFlushMS, 1)

	overrideInt("RELAY_BROADCAST_MAX_AGE_SECONDS", &cfg.BroadcastMaxAgeSeconds, 0)
	overrideInt("RELAY_MAX_EVENT_BYTES", &cfg.MaxEventBytes, 1)
	overrideInt("RELAY_MAX_FILTERS_PER_REQ", &cfg.MaxFiltersPerReq, 1)
	overrideInt("RELAY_MAX_HISTORICAL_LIMIT", &cfg.MaxHistoricalLimit, 1)
	overrideInt("RELAY_QUERY_DEADLINE_MS", &cfg.QueryDeadlineMS, 1)
	overrideInt("RELAY_MAX_CONSECUTIVE_DROPS", &cfg.MaxConsecutiveDrops, 1)

	if raw := strings.TrimSpace(os.Getenv("RELAY_POLICY_CACHE_TTL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			*problems = append(*problems, fmt.Sprintf("RELAY_POLICY_CACHE_TTL must be a positive duration, got %q", raw))
		} else {
			cfg.PolicyCacheTTL = duration
		}
	}

	if raw := getString("RELAY_STORAGE_DRIVER", ""); raw != "" {
		cfg.StorageDriver = raw
	}
	if raw := getString("RELAY_STORAGE_PATH", ""); raw != "" {
		cfg.StoragePath = raw
	}

	if raw := getString("RELAY_LOG_LEVEL", ""); raw != "" {
		cfg.Logging.Level = raw
	}
	if raw := getString("RELAY_LOG_PATH", ""); raw != "" {
		cfg.Logging.Path = raw
	}
	overrideInt("RELAY_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1)
	overrideInt("RELAY_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0)
	overrideInt("RELAY_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0)
	overrideBool("RELAY_LOG_COMPRESS", &cfg.Logging.Compress)
}

func intDefault(value float64) int {
	rounded := int(value)
	if rounded < 1 {
		return 1
	}
	return rounded
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
