// Package config loads relayhub settings from an optional YAML file and
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relayhub/internal/analytics"
)

type Config struct {
	Addr          string              `yaml:"addr"`
	Store         StoreConfig         `yaml:"store"`
	Auth          AuthConfig          `yaml:"auth"`
	Internal      InternalConfig      `yaml:"internal"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Realtime      RealtimeConfig      `yaml:"realtime"`
	Locks         LocksConfig         `yaml:"locks"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Messages      MessagesConfig      `yaml:"messages"`
	Log           LogConfig           `yaml:"log"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
}

type StoreConfig struct {
	DSN     string `yaml:"dsn"`
	Profile string `yaml:"profile"`
	// DataDir holds the file backends of the durable-local profile.
	DataDir       string `yaml:"data_dir"`
	ProductionDSN string `yaml:"production_dsn"`
	RedisURL      string `yaml:"redis_url"`
}

type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	Audience   string `yaml:"audience"`
	AdminScope string `yaml:"admin_scope"`
}

type InternalConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	MaxSkew    time.Duration `yaml:"max_skew"`
}

type RateLimitConfig struct {
	Max          int           `yaml:"max"`
	Window       time.Duration `yaml:"window"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
}

type RealtimeConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	SendBuffer     int           `yaml:"send_buffer"`
	OriginPatterns []string      `yaml:"origin_patterns"`
	TypingTTL      time.Duration `yaml:"typing_ttl"`
}

type LocksConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	ChangeLogTTL   time.Duration `yaml:"change_log_ttl"`
	ChangeLogMax   int           `yaml:"change_log_max"`
	ConflictWindow time.Duration `yaml:"conflict_window"`
}

type NotificationsConfig struct {
	MaxPending int            `yaml:"max_pending"`
	TTL        time.Duration  `yaml:"ttl"`
	Outbound   OutboundConfig `yaml:"outbound"`
}

type OutboundConfig struct {
	QueueDSN    string        `yaml:"queue_dsn"`
	QueueSize   int           `yaml:"queue_size"`
	Endpoint    string        `yaml:"endpoint"`
	Token       string        `yaml:"token"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type AnalyticsConfig struct {
	SourceURL              string        `yaml:"source_url"`
	SourceToken            string        `yaml:"source_token"`
	DefaultInterval        time.Duration `yaml:"default_interval"`
	MinInterval            time.Duration `yaml:"min_interval"`
	MaxInterval            time.Duration `yaml:"max_interval"`
	FetchTimeout           time.Duration `yaml:"fetch_timeout"`
	EngagementSpikePercent float64       `yaml:"engagement_spike_percent"`
	EngagementField        string        `yaml:"engagement_field"`
	Milestones             []float64     `yaml:"milestones"`
	MilestoneFields        []string      `yaml:"milestone_fields"`
}

type MessagesConfig struct {
	Max int           `yaml:"max"`
	TTL time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

type MaintenanceConfig struct {
	HealthInterval              string `yaml:"health_interval"`
	SweepSchedule               string `yaml:"sweep_schedule"`
	NotificationCleanupSchedule string `yaml:"notification_cleanup_schedule"`
}

// Default returns the settings used when neither the file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Addr:  ":8080",
		Store: StoreConfig{DSN: "", DataDir: ".relayhub"},
		Auth: AuthConfig{
			Audience:   "relayhub",
			AdminScope: "relayhub:admin",
		},
		Internal:  InternalConfig{MaxSkew: 5 * time.Minute},
		RateLimit: RateLimitConfig{Window: time.Minute, MaxBodyBytes: 1 << 20},
		Realtime: RealtimeConfig{
			PingInterval: 30 * time.Second,
			SendBuffer:   64,
			TypingTTL:    8 * time.Second,
		},
		Locks: LocksConfig{
			TTL:            300 * time.Second,
			ChangeLogTTL:   time.Hour,
			ChangeLogMax:   1000,
			ConflictWindow: 2 * time.Second,
		},
		Notifications: NotificationsConfig{
			MaxPending: 100,
			TTL:        30 * 24 * time.Hour,
			Outbound: OutboundConfig{
				QueueDSN:    "memory://",
				QueueSize:   1024,
				Workers:     2,
				MaxAttempts: 3,
				RetryDelay:  2 * time.Second,
			},
		},
		Analytics: AnalyticsConfig{
			DefaultInterval:        30 * time.Second,
			MinInterval:            10 * time.Second,
			MaxInterval:            300 * time.Second,
			FetchTimeout:           10 * time.Second,
			EngagementSpikePercent: 50,
			EngagementField:        "engagementRate",
			Milestones:             []float64{1000, 5000, 10000, 50000, 100000, 500000, 1000000},
			MilestoneFields:        []string{"reach", "followers"},
		},
		Messages: MessagesConfig{Max: 100, TTL: 24 * time.Hour},
		Log:      LogConfig{Level: "info", Format: "json"},
		Tracing:  TracingConfig{SamplingRate: 1.0},
		Maintenance: MaintenanceConfig{
			HealthInterval:              "@every 15s",
			SweepSchedule:               "@every 1m",
			NotificationCleanupSchedule: "@hourly",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: expected single document", path)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("RELAYHUB_ADDR", cfg.Addr)

	cfg.Store.DSN = stringEnv("RELAYHUB_STORE_DSN", cfg.Store.DSN)
	cfg.Store.Profile = stringEnv("RELAYHUB_BACKEND_PROFILE", cfg.Store.Profile)
	cfg.Store.DataDir = stringEnv("RELAYHUB_DATA_DIR", cfg.Store.DataDir)
	cfg.Store.ProductionDSN = stringEnv("RELAYHUB_PRODUCTION_DSN", stringEnv("RELAYHUB_POSTGRES_DSN", cfg.Store.ProductionDSN))
	cfg.Store.RedisURL = stringEnv("RELAYHUB_REDIS_URL", cfg.Store.RedisURL)

	cfg.Auth.JWTSecret = stringEnv("RELAYHUB_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.Audience = stringEnv("RELAYHUB_JWT_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.AdminScope = stringEnv("RELAYHUB_ADMIN_SCOPE", cfg.Auth.AdminScope)

	cfg.Internal.HMACSecret = stringEnv("RELAYHUB_INTERNAL_HMAC_SECRET", cfg.Internal.HMACSecret)
	cfg.Internal.MaxSkew = durationEnv("RELAYHUB_INTERNAL_MAX_SKEW", cfg.Internal.MaxSkew)

	cfg.RateLimit.Max = intEnv("RELAYHUB_RATE_LIMIT_MAX", cfg.RateLimit.Max)
	cfg.RateLimit.Window = durationEnv("RELAYHUB_RATE_LIMIT_WINDOW", cfg.RateLimit.Window)
	cfg.RateLimit.MaxBodyBytes = int64Env("RELAYHUB_MAX_BODY_BYTES", cfg.RateLimit.MaxBodyBytes)

	cfg.Realtime.PingInterval = durationEnv("RELAYHUB_PING_INTERVAL", cfg.Realtime.PingInterval)
	cfg.Realtime.SendBuffer = intEnv("RELAYHUB_SEND_BUFFER", cfg.Realtime.SendBuffer)

	cfg.Locks.TTL = durationEnv("RELAYHUB_LOCK_TTL", cfg.Locks.TTL)

	cfg.Notifications.MaxPending = intEnv("RELAYHUB_NOTIFICATIONS_MAX_PENDING", cfg.Notifications.MaxPending)
	cfg.Notifications.TTL = durationEnv("RELAYHUB_NOTIFICATIONS_TTL", cfg.Notifications.TTL)
	cfg.Notifications.Outbound.QueueDSN = stringEnv("RELAYHUB_OUTBOUND_QUEUE_DSN", cfg.Notifications.Outbound.QueueDSN)
	cfg.Notifications.Outbound.Endpoint = stringEnv("RELAYHUB_PUSH_ENDPOINT", cfg.Notifications.Outbound.Endpoint)
	cfg.Notifications.Outbound.Token = stringEnv("RELAYHUB_PUSH_TOKEN", cfg.Notifications.Outbound.Token)
	cfg.Notifications.Outbound.Workers = intEnv("RELAYHUB_OUTBOUND_WORKERS", cfg.Notifications.Outbound.Workers)
	cfg.Notifications.Outbound.MaxAttempts = intEnv("RELAYHUB_OUTBOUND_MAX_ATTEMPTS", cfg.Notifications.Outbound.MaxAttempts)

	cfg.Analytics.SourceURL = stringEnv("RELAYHUB_ANALYTICS_SOURCE_URL", cfg.Analytics.SourceURL)
	cfg.Analytics.SourceToken = stringEnv("RELAYHUB_ANALYTICS_SOURCE_TOKEN", cfg.Analytics.SourceToken)
	cfg.Analytics.DefaultInterval = durationEnv("RELAYHUB_ANALYTICS_DEFAULT_INTERVAL", cfg.Analytics.DefaultInterval)
	cfg.Analytics.EngagementSpikePercent = floatEnv("RELAYHUB_ENGAGEMENT_SPIKE_PERCENT", cfg.Analytics.EngagementSpikePercent)

	cfg.Log.Level = stringEnv("RELAYHUB_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = stringEnv("RELAYHUB_LOG_FORMAT", cfg.Log.Format)

	cfg.Tracing.Endpoint = stringEnv("RELAYHUB_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.Insecure = boolEnv("RELAYHUB_OTLP_INSECURE", cfg.Tracing.Insecure)
	cfg.Tracing.SamplingRate = floatEnv("RELAYHUB_TRACE_SAMPLING_RATE", cfg.Tracing.SamplingRate)
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Addr) == "" {
		problems = append(problems, "addr is required")
	}
	if c.Analytics.MinInterval > c.Analytics.MaxInterval && c.Analytics.MaxInterval > 0 {
		problems = append(problems, "analytics.min_interval exceeds analytics.max_interval")
	}
	if c.Analytics.EngagementSpikePercent < 0 {
		problems = append(problems, "analytics.engagement_spike_percent must not be negative")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		problems = append(problems, "tracing.sampling_rate must be between 0 and 1")
	}
	if c.Notifications.Outbound.MaxAttempts < 0 {
		problems = append(problems, "notifications.outbound.max_attempts must not be negative")
	}
	if _, err := c.StoreDSN(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// StoreDSN resolves the ephemeral store DSN. An explicit store.dsn wins over
// the profile.
func (c Config) StoreDSN() (string, error) {
	if dsn := strings.TrimSpace(c.Store.DSN); dsn != "" {
		return dsn, nil
	}
	profile := strings.ToLower(strings.TrimSpace(c.Store.Profile))
	dataDir := strings.TrimSpace(c.Store.DataDir)
	if dataDir == "" {
		dataDir = ".relayhub"
	}
	switch profile {
	case "", "custom", "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "ephemeral.json"), nil
	case "redis":
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			return "", fmt.Errorf("store.redis_url or RELAYHUB_REDIS_URL is required when store.profile=%s", profile)
		}
		return strings.TrimSpace(c.Store.RedisURL), nil
	case "production", "prod":
		if strings.TrimSpace(c.Store.ProductionDSN) == "" {
			return "", fmt.Errorf("RELAYHUB_PRODUCTION_DSN or RELAYHUB_POSTGRES_DSN is required when store.profile=%s", profile)
		}
		return strings.TrimSpace(c.Store.ProductionDSN), nil
	default:
		return "", fmt.Errorf("unsupported store.profile: %s", profile)
	}
}

// OutboundQueueDSN follows the store profile when the queue DSN is left at
// its in-memory default and the profile keeps state on local disk.
func (c Config) OutboundQueueDSN() string {
	dsn := strings.TrimSpace(c.Notifications.Outbound.QueueDSN)
	profile := strings.ToLower(strings.TrimSpace(c.Store.Profile))
	if (dsn == "" || dsn == "memory://") && (profile == "durable-local" || profile == "local-durable") {
		dataDir := strings.TrimSpace(c.Store.DataDir)
		if dataDir == "" {
			dataDir = ".relayhub"
		}
		return "file://" + filepath.Join(dataDir, "outbound-queue.json")
	}
	return dsn
}

// Thresholds converts the alert settings for the analytics engine.
func (a AnalyticsConfig) Thresholds() analytics.Thresholds {
	return analytics.Thresholds{
		EngagementSpikePercent: a.EngagementSpikePercent,
		EngagementField:        a.EngagementField,
		Milestones:             append([]float64(nil), a.Milestones...),
		MilestoneFields:        append([]string(nil), a.MilestoneFields...),
	}
}
