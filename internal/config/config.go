package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the device configuration file. Everything lives under the
// top-level fieldsync key.
type Config struct {
	Fieldsync Settings `yaml:"fieldsync"`
}

type Settings struct {
	Log          LogConfig          `yaml:"log"`
	Store        StoreConfig        `yaml:"store"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Engine       EngineConfig       `yaml:"engine"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	API          APIConfig          `yaml:"api"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	Path           string        `yaml:"path"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     *int          `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

type ConnectivityConfig struct {
	Mode          string        `yaml:"mode"`
	Initial       string        `yaml:"initial"`
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	FlapThreshold int           `yaml:"flap_threshold"`
	WebSocketURL  string        `yaml:"websocket_url"`
	SignalFile    string        `yaml:"signal_file"`
}

type EngineConfig struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	CommitTimeout   time.Duration `yaml:"commit_timeout"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	BackoffJitter   float64       `yaml:"backoff_jitter"`
	PayloadSchema   string        `yaml:"payload_schema"`
}

type SchedulerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Jitter           float64       `yaml:"jitter"`
	Ticker           string        `yaml:"ticker"`
	DrainWhenOffline bool          `yaml:"drain_when_offline"`
	TriggerOnStart   *bool         `yaml:"trigger_on_start"`
}

type APIConfig struct {
	Enabled      *bool  `yaml:"enabled"`
	Addr         string `yaml:"addr"`
	Token        string `yaml:"token"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads path, fills defaults and applies FIELDSYNC_* overrides.
// An empty path yields the defaults plus overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Fieldsync
	if s.Log.Level == "" {
		s.Log.Level = "info"
	}
	if s.Log.Format == "" {
		s.Log.Format = "text"
	}
	if s.Store.DSN == "" {
		s.Store.DSN = "file://fieldsync-queue.json"
	}
	if s.Remote.BaseURL == "" {
		s.Remote.BaseURL = "http://127.0.0.1:8080"
	}
	if s.Remote.Path == "" {
		s.Remote.Path = "/v1/mutations"
	}
	if s.Remote.Timeout == 0 {
		s.Remote.Timeout = 15 * time.Second
	}
	if s.Remote.MaxRetries == nil {
		retries := 2
		s.Remote.MaxRetries = &retries
	}
	if s.Remote.RetryBaseDelay == 0 {
		s.Remote.RetryBaseDelay = 100 * time.Millisecond
	}
	if s.Remote.RetryMaxDelay == 0 {
		s.Remote.RetryMaxDelay = 2 * time.Second
	}
	if s.Connectivity.Mode == "" {
		s.Connectivity.Mode = "http"
	}
	if s.Connectivity.Initial == "" {
		s.Connectivity.Initial = "offline"
	}
	if s.Connectivity.ProbeURL == "" && s.Connectivity.Mode == "http" {
		s.Connectivity.ProbeURL = strings.TrimRight(s.Remote.BaseURL, "/") + "/health"
	}
	if s.Connectivity.ProbeInterval == 0 {
		s.Connectivity.ProbeInterval = 10 * time.Second
	}
	if s.Connectivity.ProbeTimeout == 0 {
		s.Connectivity.ProbeTimeout = 5 * time.Second
	}
	if s.Connectivity.FlapThreshold == 0 {
		s.Connectivity.FlapThreshold = 2
	}
	if s.Engine.DeliveryTimeout == 0 {
		s.Engine.DeliveryTimeout = 30 * time.Second
	}
	if s.Engine.CommitTimeout == 0 {
		s.Engine.CommitTimeout = 10 * time.Second
	}
	if s.Scheduler.Interval == 0 {
		s.Scheduler.Interval = time.Minute
	}
	if s.Scheduler.Jitter == 0 {
		s.Scheduler.Jitter = 0.1
	}
	if s.Scheduler.Ticker == "" {
		s.Scheduler.Ticker = "timer"
	}
	if s.Scheduler.TriggerOnStart == nil {
		enabled := true
		s.Scheduler.TriggerOnStart = &enabled
	}
	if s.API.Enabled == nil {
		enabled := true
		s.API.Enabled = &enabled
	}
	if s.API.Addr == "" {
		s.API.Addr = "127.0.0.1:7878"
	}
	if s.API.MaxBodyBytes == 0 {
		s.API.MaxBodyBytes = 1 << 20
	}
}

func (c *Config) applyEnv() {
	s := &c.Fieldsync
	s.Log.Level = envOrDefault("FIELDSYNC_LOG_LEVEL", s.Log.Level)
	s.Log.Format = envOrDefault("FIELDSYNC_LOG_FORMAT", s.Log.Format)
	s.Store.DSN = envOrDefault("FIELDSYNC_STORE", s.Store.DSN)
	s.Remote.BaseURL = envOrDefault("FIELDSYNC_REMOTE_URL", s.Remote.BaseURL)
	s.Remote.Token = envOrDefault("FIELDSYNC_REMOTE_TOKEN", s.Remote.Token)
	s.Remote.Timeout = durationEnv("FIELDSYNC_REMOTE_TIMEOUT", s.Remote.Timeout)
	s.Remote.MaxRetries = intPtrEnv("FIELDSYNC_REMOTE_MAX_RETRIES", s.Remote.MaxRetries)
	s.Connectivity.Mode = envOrDefault("FIELDSYNC_CONNECTIVITY_MODE", s.Connectivity.Mode)
	s.Connectivity.Initial = envOrDefault("FIELDSYNC_CONNECTIVITY_INITIAL", s.Connectivity.Initial)
	s.Connectivity.ProbeURL = envOrDefault("FIELDSYNC_PROBE_URL", s.Connectivity.ProbeURL)
	s.Connectivity.ProbeInterval = durationEnv("FIELDSYNC_PROBE_INTERVAL", s.Connectivity.ProbeInterval)
	s.Connectivity.WebSocketURL = envOrDefault("FIELDSYNC_WEBSOCKET_URL", s.Connectivity.WebSocketURL)
	s.Connectivity.SignalFile = envOrDefault("FIELDSYNC_SIGNAL_FILE", s.Connectivity.SignalFile)
	s.Engine.DeliveryTimeout = durationEnv("FIELDSYNC_DELIVERY_TIMEOUT", s.Engine.DeliveryTimeout)
	s.Engine.PayloadSchema = envOrDefault("FIELDSYNC_PAYLOAD_SCHEMA", s.Engine.PayloadSchema)
	s.Scheduler.Interval = durationEnv("FIELDSYNC_SYNC_INTERVAL", s.Scheduler.Interval)
	s.Scheduler.Jitter = floatEnv("FIELDSYNC_SYNC_INTERVAL_JITTER", s.Scheduler.Jitter)
	s.Scheduler.Ticker = envOrDefault("FIELDSYNC_SYNC_TICKER", s.Scheduler.Ticker)
	s.API.Addr = envOrDefault("FIELDSYNC_API_ADDR", s.API.Addr)
	s.API.Token = envOrDefault("FIELDSYNC_API_TOKEN", s.API.Token)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	s := c.Fieldsync
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", s.Log.Format)
	}
	switch strings.ToLower(s.Connectivity.Mode) {
	case "http":
		if s.Connectivity.ProbeURL == "" {
			return fmt.Errorf("connectivity.probe_url is required for http mode")
		}
	case "websocket":
		if s.Connectivity.WebSocketURL == "" {
			return fmt.Errorf("connectivity.websocket_url is required for websocket mode")
		}
	case "file":
		if s.Connectivity.SignalFile == "" {
			return fmt.Errorf("connectivity.signal_file is required for file mode")
		}
	case "static":
	default:
		return fmt.Errorf("connectivity.mode must be http, websocket, file or static, got %q", s.Connectivity.Mode)
	}
	switch strings.ToLower(s.Connectivity.Initial) {
	case "online", "offline":
	default:
		return fmt.Errorf("connectivity.initial must be online or offline, got %q", s.Connectivity.Initial)
	}
	if s.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if s.Scheduler.Jitter < 0 || s.Scheduler.Jitter > 1 {
		return fmt.Errorf("scheduler.jitter must be between 0 and 1")
	}
	switch strings.ToLower(s.Scheduler.Ticker) {
	case "timer":
	case "cron":
		if s.Scheduler.Interval < time.Second {
			return fmt.Errorf("scheduler.interval must be at least 1s with the cron ticker")
		}
	default:
		return fmt.Errorf("scheduler.ticker must be timer or cron, got %q", s.Scheduler.Ticker)
	}
	if s.Engine.DeliveryTimeout <= 0 {
		return fmt.Errorf("engine.delivery_timeout must be positive")
	}
	if s.Engine.BackoffBase < 0 || s.Engine.BackoffMax < 0 {
		return fmt.Errorf("engine backoff durations must not be negative")
	}
	if s.Engine.BackoffMax > 0 && s.Engine.BackoffMax < s.Engine.BackoffBase {
		return fmt.Errorf("engine.backoff_max must not be below engine.backoff_base")
	}
	if s.Remote.MaxRetries != nil && *s.Remote.MaxRetries < 0 {
		return fmt.Errorf("remote.max_retries must not be negative")
	}
	if s.Connectivity.FlapThreshold < 1 {
		return fmt.Errorf("connectivity.flap_threshold must be at least 1")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float in environment, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

// intPtrEnv keeps an explicit zero apart from an unset value.
func intPtrEnv(name string, fallback *int) *int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer in environment, using fallback", "name", name, "value", raw)
		return fallback
	}
	return &value
}
