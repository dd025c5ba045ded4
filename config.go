package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded from YAML and then
// overridden by environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Redis     RedisConfig     `yaml:"redis"`
	Gate      GateConfig      `yaml:"gate"`
	Detector  DetectorConfig  `yaml:"detector"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	SecLog    SecLogConfig    `yaml:"security_log"`
	Upstream  UpstreamConfig  `yaml:"upstream"`

	// envErrs holds environment overrides that could not be parsed.
	envErrs []error
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RequestsPerSecond limits new websocket and API requests per client IP.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

type GateConfig struct {
	CookieName string        `yaml:"cookie_name"`
	CookieKey  string        `yaml:"cookie_key"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

// Tier is one row of the classification table.
type Tier struct {
	MinScore   int        `yaml:"min_score"`
	IsBot      bool       `yaml:"is_bot"`
	Confidence Confidence `yaml:"confidence"`
}

type DetectorConfig struct {
	// Preset selects a built-in threshold table ("standard" or "legacy").
	// Ignored when Thresholds is non-empty.
	Preset          string         `yaml:"preset"`
	Thresholds      []Tier         `yaml:"thresholds"`
	Weights         map[string]int `yaml:"weights"`
	PointerGrace    time.Duration  `yaml:"pointer_grace"`
	MinCanvasLength int            `yaml:"min_canvas_length"`
}

type ChallengeConfig struct {
	SiteKey       string        `yaml:"site_key"`
	SecretKey     string        `yaml:"secret_key"`
	ScriptURL     string        `yaml:"script_url"`
	VerifyURL     string        `yaml:"verify_url"`
	MaxAttempts   int           `yaml:"max_attempts"`
	MountTimeout  time.Duration `yaml:"mount_timeout"`
	ManualDelay   time.Duration `yaml:"manual_delay"`
	FadeDuration  time.Duration `yaml:"fade_duration"`
	LockoutDelay  time.Duration `yaml:"lockout_delay"`
	LockoutURL    string        `yaml:"lockout_url"`
	PlainMessage  string        `yaml:"plain_message"`
	ElevatedMsg   string        `yaml:"elevated_message"`
	FallbackLabel string        `yaml:"fallback_label"`
	LockedMessage string        `yaml:"locked_message"`
}

type MonitorConfig struct {
	Interval          time.Duration `yaml:"interval"`
	IdleAfter         time.Duration `yaml:"idle_after"`
	BurstWindow       time.Duration `yaml:"burst_window"`
	BurstInteractions int           `yaml:"burst_interactions"`
}

type SecLogConfig struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

type UpstreamConfig struct {
	// BreachLookupURL, when set, is reverse-proxied at /api/check-email for
	// verified sessions only.
	BreachLookupURL string `yaml:"breach_lookup_url"`
	// BreachLookupKey is sent upstream as X-API-Key so the browser never
	// sees it.
	BreachLookupKey string `yaml:"breach_lookup_key"`
}

// Threshold presets. The two tables disagree on purpose: both variants were
// deployed and product has not picked one.
var thresholdPresets = map[string][]Tier{
	"standard": {
		{MinScore: 50, IsBot: true, Confidence: ConfidenceHigh},
		{MinScore: 30, IsBot: true, Confidence: ConfidenceMedium},
	},
	"legacy": {
		{MinScore: 40, IsBot: true, Confidence: ConfidenceHigh},
		{MinScore: 20, IsBot: true, Confidence: ConfidenceMedium},
	},
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              "3000",
			AllowedOrigins:    []string{"*"},
			RequestsPerSecond: 5,
			Burst:             20,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Redis:   RedisConfig{Prefix: "gate:"},
		Gate: GateConfig{
			CookieName: "gate_session",
			SessionTTL: 12 * time.Hour,
		},
		Detector: DetectorConfig{
			Preset:          "standard",
			Weights:         DefaultWeights(),
			PointerGrace:    3 * time.Second,
			MinCanvasLength: 100,
		},
		Challenge: ChallengeConfig{
			ScriptURL:     "https://challenges.cloudflare.com/turnstile/v0/api.js",
			VerifyURL:     TurnstileVerifyEndpoint,
			MaxAttempts:   3,
			MountTimeout:  2000 * time.Millisecond,
			ManualDelay:   1500 * time.Millisecond,
			FadeDuration:  500 * time.Millisecond,
			LockoutDelay:  1500 * time.Millisecond,
			LockoutURL:    "about:blank",
			PlainMessage:  "Please confirm that you are human",
			ElevatedMsg:   "Security verification required",
			FallbackLabel: "I am human",
			LockedMessage: "Too many failed verification attempts. Access blocked.",
		},
		Monitor: MonitorConfig{
			Interval:          10 * time.Second,
			IdleAfter:         30 * time.Second,
			BurstWindow:       10 * time.Second,
			BurstInteractions: 100,
		},
		SecLog: SecLogConfig{
			MaxEntries: 50,
			TTL:        30 * 24 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. An empty path
// returns the defaults. Environment overrides are applied last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides lets deployment secrets stay out of the config file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GATE_SITE_KEY"); v != "" {
		c.Challenge.SiteKey = v
	}
	if v := os.Getenv("GATE_SECRET_KEY"); v != "" {
		c.Challenge.SecretKey = v
	}
	if v := os.Getenv("GATE_COOKIE_KEY"); v != "" {
		c.Gate.CookieKey = v
	}
	if v := os.Getenv("GATE_THRESHOLD_PRESET"); v != "" {
		c.Detector.Preset = v
		c.Detector.Thresholds = nil
	}
	if v := os.Getenv("GATE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("GATE_MAX_ATTEMPTS %q is not an integer", v))
		} else {
			c.Challenge.MaxAttempts = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BREACH_LOOKUP_URL"); v != "" {
		c.Upstream.BreachLookupURL = v
	}
	if v := os.Getenv("BREACH_LOOKUP_KEY"); v != "" {
		c.Upstream.BreachLookupKey = v
	}
}

// Validate checks the configuration for values the gate cannot run with.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.Challenge.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("challenge.max_attempts must be >= 1, got %d", c.Challenge.MaxAttempts))
	}
	if c.Challenge.MountTimeout <= 0 || c.Challenge.ManualDelay <= 0 {
		errs = append(errs, errors.New("challenge.mount_timeout and challenge.manual_delay must be positive"))
	}
	if c.Detector.PointerGrace <= 0 {
		errs = append(errs, errors.New("detector.pointer_grace must be positive"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	if c.SecLog.MaxEntries < 1 {
		errs = append(errs, errors.New("security_log.max_entries must be >= 1"))
	}
	for name, w := range c.Detector.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("detector.weights.%s must not be negative", name))
		}
	}
	if _, err := c.Detector.Tiers(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Tiers resolves the configured threshold table, highest minimum first.
func (d DetectorConfig) Tiers() ([]Tier, error) {
	tiers := d.Thresholds
	if len(tiers) == 0 {
		preset, ok := thresholdPresets[d.Preset]
		if !ok {
			return nil, fmt.Errorf("detector.preset %q is unknown", d.Preset)
		}
		tiers = preset
	}

	out := make([]Tier, len(tiers))
	copy(out, tiers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].MinScore > out[j].MinScore })

	for _, t := range out {
		if t.MinScore < 0 || t.MinScore > 100 {
			return nil, fmt.Errorf("threshold min_score %d out of range [0,100]", t.MinScore)
		}
		switch t.Confidence {
		case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		default:
			return nil, fmt.Errorf("threshold confidence %q is unknown", t.Confidence)
		}
	}
	return out, nil
}

// ParseLevel maps a config string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h).With("component", "gate")
}
