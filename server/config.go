package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	validation "github.com/jellydator/validation"
	"github.com/jellydator/validation/is"
	"gopkg.in/yaml.v3"

	"idvsdk/options"
)

// Hardcoded session defaults
const (
	DefaultSessionTTL    = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultMaxSessions   = 64
	DefaultDialTimeout   = 10 * time.Second
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type", "X-Request-ID"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
)

var metricNamespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config captures the full host configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	SDK      SDKConfig      `yaml:"sdk"`
	Sessions SessionsConfig `yaml:"sessions"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	PublicURL    string     `yaml:"public_url"`
	ListenAddr   string     `yaml:"listen_addr"`
	ReadTimeout  string     `yaml:"read_timeout"`
	WriteTimeout string     `yaml:"write_timeout"`
	DevMode      bool       `yaml:"dev_mode"`
	CORS         CORSConfig `yaml:"cors"`
}

// CORSConfig lists the browser origins allowed to drive sessions.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// SDKConfig describes the mount surface and the SDK defaults.
type SDKConfig struct {
	Containers []string          `yaml:"containers"`
	URLs       map[string]string `yaml:"urls"`
	Analytics  bool              `yaml:"analytics"`
}

// SessionsConfig bounds the session registry.
type SessionsConfig struct {
	TTL           string `yaml:"ttl"`
	SweepInterval string `yaml:"sweep_interval"`
	MaxSessions   int    `yaml:"max_sessions"`
	DialTimeout   string `yaml:"dial_timeout"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:    "http://127.0.0.1:8090",
			ListenAddr:   "127.0.0.1:8090",
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
			DevMode:      true,
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		SDK: SDKConfig{
			Containers: []string{options.DefaultContainerID},
			Analytics:  true,
		},
		Sessions: SessionsConfig{
			TTL:           DefaultSessionTTL.String(),
			SweepInterval: DefaultSweepInterval.String(),
			MaxSessions:   DefaultMaxSessions,
			DialTimeout:   DefaultDialTimeout.String(),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "idvhost",
			Path:      "/metrics",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"IDVHOST_SERVER_PUBLIC_URL":       func(v string) { cfg.Server.PublicURL = v },
		"IDVHOST_SERVER_LISTEN_ADDR":      func(v string) { cfg.Server.ListenAddr = v },
		"IDVHOST_SERVER_DEV_MODE":         func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"IDVHOST_SERVER_CORS_ORIGINS":     func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"IDVHOST_SDK_CONTAINERS":          func(v string) { cfg.SDK.Containers = splitAndTrim(v) },
		"IDVHOST_SDK_ANALYTICS":           func(v string) { cfg.SDK.Analytics = parseBool(v, cfg.SDK.Analytics) },
		"IDVHOST_SESSIONS_TTL":            func(v string) { cfg.Sessions.TTL = v },
		"IDVHOST_SESSIONS_MAX":            func(v string) { cfg.Sessions.MaxSessions = parseInt(v, cfg.Sessions.MaxSessions) },
		"IDVHOST_SESSIONS_SWEEP_INTERVAL": func(v string) { cfg.Sessions.SweepInterval = v },
		"IDVHOST_METRICS_ENABLED":         func(v string) { cfg.Metrics.Enabled = parseBool(v, cfg.Metrics.Enabled) },
		"IDVHOST_METRICS_NAMESPACE":       func(v string) { cfg.Metrics.Namespace = v },
		"IDVHOST_SESSIONS_DIAL_TIMEOUT":   func(v string) { cfg.Sessions.DialTimeout = v },
		"IDVHOST_SERVER_READ_TIMEOUT":     func(v string) { cfg.Server.ReadTimeout = v },
		"IDVHOST_SERVER_WRITE_TIMEOUT":    func(v string) { cfg.Server.WriteTimeout = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return fallback
	}
	return n
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SessionTTL returns the parsed session lifetime.
func (c Config) SessionTTL() time.Duration {
	return parseDuration(c.Sessions.TTL, DefaultSessionTTL)
}

// SweepInterval returns how often expired sessions are torn down.
func (c Config) SweepInterval() time.Duration {
	return parseDuration(c.Sessions.SweepInterval, DefaultSweepInterval)
}

// DialTimeout bounds cross-device connection attempts.
func (c Config) DialTimeout() time.Duration {
	return parseDuration(c.Sessions.DialTimeout, DefaultDialTimeout)
}

// Validate performs minimal sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}

	if c.Server.ListenAddr == "" {
		slog.Error("Missing required configuration", "field", "server.listen_addr")
		return errors.New("server.listen_addr is required")
	}

	for field, val := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"sessions.ttl":            c.Sessions.TTL,
		"sessions.sweep_interval": c.Sessions.SweepInterval,
		"sessions.dial_timeout":   c.Sessions.DialTimeout,
	} {
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			slog.Error("Invalid duration", "field", field, "value", val, "error", err)
			return fmt.Errorf("%s: invalid duration '%s': %w", field, val, err)
		}
		if d <= 0 {
			slog.Error("Invalid duration", "field", field, "value", val, "reason", "must be positive")
			return fmt.Errorf("%s must be positive, got: %s", field, val)
		}
	}

	if len(c.SDK.Containers) == 0 {
		slog.Error("No mount containers configured", "field", "sdk.containers")
		return errors.New("sdk.containers must list at least one container")
	}
	seen := make(map[string]bool, len(c.SDK.Containers))
	for i, id := range c.SDK.Containers {
		if strings.TrimSpace(id) == "" {
			slog.Error("Empty container id", "index", i)
			return fmt.Errorf("sdk.containers[%d]: container id is required", i)
		}
		if seen[id] {
			slog.Error("Duplicate container id", "container", id, "index", i)
			return fmt.Errorf("sdk.containers[%d]: duplicate container id %q", i, id)
		}
		seen[id] = true
	}

	for key, u := range c.SDK.URLs {
		if err := validation.Validate(u, validation.Required, is.RequestURL); err != nil {
			slog.Error("Invalid SDK URL", "field", "sdk.urls."+key, "value", u, "error", err)
			return fmt.Errorf("sdk.urls.%s must be an absolute URL, got: %s", key, u)
		}
	}

	if c.Sessions.MaxSessions <= 0 {
		slog.Error("Invalid session limit", "field", "sessions.max_sessions", "value", c.Sessions.MaxSessions)
		return fmt.Errorf("sessions.max_sessions must be positive, got: %d", c.Sessions.MaxSessions)
	}

	if c.Metrics.Enabled {
		if err := validation.Validate(c.Metrics.Namespace, validation.Required, validation.Match(metricNamespacePattern)); err != nil {
			slog.Error("Invalid metrics namespace", "field", "metrics.namespace", "value", c.Metrics.Namespace, "error", err)
			return fmt.Errorf("metrics.namespace must match %s, got: %q", metricNamespacePattern, c.Metrics.Namespace)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			slog.Error("Invalid metrics path", "field", "metrics.path", "value", c.Metrics.Path)
			return fmt.Errorf("metrics.path must start with '/', got: %q", c.Metrics.Path)
		}
	}

	for i, origin := range c.Server.CORS.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if err := validation.Validate(origin, is.RequestURL); err != nil {
			slog.Error("Invalid CORS origin", "index", i, "origin", origin)
			return fmt.Errorf("server.cors.allowed_origins[%d] must be '*' or an absolute URL, got: %s", i, origin)
		}
	}

	return nil
}

// SDKDefaults layers the configured URL overrides onto defaults.
func (c Config) SDKDefaults(base options.Defaults) options.Defaults {
	base.URLs = base.URLs.Clone()
	if base.URLs == nil {
		base.URLs = options.URLMap{}
	}
	for k, v := range c.SDK.URLs {
		base.URLs[k] = v
	}
	return base
}
