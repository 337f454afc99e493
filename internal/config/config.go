package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getsafe360/saas-app/internal/otel"
)

// SessionKey maps a dashboard API key to the owner it authenticates.
type SessionKey struct {
	Key     string `yaml:"key"`
	OwnerID string `yaml:"owner_id"`
	TeamID  string `yaml:"team_id"`
	Name    string `yaml:"name"`
}

type PairingConfig struct {
	CodeTTLSeconds       int    `yaml:"code_ttl_seconds"`
	AllowedSiteHostRegex string `yaml:"allowed_site_host_regex"`
	ProbePlugin          bool   `yaml:"probe_plugin"`
	ProbeTimeoutMillis   int    `yaml:"probe_timeout_ms"`
}

// LimitPolicy is a fixed-window budget for one public endpoint.
type LimitPolicy struct {
	Max           int `yaml:"max"`
	WindowSeconds int `yaml:"window_seconds"`
}

func (p LimitPolicy) Window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

type LimitsConfig struct {
	PairStart     LimitPolicy `yaml:"pair_start"`
	PairHandshake LimitPolicy `yaml:"pair_handshake"`
	PairCheck     LimitPolicy `yaml:"pair_check"`
	QuickTest     LimitPolicy `yaml:"quick_test"`
}

// ThrottleConfig controls the in-process token bucket in front of every route.
type ThrottleConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type EngineConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RelayConfig enables cross-instance event delivery through the shared store.
type RelayConfig struct {
	Enabled          bool   `yaml:"enabled"`
	InstanceID       string `yaml:"instance_id"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	RetentionMinutes int    `yaml:"retention_minutes"`
}

type MaintenanceConfig struct {
	SweepSpec             string `yaml:"sweep_spec"`
	PairingRetentionHours int    `yaml:"pairing_retention_hours"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	DBPath          string `yaml:"db_path"`
	BlobDir         string `yaml:"blob_dir"`
	BlobCompression string `yaml:"blob_compression"`

	WorkerCount         int `yaml:"worker_count"`
	PollIntervalMS      int `yaml:"poll_interval_ms"`
	JobTimeoutSeconds   int `yaml:"job_timeout_seconds"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
	MaxRequestBytes     int `yaml:"max_request_bytes"`

	// TrustForwardedFor keys rate limits on X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`

	Sessions []SessionKey `yaml:"sessions"`

	Pairing  PairingConfig  `yaml:"pairing"`
	Limits   LimitsConfig   `yaml:"limits"`
	Throttle ThrottleConfig `yaml:"throttle"`

	// Costs maps issue ids to their token price; unknown issues cost DefaultCost.
	Costs       map[string]int64 `yaml:"costs"`
	DefaultCost int64            `yaml:"default_cost"`

	Engine      EngineConfig      `yaml:"engine"`
	Relay       RelayConfig       `yaml:"relay"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	CORS        CORSConfig        `yaml:"cors"`
	Telemetry   otel.Config       `yaml:"telemetry"`

	// NeedsBootstrap is set when no config.yaml exists yet.
	NeedsBootstrap bool `yaml:"-"`
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

func (c Config) CodeTTL() time.Duration {
	return time.Duration(c.Pairing.CodeTTLSeconds) * time.Second
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, secrets excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|poll=%d|timeout=%d|lease=%d|bind=%s|log=%s|db=%s|blobs=%s|zstd=%s|engine=%s|relay=%v",
		c.WorkerCount, c.PollIntervalMS, c.JobTimeoutSeconds, c.LeaseSeconds, c.BindAddr, c.LogLevel,
		c.DBPath, c.BlobDir, c.BlobCompression, c.Engine.BaseURL, c.Relay.Enabled)
	ids := make([]string, 0, len(c.Costs))
	for id := range c.Costs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(h, "|%s=%d", id, c.Costs[id])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            "127.0.0.1:8360",
		LogLevel:            "info",
		BlobCompression:     "zstd",
		WorkerCount:         4,
		PollIntervalMS:      250,
		JobTimeoutSeconds:   int((10 * time.Minute).Seconds()),
		LeaseSeconds:        30,
		DrainTimeoutSeconds: 10,
		MaxRequestBytes:     1 << 20,
		Pairing: PairingConfig{
			CodeTTLSeconds:     int((10 * time.Minute).Seconds()),
			ProbePlugin:        true,
			ProbeTimeoutMillis: 2000,
		},
		Limits: LimitsConfig{
			PairStart:     LimitPolicy{Max: 10, WindowSeconds: 600},
			PairHandshake: LimitPolicy{Max: 30, WindowSeconds: 60},
			PairCheck:     LimitPolicy{Max: 120, WindowSeconds: 60},
			QuickTest:     LimitPolicy{Max: 5, WindowSeconds: 60},
		},
		Throttle: ThrottleConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		DefaultCost: 500,
		Engine: EngineConfig{
			TimeoutSeconds: 120,
		},
		Relay: RelayConfig{
			PollIntervalMS:   500,
			RetentionMinutes: 30,
		},
		Maintenance: MaintenanceConfig{
			SweepSpec:             "@every 1m",
			PairingRetentionHours: 24,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GETSAFE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".getsafe")
}

// Load reads {home}/config.yaml over the defaults, then applies GETSAFE_*
// environment overrides and normalizes the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create getsafe home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsBootstrap = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.BindAddr == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "getsafe.db")
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = filepath.Join(cfg.HomeDir, "blobs")
	}
	cfg.BlobCompression = strings.ToLower(strings.TrimSpace(cfg.BlobCompression))
	if cfg.BlobCompression == "" {
		cfg.BlobCompression = def.BlobCompression
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.PollIntervalMS <= 0 {
		cfg.PollIntervalMS = def.PollIntervalMS
	}
	if cfg.JobTimeoutSeconds <= 0 {
		cfg.JobTimeoutSeconds = def.JobTimeoutSeconds
	}
	if cfg.LeaseSeconds <= 0 {
		cfg.LeaseSeconds = def.LeaseSeconds
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = def.DrainTimeoutSeconds
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = def.MaxRequestBytes
	}
	if cfg.Pairing.CodeTTLSeconds <= 0 {
		cfg.Pairing.CodeTTLSeconds = def.Pairing.CodeTTLSeconds
	}
	if cfg.Pairing.ProbeTimeoutMillis <= 0 {
		cfg.Pairing.ProbeTimeoutMillis = def.Pairing.ProbeTimeoutMillis
	}
	normalizeLimit(&cfg.Limits.PairStart, def.Limits.PairStart)
	normalizeLimit(&cfg.Limits.PairHandshake, def.Limits.PairHandshake)
	normalizeLimit(&cfg.Limits.PairCheck, def.Limits.PairCheck)
	normalizeLimit(&cfg.Limits.QuickTest, def.Limits.QuickTest)
	if cfg.Throttle.RequestsPerSecond <= 0 {
		cfg.Throttle.RequestsPerSecond = def.Throttle.RequestsPerSecond
	}
	if cfg.Throttle.Burst <= 0 {
		cfg.Throttle.Burst = def.Throttle.Burst
	}
	if cfg.DefaultCost <= 0 {
		cfg.DefaultCost = def.DefaultCost
	}
	if cfg.Engine.TimeoutSeconds <= 0 {
		cfg.Engine.TimeoutSeconds = def.Engine.TimeoutSeconds
	}
	cfg.Engine.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Engine.BaseURL), "/")
	if cfg.Relay.PollIntervalMS <= 0 {
		cfg.Relay.PollIntervalMS = def.Relay.PollIntervalMS
	}
	if cfg.Relay.RetentionMinutes <= 0 {
		cfg.Relay.RetentionMinutes = def.Relay.RetentionMinutes
	}
	if strings.TrimSpace(cfg.Maintenance.SweepSpec) == "" {
		cfg.Maintenance.SweepSpec = def.Maintenance.SweepSpec
	}
	if cfg.Maintenance.PairingRetentionHours <= 0 {
		cfg.Maintenance.PairingRetentionHours = def.Maintenance.PairingRetentionHours
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "getsafed"
	}
}

func normalizeLimit(p *LimitPolicy, def LimitPolicy) {
	if p.Max <= 0 {
		p.Max = def.Max
	}
	if p.WindowSeconds <= 0 {
		p.WindowSeconds = def.WindowSeconds
	}
}

func validate(cfg *Config) error {
	switch cfg.BlobCompression {
	case "zstd", "none":
	default:
		return fmt.Errorf("blob_compression must be zstd or none, got %q", cfg.BlobCompression)
	}
	if cfg.Pairing.AllowedSiteHostRegex != "" {
		if _, err := regexp.Compile(cfg.Pairing.AllowedSiteHostRegex); err != nil {
			return fmt.Errorf("pairing.allowed_site_host_regex: %w", err)
		}
	}
	seen := make(map[string]bool, len(cfg.Sessions))
	for i, s := range cfg.Sessions {
		if s.Key == "" || s.OwnerID == "" || s.TeamID == "" {
			return fmt.Errorf("sessions[%d]: key, owner_id and team_id are required", i)
		}
		if seen[s.Key] {
			return fmt.Errorf("sessions[%d]: duplicate key", i)
		}
		seen[s.Key] = true
	}
	for id, cost := range cfg.Costs {
		if cost < 0 {
			return fmt.Errorf("costs[%s]: negative cost %d", id, cost)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GETSAFE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GETSAFE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GETSAFE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("GETSAFE_BLOB_DIR"); raw != "" {
		cfg.BlobDir = raw
	}
	if raw := os.Getenv("GETSAFE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("GETSAFE_JOB_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.JobTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GETSAFE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GETSAFE_ENGINE_URL"); raw != "" {
		cfg.Engine.BaseURL = raw
	}
	if raw := os.Getenv("GETSAFE_ENGINE_API_KEY"); raw != "" {
		cfg.Engine.APIKey = raw
	}
	if raw := os.Getenv("GETSAFE_ALLOWED_SITE_HOST_REGEX"); raw != "" {
		cfg.Pairing.AllowedSiteHostRegex = raw
	}
	if raw := os.Getenv("GETSAFE_RELAY_INSTANCE_ID"); raw != "" {
		cfg.Relay.InstanceID = raw
	}
	if raw := os.Getenv("GETSAFE_SESSION_KEY"); raw != "" {
		// Single-tenant shortcut: GETSAFE_SESSION_KEY=key:owner:team.
		parts := strings.SplitN(raw, ":", 3)
		if len(parts) == 3 {
			cfg.Sessions = append(cfg.Sessions, SessionKey{Key: parts[0], OwnerID: parts[1], TeamID: parts[2], Name: "env"})
		}
	}
}
