package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	werrors "github.com/lucid-vigil/warden/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the top-level configuration struct for the application.
// Tags are used by Viper to map YAML keys to struct fields.
type Config struct {
	LogLevel     string             `mapstructure:"log_level"`
	LogFormat    string             `mapstructure:"log_format"`
	APIPort      string             `mapstructure:"api_port"`
	Subsystems   []SubsystemConfig  `mapstructure:"subsystems"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Health       HealthConfig       `mapstructure:"health"`
	Correlation  CorrelationConfig  `mapstructure:"correlation"`
	Ingestion    IngestionConfig    `mapstructure:"ingestion"`
	Analysis     AnalysisConfig     `mapstructure:"analysis"`
	Prediction   PredictionConfig   `mapstructure:"prediction"`
	Events       EventsConfig       `mapstructure:"events"`
	Storage      StorageConfig      `mapstructure:"storage"`
	NATS         NATSConfig         `mapstructure:"nats"`
}

// SubsystemConfig defines how a single subsystem is registered and started.
type SubsystemConfig struct {
	Name           string         `mapstructure:"name"`
	Enabled        bool           `mapstructure:"enabled"`
	Critical       bool           `mapstructure:"critical"`
	Weight         float64        `mapstructure:"weight"`
	Tier           int            `mapstructure:"tier"`
	DependsOn      []string       `mapstructure:"depends_on"`
	StartupTimeout time.Duration  `mapstructure:"startup_timeout"`
	Settings       map[string]any `mapstructure:"settings"`
}

type OrchestratorConfig struct {
	RetryAttempts           int           `mapstructure:"retry_attempts"`
	RetryBaseDelay          time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay           time.Duration `mapstructure:"retry_max_delay"`
	ErrorRetrySchedule      string        `mapstructure:"error_retry_schedule"`
	ShutdownDrain           time.Duration `mapstructure:"shutdown_drain"`
	AutoEmergencyOnCritical bool          `mapstructure:"auto_emergency_on_critical"`
}

type HealthConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	MetricsInterval        time.Duration `mapstructure:"metrics_interval"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	DegradedThreshold      float64       `mapstructure:"degraded_threshold"`
	RecoveryThreshold      float64       `mapstructure:"recovery_threshold"`
	RecoveryHold           time.Duration `mapstructure:"recovery_hold"`
	SubsystemDegradedBelow float64       `mapstructure:"subsystem_degraded_below"`
	ErrorAfterFailures     int           `mapstructure:"error_after_failures"`
	DNSServer              string        `mapstructure:"dns_server"`
	DNSProbeName           string        `mapstructure:"dns_probe_name"`
	DiskPath               string        `mapstructure:"disk_path"`
}

type CorrelationWeights struct {
	Temporal   float64 `mapstructure:"temporal"`
	Geographic float64 `mapstructure:"geographic"`
	Actor      float64 `mapstructure:"actor"`
	TTP        float64 `mapstructure:"ttp"`
}

// Sum returns the total of all dimension weights.
func (w CorrelationWeights) Sum() float64 {
	return w.Temporal + w.Geographic + w.Actor + w.TTP
}

type CorrelationConfig struct {
	Interval           time.Duration      `mapstructure:"interval"`
	Window             time.Duration      `mapstructure:"window"`
	TemporalDelta      time.Duration      `mapstructure:"temporal_delta"`
	JaccardThreshold   float64            `mapstructure:"jaccard_threshold"`
	MinSharedTTPs      int                `mapstructure:"min_shared_ttps"`
	Weights            CorrelationWeights `mapstructure:"weights"`
	PromotionThreshold float64            `mapstructure:"promotion_threshold"`
	CoverageThreshold  float64            `mapstructure:"coverage_threshold"`
	CampaignRetention  time.Duration      `mapstructure:"campaign_retention"`
	CriticalConfidence float64            `mapstructure:"critical_confidence"`
	HistorySize        int                `mapstructure:"history_size"`
	ThreatLevelEvery   time.Duration      `mapstructure:"threat_level_interval"`
}

type IngestionConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	Policy        string        `mapstructure:"policy"` // "block" or "drop_oldest"
	BatchSize     int           `mapstructure:"batch_size"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	DedupWindow   time.Duration `mapstructure:"dedup_window"`
	FeedDir       string        `mapstructure:"feed_dir"`
}

type AnalysisConfig struct {
	Budget        time.Duration `mapstructure:"budget"`
	DecayHalfLife time.Duration `mapstructure:"decay_half_life"`
}

type PredictionConfig struct {
	Bucket            time.Duration `mapstructure:"bucket"`
	Alpha             float64       `mapstructure:"alpha"`
	ConfidenceHorizon time.Duration `mapstructure:"confidence_horizon"`
	MinBuckets        int           `mapstructure:"min_buckets"`
}

type EventsConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

type StorageConfig struct {
	Path        string        `mapstructure:"path"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// Ingestion queue policies.
const (
	PolicyBlock      = "block"
	PolicyDropOldest = "drop_oldest"
)

// GetSubsystemConfig returns the configuration entry for the named subsystem, or nil.
func (c *Config) GetSubsystemConfig(name string) *SubsystemConfig {
	for i := range c.Subsystems {
		if c.Subsystems[i].Name == name {
			return &c.Subsystems[i]
		}
	}
	return nil
}

// DefaultSubsystems is the registration used when the configuration file lists none.
func DefaultSubsystems() []SubsystemConfig {
	return []SubsystemConfig{
		{Name: "security", Enabled: true, Critical: true, Weight: 2, Tier: 0, StartupTimeout: 10 * time.Second},
		{Name: "threat_intel", Enabled: true, Critical: true, Weight: 2, Tier: 0, StartupTimeout: 10 * time.Second},
		{Name: "crypto", Enabled: true, Weight: 1, Tier: 1, StartupTimeout: 10 * time.Second},
		{Name: "communication", Enabled: true, Weight: 1, Tier: 1, DependsOn: []string{"crypto"}, StartupTimeout: 10 * time.Second},
		{Name: "ai", Enabled: true, Weight: 1, Tier: 2, DependsOn: []string{"threat_intel"}, StartupTimeout: 15 * time.Second},
		{Name: "consciousness", Enabled: true, Weight: 0.5, Tier: 2, StartupTimeout: 15 * time.Second},
	}
}

// Loader reads the configuration with Viper and can watch the file for changes.
type Loader struct {
	v    *viper.Viper
	mu   sync.Mutex
	last *Config
}

// NewLoader creates a Loader. An empty path searches for warden.yaml in the
// current directory and /etc/warden/.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("warden")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/warden/")
	}

	setDefaults(v)

	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// LoadConfig reads the configuration from a YAML file and environment
// variables, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Fprintln(os.Stderr, "Config file not found, using defaults and environment variables.")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.last = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Subsystems) == 0 {
		cfg.Subsystems = DefaultSubsystems()
	}
	for i := range cfg.Subsystems {
		if cfg.Subsystems[i].Weight == 0 {
			cfg.Subsystems[i].Weight = 1
		}
		if cfg.Subsystems[i].StartupTimeout == 0 {
			cfg.Subsystems[i].StartupTimeout = 10 * time.Second
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch reloads the configuration whenever the file changes. A reload that
// fails validation is reported to onError and the previous configuration stays
// in effect.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		l.mu.Lock()
		l.last = cfg
		l.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("api_port", "8080")

	v.SetDefault("orchestrator.retry_attempts", 3)
	v.SetDefault("orchestrator.retry_base_delay", "500ms")
	v.SetDefault("orchestrator.retry_max_delay", "10s")
	v.SetDefault("orchestrator.error_retry_schedule", "@every 1m")
	v.SetDefault("orchestrator.shutdown_drain", "15s")
	v.SetDefault("orchestrator.auto_emergency_on_critical", true)

	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.metrics_interval", "10s")
	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.degraded_threshold", 0.5)
	v.SetDefault("health.recovery_threshold", 0.7)
	v.SetDefault("health.recovery_hold", "30s")
	v.SetDefault("health.subsystem_degraded_below", 0.5)
	v.SetDefault("health.error_after_failures", 3)
	v.SetDefault("health.dns_server", "1.1.1.1:53")
	v.SetDefault("health.dns_probe_name", "example.com.")
	v.SetDefault("health.disk_path", "/")

	v.SetDefault("correlation.interval", "1m")
	v.SetDefault("correlation.window", "1h")
	v.SetDefault("correlation.temporal_delta", "10m")
	v.SetDefault("correlation.jaccard_threshold", 0.4)
	v.SetDefault("correlation.min_shared_ttps", 2)
	v.SetDefault("correlation.weights.temporal", 0.2)
	v.SetDefault("correlation.weights.geographic", 0.2)
	v.SetDefault("correlation.weights.actor", 0.35)
	v.SetDefault("correlation.weights.ttp", 0.25)
	v.SetDefault("correlation.promotion_threshold", 0.7)
	v.SetDefault("correlation.coverage_threshold", 0.5)
	v.SetDefault("correlation.campaign_retention", "168h")
	v.SetDefault("correlation.critical_confidence", 0.9)
	v.SetDefault("correlation.history_size", 1024)
	v.SetDefault("correlation.threat_level_interval", "30s")

	v.SetDefault("ingestion.queue_size", 1024)
	v.SetDefault("ingestion.policy", PolicyDropOldest)
	v.SetDefault("ingestion.batch_size", 64)
	v.SetDefault("ingestion.rate_per_second", 50.0)
	v.SetDefault("ingestion.burst", 100)
	v.SetDefault("ingestion.dedup_window", "10m")
	v.SetDefault("ingestion.feed_dir", "")

	v.SetDefault("analysis.budget", "2s")
	v.SetDefault("analysis.decay_half_life", "168h")

	v.SetDefault("prediction.bucket", "1h")
	v.SetDefault("prediction.alpha", 0.3)
	v.SetDefault("prediction.confidence_horizon", "24h")
	v.SetDefault("prediction.min_buckets", 6)

	v.SetDefault("events.subscriber_buffer", 256)

	v.SetDefault("storage.path", "")
	v.SetDefault("storage.open_timeout", "1s")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "warden")
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	l := &Loader{v: v}
	cfg, err := l.decode()
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// Validate checks every setting and returns the first violation as a
// ConfigurationError.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Subsystems))
	for i, s := range c.Subsystems {
		field := fmt.Sprintf("subsystems[%d]", i)
		if s.Name == "" {
			return werrors.NewConfigError(field+".name", "must not be empty")
		}
		if seen[s.Name] {
			return werrors.NewConfigError(field+".name", "duplicate subsystem %q", s.Name)
		}
		seen[s.Name] = true
		if s.Weight < 0 {
			return werrors.NewConfigError(field+".weight", "must be non-negative")
		}
		if s.StartupTimeout <= 0 {
			return werrors.NewConfigError(field+".startup_timeout", "must be positive")
		}
	}

	if c.Orchestrator.RetryAttempts < 1 {
		return werrors.NewConfigError("orchestrator.retry_attempts", "must be at least 1")
	}
	if err := positive("orchestrator.retry_base_delay", c.Orchestrator.RetryBaseDelay); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"health.interval":            c.Health.Interval,
		"health.metrics_interval":    c.Health.MetricsInterval,
		"health.probe_timeout":       c.Health.ProbeTimeout,
		"correlation.interval":       c.Correlation.Interval,
		"correlation.window":         c.Correlation.Window,
		"correlation.temporal_delta": c.Correlation.TemporalDelta,
		"analysis.budget":            c.Analysis.Budget,
		"prediction.bucket":          c.Prediction.Bucket,
	} {
		if err := positive(name, d); err != nil {
			return err
		}
	}

	for name, f := range map[string]float64{
		"health.degraded_threshold":       c.Health.DegradedThreshold,
		"health.recovery_threshold":       c.Health.RecoveryThreshold,
		"health.subsystem_degraded_below": c.Health.SubsystemDegradedBelow,
		"correlation.jaccard_threshold":   c.Correlation.JaccardThreshold,
		"correlation.promotion_threshold": c.Correlation.PromotionThreshold,
		"correlation.coverage_threshold":  c.Correlation.CoverageThreshold,
		"correlation.critical_confidence": c.Correlation.CriticalConfidence,
		"prediction.alpha":                c.Prediction.Alpha,
	} {
		if err := unit(name, f); err != nil {
			return err
		}
	}
	if c.Health.RecoveryThreshold < c.Health.DegradedThreshold {
		return werrors.NewConfigError("health.recovery_threshold", "must not be below degraded_threshold")
	}

	w := c.Correlation.Weights
	if w.Temporal < 0 || w.Geographic < 0 || w.Actor < 0 || w.TTP < 0 {
		return werrors.NewConfigError("correlation.weights", "must be non-negative")
	}
	if w.Sum() <= 0 {
		return werrors.NewConfigError("correlation.weights", "must have a positive sum")
	}

	if c.Ingestion.QueueSize < 1 {
		return werrors.NewConfigError("ingestion.queue_size", "must be at least 1")
	}
	if c.Ingestion.Policy != PolicyBlock && c.Ingestion.Policy != PolicyDropOldest {
		return werrors.NewConfigError("ingestion.policy", "must be %q or %q, got %q", PolicyBlock, PolicyDropOldest, c.Ingestion.Policy)
	}
	return nil
}

func positive(field string, d time.Duration) error {
	if d <= 0 {
		return werrors.NewConfigError(field, "must be a positive duration")
	}
	return nil
}

func unit(field string, f float64) error {
	if f < 0 || f > 1 {
		return werrors.NewConfigError(field, "must be within [0,1], got %.2f", f)
	}
	return nil
}
