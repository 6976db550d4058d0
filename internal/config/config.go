package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/presagestack/presage-engine/internal/models"
	"github.com/presagestack/presage-engine/internal/utils"
)

// Config captures the settings required to boot the presage engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	ConfigStore ConfigStoreConfig `yaml:"configStore"`
	Cache       CacheConfig       `yaml:"cache"`
	Store       StoreConfig       `yaml:"store"`
	Logging     LoggingConfig     `yaml:"logging"`
	Analysis    AnalysisConfig    `yaml:"analysis"`
	Remediation RemediationConfig `yaml:"remediation"`
	Validation  ValidationConfig  `yaml:"validation"`
	Notifiers   NotifiersConfig   `yaml:"notifiers"`
	Monitors    []models.MonitorSpec `yaml:"monitors"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// TelemetryConfig configures access to the upstream metric history gateway.
type TelemetryConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	HistoryPath string        `yaml:"historyPath"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cacheTTL"`
}

// ConfigStoreConfig configures the versioned configuration backend client.
type ConfigStoreConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig controls Redis-backed caching and distributed locks.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	PoolSize     int           `yaml:"poolSize"`
}

// StoreConfig controls the embedded history database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AnalysisConfig tunes the trend analyzer and alert manager.
type AnalysisConfig struct {
	Interval             time.Duration `yaml:"interval"`
	HistoryWindow        time.Duration `yaml:"historyWindow"`
	Alpha                float64       `yaml:"alpha"`
	ConsecutiveIncreases int           `yaml:"consecutiveIncreases"`
	ZThreshold           float64       `yaml:"zThreshold"`
	ConfidenceThreshold  float64       `yaml:"confidenceThreshold"`
	DedupWindow          time.Duration `yaml:"dedupWindow"`
	ResolveSamples       int           `yaml:"resolveSamples"`
	MaxConcurrent        int           `yaml:"maxConcurrent"`
	DeliveryTimeout      time.Duration `yaml:"deliveryTimeout"`
	DeliveryRetries      int           `yaml:"deliveryRetries"`
}

// MaintenanceWindow describes a recurring low-risk period for automation.
// Days lists lowercase weekday prefixes ("mon".."sun"); empty means every day.
type MaintenanceWindow struct {
	Days  []string `yaml:"days"`
	Start string   `yaml:"start"`
	End   string   `yaml:"end"`
}

// RemediationConfig bounds the automated remediation protocol.
type RemediationConfig struct {
	MaintenanceWindows []MaintenanceWindow `yaml:"maintenanceWindows"`
	DailyLimit         int                 `yaml:"dailyLimit"`
	WeeklyLimit        int                 `yaml:"weeklyLimit"`
	BreakerThreshold   int                 `yaml:"breakerThreshold"`
	BreakerWindow      time.Duration       `yaml:"breakerWindow"`
	BreakerCooldown    time.Duration       `yaml:"breakerCooldown"`
	PreWindow          time.Duration       `yaml:"preWindow"`
	PostWindow         time.Duration       `yaml:"postWindow"`
	SampleInterval     time.Duration       `yaml:"sampleInterval"`
	ErrorRateIncrease  float64             `yaml:"errorRateIncrease"`
	LatencyIncrease    float64             `yaml:"latencyIncrease"`
	FailureIncrease    float64             `yaml:"failureIncrease"`
	LockTTL            time.Duration       `yaml:"lockTTL"`
}

// ValidationConfig sets the accuracy targets the tracker reports against.
type ValidationConfig struct {
	TargetFalsePositiveRate float64       `yaml:"targetFalsePositiveRate"`
	TargetRecall            float64       `yaml:"targetRecall"`
	LeadTime                time.Duration `yaml:"leadTime"`
	ReportWindow            time.Duration `yaml:"reportWindow"`
}

// WebhookConfig declares one webhook notification target.
type WebhookConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// NotifiersConfig groups configured delivery channels.
type NotifiersConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("PRESAGE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8087",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			HistoryPath: "/api/v1/metrics/history",
			Timeout:     5 * time.Second,
			CacheTTL:    time.Minute,
		},
		ConfigStore: ConfigStoreConfig{Timeout: 5 * time.Second},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			PoolSize:     8,
		},
		Store:   StoreConfig{Path: "presage.db"},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Analysis: AnalysisConfig{
			Interval:             15 * time.Minute,
			HistoryWindow:        2 * time.Hour,
			Alpha:                0.25,
			ConsecutiveIncreases: 3,
			ZThreshold:           2.5,
			ConfidenceThreshold:  0.75,
			DedupWindow:          60 * time.Minute,
			ResolveSamples:       3,
			MaxConcurrent:        8,
			DeliveryTimeout:      10 * time.Second,
			DeliveryRetries:      3,
		},
		Remediation: RemediationConfig{
			DailyLimit:        5,
			WeeklyLimit:       20,
			BreakerThreshold:  3,
			BreakerWindow:     24 * time.Hour,
			BreakerCooldown:   60 * time.Minute,
			PreWindow:         5 * time.Minute,
			PostWindow:        15 * time.Minute,
			SampleInterval:    time.Minute,
			ErrorRateIncrease: 0.20,
			LatencyIncrease:   0.30,
			FailureIncrease:   0.50,
			LockTTL:           30 * time.Minute,
		},
		Validation: ValidationConfig{
			TargetFalsePositiveRate: 0.10,
			TargetRecall:            0.70,
			LeadTime:                4 * time.Hour,
			ReportWindow:            7 * 24 * time.Hour,
		},
	}
}

func validate(cfg *Config) error {
	if cfg.Analysis.Alpha <= 0 || cfg.Analysis.Alpha >= 1 {
		return fmt.Errorf("analysis.alpha must be in (0,1), got %v", cfg.Analysis.Alpha)
	}
	if cfg.Analysis.ConfidenceThreshold < 0 || cfg.Analysis.ConfidenceThreshold > 1 {
		return fmt.Errorf("analysis.confidenceThreshold must be in [0,1]")
	}
	for _, w := range cfg.Remediation.MaintenanceWindows {
		if _, err := parseWindow(w); err != nil {
			return err
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PRESAGE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("PRESAGE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("PRESAGE_TELEMETRY_BASE_URL"); v != "" {
		cfg.Telemetry.BaseURL = v
	}
	if v := os.Getenv("PRESAGE_TELEMETRY_HISTORY_PATH"); v != "" {
		cfg.Telemetry.HistoryPath = v
	}
	if v := os.Getenv("PRESAGE_CONFIGSTORE_BASE_URL"); v != "" {
		cfg.ConfigStore.BaseURL = v
	}
	if v := os.Getenv("PRESAGE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PRESAGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PRESAGE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("PRESAGE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("PRESAGE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("PRESAGE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("PRESAGE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("PRESAGE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("PRESAGE_ANALYSIS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analysis.Interval = d
		}
	}
	if v := os.Getenv("PRESAGE_ANALYSIS_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("PRESAGE_REMEDIATION_POST_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Remediation.PostWindow = d
		}
	}
	if v := os.Getenv("PRESAGE_REMEDIATION_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Remediation.BreakerThreshold = n
		}
	}
}

type window struct {
	days  map[time.Weekday]bool
	start int
	end   int
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday,
	"wed": time.Wednesday, "thu": time.Thursday, "fri": time.Friday,
	"sat": time.Saturday,
}

func parseWindow(w MaintenanceWindow) (window, error) {
	parsed := window{days: make(map[time.Weekday]bool)}
	for _, d := range w.Days {
		name := strings.ToLower(d)
		if len(name) > 3 {
			name = name[:3]
		}
		wd, ok := weekdayNames[name]
		if !ok {
			return window{}, fmt.Errorf("unknown weekday %q in maintenance window", d)
		}
		parsed.days[wd] = true
	}
	var err error
	if parsed.start, err = utils.ParseClock(w.Start); err != nil {
		return window{}, err
	}
	if parsed.end, err = utils.ParseClock(w.End); err != nil {
		return window{}, err
	}
	return parsed, nil
}

func (w window) contains(t time.Time) bool {
	if len(w.days) > 0 && !w.days[t.Weekday()] {
		return false
	}
	minutes := utils.MinutesIntoDay(t)
	if w.start <= w.end {
		return minutes >= w.start && minutes < w.end
	}
	// Overnight window, e.g. 22:00-04:00.
	return minutes >= w.start || minutes < w.end
}

// WindowPredicate compiles the configured maintenance windows into a predicate.
// With no windows configured, automation is rejected at all times; low-risk
// periods must be declared explicitly.
func (c RemediationConfig) WindowPredicate() (func(time.Time) bool, error) {
	parsed := make([]window, 0, len(c.MaintenanceWindows))
	for _, w := range c.MaintenanceWindows {
		p, err := parseWindow(w)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, p)
	}
	return func(t time.Time) bool {
		for _, w := range parsed {
			if w.contains(t) {
				return true
			}
		}
		return false
	}, nil
}
