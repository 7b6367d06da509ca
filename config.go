package fxmonitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogDir           = "./log/fxmonitor"
	defaultSupervisorLog    = defaultLogDir + "/fxmonitor.log"
	defaultChildLog         = defaultLogDir + "/child.log"
	defaultServerLog        = defaultLogDir + "/server.log"
	defaultHistoryFile      = "./data/perf_history.json"
	defaultPerfHost         = "127.0.0.1:30120"
	defaultResolution       = 5 * time.Minute
	defaultCollectInterval  = 1 * time.Minute
	defaultPollTimeout      = 5 * time.Second
	defaultLinearityFactor  = 2.0
	defaultHistoryCap       = 720
	defaultSummaryWindow    = 30 * time.Hour
	defaultSummaryMinWindow = 4 * time.Hour
	defaultMonitorResource  = "monitor"
	defaultBindErrorBase    = 10 * time.Second
	defaultBindErrorStep    = 5 * time.Second
	defaultBindErrorMax     = 45 * time.Second
	defaultMetricsAddr      = ":9999"
	defaultAPIAddr          = ":9998"
)

// Duration accepts "90s"-style strings in every config format.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	EnvPaths  []string        `yaml:"envPaths" json:"envPaths" toml:"env_paths"`
	Perf      PerfConfig      `yaml:"perf" json:"perf" toml:"perf"`
	Restarter RestarterConfig `yaml:"restarter" json:"restarter" toml:"restarter"`
	Router    RouterConfig    `yaml:"router" json:"router" toml:"router"`
	Child     ChildConfig     `yaml:"child" json:"child" toml:"child"`
	Log       LogConfig       `yaml:"log" json:"log" toml:"log"`
	HTTP      HTTPConfig      `yaml:"http" json:"http" toml:"http"`
}

type PerfConfig struct {
	Host             string   `yaml:"host" json:"host" toml:"host"`
	Resolution       Duration `yaml:"resolution" json:"resolution" toml:"resolution"`
	CollectInterval  Duration `yaml:"collectInterval" json:"collectInterval" toml:"collect_interval"`
	PollTimeout      Duration `yaml:"pollTimeout" json:"pollTimeout" toml:"poll_timeout"`
	LinearityFactor  float64  `yaml:"linearityFactor" json:"linearityFactor" toml:"linearity_factor"` // max snapshot gap, in resolutions, that still gets diffed
	HistoryFile      string   `yaml:"historyFile" json:"historyFile" toml:"history_file"`
	HistoryCap       int      `yaml:"historyCap" json:"historyCap" toml:"history_cap"`
	SummaryWindow    Duration `yaml:"summaryWindow" json:"summaryWindow" toml:"summary_window"`
	SummaryMinWindow Duration `yaml:"summaryMinWindow" json:"summaryMinWindow" toml:"summary_min_window"`
}

type RestarterConfig struct {
	Schedule []string `yaml:"schedule" json:"schedule" toml:"schedule"`
}

type RouterConfig struct {
	MonitorResource    string   `yaml:"monitorResource" json:"monitorResource" toml:"monitor_resource"`
	BindErrorBaseDelay Duration `yaml:"bindErrorBaseDelay" json:"bindErrorBaseDelay" toml:"bind_error_base_delay"`
	BindErrorStep      Duration `yaml:"bindErrorStep" json:"bindErrorStep" toml:"bind_error_step"`
	BindErrorMaxDelay  Duration `yaml:"bindErrorMaxDelay" json:"bindErrorMaxDelay" toml:"bind_error_max_delay"`
}

type ChildConfig struct {
	Command            string   `yaml:"command" json:"command" toml:"command"`
	LogFile            string   `yaml:"logFile" json:"logFile" toml:"log_file"`
	GraceTimeout       Duration `yaml:"graceTimeout" json:"graceTimeout" toml:"grace_timeout"`
	CrashLoopThreshold int      `yaml:"crashLoopThreshold" json:"crashLoopThreshold" toml:"crash_loop_threshold"`
	CrashLoopWindow    Duration `yaml:"crashLoopWindow" json:"crashLoopWindow" toml:"crash_loop_window"`
}

type LogConfig struct {
	File          string `yaml:"file" json:"file" toml:"file"`
	Level         string `yaml:"level" json:"level" toml:"level"`
	MaxSizeMB     int    `yaml:"maxSizeMB" json:"maxSizeMB" toml:"max_size_mb"`
	MaxBackups    int    `yaml:"maxBackups" json:"maxBackups" toml:"max_backups"`
	MaxAgeDays    int    `yaml:"maxAgeDays" json:"maxAgeDays" toml:"max_age_days"`
	Compress      *bool  `yaml:"compress" json:"compress" toml:"compress"`
	ServerLogFile string `yaml:"serverLogFile" json:"serverLogFile" toml:"server_log_file"`
}

type HTTPConfig struct {
	MetricsAddr string `yaml:"metricsAddr" json:"metricsAddr" toml:"metrics_addr"`
	APIAddr     string `yaml:"apiAddr" json:"apiAddr" toml:"api_addr"`
}

// LoadConfig reads a yaml, json or toml config from the given path. Files in
// envPaths are loaded into the environment first and ${VAR} references in the
// config are expanded.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")) // Remove UTF-8 BOM if present

	var cfg Config
	if err := decodeConfig(configPath, data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.EnvPaths) > 0 {
		if err := loadEnvFiles(cfg.EnvPaths); err != nil {
			return nil, err
		}
		expanded := []byte(os.ExpandEnv(string(data)))
		cfg = Config{}
		if err := decodeConfig(configPath, expanded, &cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeConfig(configPath string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
	default:
		return fmt.Errorf("failed to load config from %s: unsupported format", configPath)
	}
	return nil
}

// loadEnvFiles loads dotenv files without overriding variables that are
// already set in the process environment.
func loadEnvFiles(paths []string) error {
	var existing []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		existing = append(existing, p)
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Perf.Host == "" {
		c.Perf.Host = defaultPerfHost
	}
	if c.Perf.Resolution <= 0 {
		c.Perf.Resolution = Duration(defaultResolution)
	}
	if c.Perf.CollectInterval <= 0 {
		c.Perf.CollectInterval = Duration(defaultCollectInterval)
	}
	if c.Perf.PollTimeout <= 0 {
		c.Perf.PollTimeout = Duration(defaultPollTimeout)
	}
	if c.Perf.LinearityFactor <= 0 {
		c.Perf.LinearityFactor = defaultLinearityFactor
	}
	if c.Perf.HistoryFile == "" {
		c.Perf.HistoryFile = defaultHistoryFile
	}
	if c.Perf.HistoryCap <= 0 {
		c.Perf.HistoryCap = defaultHistoryCap
	}
	if c.Perf.SummaryWindow <= 0 {
		c.Perf.SummaryWindow = Duration(defaultSummaryWindow)
	}
	if c.Perf.SummaryMinWindow <= 0 {
		c.Perf.SummaryMinWindow = Duration(defaultSummaryMinWindow)
	}
	if c.Router.MonitorResource == "" {
		c.Router.MonitorResource = defaultMonitorResource
	}
	if c.Router.BindErrorBaseDelay <= 0 {
		c.Router.BindErrorBaseDelay = Duration(defaultBindErrorBase)
	}
	if c.Router.BindErrorStep <= 0 {
		c.Router.BindErrorStep = Duration(defaultBindErrorStep)
	}
	if c.Router.BindErrorMaxDelay <= 0 {
		c.Router.BindErrorMaxDelay = Duration(defaultBindErrorMax)
	}
	if c.Child.LogFile == "" {
		c.Child.LogFile = defaultChildLog
	}
	if c.Child.GraceTimeout <= 0 {
		c.Child.GraceTimeout = Duration(graceTimeout)
	}
	if c.Child.CrashLoopThreshold <= 0 {
		c.Child.CrashLoopThreshold = crashLoopThreshold
	}
	if c.Child.CrashLoopWindow <= 0 {
		c.Child.CrashLoopWindow = Duration(crashLoopWindow)
	}
	if c.Log.File == "" {
		c.Log.File = defaultSupervisorLog
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 5
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 28
	}
	if c.Log.Compress == nil {
		compress := true
		c.Log.Compress = &compress
	}
	if c.Log.ServerLogFile == "" {
		c.Log.ServerLogFile = defaultServerLog
	}
	if c.HTTP.MetricsAddr == "" {
		c.HTTP.MetricsAddr = defaultMetricsAddr
	}
	if c.HTTP.APIAddr == "" {
		c.HTTP.APIAddr = defaultAPIAddr
	}
}

// Validate rejects settings the monitor cannot run with. Invalid schedule
// entries are not an error here; the scheduler ignores them.
func (c *Config) Validate() error {
	var errs []error
	if c.Perf.SummaryMinWindow > c.Perf.SummaryWindow {
		errs = append(errs, errors.New("perf.summaryMinWindow must not exceed perf.summaryWindow"))
	}
	if c.Perf.PollTimeout >= c.Perf.CollectInterval {
		errs = append(errs, errors.New("perf.pollTimeout must be shorter than perf.collectInterval"))
	}
	if c.Router.BindErrorMaxDelay < c.Router.BindErrorBaseDelay {
		errs = append(errs, errors.New("router.bindErrorMaxDelay must not be below router.bindErrorBaseDelay"))
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PerfHistoryOptions maps the perf section onto history options.
func (c *Config) PerfHistoryOptions() HistoryOptions {
	return HistoryOptions{
		File:             c.Perf.HistoryFile,
		Cap:              c.Perf.HistoryCap,
		Resolution:       c.Perf.Resolution.Std(),
		LinearityFactor:  c.Perf.LinearityFactor,
		PollTimeout:      c.Perf.PollTimeout.Std(),
		SummaryWindow:    c.Perf.SummaryWindow.Std(),
		SummaryMinWindow: c.Perf.SummaryMinWindow.Std(),
	}
}

func (c *Config) routerOptions() RouterOptions {
	return RouterOptions{
		MonitorResource:    c.Router.MonitorResource,
		BindErrorBaseDelay: c.Router.BindErrorBaseDelay.Std(),
		BindErrorStep:      c.Router.BindErrorStep.Std(),
		BindErrorMaxDelay:  c.Router.BindErrorMaxDelay.Std(),
	}
}
