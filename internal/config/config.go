package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Tasks         TasksConfig         `toml:"tasks"`
	EastWest      EastWestConfig      `toml:"east_west"`
	ObjectStore   ObjectStoreConfig   `toml:"object_store"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Log           LogConfig           `toml:"log"`
}

// GeneralConfig holds filesystem locations
type GeneralConfig struct {
	DataDir       string `toml:"data_dir"`
	DatabasePath  string `toml:"database_path"`
	ResultsDir    string `toml:"results_dir"`
	TempDir       string `toml:"temp_dir"`
	FacilityDir   string `toml:"facility_dir"`
	ExecutionsDir string `toml:"executions_dir"`
	SchedulePath  string `toml:"schedule_path"`
}

// SchedulerConfig controls the execution queue poller
type SchedulerConfig struct {
	PollIntervalMs        int  `toml:"poll_interval_ms"`
	AvailabilityRetryMs   int  `toml:"availability_retry_ms"`
	WatchFacility         bool `toml:"watch_facility"`
	MilestonePollInterval int  `toml:"milestone_poll_ms"`
}

// TasksConfig holds defaults applied to every task
type TasksConfig struct {
	VerdictOnError string `toml:"verdict_on_error"`
}

// RemoteConfig locates one peer facility
type RemoteConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// EastWestConfig configures distributed experiments
type EastWestConfig struct {
	Enabled         bool                    `toml:"enabled"`
	RemoteRetries   int                     `toml:"remote_retries"`
	RemoteBackoffMs int                     `toml:"remote_backoff_ms"`
	Remotes         map[string]RemoteConfig `toml:"remotes"`
}

// ObjectStoreConfig configures optional upload of result archives
type ObjectStoreConfig struct {
	Enabled   bool   `toml:"enabled"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	UseSSL    bool   `toml:"use_ssl"`
	Bucket    string `toml:"bucket"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds API server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// LogConfig selects log level and output format (text or json)
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	data := filepath.Join(home, ".testbed-orchestrator")
	return &Config{
		General: GeneralConfig{
			DataDir:       data,
			DatabasePath:  filepath.Join(data, "orchestrator.db"),
			ResultsDir:    filepath.Join(data, "results"),
			TempDir:       filepath.Join(data, "tmp"),
			FacilityDir:   filepath.Join(data, "facility"),
			ExecutionsDir: filepath.Join(data, "executions"),
			SchedulePath:  filepath.Join(data, "schedules.toml"),
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs:        1000,
			AvailabilityRetryMs:   10000,
			WatchFacility:         true,
			MilestonePollInterval: 1000,
		},
		Tasks: TasksConfig{
			VerdictOnError: "Error",
		},
		EastWest: EastWestConfig{
			RemoteRetries:   5,
			RemoteBackoffMs: 5000,
			Remotes:         map[string]RemoteConfig{},
		},
		ObjectStore: ObjectStoreConfig{
			Region: "us-east-1",
			Bucket: "results",
		},
		Web: WebConfig{
			Port: 5001,
			Host: "127.0.0.1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.ResultsDir = ExpandPath(cfg.General.ResultsDir)
	cfg.General.TempDir = ExpandPath(cfg.General.TempDir)
	cfg.General.FacilityDir = ExpandPath(cfg.General.FacilityDir)
	cfg.General.ExecutionsDir = ExpandPath(cfg.General.ExecutionsDir)
	cfg.General.SchedulePath = ExpandPath(cfg.General.SchedulePath)

	return cfg, nil
}

// PollInterval returns the queue poll period
func (c SchedulerConfig) PollInterval() time.Duration {
	return millis(c.PollIntervalMs, time.Second)
}

// AvailabilityRetry returns the wait between resource admission attempts
func (c SchedulerConfig) AvailabilityRetry() time.Duration {
	return millis(c.AvailabilityRetryMs, 10*time.Second)
}

// MilestonePoll returns the default polling period for milestone waits
func (c SchedulerConfig) MilestonePoll() time.Duration {
	return millis(c.MilestonePollInterval, time.Second)
}

// RemoteBackoff returns the fixed wait between remote call retries
func (c EastWestConfig) RemoteBackoff() time.Duration {
	return millis(c.RemoteBackoffMs, 5*time.Second)
}

func millis(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "testbed-orchestrator", "config.toml")
}
