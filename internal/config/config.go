package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig           `toml:"general"`
	Server        ServerConfig            `toml:"server"`
	Execution     ExecutionConfig         `toml:"execution"`
	Workers       map[string]WorkerConfig `toml:"workers"`
	Batch         BatchConfig             `toml:"batch"`
	Blob          BlobConfig              `toml:"blob"`
	Recovery      RecoveryConfig          `toml:"recovery"`
	Notifications NotificationsConfig     `toml:"notifications"`
	Logging       LoggingConfig           `toml:"logging"`
	Schedules     []ScheduleConfig        `toml:"schedule"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
	DownloadDir  string `toml:"download_dir"`
}

// ServerConfig holds relay server settings
type ServerConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	PublicURL string `toml:"public_url"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// BaseURL is the URL clients use to reach the server
func (s ServerConfig) BaseURL() string {
	if s.PublicURL != "" {
		return strings.TrimRight(s.PublicURL, "/")
	}
	host := s.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// ExecutionConfig holds the default execution mode
type ExecutionConfig struct {
	Headless bool `toml:"headless"`
}

// Mode returns the configured execution mode
func (e ExecutionConfig) Mode() domain.ExecutionMode {
	if e.Headless {
		return domain.ModeHeadless
	}
	return domain.ModeVisible
}

// WorkerConfig describes the command for one task kind
type WorkerConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Dir     string   `toml:"dir"`
	Env     []string `toml:"env"`
	Timeout Duration `toml:"timeout"`
}

// BatchConfig holds grace intervals between batch targets
type BatchConfig struct {
	SuccessGrace Duration `toml:"success_grace"`
	FailureGrace Duration `toml:"failure_grace"`
}

// BlobConfig selects and configures artifact storage
type BlobConfig struct {
	Provider        string `toml:"provider"` // "s3", "r2", "local" or "" (disabled)
	Bucket          string `toml:"bucket"`
	Region          string `toml:"region"`
	Endpoint        string `toml:"endpoint"`
	AccountID       string `toml:"account_id"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	PublicURL       string `toml:"public_url"`
	LocalDir        string `toml:"local_dir"`
}

// RecoveryConfig tunes the recovery worker
type RecoveryConfig struct {
	Provider       string   `toml:"provider"`
	TeardownDelay  Duration `toml:"teardown_delay"`
	CaptchaProbe   Duration `toml:"captcha_probe"`
	CaptchaTimeout Duration `toml:"captcha_timeout"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// ScheduleConfig is a cron-triggered batch
type ScheduleConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	TaskKind string `toml:"task_kind"`
	Filter   string `toml:"filter"`
}

// Duration is a time.Duration that reads TOML strings such as "3s"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".portal-orch")
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(base, "portal.db"),
			DownloadDir:  filepath.Join(base, "downloads"),
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3001,
		},
		Execution: ExecutionConfig{Headless: true},
		Workers: map[string]WorkerConfig{
			string(domain.KindRecovery): {Command: "recovery-worker", Timeout: Duration{10 * time.Minute}},
		},
		Batch: BatchConfig{
			SuccessGrace: Duration{3 * time.Second},
			FailureGrace: Duration{6 * time.Second},
		},
		Blob: BlobConfig{
			LocalDir: filepath.Join(base, "blobs"),
		},
		Recovery: RecoveryConfig{
			Provider:       "nubank",
			TeardownDelay:  Duration{5 * time.Second},
			CaptchaProbe:   Duration{5 * time.Second},
			CaptchaTimeout: Duration{5 * time.Minute},
		},
		Logging: LoggingConfig{Level: "info"},
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
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.DownloadDir = ExpandPath(cfg.General.DownloadDir)
	cfg.Blob.LocalDir = ExpandPath(cfg.Blob.LocalDir)
	for kind, w := range cfg.Workers {
		w.Command = ExpandPath(w.Command)
		w.Dir = ExpandPath(w.Dir)
		cfg.Workers[kind] = w
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	for kind := range c.Workers {
		if _, err := domain.ParseTaskKind(kind); err != nil {
			return fmt.Errorf("workers: %w", err)
		}
	}
	switch c.Blob.Provider {
	case "", "local", "s3", "r2":
	default:
		return fmt.Errorf("blob: unknown provider %q", c.Blob.Provider)
	}
	for i, s := range c.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("schedule %d: name and cron are required", i)
		}
		if _, err := domain.ParseTaskKind(s.TaskKind); err != nil {
			return fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}
	return nil
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
	return filepath.Join(home, ".config", "portal-orch", "config.toml")
}

// LocalConfigName is the per-directory config file searched by FindLocalConfig
const LocalConfigName = ".portal-orch.toml"

// FindLocalConfig walks up from the working directory looking for
// LocalConfigName and returns its path, or "" when there is none.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ResolvePath picks the explicit path, then a local config, then the default
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if local := FindLocalConfig(); local != "" {
		return local
	}
	return DefaultConfigPath()
}

// LoadWithLocalFallback loads the config chosen by ResolvePath
func LoadWithLocalFallback(explicit string) (*Config, error) {
	return Load(ResolvePath(explicit))
}
