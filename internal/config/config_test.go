package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want 3001", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Execution.Mode() != domain.ModeHeadless {
		t.Errorf("Execution.Mode() = %q, want headless", cfg.Execution.Mode())
	}
	if cfg.Batch.SuccessGrace.Duration != 3*time.Second {
		t.Errorf("SuccessGrace = %v, want 3s", cfg.Batch.SuccessGrace)
	}
	if cfg.Batch.FailureGrace.Duration <= cfg.Batch.SuccessGrace.Duration {
		t.Error("failure grace should be longer than success grace")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
database_path = "~/portal/test.db"

[server]
port = 9000

[execution]
headless = false

[workers.filing]
command = "python3"
args = ["filing.py"]
timeout = "15m"

[batch]
failure_grace = "10s"

[[schedule]]
name = "nightly-lookups"
cron = "0 2 * * *"
task_kind = "lookup"
filter = "lookup_pending"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	home, _ := os.UserHomeDir()
	if cfg.General.DatabasePath != filepath.Join(home, "portal", "test.db") {
		t.Errorf("DatabasePath = %q", cfg.General.DatabasePath)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Execution.Mode() != domain.ModeVisible {
		t.Errorf("Execution.Mode() = %q, want visible", cfg.Execution.Mode())
	}
	filing := cfg.Workers["filing"]
	if filing.Command != "python3" || len(filing.Args) != 1 || filing.Timeout.Duration != 15*time.Minute {
		t.Errorf("workers.filing = %+v", filing)
	}
	if cfg.Batch.FailureGrace.Duration != 10*time.Second {
		t.Errorf("FailureGrace = %v, want 10s", cfg.Batch.FailureGrace)
	}
	if cfg.Batch.SuccessGrace.Duration != 3*time.Second {
		t.Errorf("SuccessGrace = %v, want default 3s", cfg.Batch.SuccessGrace)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Filter != "lookup_pending" {
		t.Errorf("Schedules = %+v", cfg.Schedules)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []string{
		"[workers.sync]\ncommand = \"x\"\n",
		"[blob]\nprovider = \"ftp\"\n",
		"[[schedule]]\nname = \"x\"\ncron = \"* * * * *\"\ntask_kind = \"bogus\"\n",
		"[batch]\nsuccess_grace = \"soon\"\n",
	}
	for _, content := range tests {
		if _, err := Load(writeTempConfig(t, content)); err == nil {
			t.Errorf("Load(%q) should fail", content)
		}
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 3001 {
		t.Errorf("Server.Port = %d, want 3001", cfg.Server.Port)
	}
}

func TestServerConfig_BaseURL(t *testing.T) {
	tests := []struct {
		cfg  ServerConfig
		want string
	}{
		{ServerConfig{Host: "0.0.0.0", Port: 3001}, "http://127.0.0.1:3001"},
		{ServerConfig{Host: "10.0.0.5", Port: 80}, "http://10.0.0.5:80"},
		{ServerConfig{PublicURL: "https://robots.example.com/"}, "https://robots.example.com"},
	}
	for _, tt := range tests {
		if got := tt.cfg.BaseURL(); got != tt.want {
			t.Errorf("BaseURL() = %q, want %q", got, tt.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[server]\nport = 4000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	if found := FindLocalConfig(); found != localConfig {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
}

func TestResolvePath_Explicit(t *testing.T) {
	if got := ResolvePath("/etc/portal.toml"); got != "/etc/portal.toml" {
		t.Errorf("ResolvePath = %q", got)
	}
}

func TestModeSwitch(t *testing.T) {
	ms := NewModeSwitch(domain.ModeVisible)

	var seen []domain.ExecutionMode
	ms.OnChange(func(m domain.ExecutionMode) { seen = append(seen, m) })

	if ms.Set(domain.ModeVisible) {
		t.Error("setting the same mode should report no change")
	}
	if !ms.Set(domain.ModeHeadless) {
		t.Error("switching mode should report a change")
	}
	if ms.Current() != domain.ModeHeadless {
		t.Errorf("Current() = %q", ms.Current())
	}
	if len(seen) != 1 || seen[0] != domain.ModeHeadless {
		t.Errorf("listener saw %v", seen)
	}
	if ms.Resolve(domain.ModeVisible) != domain.ModeVisible || ms.Resolve("") != domain.ModeHeadless {
		t.Error("Resolve should prefer the requested mode")
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, "[execution]\nheadless = true\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, logr.Discard())
	if err != nil {
		t.Fatal(err)
	}
	w.Start(context.Background())
	defer w.Stop()

	if err := os.WriteFile(path, []byte("[execution]\nheadless = false\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Execution.Headless {
			t.Error("reloaded config should be visible mode")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
