package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/portal-orchestrator/internal/config"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBatchFile(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantKind string
		wantIDs  []string
		// wantParams maps target index to its JSON params
		wantParams map[int]string
		wantErr    string
	}{
		{
			name: "document",
			content: `task_kind: filing
execution_mode: visible
targets:
  - id: T1
    account: "111"
  - id: T2
    account: "222"
    name: Maria
`,
			wantKind: "filing",
			wantIDs:  []string{"T1", "T2"},
		},
		{
			name: "plain list",
			content: `- id: A
  account: "1"
- id: B
`,
			wantIDs: []string{"A", "B"},
		},
		{
			name: "params",
			content: `task_kind: lookup
targets:
  - id: T1
    params:
      provider: nubank
      retries: 2
      banks: [itau, inter]
  - id: T2
`,
			wantKind:   "lookup",
			wantIDs:    []string{"T1", "T2"},
			wantParams: map[int]string{0: `{"banks":["itau","inter"],"provider":"nubank","retries":2}`},
		},
		{
			name:       "params on plain list",
			content:    "- id: A\n  params: {provider: picpay}\n",
			wantIDs:    []string{"A"},
			wantParams: map[int]string{0: `{"provider":"picpay"}`},
		},
		{
			name:    "missing id",
			content: "targets:\n  - account: \"1\"\n",
			wantErr: "target 1 has no id",
		},
		{
			name:    "not yaml",
			content: "targets: [",
			wantErr: "parsing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bf, err := loadBatchFile(writeFile(t, tt.content))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if bf.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", bf.Kind, tt.wantKind)
			}
			if len(bf.Targets) != len(tt.wantIDs) {
				t.Fatalf("got %d targets, want %d", len(bf.Targets), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if bf.Targets[i].ID != id {
					t.Errorf("target %d = %q, want %q", i, bf.Targets[i].ID, id)
				}
				if got := string(bf.Targets[i].Params); got != tt.wantParams[i] {
					t.Errorf("target %d params = %s, want %s", i, got, tt.wantParams[i])
				}
			}
		})
	}
}

func TestBatchSpec_FlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "task_kind: filing\ntargets:\n  - id: T1\n")
	defer func() { batchKind, batchMode = "", "" }()

	batchKind, batchMode = "lookup", "headless"
	spec, err := batchSpec(path)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Kind != domain.KindLookup || spec.Mode != domain.ModeHeadless {
		t.Errorf("spec = %s/%s, want lookup/headless", spec.Kind, spec.Mode)
	}

	batchKind = "teleport"
	if _, err := batchSpec(path); err == nil {
		t.Error("expected unknown task kind to be rejected")
	}
}

func TestBatchSpec_EmptyTargets(t *testing.T) {
	if _, err := batchSpec(writeFile(t, "task_kind: lookup\ntargets: []\n")); err == nil {
		t.Error("expected an empty batch to be rejected")
	}
}

func TestLoopbackURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"", "http://127.0.0.1:3001"},
		{"0.0.0.0", "http://127.0.0.1:3001"},
		{"10.0.0.5", "http://10.0.0.5:3001"},
	}
	for _, tt := range tests {
		got := loopbackURL(config.ServerConfig{Host: tt.host, Port: 3001, PublicURL: "https://portal.example.com"})
		if got != tt.want {
			t.Errorf("loopbackURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestWorkerSpecs(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = map[string]config.WorkerConfig{
		"lookup":   {Command: "node", Args: []string{"lookup.js"}, Timeout: config.Duration{Duration: time.Minute}},
		"recovery": {},
	}
	specs := workerSpecs(cfg)
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1 (workers without a command are skipped)", len(specs))
	}
	spec := specs[domain.KindLookup]
	if spec.Command != "node" || spec.Timeout != time.Minute || spec.Args[0] != "lookup.js" {
		t.Errorf("unexpected spec %+v", spec)
	}
}

func TestWorkerSpecs_RecoverySettings(t *testing.T) {
	cfg := config.Default()
	cfg.Recovery.TeardownDelay = config.Duration{Duration: 2 * time.Second}
	cfg.Recovery.CaptchaProbe = config.Duration{}
	cfg.Workers = map[string]config.WorkerConfig{
		"recovery": {Command: "recovery-worker", Args: []string{"--chrome", "/opt/chrome"}},
		"lookup":   {Command: "node", Args: []string{"lookup.js"}},
	}
	specs := workerSpecs(cfg)

	want := "--provider nubank --teardown-delay 2s --captcha-timeout 5m0s --chrome /opt/chrome"
	if got := strings.Join(specs[domain.KindRecovery].Args, " "); got != want {
		t.Errorf("recovery args = %q, want %q", got, want)
	}
	if got := strings.Join(specs[domain.KindLookup].Args, " "); got != "lookup.js" {
		t.Errorf("lookup args = %q", got)
	}
}

func TestSummarizeData(t *testing.T) {
	if got := summarizeData(map[string]any{"message": "m", "status": "Active"}); got != "Active" {
		t.Errorf("got %q, want status first", got)
	}
	if got := summarizeData(nil); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}
