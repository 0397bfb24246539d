package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/memory"
)

// TestDefaultConfig_WorkspacePath verifies workspace path is correctly set
func TestDefaultConfig_WorkspacePath(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Workspace == "" {
		t.Error("Workspace should not be empty")
	}
	if cfg.Persona != "default" {
		t.Errorf("Persona = %q, want %q", cfg.Persona, "default")
	}
}

// TestDefaultConfig_RecallMatchesEngine verifies recall defaults follow the engine defaults
func TestDefaultConfig_RecallMatchesEngine(t *testing.T) {
	cfg := DefaultConfig()
	want := memory.DefaultRecallBudget()

	if cfg.Memory.Recall.MaxItems != want.MaxItems {
		t.Errorf("MaxItems = %d, want %d", cfg.Memory.Recall.MaxItems, want.MaxItems)
	}
	if cfg.Memory.Recall.MaxChars != want.MaxChars {
		t.Errorf("MaxChars = %d, want %d", cfg.Memory.Recall.MaxChars, want.MaxChars)
	}
	if cfg.Memory.Recall.RerankCeiling != want.RerankCeiling {
		t.Errorf("RerankCeiling = %d, want %d", cfg.Memory.Recall.RerankCeiling, want.RerankCeiling)
	}
}

// TestDefaultConfig_Maintenance verifies maintenance schedules are set
func TestDefaultConfig_Maintenance(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Maintenance.ConsolidateCron == "" || cfg.Maintenance.ArchiveCron == "" {
		t.Error("maintenance schedules should have default values")
	}
	if cfg.Maintenance.PollSeconds == 0 {
		t.Error("PollSeconds should not be zero")
	}
}

// TestDefaultConfig_Extractor verifies extractor credentials are empty by default
func TestDefaultConfig_Extractor(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Extractor.APIKey != "" {
		t.Error("extractor API key should be empty by default")
	}
	if _, ok := cfg.OpenAIExtractor(); ok {
		t.Error("extractor should be disabled without an API key")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Persona = "wren"
	cfg.Memory.Archival.IdleDays = 45
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Persona != "wren" || loaded.Memory.Archival.IdleDays != 45 {
		t.Fatalf("unexpected round trip result: persona=%q idle=%d", loaded.Persona, loaded.Memory.Archival.IdleDays)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("SOULSEED_PERSONA", "env-persona")
	t.Setenv("SOULSEED_RECALL_MAX_ITEMS", "3")
	t.Setenv("SOULSEED_MEMORY_RECONCILE_PATTERNS", "memory.*,message.user")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Persona; got != "env-persona" {
		t.Fatalf("expected env override persona, got %q", got)
	}
	if got := cfg.Memory.Recall.MaxItems; got != 3 {
		t.Fatalf("expected env override max items, got %d", got)
	}
	if got := cfg.Memory.ReconcilePatterns; len(got) != 2 || got[0] != "memory.*" {
		t.Fatalf("expected two reconcile patterns from env, got %#v", got)
	}
}

func TestLoadConfig_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"persona":"from-file","extractor":{"model":"file-model"},"memory":{"reconcile_patterns":"memory.excluded"}}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SOULSEED_EXTRACTOR_API_KEY", "sk-test")
	t.Setenv("SOULSEED_EXTRACTOR_MODEL", "env-model")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Persona != "from-file" {
		t.Fatalf("expected persona from file, got %q", cfg.Persona)
	}
	if got := cfg.Memory.ReconcilePatterns; len(got) != 1 || got[0] != "memory.excluded" {
		t.Fatalf("expected single-string pattern list, got %#v", got)
	}
	ex, ok := cfg.OpenAIExtractor()
	if !ok {
		t.Fatal("expected extractor to be enabled")
	}
	if ex.Model != "env-model" || ex.Timeout != 30*time.Second {
		t.Fatalf("unexpected extractor config %#v", ex)
	}
}

func TestLoadConfig_RejectsUnknownMode(t *testing.T) {
	t.Setenv("SOULSEED_MEMORY_CONSOLIDATION_MODE", "telepathic")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Fatal("expected unknown consolidation mode to be rejected")
	}
}

func TestConfig_ServiceConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workspace = "/srv/soul"
	cfg.Persona = "wren"
	cfg.Memory.ConsolidationMode = "semantic"
	cfg.Maintenance.PollSeconds = 0

	sc := cfg.ServiceConfig()
	if sc.Workspace != "/srv/soul" || sc.Persona != "wren" {
		t.Fatalf("unexpected workspace mapping %#v", sc)
	}
	if sc.ConsolidateMode != memory.ModeSemantic {
		t.Fatalf("expected semantic mode, got %q", sc.ConsolidateMode)
	}
	if sc.MaintenancePoll != time.Second {
		t.Fatalf("expected poll clamped to one second, got %v", sc.MaintenancePoll)
	}
	if got := cfg.EventLogPath(); got != filepath.Join("/srv/soul", "personas", "wren", "events.jsonl") {
		t.Fatalf("unexpected default event log path %q", got)
	}
}

func TestLoadConfig_ArchivalZeroThreshold(t *testing.T) {
	t.Setenv("SOULSEED_ARCHIVAL_MIN_ITEMS", "-1")
	t.Setenv("SOULSEED_ARCHIVAL_MIN_COLD_RATIO", "-1")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	th := cfg.ServiceConfig().Archival
	if th.MinItems != memory.ZeroThreshold || th.MinColdRatio != memory.ZeroThreshold {
		t.Fatalf("expected disabled gates to reach the engine, got %#v", th)
	}

	t.Setenv("SOULSEED_ARCHIVAL_MIN_ITEMS", "-2")
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.json")); err == nil {
		t.Fatal("expected a negative threshold other than -1 to be rejected")
	}
}
