package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/memory"
)

// FlexibleStringSlice is a []string that also accepts a single JSON string,
// so reconcile_patterns can be written as "memory.*" or ["memory.*"].
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = splitList(single)
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		result = append(result, fmt.Sprintf("%v", v))
	}
	*f = result
	return nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type Config struct {
	Workspace   string            `json:"workspace" env:"SOULSEED_WORKSPACE"`
	Persona     string            `json:"persona" env:"SOULSEED_PERSONA"`
	EventLog    string            `json:"event_log" env:"SOULSEED_EVENT_LOG"`
	Memory      MemoryConfig      `json:"memory"`
	Extractor   ExtractorConfig   `json:"extractor"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Log         LogConfig         `json:"log"`
	mu          sync.RWMutex
}

type MemoryConfig struct {
	ArchiveDir        string              `json:"archive_dir" env:"SOULSEED_MEMORY_ARCHIVE_DIR"`
	TuningFile        string              `json:"tuning_file" env:"SOULSEED_MEMORY_TUNING_FILE"`
	ConsolidationMode string              `json:"consolidation_mode" env:"SOULSEED_MEMORY_CONSOLIDATION_MODE"`
	ReconcilePatterns FlexibleStringSlice `json:"reconcile_patterns" env:"SOULSEED_MEMORY_RECONCILE_PATTERNS"`
	Recall            RecallConfig        `json:"recall"`
	Archival          ArchivalConfig      `json:"archival"`
}

type RecallConfig struct {
	MaxItems          int `json:"max_items" env:"SOULSEED_RECALL_MAX_ITEMS"`
	MaxChars          int `json:"max_chars" env:"SOULSEED_RECALL_MAX_CHARS"`
	SalienceLaneLimit int `json:"salience_lane_limit" env:"SOULSEED_RECALL_SALIENCE_LANE_LIMIT"`
	KeywordLaneLimit  int `json:"keyword_lane_limit" env:"SOULSEED_RECALL_KEYWORD_LANE_LIMIT"`
	RerankCeiling     int `json:"rerank_ceiling" env:"SOULSEED_RECALL_RERANK_CEILING"`
}

// ArchivalConfig mirrors memory.ArchivalThresholds: 0 takes the engine
// default and -1 disables that gate.
type ArchivalConfig struct {
	IdleDays     int     `json:"idle_days" env:"SOULSEED_ARCHIVAL_IDLE_DAYS"`
	MinItems     int     `json:"min_items" env:"SOULSEED_ARCHIVAL_MIN_ITEMS"`
	MinColdRatio float64 `json:"min_cold_ratio" env:"SOULSEED_ARCHIVAL_MIN_COLD_RATIO"`
	MaxItems     int     `json:"max_items" env:"SOULSEED_ARCHIVAL_MAX_ITEMS"`
	MaxSalience  float64 `json:"max_salience" env:"SOULSEED_ARCHIVAL_MAX_SALIENCE"`
}

type ExtractorConfig struct {
	APIKey         string `json:"api_key" env:"SOULSEED_EXTRACTOR_API_KEY"`
	APIBase        string `json:"api_base" env:"SOULSEED_EXTRACTOR_API_BASE"`
	Model          string `json:"model" env:"SOULSEED_EXTRACTOR_MODEL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"SOULSEED_EXTRACTOR_TIMEOUT_SECONDS"`
}

type MaintenanceConfig struct {
	ConsolidateCron string `json:"consolidate_cron" env:"SOULSEED_MAINTENANCE_CONSOLIDATE_CRON"`
	ArchiveCron     string `json:"archive_cron" env:"SOULSEED_MAINTENANCE_ARCHIVE_CRON"`
	ReconcileCron   string `json:"reconcile_cron" env:"SOULSEED_MAINTENANCE_RECONCILE_CRON"`
	PollSeconds     int    `json:"poll_seconds" env:"SOULSEED_MAINTENANCE_POLL_SECONDS"` // min 1
}

type LogConfig struct {
	Level  string `json:"level" env:"SOULSEED_LOG_LEVEL"`
	Format string `json:"format" env:"SOULSEED_LOG_FORMAT"` // text or json
}

func DefaultConfig() *Config {
	recall := memory.DefaultRecallBudget()
	archival := memory.DefaultArchivalThresholds()
	return &Config{
		Workspace: "~/.soulseed",
		Persona:   "default",
		Memory: MemoryConfig{
			ConsolidationMode: string(memory.ModePattern),
			ReconcilePatterns: FlexibleStringSlice{},
			Recall: RecallConfig{
				MaxItems:          recall.MaxItems,
				MaxChars:          recall.MaxChars,
				SalienceLaneLimit: recall.SalienceLaneLimit,
				KeywordLaneLimit:  recall.KeywordLaneLimit,
				RerankCeiling:     recall.RerankCeiling,
			},
			Archival: ArchivalConfig{
				IdleDays:     archival.IdleDays,
				MinItems:     archival.MinItems,
				MinColdRatio: archival.MinColdRatio,
				MaxItems:     archival.MaxItems,
				MaxSalience:  archival.MaxSalience,
			},
		},
		Extractor: ExtractorConfig{
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 30,
		},
		Maintenance: MaintenanceConfig{
			ConsolidateCron: "*/15 * * * *",
			ArchiveCron:     "30 3 * * *",
			ReconcileCron:   "0 * * * *",
			PollSeconds:     30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path over the defaults and applies SOULSEED_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Workspace) == "" {
		return fmt.Errorf("config: workspace is required")
	}
	switch memory.ConsolidationMode(c.Memory.ConsolidationMode) {
	case "", memory.ModePattern, memory.ModeSemantic:
	default:
		return fmt.Errorf("config: unknown consolidation mode %q", c.Memory.ConsolidationMode)
	}
	if c.Maintenance.PollSeconds < 0 {
		return fmt.Errorf("config: maintenance poll_seconds must not be negative")
	}
	a := c.Memory.Archival
	for _, v := range []float64{float64(a.IdleDays), float64(a.MinItems), float64(a.MaxItems), a.MinColdRatio, a.MaxSalience} {
		if v < 0 && v != memory.ZeroThreshold {
			return fmt.Errorf("config: archival thresholds take 0 for the default or -1 for none, got %v", v)
		}
	}
	return nil
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Workspace)
}

// EventLogPath defaults to events.jsonl next to the persona store.
func (c *Config) EventLogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.EventLog != "" {
		return expandHome(c.EventLog)
	}
	return filepath.Join(expandHome(c.Workspace), "personas", c.Persona, "events.jsonl")
}

func (c *Config) TuningPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.TuningFile)
}

// OpenAIExtractor returns the semantic extractor settings, or false when
// no API key is configured.
func (c *Config) OpenAIExtractor() (memory.OpenAIExtractorConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if strings.TrimSpace(c.Extractor.APIKey) == "" {
		return memory.OpenAIExtractorConfig{}, false
	}
	return memory.OpenAIExtractorConfig{
		APIKey:  c.Extractor.APIKey,
		BaseURL: c.Extractor.APIBase,
		Model:   c.Extractor.Model,
		Timeout: time.Duration(c.Extractor.TimeoutSeconds) * time.Second,
	}, true
}

// ServiceConfig maps the file settings onto memory.Config.
func (c *Config) ServiceConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	poll := c.Maintenance.PollSeconds
	if poll < 1 {
		poll = 1
	}
	return memory.Config{
		Workspace:  expandHome(c.Workspace),
		Persona:    c.Persona,
		ArchiveDir: expandHome(c.Memory.ArchiveDir),
		Recall: memory.RecallBudget{
			MaxItems:          c.Memory.Recall.MaxItems,
			MaxChars:          c.Memory.Recall.MaxChars,
			SalienceLaneLimit: c.Memory.Recall.SalienceLaneLimit,
			KeywordLaneLimit:  c.Memory.Recall.KeywordLaneLimit,
			RerankCeiling:     c.Memory.Recall.RerankCeiling,
		},
		Archival: memory.ArchivalThresholds{
			IdleDays:     c.Memory.Archival.IdleDays,
			MinItems:     c.Memory.Archival.MinItems,
			MinColdRatio: c.Memory.Archival.MinColdRatio,
			MaxItems:     c.Memory.Archival.MaxItems,
			MaxSalience:  c.Memory.Archival.MaxSalience,
		},
		ConsolidateMode: memory.ConsolidationMode(c.Memory.ConsolidationMode),
		ConsolidateCron: c.Maintenance.ConsolidateCron,
		ArchiveCron:     c.Maintenance.ArchiveCron,
		ReconcileCron:   c.Maintenance.ReconcileCron,
		MaintenancePoll: time.Duration(poll) * time.Second,
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
