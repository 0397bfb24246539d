package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
)

// Config configures the memory subsystem of one persona.
type Config struct {
	Workspace  string
	Persona    string
	ArchiveDir string
	Recall     RecallBudget
	Archival   ArchivalThresholds

	// ConsolidateMode is the path scheduled consolidation runs take.
	ConsolidateMode ConsolidationMode

	// Cron expressions for background maintenance; empty disables a pass.
	ConsolidateCron string
	ArchiveCron     string
	ReconcileCron   string
	MaintenancePoll time.Duration
}

type ServiceOption func(*Service)

// WithTuning replaces the built-in tuning tables, typically with a
// *TuningWatcher.
func WithTuning(src TuningSource) ServiceOption {
	return func(s *Service) { s.tuning = src }
}

func WithExtractor(ex Extractor) ServiceOption {
	return func(s *Service) { s.extractor = ex }
}

func WithEventSource(src EventSource) ServiceOption {
	return func(s *Service) { s.events = src }
}

// Service is the orchestrator for ingest, recall and maintenance of one
// persona store.
type Service struct {
	cfg       Config
	store     Store
	tuning    TuningSource
	extractor Extractor
	events    EventSource

	ingester     *Ingester
	retriever    *Retriever
	consolidator *Consolidator
	archiver     *Archiver
	reconciler   *Reconciler

	// passMu is held exclusively by maintenance passes and rehydration and
	// shared by recall, so a recall never interleaves with a running pass.
	passMu sync.RWMutex

	stopCh      chan struct{}
	wg          sync.WaitGroup
	startOnce   sync.Once
	closeOnce   sync.Once
	closeErr    error
	lastPassMin map[string]int64
}

// PersonaDBPath returns the store location for persona under workspace.
func PersonaDBPath(workspace, persona string) string {
	return filepath.Join(workspace, "personas", persona, "memory.db")
}

func validPersona(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}

func NewService(cfg Config, opts ...ServiceOption) (*Service, error) {
	if strings.TrimSpace(cfg.Workspace) == "" {
		return nil, fmt.Errorf("memory workspace is required")
	}
	if cfg.Persona == "" {
		cfg.Persona = "default"
	}
	if !validPersona(cfg.Persona) {
		return nil, fmt.Errorf("invalid persona name %q", cfg.Persona)
	}
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = filepath.Join(cfg.Workspace, "personas", cfg.Persona, "archive")
	}
	if cfg.MaintenancePoll <= 0 {
		cfg.MaintenancePoll = 30 * time.Second
	}
	if err := cfg.Recall.validate(); err != nil {
		return nil, err
	}
	for _, expr := range []string{cfg.ConsolidateCron, cfg.ArchiveCron, cfg.ReconcileCron} {
		if expr != "" && !gronx.New().IsValid(expr) {
			return nil, fmt.Errorf("invalid maintenance cron expression %q", expr)
		}
	}

	store, err := NewSQLiteStore(PersonaDBPath(cfg.Workspace, cfg.Persona))
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:         cfg,
		store:       store,
		tuning:      DefaultTuning(),
		stopCh:      make(chan struct{}),
		lastPassMin: map[string]int64{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	svc.ingester = NewIngester(store, svc.tuning)
	svc.retriever = NewRetriever(store, svc.tuning, cfg.Recall)
	svc.consolidator = NewConsolidator(store, svc.tuning, svc.extractor, svc.events)
	svc.archiver = NewArchiver(store, cfg.ArchiveDir, cfg.Archival)
	svc.reconciler = NewReconciler(store, svc.events)
	return svc, nil
}

func (s *Service) Store() Store { return s.store }

func (s *Service) ArchiveDir() string { return s.cfg.ArchiveDir }

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func (s *Service) Ingest(ctx context.Context, ev LogEvent) (IngestResult, error) {
	return s.ingester.Ingest(ctx, ev)
}

// IngestAll ingests every event of the configured source in order and
// returns how many records were newly created. Malformed events are
// counted and skipped.
func (s *Service) IngestAll(ctx context.Context) (created, failed int, err error) {
	if s.events == nil {
		return 0, 0, fmt.Errorf("ingest: no event source configured")
	}
	events, err := s.events.Events(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, ev := range events {
		res, err := s.ingester.Ingest(ctx, ev)
		if err != nil {
			failed++
			logger.WarnCF("ingest", "event rejected", map[string]interface{}{
				"hash":  ev.Hash,
				"type":  ev.Type,
				"error": err.Error(),
			})
			continue
		}
		created += res.Created
	}
	return created, failed, nil
}

func (s *Service) Recall(ctx context.Context, query string, budget RecallBudget) (RecallResult, error) {
	s.passMu.RLock()
	defer s.passMu.RUnlock()
	return s.retriever.Recall(ctx, query, budget)
}

func (s *Service) GetRecallTrace(ctx context.Context, id string) (RecallTrace, error) {
	return s.store.GetRecallTrace(ctx, id)
}

func (s *Service) RunConsolidation(ctx context.Context, opts ConsolidationOptions) (ConsolidationResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.consolidator.Run(ctx, opts)
}

func (s *Service) RunArchival(ctx context.Context, th ArchivalThresholds) (ArchivalResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.archiver.Run(ctx, th)
}

func (s *Service) RunReconciliation(ctx context.Context, opts ReconcileOptions) (ReconcileResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.reconciler.Run(ctx, opts)
}

func (s *Service) Rehydrate(ctx context.Context, id string) (MemoryRecord, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()
	return s.archiver.Rehydrate(ctx, id)
}

func (s *Service) ArchivedContent(ctx context.Context, id string) (string, error) {
	return s.archiver.ArchivedContent(ctx, id)
}

func (s *Service) InspectBudget(ctx context.Context) (BudgetReport, error) {
	return InspectBudget(ctx, s.store, s.cfg.ArchiveDir, 0)
}

// StartMaintenance launches the background worker. Calling it again is a
// no-op.
func (s *Service) StartMaintenance() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.runWorker()
	})
}

func (s *Service) runWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MaintenancePoll)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case t := <-ticker.C:
			s.runDuePasses(t)
		}
	}
}

const (
	passConsolidate = "consolidate"
	passArchive     = "archive"
	passReconcile   = "reconcile"
)

// runDuePasses runs every pass whose schedule matches t, one after the
// other. A pass runs at most once per scheduled minute.
func (s *Service) runDuePasses(t time.Time) {
	ctx := context.Background()
	for _, pass := range s.duePasses(t) {
		var err error
		switch pass {
		case passConsolidate:
			_, err = s.RunConsolidation(ctx, ConsolidationOptions{Trigger: "schedule", Mode: s.cfg.ConsolidateMode})
		case passArchive:
			_, err = s.RunArchival(ctx, ArchivalThresholds{})
		case passReconcile:
			if s.events == nil {
				continue
			}
			_, err = s.RunReconciliation(ctx, ReconcileOptions{})
		}
		if err != nil {
			_ = s.store.AddMetric(ctx, "memory.maintenance.failed", 1, map[string]string{"pass": pass})
			logger.ErrorCF("memory", "maintenance pass failed", map[string]interface{}{
				"pass":  pass,
				"error": err.Error(),
			})
			continue
		}
		_ = s.store.AddMetric(ctx, "memory.maintenance.completed", 1, map[string]string{"pass": pass})
	}
}

func (s *Service) duePasses(t time.Time) []string {
	gron := gronx.New()
	minute := t.Unix() / 60
	scheduled := []struct {
		name string
		expr string
	}{
		{passConsolidate, s.cfg.ConsolidateCron},
		{passArchive, s.cfg.ArchiveCron},
		{passReconcile, s.cfg.ReconcileCron},
	}
	out := []string{}
	for _, p := range scheduled {
		if p.expr == "" || s.lastPassMin[p.name] == minute {
			continue
		}
		due, err := gron.IsDue(p.expr, t)
		if err != nil || !due {
			continue
		}
		s.lastPassMin[p.name] = minute
		out = append(out, p.name)
	}
	return out
}
