package memory

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "personas", "test", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func messageEvent(t *testing.T, hash string, role OriginRole, text string, ts int64) LogEvent {
	t.Helper()
	return LogEvent{
		Type:        "message." + string(role),
		Payload:     payload(t, MessageEvent{Role: role, Text: text}),
		Hash:        hash,
		TimestampMS: ts,
	}
}

func policyEvent(t *testing.T, typ, hash, target string, credibility *float64) LogEvent {
	t.Helper()
	return LogEvent{
		Type:    typ,
		Payload: payload(t, PolicyEvent{TargetHash: target, Credibility: credibility}),
		Hash:    hash,
	}
}

func floatPtr(v float64) *float64 { return &v }

type staticEvents struct {
	events []LogEvent
	err    error
}

func (s *staticEvents) Events(context.Context) ([]LogEvent, error) {
	return s.events, s.err
}

type fakeExtractor struct {
	output string
	err    error
	calls  int
	texts  []string
}

func (f *fakeExtractor) Extract(_ context.Context, texts []string) (string, error) {
	f.calls++
	f.texts = append([]string(nil), texts...)
	return f.output, f.err
}

var errExtractorDown = errors.New("extractor offline")

// seedRecord writes rec straight to the store, bypassing ingest heuristics.
func seedRecord(t *testing.T, store *SQLiteStore, rec MemoryRecord) MemoryRecord {
	t.Helper()
	if rec.SourceEventHash == "" {
		rec.SourceEventHash = "seed:" + rec.Content
	}
	if rec.MemoryType == "" {
		rec.MemoryType = MemoryEpisodic
	}
	out, created, err := store.UpsertRecord(context.Background(), rec)
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if !created {
		t.Fatalf("seed record %q was not created", rec.Content)
	}
	return out
}
