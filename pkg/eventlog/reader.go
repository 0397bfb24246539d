// Package eventlog reads the append-only interaction log that feeds the
// memory subsystem. The log is newline-delimited JSON, one event per line.
package eventlog

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/memory"
)

const maxLineBytes = 4 << 20

// LineError describes one malformed log line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Reader implements memory.EventSource over a JSONL file.
type Reader struct {
	path string
	// Strict fails the read on the first malformed line instead of
	// skipping it.
	Strict bool
}

func NewReader(path string) *Reader {
	return &Reader{path: path}
}

func (r *Reader) Path() string { return r.path }

// Events returns every well-formed event in file order. A missing file is
// an empty log.
func (r *Reader) Events(ctx context.Context) ([]memory.LogEvent, error) {
	events, bad, err := r.ReadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, le := range bad {
		if r.Strict {
			return nil, fmt.Errorf("%s: %w", r.path, le)
		}
		logger.WarnCF("eventlog", "skipping malformed log line", map[string]interface{}{
			"path":  r.path,
			"line":  le.Line,
			"error": le.Err.Error(),
		})
	}
	return events, nil
}

// ReadAll returns the decoded events together with the lines that failed
// to decode.
func (r *Reader) ReadAll(ctx context.Context) ([]memory.LogEvent, []*LineError, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []memory.LogEvent{}, nil, nil
		}
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	events := []memory.LogEvent{}
	var bad []*LineError
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		ev, err := decodeLine(raw)
		if err != nil {
			bad = append(bad, &LineError{Line: line, Err: err})
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read event log %s after line %d: %w", r.path, line, err)
	}
	return events, bad, nil
}

func decodeLine(raw string) (memory.LogEvent, error) {
	var ev memory.LogEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return memory.LogEvent{}, err
	}
	if strings.TrimSpace(ev.Type) == "" {
		return memory.LogEvent{}, errors.New("missing event type")
	}
	// Lines without a hash are addressed by their content so re-reads stay
	// idempotent.
	if strings.TrimSpace(ev.Hash) == "" {
		sum := sha256.Sum256([]byte(raw))
		ev.Hash = "sha256:" + hex.EncodeToString(sum[:])
	}
	return ev, nil
}

var _ memory.EventSource = (*Reader)(nil)
