package memory

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// RecordSnapshot is the full archived state of one record.
type RecordSnapshot struct {
	ID                   string            `json:"id"`
	MemoryType           MemoryType        `json:"memory_type"`
	Content              string            `json:"content"`
	Salience             float64           `json:"salience"`
	State                MemoryState       `json:"state"`
	ActivationCount      int               `json:"activation_count"`
	LastActivatedAtMS    int64             `json:"last_activated_at_ms"`
	EmotionScore         float64           `json:"emotion_score"`
	NarrativeScore       float64           `json:"narrative_score"`
	CredibilityScore     float64           `json:"credibility_score"`
	OriginRole           OriginRole        `json:"origin_role"`
	SpeakerRelation      string            `json:"speaker_relation,omitempty"`
	EvidenceLevel        EvidenceLevel     `json:"evidence_level"`
	ExcludedFromRecall   bool              `json:"excluded_from_recall"`
	ReconsolidationCount int               `json:"reconsolidation_count"`
	SourceEventHash      string            `json:"source_event_hash"`
	RecordRole           string            `json:"record_role"`
	ConflictKey          string            `json:"conflict_key,omitempty"`
	CreatedAtMS          int64             `json:"created_at_ms"`
	UpdatedAtMS          int64             `json:"updated_at_ms"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// SegmentLine is one newline-delimited entry of an archive segment file.
type SegmentLine struct {
	Schema       string         `json:"schema"`
	SegmentKey   string         `json:"segment_key"`
	Seq          int            `json:"seq"`
	ArchivedAtMS int64          `json:"archived_at_ms"`
	Record       RecordSnapshot `json:"record"`
}

func snapshotOf(rec MemoryRecord) RecordSnapshot {
	return RecordSnapshot{
		ID:                   rec.ID,
		MemoryType:           rec.MemoryType,
		Content:              rec.Content,
		Salience:             rec.Salience,
		State:                rec.State,
		ActivationCount:      rec.ActivationCount,
		LastActivatedAtMS:    rec.LastActivatedAtMS,
		EmotionScore:         rec.EmotionScore,
		NarrativeScore:       rec.NarrativeScore,
		CredibilityScore:     rec.CredibilityScore,
		OriginRole:           rec.OriginRole,
		SpeakerRelation:      rec.SpeakerRelation,
		EvidenceLevel:        rec.EvidenceLevel,
		ExcludedFromRecall:   rec.ExcludedFromRecall,
		ReconsolidationCount: rec.ReconsolidationCount,
		SourceEventHash:      rec.SourceEventHash,
		RecordRole:           rec.RecordRole,
		ConflictKey:          rec.ConflictKey,
		CreatedAtMS:          rec.CreatedAtMS,
		UpdatedAtMS:          rec.UpdatedAtMS,
		Metadata:             rec.Metadata,
	}
}

// writeSegment writes lines to <dir>/<key>.jsonl through a synced temp file
// and returns the final path, byte size and SHA-256 checksum. An existing
// segment is never overwritten.
func writeSegment(dir, key string, lines []SegmentLine) (string, int64, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, "", fmt.Errorf("create archive dir: %w", err)
	}
	final := filepath.Join(dir, key+".jsonl")
	if _, err := os.Stat(final); err == nil {
		return "", 0, "", fmt.Errorf("archive segment %s already exists", final)
	}

	tmp, err := os.CreateTemp(dir, key+".*.tmp")
	if err != nil {
		return "", 0, "", fmt.Errorf("create segment temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	sum := sha256.New()
	counter := &countingWriter{}
	w := bufio.NewWriter(io.MultiWriter(tmp, sum, counter))
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, line := range lines {
		if err := enc.Encode(line); err != nil {
			cleanup()
			return "", 0, "", fmt.Errorf("encode segment line %d: %w", line.Seq, err)
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return "", 0, "", fmt.Errorf("flush segment: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", 0, "", fmt.Errorf("sync segment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("close segment: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o444); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("seal segment: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("publish segment: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return final, counter.n, hex.EncodeToString(sum.Sum(nil)), nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// ReadSegment decodes every line of a segment file. Lines with a foreign
// schema tag or malformed JSON yield ErrSegmentCorrupt.
func ReadSegment(path string) ([]SegmentLine, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing", ErrSegmentCorrupt, path)
		}
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	out := []SegmentLine{}
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		var line SegmentLine
		if err := dec.Decode(&line); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%w: %s entry %d: %v", ErrSegmentCorrupt, path, len(out)+1, err)
		}
		if line.Schema != ArchiveSegmentSchema {
			return nil, fmt.Errorf("%w: %s entry %d: schema %q", ErrSegmentCorrupt, path, len(out)+1, line.Schema)
		}
		out = append(out, line)
	}
	return out, nil
}

func segmentChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
