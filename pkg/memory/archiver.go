package memory

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
)

// Archival skip reasons.
const (
	SkipNoRecords         = "no_records"
	SkipBelowMinItems     = "below_min_items"
	SkipBelowMinColdRatio = "below_min_cold_ratio"
)

const dayMS = int64(24 * time.Hour / time.Millisecond)

// ZeroThreshold asks for a literal zero in an ArchivalThresholds field,
// where a plain zero takes the default. A zero MaxItems means no cap.
const ZeroThreshold = -1

// ArchivalThresholds gate one archival pass. Zero fields take defaults;
// set a field to ZeroThreshold to disable that gate.
type ArchivalThresholds struct {
	IdleDays     int     `json:"idle_days"`
	MinItems     int     `json:"min_items"`
	MinColdRatio float64 `json:"min_cold_ratio"`
	MaxItems     int     `json:"max_items"`
	MaxSalience  float64 `json:"max_salience"`
	NowMS        int64   `json:"-"`
}

func DefaultArchivalThresholds() ArchivalThresholds {
	return ArchivalThresholds{
		IdleDays:     30,
		MinItems:     50,
		MinColdRatio: 0.3,
		MaxItems:     500,
		MaxSalience:  0.6,
	}
}

func (t ArchivalThresholds) withDefaults(d ArchivalThresholds) (ArchivalThresholds, error) {
	for _, v := range []float64{float64(t.IdleDays), float64(t.MinItems), float64(t.MaxItems), t.MinColdRatio, t.MaxSalience} {
		if v < 0 && v != ZeroThreshold {
			return t, fmt.Errorf("invalid archival thresholds: %+v", t)
		}
	}
	if t.MinColdRatio > 1 {
		return t, fmt.Errorf("invalid archival thresholds: %+v", t)
	}
	t.IdleDays = thresholdInt(t.IdleDays, d.IdleDays)
	t.MinItems = thresholdInt(t.MinItems, d.MinItems)
	t.MaxItems = thresholdInt(t.MaxItems, d.MaxItems)
	t.MinColdRatio = thresholdFloat(t.MinColdRatio, d.MinColdRatio)
	t.MaxSalience = thresholdFloat(t.MaxSalience, d.MaxSalience)
	return t, nil
}

func thresholdInt(v, d int) int {
	switch v {
	case ZeroThreshold:
		return 0
	case 0:
		return d
	}
	return v
}

func thresholdFloat(v, d float64) float64 {
	switch v {
	case ZeroThreshold:
		return 0
	case 0:
		return d
	}
	return v
}

type ArchivalStats struct {
	Live      int
	Eligible  int
	Archived  int
	ColdRatio float64
	Bytes     int64
}

type ArchivalResult struct {
	Stats         ArchivalStats
	SegmentKey    string
	SegmentPath   string
	SkippedReason string
}

// Archiver evicts idle low-salience records into immutable segment files.
type Archiver struct {
	store    Store
	dir      string
	defaults ArchivalThresholds
	now      func() int64

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewArchiver(store Store, dir string, defaults ArchivalThresholds) *Archiver {
	d, err := defaults.withDefaults(DefaultArchivalThresholds())
	if err != nil {
		d = DefaultArchivalThresholds()
	}
	return &Archiver{
		store:    store,
		dir:      dir,
		defaults: d,
		now:      nowMS,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (a *Archiver) newSegmentKey(at int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return "seg-" + ulid.MustNew(uint64(at), a.entropy).String()
}

// Run archives eligible records when the pass is worth the I/O; otherwise
// it returns a result naming the skipped reason.
func (a *Archiver) Run(ctx context.Context, th ArchivalThresholds) (ArchivalResult, error) {
	th, err := th.withDefaults(a.defaults)
	if err != nil {
		return ArchivalResult{}, err
	}
	now := th.NowMS
	if now == 0 {
		now = a.now()
	}

	res := ArchivalResult{}
	live, err := a.store.CountLiveRecords(ctx)
	if err != nil {
		return res, err
	}
	res.Stats.Live = live
	if live == 0 {
		return a.skip(res, SkipNoRecords), nil
	}

	cands, err := a.store.ListArchivalCandidates(ctx, th.MaxSalience, now-int64(th.IdleDays)*dayMS)
	if err != nil {
		return res, err
	}
	res.Stats.Eligible = len(cands)
	res.Stats.ColdRatio = float64(len(cands)) / float64(live)
	if len(cands) == 0 || len(cands) < th.MinItems {
		return a.skip(res, SkipBelowMinItems), nil
	}
	if res.Stats.ColdRatio < th.MinColdRatio {
		return a.skip(res, SkipBelowMinColdRatio), nil
	}
	if th.MaxItems > 0 && len(cands) > th.MaxItems {
		cands = cands[:th.MaxItems]
	}

	key := a.newSegmentKey(now)
	lines := make([]SegmentLine, 0, len(cands))
	refs := make([]ArchivedRef, 0, len(cands))
	ids := make([]string, 0, len(cands))
	for i, rec := range cands {
		seq := i + 1
		lines = append(lines, SegmentLine{
			Schema:       ArchiveSegmentSchema,
			SegmentKey:   key,
			Seq:          seq,
			ArchivedAtMS: now,
			Record:       snapshotOf(rec),
		})
		refs = append(refs, ArchivedRef{RecordID: rec.ID, Seq: seq})
		ids = append(ids, rec.ID)
	}

	path, size, checksum, err := writeSegment(a.dir, key, lines)
	if err != nil {
		return res, storageErr("write archive segment", err)
	}
	seg := ArchiveSegment{
		SegmentKey:  key,
		Path:        path,
		RecordIDs:   ids,
		Schema:      ArchiveSegmentSchema,
		Checksum:    checksum,
		CreatedAtMS: now,
	}
	if err := a.store.CommitArchiveSegment(ctx, seg, size, refs); err != nil {
		// The segment never became referenced; drop it so no orphan remains.
		_ = os.Chmod(path, 0o644)
		_ = os.Remove(path)
		return res, err
	}

	res.Stats.Archived = len(cands)
	res.Stats.Bytes = size
	res.SegmentKey = key
	res.SegmentPath = path
	_ = a.store.AddMetric(ctx, "memory.archival.archived", float64(len(cands)), map[string]string{"segment": key})
	logger.InfoCF("archive", "archive segment written", map[string]interface{}{
		"segment":  key,
		"archived": len(cands),
		"bytes":    size,
		"ratio":    res.Stats.ColdRatio,
	})
	return res, nil
}

func (a *Archiver) skip(res ArchivalResult, reason string) ArchivalResult {
	res.SkippedReason = reason
	logger.InfoCF("archive", "archival skipped", map[string]interface{}{
		"reason":   reason,
		"live":     res.Stats.Live,
		"eligible": res.Stats.Eligible,
	})
	return res
}

// ArchivedContent reconstructs the original content of an archived record
// from its segment, verifying the segment checksum first.
func (a *Archiver) ArchivedContent(ctx context.Context, id string) (string, error) {
	snap, err := a.archivedSnapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return snap.Content, nil
}

func (a *Archiver) archivedSnapshot(ctx context.Context, id string) (RecordSnapshot, error) {
	rec, err := a.store.GetRecord(ctx, id)
	if err != nil {
		return RecordSnapshot{}, err
	}
	if rec.State != StateArchive {
		return RecordSnapshot{}, fmt.Errorf("%w: record %s is not archived", ErrNotFound, id)
	}
	key := rec.Metadata["archive_segment"]
	seq, err := strconv.Atoi(rec.Metadata["archive_seq"])
	if key == "" || err != nil {
		return RecordSnapshot{}, fmt.Errorf("%w: record %s has no segment reference", ErrSegmentCorrupt, id)
	}
	seg, err := a.store.GetArchiveSegment(ctx, key)
	if err != nil {
		return RecordSnapshot{}, err
	}
	sum, err := segmentChecksum(seg.Path)
	if err != nil {
		return RecordSnapshot{}, fmt.Errorf("%w: %s: %v", ErrSegmentCorrupt, seg.Path, err)
	}
	if sum != seg.Checksum {
		return RecordSnapshot{}, fmt.Errorf("%w: %s checksum mismatch", ErrSegmentCorrupt, seg.Path)
	}
	lines, err := ReadSegment(seg.Path)
	if err != nil {
		return RecordSnapshot{}, err
	}
	for _, line := range lines {
		if line.Seq == seq && line.Record.ID == id {
			return line.Record, nil
		}
	}
	return RecordSnapshot{}, fmt.Errorf("%w: %s has no entry %d for %s", ErrSegmentCorrupt, key, seq, id)
}

// Rehydrate restores an archived record's content inline and makes it
// recall eligible again. The segment file stays untouched.
func (a *Archiver) Rehydrate(ctx context.Context, id string) (MemoryRecord, error) {
	snap, err := a.archivedSnapshot(ctx, id)
	if err != nil {
		return MemoryRecord{}, err
	}
	if err := a.store.RestoreArchived(ctx, id, snap.Content, a.now()); err != nil {
		return MemoryRecord{}, err
	}
	logger.InfoCF("archive", "record rehydrated", map[string]interface{}{"id": id})
	return a.store.GetRecord(ctx, id)
}
