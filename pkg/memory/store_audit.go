package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// CommitRecall writes the trace and bumps activation statistics of the
// selected records in one transaction.
func (s *SQLiteStore) CommitRecall(ctx context.Context, trace RecallTrace) error {
	traceJSON, err := json.Marshal(trace)
	if err != nil {
		return storageErr("commit recall", fmt.Errorf("encode trace: %w", err))
	}
	selectedJSON, err := json.Marshal(trace.SelectedIDs)
	if err != nil {
		return storageErr("commit recall", fmt.Errorf("encode selected ids: %w", err))
	}
	at := trace.CreatedAtMS
	return s.withTx(ctx, "commit recall", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO recall_traces(id, query_text, selected_ids_json, trace_json, created_at_ms)
VALUES(?, ?, ?, ?, ?)`, trace.ID, trace.Query, string(selectedJSON), string(traceJSON), at); err != nil {
			return fmt.Errorf("insert recall trace: %w", err)
		}
		for _, id := range trace.SelectedIDs {
			if _, err := tx.ExecContext(ctx, `
UPDATE memories
SET activation_count = activation_count + 1,
	last_activated_at_ms = ?,
	reconsolidation_count = reconsolidation_count + 1,
	updated_at_ms = ?
WHERE id = ?`, at, at, id); err != nil {
				return fmt.Errorf("bump activation %s: %w", id, err)
			}
		}
		return nil
	})
}

// GetRecallTrace reads back a committed trace.
func (s *SQLiteStore) GetRecallTrace(ctx context.Context, id string) (RecallTrace, error) {
	var raw string
	if err := s.QueryRow(ctx, `SELECT trace_json FROM recall_traces WHERE id = ?`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RecallTrace{}, fmt.Errorf("%w: recall trace %s", ErrNotFound, id)
		}
		return RecallTrace{}, storageErr("get recall trace", err)
	}
	var out RecallTrace
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return RecallTrace{}, storageErr("decode recall trace", err)
	}
	return out, nil
}

// Supersession retires OldID in favor of the record inserted as NewID.
type Supersession struct {
	OldID string
	NewID string
}

// ApplyConsolidation soft-deletes superseded records, inserts the accepted
// semantic records and appends the run row atomically. Superseded rows are
// retired first so the live conflict-key index admits their replacements.
func (s *SQLiteStore) ApplyConsolidation(ctx context.Context, run ConsolidationRun, inserts []MemoryRecord, supersede []Supersession) error {
	candJSON, err := json.Marshal(run.Candidates)
	if err != nil {
		return storageErr("apply consolidation", fmt.Errorf("encode candidates: %w", err))
	}
	at := run.CreatedAtMS
	if at == 0 {
		at = nowMS()
	}
	return s.withTx(ctx, "apply consolidation", func(tx *sql.Tx) error {
		for _, sup := range supersede {
			var metaRaw string
			if err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM memories WHERE id = ?`, sup.OldID).Scan(&metaRaw); err != nil {
				return fmt.Errorf("load superseded %s: %w", sup.OldID, err)
			}
			meta := decodeMap(metaRaw)
			meta["superseded_by"] = sup.NewID
			meta["superseded_by_run"] = run.ID
			if _, err := tx.ExecContext(ctx, `
UPDATE memories SET deleted_at_ms = ?, updated_at_ms = ?, metadata_json = ?
WHERE id = ? AND deleted_at_ms = 0`, at, at, encodeMap(meta), sup.OldID); err != nil {
				return fmt.Errorf("supersede %s: %w", sup.OldID, err)
			}
		}
		for _, rec := range inserts {
			rec = normalizeRecord(rec, at)
			created, err := insertRecordTx(ctx, tx, rec)
			if err != nil {
				return err
			}
			if !created {
				return fmt.Errorf("consolidated record %s already exists", rec.SourceEventHash)
			}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_consolidation_runs(id, trigger_name, mode_requested, path, fallback_reason, candidates_json, inserted, superseded, source, watermark_ms, watermark_id, log_offset, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.Trigger, string(run.ModeRequested), string(run.Path), run.FallbackReason,
			string(candJSON), run.Inserted, run.Superseded, runSource(run.FromLog),
			run.WatermarkMS, run.WatermarkID, run.LogOffset, at); err != nil {
			return fmt.Errorf("insert consolidation run: %w", err)
		}
		return nil
	})
}

const (
	runSourceRecords = "records"
	runSourceLog     = "log"
)

func runSource(fromLog bool) string {
	if fromLog {
		return runSourceLog
	}
	return runSourceRecords
}

// LatestConsolidationCursor returns where the next run of a source resumes.
// Record runs resume after the furthest record any run scanned; log runs
// resume at the offset of the last committed log run. The zero cursor means
// start from the beginning.
func (s *SQLiteStore) LatestConsolidationCursor(ctx context.Context, fromLog bool) (ConsolidationCursor, error) {
	order := `watermark_ms DESC, watermark_id DESC`
	if fromLog {
		order = `rowid DESC`
	}
	var cur ConsolidationCursor
	err := s.QueryRow(ctx, `
SELECT watermark_ms, watermark_id, log_offset FROM memory_consolidation_runs
WHERE source = ? ORDER BY `+order+` LIMIT 1`, runSource(fromLog)).Scan(&cur.CreatedAtMS, &cur.RecordID, &cur.LogOffset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConsolidationCursor{}, nil
		}
		return ConsolidationCursor{}, storageErr("consolidation cursor", err)
	}
	return cur, nil
}

func (s *SQLiteStore) GetConsolidationRun(ctx context.Context, id string) (ConsolidationRun, error) {
	var (
		run      ConsolidationRun
		mode     string
		path     string
		source   string
		candJSON string
	)
	err := s.QueryRow(ctx, `
SELECT id, trigger_name, mode_requested, path, fallback_reason, candidates_json, inserted, superseded,
	source, watermark_ms, watermark_id, log_offset, created_at_ms
FROM memory_consolidation_runs WHERE id = ?`, id).Scan(
		&run.ID, &run.Trigger, &mode, &path, &run.FallbackReason, &candJSON,
		&run.Inserted, &run.Superseded,
		&source, &run.WatermarkMS, &run.WatermarkID, &run.LogOffset, &run.CreatedAtMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConsolidationRun{}, fmt.Errorf("%w: consolidation run %s", ErrNotFound, id)
		}
		return ConsolidationRun{}, storageErr("get consolidation run", err)
	}
	run.ModeRequested = ConsolidationMode(mode)
	run.Path = ConsolidationMode(path)
	run.FromLog = source == runSourceLog
	if err := json.Unmarshal([]byte(candJSON), &run.Candidates); err != nil {
		return ConsolidationRun{}, storageErr("decode consolidation candidates", err)
	}
	return run, nil
}

// ListArchivalCandidates returns recall-eligible records that are cold, or
// warm and idle since idleBeforeMS, with salience at most maxSalience.
// Lowest salience first, then longest idle.
func (s *SQLiteStore) ListArchivalCandidates(ctx context.Context, maxSalience float64, idleBeforeMS int64) ([]MemoryRecord, error) {
	return s.queryRecords(ctx, "list archival candidates", `SELECT `+recordColumns+` FROM memories m
WHERE `+liveFilter+`
AND m.salience <= ?
AND (m.state = 'cold'
	OR (m.state = 'warm' AND (CASE WHEN m.last_activated_at_ms > 0 THEN m.last_activated_at_ms ELSE m.created_at_ms END) <= ?))
ORDER BY m.salience ASC, (CASE WHEN m.last_activated_at_ms > 0 THEN m.last_activated_at_ms ELSE m.created_at_ms END) ASC, m.id ASC`,
		maxSalience, idleBeforeMS)
}

// CountLiveRecords counts records that recall may currently return.
func (s *SQLiteStore) CountLiveRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.QueryRow(ctx, `SELECT COUNT(*) FROM memories m WHERE `+liveFilter).Scan(&n); err != nil {
		return 0, storageErr("count live records", err)
	}
	return n, nil
}

// ArchivedRef points one archived record at its segment line.
type ArchivedRef struct {
	RecordID string
	Seq      int
}

func archivedRefContent(segmentKey string, seq int) string {
	return fmt.Sprintf("[archived_ref] %s#%d", segmentKey, seq)
}

// CommitArchiveSegment records seg and swaps each archived record's content
// for its pointer in one transaction.
func (s *SQLiteStore) CommitArchiveSegment(ctx context.Context, seg ArchiveSegment, byteSize int64, refs []ArchivedRef) error {
	idsJSON, err := json.Marshal(seg.RecordIDs)
	if err != nil {
		return storageErr("commit archive segment", err)
	}
	at := seg.CreatedAtMS
	return s.withTx(ctx, "commit archive segment", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO archive_segments(segment_key, path, schema_tag, record_ids_json, record_count, byte_size, checksum, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.SegmentKey, seg.Path, seg.Schema, string(idsJSON), len(seg.RecordIDs), byteSize, seg.Checksum, at); err != nil {
			return fmt.Errorf("insert archive segment: %w", err)
		}
		for _, ref := range refs {
			var metaRaw string
			if err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM memories WHERE id = ?`, ref.RecordID).Scan(&metaRaw); err != nil {
				return fmt.Errorf("load archived record %s: %w", ref.RecordID, err)
			}
			meta := decodeMap(metaRaw)
			meta["archive_segment"] = seg.SegmentKey
			meta["archive_seq"] = strconv.Itoa(ref.Seq)
			res, err := tx.ExecContext(ctx, `
UPDATE memories
SET content = ?, state = ?, excluded_from_recall = 1, metadata_json = ?, updated_at_ms = ?
WHERE id = ? AND deleted_at_ms = 0 AND state <> 'archive'`,
				archivedRefContent(seg.SegmentKey, ref.Seq), string(StateArchive), encodeMap(meta), at, ref.RecordID)
			if err != nil {
				return fmt.Errorf("archive record %s: %w", ref.RecordID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("archive record %s: no longer eligible", ref.RecordID)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) GetArchiveSegment(ctx context.Context, key string) (ArchiveSegment, error) {
	var (
		seg     ArchiveSegment
		idsJSON string
	)
	err := s.QueryRow(ctx, `
SELECT segment_key, path, schema_tag, record_ids_json, checksum, created_at_ms
FROM archive_segments WHERE segment_key = ?`, key).Scan(
		&seg.SegmentKey, &seg.Path, &seg.Schema, &idsJSON, &seg.Checksum, &seg.CreatedAtMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ArchiveSegment{}, fmt.Errorf("%w: archive segment %s", ErrNotFound, key)
		}
		return ArchiveSegment{}, storageErr("get archive segment", err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &seg.RecordIDs); err != nil {
		return ArchiveSegment{}, storageErr("decode archive segment ids", err)
	}
	return seg, nil
}

// RestoreArchived puts original content back inline at the warm tier. The
// record becomes recall eligible again unless a policy event excluded it.
func (s *SQLiteStore) RestoreArchived(ctx context.Context, id, content string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	return s.withTx(ctx, "restore archived", func(tx *sql.Tx) error {
		var metaRaw string
		if err := tx.QueryRowContext(ctx, `SELECT metadata_json FROM memories WHERE id = ? AND state = 'archive'`, id).Scan(&metaRaw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: archived record %s", ErrNotFound, id)
			}
			return err
		}
		meta := decodeMap(metaRaw)
		meta["rehydrated_from"] = meta["archive_segment"]
		delete(meta, "archive_segment")
		delete(meta, "archive_seq")
		_, err := tx.ExecContext(ctx, `
UPDATE memories
SET content = ?, state = ?, excluded_from_recall = ?, metadata_json = ?, updated_at_ms = ?, last_activated_at_ms = ?
WHERE id = ?`, content, string(StateWarm), boolInt(meta[metaPolicyExcluded] == "true"), encodeMap(meta), atMS, atMS, id)
		return err
	})
}

var countedTables = []string{
	"memories",
	"recall_traces",
	"archive_segments",
	"memory_consolidation_runs",
	"memory_metrics",
}

// RowCounts returns the number of rows per persisted table.
func (s *SQLiteStore) RowCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(countedTables)+1)
	for _, table := range countedTables {
		var n int64
		if err := s.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, storageErr("row counts", fmt.Errorf("%s: %w", table, err))
		}
		out[table] = n
	}
	var archived int64
	if err := s.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE state = 'archive'`).Scan(&archived); err != nil {
		return nil, storageErr("row counts", err)
	}
	out["memories_archived"] = archived
	return out, nil
}

// CreatedSince returns the count and total content bytes of records created
// at or after sinceMS.
func (s *SQLiteStore) CreatedSince(ctx context.Context, sinceMS int64) (int64, int64, error) {
	var (
		n     int64
		bytes sql.NullInt64
	)
	err := s.QueryRow(ctx, `SELECT COUNT(*), SUM(LENGTH(CAST(content AS BLOB))) FROM memories WHERE created_at_ms >= ?`, sinceMS).Scan(&n, &bytes)
	if err != nil {
		return 0, 0, storageErr("created since", err)
	}
	return n, bytes.Int64, nil
}

// OldestRecordMS returns the creation time of the oldest record, or 0.
func (s *SQLiteStore) OldestRecordMS(ctx context.Context) (int64, error) {
	var v sql.NullInt64
	if err := s.QueryRow(ctx, `SELECT MIN(created_at_ms) FROM memories`).Scan(&v); err != nil {
		return 0, storageErr("oldest record", err)
	}
	return v.Int64, nil
}
