package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the canonical persistent memory storage of one persona.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens the memory database at path, creating it at the
// current schema when absent and migrating it forward otherwise. A file
// that is not a readable database yields ErrStoreCorrupt and is left as is.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return openSQLiteStore(context.Background(), path, CurrentSchemaVersion)
}

func openSQLiteStore(ctx context.Context, path string, target int) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, storageErr("open", errors.New("empty store path"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageErr("open", fmt.Errorf("create memory db dir: %w", err))
	}
	existed := false
	if fi, err := os.Stat(path); err == nil {
		if fi.IsDir() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrStoreCorrupt, path)
		}
		existed = fi.Size() > 0
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// Single logical writer per persona. One shared connection serializes
	// every statement through this handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, path: path}
	if existed {
		if err := store.checkIntegrity(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := store.init(ctx, target); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check`).Scan(&result); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, s.path, err)
	}
	if !strings.EqualFold(strings.TrimSpace(result), "ok") {
		return fmt.Errorf("%w: %s: quick_check: %s", ErrStoreCorrupt, s.path, result)
	}
	return nil
}

func (s *SQLiteStore) init(ctx context.Context, target int) error {
	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("init", fmt.Errorf("%q: %w", trimSQL(stmt), err))
		}
	}
	version, err := readUserVersion(ctx, s.db)
	if err != nil {
		return err
	}
	if version > CurrentSchemaVersion {
		return storageErr("init", fmt.Errorf("schema version %d is newer than supported %d", version, CurrentSchemaVersion))
	}
	return migrateTo(ctx, s.db, target)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// SchemaVersion reports the schema marker stored in the file.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	return readUserVersion(ctx, s.db)
}

// Exec runs one statement through the store's single connection.
func (s *SQLiteStore) Exec(ctx context.Context, op, query string, args ...interface{}) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return res, nil
}

// Query runs a read statement. Callers must close the rows before issuing
// another statement.
func (s *SQLiteStore) Query(ctx context.Context, op, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return rows, nil
}

func (s *SQLiteStore) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op+" begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return storageErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op+" commit", err)
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.Join(strings.Fields(sql), " ")
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const recordColumns = `m.id, m.memory_type, m.content, m.salience, m.state, m.activation_count, m.last_activated_at_ms,
m.emotion_score, m.narrative_score, m.credibility_score, m.origin_role, m.speaker_relation, m.evidence_level,
m.excluded_from_recall, m.reconsolidation_count, m.source_event_hash, m.record_role, m.conflict_key,
m.created_at_ms, m.updated_at_ms, m.deleted_at_ms, m.metadata_json`

// liveFilter is the recall eligibility predicate over alias m.
const liveFilter = `m.deleted_at_ms = 0 AND m.excluded_from_recall = 0 AND m.state <> 'archive'`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (MemoryRecord, error) {
	var (
		rec      MemoryRecord
		mtype    string
		state    string
		origin   string
		evidence string
		excluded int
		metaRaw  string
	)
	if err := row.Scan(
		&rec.ID, &mtype, &rec.Content, &rec.Salience, &state, &rec.ActivationCount, &rec.LastActivatedAtMS,
		&rec.EmotionScore, &rec.NarrativeScore, &rec.CredibilityScore, &origin, &rec.SpeakerRelation, &evidence,
		&excluded, &rec.ReconsolidationCount, &rec.SourceEventHash, &rec.RecordRole, &rec.ConflictKey,
		&rec.CreatedAtMS, &rec.UpdatedAtMS, &rec.DeletedAtMS, &metaRaw,
	); err != nil {
		return MemoryRecord{}, err
	}
	rec.MemoryType = MemoryType(mtype)
	rec.State = MemoryState(state)
	rec.OriginRole = OriginRole(origin)
	rec.EvidenceLevel = EvidenceLevel(evidence)
	rec.ExcludedFromRecall = excluded != 0
	rec.Metadata = decodeMap(metaRaw)
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]MemoryRecord, error) {
	out := []MemoryRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory records: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, op, query string, args ...interface{}) ([]MemoryRecord, error) {
	rows, err := s.Query(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out, err := scanRecords(rows)
	if err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}

func normalizeRecord(rec MemoryRecord, now int64) MemoryRecord {
	if rec.ID == "" {
		rec.ID = "mem-" + uuid.NewString()
	}
	if rec.State == "" {
		rec.State = StateWarm
	}
	if rec.OriginRole == "" {
		rec.OriginRole = OriginUser
	}
	if rec.EvidenceLevel == "" {
		rec.EvidenceLevel = EvidenceUnverified
	}
	if rec.RecordRole == "" {
		rec.RecordRole = RoleMessage
	}
	if rec.CreatedAtMS == 0 {
		rec.CreatedAtMS = now
	}
	if rec.UpdatedAtMS == 0 {
		rec.UpdatedAtMS = rec.CreatedAtMS
	}
	rec.Salience = clamp01(rec.Salience)
	rec.EmotionScore = clamp01(rec.EmotionScore)
	rec.NarrativeScore = clamp01(rec.NarrativeScore)
	rec.CredibilityScore = clamp01(rec.CredibilityScore)
	return rec
}

// validateRecordText rejects text that would not survive an archive
// segment byte for byte.
func validateRecordText(rec MemoryRecord) error {
	fields := map[string]string{
		"content":           rec.Content,
		"source_event_hash": rec.SourceEventHash,
		"conflict_key":      rec.ConflictKey,
		"speaker_relation":  rec.SpeakerRelation,
	}
	for k, v := range rec.Metadata {
		fields["metadata key "+k] = k
		fields["metadata "+k] = v
	}
	for name, v := range fields {
		if !utf8.ValidString(v) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidRecord, name)
		}
	}
	return nil
}

// insertRecordTx inserts rec unless a record with the same source hash and
// role exists. It reports whether a row was written.
func insertRecordTx(ctx context.Context, tx *sql.Tx, rec MemoryRecord) (bool, error) {
	if err := validateRecordText(rec); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO memories(id, memory_type, content, salience, state, activation_count, last_activated_at_ms,
	emotion_score, narrative_score, credibility_score, origin_role, speaker_relation, evidence_level,
	excluded_from_recall, reconsolidation_count, source_event_hash, record_role, conflict_key,
	created_at_ms, updated_at_ms, deleted_at_ms, metadata_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(source_event_hash, record_role) DO NOTHING`,
		rec.ID, string(rec.MemoryType), rec.Content, rec.Salience, string(rec.State), rec.ActivationCount, rec.LastActivatedAtMS,
		rec.EmotionScore, rec.NarrativeScore, rec.CredibilityScore, string(rec.OriginRole), rec.SpeakerRelation, string(rec.EvidenceLevel),
		boolInt(rec.ExcludedFromRecall), rec.ReconsolidationCount, rec.SourceEventHash, rec.RecordRole, rec.ConflictKey,
		rec.CreatedAtMS, rec.UpdatedAtMS, rec.DeletedAtMS, encodeMap(rec.Metadata))
	if err != nil {
		return false, fmt.Errorf("insert memory record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertRecord writes rec keyed on (source hash, record role). When the key
// already exists the stored record is returned unchanged with created=false.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec MemoryRecord) (MemoryRecord, bool, error) {
	if strings.TrimSpace(rec.SourceEventHash) == "" {
		return MemoryRecord{}, false, fmt.Errorf("%w: empty source event hash", ErrInvalidEvent)
	}
	if err := validateRecordText(rec); err != nil {
		return MemoryRecord{}, false, err
	}
	rec = normalizeRecord(rec, nowMS())
	var (
		out     MemoryRecord
		created bool
	)
	err := s.withTx(ctx, "upsert record", func(tx *sql.Tx) error {
		var err error
		created, err = insertRecordTx(ctx, tx, rec)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memories m
WHERE m.source_event_hash = ? AND m.record_role = ?`, rec.SourceEventHash, rec.RecordRole)
		out, err = scanRecord(row)
		if err != nil {
			return fmt.Errorf("read upserted record: %w", err)
		}
		return nil
	})
	if err != nil {
		return MemoryRecord{}, false, err
	}
	return out, created, nil
}

// GetRecord returns the record with id, including soft-deleted ones.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (MemoryRecord, error) {
	row := s.QueryRow(ctx, `SELECT `+recordColumns+` FROM memories m WHERE m.id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return MemoryRecord{}, storageErr("get record", err)
	}
	return rec, nil
}

// ListRecordsBySourceHash returns every record derived from one log event,
// soft-deleted records included.
func (s *SQLiteStore) ListRecordsBySourceHash(ctx context.Context, hash string) ([]MemoryRecord, error) {
	return s.queryRecords(ctx, "list records by source", `SELECT `+recordColumns+` FROM memories m
WHERE m.source_event_hash = ?
ORDER BY m.created_at_ms ASC, m.id ASC`, hash)
}

// ListSalienceCandidates returns up to limit recall-eligible records by
// stored salience, most salient first.
func (s *SQLiteStore) ListSalienceCandidates(ctx context.Context, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, "list salience candidates", `SELECT `+recordColumns+` FROM memories m
WHERE `+liveFilter+`
ORDER BY m.salience DESC, m.updated_at_ms DESC
LIMIT ?`, limit)
}

// SearchRecordsFTS runs an FTS5 MATCH and returns recall-eligible records
// in bm25 order.
func (s *SQLiteStore) SearchRecordsFTS(ctx context.Context, ftsQuery string, limit int) ([]MemoryRecord, error) {
	ftsQuery = strings.TrimSpace(ftsQuery)
	if ftsQuery == "" || limit <= 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, "search fts", `SELECT `+recordColumns+`
FROM memories_fts f
JOIN memories m ON m.id = f.record_id
WHERE memories_fts MATCH ?
AND `+liveFilter+`
ORDER BY bm25(memories_fts), m.salience DESC
LIMIT ?`, ftsQuery, limit)
}

// SearchRecordsLike is the substring fallback used when FTS finds nothing,
// for instance with scripts the unicode61 tokenizer does not split.
func (s *SQLiteStore) SearchRecordsLike(ctx context.Context, terms []string, limit int) ([]MemoryRecord, error) {
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}
	clauses := make([]string, 0, len(terms))
	args := make([]interface{}, 0, len(terms)+1)
	for _, term := range terms {
		clauses = append(clauses, `lower(m.content) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(term))+"%")
	}
	args = append(args, limit)
	return s.queryRecords(ctx, "search like", `SELECT `+recordColumns+` FROM memories m
WHERE `+liveFilter+`
AND (`+strings.Join(clauses, " OR ")+`)
ORDER BY m.salience DESC, m.updated_at_ms DESC
LIMIT ?`, args...)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ListRawRecordsSince returns recall-eligible message records that sort
// after the cursor by (created_at_ms, id), oldest first. An empty RecordID
// admits nothing at the cursor's own millisecond.
func (s *SQLiteStore) ListRawRecordsSince(ctx context.Context, after ConsolidationCursor, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryRecords(ctx, "list raw records", `SELECT `+recordColumns+` FROM memories m
WHERE `+liveFilter+`
AND m.record_role = ?
AND (m.created_at_ms > ? OR (m.created_at_ms = ? AND ? <> '' AND m.id > ?))
ORDER BY m.created_at_ms ASC, m.id ASC
LIMIT ?`, RoleMessage, after.CreatedAtMS, after.CreatedAtMS, after.RecordID, after.RecordID, limit)
}

// FindLiveByConflictKey returns the live semantic record holding key.
func (s *SQLiteStore) FindLiveByConflictKey(ctx context.Context, key string) (MemoryRecord, bool, error) {
	row := s.QueryRow(ctx, `SELECT `+recordColumns+` FROM memories m
WHERE m.conflict_key = ? AND m.deleted_at_ms = 0 AND m.memory_type = ?`, key, string(MemorySemantic))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemoryRecord{}, false, nil
		}
		return MemoryRecord{}, false, storageErr("find conflict key", err)
	}
	return rec, true, nil
}

// ListLiveSemantic returns live semantic records, newest first.
func (s *SQLiteStore) ListLiveSemantic(ctx context.Context, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryRecords(ctx, "list semantic", `SELECT `+recordColumns+` FROM memories m
WHERE m.deleted_at_ms = 0 AND m.memory_type = ?
ORDER BY m.created_at_ms DESC
LIMIT ?`, string(MemorySemantic), limit)
}

// SoftDeleteRecord stamps deleted_at_ms. The row is never removed.
func (s *SQLiteStore) SoftDeleteRecord(ctx context.Context, id string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	res, err := s.Exec(ctx, "soft delete record", `
UPDATE memories SET deleted_at_ms = ?, updated_at_ms = ?
WHERE id = ? AND deleted_at_ms = 0`, atMS, atMS, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SetRecordFlags applies a reconciliation repair to one record. excluded is
// the policy decision; archived records keep excluded_from_recall set and
// carry the decision in metadata until they are rehydrated.
func (s *SQLiteStore) SetRecordFlags(ctx context.Context, id string, excluded bool, credibility float64, reason string, atMS int64) error {
	if atMS == 0 {
		atMS = nowMS()
	}
	return s.withTx(ctx, "set record flags", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT m.metadata_json FROM memories m WHERE m.id = ?`, id)
		var metaRaw string
		if err := row.Scan(&metaRaw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		meta := decodeMap(metaRaw)
		if reason != "" {
			meta["policy_reason"] = reason
		}
		if excluded {
			meta[metaPolicyExcluded] = "true"
		} else {
			delete(meta, metaPolicyExcluded)
		}
		meta["reconciled_at_ms"] = fmt.Sprintf("%d", atMS)
		_, err := tx.ExecContext(ctx, `
UPDATE memories
SET excluded_from_recall = CASE WHEN state = 'archive' THEN 1 ELSE ? END,
	credibility_score = ?, metadata_json = ?, updated_at_ms = ?
WHERE id = ?`, boolInt(excluded), clamp01(credibility), encodeMap(meta), atMS, id)
		return err
	})
}

// AddMetric appends one sample to memory_metrics.
func (s *SQLiteStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	_, err := s.Exec(ctx, "add metric", `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeMap(labels), nowMS())
	return err
}
