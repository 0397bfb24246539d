package memory

import (
	"context"
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the user_version every opened store is migrated to.
const CurrentSchemaVersion = 5

type migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{Version: 1, Description: "base memories, fts shadow, recall traces", Up: migrateBase},
	{Version: 2, Description: "scoring and provenance columns", Up: migrateScoring},
	{Version: 3, Description: "recall flags, conflict keys, audit tables", Up: migrateAudit},
	{Version: 4, Description: "fts shadow repair", Up: migrateFTSRepair},
	{Version: 5, Description: "per-source consolidation cursors", Up: migrateConsolidationCursors},
}

// migrateTo applies forward migrations until user_version reaches target.
// Each migration and its version bump commit together.
func migrateTo(ctx context.Context, db *sql.DB, target int) error {
	current, err := readUserVersion(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return storageErr("migrate", fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err))
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := m.Up(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return err
	}
	return tx.Commit()
}

func readUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, storageErr("read schema version", err)
	}
	return v, nil
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

type columnDef struct {
	name string
	ddl  string
}

// addColumns adds only the columns the table lacks, so a partially
// upgraded file is repaired rather than failing on duplicates.
func addColumns(ctx context.Context, tx *sql.Tx, table string, cols []columnDef) error {
	existing, err := tableColumns(ctx, tx, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if existing[c.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.name, c.ddl)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.name, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func migrateBase(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			memory_type TEXT NOT NULL,
			content TEXT NOT NULL,
			salience REAL NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'warm',
			activation_count INTEGER NOT NULL DEFAULT 0,
			last_activated_at_ms INTEGER NOT NULL DEFAULT 0,
			source_event_hash TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			deleted_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memories_live_idx ON memories(deleted_at_ms, state, salience DESC);`,
		`CREATE INDEX IF NOT EXISTS memories_source_idx ON memories(source_event_hash);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(record_id UNINDEXED, content, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(record_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			DELETE FROM memories_fts WHERE record_id = old.id;
			INSERT INTO memories_fts(record_id, content) VALUES (new.id, new.content);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			DELETE FROM memories_fts WHERE record_id = old.id;
		END;`,
		`CREATE TABLE IF NOT EXISTS recall_traces (
			id TEXT PRIMARY KEY,
			query_text TEXT NOT NULL DEFAULT '',
			selected_ids_json TEXT NOT NULL DEFAULT '[]',
			trace_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS recall_traces_created_idx ON recall_traces(created_at_ms DESC);`,
	})
}

func migrateScoring(ctx context.Context, tx *sql.Tx) error {
	return addColumns(ctx, tx, "memories", []columnDef{
		{"emotion_score", "REAL NOT NULL DEFAULT 0"},
		{"narrative_score", "REAL NOT NULL DEFAULT 0"},
		{"credibility_score", "REAL NOT NULL DEFAULT 0.5"},
		{"origin_role", "TEXT NOT NULL DEFAULT 'user'"},
		{"speaker_relation", "TEXT NOT NULL DEFAULT ''"},
		{"evidence_level", "TEXT NOT NULL DEFAULT 'unverified'"},
	})
}

func migrateAudit(ctx context.Context, tx *sql.Tx) error {
	if err := addColumns(ctx, tx, "memories", []columnDef{
		{"excluded_from_recall", "INTEGER NOT NULL DEFAULT 0"},
		{"reconsolidation_count", "INTEGER NOT NULL DEFAULT 0"},
		{"record_role", "TEXT NOT NULL DEFAULT 'message'"},
		{"conflict_key", "TEXT NOT NULL DEFAULT ''"},
		{"metadata_json", "TEXT NOT NULL DEFAULT '{}'"},
	}); err != nil {
		return err
	}
	return execAll(ctx, tx, []string{
		`UPDATE memories SET source_event_hash = 'legacy:' || id WHERE source_event_hash = '';`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memories_source_role_uidx ON memories(source_event_hash, record_role);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS memories_live_conflict_uidx ON memories(conflict_key)
			WHERE conflict_key <> '' AND deleted_at_ms = 0 AND memory_type = 'semantic';`,
		`CREATE TABLE IF NOT EXISTS archive_segments (
			segment_key TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			schema_tag TEXT NOT NULL,
			record_ids_json TEXT NOT NULL DEFAULT '[]',
			record_count INTEGER NOT NULL DEFAULT 0,
			byte_size INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memory_consolidation_runs (
			id TEXT PRIMARY KEY,
			trigger_name TEXT NOT NULL DEFAULT '',
			mode_requested TEXT NOT NULL,
			path TEXT NOT NULL,
			fallback_reason TEXT NOT NULL DEFAULT '',
			candidates_json TEXT NOT NULL DEFAULT '[]',
			inserted INTEGER NOT NULL DEFAULT 0,
			superseded INTEGER NOT NULL DEFAULT 0,
			watermark_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS consolidation_runs_created_idx ON memory_consolidation_runs(created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
	})
}

func migrateFTSRepair(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO memories_fts(record_id, content)
SELECT m.id, m.content FROM memories m
WHERE NOT EXISTS (SELECT 1 FROM memories_fts f WHERE f.record_id = m.id)`)
	if err != nil {
		return fmt.Errorf("backfill fts: %w", err)
	}
	return nil
}

func migrateConsolidationCursors(ctx context.Context, tx *sql.Tx) error {
	if err := addColumns(ctx, tx, "memory_consolidation_runs", []columnDef{
		{"source", "TEXT NOT NULL DEFAULT 'records'"},
		{"watermark_id", "TEXT NOT NULL DEFAULT ''"},
		{"log_offset", "INTEGER NOT NULL DEFAULT 0"},
	}); err != nil {
		return err
	}
	return execAll(ctx, tx, []string{
		`CREATE INDEX IF NOT EXISTS consolidation_runs_source_idx ON memory_consolidation_runs(source, watermark_ms DESC);`,
	})
}
