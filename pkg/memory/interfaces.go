package memory

import "context"

// Store provides durable persistence for all memory state of one persona.
type Store interface {
	Close() error
	Path() string
	SchemaVersion(ctx context.Context) (int, error)

	UpsertRecord(ctx context.Context, rec MemoryRecord) (MemoryRecord, bool, error)
	GetRecord(ctx context.Context, id string) (MemoryRecord, error)
	ListRecordsBySourceHash(ctx context.Context, hash string) ([]MemoryRecord, error)
	SoftDeleteRecord(ctx context.Context, id string, atMS int64) error
	SetRecordFlags(ctx context.Context, id string, excluded bool, credibility float64, reason string, atMS int64) error

	ListSalienceCandidates(ctx context.Context, limit int) ([]MemoryRecord, error)
	SearchRecordsFTS(ctx context.Context, ftsQuery string, limit int) ([]MemoryRecord, error)
	SearchRecordsLike(ctx context.Context, terms []string, limit int) ([]MemoryRecord, error)
	CommitRecall(ctx context.Context, trace RecallTrace) error
	GetRecallTrace(ctx context.Context, id string) (RecallTrace, error)

	ListRawRecordsSince(ctx context.Context, after ConsolidationCursor, limit int) ([]MemoryRecord, error)
	FindLiveByConflictKey(ctx context.Context, key string) (MemoryRecord, bool, error)
	ListLiveSemantic(ctx context.Context, limit int) ([]MemoryRecord, error)
	ApplyConsolidation(ctx context.Context, run ConsolidationRun, inserts []MemoryRecord, supersede []Supersession) error
	LatestConsolidationCursor(ctx context.Context, fromLog bool) (ConsolidationCursor, error)
	GetConsolidationRun(ctx context.Context, id string) (ConsolidationRun, error)

	ListArchivalCandidates(ctx context.Context, maxSalience float64, idleBeforeMS int64) ([]MemoryRecord, error)
	CountLiveRecords(ctx context.Context) (int, error)
	CommitArchiveSegment(ctx context.Context, seg ArchiveSegment, byteSize int64, refs []ArchivedRef) error
	GetArchiveSegment(ctx context.Context, key string) (ArchiveSegment, error)
	RestoreArchived(ctx context.Context, id, content string, atMS int64) error

	RowCounts(ctx context.Context) (map[string]int64, error)
	CreatedSince(ctx context.Context, sinceMS int64) (count int64, bytes int64, err error)
	OldestRecordMS(ctx context.Context) (int64, error)
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// EventSource yields the interaction log in append order.
type EventSource interface {
	Events(ctx context.Context) ([]LogEvent, error)
}

// Extractor turns raw experience text into model output that should hold
// structured fact candidates. Output is parsed tolerantly.
type Extractor interface {
	Extract(ctx context.Context, texts []string) (string, error)
}

var _ Store = (*SQLiteStore)(nil)
