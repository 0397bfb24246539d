package memory

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

const projectionWindowDays = 30

// BudgetReport supports capacity planning for one persona store.
type BudgetReport struct {
	RowCounts           map[string]int64 `json:"row_counts"`
	StorageSizeEstimate StorageEstimate  `json:"storage_size_estimate"`
	YearlyProjection    YearlyProjection `json:"yearly_projection"`
}

type StorageEstimate struct {
	DatabaseBytes int64 `json:"database_bytes"`
	WALBytes      int64 `json:"wal_bytes"`
	SegmentBytes  int64 `json:"segment_bytes"`
	SegmentFiles  int   `json:"segment_files"`
	TotalBytes    int64 `json:"total_bytes"`
}

// YearlyProjection extrapolates growth observed over the trailing window.
type YearlyProjection struct {
	WindowDays      int     `json:"window_days"`
	RecordsInWindow int64   `json:"records_in_window"`
	BytesInWindow   int64   `json:"bytes_in_window"`
	Records         int64   `json:"records"`
	ContentBytes    int64   `json:"content_bytes"`
	StorageBytes    int64   `json:"storage_bytes"`
	BytesPerRecord  float64 `json:"bytes_per_record"`
}

// InspectBudget reports row counts, on-disk size and a one-year growth
// projection. archiveDir may be empty.
func InspectBudget(ctx context.Context, store Store, archiveDir string, nowMS int64) (BudgetReport, error) {
	if nowMS == 0 {
		nowMS = time.Now().UnixMilli()
	}
	counts, err := store.RowCounts(ctx)
	if err != nil {
		return BudgetReport{}, err
	}
	report := BudgetReport{RowCounts: counts}

	est := StorageEstimate{
		DatabaseBytes: fileSize(store.Path()),
		WALBytes:      fileSize(store.Path() + "-wal"),
	}
	if archiveDir != "" {
		matches, _ := filepath.Glob(filepath.Join(archiveDir, "seg-*.jsonl"))
		for _, m := range matches {
			est.SegmentBytes += fileSize(m)
		}
		est.SegmentFiles = len(matches)
	}
	est.TotalBytes = est.DatabaseBytes + est.WALBytes + est.SegmentBytes
	report.StorageSizeEstimate = est

	window := int64(projectionWindowDays) * dayMS
	since := nowMS - window
	n, bytes, err := store.CreatedSince(ctx, since)
	if err != nil {
		return BudgetReport{}, err
	}
	// A store younger than the window is extrapolated from its actual age.
	days := float64(projectionWindowDays)
	if oldest, err := store.OldestRecordMS(ctx); err == nil && oldest > since {
		age := float64(nowMS-oldest) / float64(dayMS)
		if age < 1 {
			age = 1
		}
		days = age
	}
	scale := 365.0 / days
	proj := YearlyProjection{
		WindowDays:      projectionWindowDays,
		RecordsInWindow: n,
		BytesInWindow:   bytes,
		Records:         int64(float64(n) * scale),
		ContentBytes:    int64(float64(bytes) * scale),
	}
	if total := counts["memories"]; total > 0 {
		proj.BytesPerRecord = float64(est.TotalBytes) / float64(total)
		proj.StorageBytes = int64(proj.BytesPerRecord * float64(proj.Records))
	}
	report.YearlyProjection = proj
	return report, nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
