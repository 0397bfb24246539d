package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectBudget_ProjectsYearlyGrowth(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Ten records spread over the last 30 days, one older record outside the window.
	for i := 0; i < 10; i++ {
		seedRecord(t, store, MemoryRecord{
			Content:     fmt.Sprintf("entry %d %s", i, "0123456789"),
			CreatedAtMS: testNow - int64(i)*3*dayMS,
		})
	}
	seedRecord(t, store, MemoryRecord{Content: "ancient", CreatedAtMS: testNow - 200*dayMS})

	report, err := InspectBudget(ctx, store, "", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(11), report.RowCounts["memories"])
	assert.Equal(t, int64(10), report.YearlyProjection.RecordsInWindow)
	assert.Equal(t, int64(121), report.YearlyProjection.Records)
	assert.Greater(t, report.StorageSizeEstimate.TotalBytes, int64(0))
	assert.Equal(t, report.StorageSizeEstimate.DatabaseBytes+report.StorageSizeEstimate.WALBytes, report.StorageSizeEstimate.TotalBytes)
	assert.Greater(t, report.YearlyProjection.BytesPerRecord, 0.0)
}

func TestInspectBudget_YoungStoreAndSegments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedArchivalMix(t, store, 12, 0)
	dir := filepath.Join(t.TempDir(), "archive")
	a := NewArchiver(store, dir, ArchivalThresholds{})
	_, err := a.Run(ctx, ArchivalThresholds{IdleDays: 14, MinItems: 10, MinColdRatio: 0.5, NowMS: testNow})
	require.NoError(t, err)

	report, err := InspectBudget(ctx, store, dir, testNow)
	require.NoError(t, err)
	assert.Equal(t, 1, report.StorageSizeEstimate.SegmentFiles)
	assert.Greater(t, report.StorageSizeEstimate.SegmentBytes, int64(0))
	// Nothing was created inside the window, so nothing is projected.
	assert.Equal(t, int64(0), report.YearlyProjection.Records)

	empty := newTestStore(t)
	report, err = InspectBudget(ctx, empty, "", testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), report.YearlyProjection.Records)
	assert.Equal(t, 0.0, report.YearlyProjection.BytesPerRecord)
}
