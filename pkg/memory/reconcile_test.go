package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler_RepairsDrift(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	target := seedRecord(t, store, MemoryRecord{Content: "the user said they were a pilot", SourceEventHash: "evt-claim", CredibilityScore: 0.7})
	other := seedRecord(t, store, MemoryRecord{Content: "a quiet evening", SourceEventHash: "evt-quiet", CredibilityScore: 0.7})

	events := &staticEvents{events: []LogEvent{
		policyEvent(t, EventMemoryRetracted, "pol-1", "evt-claim", floatPtr(0.1)),
		policyEvent(t, EventCredibilityAdjusted, "pol-2", "evt-quiet", floatPtr(0.3)),
	}}
	r := NewReconciler(store, events)

	res, err := r.Run(ctx, ReconcileOptions{NowMS: testNow})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Repaired)
	assert.Equal(t, 0, res.Unmapped)
	for _, d := range res.Details {
		assert.Equal(t, OutcomeRepaired, d.Outcome)
	}

	got, err := store.GetRecord(ctx, target.ID)
	require.NoError(t, err)
	assert.True(t, got.ExcludedFromRecall)
	assert.InDelta(t, 0.1, got.CredibilityScore, 1e-9)
	assert.NotEmpty(t, got.Metadata["policy_reason"])

	got, err = store.GetRecord(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, got.ExcludedFromRecall)
	assert.InDelta(t, 0.3, got.CredibilityScore, 1e-9)

	// A second pass finds nothing left to repair.
	again, err := r.Run(ctx, ReconcileOptions{NowMS: testNow + 1})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Repaired)
	for _, d := range again.Details {
		assert.Equal(t, OutcomeInSync, d.Outcome)
	}
}

func TestReconciler_FoldsEventsInLogOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := seedRecord(t, store, MemoryRecord{Content: "walked the dog", SourceEventHash: "evt-dog", CredibilityScore: 0.6})

	events := &staticEvents{events: []LogEvent{
		policyEvent(t, EventMemoryExcluded, "pol-1", "evt-dog", nil),
		policyEvent(t, EventMemoryRestored, "pol-2", "evt-dog", nil),
	}}
	res, err := NewReconciler(store, events).Run(ctx, ReconcileOptions{NowMS: testNow})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Repaired, "exclude then restore leaves the record as it was")

	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.ExcludedFromRecall)
}

func TestReconciler_ReportsUnmapped(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	events := &staticEvents{events: []LogEvent{
		policyEvent(t, EventMemoryExcluded, "pol-1", "evt-never-ingested", nil),
		{Type: EventMemoryExcluded, Payload: payload(t, map[string]string{}), Hash: "pol-bad"},
	}}
	res, err := NewReconciler(store, events).Run(ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Unmapped)

	outcomes := map[string]string{}
	for _, d := range res.Details {
		outcomes[d.EventHash] = d.Outcome
	}
	assert.Equal(t, OutcomeUnmapped, outcomes["pol-1"])
	assert.Equal(t, OutcomeInvalid, outcomes["pol-bad"])
}

func TestReconciler_RestoreSkippedForArchived(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedArchivalMix(t, store, 12, 0)
	a := NewArchiver(store, t.TempDir(), ArchivalThresholds{})
	res, err := a.Run(ctx, ArchivalThresholds{IdleDays: 14, MinItems: 10, MinColdRatio: 0.5, NowMS: testNow})
	require.NoError(t, err)
	lines, err := ReadSegment(res.SegmentPath)
	require.NoError(t, err)
	archived := lines[0].Record

	events := &staticEvents{events: []LogEvent{
		policyEvent(t, EventMemoryRestored, "pol-1", archived.SourceEventHash, nil),
	}}
	rr, err := NewReconciler(store, events).Run(ctx, ReconcileOptions{NowMS: testNow})
	require.NoError(t, err)
	require.Len(t, rr.Details, 1)
	assert.Equal(t, OutcomeSkippedArchived, rr.Details[0].Outcome)

	got, err := store.GetRecord(ctx, archived.ID)
	require.NoError(t, err)
	assert.True(t, got.ExcludedFromRecall)
	assert.Equal(t, StateArchive, got.State)
}

func TestReconciler_ExclusionOfArchivedSurvivesRehydration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedArchivalMix(t, store, 12, 0)
	a := NewArchiver(store, t.TempDir(), ArchivalThresholds{})
	res, err := a.Run(ctx, ArchivalThresholds{IdleDays: 14, MinItems: 10, MinColdRatio: 0.5, NowMS: testNow})
	require.NoError(t, err)
	lines, err := ReadSegment(res.SegmentPath)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(lines), 2)
	excluded, control := lines[0].Record, lines[1].Record

	events := &staticEvents{events: []LogEvent{
		policyEvent(t, EventMemoryExcluded, "pol-1", excluded.SourceEventHash, nil),
	}}
	r := NewReconciler(store, events)
	rr, err := r.Run(ctx, ReconcileOptions{NowMS: testNow})
	require.NoError(t, err)
	assert.Equal(t, 1, rr.Repaired)
	require.Len(t, rr.Details, 1)
	assert.Equal(t, OutcomeRepaired, rr.Details[0].Outcome)

	got, err := store.GetRecord(ctx, excluded.ID)
	require.NoError(t, err)
	assert.Equal(t, StateArchive, got.State)
	assert.True(t, got.ExcludedFromRecall)
	assert.True(t, got.PolicyExcluded())

	again, err := r.Run(ctx, ReconcileOptions{NowMS: testNow + 1})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Repaired)

	restored, err := a.Rehydrate(ctx, excluded.ID)
	require.NoError(t, err)
	assert.Equal(t, StateWarm, restored.State)
	assert.True(t, restored.ExcludedFromRecall, "rehydration keeps the policy exclusion")
	back, err := a.Rehydrate(ctx, control.ID)
	require.NoError(t, err)
	assert.False(t, back.ExcludedFromRecall)

	recall, err := NewRetriever(store, nil, RecallBudget{}).Recall(ctx, "tin roof", RecallBudget{NowMS: testNow})
	require.NoError(t, err)
	assert.Contains(t, recall.SelectedIDs, control.ID)
	assert.NotContains(t, recall.SelectedIDs, excluded.ID)

	events.events = append(events.events, policyEvent(t, EventMemoryRestored, "pol-2", excluded.SourceEventHash, nil))
	lifted, err := r.Run(ctx, ReconcileOptions{NowMS: testNow + 2})
	require.NoError(t, err)
	assert.Equal(t, 1, lifted.Repaired)
	got, err = store.GetRecord(ctx, excluded.ID)
	require.NoError(t, err)
	assert.False(t, got.ExcludedFromRecall)
	assert.False(t, got.PolicyExcluded())
}

func TestReconciler_DryRunAndPatternFilter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := seedRecord(t, store, MemoryRecord{Content: "a rumor", SourceEventHash: "evt-rumor", CredibilityScore: 0.7})

	events := &staticEvents{events: []LogEvent{
		policyEvent(t, EventMemoryExcluded, "pol-1", "evt-rumor", nil),
		policyEvent(t, EventCredibilityAdjusted, "pol-2", "evt-rumor", floatPtr(0.2)),
	}}
	r := NewReconciler(store, events)

	res, err := r.Run(ctx, ReconcileOptions{EventPatterns: []string{"memory.credibility_*"}, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Repaired)

	got, err := store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, got.CredibilityScore, 1e-9, "dry run writes nothing")
	assert.False(t, got.ExcludedFromRecall)
}
