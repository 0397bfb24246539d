package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ingestAll(t *testing.T, store Store, events ...LogEvent) {
	t.Helper()
	in := NewIngester(store, nil)
	for _, ev := range events {
		if _, err := in.Ingest(context.Background(), ev); err != nil {
			t.Fatalf("ingest %s: %v", ev.Hash, err)
		}
	}
}

func liveByKey(t *testing.T, store Store) map[string][]MemoryRecord {
	t.Helper()
	recs, err := store.ListLiveSemantic(context.Background(), 0)
	require.NoError(t, err)
	out := map[string][]MemoryRecord{}
	for _, rec := range recs {
		if rec.ConflictKey != "" {
			out[rec.ConflictKey] = append(out[rec.ConflictKey], rec)
		}
	}
	return out
}

func TestConsolidator_SupersedesWithinAndAcrossRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingestAll(t, store,
		messageEvent(t, "evt-1", OriginUser, "Call me Ana", 1000),
		messageEvent(t, "evt-2", OriginUser, "Actually, call me Bea", 2000),
		messageEvent(t, "evt-3", OriginUser, "I live in Lisbon", 2500),
	)

	c := NewConsolidator(store, nil, nil, nil)
	first, err := c.Run(ctx, ConsolidationOptions{NowMS: 3000})
	require.NoError(t, err)
	assert.Equal(t, ModePattern, first.Path)
	assert.Equal(t, 3, first.Scanned)
	assert.Equal(t, 2, first.Inserted)
	assert.Equal(t, 0, first.Superseded)

	reasons := map[string]string{}
	for _, cand := range first.Candidates {
		reasons[cand.Content] = cand.Reason
	}
	assert.Equal(t, RejectSupersededInRun, reasons["Preferred name: Ana"])
	assert.Equal(t, "", reasons["Preferred name: Bea"])

	keys := liveByKey(t, store)
	require.Len(t, keys["user.preferred_name"], 1)
	assert.Equal(t, "Preferred name: Bea", keys["user.preferred_name"][0].Content)
	require.Len(t, keys["user.location"], 1)
	oldID := keys["user.preferred_name"][0].ID

	ingestAll(t, store, messageEvent(t, "evt-4", OriginUser, "My preferred name is Cleo", 4000))
	second, err := c.Run(ctx, ConsolidationOptions{NowMS: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Scanned, "second run resumes from the watermark")
	assert.Equal(t, 1, second.Inserted)
	assert.Equal(t, 1, second.Superseded)

	keys = liveByKey(t, store)
	require.Len(t, keys["user.preferred_name"], 1)
	current := keys["user.preferred_name"][0]
	assert.Equal(t, "Preferred name: Cleo", current.Content)
	assert.Equal(t, oldID, current.Metadata["supersedes"])

	old, err := store.GetRecord(ctx, oldID)
	require.NoError(t, err)
	assert.NotZero(t, old.DeletedAtMS)
	assert.Equal(t, current.ID, old.Metadata["superseded_by"])
}

func TestConsolidator_DuplicateOfLiveIsRejected(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingestAll(t, store, messageEvent(t, "evt-1", OriginUser, "My timezone is Europe/Lisbon", 1000))
	c := NewConsolidator(store, nil, nil, nil)
	_, err := c.Run(ctx, ConsolidationOptions{NowMS: 2000})
	require.NoError(t, err)

	ingestAll(t, store, messageEvent(t, "evt-2", OriginUser, "my timezone is Europe/Lisbon", 3000))
	res, err := c.Run(ctx, ConsolidationOptions{NowMS: 4000})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, RejectDuplicateOfLive, res.Candidates[0].Reason)
}

func TestConsolidator_IgnoresNonUserOrigins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingestAll(t, store, messageEvent(t, "evt-1", OriginAssistant, "Call me Echo from now on", 1000))
	c := NewConsolidator(store, nil, nil, nil)
	res, err := c.Run(ctx, ConsolidationOptions{NowMS: 2000})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Empty(t, res.Candidates)
}

func TestConsolidator_SemanticFallbacks(t *testing.T) {
	ctx := context.Background()
	testcases := []struct {
		name      string
		extractor Extractor
		want      string
	}{
		{"no extractor", nil, FallbackExtractorUnavailable},
		{"extractor error", &fakeExtractor{err: errExtractorDown}, FallbackExtractorError},
		{"unparseable output", &fakeExtractor{output: "I could not find anything"}, FallbackParseFailed},
		{"no candidates", &fakeExtractor{output: `{"candidates":[]}`}, FallbackNoCandidates},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t)
			ingestAll(t, store, messageEvent(t, "evt-1", OriginUser, "Call me Ana", 1000))
			c := NewConsolidator(store, nil, tc.extractor, nil)
			res, err := c.Run(ctx, ConsolidationOptions{Mode: ModeSemantic, NowMS: 2000})
			require.NoError(t, err)
			assert.Equal(t, ModePattern, res.Path)
			assert.Equal(t, tc.want, res.FallbackReason)
			assert.Equal(t, 1, res.Inserted, "pattern path still runs")

			run, err := store.GetConsolidationRun(ctx, res.RunID)
			require.NoError(t, err)
			assert.Equal(t, ModeSemantic, run.ModeRequested)
			assert.Equal(t, tc.want, run.FallbackReason)
		})
	}
}

func TestConsolidator_SemanticPath(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingestAll(t, store, messageEvent(t, "evt-1", OriginUser, "I moved to Porto last spring and I teach piano now.", 1000))

	ex := &fakeExtractor{output: "```json\n" + `{"candidates":[
		{"content":"Location: Porto","salience":0.7,"credibility_score":0.8,"evidence_level":"derived"},
		{"content":"Occupation: piano tuner","salienceVector":{"emotion":0.4,"narrative":0.6},"credibilityScore":0.75}
	]}` + "\n```"}
	c := NewConsolidator(store, nil, ex, nil)
	res, err := c.Run(ctx, ConsolidationOptions{Mode: ModeSemantic, NowMS: 2000})
	require.NoError(t, err)
	assert.Equal(t, ModeSemantic, res.Path)
	assert.Empty(t, res.FallbackReason)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, ex.calls)
	require.Len(t, ex.texts, 1)
	assert.True(t, strings.HasPrefix(ex.texts[0], "user: "))

	keys := liveByKey(t, store)
	require.Len(t, keys["user.location"], 1)
	require.Len(t, keys["user.occupation"], 1)
	occ := keys["user.occupation"][0]
	assert.InDelta(t, 0.4, occ.EmotionScore, 1e-9)
	assert.InDelta(t, 0.6, occ.NarrativeScore, 1e-9)
	assert.Equal(t, EvidenceUnverified, occ.EvidenceLevel)
}

func TestConsolidator_InsertedRecordShape(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingestAll(t, store, messageEvent(t, "evt-1", OriginUser, "My birthday is March 3rd. I work as a nurse.", 1000))
	c := NewConsolidator(store, nil, nil, nil)
	res, err := c.Run(ctx, ConsolidationOptions{NowMS: 2000})
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)

	for i, cand := range res.Candidates {
		require.True(t, cand.Accepted)
		rec, err := store.GetRecord(ctx, cand.RecordID)
		require.NoError(t, err)
		assert.Equal(t, MemorySemantic, rec.MemoryType)
		assert.Equal(t, RoleFact, rec.RecordRole)
		assert.Equal(t, res.RunID, rec.Metadata["consolidation_run_id"])
		assert.NotEmpty(t, rec.Metadata["source_record_id"])
		assert.Equal(t, "consolidated:"+res.RunID+":"+string(rune('1'+i)), rec.SourceEventHash)
	}
}

func TestConsolidator_FromLogAndFullRescan(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	events := &staticEvents{events: []LogEvent{
		messageEvent(t, "evt-1", OriginUser, "Call me Ana", 1000),
		{Type: EventConflictLogged, Payload: payload(t, ConflictEvent{Summary: "late again"}), Hash: "evt-2", TimestampMS: 1500},
		messageEvent(t, "evt-3", OriginUser, "I live in Lisbon", 2000),
	}}
	c := NewConsolidator(store, nil, nil, events)

	first, err := c.Run(ctx, ConsolidationOptions{FromLog: true, NowMS: 3000})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Scanned)
	assert.Equal(t, 2, first.Inserted)

	again, err := c.Run(ctx, ConsolidationOptions{FromLog: true, NowMS: 4000})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Scanned)

	rescan, err := c.Run(ctx, ConsolidationOptions{FromLog: true, SinceMS: -1, NowMS: 5000})
	require.NoError(t, err)
	assert.Equal(t, 2, rescan.Scanned)
	assert.Equal(t, 0, rescan.Inserted)
}

func TestConsolidator_LimitSplitsSameMillisecondGroup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingestAll(t, store,
		messageEvent(t, "evt-1", OriginUser, "Call me Ana", 1000),
		messageEvent(t, "evt-2", OriginUser, "I live in Lisbon", 1000),
		messageEvent(t, "evt-3", OriginUser, "My timezone is Europe/Lisbon", 1000),
		messageEvent(t, "evt-4", OriginUser, "nothing to extract here", 1000),
	)
	c := NewConsolidator(store, nil, nil, nil)

	seen := map[string]bool{}
	scanned := 0
	for i, now := range []int64{2000, 3000, 4000} {
		res, err := c.Run(ctx, ConsolidationOptions{Limit: 2, NowMS: now})
		require.NoError(t, err)
		scanned += res.Scanned
		if i == 2 {
			assert.Equal(t, 0, res.Scanned, "every record was consumed by the first two runs")
		} else {
			assert.Equal(t, 2, res.Scanned)
		}
		for _, cand := range res.Candidates {
			assert.False(t, seen[cand.SourceRecordID+cand.Content], "source scanned twice: %s", cand.Content)
			seen[cand.SourceRecordID+cand.Content] = true
		}

		run, err := store.GetConsolidationRun(ctx, res.RunID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), run.WatermarkMS)
		assert.NotEmpty(t, run.WatermarkID)
		assert.False(t, run.FromLog)
	}
	assert.Equal(t, 4, scanned)

	keys := liveByKey(t, store)
	assert.Len(t, keys["user.preferred_name"], 1)
	assert.Len(t, keys["user.location"], 1)
	assert.Len(t, keys["user.timezone"], 1)
}

func TestConsolidator_FromLogResumesByOffset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	events := &staticEvents{events: []LogEvent{
		messageEvent(t, "evt-1", OriginUser, "Call me Ana", 0),
		messageEvent(t, "evt-2", OriginUser, "I live in Lisbon", 2000),
	}}
	c := NewConsolidator(store, nil, nil, events)

	first, err := c.Run(ctx, ConsolidationOptions{FromLog: true, NowMS: 3000})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Scanned)
	assert.Equal(t, 2, first.Inserted)
	keys := liveByKey(t, store)
	require.Len(t, keys["user.preferred_name"], 1)
	assert.Equal(t, "Preferred name: Ana", keys["user.preferred_name"][0].Content)

	run, err := store.GetConsolidationRun(ctx, first.RunID)
	require.NoError(t, err)
	assert.True(t, run.FromLog)
	assert.Equal(t, 2, run.LogOffset)

	again, err := c.Run(ctx, ConsolidationOptions{FromLog: true, NowMS: 4000})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Scanned)

	// Appended with an older stamp than the last scanned event.
	events.events = append(events.events, messageEvent(t, "evt-3", OriginUser, "My timezone is Europe/Lisbon", 1500))
	late, err := c.Run(ctx, ConsolidationOptions{FromLog: true, NowMS: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1, late.Scanned)
	assert.Equal(t, 1, late.Inserted)

	bounded, err := c.Run(ctx, ConsolidationOptions{FromLog: true, SinceMS: 1800, NowMS: 6000})
	require.NoError(t, err)
	assert.Equal(t, 2, bounded.Scanned, "the unstamped event and the one after the bound are due")
	assert.Equal(t, 0, bounded.Inserted)
}

func TestConsolidator_LogAndRecordCursorsAreIndependent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ingestAll(t, store, messageEvent(t, "evt-1", OriginUser, "Call me Ana", 1000))
	events := &staticEvents{events: []LogEvent{
		messageEvent(t, "evt-9", OriginUser, "I live in Lisbon", 9000),
	}}
	c := NewConsolidator(store, nil, nil, events)

	fromLog, err := c.Run(ctx, ConsolidationOptions{FromLog: true, NowMS: 9500})
	require.NoError(t, err)
	assert.Equal(t, 1, fromLog.Scanned)

	fromRecords, err := c.Run(ctx, ConsolidationOptions{NowMS: 10000})
	require.NoError(t, err)
	assert.Equal(t, 1, fromRecords.Scanned, "a log run must not advance the record cursor")
}

func TestParseSemanticCandidates(t *testing.T) {
	testcases := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{"object", `{"candidates":[{"content":"Name: Ana"}]}`, 1, false},
		{"bare array", `[{"content":"Name: Ana"},{"content":"  "}]`, 1, false},
		{"fenced", "```\n[{\"content\":\"Name: Ana\"}]\n```", 1, false},
		{"missing field", `{"facts":[]}`, 0, true},
		{"prose", `sorry, nothing here`, 0, true},
		{"empty", "   ", 0, true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSemanticCandidates(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}

	got, err := ParseSemanticCandidates(`[{"content":"Name:   Ana","salience":3,"evidence_level":"VERIFIED"}]`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Name: Ana", got[0].Content)
	assert.Equal(t, 1.0, got[0].Salience)
	assert.Equal(t, EvidenceVerified, got[0].EvidenceLevel)
	assert.Equal(t, 0.6, got[0].CredibilityScore)
}

func TestExpandTemplate(t *testing.T) {
	assert.Equal(t, "Preference: love  tea", expandTemplate("Preference: {1}  {2}", []string{"", "love", "tea"}))
	assert.Equal(t, "Name: Ana Lu", expandTemplate("Name: {1}", []string{"", "Ana\n  Lu"}))
}
