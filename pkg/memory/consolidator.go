package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
)

// Candidate rejection reasons recorded in the run audit.
const (
	RejectSupersededInRun  = "superseded_in_run"
	RejectDuplicateContent = "duplicate_content"
	RejectDuplicateOfLive  = "duplicate_of_live"
	RejectWeakerThanLive   = "weaker_than_live"
)

// Fallback reasons when a semantic run is served by the pattern path.
const (
	FallbackExtractorUnavailable = "semantic_extractor_unavailable"
	FallbackExtractorError       = "semantic_extractor_error"
	FallbackParseFailed          = "semantic_parse_failed"
	FallbackNoCandidates         = "semantic_no_candidates"
)

const defaultConsolidationLimit = 200

type ConsolidationOptions struct {
	Trigger string
	Mode    ConsolidationMode
	Limit   int
	// SinceMS bounds the scan; zero resumes from the previous run's
	// cursor for the same source and a negative value rescans everything.
	SinceMS int64
	// FromLog scans message events from the EventSource instead of raw records.
	FromLog bool
	NowMS   int64
}

type ConsolidationResult struct {
	RunID          string
	Path           ConsolidationMode
	FallbackReason string
	Scanned        int
	Inserted       int
	Superseded     int
	Candidates     []FactCandidate
}

// Consolidator distills raw experience into durable semantic records.
type Consolidator struct {
	store     Store
	tuning    TuningSource
	extractor Extractor
	events    EventSource
	now       func() int64
}

func NewConsolidator(store Store, tuning TuningSource, extractor Extractor, events EventSource) *Consolidator {
	if tuning == nil {
		tuning = DefaultTuning()
	}
	return &Consolidator{store: store, tuning: tuning, extractor: extractor, events: events, now: nowMS}
}

type consolidationSource struct {
	ID          string
	Text        string
	Origin      OriginRole
	CreatedAtMS int64
}

// Run performs one consolidation pass. Extraction faults never fail the
// run; they are recorded as the run's fallback reason.
func (c *Consolidator) Run(ctx context.Context, opts ConsolidationOptions) (ConsolidationResult, error) {
	if opts.Mode == "" {
		opts.Mode = ModePattern
	}
	if opts.Mode != ModePattern && opts.Mode != ModeSemantic {
		return ConsolidationResult{}, fmt.Errorf("unknown consolidation mode %q", opts.Mode)
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultConsolidationLimit
	}
	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}
	now := opts.NowMS
	if now == 0 {
		now = c.now()
	}
	cursor, err := c.startCursor(ctx, opts)
	if err != nil {
		return ConsolidationResult{}, err
	}

	sources, next, err := c.collect(ctx, opts, cursor)
	if err != nil {
		return ConsolidationResult{}, err
	}
	t := c.tuning.Tuning()

	run := ConsolidationRun{
		ID:            "cr-" + uuid.NewString(),
		Trigger:       opts.Trigger,
		ModeRequested: opts.Mode,
		Path:          ModePattern,
		FromLog:       opts.FromLog,
		WatermarkMS:   next.CreatedAtMS,
		WatermarkID:   next.RecordID,
		LogOffset:     next.LogOffset,
		CreatedAtMS:   now,
	}

	var candidates []FactCandidate
	if opts.Mode == ModeSemantic && len(sources) > 0 {
		candidates, run.FallbackReason = c.semanticCandidates(ctx, sources, t)
		if run.FallbackReason == "" {
			run.Path = ModeSemantic
		} else {
			logger.WarnCF("consolidate", "semantic extraction fell back to patterns", map[string]interface{}{
				"run_id": run.ID,
				"reason": run.FallbackReason,
			})
		}
	}
	if run.Path == ModePattern {
		candidates = patternCandidates(sources, t)
	}

	inserts, supersede, err := c.resolve(ctx, run.ID, candidates, now)
	if err != nil {
		return ConsolidationResult{}, err
	}
	run.Candidates = candidates
	run.Inserted = len(inserts)
	run.Superseded = len(supersede)

	if err := c.store.ApplyConsolidation(ctx, run, inserts, supersede); err != nil {
		return ConsolidationResult{}, err
	}
	_ = c.store.AddMetric(ctx, "memory.consolidation.inserted", float64(run.Inserted), map[string]string{
		"path": string(run.Path),
	})
	logger.InfoCF("consolidate", "consolidation run committed", map[string]interface{}{
		"run_id":     run.ID,
		"path":       string(run.Path),
		"scanned":    len(sources),
		"candidates": len(candidates),
		"inserted":   run.Inserted,
		"superseded": run.Superseded,
	})

	return ConsolidationResult{
		RunID:          run.ID,
		Path:           run.Path,
		FallbackReason: run.FallbackReason,
		Scanned:        len(sources),
		Inserted:       run.Inserted,
		Superseded:     run.Superseded,
		Candidates:     candidates,
	}, nil
}

// startCursor resolves where a run begins. A negative SinceMS rescans from
// the start, a positive one starts after that millisecond, and zero resumes
// from the last run of the same source.
func (c *Consolidator) startCursor(ctx context.Context, opts ConsolidationOptions) (ConsolidationCursor, error) {
	switch {
	case opts.SinceMS < 0:
		return ConsolidationCursor{}, nil
	case opts.SinceMS > 0:
		return ConsolidationCursor{CreatedAtMS: opts.SinceMS}, nil
	}
	return c.store.LatestConsolidationCursor(ctx, opts.FromLog)
}

// collect gathers up to opts.Limit sources after the cursor and returns the
// cursor the next run should resume from.
func (c *Consolidator) collect(ctx context.Context, opts ConsolidationOptions, cursor ConsolidationCursor) ([]consolidationSource, ConsolidationCursor, error) {
	if opts.FromLog {
		return c.collectLog(ctx, opts, cursor)
	}
	recs, err := c.store.ListRawRecordsSince(ctx, cursor, opts.Limit)
	if err != nil {
		return nil, cursor, err
	}
	next := cursor
	out := make([]consolidationSource, 0, len(recs))
	for _, rec := range recs {
		out = append(out, consolidationSource{
			ID:          rec.ID,
			Text:        rec.Content,
			Origin:      rec.OriginRole,
			CreatedAtMS: rec.CreatedAtMS,
		})
		next = ConsolidationCursor{CreatedAtMS: rec.CreatedAtMS, RecordID: rec.ID}
	}
	return out, next, nil
}

// collectLog walks the event log in file order from the cursor's offset.
// Log timestamps are optional and need not be monotonic, so the offset is
// the resume point. An explicit SinceMS skips events stamped at or before
// it; unstamped events are always due.
func (c *Consolidator) collectLog(ctx context.Context, opts ConsolidationOptions, cursor ConsolidationCursor) ([]consolidationSource, ConsolidationCursor, error) {
	if c.events == nil {
		return nil, cursor, fmt.Errorf("consolidate from log: no event source configured")
	}
	events, err := c.events.Events(ctx)
	if err != nil {
		return nil, cursor, err
	}
	offset := cursor.LogOffset
	if offset < 0 || offset > len(events) {
		logger.WarnCF("consolidate", "event log shrank below the consolidation offset; rescanning", map[string]interface{}{
			"offset": offset,
			"events": len(events),
		})
		offset = 0
	}

	next := ConsolidationCursor{CreatedAtMS: cursor.CreatedAtMS, LogOffset: offset}
	out := []consolidationSource{}
	for _, ev := range events[offset:] {
		if len(out) >= opts.Limit {
			break
		}
		next.LogOffset++
		if opts.SinceMS > 0 && ev.TimestampMS > 0 && ev.TimestampMS <= opts.SinceMS {
			continue
		}
		body, err := ParseEvent(ev)
		if err != nil {
			continue
		}
		msg, ok := body.(MessageEvent)
		if !ok {
			continue
		}
		out = append(out, consolidationSource{
			ID:          ev.Hash,
			Text:        strings.TrimSpace(msg.Text),
			Origin:      msg.Role,
			CreatedAtMS: ev.TimestampMS,
		})
		if ev.TimestampMS > next.CreatedAtMS {
			next.CreatedAtMS = ev.TimestampMS
		}
	}
	return out, next, nil
}

// patternCandidates applies the extraction rules to user-originated text.
func patternCandidates(sources []consolidationSource, t *Tuning) []FactCandidate {
	out := []FactCandidate{}
	for _, src := range sources {
		if src.Origin != OriginUser {
			continue
		}
		for _, rule := range t.extraction {
			for _, m := range rule.re.FindAllStringSubmatch(src.Text, -1) {
				content := expandTemplate(rule.rule.Template, m)
				if content == "" {
					continue
				}
				out = append(out, FactCandidate{
					Content:          content,
					Salience:         clamp01(rule.rule.Salience),
					EvidenceLevel:    rule.rule.Evidence,
					CredibilityScore: clamp01(rule.rule.Credibility),
					ConflictKey:      t.ConflictKeyTable().Infer(content),
					OriginRole:       src.Origin,
					SourceRecordID:   src.ID,
				})
			}
		}
	}
	return out
}

func expandTemplate(tmpl string, groups []string) string {
	out := tmpl
	for i := len(groups) - 1; i >= 1; i-- {
		val := strings.Join(strings.Fields(groups[i]), " ")
		out = strings.ReplaceAll(out, "{"+strconv.Itoa(i)+"}", val)
	}
	return strings.TrimSpace(out)
}

func (c *Consolidator) semanticCandidates(ctx context.Context, sources []consolidationSource, t *Tuning) ([]FactCandidate, string) {
	if c.extractor == nil {
		return nil, FallbackExtractorUnavailable
	}
	texts := make([]string, 0, len(sources))
	for _, src := range sources {
		texts = append(texts, string(src.Origin)+": "+src.Text)
	}
	raw, err := c.extractor.Extract(ctx, texts)
	if err != nil {
		logger.WarnCF("consolidate", "semantic extractor failed", map[string]interface{}{"error": err.Error()})
		return nil, FallbackExtractorError
	}
	cands, err := ParseSemanticCandidates(raw)
	if err != nil {
		return nil, FallbackParseFailed
	}
	if len(cands) == 0 {
		return nil, FallbackNoCandidates
	}
	for i := range cands {
		if key := t.ConflictKeyTable().Infer(cands[i].Content); key != "" {
			cands[i].ConflictKey = key
		}
	}
	return cands, ""
}

type semanticCandidate struct {
	Content          string             `json:"content"`
	Salience         *float64           `json:"salience"`
	SalienceVector   map[string]float64 `json:"salience_vector"`
	SalienceVectorC  map[string]float64 `json:"salienceVector"`
	EvidenceLevel    string             `json:"evidence_level"`
	EvidenceLevelC   string             `json:"evidenceLevel"`
	CredibilityScore *float64           `json:"credibility_score"`
	CredibilityC     *float64           `json:"credibilityScore"`
	ConflictKey      string             `json:"conflict_key"`
}

// ParseSemanticCandidates reads extractor output. It accepts an object with
// a "candidates" array or a bare array, optionally fenced as a code block.
// Entries without content are dropped rather than failing the batch.
func ParseSemanticCandidates(raw string) ([]FactCandidate, error) {
	text := stripCodeFence(raw)
	if text == "" {
		return nil, fmt.Errorf("empty extractor output")
	}
	var items []semanticCandidate
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &items); err != nil {
			return nil, fmt.Errorf("decode candidate array: %w", err)
		}
	} else {
		var wrapper struct {
			Candidates *[]semanticCandidate `json:"candidates"`
		}
		if err := json.Unmarshal([]byte(text), &wrapper); err != nil {
			return nil, fmt.Errorf("decode candidate object: %w", err)
		}
		if wrapper.Candidates == nil {
			return nil, fmt.Errorf("extractor output has no candidates field")
		}
		items = *wrapper.Candidates
	}

	out := make([]FactCandidate, 0, len(items))
	for _, it := range items {
		content := strings.Join(strings.Fields(it.Content), " ")
		if content == "" {
			continue
		}
		fc := FactCandidate{
			Content:          content,
			Salience:         0.6,
			CredibilityScore: 0.6,
			EvidenceLevel:    EvidenceUnverified,
			ConflictKey:      strings.TrimSpace(it.ConflictKey),
			OriginRole:       OriginUser,
		}
		if it.Salience != nil {
			fc.Salience = clamp01(*it.Salience)
		}
		switch {
		case it.CredibilityScore != nil:
			fc.CredibilityScore = clamp01(*it.CredibilityScore)
		case it.CredibilityC != nil:
			fc.CredibilityScore = clamp01(*it.CredibilityC)
		}
		level := it.EvidenceLevel
		if level == "" {
			level = it.EvidenceLevelC
		}
		switch EvidenceLevel(strings.ToLower(strings.TrimSpace(level))) {
		case EvidenceVerified:
			fc.EvidenceLevel = EvidenceVerified
		case EvidenceDerived:
			fc.EvidenceLevel = EvidenceDerived
		}
		vec := it.SalienceVector
		if len(vec) == 0 {
			vec = it.SalienceVectorC
		}
		if len(vec) > 0 {
			fc.SalienceVector = vec
			fc.EmotionScore = clamp01(vec["emotion"])
			fc.NarrativeScore = clamp01(vec["narrative"])
		}
		out = append(out, fc)
	}
	return out, nil
}

func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// resolve decides each candidate's fate. Within the run the more credible
// claim wins a conflict key, the later one on ties. Against the store a
// winner supersedes the live record unless that one is strictly more
// credible or says the same thing.
func (c *Consolidator) resolve(ctx context.Context, runID string, cands []FactCandidate, now int64) ([]MemoryRecord, []Supersession, error) {
	winner := map[string]int{}
	for i, cand := range cands {
		if cand.ConflictKey == "" {
			continue
		}
		prev, ok := winner[cand.ConflictKey]
		if !ok || cand.CredibilityScore >= cands[prev].CredibilityScore {
			winner[cand.ConflictKey] = i
		}
	}

	liveContent := map[string]bool{}
	semantic, err := c.store.ListLiveSemantic(ctx, 0)
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range semantic {
		liveContent[normalizeFactText(rec.Content)] = true
	}

	seenContent := map[string]bool{}
	inserts := []MemoryRecord{}
	supersede := []Supersession{}
	for i := range cands {
		cand := &cands[i]
		norm := normalizeFactText(cand.Content)
		if cand.ConflictKey != "" && winner[cand.ConflictKey] != i {
			cand.Reason = RejectSupersededInRun
			continue
		}
		if seenContent[norm] {
			cand.Reason = RejectDuplicateContent
			continue
		}
		seenContent[norm] = true

		var old *MemoryRecord
		if cand.ConflictKey != "" {
			live, ok, err := c.store.FindLiveByConflictKey(ctx, cand.ConflictKey)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				switch {
				case normalizeFactText(live.Content) == norm:
					cand.Reason = RejectDuplicateOfLive
					continue
				case live.CredibilityScore > cand.CredibilityScore:
					cand.Reason = RejectWeakerThanLive
					continue
				}
				old = &live
			}
		} else if liveContent[norm] {
			cand.Reason = RejectDuplicateOfLive
			continue
		}

		n := len(inserts) + 1
		rec := MemoryRecord{
			ID:               "mem-" + uuid.NewString(),
			MemoryType:       MemorySemantic,
			Content:          cand.Content,
			Salience:         cand.Salience,
			State:            StateWarm,
			EmotionScore:     cand.EmotionScore,
			NarrativeScore:   cand.NarrativeScore,
			CredibilityScore: cand.CredibilityScore,
			OriginRole:       cand.OriginRole,
			EvidenceLevel:    cand.EvidenceLevel,
			SourceEventHash:  fmt.Sprintf("consolidated:%s:%d", runID, n),
			RecordRole:       RoleFact,
			ConflictKey:      cand.ConflictKey,
			CreatedAtMS:      now,
			UpdatedAtMS:      now,
			Metadata: map[string]string{
				"consolidation_run_id": runID,
			},
		}
		if cand.SourceRecordID != "" {
			rec.Metadata["source_record_id"] = cand.SourceRecordID
		}
		if old != nil {
			rec.Metadata["supersedes"] = old.ID
			supersede = append(supersede, Supersession{OldID: old.ID, NewID: rec.ID})
		}
		cand.Accepted = true
		cand.RecordID = rec.ID
		inserts = append(inserts, rec)
	}
	return inserts, supersede, nil
}
