package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
)

// salienceOverscan bounds how many rows the salience lane reads per slot
// before applying recency decay in memory.
const salienceOverscan = 3

// DefaultRecallBudget is applied field by field to zero budget values.
func DefaultRecallBudget() RecallBudget {
	return RecallBudget{
		MaxItems:          6,
		MaxChars:          1200,
		SalienceLaneLimit: 40,
		KeywordLaneLimit:  20,
		RerankCeiling:     24,
	}
}

func (b RecallBudget) validate() error {
	switch {
	case b.MaxItems < 0:
		return fmt.Errorf("%w: max_items %d", ErrInvalidBudget, b.MaxItems)
	case b.MaxChars < 0:
		return fmt.Errorf("%w: max_chars %d", ErrInvalidBudget, b.MaxChars)
	case b.SalienceLaneLimit < 0:
		return fmt.Errorf("%w: salience_lane_limit %d", ErrInvalidBudget, b.SalienceLaneLimit)
	case b.KeywordLaneLimit < 0:
		return fmt.Errorf("%w: keyword_lane_limit %d", ErrInvalidBudget, b.KeywordLaneLimit)
	case b.RerankCeiling < 0:
		return fmt.Errorf("%w: rerank_ceiling %d", ErrInvalidBudget, b.RerankCeiling)
	case b.NowMS < 0:
		return fmt.Errorf("%w: now_ms %d", ErrInvalidBudget, b.NowMS)
	}
	return nil
}

func (b RecallBudget) withDefaults(d RecallBudget) RecallBudget {
	if b.MaxItems == 0 {
		b.MaxItems = d.MaxItems
	}
	if b.MaxChars == 0 {
		b.MaxChars = d.MaxChars
	}
	if b.SalienceLaneLimit == 0 {
		b.SalienceLaneLimit = d.SalienceLaneLimit
	}
	if b.KeywordLaneLimit == 0 {
		b.KeywordLaneLimit = d.KeywordLaneLimit
	}
	if b.RerankCeiling == 0 {
		b.RerankCeiling = d.RerankCeiling
	}
	return b
}

func (b RecallBudget) widen(factor int) RecallBudget {
	if factor <= 1 {
		return b
	}
	b.MaxItems *= factor
	b.RerankCeiling *= factor
	b.SalienceLaneLimit *= factor
	b.KeywordLaneLimit *= factor
	return b
}

// Retriever ranks live records for a turn under a strict budget.
type Retriever struct {
	store    Store
	tuning   TuningSource
	defaults RecallBudget
	now      func() int64
}

func NewRetriever(store Store, tuning TuningSource, defaults RecallBudget) *Retriever {
	if tuning == nil {
		tuning = DefaultTuning()
	}
	return &Retriever{
		store:    store,
		tuning:   tuning,
		defaults: defaults.withDefaults(DefaultRecallBudget()),
		now:      nowMS,
	}
}

type recallCandidate struct {
	rec      MemoryRecord
	salience float64
	keyword  float64
	inSal    bool
	inKw     bool
	entry    TraceEntry
}

// Recall returns the best bounded subset of live records for query, and
// commits the trace together with the activation bump of the selection.
func (r *Retriever) Recall(ctx context.Context, query string, budget RecallBudget) (RecallResult, error) {
	if err := budget.validate(); err != nil {
		return RecallResult{}, err
	}
	t := r.tuning.Tuning()
	query = strings.TrimSpace(query)
	b := budget.withDefaults(r.defaults)
	nav := query != "" && t.isNavigation(query)
	if nav {
		b = b.widen(t.NavigationMultiplier)
	}
	now := b.NowMS
	if now == 0 {
		now = r.now()
	}
	b.NowMS = now
	halfLife := time.Duration(t.Weights.RecencyHalfLifeHours * float64(time.Hour))
	terms := queryTerms(query)

	byID := map[string]*recallCandidate{}
	order := []string{}
	get := func(rec MemoryRecord) *recallCandidate {
		c, ok := byID[rec.ID]
		if !ok {
			c = &recallCandidate{rec: rec}
			byID[rec.ID] = c
			order = append(order, rec.ID)
		}
		return c
	}

	salient, err := r.salienceLane(ctx, b.SalienceLaneLimit, now, halfLife)
	if err != nil {
		return RecallResult{}, err
	}
	for _, s := range salient {
		c := get(s.rec)
		c.inSal = true
		c.salience = s.score
	}

	if len(terms) > 0 {
		keyed, err := r.keywordLane(ctx, terms, b.KeywordLaneLimit)
		if err != nil {
			return RecallResult{}, err
		}
		for rank, rec := range keyed {
			c := get(rec)
			c.inKw = true
			c.keyword = 1.0 - float64(rank)/float64(len(keyed)+1)
		}
	}

	scored := make([]*recallCandidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		c.entry = scoreCandidate(c, terms, t.Weights, now, halfLife)
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		x, y := scored[i], scored[j]
		if x.entry.FinalScore != y.entry.FinalScore {
			return x.entry.FinalScore > y.entry.FinalScore
		}
		if x.rec.Salience != y.rec.Salience {
			return x.rec.Salience > y.rec.Salience
		}
		return x.rec.ID < y.rec.ID
	})
	scored = reserveKeywordSlots(scored, t.KeywordReserve, min(b.MaxItems, b.RerankCeiling))

	trace := RecallTrace{
		ID:          "rt-" + uuid.NewString(),
		Query:       query,
		SelectedIDs: []string{},
		Budget:      b,
		Navigation:  nav,
		CreatedAtMS: now,
		Entries:     make([]TraceEntry, 0, len(scored)),
	}
	result := RecallResult{SelectedContents: []string{}, SelectedIDs: []string{}}

	usedChars := 0
	stop := ""
	for i, c := range scored {
		e := c.entry
		switch {
		case i >= b.RerankCeiling:
			e.Reason = ReasonRerankCeiling
		case stop != "":
			e.Reason = stop
		case len(result.SelectedIDs)+1 > b.MaxItems:
			stop = ReasonItemBudget
			e.Reason = stop
		case usedChars+e.Chars > b.MaxChars:
			stop = ReasonCharBudget
			e.Reason = stop
		default:
			e.Reason = ReasonSelected
			usedChars += e.Chars
			result.SelectedIDs = append(result.SelectedIDs, c.rec.ID)
			result.SelectedContents = append(result.SelectedContents, c.rec.Content)
		}
		trace.Entries = append(trace.Entries, e)
	}
	if stop == "" && len(scored) > b.RerankCeiling {
		stop = ReasonRerankCeiling
	}
	trace.StopReason = stop
	trace.SelectedIDs = append(trace.SelectedIDs, result.SelectedIDs...)

	if err := r.store.CommitRecall(ctx, trace); err != nil {
		return RecallResult{}, err
	}
	_ = r.store.AddMetric(ctx, "memory.recall.selected", float64(len(result.SelectedIDs)), map[string]string{
		"navigation": fmt.Sprintf("%t", nav),
		"stop":       stop,
	})
	logger.DebugCF("recall", "recall completed", map[string]interface{}{
		"trace_id":   trace.ID,
		"candidates": len(scored),
		"selected":   len(result.SelectedIDs),
		"chars":      usedChars,
		"stop":       stop,
		"navigation": nav,
	})

	result.TraceID = trace.ID
	result.Trace = trace
	return result, nil
}

// reserveKeywordSlots guarantees the strongest exact-term matches a place in
// the first window entries. Up to reserve keyword-lane candidates with term
// hits, ranked by hit count then lane rank, are kept inside the window; the
// remaining window slots go to the other candidates in score order.
func reserveKeywordSlots(scored []*recallCandidate, reserve, window int) []*recallCandidate {
	if reserve > window {
		reserve = window
	}
	if reserve <= 0 || len(scored) <= window {
		return scored
	}
	hits := make([]*recallCandidate, 0, reserve)
	for _, c := range scored {
		if c.inKw && c.entry.KeywordHits > 0 {
			hits = append(hits, c)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].entry.KeywordHits != hits[j].entry.KeywordHits {
			return hits[i].entry.KeywordHits > hits[j].entry.KeywordHits
		}
		return hits[i].keyword > hits[j].keyword
	})
	if len(hits) > reserve {
		hits = hits[:reserve]
	}
	if len(hits) == 0 {
		return scored
	}
	keep := make(map[*recallCandidate]bool, len(hits))
	for _, c := range hits {
		keep[c] = true
	}
	free := window - len(hits)
	head := make([]*recallCandidate, 0, len(scored))
	tail := make([]*recallCandidate, 0, len(scored))
	for _, c := range scored {
		switch {
		case keep[c]:
			head = append(head, c)
		case free > 0:
			head = append(head, c)
			free--
		default:
			tail = append(tail, c)
		}
	}
	return append(head, tail...)
}

type laneHit struct {
	rec   MemoryRecord
	score float64
}

func (r *Retriever) salienceLane(ctx context.Context, limit int, now int64, halfLife time.Duration) ([]laneHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	recs, err := r.store.ListSalienceCandidates(ctx, limit*salienceOverscan)
	if err != nil {
		return nil, err
	}
	hits := make([]laneHit, 0, len(recs))
	for _, rec := range recs {
		if !rec.Live() {
			continue
		}
		hits = append(hits, laneHit{
			rec:   rec,
			score: rec.Salience * recencyWeight(now, rec.idleSinceMS(), halfLife),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// keywordLane returns exact-term matches in rank order. FTS failures degrade
// to the LIKE scan rather than failing the turn.
func (r *Retriever) keywordLane(ctx context.Context, terms []string, limit int) ([]MemoryRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	found, err := r.store.SearchRecordsFTS(ctx, buildFTSQuery(terms), limit)
	if err != nil {
		logger.WarnCF("recall", "fts search failed, using substring scan", map[string]interface{}{
			"error": err.Error(),
		})
		_ = r.store.AddMetric(ctx, "memory.recall.fts_error", 1, nil)
		found = nil
	}
	if len(found) == 0 {
		found, err = r.store.SearchRecordsLike(ctx, terms, limit)
		if err != nil {
			return nil, err
		}
	}
	out := make([]MemoryRecord, 0, len(found))
	for _, rec := range found {
		if rec.Live() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func scoreCandidate(c *recallCandidate, terms []string, w RecallWeights, now int64, halfLife time.Duration) TraceEntry {
	rec := c.rec
	e := TraceEntry{
		RecordID:     rec.ID,
		SalienceLane: c.salience,
		KeywordLane:  c.keyword,
		Emotion:      rec.EmotionScore,
		Narrative:    rec.NarrativeScore,
		Credibility:  rec.CredibilityScore,
		KeywordHits:  countTermHits(rec.Content, terms),
		StateBoost:   w.StateBoost[rec.State],
		Chars:        utf8.RuneCountInString(rec.Content),
	}
	switch {
	case c.inSal && c.inKw:
		e.CandidateSource = SourceBoth
		e.BothBonus = w.BothBonus
	case c.inKw:
		e.CandidateSource = SourceKeyword
	default:
		e.CandidateSource = SourceSalience
	}
	e.Activation = activationSignal(rec, now, halfLife)

	keywordScore := 0.0
	if len(terms) > 0 {
		keywordScore = float64(e.KeywordHits) / float64(len(terms))
	}
	e.FinalScore = w.Activation*e.Activation +
		w.Emotion*e.Emotion +
		w.Narrative*e.Narrative +
		w.Credibility*e.Credibility +
		w.Keyword*keywordScore +
		w.Lane*math.Max(e.SalienceLane, e.KeywordLane) +
		e.StateBoost +
		e.BothBonus
	return e
}

// activationSignal blends how recently a record was touched with how often.
func activationSignal(rec MemoryRecord, now int64, halfLife time.Duration) float64 {
	recency := recencyWeight(now, rec.idleSinceMS(), halfLife)
	frequency := math.Min(1, math.Log1p(float64(rec.ActivationCount))/math.Log(20))
	return 0.7*recency + 0.3*frequency
}

func recencyWeight(nowMS, seenMS int64, halfLife time.Duration) float64 {
	deltaMS := float64(nowMS - seenMS)
	if deltaMS < 0 {
		deltaMS = 0
	}
	hl := float64(halfLife / time.Millisecond)
	if hl <= 0 {
		hl = float64((14 * 24 * time.Hour) / time.Millisecond)
	}
	return math.Exp(-math.Ln2 * deltaMS / hl)
}

var queryStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {}, "on": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "do": {}, "did": {}, "you": {}, "me": {}, "my": {},
	"it": {}, "that": {}, "this": {}, "what": {}, "about": {}, "for": {}, "with": {},
}

// queryTerms splits a query into distinct lowercase terms of two or more
// runes, dropping common function words.
func queryTerms(query string) []string {
	parts := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := map[string]struct{}{}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if utf8.RuneCountInString(p) < 2 {
			continue
		}
		if _, stop := queryStopwords[p]; stop {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func buildFTSQuery(terms []string) string {
	quoted := make([]string, 0, len(terms))
	for _, tok := range terms {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func countTermHits(content string, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return hits
}
