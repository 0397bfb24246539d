package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/N0RMANCHEN/Soul-seed-sub002/pkg/logger"
)

// IngestResult reports what one log event produced.
type IngestResult struct {
	EventType string
	Records   []MemoryRecord
	Created   int
	Ignored   bool
}

// Ingester converts interaction-log events into typed memory records.
type Ingester struct {
	store  Store
	tuning TuningSource
	now    func() int64
}

func NewIngester(store Store, tuning TuningSource) *Ingester {
	if tuning == nil {
		tuning = DefaultTuning()
	}
	return &Ingester{store: store, tuning: tuning, now: nowMS}
}

// Ingest writes the records derived from ev. Re-ingesting the same event
// returns the stored records with Created=0.
func (in *Ingester) Ingest(ctx context.Context, ev LogEvent) (IngestResult, error) {
	res := IngestResult{EventType: ev.Type}
	if strings.TrimSpace(ev.Hash) == "" {
		return res, fmt.Errorf("%w: %s: empty hash", ErrInvalidEvent, ev.Type)
	}
	body, err := ParseEvent(ev)
	if err != nil {
		return res, err
	}
	rec, ok := in.classify(ev, body)
	if !ok {
		res.Ignored = true
		logger.DebugCF("ingest", "event produces no memory", map[string]interface{}{
			"type": ev.Type,
			"hash": ev.Hash,
		})
		return res, nil
	}
	stored, created, err := in.store.UpsertRecord(ctx, rec)
	if err != nil {
		return res, err
	}
	res.Records = append(res.Records, stored)
	if created {
		res.Created++
		logger.DebugCF("ingest", "record stored", map[string]interface{}{
			"id":          stored.ID,
			"memory_type": string(stored.MemoryType),
			"state":       string(stored.State),
			"salience":    stored.Salience,
		})
	}
	return res, nil
}

func (in *Ingester) classify(ev LogEvent, body EventBody) (MemoryRecord, bool) {
	t := in.tuning.Tuning()
	at := ev.TimestampMS
	if at <= 0 {
		at = in.now()
	}
	base := MemoryRecord{
		SourceEventHash: ev.Hash,
		CreatedAtMS:     at,
		UpdatedAtMS:     at,
		State:           StateWarm,
		Metadata:        map[string]string{"event_type": ev.Type},
	}

	switch b := body.(type) {
	case MessageEvent:
		rec := base
		rec.Content = strings.TrimSpace(b.Text)
		rec.RecordRole = RoleMessage
		rec.OriginRole = b.Role
		rec.SpeakerRelation = b.SpeakerRelation
		rec.CredibilityScore, rec.EvidenceLevel = originCredibility(b.Role)
		if rule, ok := t.matchProcedural(rec.Content); ok {
			rec.MemoryType = MemoryProcedural
			rec.Metadata["classifier_rule"] = rule
			rec.NarrativeScore = 0.2
		} else {
			rec.MemoryType = MemoryEpisodic
			rec.NarrativeScore = narrativeScore(rec.Content)
		}
		hits := keywordHits(rec.Content, t.SalienceKeywords)
		if b.Emotion != nil {
			rec.EmotionScore = clamp01(*b.Emotion)
		} else {
			rec.EmotionScore = emotionHeuristic(rec.Content, hits)
		}
		rec.Salience = heuristicSalience(rec.Content, hits)
		if b.Remember || t.hasEmphasis(rec.Content) {
			rec.State = StateHot
			rec.Salience = math.Min(1, math.Max(rec.Salience+0.3, 0.8))
			rec.ActivationCount = 2
			rec.LastActivatedAtMS = at
			rec.Metadata["emphasis"] = "true"
		}
		return rec, true

	case RelationshipEvent:
		rec := base
		rec.MemoryType = MemoryRelational
		rec.RecordRole = RoleRelation
		rec.OriginRole = OriginSystem
		rec.Content = relationshipContent(b)
		rec.SpeakerRelation = strings.TrimSpace(b.To)
		rec.Salience = 0.6
		rec.NarrativeScore = 0.5
		rec.CredibilityScore, rec.EvidenceLevel = originCredibility(OriginSystem)
		if b.Emotion != nil {
			rec.EmotionScore = clamp01(*b.Emotion)
		}
		return rec, true

	case ConflictEvent:
		rec := base
		rec.MemoryType = MemorySemantic
		rec.RecordRole = RoleFact
		rec.OriginRole = OriginSystem
		rec.Content = conflictContent(ev.Type, b)
		severity := 0.5
		if b.Severity != nil {
			severity = clamp01(*b.Severity)
		}
		rec.Salience = clamp01(0.5 + 0.4*severity)
		rec.EmotionScore = severity
		rec.NarrativeScore = 0.4
		rec.CredibilityScore, rec.EvidenceLevel = originCredibility(OriginSystem)
		return rec, true
	}
	return MemoryRecord{}, false
}

func originCredibility(role OriginRole) (float64, EvidenceLevel) {
	switch role {
	case OriginSystem:
		return 0.8, EvidenceVerified
	case OriginAssistant:
		return 0.6, EvidenceDerived
	default:
		return 0.7, EvidenceUnverified
	}
}

// heuristicSalience scores plain content by length and keyword density.
func heuristicSalience(content string, hits int) float64 {
	n := float64(utf8.RuneCountInString(content))
	s := 0.35 + math.Min(n/400, 0.25) + 0.08*float64(hits)
	return math.Min(s, 0.85)
}

func emotionHeuristic(content string, hits int) float64 {
	score := 0.15*float64(hits) + 0.1*float64(strings.Count(content, "!"))
	return math.Min(score, 1)
}

func narrativeScore(content string) float64 {
	sentences := 0
	for _, r := range content {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			sentences++
		}
	}
	if sentences == 0 {
		sentences = 1
	}
	return math.Min(1, 0.2+0.15*float64(sentences))
}

func keywordHits(content string, keywords []string) int {
	lower := strings.ToLower(content)
	hits := 0
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits
}

func relationshipContent(b RelationshipEvent) string {
	subject := strings.TrimSpace(b.Subject)
	if subject == "" {
		subject = "user"
	}
	var sb strings.Builder
	sb.WriteString("Relationship with ")
	sb.WriteString(subject)
	sb.WriteString(": ")
	switch {
	case strings.TrimSpace(b.From) != "" && strings.TrimSpace(b.To) != "":
		sb.WriteString(strings.TrimSpace(b.From) + " -> " + strings.TrimSpace(b.To))
	case strings.TrimSpace(b.To) != "":
		sb.WriteString(strings.TrimSpace(b.To))
	}
	if note := strings.TrimSpace(b.Note); note != "" {
		if strings.TrimSpace(b.To) != "" {
			sb.WriteString(". ")
		}
		sb.WriteString(note)
	}
	return sb.String()
}

func conflictContent(eventType string, b ConflictEvent) string {
	label := "Conflict"
	if eventType == EventIncidentReported {
		label = "Incident"
	}
	out := label + ": " + strings.TrimSpace(b.Summary)
	if len(b.Parties) > 0 {
		out += " (parties: " + strings.Join(b.Parties, ", ") + ")"
	}
	return out
}
