package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestIngester_ReingestIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	in := NewIngester(store, nil)

	ev := messageEvent(t, "evt-dup", OriginUser, "We watched the storm roll in from the porch.", 1000)
	first, err := in.Ingest(ctx, ev)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Created != 1 || len(first.Records) != 1 {
		t.Fatalf("expected one created record, got %#v", first)
	}
	second, err := in.Ingest(ctx, ev)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.Created != 0 || second.Records[0].ID != first.Records[0].ID {
		t.Fatalf("re-ingest should return the stored record: %#v", second)
	}
	counts, _ := store.RowCounts(ctx)
	if counts["memories"] != 1 {
		t.Fatalf("expected 1 memory row, got %d", counts["memories"])
	}
}

func TestIngester_Classification(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	in := NewIngester(store, nil)

	severity := 0.9
	cases := []struct {
		name     string
		ev       LogEvent
		wantType MemoryType
		wantRole string
	}{
		{
			name:     "plain message is episodic",
			ev:       messageEvent(t, "evt-episodic", OriginUser, "Yesterday we had noodles by the river.", 1000),
			wantType: MemoryEpisodic,
			wantRole: RoleMessage,
		},
		{
			name:     "numbered steps are procedural",
			ev:       messageEvent(t, "evt-steps", OriginUser, "1. boil water\n2. add the tea\n3. wait four minutes", 1000),
			wantType: MemoryProcedural,
			wantRole: RoleMessage,
		},
		{
			name: "relationship update is relational",
			ev: LogEvent{
				Type:    EventRelationshipUpdated,
				Payload: payload(t, RelationshipEvent{Subject: "user", From: "acquaintance", To: "friend"}),
				Hash:    "evt-rel",
			},
			wantType: MemoryRelational,
			wantRole: RoleRelation,
		},
		{
			name: "conflict is semantic",
			ev: LogEvent{
				Type:    EventConflictLogged,
				Payload: payload(t, ConflictEvent{Summary: "argued about the trip", Severity: &severity}),
				Hash:    "evt-conflict",
			},
			wantType: MemorySemantic,
			wantRole: RoleFact,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := in.Ingest(ctx, tc.ev)
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if len(res.Records) != 1 {
				t.Fatalf("expected one record, got %d", len(res.Records))
			}
			rec := res.Records[0]
			if rec.MemoryType != tc.wantType || rec.RecordRole != tc.wantRole {
				t.Fatalf("got type=%s role=%s", rec.MemoryType, rec.RecordRole)
			}
			if rec.Metadata["event_type"] != tc.ev.Type {
				t.Fatalf("event type not recorded in metadata: %#v", rec.Metadata)
			}
			if rec.Salience < 0 || rec.Salience > 1 {
				t.Fatalf("salience out of range: %f", rec.Salience)
			}
		})
	}
}

func TestIngester_RelationshipContentAndConflictSalience(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	in := NewIngester(store, nil)

	rel, err := in.Ingest(ctx, LogEvent{
		Type:    EventRelationshipUpdated,
		Payload: payload(t, RelationshipEvent{Subject: "Mira", From: "stranger", To: "confidant", Note: "shared a secret"}),
		Hash:    "evt-rel-2",
	})
	if err != nil {
		t.Fatalf("ingest relationship: %v", err)
	}
	if got := rel.Records[0].Content; got != "Relationship with Mira: stranger -> confidant. shared a secret" {
		t.Fatalf("unexpected relationship content %q", got)
	}

	severity := 1.0
	inc, err := in.Ingest(ctx, LogEvent{
		Type:    EventIncidentReported,
		Payload: payload(t, ConflictEvent{Summary: "missed the call", Severity: &severity, Parties: []string{"user", "persona"}}),
		Hash:    "evt-inc",
	})
	if err != nil {
		t.Fatalf("ingest incident: %v", err)
	}
	rec := inc.Records[0]
	if rec.Content != "Incident: missed the call (parties: user, persona)" {
		t.Fatalf("unexpected incident content %q", rec.Content)
	}
	if rec.Salience < 0.89 || rec.Salience > 0.91 {
		t.Fatalf("expected salience near 0.9, got %f", rec.Salience)
	}
}

func TestIngester_EmphasisPromotesToHot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	in := NewIngester(store, nil)

	plain, err := in.Ingest(ctx, messageEvent(t, "evt-plain", OriginUser, "The bus was late again.", 1000))
	if err != nil {
		t.Fatalf("ingest plain: %v", err)
	}
	marked, err := in.Ingest(ctx, messageEvent(t, "evt-marked", OriginUser, "Remember this: my sister's wedding is in June.", 1000))
	if err != nil {
		t.Fatalf("ingest marked: %v", err)
	}
	flagged, err := in.Ingest(ctx, LogEvent{
		Type:        EventUserMessage,
		Payload:     payload(t, MessageEvent{Role: OriginUser, Text: "The blue door on the corner.", Remember: true}),
		Hash:        "evt-flagged",
		TimestampMS: 1000,
	})
	if err != nil {
		t.Fatalf("ingest flagged: %v", err)
	}

	if plain.Records[0].State != StateWarm {
		t.Fatalf("plain message should be warm, got %s", plain.Records[0].State)
	}
	for _, res := range []IngestResult{marked, flagged} {
		rec := res.Records[0]
		if rec.State != StateHot || rec.Salience < 0.8 || rec.ActivationCount != 2 {
			t.Fatalf("emphasized record not promoted: %#v", rec)
		}
		if rec.Salience <= plain.Records[0].Salience {
			t.Fatalf("emphasis should raise salience above plain content")
		}
	}
}

func TestIngester_OriginSetsCredibility(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	in := NewIngester(store, nil)

	res, err := in.Ingest(ctx, messageEvent(t, "evt-sys", OriginSystem, "Session started in quiet mode.", 1000))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rec := res.Records[0]
	if rec.EvidenceLevel != EvidenceVerified || rec.CredibilityScore != 0.8 || rec.OriginRole != OriginSystem {
		t.Fatalf("unexpected system provenance: %#v", rec)
	}
}

func TestIngester_RejectsInvalidEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	in := NewIngester(store, nil)

	cases := []struct {
		name string
		ev   LogEvent
	}{
		{"missing hash", LogEvent{Type: EventUserMessage, Payload: json.RawMessage(`{"text":"hi"}`)}},
		{"malformed payload", LogEvent{Type: EventUserMessage, Payload: json.RawMessage(`{"text":`), Hash: "evt-bad"}},
		{"empty text", LogEvent{Type: EventUserMessage, Payload: json.RawMessage(`{"text":"   "}`), Hash: "evt-empty"}},
		{"unknown role", LogEvent{Type: EventUserMessage, Payload: json.RawMessage(`{"role":"robot","text":"beep"}`), Hash: "evt-role"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := in.Ingest(ctx, tc.ev); !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
	counts, _ := store.RowCounts(ctx)
	if counts["memories"] != 0 {
		t.Fatalf("invalid events must not write records")
	}
}

func TestIngester_IgnoresUnknownAndPolicyEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	in := NewIngester(store, nil)

	for _, ev := range []LogEvent{
		{Type: "tool.invoked", Payload: json.RawMessage(`{"name":"calc"}`), Hash: "evt-tool"},
		policyEvent(t, EventMemoryExcluded, "evt-policy", "evt-somewhere", nil),
	} {
		res, err := in.Ingest(ctx, ev)
		if err != nil {
			t.Fatalf("ingest %s: %v", ev.Type, err)
		}
		if !res.Ignored || len(res.Records) != 0 {
			t.Fatalf("expected %s to be ignored, got %#v", ev.Type, res)
		}
	}
}
