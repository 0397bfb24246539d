package memory

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Interaction log event types understood by the memory subsystem.
const (
	EventUserMessage          = "message.user"
	EventAssistantMessage     = "message.assistant"
	EventSystemMessage        = "message.system"
	EventRelationshipUpdated  = "relationship.updated"
	EventStateTransition      = "state.transition"
	EventConflictLogged       = "conflict.logged"
	EventIncidentReported     = "incident.reported"
	EventMemoryRetracted      = "memory.retracted"
	EventMemoryExcluded       = "memory.excluded"
	EventMemoryRestored       = "memory.restored"
	EventCredibilityAdjusted  = "memory.credibility_adjusted"
	defaultPolicyEventPattern = "memory.*"
)

// LogEvent is one entry of the append-only interaction log.
type LogEvent struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Hash        string          `json:"hash"`
	TimestampMS int64           `json:"ts,omitempty"`
}

// EventBody is the decoded payload of a LogEvent. The set of
// implementations is closed: see ParseEvent.
type EventBody interface {
	eventBody()
}

type MessageEvent struct {
	Role            OriginRole `json:"role"`
	Text            string     `json:"text"`
	Remember        bool       `json:"remember,omitempty"`
	Emotion         *float64   `json:"emotion,omitempty"`
	SpeakerRelation string     `json:"speaker_relation,omitempty"`
}

type RelationshipEvent struct {
	Subject string   `json:"subject"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to"`
	Note    string   `json:"note,omitempty"`
	Emotion *float64 `json:"emotion,omitempty"`
}

type ConflictEvent struct {
	Summary  string   `json:"summary"`
	Severity *float64 `json:"severity,omitempty"`
	Parties  []string `json:"parties,omitempty"`
}

// PolicyAction is the store-level decision a policy event records.
type PolicyAction string

const (
	PolicyRetract     PolicyAction = "retract"
	PolicyExclude     PolicyAction = "exclude"
	PolicyRestore     PolicyAction = "restore"
	PolicyCredibility PolicyAction = "credibility"
)

type PolicyEvent struct {
	Action      PolicyAction `json:"-"`
	TargetHash  string       `json:"target_hash"`
	Credibility *float64     `json:"credibility,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// UnknownEvent is any event type the memory subsystem ignores.
type UnknownEvent struct {
	Type string
}

func (MessageEvent) eventBody()      {}
func (RelationshipEvent) eventBody() {}
func (ConflictEvent) eventBody()     {}
func (PolicyEvent) eventBody()       {}
func (UnknownEvent) eventBody()      {}

// ParseEvent decodes ev into its typed body. Unknown types decode to
// UnknownEvent without error; malformed payloads of known types are rejected.
func ParseEvent(ev LogEvent) (EventBody, error) {
	typ := strings.TrimSpace(ev.Type)
	switch typ {
	case EventUserMessage, EventAssistantMessage, EventSystemMessage:
		var m MessageEvent
		if err := decodePayload(ev, &m); err != nil {
			return nil, err
		}
		if m.Role == "" {
			m.Role = OriginRole(strings.TrimPrefix(typ, "message."))
		}
		if !validOriginRole(m.Role) {
			return nil, fmt.Errorf("%w: %s: unknown role %q", ErrInvalidEvent, typ, m.Role)
		}
		if strings.TrimSpace(m.Text) == "" {
			return nil, fmt.Errorf("%w: %s: empty text", ErrInvalidEvent, typ)
		}
		return m, nil
	case EventRelationshipUpdated, EventStateTransition:
		var r RelationshipEvent
		if err := decodePayload(ev, &r); err != nil {
			return nil, err
		}
		if strings.TrimSpace(r.To) == "" && strings.TrimSpace(r.Note) == "" {
			return nil, fmt.Errorf("%w: %s: missing target state", ErrInvalidEvent, typ)
		}
		return r, nil
	case EventConflictLogged, EventIncidentReported:
		var c ConflictEvent
		if err := decodePayload(ev, &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Summary) == "" {
			return nil, fmt.Errorf("%w: %s: empty summary", ErrInvalidEvent, typ)
		}
		return c, nil
	case EventMemoryRetracted, EventMemoryExcluded, EventMemoryRestored, EventCredibilityAdjusted:
		var p PolicyEvent
		if err := decodePayload(ev, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.TargetHash) == "" {
			return nil, fmt.Errorf("%w: %s: empty target_hash", ErrInvalidEvent, typ)
		}
		switch typ {
		case EventMemoryRetracted:
			p.Action = PolicyRetract
		case EventMemoryExcluded:
			p.Action = PolicyExclude
		case EventMemoryRestored:
			p.Action = PolicyRestore
		default:
			if p.Credibility == nil {
				return nil, fmt.Errorf("%w: %s: missing credibility", ErrInvalidEvent, typ)
			}
			p.Action = PolicyCredibility
		}
		if p.Credibility != nil {
			v := clamp01(*p.Credibility)
			p.Credibility = &v
		}
		return p, nil
	default:
		return UnknownEvent{Type: typ}, nil
	}
}

func decodePayload(ev LogEvent, dst interface{}) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrInvalidEvent, ev.Type)
	}
	if err := json.Unmarshal(ev.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, ev.Type, err)
	}
	return nil
}

func validOriginRole(r OriginRole) bool {
	switch r {
	case OriginUser, OriginAssistant, OriginSystem:
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
