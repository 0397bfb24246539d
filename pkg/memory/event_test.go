package memory

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	testcases := []struct {
		name    string
		ev      LogEvent
		want    EventBody
		wantErr bool
	}{
		{
			name: "role defaults from type",
			ev:   LogEvent{Type: EventAssistantMessage, Payload: json.RawMessage(`{"text":"hello there"}`)},
			want: MessageEvent{Role: OriginAssistant, Text: "hello there"},
		},
		{
			name: "state transition decodes as relationship",
			ev:   LogEvent{Type: EventStateTransition, Payload: json.RawMessage(`{"subject":"user","to":"trusted"}`)},
			want: RelationshipEvent{Subject: "user", To: "trusted"},
		},
		{
			name:    "relationship without target",
			ev:      LogEvent{Type: EventRelationshipUpdated, Payload: json.RawMessage(`{"subject":"user"}`)},
			wantErr: true,
		},
		{
			name:    "conflict without summary",
			ev:      LogEvent{Type: EventConflictLogged, Payload: json.RawMessage(`{"severity":0.4}`)},
			wantErr: true,
		},
		{
			name:    "policy without target",
			ev:      LogEvent{Type: EventMemoryExcluded, Payload: json.RawMessage(`{}`)},
			wantErr: true,
		},
		{
			name:    "credibility adjustment requires a value",
			ev:      LogEvent{Type: EventCredibilityAdjusted, Payload: json.RawMessage(`{"target_hash":"evt-1"}`)},
			wantErr: true,
		},
		{
			name:    "empty payload",
			ev:      LogEvent{Type: EventUserMessage},
			wantErr: true,
		},
		{
			name: "unknown type is ignored",
			ev:   LogEvent{Type: "tool.invoked", Payload: json.RawMessage(`not even json`)},
			want: UnknownEvent{Type: "tool.invoked"},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseEvent(tc.ev)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent), "error should wrap ErrInvalidEvent: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseEvent_PolicyActionsAndClamp(t *testing.T) {
	actions := map[string]PolicyAction{
		EventMemoryRetracted:     PolicyRetract,
		EventMemoryExcluded:      PolicyExclude,
		EventMemoryRestored:      PolicyRestore,
		EventCredibilityAdjusted: PolicyCredibility,
	}
	for typ, want := range actions {
		body, err := ParseEvent(LogEvent{Type: typ, Payload: json.RawMessage(`{"target_hash":"evt-9","credibility":1.7}`)})
		require.NoError(t, err, typ)
		pe, ok := body.(PolicyEvent)
		require.True(t, ok, typ)
		assert.Equal(t, want, pe.Action)
		assert.Equal(t, "evt-9", pe.TargetHash)
		require.NotNil(t, pe.Credibility)
		assert.Equal(t, 1.0, *pe.Credibility)
	}
}
