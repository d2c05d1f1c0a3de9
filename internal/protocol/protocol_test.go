package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseClientMessage_StartSession(t *testing.T) {
	input := []byte(`{"type":"start_session","interests":["music","gaming"],"age_min":20,"age_max":30,"modality":"text"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeStartSession {
		t.Fatalf("expected type %q, got %q", TypeStartSession, msgType)
	}

	ss, ok := msg.(StartSessionMsg)
	if !ok {
		t.Fatalf("expected StartSessionMsg, got %T", msg)
	}
	if len(ss.Interests) != 2 {
		t.Fatalf("expected 2 interests, got %d", len(ss.Interests))
	}
	if ss.AgeMin != 20 || ss.AgeMax != 30 {
		t.Errorf("unexpected age range: %d-%d", ss.AgeMin, ss.AgeMax)
	}
	if ss.Modality != "text" {
		t.Errorf("expected modality text, got %q", ss.Modality)
	}
}

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","session_id":"abc-123","body":"Hello!","content_type":"text"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.SessionID != "abc-123" {
		t.Errorf("expected session_id %q, got %q", "abc-123", sm.SessionID)
	}
	if sm.Body != "Hello!" {
		t.Errorf("expected body %q, got %q", "Hello!", sm.Body)
	}
}

func TestNewServerMessage_MatchFound(t *testing.T) {
	payload := MatchFoundMsg{
		SessionID:       "sess-1",
		PairID:          "pair-9",
		Score:           0.6,
		SharedInterests: []string{"music", "gaming"},
	}

	data, err := NewServerMessage(TypeMatchFound, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMatchFound {
		t.Errorf("expected type %q, got %v", TypeMatchFound, result["type"])
	}
	if result["pair_id"] != "pair-9" {
		t.Errorf("expected pair_id %q, got %v", "pair-9", result["pair_id"])
	}

	score, ok := result["score"].(float64)
	if !ok || score != 0.6 {
		t.Errorf("expected score 0.6, got %v", result["score"])
	}

	interests, ok := result["shared_interests"].([]interface{})
	if !ok {
		t.Fatalf("expected shared_interests to be an array, got %T", result["shared_interests"])
	}
	if len(interests) != 2 {
		t.Fatalf("expected 2 shared interests, got %d", len(interests))
	}
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"match_found","session_id":"x"}`)
	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected error for server-only message type, got nil")
	}
}

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"start_session", `{"type":"start_session","interests":["music"],"modality":"text"}`, TypeStartSession},
		{"find_match", `{"type":"find_match","session_id":"id1"}`, TypeFindMatch},
		{"cancel_match", `{"type":"cancel_match","session_id":"id1"}`, TypeCancelMatch},
		{"send_message", `{"type":"send_message","session_id":"id1","body":"hi","content_type":"text"}`, TypeSendMessage},
		{"typing", `{"type":"typing","session_id":"id1","is_typing":true}`, TypeTyping},
		{"skip", `{"type":"skip","session_id":"id1"}`, TypeSkip},
		{"end_session", `{"type":"end_session","session_id":"id1"}`, TypeEndSession},
		{"block", `{"type":"block","session_id":"id1","reason":"rude"}`, TypeBlock},
		{"report", `{"type":"report","session_id":"id1","reason":"spam"}`, TypeReport},
		{"get_active_session", `{"type":"get_active_session"}`, TypeGetActiveSession},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
