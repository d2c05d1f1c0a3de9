// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the chat gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeStartSession     = "start_session"
	TypeFindMatch        = "find_match"
	TypeCancelMatch      = "cancel_match"
	TypeSendMessage      = "send_message"
	TypeTyping           = "typing"
	TypeSkip             = "skip"
	TypeEndSession       = "end_session"
	TypeBlock            = "block"
	TypeReport           = "report"
	TypeGetActiveSession = "get_active_session"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeSessionStarted  = "session_started"
	TypeMatchingStarted = "matching_started"
	TypeMatchFound      = "match_found"
	TypeNoMatch         = "no_match"
	TypeMessage         = "message"
	TypePeerTyping      = "peer_typing"
	TypePresence        = "presence"
	TypeSessionEnded    = "session_ended"
	TypeActiveSession   = "active_session"
	TypeReportFiled     = "report_filed"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// StartSessionMsg creates a new chat session with the given matching criteria.
// Omitted fields fall back to the user's stored preferences.
type StartSessionMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests"`
	AgeMin    int      `json:"age_min,omitempty"`
	AgeMax    int      `json:"age_max,omitempty"`
	Location  string   `json:"location,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	Modality  string   `json:"modality"`
}

// FindMatchMsg asks the matchmaker to find a partner for a waiting session.
type FindMatchMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CancelMatchMsg withdraws a waiting session from the matching pool.
type CancelMatchMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SendMessageMsg is a chat message sent within a matched or active session.
type SendMessageMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"` // text, image, emoji
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// SkipMsg ends the current conversation and immediately requeues the sender.
type SkipMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// EndSessionMsg ends a session without requeuing.
type EndSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// BlockMsg blocks the current partner and ends the session.
type BlockMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ReportMsg files an abuse report against the current partner.
type ReportMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

// GetActiveSessionMsg asks for the caller's current live session, if any.
type GetActiveSessionMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionStartedMsg confirms a new session was created in the waiting state.
type SessionStartedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// MatchingStartedMsg confirms the session entered the matching pool.
type MatchingStartedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timeout   int    `json:"timeout"` // seconds until no_match
}

// MatchFoundMsg announces that a compatible partner was paired.
type MatchFoundMsg struct {
	Type            string   `json:"type"`
	SessionID       string   `json:"session_id"`
	PairID          string   `json:"pair_id"`
	Score           float64  `json:"score"`
	SharedInterests []string `json:"shared_interests"`
}

// NoMatchMsg is sent when the wait timeout expires without a pairing.
type NoMatchMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ServerMessageMsg relays a chat message to a participant.
type ServerMessageMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Seq         int64  `json:"seq"`
	SenderID    string `json:"sender_id"`
	Body        string `json:"body"`
	ContentType string `json:"content_type"`
	Ts          int64  `json:"ts"`
}

// PeerTypingMsg relays the partner's typing indicator.
type PeerTypingMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IsTyping  bool   `json:"is_typing"`
}

// PresenceMsg announces a partner connecting or disconnecting.
type PresenceMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Online    bool   `json:"online"`
}

// SessionEndedMsg announces that a session reached the ended state.
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Cause     string `json:"cause"` // ended, skipped, blocked, timeout
}

// ActiveSessionMsg answers a get_active_session request. SessionID is empty
// when the caller has no live session.
type ActiveSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	PairID    string `json:"pair_id,omitempty"`
}

// ReportFiledMsg confirms an abuse report was recorded.
type ReportFiledMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ReportID  int64  `json:"report_id"`
}

// RateLimitedMsg tells the client an action was throttled.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition for a client request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeStartSession:
		var m StartSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSkip:
		var m SkipMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlock:
		var m BlockMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetActiveSession:
		var m GetActiveSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
