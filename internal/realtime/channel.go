// Package realtime implements the per-pair message channel: validated,
// durably ordered message delivery between the two participants of a pair,
// plus best-effort typing and presence signals. Events travel over the
// pair's NATS subject only, so nothing about a conversation is observable
// outside its pair.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"
	"unicode/utf8"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/messaging"
	"github.com/flavourstalk/chat-core/internal/metrics"
	"github.com/flavourstalk/chat-core/internal/records"
	"github.com/flavourstalk/chat-core/internal/registry"
)

// MaxBodyLength caps a message body in bytes.
const MaxBodyLength = 2000

// Content types a message may carry.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentEmoji = "emoji"
)

// Event kinds published on pair.<pair_id>.
const (
	EventMessage  = "message"
	EventTyping   = "typing"
	EventPresence = "presence"
	EventEnded    = "ended"
)

// Event is the payload published on a pair's NATS subject. Kind selects
// which of the optional fields are meaningful.
type Event struct {
	Kind        string `json:"kind"`
	PairID      string `json:"pair_id"`
	SessionID   string `json:"session_id"` // originating session
	SenderID    string `json:"sender_id,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
	Body        string `json:"body,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	IsTyping    bool   `json:"is_typing,omitempty"`
	Online      bool   `json:"online,omitempty"`
	Cause       string `json:"cause,omitempty"`
	Ts          int64  `json:"ts"`
}

// PresenceFunc reports whether a user currently holds a live connection on
// any gateway. nil disables the disconnected-counterpart notification.
type PresenceFunc func(userID string) bool

// Service is the realtime channel over the registry, record store, and NATS.
type Service struct {
	registry *registry.Store
	records  *records.Store
	nats     *messaging.Client
	online   PresenceFunc
}

// NewService wires a realtime channel service.
func NewService(reg *registry.Store, rec *records.Store, nc *messaging.Client, online PresenceFunc) *Service {
	return &Service{
		registry: reg,
		records:  rec,
		nats:     nc,
		online:   online,
	}
}

// ValidateBody checks a message body and content type against the channel
// rules: known content type, non-empty body, valid UTF-8, bounded length.
func ValidateBody(body, contentType string) error {
	switch contentType {
	case ContentText, ContentImage, ContentEmoji:
	default:
		return chaterr.Validationf("unsupported content type %q", contentType)
	}
	if body == "" {
		return chaterr.Validationf("message body must not be empty")
	}
	if len(body) > MaxBodyLength {
		return chaterr.Validationf("message body exceeds %d bytes", MaxBodyLength)
	}
	if !utf8.ValidString(body) {
		return chaterr.Validationf("message body must be valid UTF-8")
	}
	return nil
}

// Send accepts a message from a participant. The sender must own the session
// and the session must be matched or active; the first message promotes the
// pair to active. The durable append blocks the sender, so an accepted
// message is never lost; fan-out to the counterpart is fire-and-forget and
// never blocks.
//
// Returns the stored message and whether this send activated the pair.
func (s *Service) Send(ctx context.Context, sessionID, senderID, body, contentType string) (*records.Message, bool, error) {
	if err := ValidateBody(body, contentType); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}

	sess, err := s.registry.GetOwned(ctx, sessionID, senderID)
	if err != nil {
		return nil, false, err
	}

	seq, promoted, err := s.registry.AllocateMessageSeq(ctx, sess)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, false, err
	}

	msg := &records.Message{
		PairID:    sess.Pair,
		Seq:       seq,
		SenderID:  senderID,
		Body:      body,
		Type:      contentType,
		CreatedAt: time.Now(),
	}

	start := time.Now()
	if err := s.records.AppendMessage(ctx, msg); err != nil {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return nil, false, err
	}
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	s.publish(&Event{
		Kind:        EventMessage,
		PairID:      sess.Pair,
		SessionID:   sess.ID,
		SenderID:    senderID,
		Seq:         seq,
		Body:        body,
		ContentType: contentType,
		Ts:          msg.CreatedAt.UnixMilli(),
	})

	s.notifyIfOffline(ctx, sess, senderID)

	return msg, promoted, nil
}

// Typing relays a typing indicator to the counterpart. Best-effort: nothing
// is persisted and a publish failure is only logged. The caller still has to
// be a participant of a live pair.
func (s *Service) Typing(ctx context.Context, sessionID, senderID string, isTyping bool) error {
	sess, err := s.registry.GetOwned(ctx, sessionID, senderID)
	if err != nil {
		return err
	}
	if sess.Pair == "" || sess.Terminal() {
		return chaterr.InvalidStatef("session %s has no live counterpart", sessionID)
	}

	s.publish(&Event{
		Kind:      EventTyping,
		PairID:    sess.Pair,
		SessionID: sess.ID,
		SenderID:  senderID,
		IsTyping:  isTyping,
		Ts:        time.Now().UnixMilli(),
	})
	return nil
}

// Presence announces a participant connecting or disconnecting to the pair
// subject. Sessions survive disconnects, so this is a signal, not a state
// transition.
func (s *Service) Presence(sess *registry.Session, online bool) {
	if sess == nil || sess.Pair == "" {
		return
	}
	s.publish(&Event{
		Kind:      EventPresence,
		PairID:    sess.Pair,
		SessionID: sess.ID,
		SenderID:  sess.Owner,
		Online:    online,
		Ts:        time.Now().UnixMilli(),
	})
}

// Ended announces a pair reaching the terminal state, with its cause.
func (s *Service) Ended(pairID, sessionID, cause string) {
	s.publish(&Event{
		Kind:      EventEnded,
		PairID:    pairID,
		SessionID: sessionID,
		Cause:     cause,
		Ts:        time.Now().UnixMilli(),
	})
}

// publish sends an event on the pair subject, fire-and-forget.
func (s *Service) publish(ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[realtime] marshal %s event: %v", ev.Kind, err)
		return
	}
	if err := s.nats.PublishPairEvent(ev.PairID, data); err != nil {
		log.Printf("[realtime] publish %s on pair %s: %v", ev.Kind, ev.PairID, err)
	}
}

// notifyIfOffline emits a notification-sink event for the counterpart when
// they have no live connection. Push/email delivery itself is out of scope;
// only the event is emitted.
func (s *Service) notifyIfOffline(ctx context.Context, sender *registry.Session, senderID string) {
	if s.online == nil || sender.Peer == "" {
		return
	}
	peer, err := s.registry.Get(ctx, sender.Peer)
	if err != nil {
		return
	}
	if s.online(peer.Owner) {
		return
	}

	data, err := json.Marshal(map[string]interface{}{
		"kind":    "message_waiting",
		"pair_id": sender.Pair,
		"ts":      time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := s.nats.PublishNotify(peer.Owner, data); err != nil {
		log.Printf("[realtime] notify %s: %v", peer.Owner, err)
	}
}
