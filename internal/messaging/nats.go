// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the chat gateway and the matchmaker. It handles connection
// lifecycle, subject-based subscriptions, and convenience methods for the
// matchmaking and per-pair chat channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns. Pair subjects are scoped by pair id so a session's
// events are only ever observable to subscribers of that one pair.
const (
	SubjectMatchRequest = "match.request"
	SubjectMatchCancel  = "match.cancel"
	SubjectMatchFound   = "match.found" // + .<session_id>
	SubjectPair         = "pair"        // + .<pair_id>
	SubjectNotify       = "notify"      // + .<user_id> (notification sink)
)

// Client wraps the NATS connection with helper methods for pub/sub.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "flavourstalk",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// PublishMatchRequest publishes a matchmaking request from the gateway.
func (c *Client) PublishMatchRequest(data []byte) error {
	return c.Publish(SubjectMatchRequest, data)
}

// PublishMatchCancel publishes a matchmaking cancellation.
func (c *Client) PublishMatchCancel(data []byte) error {
	return c.Publish(SubjectMatchCancel, data)
}

// SubscribeMatchRequest subscribes the matchmaker to incoming requests.
func (c *Client) SubscribeMatchRequest(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchRequest, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeMatchCancel subscribes the matchmaker to cancellations.
func (c *Client) SubscribeMatchCancel(handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchCancel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMatchFound publishes a match result to one session's owner.
func (c *Client) PublishMatchFound(sessionID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+sessionID, data)
}

// SubscribeMatchFound subscribes to match results for a specific session.
func (c *Client) SubscribeMatchFound(sessionID string, handler func(data []byte)) error {
	subject := SubjectMatchFound + "." + sessionID
	return c.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchFound drops the match-result subscription for a session.
func (c *Client) UnsubscribeMatchFound(sessionID string) error {
	return c.unsubscribe(SubjectMatchFound + "." + sessionID)
}

// PublishPairEvent publishes a chat or lifecycle event on the pair channel.
func (c *Client) PublishPairEvent(pairID string, data []byte) error {
	return c.Publish(SubjectPair+"."+pairID, data)
}

// SubscribeToPair subscribes a session to its pair's event channel. The
// subscription is keyed by session id so both participants on the same
// gateway can subscribe to the same pair without overwriting each other.
func (c *Client) SubscribeToPair(pairID, sessionID string, handler func(data []byte)) error {
	subject := SubjectPair + "." + pairID
	key := "pairsub:" + sessionID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeFromPair drops a session's pair subscription.
func (c *Client) UnsubscribeFromPair(sessionID string) error {
	return c.unsubscribe("pairsub:" + sessionID)
}

// PublishNotify emits a notification-sink event for a user. Delivery is
// fire-and-forget: an external notification service may pick it up, and the
// core never waits for it.
func (c *Client) PublishNotify(userID string, data []byte) error {
	return c.Publish(SubjectNotify+"."+userID, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a stored subscription.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
