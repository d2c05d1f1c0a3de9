package matchmaker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/messaging"
	"github.com/flavourstalk/chat-core/internal/metrics"
	"github.com/flavourstalk/chat-core/internal/pool"
	"github.com/flavourstalk/chat-core/internal/registry"
)

// Config tunes the background scan loop.
type Config struct {
	ScanInterval    time.Duration // how often the pool is rescanned
	WaitTimeout     time.Duration // max time a session waits before no_match
	CleanupInterval time.Duration // how often stale entries are purged
}

// DefaultConfig returns the production scan settings.
func DefaultConfig() Config {
	return Config{
		ScanInterval:    2 * time.Second,
		WaitTimeout:     30 * time.Second,
		CleanupInterval: 15 * time.Second,
	}
}

// Service is the background matchmaking service. It consumes match requests
// and cancellations from NATS and periodically rescans the pool so sessions
// that found no candidate on arrival still get paired when one shows up.
type Service struct {
	matcher  *Matcher
	registry *registry.Store
	pool     *pool.Index
	nats     *messaging.Client
	cfg      Config
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewService creates a matchmaking service.
func NewService(matcher *Matcher, reg *registry.Store, idx *pool.Index, nc *messaging.Client, cfg Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		matcher:  matcher,
		registry: reg,
		pool:     idx,
		nats:     nc,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to NATS subjects and starts the scan and cleanup loops.
func (s *Service) Start() error {
	if err := s.nats.SubscribeMatchRequest(s.handleRequest); err != nil {
		return err
	}
	if err := s.nats.SubscribeMatchCancel(s.handleCancel); err != nil {
		return err
	}

	go s.scanLoop()
	go s.cleanupLoop()

	log.Println("[matchmaker] service started")
	return nil
}

// Stop gracefully shuts down the service.
func (s *Service) Stop() {
	s.cancel()
	log.Println("[matchmaker] service stopped")
}

func (s *Service) handleRequest(data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matchmaker] invalid match request: %v", err)
		return
	}

	if err := s.matcher.Enqueue(s.ctx, req.SessionID, req.UserID); err != nil {
		log.Printf("[matchmaker] enqueue %s: %v", req.SessionID, err)
		return
	}

	// Try immediately; the scan loop covers whoever arrives later.
	if _, err := s.matcher.TryMatch(s.ctx, req.SessionID); err != nil {
		log.Printf("[matchmaker] match attempt %s: %v", req.SessionID, err)
	}
}

func (s *Service) handleCancel(data []byte) {
	var req CancelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("[matchmaker] invalid cancel request: %v", err)
		return
	}

	if err := s.matcher.Cancel(s.ctx, req.SessionID, req.UserID); err != nil {
		log.Printf("[matchmaker] cancel %s: %v", req.SessionID, err)
	}
}

// scanLoop rescans the pool on a fixed interval, pairing whoever became
// compatible and expiring whoever waited too long.
func (s *Service) scanLoop() {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matchmaker] scan loop stopped")
			return
		case <-ticker.C:
			s.scanPool()
		}
	}
}

func (s *Service) scanPool() {
	ctx := s.ctx
	ids, err := s.pool.All(ctx)
	if err != nil {
		log.Printf("[matchmaker] scan: list pool: %v", err)
		return
	}
	metrics.WaitingPoolSize.Set(float64(len(ids)))

	now := time.Now()
	for _, id := range ids {
		// Re-check: the session may have been paired earlier in this cycle.
		queued, err := s.pool.Contains(ctx, id)
		if err != nil || !queued {
			continue
		}
		entry, err := s.pool.Entry(ctx, id)
		if err != nil || entry == nil {
			continue
		}

		if entry.WaitingFor(now) >= s.cfg.WaitTimeout {
			s.expire(ctx, id)
			continue
		}

		if _, err := s.matcher.TryMatch(ctx, id); err != nil {
			log.Printf("[matchmaker] scan: match %s: %v", id, err)
		}
	}
}

// expire removes a timed-out session from the pool, ends it, and notifies
// the owner that no match was found.
func (s *Service) expire(ctx context.Context, sessionID string) {
	if err := s.pool.Dequeue(ctx, sessionID); err != nil {
		log.Printf("[matchmaker] expire dequeue %s: %v", sessionID, err)
	}

	sess, err := s.registry.Get(ctx, sessionID)
	if err == nil {
		if _, err := s.registry.End(ctx, sess); err != nil {
			log.Printf("[matchmaker] expire end %s: %v", sessionID, err)
		}
	}

	if err := s.matcher.announceTimeout(sessionID); err != nil {
		log.Printf("[matchmaker] publish timeout for %s: %v", sessionID, err)
	}

	metrics.MatchAttemptsTotal.WithLabelValues("timeout").Inc()
	metrics.SessionsEndedTotal.WithLabelValues("timeout").Inc()
	log.Printf("[matchmaker] wait timeout for session=%s", sessionID)
}

// cleanupLoop purges pool entries whose sessions vanished or left the
// waiting state behind the pool's back (gateway crash, Redis expiry).
func (s *Service) cleanupLoop() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Println("[matchmaker] cleanup loop stopped")
			return
		case <-ticker.C:
			s.cleanStaleEntries()
		}
	}
}

func (s *Service) cleanStaleEntries() {
	ctx := s.ctx
	ids, err := s.pool.All(ctx)
	if err != nil {
		log.Printf("[matchmaker] cleanup: list pool: %v", err)
		return
	}

	removed := 0
	for _, id := range ids {
		sess, err := s.registry.Get(ctx, id)
		if err != nil {
			if chaterr.CodeOf(err) != chaterr.CodeNotFound {
				continue
			}
		}
		if sess != nil && sess.State == registry.StateWaiting {
			continue
		}
		if err := s.pool.Dequeue(ctx, id); err != nil {
			log.Printf("[matchmaker] cleanup: dequeue %s: %v", id, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Printf("[matchmaker] cleanup: removed %d stale entries", removed)
	}
}
