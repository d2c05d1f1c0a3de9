package matchmaker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/flavourstalk/chat-core/internal/blocklist"
	"github.com/flavourstalk/chat-core/internal/compat"
	"github.com/flavourstalk/chat-core/internal/messaging"
	"github.com/flavourstalk/chat-core/internal/pool"
	"github.com/flavourstalk/chat-core/internal/registry"
)

func entry(id, owner string, interests []string, opts ...func(*pool.Entry)) *pool.Entry {
	e := &pool.Entry{
		SessionID: id,
		Owner:     owner,
		Criteria: compat.Criteria{
			Interests: interests,
			Modality:  compat.ModalityText,
		},
		JoinedAt: time.Unix(1000, 0),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func TestRank_BestScoreFirst(t *testing.T) {
	berlin := func(e *pool.Entry) { e.Criteria.Location = "Berlin" }

	seeker := entry("s1", "alice", []string{"music", "gaming", "art"}, berlin)
	candidates := []*pool.Entry{
		entry("s2", "bob", []string{"music"}, berlin),                   // 0.4/3 + 0.2
		entry("s3", "carol", []string{"music", "gaming"}, berlin),       // 0.8/3 + 0.2
		entry("s4", "dave", []string{"music", "gaming", "art"}, berlin), // 0.4 + 0.2
	}

	ranked := Rank(seeker, candidates)
	if len(ranked) != 3 {
		t.Fatalf("expected 3 eligible candidates, got %d", len(ranked))
	}
	if ranked[0].Entry.SessionID != "s4" {
		t.Errorf("expected s4 ranked first, got %s", ranked[0].Entry.SessionID)
	}
	if ranked[1].Entry.SessionID != "s3" {
		t.Errorf("expected s3 ranked second, got %s", ranked[1].Entry.SessionID)
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].Score > ranked[i-1].Score {
			t.Errorf("ranking not monotone at %d: %.2f > %.2f", i, ranked[i].Score, ranked[i-1].Score)
		}
	}
}

func TestRank_ExcludesSameOwner(t *testing.T) {
	seeker := entry("s1", "alice", []string{"music"})
	candidates := []*pool.Entry{
		entry("s2", "alice", []string{"music"}),
		entry("s3", "bob", []string{"music"}),
	}

	ranked := Rank(seeker, candidates)
	if len(ranked) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(ranked))
	}
	if ranked[0].Entry.Owner == "alice" {
		t.Error("candidate owned by the seeker must not be ranked")
	}
}

func TestRank_ExcludesModalityMismatch(t *testing.T) {
	seeker := entry("s1", "alice", []string{"music"})
	video := entry("s2", "bob", []string{"music"}, func(e *pool.Entry) {
		e.Criteria.Modality = compat.ModalityVideo
	})

	ranked := Rank(seeker, []*pool.Entry{video})
	if len(ranked) != 0 {
		t.Fatalf("expected modality mismatch to be excluded, got %d candidates", len(ranked))
	}
}

func TestRank_ExcludesBelowThreshold(t *testing.T) {
	// One of five interests shared and nothing else: 0.4/5 = 0.08 < 0.3.
	seeker := entry("s1", "alice", []string{"music", "gaming", "art", "film", "books"})
	weak := entry("s2", "bob", []string{"music", "hiking", "cooking", "yoga", "chess"})

	ranked := Rank(seeker, []*pool.Entry{weak})
	if len(ranked) != 0 {
		t.Fatalf("expected below-threshold candidate to be excluded, got %d", len(ranked))
	}
}

func TestRank_TieBreaksOnJoinTime(t *testing.T) {
	seeker := entry("s1", "alice", []string{"music"})
	late := entry("s2", "bob", []string{"music"}, func(e *pool.Entry) {
		e.JoinedAt = time.Unix(2000, 0)
	})
	early := entry("s3", "carol", []string{"music"}, func(e *pool.Entry) {
		e.JoinedAt = time.Unix(500, 0)
	})

	ranked := Rank(seeker, []*pool.Entry{late, early})
	if len(ranked) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(ranked))
	}
	if ranked[0].Entry.SessionID != "s3" {
		t.Errorf("expected earlier joiner ranked first, got %s", ranked[0].Entry.SessionID)
	}
}

// nopRecorder discards write-through updates; the durable record side has its
// own tests.
type nopRecorder struct{}

func (nopRecorder) RecordSessionCreated(context.Context, *registry.Session) error { return nil }
func (nopRecorder) RecordSessionsMatched(context.Context, *registry.Session, *registry.Session) error {
	return nil
}
func (nopRecorder) RecordSessionsActivated(context.Context, string, string) error { return nil }
func (nopRecorder) RecordSessionsEnded(context.Context, []string, time.Time) error {
	return nil
}

// newMatchEnv wires a matcher over a local Redis (DB 11, flushed per test)
// and skips the test when none is available. Records and NATS are nil: the
// exclusion paths under test return before a pairing is committed.
func newMatchEnv(t *testing.T) (*Matcher, *registry.Store, *pool.Index, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 11})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	reg := registry.NewStore(client, nopRecorder{})
	idx := pool.NewIndex(client)
	blocks := blocklist.NewStore(nil, client)
	return NewMatcher(reg, idx, blocks, nil, nil), reg, idx, client
}

func pooledPair(t *testing.T, reg *registry.Store, idx *pool.Index) (seeker, cand *registry.Session) {
	t.Helper()
	ctx := context.Background()
	crit := compat.Criteria{
		Interests: []string{"music", "gaming"},
		Modality:  compat.ModalityText,
	}

	seeker, err := reg.Create(ctx, "alice", crit)
	if err != nil {
		t.Fatalf("create seeker: %v", err)
	}
	cand, err = reg.Create(ctx, "bob", crit)
	if err != nil {
		t.Fatalf("create candidate: %v", err)
	}
	if err := idx.Enqueue(ctx, seeker.ID, seeker.Owner, crit); err != nil {
		t.Fatalf("enqueue seeker: %v", err)
	}
	if err := idx.Enqueue(ctx, cand.ID, cand.Owner, crit); err != nil {
		t.Fatalf("enqueue candidate: %v", err)
	}
	return seeker, cand
}

func TestTryMatch_BlockedCandidateExcluded(t *testing.T) {
	m, reg, idx, client := newMatchEnv(t)
	ctx := context.Background()
	seeker, cand := pooledPair(t, reg, idx)

	if err := client.SAdd(ctx, blocklist.BlockedPrefix+"alice", "bob").Err(); err != nil {
		t.Fatalf("seed block mirror: %v", err)
	}

	match, err := m.TryMatch(ctx, seeker.ID)
	if err != nil {
		t.Fatalf("TryMatch() error: %v", err)
	}
	if match != nil {
		t.Fatalf("a blocked candidate must never be offered, got pair %s", match.ID)
	}

	queued, err := idx.Contains(ctx, cand.ID)
	if err != nil || !queued {
		t.Errorf("excluded candidate must stay pooled, queued=%v err=%v", queued, err)
	}
	got, err := reg.Get(ctx, cand.ID)
	if err != nil || got.State != registry.StateWaiting {
		t.Errorf("excluded candidate mutated: state=%v err=%v", got, err)
	}
}

func TestTryMatch_CandidateWhoBlockedSeekerExcluded(t *testing.T) {
	m, reg, idx, client := newMatchEnv(t)
	ctx := context.Background()
	seeker, _ := pooledPair(t, reg, idx)

	// The block points the other way: bob blocked alice. The exclusion must
	// still hold for alice's scan.
	if err := client.SAdd(ctx, blocklist.BlockedPrefix+"bob", "alice").Err(); err != nil {
		t.Fatalf("seed block mirror: %v", err)
	}

	match, err := m.TryMatch(ctx, seeker.ID)
	if err != nil {
		t.Fatalf("TryMatch() error: %v", err)
	}
	if match != nil {
		t.Fatalf("a candidate who blocked the seeker must never be offered, got pair %s", match.ID)
	}
}

func TestTryMatch_RecentlySkippedExcluded(t *testing.T) {
	m, reg, idx, client := newMatchEnv(t)
	ctx := context.Background()
	seeker, _ := pooledPair(t, reg, idx)

	blocks := blocklist.NewStore(nil, client)
	if err := blocks.RecordSkip(ctx, "bob", "alice"); err != nil {
		t.Fatalf("RecordSkip() error: %v", err)
	}

	match, err := m.TryMatch(ctx, seeker.ID)
	if err != nil {
		t.Fatalf("TryMatch() error: %v", err)
	}
	if match != nil {
		t.Fatalf("a recently skipped pairing must not recur within the window, got pair %s", match.ID)
	}
}

func TestTryMatch_SeekerClaimedAbortsScan(t *testing.T) {
	m, reg, idx, _ := newMatchEnv(t)
	ctx := context.Background()
	seeker, cand := pooledPair(t, reg, idx)

	// A concurrent scan pairs the seeker away while its pool entry is still
	// visible. The stale scan must bail out instead of claiming the
	// remaining candidate.
	other, err := reg.Create(ctx, "carol", compat.Criteria{
		Interests: []string{"music", "gaming"},
		Modality:  compat.ModalityText,
	})
	if err != nil {
		t.Fatalf("create third session: %v", err)
	}
	if err := reg.PairAtomically(ctx, seeker, other, "pair-elsewhere"); err != nil {
		t.Fatalf("PairAtomically() error: %v", err)
	}

	match, err := m.TryMatch(ctx, seeker.ID)
	if err != nil {
		t.Fatalf("TryMatch() error: %v", err)
	}
	if match != nil {
		t.Fatalf("a claimed seeker must not be paired again, got pair %s", match.ID)
	}

	got, err := reg.Get(ctx, cand.ID)
	if err != nil || got.State != registry.StateWaiting {
		t.Errorf("candidate must stay waiting after aborted scan: state=%v err=%v", got, err)
	}
}

// newTestNATS connects to a local NATS server and skips the test when none is
// available.
func newTestNATS(t *testing.T) *messaging.Client {
	t.Helper()
	cfg := messaging.DefaultConfig()
	cfg.Name = "matchmaker-test"
	nc, err := messaging.NewClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestNotifyMatched_ReachesNotificationSink(t *testing.T) {
	nc := newTestNATS(t)
	got := make(chan []byte, 1)
	if err := nc.Subscribe(messaging.SubjectNotify+".carol", func(msg *nats.Msg) {
		got <- msg.Data
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m := NewMatcher(nil, nil, nil, nil, nc)
	m.notifyMatched("carol", "pair-77")

	select {
	case data := <-got:
		var ev struct {
			Kind   string `json:"kind"`
			PairID string `json:"pair_id"`
			TS     int64  `json:"ts"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal notification: %v", err)
		}
		if ev.Kind != "matched" || ev.PairID != "pair-77" {
			t.Errorf("notification = %+v, want kind=matched pair_id=pair-77", ev)
		}
		if ev.TS == 0 {
			t.Error("notification should carry a timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification arrived on the sink subject")
	}
}

func TestRank_SymmetricScores(t *testing.T) {
	other := func(e *pool.Entry) { e.Criteria.Gender = compat.GenderOther }

	a := entry("s1", "alice", []string{"music", "gaming"}, other)
	b := entry("s2", "bob", []string{"gaming", "art", "music"}, other)

	fromA := Rank(a, []*pool.Entry{b})
	fromB := Rank(b, []*pool.Entry{a})
	if len(fromA) != 1 || len(fromB) != 1 {
		t.Fatalf("expected both directions eligible, got %d and %d", len(fromA), len(fromB))
	}
	if fromA[0].Score != fromB[0].Score {
		t.Errorf("score must be symmetric: %.4f vs %.4f", fromA[0].Score, fromB[0].Score)
	}
}
