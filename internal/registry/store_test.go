package registry

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flavourstalk/chat-core/internal/chaterr"
	"github.com/flavourstalk/chat-core/internal/compat"
)

// nopRecorder discards write-through updates; the durable record side has its
// own tests.
type nopRecorder struct{}

func (nopRecorder) RecordSessionCreated(context.Context, *Session) error          { return nil }
func (nopRecorder) RecordSessionsMatched(context.Context, *Session, *Session) error { return nil }
func (nopRecorder) RecordSessionsActivated(context.Context, string, string) error { return nil }
func (nopRecorder) RecordSessionsEnded(context.Context, []string, time.Time) error {
	return nil
}

// newTestStore connects to a local Redis (DB 15, flushed per test) and skips
// the test when none is available.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
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
	return NewStore(client, nopRecorder{})
}

func testCriteria() compat.Criteria {
	return compat.Criteria{
		Interests: []string{"music", "gaming"},
		Modality:  compat.ModalityText,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-a", testCriteria())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if sess.State != StateWaiting {
		t.Errorf("new session state = %q, want %q", sess.State, StateWaiting)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Owner != "user-a" {
		t.Errorf("owner = %q, want user-a", got.Owner)
	}
	if len(got.Criteria.Interests) != 2 {
		t.Errorf("interests = %v, want 2 entries", got.Criteria.Interests)
	}
	if got.Peer != "" || got.Pair != "" {
		t.Errorf("fresh session should have no counterpart links, got peer=%q pair=%q", got.Peer, got.Pair)
	}
}

func TestGet_Unknown(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-session")
	if chaterr.CodeOf(err) != chaterr.CodeNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestGetOwned_WrongUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-a", testCriteria())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	_, err = store.GetOwned(ctx, sess.ID, "user-b")
	if chaterr.CodeOf(err) != chaterr.CodeUnauthorized {
		t.Errorf("expected unauthorized, got %v", err)
	}
}

func TestActiveForUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.ActiveForUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("ActiveForUser() error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no active session, got %v", got)
	}

	sess, err := store.Create(ctx, "user-a", testCriteria())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err = store.ActiveForUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("ActiveForUser() error: %v", err)
	}
	if got == nil || got.ID != sess.ID {
		t.Fatalf("expected active session %s, got %v", sess.ID, got)
	}

	if _, err := store.End(ctx, sess); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	got, err = store.ActiveForUser(ctx, "user-a")
	if err != nil {
		t.Fatalf("ActiveForUser() error: %v", err)
	}
	if got != nil {
		t.Errorf("ended session should not count as active, got %v", got)
	}
}

func TestPairAtomically_LinksSymmetric(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Create(ctx, "user-a", testCriteria())
	b, _ := store.Create(ctx, "user-b", testCriteria())

	if err := store.PairAtomically(ctx, a, b, "pair-1"); err != nil {
		t.Fatalf("PairAtomically() error: %v", err)
	}

	gotA, _ := store.Get(ctx, a.ID)
	gotB, _ := store.Get(ctx, b.ID)

	if gotA.State != StateMatched || gotB.State != StateMatched {
		t.Errorf("states = %q/%q, want matched/matched", gotA.State, gotB.State)
	}
	if gotA.Peer != b.ID || gotB.Peer != a.ID {
		t.Errorf("counterpart links not symmetric: a.peer=%q b.peer=%q", gotA.Peer, gotB.Peer)
	}
	if gotA.Pair != "pair-1" || gotB.Pair != "pair-1" {
		t.Errorf("pair ids = %q/%q, want pair-1", gotA.Pair, gotB.Pair)
	}
	if gotA.MatchedAt.IsZero() || gotB.MatchedAt.IsZero() {
		t.Error("matched_at should be set on both sides")
	}
}

func TestPairAtomically_Conflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Create(ctx, "user-a", testCriteria())
	b, _ := store.Create(ctx, "user-b", testCriteria())
	c, _ := store.Create(ctx, "user-c", testCriteria())

	if err := store.PairAtomically(ctx, a, b, "pair-1"); err != nil {
		t.Fatalf("first pairing error: %v", err)
	}

	// a is already claimed; a second pairing attempt must fail and leave c
	// untouched.
	err := store.PairAtomically(ctx, c, &Session{ID: a.ID}, "pair-2")
	if chaterr.CodeOf(err) != chaterr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	gotC, _ := store.Get(ctx, c.ID)
	if gotC.State != StateWaiting || gotC.Pair != "" {
		t.Errorf("losing candidate mutated: state=%q pair=%q", gotC.State, gotC.Pair)
	}
}

func TestPairAtomically_ClaimedSessionIdentified(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Create(ctx, "user-a", testCriteria())
	b, _ := store.Create(ctx, "user-b", testCriteria())
	c, _ := store.Create(ctx, "user-c", testCriteria())
	if err := store.PairAtomically(ctx, a, b, "pair-1"); err != nil {
		t.Fatalf("first pairing error: %v", err)
	}

	// Whichever side of the new attempt is already claimed must be named in
	// the conflict, regardless of the internal key ordering.
	err := store.PairAtomically(ctx, c, &Session{ID: a.ID}, "pair-2")
	if chaterr.CodeOf(err) != chaterr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := ClaimedSession(err); got != a.ID {
		t.Errorf("ClaimedSession() = %q, want %q", got, a.ID)
	}

	err = store.PairAtomically(ctx, &Session{ID: b.ID}, c, "pair-3")
	if chaterr.CodeOf(err) != chaterr.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := ClaimedSession(err); got != b.ID {
		t.Errorf("ClaimedSession() = %q, want %q", got, b.ID)
	}

	if got := ClaimedSession(chaterr.Conflictf("generic")); got != "" {
		t.Errorf("ClaimedSession() on a plain conflict = %q, want empty", got)
	}
}

func TestEnd_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess, _ := store.Create(ctx, "user-a", testCriteria())

	already, err := store.End(ctx, sess)
	if err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if already {
		t.Error("first End() should report alreadyEnded=false")
	}

	already, err = store.End(ctx, sess)
	if err != nil {
		t.Fatalf("second End() error: %v", err)
	}
	if !already {
		t.Error("second End() should report alreadyEnded=true")
	}
}

func TestEndPair_EndsBoth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Create(ctx, "user-a", testCriteria())
	b, _ := store.Create(ctx, "user-b", testCriteria())
	if err := store.PairAtomically(ctx, a, b, "pair-1"); err != nil {
		t.Fatalf("PairAtomically() error: %v", err)
	}

	if _, err := store.End(ctx, a); err != nil {
		t.Fatalf("End() error: %v", err)
	}

	gotA, _ := store.Get(ctx, a.ID)
	gotB, _ := store.Get(ctx, b.ID)
	if gotA.State != StateEnded || gotB.State != StateEnded {
		t.Errorf("states = %q/%q, want ended/ended", gotA.State, gotB.State)
	}
}

func TestAllocateMessageSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	solo, _ := store.Create(ctx, "user-solo", testCriteria())
	if _, _, err := store.AllocateMessageSeq(ctx, solo); chaterr.CodeOf(err) != chaterr.CodeInvalidState {
		t.Errorf("unpaired session: expected invalid_state, got %v", err)
	}

	a, _ := store.Create(ctx, "user-a", testCriteria())
	b, _ := store.Create(ctx, "user-b", testCriteria())
	if err := store.PairAtomically(ctx, a, b, "pair-1"); err != nil {
		t.Fatalf("PairAtomically() error: %v", err)
	}

	seq, promoted, err := store.AllocateMessageSeq(ctx, a)
	if err != nil {
		t.Fatalf("AllocateMessageSeq() error: %v", err)
	}
	if seq != 1 {
		t.Errorf("first seq = %d, want 1", seq)
	}
	if !promoted {
		t.Error("first message should promote the pair to active")
	}

	gotB, _ := store.Get(ctx, b.ID)
	if gotB.State != StateActive {
		t.Errorf("counterpart state = %q, want active after promotion", gotB.State)
	}

	seq, promoted, err = store.AllocateMessageSeq(ctx, gotB)
	if err != nil {
		t.Fatalf("AllocateMessageSeq() error: %v", err)
	}
	if seq != 2 {
		t.Errorf("second seq = %d, want 2", seq)
	}
	if promoted {
		t.Error("second message should not promote again")
	}

	if _, err := store.End(ctx, a); err != nil {
		t.Fatalf("End() error: %v", err)
	}
	if _, _, err := store.AllocateMessageSeq(ctx, a); chaterr.CodeOf(err) != chaterr.CodeInvalidState {
		t.Errorf("ended session: expected invalid_state, got %v", err)
	}
}

func TestAllocateMessageSeq_MissingPeerNotRecreated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, _ := store.Create(ctx, "user-a", testCriteria())
	b, _ := store.Create(ctx, "user-b", testCriteria())
	if err := store.PairAtomically(ctx, a, b, "pair-1"); err != nil {
		t.Fatalf("PairAtomically() error: %v", err)
	}

	// Simulate the counterpart hash having expired: the promotion must still
	// go through for the sender without writing a stray hash under the
	// vanished key.
	sender, _ := store.Get(ctx, a.ID)
	sender.Peer = "vanished-peer"

	seq, promoted, err := store.AllocateMessageSeq(ctx, sender)
	if err != nil {
		t.Fatalf("AllocateMessageSeq() error: %v", err)
	}
	if seq != 1 || !promoted {
		t.Errorf("seq=%d promoted=%v, want 1/true", seq, promoted)
	}

	if _, err := store.Get(ctx, "vanished-peer"); chaterr.CodeOf(err) != chaterr.CodeNotFound {
		t.Errorf("expired counterpart key must stay absent, got %v", err)
	}
}
