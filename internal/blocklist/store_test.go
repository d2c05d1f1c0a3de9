package blocklist

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// newTestStore connects to a local Redis (DB 12, flushed per test) and skips
// the test when none is available. The Postgres side is nil: mirror reads and
// skip bookkeeping never touch the durable store.
func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 12})
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
	return NewStore(nil, client), client
}

func TestExcluded_EitherDirectionSuppresses(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	// Seed the mirror the way Block and LoadMirror do: a directional record
	// of user-a blocking user-b.
	if err := client.SAdd(ctx, BlockedPrefix+"user-a", "user-b").Err(); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	for _, tc := range []struct {
		a, b string
	}{
		{"user-a", "user-b"},
		{"user-b", "user-a"},
	} {
		excluded, err := store.Excluded(ctx, tc.a, tc.b)
		if err != nil {
			t.Fatalf("Excluded(%s, %s) error: %v", tc.a, tc.b, err)
		}
		if !excluded {
			t.Errorf("Excluded(%s, %s) = false, a one-way block must suppress both directions", tc.a, tc.b)
		}
	}

	excluded, err := store.Excluded(ctx, "user-a", "user-c")
	if err != nil {
		t.Fatalf("Excluded() error: %v", err)
	}
	if excluded {
		t.Error("unrelated users must not be excluded")
	}
}

func TestHasBlocked_Directional(t *testing.T) {
	store, client := newTestStore(t)
	ctx := context.Background()

	if err := client.SAdd(ctx, BlockedPrefix+"user-a", "user-b").Err(); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}

	got, err := store.HasBlocked(ctx, "user-a", "user-b")
	if err != nil || !got {
		t.Errorf("HasBlocked(a, b) = %v, %v, want true", got, err)
	}
	got, err = store.HasBlocked(ctx, "user-b", "user-a")
	if err != nil || got {
		t.Errorf("HasBlocked(b, a) = %v, %v, blocking is directional", got, err)
	}
}

func TestRecordSkip_SuppressesBothDirections(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.RecordSkip(ctx, "user-a", "user-b"); err != nil {
		t.Fatalf("RecordSkip() error: %v", err)
	}

	for _, tc := range []struct {
		a, b string
	}{
		{"user-a", "user-b"},
		{"user-b", "user-a"},
	} {
		skipped, err := store.RecentlySkipped(ctx, tc.a, tc.b)
		if err != nil {
			t.Fatalf("RecentlySkipped(%s, %s) error: %v", tc.a, tc.b, err)
		}
		if !skipped {
			t.Errorf("RecentlySkipped(%s, %s) = false, want true within the window", tc.a, tc.b)
		}
	}

	n, err := store.SkipCount(ctx, "user-a")
	if err != nil || n != 1 {
		t.Errorf("SkipCount(user-a) = %d, %v, want 1", n, err)
	}
	n, err = store.SkipCount(ctx, "user-b")
	if err != nil || n != 0 {
		t.Errorf("SkipCount(user-b) = %d, %v, the skipped side gets no count", n, err)
	}
}

func TestSkipKey_OrderIndependent(t *testing.T) {
	k1 := skipKey("user-a", "user-b")
	k2 := skipKey("user-b", "user-a")
	if k1 != k2 {
		t.Errorf("skip keys should be identical regardless of order: %s, %s", k1, k2)
	}
}

func TestSkipKey_DifferentPairs(t *testing.T) {
	k1 := skipKey("user-a", "user-b")
	k2 := skipKey("user-a", "user-c")
	if k1 == k2 {
		t.Errorf("different pairings should produce different keys: %s", k1)
	}
}
