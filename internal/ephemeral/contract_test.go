package ephemeral

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// runStoreContract exercises the behaviour every backend must share.
// advance moves the backend's clock forward.
func runStoreContract(t *testing.T, store Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	t.Run("get set delete", func(t *testing.T) {
		if _, err := store.Get(ctx, "k:missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := store.Set(ctx, "k:one", "v1", time.Minute); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		value, err := store.Get(ctx, "k:one")
		if err != nil || value != "v1" {
			t.Fatalf("expected v1, got %q (%v)", value, err)
		}
		if err := store.Delete(ctx, "k:one"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if _, err := store.Get(ctx, "k:one"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("value expiry", func(t *testing.T) {
		if err := store.Set(ctx, "k:ttl", "v", 2*time.Second); err != nil {
			t.Fatalf("set failed: %v", err)
		}
		advance(3 * time.Second)
		if _, err := store.Get(ctx, "k:ttl"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected expired key to be gone, got %v", err)
		}
	})

	t.Run("lease", func(t *testing.T) {
		granted, holder, err := store.SetIfAbsentOrEqual(ctx, "lock:doc", "alice", 10*time.Second)
		if err != nil || !granted || holder != "alice" {
			t.Fatalf("expected alice granted, got granted=%v holder=%q err=%v", granted, holder, err)
		}
		granted, holder, err = store.SetIfAbsentOrEqual(ctx, "lock:doc", "alice", 10*time.Second)
		if err != nil || !granted || holder != "alice" {
			t.Fatalf("expected refresh for alice, got granted=%v holder=%q err=%v", granted, holder, err)
		}
		granted, holder, err = store.SetIfAbsentOrEqual(ctx, "lock:doc", "bob", 10*time.Second)
		if err != nil || granted || holder != "alice" {
			t.Fatalf("expected bob denied with holder alice, got granted=%v holder=%q err=%v", granted, holder, err)
		}
		deleted, err := store.DeleteIfEqual(ctx, "lock:doc", "bob")
		if err != nil || deleted {
			t.Fatalf("expected non-holder release to be a no-op, got deleted=%v err=%v", deleted, err)
		}
		advance(11 * time.Second)
		granted, holder, err = store.SetIfAbsentOrEqual(ctx, "lock:doc", "bob", 10*time.Second)
		if err != nil || !granted || holder != "bob" {
			t.Fatalf("expected bob granted after expiry, got granted=%v holder=%q err=%v", granted, holder, err)
		}
		deleted, err = store.DeleteIfEqual(ctx, "lock:doc", "bob")
		if err != nil || !deleted {
			t.Fatalf("expected holder release, got deleted=%v err=%v", deleted, err)
		}
	})

	t.Run("contended lease has one winner", func(t *testing.T) {
		var wins int32
		var wg sync.WaitGroup
		for _, user := range []string{"u1", "u2", "u3", "u4"} {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				granted, _, err := store.SetIfAbsentOrEqual(ctx, "lock:contended", user, time.Minute)
				if err != nil {
					t.Errorf("lease failed: %v", err)
					return
				}
				if granted {
					atomic.AddInt32(&wins, 1)
				}
			}(user)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("list push trims and ranges", func(t *testing.T) {
		for _, v := range []string{"a", "b", "c", "d"} {
			if err := store.ListPush(ctx, "list:recent", v, 3, time.Hour); err != nil {
				t.Fatalf("push failed: %v", err)
			}
		}
		items, err := store.ListRange(ctx, "list:recent", 0, -1)
		if err != nil {
			t.Fatalf("range failed: %v", err)
		}
		if len(items) != 3 || items[0] != "d" || items[2] != "b" {
			t.Fatalf("expected [d c b], got %v", items)
		}
		items, err = store.ListRange(ctx, "list:recent", 0, 0)
		if err != nil || len(items) != 1 || items[0] != "d" {
			t.Fatalf("expected [d], got %v (%v)", items, err)
		}
		if err := store.ListReplace(ctx, "list:recent", []string{"x", "y"}, time.Hour); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		items, err = store.ListRange(ctx, "list:recent", 0, -1)
		if err != nil || len(items) != 2 || items[0] != "x" || items[1] != "y" {
			t.Fatalf("expected [x y], got %v (%v)", items, err)
		}
		items, err = store.ListRange(ctx, "list:absent", 0, -1)
		if err != nil || len(items) != 0 {
			t.Fatalf("expected empty list, got %v (%v)", items, err)
		}
	})

	t.Run("list expiry", func(t *testing.T) {
		if err := store.ListPush(ctx, "list:short", "a", 10, time.Second); err != nil {
			t.Fatalf("push failed: %v", err)
		}
		advance(2 * time.Second)
		items, err := store.ListRange(ctx, "list:short", 0, -1)
		if err != nil || len(items) != 0 {
			t.Fatalf("expected expired list to be empty, got %v (%v)", items, err)
		}
	})

	t.Run("delete pattern", func(t *testing.T) {
		_ = store.Set(ctx, "changes:document:1", "v", 0)
		_ = store.ListPush(ctx, "changes:document:2", "v", 0, 0)
		_ = store.Set(ctx, "lock:document:1", "v", 0)
		deleted, err := store.DeletePattern(ctx, "changes:document:*")
		if err != nil {
			t.Fatalf("delete pattern failed: %v", err)
		}
		if deleted != 2 {
			t.Fatalf("expected 2 deleted keys, got %d", deleted)
		}
		if _, err := store.Get(ctx, "lock:document:1"); err != nil {
			t.Fatalf("expected unrelated key to survive, got %v", err)
		}
	})

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
