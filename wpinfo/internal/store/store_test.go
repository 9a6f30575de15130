package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/farahaniamin/WpDetectionBot/dbopen"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(context.Background(), dbopen.OpenMemory(t), WithClock(clk.Now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, clk
}

func TestMigrate(t *testing.T) {
	// WHAT: migrations create every table and record the schema version.
	// WHY: every other primitive depends on the schema being complete.
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, table := range []string{"meta", "events", "cache", "vulns", "vuln_software", "watches", "locks", "user_settings"} {
		var name string
		if err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
	v, err := s.schemaVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v != SchemaVersion {
		t.Fatalf("schema_version = %d, want %d", v, SchemaVersion)
	}

	// Re-running is a no-op.
	if err := s.migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMeta(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.MetaGet(ctx, "missing"); err != nil || ok {
		t.Fatalf("MetaGet(missing) = ok %v, err %v", ok, err)
	}
	if err := s.MetaSet(ctx, "k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MetaSet(ctx, "k", "2"); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := s.MetaGet(ctx, "k"); !ok || v != "2" {
		t.Fatalf("MetaGet(k) = %q, %v", v, ok)
	}
	if err := s.MetaSetMany(ctx, map[string]string{"a": "10", "b": "x"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.MetaGetInt64(ctx, "a"); n != 10 {
		t.Fatalf("MetaGetInt64(a) = %d", n)
	}
	if n, err := s.MetaGetInt64(ctx, "b"); err == nil || n != 0 {
		t.Fatalf("MetaGetInt64(b) = %d, %v; want an error for malformed", n, err)
	}
	if n, err := s.MetaGetInt64(ctx, "missing"); err != nil || n != 0 {
		t.Fatalf("MetaGetInt64(missing) = %d, %v", n, err)
	}
}

func TestCache_ExpiredDeletedOnRead(t *testing.T) {
	// WHAT: an expired entry reads as a miss and the row is removed.
	// WHY: stale fingerprints must never be served.
	s, clk := newTestStore(t)
	ctx := context.Background()

	if err := s.CacheSet(ctx, "https://a.com", []byte(`{"x":1}`), time.Minute); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.CacheGet(ctx, "https://a.com")
	if err != nil || !ok || string(got) != `{"x":1}` {
		t.Fatalf("fresh get = %q, %v, %v", got, ok, err)
	}

	clk.Advance(time.Minute)
	got, ok, err = s.CacheGet(ctx, "https://a.com")
	if err != nil || ok || got != nil {
		t.Fatalf("expired get = %q, %v, %v", got, ok, err)
	}
	var n int
	s.DB.QueryRow(`SELECT COUNT(*) FROM cache`).Scan(&n)
	if n != 0 {
		t.Fatalf("cache rows = %d, want 0", n)
	}
}

func TestCache_PruneAndTrim(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	s.CacheSet(ctx, "https://old.com", []byte("1"), time.Second)
	clk.Advance(time.Second)
	s.CacheSet(ctx, "https://b.com", []byte("2"), time.Hour)
	clk.Advance(time.Second)
	s.CacheSet(ctx, "https://c.com", []byte("3"), time.Hour)
	clk.Advance(time.Second)
	s.CacheSet(ctx, "https://d.com", []byte("4"), time.Hour)

	n, err := s.PruneExpiredCache(ctx)
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v; want 1", n, err)
	}
	n, err = s.TrimCache(ctx, 2)
	if err != nil || n != 1 {
		t.Fatalf("trim = %d, %v; want 1", n, err)
	}
	if _, ok, _ := s.CacheGet(ctx, "https://b.com"); ok {
		t.Fatal("oldest entry survived trim")
	}
	if _, ok, _ := s.CacheGet(ctx, "https://d.com"); !ok {
		t.Fatal("newest entry trimmed")
	}
}

func TestLock_ConcurrentAcquireSingleWinner(t *testing.T) {
	// WHAT: concurrent acquirers with distinct owners get exactly one winner.
	// WHY: the feed job relies on the lock as its only mutual exclusion.
	s, _ := newTestStore(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.TryAcquireLock(ctx, "wordfence_sync", string(rune('a'+i)), time.Minute)
			if err != nil {
				t.Error(err)
			}
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)
	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("winners = %d, want 1", won)
	}
}

func TestLock_TakeoverAfterTTL(t *testing.T) {
	// WHAT: after the TTL lapses a new owner acquires without a release,
	// and the stale owner can no longer release it.
	// WHY: a crashed holder must not wedge the job, and a late release must
	// not free the new owner's lock.
	s, clk := newTestStore(t)
	ctx := context.Background()

	if ok, _ := s.TryAcquireLock(ctx, "l", "old", 10*time.Second); !ok {
		t.Fatal("old owner did not acquire")
	}
	if ok, _ := s.TryAcquireLock(ctx, "l", "new", 10*time.Second); ok {
		t.Fatal("new owner acquired a live lock")
	}
	clk.Advance(10 * time.Second)
	if ok, _ := s.TryAcquireLock(ctx, "l", "new", 10*time.Second); !ok {
		t.Fatal("new owner could not take over an expired lock")
	}
	if released, _ := s.ReleaseLock(ctx, "l", "old"); released {
		t.Fatal("stale owner released the new owner's lock")
	}
	if released, _ := s.ReleaseLock(ctx, "l", "new"); !released {
		t.Fatal("owner could not release its own lock")
	}
	if ok, _ := s.TryAcquireLock(ctx, "l", "third", time.Second); !ok {
		t.Fatal("released lock not acquirable")
	}
}

func TestLock_MinTTL(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	s.TryAcquireLock(ctx, "l", "a", time.Millisecond)
	clk.Advance(500 * time.Millisecond)
	if ok, _ := s.TryAcquireLock(ctx, "l", "b", time.Second); ok {
		t.Fatal("TTL below minimum was not raised")
	}
}

func TestWithLock_ReleasesOnCancelledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	acquired, err := s.WithLock(ctx, "l", "a", time.Minute, func(context.Context) error {
		cancel()
		return nil
	})
	if !acquired || err != nil {
		t.Fatalf("WithLock = %v, %v", acquired, err)
	}
	if ok, _ := s.TryAcquireLock(context.Background(), "l", "b", time.Minute); !ok {
		t.Fatal("lock not released after cancelled run")
	}

	acquired, _ = s.WithLock(context.Background(), "l", "c", time.Minute, func(context.Context) error {
		t.Fatal("fn ran without the lock")
		return nil
	})
	if acquired {
		t.Fatal("acquired a held lock")
	}
}

func TestPruneExpiredLocks(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	s.TryAcquireLock(ctx, "a", "x", time.Second)
	s.TryAcquireLock(ctx, "b", "x", time.Hour)
	clk.Advance(2 * time.Second)
	if n, err := s.PruneExpiredLocks(ctx); err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"critical": SeverityCritical, "HIGH": SeverityHigh, " Medium ": SeverityMedium,
		"low": SeverityLow, "none": SeverityNone, "": SeverityUnknown, "severe": SeverityUnknown,
	}
	for in, want := range cases {
		if got := ParseSeverity(in); got != want {
			t.Errorf("ParseSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeTime(t *testing.T) {
	cases := map[string]string{
		"2024-05-01 10:11:12":       "2024-05-01 10:11:12",
		"2024-05-01T10:11:12Z":      "2024-05-01 10:11:12",
		"2024-05-01T12:11:12+02:00": "2024-05-01 10:11:12",
		"2024-05-01":                "2024-05-01 00:00:00",
		"yesterday":                 "",
		"":                          "",
	}
	for in, want := range cases {
		if got := NormalizeTime(in); got != want {
			t.Errorf("NormalizeTime(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUserSettings_DefaultOn(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	st, err := s.GetUserSettings(ctx, 42)
	if err != nil || !st.NotifyVulns {
		t.Fatalf("default settings = %+v, %v", st, err)
	}
	if _, err := s.SetNotifyVulns(ctx, 42, false); err != nil {
		t.Fatal(err)
	}
	st, _ = s.GetUserSettings(ctx, 42)
	if st.NotifyVulns {
		t.Fatal("toggle off not persisted")
	}
}

func TestEventsAndStats(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	now := clk.Now().UnixMilli()
	old := clk.Now().Add(-10 * 24 * time.Hour).UnixMilli()
	err := s.InsertEvents(ctx, []Event{
		{ID: "e1", TS: now, UserID: 1, Kind: "analyze", OK: true, DurationMs: 100},
		{ID: "e2", TS: now, UserID: 2, Kind: "analyze", OK: false, DurationMs: 300, Error: "boom"},
		{ID: "e3", TS: now, UserID: 1, Kind: "analyze", OK: true, DurationMs: 200},
		{ID: "e4", TS: old, UserID: 3, Kind: "analyze", OK: true, DurationMs: 999},
	})
	if err != nil {
		t.Fatal(err)
	}
	st, err := s.Stats(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.Users != 2 || st.Errors != 1 || st.AvgDurationMs != 200 {
		t.Fatalf("stats = %+v", st)
	}

	n, err := s.PruneEvents(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("pruned = %d, %v", n, err)
	}
	if st, _ := s.Stats(ctx, 30); st.Total != 3 {
		t.Fatalf("after prune total = %d", st.Total)
	}
}
