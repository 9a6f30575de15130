package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_CapsConcurrency(t *testing.T) {
	// WHAT: no more than size functions run at the same time.
	// WHY: analysis admission must cap outbound fan-out.
	p := New(2, 10)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPool_QueueFull(t *testing.T) {
	// WHAT: callers beyond size+queueDepth are rejected immediately.
	// WHY: admission is decoupled from how many requests arrive.
	p := New(1, 1)
	release := make(chan struct{})
	started := make(chan struct{})

	go p.Do(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	go p.Do(context.Background(), func(context.Context) error { return nil })

	deadline := time.Now().Add(time.Second)
	for p.InFlight() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	err := p.Do(context.Background(), func(context.Context) error {
		t.Error("ran while saturated")
		return nil
	})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestPool_ContextWhileWaiting(t *testing.T) {
	p := New(1, 5)
	release := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestPool_PropagatesError(t *testing.T) {
	p := New(1, 0)
	boom := errors.New("boom")
	if err := p.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if p.InFlight() != 0 {
		t.Fatalf("in flight = %d after return", p.InFlight())
	}
}

func TestForEach(t *testing.T) {
	// WHAT: every item is visited once and concurrency never exceeds limit.
	items := []int{1, 2, 3, 4, 5, 6, 7}
	var running, peak atomic.Int32
	var mu sync.Mutex
	seen := map[int]bool{}

	ForEach(context.Background(), 3, items, func(_ context.Context, i int, item int) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen[item] = true
		mu.Unlock()
		if items[i] != item {
			t.Errorf("index mismatch %d/%d", i, item)
		}
	})
	if len(seen) != len(items) {
		t.Fatalf("visited %d of %d", len(seen), len(items))
	}
	if peak.Load() > 3 {
		t.Fatalf("peak = %d", peak.Load())
	}
}

func TestForEach_Empty(t *testing.T) {
	ForEach(context.Background(), 3, []string(nil), func(context.Context, int, string) {
		t.Fatal("called on empty input")
	})
}
