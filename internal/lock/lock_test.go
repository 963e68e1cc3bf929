package lock

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/kv"
)

func newTestProvider(t *testing.T) (*Provider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProvider(kv.NewRedisStore(client), logger).WithPollInterval(5 * time.Millisecond), mr
}

func TestTryAcquireIsExclusive(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	a, err := p.TryAcquire(ctx, "lock:reconcile:sweep", time.Minute)
	if err != nil || a == nil {
		t.Fatalf("instance A should acquire: %v, %v", a, err)
	}
	b, err := p.TryAcquire(ctx, "lock:reconcile:sweep", time.Minute)
	if err != nil {
		t.Fatalf("instance B TryAcquire error: %v", err)
	}
	if b != nil {
		t.Fatal("instance B must not acquire a held lock")
	}
	locked, err := p.IsLocked(ctx, "lock:reconcile:sweep")
	if err != nil || !locked {
		t.Fatalf("IsLocked = %v, %v", locked, err)
	}
}

func TestReleaseRequiresMatchingOwner(t *testing.T) {
	p, mr := newTestProvider(t)
	ctx := context.Background()

	stale, err := p.TryAcquire(ctx, "lock:k", time.Second)
	if err != nil || stale == nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := p.TryAcquire(ctx, "lock:k", time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("reacquire after expiry: %v, %v", fresh, err)
	}

	released, err := p.Release(ctx, stale)
	if err != nil {
		t.Fatalf("Release stale: %v", err)
	}
	if released {
		t.Fatal("former owner must not release a reassigned lock")
	}
	if locked, _ := p.IsLocked(ctx, "lock:k"); !locked {
		t.Fatal("lock of the new owner was removed")
	}

	released, err = p.Release(ctx, fresh)
	if err != nil || !released {
		t.Fatalf("Release fresh = %v, %v", released, err)
	}
	if locked, _ := p.IsLocked(ctx, "lock:k"); locked {
		t.Fatal("lock should be free after release")
	}
}

func TestAcquireWaitsUntilReleased(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	held, _ := p.TryAcquire(ctx, "lock:k", time.Minute)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = p.Release(ctx, held)
	}()

	h, err := p.Acquire(ctx, "lock:k", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h == nil {
		t.Fatal("Acquire should succeed once the holder releases")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	_, _ = p.TryAcquire(ctx, "lock:k", time.Minute)
	start := time.Now()
	h, err := p.Acquire(ctx, "lock:k", time.Minute, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h != nil {
		t.Fatal("Acquire must return nil on timeout")
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Fatal("Acquire returned before timeout elapsed")
	}
}

func TestConcurrentTryAcquireSingleWinner(t *testing.T) {
	p, _ := newTestProvider(t)
	ctx := context.Background()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.TryAcquire(ctx, "lock:race", time.Minute)
			if err == nil && h != nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestTryAcquireValidatesArguments(t *testing.T) {
	p, _ := newTestProvider(t)
	if _, err := p.TryAcquire(context.Background(), "", time.Minute); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := p.TryAcquire(context.Background(), "k", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}
