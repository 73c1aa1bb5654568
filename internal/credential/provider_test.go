package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubSource struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (s *stubSource) FetchToken(ctx context.Context, identity, room string) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return "", s.err
	}
	return "tok-" + identity + "-" + room, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestGetCredential_CacheHitWithinTTL(t *testing.T) {
	src := &stubSource{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	p := NewProvider(src, NewCache(time.Hour, clk.Now), nil)

	for i := 0; i < 2; i++ {
		tok, err := p.GetCredential(context.Background(), "a@x.com", "r1")
		if err != nil {
			t.Fatalf("GetCredential: %v", err)
		}
		if tok != "tok-a@x.com-r1" {
			t.Fatalf("unexpected token %q", tok)
		}
	}
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected 1 network request, got %d", got)
	}
}

func TestGetCredential_ExpiryRefetches(t *testing.T) {
	src := &stubSource{}
	clk := &fakeClock{now: time.Unix(1000, 0)}
	p := NewProvider(src, NewCache(time.Hour, clk.Now), nil)

	_, _ = p.GetCredential(context.Background(), "a", "r1")
	clk.Advance(59 * time.Minute)
	_, _ = p.GetCredential(context.Background(), "a", "r1")
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected cached token before expiry, got %d requests", got)
	}
	clk.Advance(time.Minute)
	_, _ = p.GetCredential(context.Background(), "a", "r1")
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected refetch at expiry, got %d requests", got)
	}
}

func TestGetCredential_KeyedByIdentityAndRoom(t *testing.T) {
	src := &stubSource{}
	p := NewProvider(src, nil, nil)
	ctx := context.Background()

	_, _ = p.GetCredential(ctx, "a", "r1")
	_, _ = p.GetCredential(ctx, "b", "r1")
	_, _ = p.GetCredential(ctx, "a", "r2")
	if got := src.calls.Load(); got != 3 {
		t.Fatalf("expected 3 distinct fetches, got %d", got)
	}
}

func TestGetCredential_FailurePropagates(t *testing.T) {
	boom := errors.New("503")
	src := &stubSource{err: boom}
	p := NewProvider(src, nil, nil)

	_, err := p.GetCredential(context.Background(), "a", "r1")
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !errors.Is(err, boom) || fe.Room != "r1" {
		t.Fatalf("unexpected error %+v", fe)
	}
	if p.Cache().Len() != 0 {
		t.Fatalf("expected failure not to be cached")
	}
	_, _ = p.GetCredential(context.Background(), "a", "r1")
	if got := src.calls.Load(); got != 2 {
		t.Fatalf("expected each call to hit the network after failure, got %d", got)
	}
}

func TestGetCredential_ConcurrentMissesShareFetch(t *testing.T) {
	src := &stubSource{delay: 50 * time.Millisecond}
	p := NewProvider(src, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.GetCredential(context.Background(), "a", "r1"); err != nil {
				t.Errorf("GetCredential: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := src.calls.Load(); got != 1 {
		t.Fatalf("expected 1 shared fetch, got %d", got)
	}
}

func TestGetCredential_RejectsEmptyArgs(t *testing.T) {
	p := NewProvider(&stubSource{}, nil, nil)
	if _, err := p.GetCredential(context.Background(), "", "r1"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestCache_Sweep(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := NewCache(time.Minute, clk.Now)
	c.Put("a", "r1", "t1")
	clk.Advance(30 * time.Second)
	c.Put("b", "r1", "t2")
	clk.Advance(45 * time.Second)

	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept, got %d", n)
	}
	if _, ok := c.Get("b", "r1"); !ok {
		t.Fatalf("expected fresh entry kept")
	}
	c.Invalidate("b", "r1")
	if c.Len() != 0 {
		t.Fatalf("expected empty cache")
	}
}
