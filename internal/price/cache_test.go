package price

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedQuoter struct {
	mu    sync.Mutex
	price float64
	err   error
	calls atomic.Int32
}

func (q *scriptedQuoter) set(price float64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.price, q.err = price, err
}

func (q *scriptedQuoter) Quote(ctx context.Context) (float64, error) {
	q.calls.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.price, q.err
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestRefreshStoresPriceAndTimestamp(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	q := &scriptedQuoter{price: 0.42}
	c := NewCache(q, WithClock(fixedClock(at)))

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	s, err := c.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if s.Price != 0.42 || !s.LastUpdated.Equal(at) {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := first
	q := &scriptedQuoter{price: 0.5}
	c := NewCache(q, WithClock(func() time.Time { return clock }))

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock = first.Add(time.Minute)
	q.set(0, errors.New("quote source down"))
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	s, err := c.Current(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Price != 0.5 || !s.LastUpdated.Equal(first) {
		t.Fatalf("stale snapshot changed: %+v", s)
	}
}

func TestRefreshRejectsNonPositivePrice(t *testing.T) {
	c := NewCache(&scriptedQuoter{price: 0})
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected error for zero price")
	}
	if _, ok := c.Peek(); ok {
		t.Fatal("zero price must not populate the cache")
	}
}

func TestCurrentUnavailableWhenEmptyAndFetchFails(t *testing.T) {
	c := NewCache(&scriptedQuoter{err: errors.New("boom")})
	_, err := c.Current(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestCurrentFetchesOnceWhenEmpty(t *testing.T) {
	q := &scriptedQuoter{price: 0.3}
	c := NewCache(q)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s, err := c.Current(context.Background()); err != nil || s.Price != 0.3 {
				t.Errorf("Current: %+v %v", s, err)
			}
		}()
	}
	wg.Wait()

	if _, err := c.Current(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := q.calls.Load(); n < 1 || n > 20 {
		t.Fatalf("unexpected quote calls: %d", n)
	}
	before := q.calls.Load()
	c.Current(context.Background())
	if q.calls.Load() != before {
		t.Fatal("populated cache must not fetch again")
	}
}

// gatedQuoter blocks every Quote until release is closed and reports the
// context state it saw at that point.
type gatedQuoter struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (q *gatedQuoter) Quote(ctx context.Context) (float64, error) {
	if q.calls.Add(1) == 1 {
		close(q.started)
	}
	<-q.release
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0.25, nil
}

func TestCurrentSharedFetchSurvivesCancelledCaller(t *testing.T) {
	q := &gatedQuoter{started: make(chan struct{}), release: make(chan struct{})}
	c := NewCache(q, WithTimeout(5*time.Second))

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Current(firstCtx)
		firstErr <- err
	}()
	<-q.started

	type result struct {
		snap Snapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		s, err := c.Current(context.Background())
		second <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrUnavailable) {
			t.Fatalf("cancelled caller err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared fetch")
	}

	close(q.release)
	select {
	case r := <-second:
		if r.err != nil || r.snap.Price != 0.25 {
			t.Fatalf("second caller: %+v %v", r.snap, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
	if s, ok := c.Peek(); !ok || s.Price != 0.25 {
		t.Fatalf("cache not populated: %+v %v", s, ok)
	}
}

func TestConversionsUseCachedRate(t *testing.T) {
	c := NewCache(&scriptedQuoter{price: 0.5})
	if _, err := c.USDToPi(1); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable before first refresh, got %v", err)
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	pi, err := c.USDToPi(4.99)
	if err != nil || pi != 9.98 {
		t.Fatalf("USDToPi = %v, %v", pi, err)
	}
	usd, err := c.PiToUSD(2)
	if err != nil || usd != 1 {
		t.Fatalf("PiToUSD = %v, %v", usd, err)
	}
}

func TestStartPopulatesAndStops(t *testing.T) {
	q := &scriptedQuoter{price: 0.7}
	c := NewCache(q, WithInterval(5*time.Millisecond))
	stop := c.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for q.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	stop()
	if s, ok := c.Peek(); !ok || s.Price != 0.7 {
		t.Fatalf("expected populated cache, got %+v ok=%v", s, ok)
	}
	n := q.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if q.calls.Load() != n {
		t.Fatal("refresh loop still running after stop")
	}
}

func TestHTTPQuoter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "pi-network" || r.URL.Query().Get("vs_currencies") != "usd" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if r.Header.Get("x-cg-demo-api-key") != "demo" {
			http.Error(w, "no key", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pi-network":{"usd":0.42}}`))
	}))
	defer srv.Close()

	q := NewHTTPQuoter(srv.URL, "", "demo", time.Second)
	p, err := q.Quote(context.Background())
	if err != nil || p != 0.42 {
		t.Fatalf("Quote = %v, %v", p, err)
	}

	q.APIKey = ""
	if _, err := q.Quote(context.Background()); err == nil {
		t.Fatal("expected error on non-2xx")
	}
}

func TestHTTPQuoterMissingCoin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"bitcoin":{"usd":60000}}`))
	}))
	defer srv.Close()

	q := NewHTTPQuoter(srv.URL, "pi-network", "", time.Second)
	if _, err := q.Quote(context.Background()); err == nil {
		t.Fatal("expected error for missing coin")
	}
}
