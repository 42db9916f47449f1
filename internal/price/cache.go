// Package price keeps the last known Pi/USD rate and refreshes it in the background.
package price

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"pishop.app/internal/obs"
	"pishop.app/internal/task"
)

// ErrUnavailable is returned when no price has ever been fetched and a live fetch failed.
var ErrUnavailable = errors.New("price: unavailable")

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 10 * time.Second
)

// Snapshot is an immutable observation of the rate. Price is USD per Pi.
type Snapshot struct {
	Price       float64   `json:"price"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Cache serves the latest Snapshot. Readers never block on writers; only the
// refresh path (and the one-off fetch when empty) replaces the snapshot.
type Cache struct {
	quoter   Quoter
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	snap  atomic.Pointer[Snapshot]
	group singleflight.Group
}

type Option func(*Cache)

func WithInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCache(q Quoter, opts ...Option) *Cache {
	c := &Cache{
		quoter:   q,
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh performs one fetch. On failure the previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.fetch(ctx)
	return err
}

func (c *Cache) fetch(ctx context.Context) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	p, err := c.quoter.Quote(ctx)
	if err == nil && p <= 0 {
		err = fmt.Errorf("%w: %v", errBadQuote, p)
	}
	obs.ObserveUpstream("quote", "price", start, err)
	obs.ObservePriceRefresh(p, err)
	if err != nil {
		fields := map[string]any{"err": err}
		if prev := c.snap.Load(); prev != nil {
			fields["stale_price"] = prev.Price
			fields["last_updated"] = prev.LastUpdated
		}
		obs.Warn("price_refresh_failed", fields)
		return Snapshot{}, err
	}

	s := &Snapshot{Price: p, LastUpdated: c.now()}
	c.snap.Store(s)
	return *s, nil
}

// Start runs Refresh immediately and then on every interval until ctx is done
// or the returned stop function is called.
func (c *Cache) Start(ctx context.Context) (stop func()) {
	return task.Periodic{
		Name:           "price_refresh",
		Interval:       c.interval,
		RunImmediately: true,
		Fn:             c.Refresh,
	}.Start(ctx)
}

// Current returns the cached snapshot. When nothing has been cached yet it
// performs one synchronous fetch shared by all concurrent callers. The shared
// fetch is bounded by the cache timeout only; a caller whose ctx ends stops
// waiting without failing the others.
func (c *Cache) Current(ctx context.Context) (Snapshot, error) {
	if s := c.snap.Load(); s != nil {
		return *s, nil
	}
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("fetch", func() (any, error) {
		if s := c.snap.Load(); s != nil {
			return *s, nil
		}
		return c.fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrUnavailable, res.Err)
		}
		return res.Val.(Snapshot), nil
	case <-ctx.Done():
		return Snapshot{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	}
}

// Peek returns the cached snapshot without fetching.
func (c *Cache) Peek() (Snapshot, bool) {
	s := c.snap.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// USDToPi converts at the cached rate.
func (c *Cache) USDToPi(usd float64) (float64, error) {
	s, ok := c.Peek()
	if !ok {
		return 0, ErrUnavailable
	}
	return usd / s.Price, nil
}

// PiToUSD converts at the cached rate.
func (c *Cache) PiToUSD(pi float64) (float64, error) {
	s, ok := c.Peek()
	if !ok {
		return 0, ErrUnavailable
	}
	return pi * s.Price, nil
}
