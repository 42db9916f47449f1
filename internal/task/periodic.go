// Package task runs background work on a fixed schedule with an explicit owner
// and a stop function that waits for the loop to exit.
package task

import (
	"context"
	"sync"
	"time"

	"pishop.app/internal/obs"
)

// Periodic invokes Fn every Interval until stopped. Errors are logged and the
// next tick is the only retry.
type Periodic struct {
	Name     string
	Interval time.Duration
	// RunImmediately performs one invocation before the first tick.
	RunImmediately bool
	Fn             func(ctx context.Context) error
}

// Start launches the loop. The returned stop function cancels the loop and
// blocks until the in-flight invocation returns. It is safe to call more than once.
func (p Periodic) Start(parent context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if p.RunImmediately {
			p.invoke(ctx)
		}
		if p.Interval <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.invoke(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (p Periodic) invoke(ctx context.Context) {
	if ctx.Err() != nil || p.Fn == nil {
		return
	}
	if err := p.Fn(ctx); err != nil && ctx.Err() == nil {
		obs.Warn("task_failed", map[string]any{"task": p.Name, "err": err})
	}
}
