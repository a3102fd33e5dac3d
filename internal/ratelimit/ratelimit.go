// Package ratelimit provides the in-process sliding-window limiter used when
// workers run without Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter budgets events per key over a sliding window. Available is a
// non-consuming check; Record spends one unit.
type Limiter interface {
	Available(ctx context.Context, key string) (bool, error)
	Record(ctx context.Context, key string) error
	Limit() int
}

// Window is an in-memory sliding-window Limiter.
type Window struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	events map[string][]time.Time
}

// NewWindow returns a limiter allowing limit events per window for each key.
func NewWindow(limit int, window time.Duration) *Window {
	return &Window{limit: limit, window: window, now: time.Now, events: make(map[string][]time.Time)}
}

func (w *Window) Limit() int { return w.limit }

// evict drops events older than the window and returns what is left.
func (w *Window) evict(key string, now time.Time) []time.Time {
	cutoff := now.Add(-w.window)
	evs := w.events[key]
	i := 0
	for i < len(evs) && !evs[i].After(cutoff) {
		i++
	}
	evs = evs[i:]
	w.events[key] = evs
	return evs
}

func (w *Window) Available(_ context.Context, key string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.evict(key, w.now())) < w.limit, nil
}

func (w *Window) Record(_ context.Context, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.events[key] = append(w.evict(key, now), now)
	return nil
}

// Unlimited never runs out of budget.
type Unlimited struct{}

func (Unlimited) Available(context.Context, string) (bool, error) { return true, nil }
func (Unlimited) Record(context.Context, string) error            { return nil }
func (Unlimited) Limit() int                                      { return 0 }
