package bot

import (
	"sync"
	"time"
)

// Window is a per-key sliding-window counter: at most limit events per span.
type Window struct {
	mu    sync.Mutex
	limit int
	span  time.Duration
	now   func() time.Time
	hits  map[int64][]time.Time
}

// NewWindow returns a limiter; limit <= 0 disables it.
func NewWindow(limit int, span time.Duration, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	if span <= 0 {
		span = time.Minute
	}
	return &Window{limit: limit, span: span, now: now, hits: map[int64][]time.Time{}}
}

// Allow records an event for key when it fits in the window.
func (w *Window) Allow(key int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit <= 0 {
		return true
	}
	now := w.now()
	recent := w.trim(w.hits[key], now)
	if len(recent) >= w.limit {
		w.hits[key] = recent
		return false
	}
	w.hits[key] = append(recent, now)
	return true
}

func (w *Window) trim(ts []time.Time, now time.Time) []time.Time {
	cut := 0
	for cut < len(ts) && now.Sub(ts[cut]) >= w.span {
		cut++
	}
	if cut == 0 {
		return ts
	}
	return append(ts[:0], ts[cut:]...)
}

func (w *Window) SetLimit(limit int) {
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

// Prune drops keys with no events inside the window. Returns the number kept.
func (w *Window) Prune() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	for k, ts := range w.hits {
		ts = w.trim(ts, now)
		if len(ts) == 0 {
			delete(w.hits, k)
			continue
		}
		w.hits[k] = ts
	}
	return len(w.hits)
}
