package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits or denies keyed callers. Denial is immediate; callers
// never queue here.
type Limiter interface {
	TryAdmit(key string) bool
	Remaining(key string) int
	ResetTime(key string) time.Time
}

// FixedWindow counts requests per key inside aligned windows. Counters
// for a key reset when its window rolls over; state beyond the counters
// is never kept.
type FixedWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*windowCounter
}

type windowCounter struct {
	windowStart time.Time
	count       int
}

// NewFixedWindow creates a limiter allowing limit admissions per key
// per window.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*windowCounter),
	}
}

// WithNow injects a clock source for tests.
func (l *FixedWindow) WithNow(now func() time.Time) *FixedWindow {
	l.now = now
	return l
}

// TryAdmit increments the key's counter and reports whether the request
// is within the window budget.
func (l *FixedWindow) TryAdmit(key string) bool {
	now := l.now()
	start := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.windowStart.Before(start) {
		b = &windowCounter{windowStart: start}
		l.buckets[key] = b
	}
	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

// Remaining reports admissions left for the key in the current window.
func (l *FixedWindow) Remaining(key string) int {
	now := l.now()
	start := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.windowStart.Before(start) {
		return l.limit
	}
	if b.count >= l.limit {
		return 0
	}
	return l.limit - b.count
}

// ResetTime reports when the key's current window ends.
func (l *FixedWindow) ResetTime(key string) time.Time {
	return l.now().Truncate(l.window).Add(l.window)
}

// Disabled admits everything; used when rate limiting is switched off.
type Disabled struct{}

func (Disabled) TryAdmit(string) bool       { return true }
func (Disabled) Remaining(string) int       { return 1 << 30 }
func (Disabled) ResetTime(string) time.Time { return time.Time{} }
