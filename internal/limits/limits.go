// Package limits implements admission control for uploads and downloads:
// sliding-window rate limiting per identity or IP and a daily byte quota.
package limits

import (
	"context"
	"sync"
	"time"
)

// Limiter admits or rejects one event for a key.
type Limiter interface {
	Admit(ctx context.Context, key string) (bool, error)
}

const (
	UploadLimit    = 10
	UploadWindow   = 15 * time.Minute
	DownloadLimit  = 100
	DownloadWindow = time.Hour
)

// Key returns the rate-limit key: the owner when authenticated, otherwise the
// client IP.
func Key(owner, ip string) string {
	if owner != "" {
		return "user:" + owner
	}
	return "ip:" + ip
}

// WindowLimiter is an in-memory sliding-window limiter. It tracks request
// timestamps per key, each key guarded by its own mutex.
type WindowLimiter struct {
	mu       sync.RWMutex
	visitors map[string]*visitor
	rate     int           // events allowed per window
	window   time.Duration // trailing window length
	now      func() time.Time
}

// visitor tracks admitted timestamps for a single key
type visitor struct {
	requests []time.Time
	mu       sync.Mutex
}

// NewWindowLimiter allows rate events per window for each key.
// Example: NewWindowLimiter(10, 15*time.Minute) allows 10 uploads per 15 minutes.
func NewWindowLimiter(rate int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (l *WindowLimiter) SetClock(now func() time.Time) { l.now = now }

// Admit prunes timestamps outside the window, rejects when the remaining count
// is at the limit and otherwise records now.
func (l *WindowLimiter) Admit(_ context.Context, key string) (bool, error) {
	return l.Allow(key), nil
}

// Allow is Admit without a context, for middleware use.
func (l *WindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	v, exists := l.visitors[key]
	if !exists {
		v = &visitor{requests: make([]time.Time, 0, l.rate)}
		l.visitors[key] = v
	}
	l.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Remove requests older than the window
	valid := v.requests[:0]
	for _, t := range v.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	v.requests = valid

	if len(v.requests) >= l.rate {
		return false
	}

	v.requests = append(v.requests, now)
	return true
}

// Prune drops keys with no admitted event in the last two windows and returns
// how many were removed.
func (l *WindowLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window * 2)
	removed := 0
	for key, v := range l.visitors {
		v.mu.Lock()
		if len(v.requests) == 0 || v.requests[len(v.requests)-1].Before(cutoff) {
			delete(l.visitors, key)
			removed++
		}
		v.mu.Unlock()
	}
	return removed
}

// Run prunes idle keys every minute until ctx is cancelled.
func (l *WindowLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
