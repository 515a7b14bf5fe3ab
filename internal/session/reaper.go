package session

import (
	"context"
	"time"

	"github.com/cairocoder/erfa3ly/internal/logging"
)

// DefaultReapInterval is how often the Reaper sweeps the registry.
const DefaultReapInterval = 5 * time.Minute

// Reaper periodically removes expired sessions independent of request traffic.
type Reaper struct {
	Store    Store
	Interval time.Duration
	Now      func() time.Time
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	logging.Info("session reaper starting", logging.Fields{"service": "reaper", "interval": interval.String()})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("session reaper shutting down", logging.Fields{"service": "reaper"})
			return
		case <-ticker.C:
			r.sweep(ctx, now())
		}
	}
}

func (r *Reaper) sweep(ctx context.Context, now time.Time) {
	start := time.Now()
	removed, err := r.Store.Reap(ctx, now)
	if err != nil {
		logging.Error("session reap failed", logging.Fields{"service": "reaper", "removed": removed}, err)
		return
	}
	if removed > 0 {
		logging.Info("session reap complete", logging.Fields{
			"service":     "reaper",
			"removed":     removed,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}
