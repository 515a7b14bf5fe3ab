package limits

import (
	"context"
	"fmt"
	"time"
)

// DefaultDailyQuota is the per-owner cap on bytes uploaded per UTC day.
const DefaultDailyQuota int64 = 5 << 30

// Usage reports how many bytes an owner has stored since a point in time.
type Usage interface {
	SumBytesSince(ctx context.Context, owner string, since time.Time) (int64, error)
}

// Quota enforces a cumulative daily byte cap per owner.
type Quota struct {
	Usage Usage
	Cap   int64
	Now   func() time.Time
}

// NewQuota uses DefaultDailyQuota when limit is not positive.
func NewQuota(usage Usage, limit int64) *Quota {
	if limit <= 0 {
		limit = DefaultDailyQuota
	}
	return &Quota{Usage: usage, Cap: limit, Now: time.Now}
}

// Limit returns the daily byte cap.
func (q *Quota) Limit() int64 { return q.Cap }

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WithinQuota reports whether owner may add incoming bytes today. Anonymous
// owners are not subject to the quota. Aggregation failures reject.
func (q *Quota) WithinQuota(ctx context.Context, owner string, incoming int64) (bool, error) {
	if owner == "" {
		return true, nil
	}
	now := time.Now
	if q.Now != nil {
		now = q.Now
	}

	used, err := q.Usage.SumBytesSince(ctx, owner, StartOfDay(now()))
	if err != nil {
		return false, fmt.Errorf("quota usage: %w", err)
	}
	return used+incoming <= q.Cap, nil
}
