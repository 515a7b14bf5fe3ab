// Package session tracks live upload sessions: who owns them, how far the
// transfer has progressed and whether the client asked to cancel.
package session

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrNotFound is returned for unknown or reaped session ids.
	ErrNotFound = errors.New("upload session not found")
	// ErrConflict is returned when an optimistic update lost a race too often.
	ErrConflict = errors.New("upload session update conflict")
)

// Session is the live state of one upload.
type Session struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner,omitempty"`
	ClientIP     string    `json:"clientIp,omitempty"`
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"contentType"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progress"`
	Cancelled    bool      `json:"cancelled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	FinishedAt   time.Time `json:"finishedAt,omitempty"`
	ObjectID     string    `json:"objectId,omitempty"`
	Backend      string    `json:"backend,omitempty"`
	Reason       string    `json:"reason,omitempty"`
}

// Store is the session registry. Every mutation of one session is atomic with
// respect to other mutations of the same session.
type Store interface {
	Create(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	// Update applies fn to the current value and stores the result. If fn
	// returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	UpdateProgress(ctx context.Context, id string, percent int) (Session, error)
	MarkCancelled(ctx context.Context, id string) (bool, error)
	Finish(ctx context.Context, id string, status Status, objectID, reason string) (Session, error)
	Reap(ctx context.Context, now time.Time) (int, error)
}

// Options tune session expiry.
type Options struct {
	// MaxAge removes any session that has seen no update for this long.
	MaxAge time.Duration
	// Linger keeps terminal sessions visible to pollers for a while.
	Linger time.Duration
}

const (
	DefaultMaxAge = 30 * time.Minute
	DefaultLinger = time.Minute
)

func (o Options) withDefaults() Options {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.Linger <= 0 {
		o.Linger = DefaultLinger
	}
	return o
}

// lastActivity is the time of the most recent write to s.
func (s Session) lastActivity() time.Time {
	if s.UpdatedAt.After(s.CreatedAt) {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// expired reports whether s should be removed at now. Idle time is measured
// from the last write, so a transfer that keeps reporting progress survives
// past MaxAge.
func (o Options) expired(s Session, now time.Time) bool {
	if now.Sub(s.lastActivity()) > o.MaxAge {
		return true
	}
	return s.Status.Terminal() && !s.FinishedAt.IsZero() && now.Sub(s.FinishedAt) > o.Linger
}

// errUnchanged aborts an update without treating it as a failure.
var errUnchanged = errors.New("unchanged")

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func applyProgress(percent int) func(*Session) error {
	percent = clampPercent(percent)
	return func(s *Session) error {
		if s.Status.Terminal() || percent <= s.Progress {
			return errUnchanged
		}
		s.Progress = percent
		if s.Status == StatusPending {
			s.Status = StatusInProgress
		}
		return nil
	}
}

func applyCancel(now time.Time) func(*Session) error {
	return func(s *Session) error {
		if s.Status.Terminal() {
			return errUnchanged
		}
		s.Cancelled = true
		s.Status = StatusCancelled
		s.FinishedAt = now
		s.Reason = "cancelled by client"
		return nil
	}
}

func applyFinish(now time.Time, status Status, objectID, reason string) func(*Session) error {
	return func(s *Session) error {
		// A cancelled session keeps its status even if the transfer landed.
		if s.Status.Terminal() {
			return errUnchanged
		}
		s.Status = status
		s.FinishedAt = now
		s.ObjectID = objectID
		s.Reason = reason
		if status == StatusCompleted {
			s.Progress = 100
		}
		return nil
	}
}

// updateIgnoringUnchanged runs Update and maps errUnchanged to the current value.
func updateIgnoringUnchanged(ctx context.Context, st Store, id string, fn func(*Session) error) (Session, bool, error) {
	s, err := st.Update(ctx, id, fn)
	if errors.Is(err, errUnchanged) {
		cur, gerr := st.Get(ctx, id)
		return cur, false, gerr
	}
	if err != nil {
		return Session{}, false, err
	}
	return s, true, nil
}
