package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBackend struct {
	Backend
	authErr error
	statErr error
	calls   int
}

func (f *flakyBackend) Authorize(context.Context) (Authorization, error) {
	f.calls++
	return Authorization{Token: "t"}, f.authErr
}

func (f *flakyBackend) Stat(context.Context, string) error {
	f.calls++
	return f.statErr
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Unix(1700000000, 0)
	br := NewBreaker(3, time.Minute)
	br.now = func() time.Time { return now }

	fb := &flakyBackend{authErr: errors.New("connection refused")}
	g := Guard(fb, br)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := g.Authorize(ctx); err == nil {
			t.Fatal("expected failure")
		}
	}
	if br.State() != CircuitOpen {
		t.Fatalf("state = %s, want open", br.State())
	}
	if _, err := g.Authorize(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if fb.calls != 3 {
		t.Errorf("backend called %d times while open", fb.calls)
	}

	now = now.Add(2 * time.Minute)
	fb.authErr = nil
	if _, err := g.Authorize(ctx); err != nil {
		t.Fatalf("trial call: %v", err)
	}
	if br.State() != CircuitClosed {
		t.Errorf("state = %s, want closed", br.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	br := NewBreaker(1, time.Minute)
	br.now = func() time.Time { return now }
	g := Guard(&flakyBackend{authErr: errors.New("down")}, br)

	_, _ = g.Authorize(context.Background())
	now = now.Add(2 * time.Minute)
	_, _ = g.Authorize(context.Background())
	if br.State() != CircuitOpen {
		t.Errorf("state = %s, want open", br.State())
	}
	if br.Rejected() != 0 {
		t.Errorf("rejected = %d", br.Rejected())
	}
}

func TestBreaker_IgnoresNotFoundAndAuth(t *testing.T) {
	br := NewBreaker(1, time.Minute)
	g := Guard(&flakyBackend{statErr: ErrNotFound, authErr: ErrAuth}, br)

	for i := 0; i < 3; i++ {
		if err := g.Stat(context.Background(), "k"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v", err)
		}
		if _, err := g.Authorize(context.Background()); !errors.Is(err, ErrAuth) {
			t.Fatalf("err = %v", err)
		}
	}
	if br.State() != CircuitClosed {
		t.Errorf("state = %s, want closed", br.State())
	}
}
