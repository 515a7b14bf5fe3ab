package session

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// stores returns the registries under test. Redis runs only when
// ERFA_TEST_REDIS_ADDR points at a disposable instance.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{"memory": NewMemoryStore(Options{})}

	if addr := os.Getenv("ERFA_TEST_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			t.Fatalf("redis ping: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		out["redis"] = NewRedisStore(client, "erfa:test:"+t.Name()+":", Options{})
	}
	return out
}

func TestStore_ProgressIsMonotonic(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, err := st.Create(ctx, Session{Filename: "f.txt", Size: 100})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}

			for _, p := range []int{10, 40, 20, 35, 60, 5} {
				if _, err := st.UpdateProgress(ctx, s.ID, p); err != nil {
					t.Fatalf("UpdateProgress(%d): %v", p, err)
				}
			}

			got, err := st.Get(ctx, s.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Progress != 60 {
				t.Errorf("progress = %d, want 60", got.Progress)
			}
			if got.Status != StatusInProgress {
				t.Errorf("status = %s, want %s", got.Status, StatusInProgress)
			}
		})
	}
}

func TestStore_ProgressClamped(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := st.Create(ctx, Session{Filename: "f.txt"})

			got, err := st.UpdateProgress(ctx, s.ID, 250)
			if err != nil {
				t.Fatalf("UpdateProgress: %v", err)
			}
			if got.Progress != 100 {
				t.Errorf("progress = %d, want 100", got.Progress)
			}
		})
	}
}

func TestStore_CancelAfterCompleteIsNoop(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := st.Create(ctx, Session{Filename: "f.txt"})

			if _, err := st.Finish(ctx, s.ID, StatusCompleted, "obj-1", ""); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			changed, err := st.MarkCancelled(ctx, s.ID)
			if err != nil {
				t.Fatalf("MarkCancelled: %v", err)
			}
			if changed {
				t.Error("cancel after completion should not change the session")
			}

			got, _ := st.Get(ctx, s.ID)
			if got.Status != StatusCompleted || got.Cancelled {
				t.Errorf("session = %+v, want completed and not cancelled", got)
			}
			if got.ObjectID != "obj-1" {
				t.Errorf("object id = %q", got.ObjectID)
			}
		})
	}
}

func TestStore_CancelledStaysCancelled(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := st.Create(ctx, Session{Filename: "f.txt"})

			changed, err := st.MarkCancelled(ctx, s.ID)
			if err != nil || !changed {
				t.Fatalf("MarkCancelled = %v, %v", changed, err)
			}
			got, err := st.Finish(ctx, s.ID, StatusCompleted, "obj-1", "")
			if err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if got.Status != StatusCancelled {
				t.Errorf("status = %s, want cancelled", got.Status)
			}
			if _, err := st.UpdateProgress(ctx, s.ID, 90); err != nil {
				t.Fatalf("UpdateProgress: %v", err)
			}
			got, _ = st.Get(ctx, s.ID)
			if got.Progress != 0 {
				t.Errorf("progress moved after cancellation: %d", got.Progress)
			}
		})
	}
}

func TestStore_UnknownID(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get: expected ErrNotFound, got %v", err)
			}
			if _, err := st.MarkCancelled(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Errorf("MarkCancelled: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMemoryStore_Reap(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base

	st := NewMemoryStore(Options{MaxAge: 30 * time.Minute, Linger: time.Minute})
	st.SetClock(func() time.Time { return now })

	stale, _ := st.Create(ctx, Session{Filename: "stale"})
	done, _ := st.Create(ctx, Session{Filename: "done"})
	live, _ := st.Create(ctx, Session{Filename: "live"})

	now = base.Add(10 * time.Minute)
	if _, err := st.Finish(ctx, done.ID, StatusCompleted, "x", ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Terminal session is still visible within the linger period.
	removed, _ := st.Reap(ctx, base.Add(10*time.Minute+30*time.Second))
	if removed != 0 {
		t.Fatalf("removed = %d, want 0", removed)
	}

	removed, _ = st.Reap(ctx, base.Add(12*time.Minute))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := st.Get(ctx, done.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("finished session should be reaped")
	}

	removed, _ = st.Reap(ctx, base.Add(31*time.Minute))
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	for _, id := range []string{stale.ID, live.ID} {
		if _, err := st.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("session %s should be past max age", id)
		}
	}
}

func TestMemoryStore_ReapMeasuresIdleTime(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := base

	st := NewMemoryStore(Options{MaxAge: 30 * time.Minute})
	st.SetClock(func() time.Time { return now })

	active, _ := st.Create(ctx, Session{Filename: "big.iso", Size: 1 << 30})
	idle, _ := st.Create(ctx, Session{Filename: "idle.txt"})

	// A long transfer keeps reporting progress past the creation-based limit.
	for i, p := range []int{10, 30, 55, 80} {
		now = base.Add(time.Duration(i+1) * 10 * time.Minute)
		if _, err := st.UpdateProgress(ctx, active.ID, p); err != nil {
			t.Fatalf("UpdateProgress(%d): %v", p, err)
		}
	}

	removed, _ := st.Reap(ctx, base.Add(45*time.Minute))
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := st.Get(ctx, idle.ID); !errors.Is(err, ErrNotFound) {
		t.Error("idle session should be reaped")
	}
	got, err := st.Get(ctx, active.ID)
	if err != nil {
		t.Fatalf("active session reaped: %v", err)
	}
	if !got.UpdatedAt.Equal(base.Add(40 * time.Minute)) {
		t.Errorf("UpdatedAt = %v, want last progress write", got.UpdatedAt)
	}

	if _, err := st.Finish(ctx, active.ID, StatusCompleted, "obj", ""); err != nil {
		t.Fatalf("Finish after 40 minutes: %v", err)
	}

	removed, _ = st.Reap(ctx, base.Add(71*time.Minute+time.Second))
	if removed != 1 {
		t.Fatalf("removed = %d after idle period, want 1", removed)
	}
}

func TestMemoryStore_ConcurrentProgress(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(Options{})
	s, _ := st.Create(ctx, Session{Filename: "f"})

	var wg sync.WaitGroup
	for p := 1; p <= 100; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			_, _ = st.UpdateProgress(ctx, s.ID, p)
		}(p)
	}
	wg.Wait()

	got, _ := st.Get(ctx, s.ID)
	if got.Progress != 100 {
		t.Errorf("progress = %d, want 100", got.Progress)
	}
}

func TestReaper_StopsOnCancel(t *testing.T) {
	st := NewMemoryStore(Options{MaxAge: time.Millisecond})
	_, _ = st.Create(context.Background(), Session{Filename: "f"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r := &Reaper{Store: st, Interval: 5 * time.Millisecond}
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for st.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("reaper did not remove the expired session")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
