package client

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeUploader struct {
	mu        sync.Mutex
	progress  []int
	polls     int
	cancels   []string
	beginErr  error
	cancelErr error
	sendGate  chan struct{}
	sendErr   error
}

func (f *fakeUploader) Begin(_ context.Context, filename, _ string, _ int64) (Slot, error) {
	if f.beginErr != nil {
		return Slot{}, f.beginErr
	}
	return Slot{UploadID: "up-1", Filename: "stored-" + filename, URL: "https://x.test/download/abc"}, nil
}

func (f *fakeUploader) Send(ctx context.Context, id string, body io.Reader, size int64) (Result, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return Result{}, err
	}
	if f.sendGate != nil {
		select {
		case <-f.sendGate:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.sendErr != nil {
		return Result{}, f.sendErr
	}
	return Result{Success: true, UploadID: id, Size: size}, nil
}

func (f *fakeUploader) Progress(context.Context, string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.progress) == 0 {
		return 0, "in_progress", nil
	}
	p := f.progress[0]
	if len(f.progress) > 1 {
		f.progress = f.progress[1:]
	}
	return p, "in_progress", nil
}

func (f *fakeUploader) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return f.cancelErr
}

func (f *fakeUploader) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type recordingView struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (v *recordingView) Render(s Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.snaps = append(v.snaps, s)
}

func (v *recordingView) progressValues() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []int
	for _, s := range v.snaps {
		if s.State == StateUploading {
			out = append(out, s.Progress)
		}
	}
	return out
}

func testFile(content string) File {
	return File{Name: "a.txt", ContentType: "text/plain", Size: int64(len(content)), Body: strings.NewReader(content)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestController_Success(t *testing.T) {
	api := &fakeUploader{}
	view := &recordingView{}
	c := NewController(api, "https://x.test", nil, view)

	if _, err := c.Submit(context.Background()); !errors.Is(err, ErrNoFile) {
		t.Fatalf("Submit without file = %v", err)
	}
	if err := c.Select(testFile("hello")); err != nil {
		t.Fatal(err)
	}
	res, err := c.Submit(context.Background())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.URL != "https://x.test/download/abc" {
		t.Errorf("url = %q", res.URL)
	}
	snap := c.Snapshot()
	if snap.State != StateCompleted || snap.Progress != 100 || !snap.CanSelect {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestController_ProgressIsMonotonic(t *testing.T) {
	api := &fakeUploader{progress: []int{10, 40, 20, 35, 60, 5}, sendGate: make(chan struct{})}
	view := &recordingView{}
	c := NewController(api, "", nil, view)
	c.SetPollInterval(time.Millisecond)

	_ = c.Select(testFile("hello"))
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()

	waitFor(t, func() bool { return api.pollCount() >= 8 })
	if got := c.Snapshot().Progress; got != 60 {
		t.Errorf("progress = %d, want 60", got)
	}
	close(api.sendGate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	prev := -1
	for _, p := range view.progressValues() {
		if p < prev {
			t.Fatalf("displayed progress went from %d to %d", prev, p)
		}
		prev = p
	}
}

func TestController_BusyWhileUploading(t *testing.T) {
	api := &fakeUploader{sendGate: make(chan struct{})}
	c := NewController(api, "", nil, nil)
	c.SetPollInterval(time.Hour)

	_ = c.Select(testFile("hello"))
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()
	waitFor(t, func() bool { return c.Snapshot().State == StateUploading })

	if _, err := c.Submit(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Submit = %v, want ErrBusy", err)
	}
	if err := c.Select(testFile("x")); !errors.Is(err, ErrBusy) {
		t.Errorf("Select while uploading = %v, want ErrBusy", err)
	}
	if c.Snapshot().CanSelect {
		t.Error("selection must be disabled while uploading")
	}
	close(api.sendGate)
	<-done
}

func TestController_Cancel(t *testing.T) {
	api := &fakeUploader{sendGate: make(chan struct{})}
	markers := NewMarkerStore(filepath.Join(t.TempDir(), "marker.json"))
	c := NewController(api, "https://x.test", markers, nil)
	c.SetPollInterval(time.Hour)

	_ = c.Select(testFile("hello"))
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.uploadID != ""
	})

	if !c.Cancel(context.Background(), TriggerUser) {
		t.Fatal("Cancel reported nothing active")
	}
	if err := <-done; !errors.Is(err, ErrCancelled) {
		t.Fatalf("Submit = %v, want ErrCancelled", err)
	}
	if snap := c.Snapshot(); snap.State != StateCancelled || !snap.CanSelect {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(api.cancels) != 1 || api.cancels[0] != "up-1" {
		t.Errorf("cancels = %v", api.cancels)
	}
	if _, ok, _ := markers.Load(); ok {
		t.Error("marker should be cleared after a delivered cancel")
	}
	if c.Cancel(context.Background(), TriggerUser) {
		t.Error("second Cancel should report nothing active")
	}
}

func TestController_FailedCancelLeavesMarker(t *testing.T) {
	api := &fakeUploader{sendGate: make(chan struct{}), cancelErr: errors.New("offline")}
	markers := NewMarkerStore(filepath.Join(t.TempDir(), "marker.json"))
	c := NewController(api, "https://x.test", markers, nil)
	c.SetPollInterval(time.Hour)

	_ = c.Select(testFile("hello"))
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.uploadID != ""
	})
	c.Cancel(context.Background(), TriggerUnload)
	<-done

	m, ok, err := markers.Load()
	if err != nil || !ok {
		t.Fatalf("marker = %v, %v", ok, err)
	}
	if m.UploadID != "up-1" || m.Trigger != TriggerUnload {
		t.Errorf("marker = %+v", m)
	}

	// Next start: the server is reachable again.
	api2 := &fakeUploader{}
	c2 := NewController(api2, "https://x.test", markers, nil)
	id, err := c2.ResumePending(context.Background())
	if err != nil || id != "up-1" {
		t.Fatalf("ResumePending = %q, %v", id, err)
	}
	if len(api2.cancels) != 1 {
		t.Errorf("cancels = %v", api2.cancels)
	}
	if _, ok, _ := markers.Load(); ok {
		t.Error("marker should be cleared")
	}
}

func TestController_ErrorReEnablesSelection(t *testing.T) {
	api := &fakeUploader{sendErr: &APIError{Status: 502, Message: "upload failed"}}
	c := NewController(api, "", nil, nil)

	_ = c.Select(testFile("hello"))
	_, err := c.Submit(context.Background())
	if !IsStatus(err, 502) {
		t.Fatalf("err = %v", err)
	}
	snap := c.Snapshot()
	if snap.State != StateErrored || !snap.CanSelect || snap.Err == nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if err := c.Select(testFile("again")); err != nil {
		t.Errorf("Select after error: %v", err)
	}
}

func TestMarkerStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "marker.json")
	s := NewMarkerStore(path)

	if _, ok, err := s.Load(); ok || err != nil {
		t.Fatalf("empty Load = %v, %v", ok, err)
	}
	want := Marker{UploadID: "u", Server: "https://x.test", RecordedAt: time.Unix(1700000000, 0).UTC(), Trigger: TriggerHidden}
	if err := s.Save(want); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.Load()
	if err != nil || !ok || got != want {
		t.Errorf("Load = %+v, %v, %v", got, ok, err)
	}
	if err := s.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}
