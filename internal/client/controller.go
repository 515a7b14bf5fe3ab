package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cairocoder/erfa3ly/internal/logging"
)

// State is a controller phase.
type State string

const (
	StateIdle       State = "idle"
	StateSelecting  State = "selecting"
	StateUploading  State = "uploading"
	StateCancelling State = "cancelling"
	StateCompleted  State = "completed"
	StateErrored    State = "errored"
	StateCancelled  State = "cancelled"
)

var (
	// ErrBusy rejects a second submission while an upload is active.
	ErrBusy = errors.New("an upload is already in progress")
	// ErrNoFile rejects a submission without a selected file.
	ErrNoFile = errors.New("no file selected")
	// ErrCancelled is returned by Submit when the upload was cancelled.
	ErrCancelled = errors.New("upload cancelled")
)

// DefaultPollInterval is how often progress is polled while uploading.
const DefaultPollInterval = 500 * time.Millisecond

// File is a selected local file.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Snapshot is what a View renders.
type Snapshot struct {
	State     State
	Filename  string
	Progress  int
	ShareURL  string
	Err       error
	CanSelect bool
}

// View renders controller state. Render is called from several goroutines
// but never concurrently.
type View interface {
	Render(Snapshot)
}

// Controller is the client-side upload state machine. It allows one active
// upload at a time.
type Controller struct {
	api          Uploader
	markers      *MarkerStore
	view         View
	server       string
	pollInterval time.Duration

	mu         sync.Mutex
	state      State
	file       *File
	uploadID   string
	progress   int
	shareURL   string
	lastErr    error
	cancelled  bool
	abortSend  context.CancelFunc
	stopPoller func()
}

// NewController wires a controller. markers and view may be nil.
func NewController(api Uploader, server string, markers *MarkerStore, view View) *Controller {
	return &Controller{
		api:          api,
		markers:      markers,
		view:         view,
		server:       server,
		pollInterval: DefaultPollInterval,
		state:        StateIdle,
	}
}

// SetPollInterval overrides DefaultPollInterval.
func (c *Controller) SetPollInterval(d time.Duration) { c.pollInterval = d }

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		State:    c.state,
		Progress: c.progress,
		ShareURL: c.shareURL,
		Err:      c.lastErr,
	}
	if c.file != nil {
		s.Filename = c.file.Name
	}
	s.CanSelect = c.state != StateUploading && c.state != StateCancelling
	return s
}

// render must be called with c.mu held.
func (c *Controller) render() {
	if c.view != nil {
		c.view.Render(c.snapshotLocked())
	}
}

// Select chooses the file for the next submission.
func (c *Controller) Select(f File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUploading || c.state == StateCancelling {
		return ErrBusy
	}
	c.file = &f
	c.state = StateSelecting
	c.progress = 0
	c.shareURL = ""
	c.lastErr = nil
	c.render()
	return nil
}

// Submit uploads the selected file and blocks until it resolves.
func (c *Controller) Submit(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state == StateUploading || c.state == StateCancelling {
		c.mu.Unlock()
		return Result{}, ErrBusy
	}
	if c.file == nil || c.state != StateSelecting {
		c.mu.Unlock()
		return Result{}, ErrNoFile
	}
	f := *c.file
	c.state = StateUploading
	c.progress = 0
	c.cancelled = false
	c.uploadID = ""
	sendCtx, abort := context.WithCancel(ctx)
	c.abortSend = abort
	c.render()
	c.mu.Unlock()
	defer abort()

	slot, err := c.api.Begin(sendCtx, f.Name, f.ContentType, f.Size)
	if err != nil {
		return Result{}, c.resolve(Result{}, err)
	}

	c.mu.Lock()
	c.uploadID = slot.UploadID
	if c.cancelled {
		c.mu.Unlock()
		// Cancelled before the slot id was known; tell the server now.
		c.sendCancel(ctx, slot.UploadID, TriggerUser)
		return Result{}, c.resolve(Result{}, ErrCancelled)
	}
	c.startPoller(ctx, slot.UploadID)
	c.mu.Unlock()

	res, err := c.api.Send(sendCtx, slot.UploadID, f.Body, f.Size)
	if err == nil && res.URL == "" {
		res.URL = slot.URL
	}
	return res, c.resolve(res, err)
}

// resolve leaves the uploading state and re-enables selection.
func (c *Controller) resolve(res Result, err error) error {
	c.mu.Lock()
	stop := c.stopPoller
	c.stopPoller = nil
	c.abortSend = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.cancelled:
		c.state = StateCancelled
		c.lastErr = nil
		err = ErrCancelled
	case err != nil:
		c.state = StateErrored
		c.lastErr = err
	default:
		c.state = StateCompleted
		c.progress = 100
		c.shareURL = res.URL
		c.lastErr = nil
	}
	c.file = nil
	c.render()

	if c.markers != nil && c.state != StateCancelled {
		if cerr := c.markers.Clear(); cerr != nil {
			logging.Warn("could not clear cancel marker", logging.Fields{"error": cerr.Error()})
		}
	}
	return err
}

// startPoller must be called with c.mu held.
func (c *Controller) startPoller(ctx context.Context, id string) {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(c.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				pct, _, err := c.api.Progress(ctx, id)
				if err != nil {
					continue
				}
				c.observe(id, pct)
			}
		}
	}()
	var once sync.Once
	c.stopPoller = func() {
		once.Do(func() { close(stop) })
		<-done
	}
}

// observe applies a polled value. Displayed progress never decreases.
func (c *Controller) observe(id string, pct int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUploading || c.uploadID != id {
		return
	}
	if pct > 100 {
		pct = 100
	}
	if pct <= c.progress {
		return
	}
	c.progress = pct
	c.render()
}

// Cancel cancels the active upload. It reports false when nothing is active.
// The marker is recorded before the request so an interrupted cancel is
// re-issued by ResumePending.
func (c *Controller) Cancel(ctx context.Context, trigger Trigger) bool {
	c.mu.Lock()
	if c.state != StateUploading {
		c.mu.Unlock()
		return false
	}
	c.state = StateCancelling
	c.cancelled = true
	id := c.uploadID
	abort := c.abortSend
	c.render()
	c.mu.Unlock()

	if id != "" {
		c.sendCancel(ctx, id, trigger)
	}
	if abort != nil {
		abort()
	}
	return true
}

func (c *Controller) sendCancel(ctx context.Context, id string, trigger Trigger) {
	if c.markers != nil {
		if err := c.markers.Save(Marker{UploadID: id, Server: c.server, RecordedAt: time.Now().UTC(), Trigger: trigger}); err != nil {
			logging.Warn("could not record cancel marker", logging.Fields{"error": err.Error()})
		}
	}
	if err := c.api.Cancel(ctx, id); err != nil {
		logging.Warn("cancel request failed", logging.Fields{"upload_id": id, "error": err.Error()})
		return
	}
	if c.markers != nil {
		if err := c.markers.Clear(); err != nil {
			logging.Warn("could not clear cancel marker", logging.Fields{"error": err.Error()})
		}
	}
}

// ResumePending re-issues a cancellation left behind by an earlier run. It
// reports the upload id it cancelled, if any.
func (c *Controller) ResumePending(ctx context.Context) (string, error) {
	if c.markers == nil {
		return "", nil
	}
	m, ok, err := c.markers.Load()
	if err != nil || !ok {
		return "", err
	}
	if m.Server != "" && c.server != "" && m.Server != c.server {
		return "", nil
	}
	if err := c.api.Cancel(ctx, m.UploadID); err != nil {
		return "", fmt.Errorf("re-issue cancel for %s: %w", m.UploadID, err)
	}
	if err := c.markers.Clear(); err != nil {
		return m.UploadID, err
	}
	return m.UploadID, nil
}
