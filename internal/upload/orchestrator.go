// Package upload runs the upload pipeline: admission, session bookkeeping,
// the authorize / target / put state machine with bounded retries, and the
// completion record.
package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cairocoder/erfa3ly/internal/limits"
	"github.com/cairocoder/erfa3ly/internal/logging"
	"github.com/cairocoder/erfa3ly/internal/records"
	"github.com/cairocoder/erfa3ly/internal/session"
	"github.com/cairocoder/erfa3ly/internal/storage"
)

const (
	DefaultMaxAttempts = 5
	DefaultBackoff     = time.Second
	DefaultDownloadTTL = time.Hour
	historyLimit       = 100
)

// RecordStore persists completion records and download events.
type RecordStore interface {
	Insert(ctx context.Context, rec records.Record) (records.Record, error)
	FindByFilename(ctx context.Context, filename string) (records.Record, error)
	ListByOwner(ctx context.Context, owner string, limit int) ([]records.Record, error)
	LogDownload(ctx context.Context, ev records.DownloadEvent) error
}

// QuotaChecker answers whether an owner may add bytes today.
type QuotaChecker interface {
	WithinQuota(ctx context.Context, owner string, incoming int64) (bool, error)
	Limit() int64
}

// Observer receives pipeline events, typically for metrics.
type Observer interface {
	UploadStarted()
	UploadCompleted(bytes int64, d time.Duration)
	UploadFailed(reason string)
	UploadCancelled()
	TransferRetried()
	DownloadIssued()
}

type nopObserver struct{}

func (nopObserver) UploadStarted()                       {}
func (nopObserver) UploadCompleted(int64, time.Duration) {}
func (nopObserver) UploadFailed(string)                  {}
func (nopObserver) UploadCancelled()                     {}
func (nopObserver) TransferRetried()                     {}
func (nopObserver) DownloadIssued()                      {}

// Config tunes the orchestrator.
type Config struct {
	// BaseURL prefixes share and download links.
	BaseURL string
	// Screening enables the MIME/extension allow-lists and signature checks.
	Screening bool
	// MaxAttempts bounds put attempts per upload.
	MaxAttempts int
	// Backoff is multiplied by the attempt number between attempts.
	Backoff time.Duration
	// DownloadTTL is the lifetime of issued download links.
	DownloadTTL time.Duration
	// AllowAnonymousDownloads lets callers without a session fetch links.
	AllowAnonymousDownloads bool
	// RateLimitRetryAfter is reported with rate-limit rejections.
	RateLimitRetryAfter time.Duration
	// TempDir holds spooled uploads. Empty uses the OS default.
	TempDir string
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Backend         storage.Backend
	Sessions        session.Store
	UploadLimiter   limits.Limiter
	DownloadLimiter limits.Limiter
	Quota           QuotaChecker
	Records         RecordStore
	Observer        Observer
}

// Orchestrator drives uploads against one storage backend.
type Orchestrator struct {
	backend         storage.Backend
	sessions        session.Store
	uploadLimiter   limits.Limiter
	downloadLimiter limits.Limiter
	quota           QuotaChecker
	records         RecordStore
	obs             Observer
	cfg             Config

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New wires an orchestrator. Backend, Sessions, both limiters, Quota and
// Records are required.
func New(d Deps, cfg Config) (*Orchestrator, error) {
	if d.Backend == nil || d.Sessions == nil || d.UploadLimiter == nil || d.DownloadLimiter == nil || d.Quota == nil || d.Records == nil {
		return nil, errors.New("upload: incomplete dependencies")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.DownloadTTL <= 0 {
		cfg.DownloadTTL = DefaultDownloadTTL
	}
	if cfg.RateLimitRetryAfter <= 0 {
		cfg.RateLimitRetryAfter = time.Minute
	}
	obs := d.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Orchestrator{
		backend:         d.Backend,
		sessions:        d.Sessions,
		uploadLimiter:   d.UploadLimiter,
		downloadLimiter: d.DownloadLimiter,
		quota:           d.Quota,
		records:         d.Records,
		obs:             obs,
		cfg:             cfg,
		sleep:           sleepContext,
		now:             time.Now,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Request asks for an upload slot.
type Request struct {
	Owner       string
	ClientIP    string
	Filename    string
	ContentType string
	Size        int64
}

// Result describes a completed upload.
type Result struct {
	UploadID     string `json:"uploadId"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	ObjectID     string `json:"objectId,omitempty"`
	ShareURL     string `json:"url"`
	DownloadURL  string `json:"downloadUrl"`
	SHA1         string `json:"sha1,omitempty"`
	Size         int64  `json:"size"`
}

// Begin validates req, applies rate limit and quota, and registers a pending
// session with a server-generated filename.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (session.Session, error) {
	req.Filename = strings.TrimSpace(req.Filename)
	req.ContentType = strings.TrimSpace(req.ContentType)

	if req.Filename == "" || req.ContentType == "" {
		return session.Session{}, &ValidationError{Reason: "filename and content type are required"}
	}
	if req.Size < 0 {
		return session.Session{}, &ValidationError{Reason: "file size must not be negative"}
	}
	if limit := o.backend.MaxObjectSize(); req.Size > limit {
		return session.Session{}, &ValidationError{Reason: fmt.Sprintf("file exceeds the %d byte limit", limit)}
	}
	if o.cfg.Screening {
		if err := screenType(req.Filename, req.ContentType); err != nil {
			return session.Session{}, &ValidationError{Reason: err.Error()}
		}
	}

	ok, err := o.uploadLimiter.Admit(ctx, limits.Key(req.Owner, req.ClientIP))
	if err != nil {
		return session.Session{}, fmt.Errorf("rate limit: %w", err)
	}
	if !ok {
		logging.Warn("upload rate limit exceeded", logging.Fields{"owner": req.Owner, "ip": req.ClientIP})
		return session.Session{}, &RateLimitError{RetryAfter: o.cfg.RateLimitRetryAfter}
	}

	within, err := o.quota.WithinQuota(ctx, req.Owner, req.Size)
	if err != nil {
		// Fail secure: an unknown usage total rejects the upload.
		logging.Error("quota check failed", logging.Fields{"owner": req.Owner}, err)
		within = false
	}
	if !within {
		return session.Session{}, &QuotaExceededError{Cap: o.quota.Limit()}
	}

	filename, err := GenerateFilename(o.now(), req.Filename)
	if err != nil {
		return session.Session{}, fmt.Errorf("generate filename: %w", err)
	}

	s, err := o.sessions.Create(ctx, session.Session{
		Owner:        req.Owner,
		ClientIP:     req.ClientIP,
		Filename:     filename,
		OriginalName: SanitizeFilename(req.Filename),
		Size:         req.Size,
		ContentType:  req.ContentType,
		Backend:      o.backend.Name(),
	})
	if err != nil {
		return session.Session{}, fmt.Errorf("create session: %w", err)
	}

	o.obs.UploadStarted()
	logging.Info("upload session created", logging.Fields{
		"upload_id": s.ID,
		"filename":  s.Filename,
		"size":      s.Size,
		"owner":     s.Owner,
	})
	return s, nil
}

// claim moves a pending session owned by owner to in-progress.
func (o *Orchestrator) claim(ctx context.Context, id, owner string) (session.Session, error) {
	s, err := o.sessions.Update(ctx, id, func(s *session.Session) error {
		if s.Owner != "" && s.Owner != owner {
			return session.ErrNotFound
		}
		if s.Status != session.StatusPending {
			return &ValidationError{Reason: fmt.Sprintf("upload is already %s", s.Status)}
		}
		s.Status = session.StatusInProgress
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, &NotFoundError{What: "upload session"}
	}
	return s, err
}

// Transfer spools body, verifies it against the session and relays it to the
// backend.
func (o *Orchestrator) Transfer(ctx context.Context, id, owner string, body io.Reader) (Result, error) {
	s, err := o.claim(ctx, id, owner)
	if err != nil {
		return Result{}, err
	}
	started := o.now()

	spool, digest, err := o.spool(ctx, s, body)
	if err != nil {
		o.fail(ctx, s, err)
		return Result{}, err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	objectID, err := o.relay(ctx, s, spool, digest)
	if err != nil {
		o.fail(ctx, s, err)
		return Result{}, err
	}

	res, err := o.complete(ctx, s, objectID, digest)
	if err != nil {
		return Result{}, err
	}
	o.obs.UploadCompleted(s.Size, o.now().Sub(started))
	return res, nil
}

// spool copies body to a temp file while hashing it, then checks the size and
// the content signature.
func (o *Orchestrator) spool(ctx context.Context, s session.Session, body io.Reader) (*os.File, string, error) {
	f, err := os.CreateTemp(o.cfg.TempDir, "erfa-upload-*")
	if err != nil {
		return nil, "", fmt.Errorf("create spool file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}

	h := sha1.New()
	head := &headBuffer{limit: sniffLen}
	pr := &progressReader{
		ctx:   ctx,
		r:     io.LimitReader(body, s.Size+1),
		store: o.sessions,
		id:    s.ID,
		total: s.Size,
		span:  50,
	}

	n, err := io.Copy(io.MultiWriter(f, h, head), pr)
	if pr.cancelled {
		cleanup()
		return nil, "", &CancelledError{ID: s.ID}
	}
	if err != nil {
		cleanup()
		if cur, gerr := o.sessions.Get(ctx, s.ID); gerr == nil && cur.Cancelled {
			return nil, "", &CancelledError{ID: s.ID}
		}
		return nil, "", fmt.Errorf("receive upload: %w", err)
	}
	if n != s.Size {
		cleanup()
		return nil, "", &ValidationError{Reason: fmt.Sprintf("received %d bytes, expected %d", n, s.Size)}
	}
	if o.cfg.Screening && !matchesSignature(s.ContentType, head.buf) {
		cleanup()
		return nil, "", &ValidationError{Reason: "file content does not match its declared type"}
	}
	return f, hex.EncodeToString(h.Sum(nil)), nil
}

// relay runs authorize, then up to MaxAttempts rounds of fresh target + put.
func (o *Orchestrator) relay(ctx context.Context, s session.Session, f *os.File, digest string) (string, error) {
	auth, err := o.backend.Authorize(ctx)
	if err != nil {
		return "", &AuthError{Reason: "storage authorization failed", Backend: true, Err: err}
	}

	info := storage.ObjectInfo{Key: s.Filename, ContentType: s.ContentType, Size: s.Size, SHA1: digest}
	var (
		lastErr    error
		lastStatus int
	)

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			o.obs.TransferRetried()
			if err := o.sleep(ctx, time.Duration(attempt-1)*o.cfg.Backoff); err != nil {
				return "", &TransferError{Status: lastStatus, Attempts: attempt - 1, Err: err}
			}
		}
		if cur, err := o.sessions.Get(ctx, s.ID); err == nil && cur.Cancelled {
			return "", &CancelledError{ID: s.ID}
		}

		target, err := o.backend.GetUploadTarget(ctx, auth, info)
		if err != nil {
			return "", &TransferError{Attempts: attempt, Err: err}
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("rewind spool file: %w", err)
		}
		pr := &progressReader{
			ctx:   ctx,
			r:     f,
			store: o.sessions,
			id:    s.ID,
			total: s.Size,
			base:  50,
			span:  49,
		}
		res, err := o.backend.PutObject(ctx, target, storage.Object{
			ObjectInfo: info,
			Body:       pr,
			Metadata:   map[string]string{"original-name": s.OriginalName},
		})
		if err == nil {
			return res.ObjectID, nil
		}
		if pr.cancelled {
			return "", &CancelledError{ID: s.ID}
		}

		var te *storage.TransferError
		if !errors.As(err, &te) {
			return "", &TransferError{Attempts: attempt, Err: err}
		}
		if !te.Retryable() || ctx.Err() != nil {
			return "", &TransferError{Status: te.Status, Attempts: attempt, Err: err}
		}

		lastErr, lastStatus = err, te.Status
		logging.Warn("transfer attempt failed", logging.Fields{
			"upload_id": s.ID,
			"attempt":   attempt,
			"status":    te.Status,
			"error":     te.Message,
		})
	}

	return "", &TransferError{Status: lastStatus, Attempts: o.cfg.MaxAttempts, Retryable: true, Err: lastErr}
}

// fail records the terminal state for err.
func (o *Orchestrator) fail(ctx context.Context, s session.Session, err error) {
	var ce *CancelledError
	if errors.As(err, &ce) {
		o.obs.UploadCancelled()
		logging.Info("upload cancelled", logging.Fields{"upload_id": s.ID})
		return
	}
	if _, ferr := o.sessions.Finish(ctx, s.ID, session.StatusFailed, "", err.Error()); ferr != nil {
		logging.Error("mark session failed", logging.Fields{"upload_id": s.ID}, ferr)
	}
	o.obs.UploadFailed(failureReason(err))
	logging.Error("upload failed", logging.Fields{"upload_id": s.ID, "filename": s.Filename}, err)
}

func failureReason(err error) string {
	var (
		ve *ValidationError
		ae *AuthError
		te *TransferError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &ae):
		return "auth"
	case errors.As(err, &te):
		return "transfer"
	default:
		return "internal"
	}
}

// complete finishes the session and writes the record. A record write failure
// is logged and does not change the result.
func (o *Orchestrator) complete(ctx context.Context, s session.Session, objectID, digest string) (Result, error) {
	fin, err := o.sessions.Finish(ctx, s.ID, session.StatusCompleted, objectID, "")
	switch {
	case errors.Is(err, session.ErrNotFound):
		// The session expired while the bytes were in flight. The object is
		// stored, so the upload still completes.
		logging.Warn("upload session expired before completion", logging.Fields{
			"upload_id": s.ID,
			"filename":  s.Filename,
		})
	case err != nil:
		return Result{}, fmt.Errorf("finish session: %w", err)
	case fin.Status == session.StatusCancelled:
		// The put landed after the client cancelled; the object is left in place.
		logging.Warn("object stored after cancellation", logging.Fields{
			"upload_id": s.ID,
			"filename":  s.Filename,
			"object_id": objectID,
		})
		o.obs.UploadCancelled()
		return Result{}, &CancelledError{ID: s.ID}
	}

	downloadURL := o.downloadURL(s.Filename)
	now := o.now().UTC()
	rec := records.Record{
		ID:           s.ID,
		UserID:       s.Owner,
		Filename:     s.Filename,
		OriginalName: s.OriginalName,
		Size:         s.Size,
		MimeType:     s.ContentType,
		Status:       records.StatusCompleted,
		DownloadURL:  downloadURL,
		StorageType:  o.backend.Name(),
		BucketName:   o.backend.Bucket(),
		ObjectKey:    s.Filename,
		FileID:       objectID,
		SHA1:         digest,
		UploadedAt:   now,
		CompletedAt:  &now,
	}
	if _, err := o.records.Insert(ctx, rec); err != nil {
		logging.Error("upload stored but record not saved", logging.Fields{
			"upload_id": s.ID,
			"filename":  s.Filename,
		}, &PersistenceError{Err: err})
	}

	logging.Info("upload completed", logging.Fields{
		"upload_id": s.ID,
		"filename":  s.Filename,
		"size":      s.Size,
		"backend":   o.backend.Name(),
	})

	return Result{
		UploadID:     s.ID,
		Filename:     s.Filename,
		OriginalName: s.OriginalName,
		ObjectID:     objectID,
		ShareURL:     ShareURL(o.cfg.BaseURL, s.Filename),
		DownloadURL:  downloadURL,
		SHA1:         digest,
		Size:         s.Size,
	}, nil
}

func (o *Orchestrator) downloadURL(filename string) string {
	return strings.TrimRight(o.cfg.BaseURL, "/") + "/api/download?filename=" + url.QueryEscape(filename)
}

// DirectTarget lets a client send bytes straight to storage.
type DirectTarget struct {
	UploadID           string              `json:"uploadId"`
	Filename           string              `json:"filename"`
	UploadURL          string              `json:"uploadUrl"`
	AuthorizationToken string              `json:"authorizationToken,omitempty"`
	Method             string              `json:"method"`
	Headers            map[string][]string `json:"headers,omitempty"`
}

// Prepare issues a storage target for a pending session so the client can
// upload directly and report back through Complete.
func (o *Orchestrator) Prepare(ctx context.Context, id, owner string) (DirectTarget, error) {
	s, err := o.claim(ctx, id, owner)
	if err != nil {
		return DirectTarget{}, err
	}

	auth, err := o.backend.Authorize(ctx)
	if err != nil {
		aerr := &AuthError{Reason: "storage authorization failed", Backend: true, Err: err}
		o.fail(ctx, s, aerr)
		return DirectTarget{}, aerr
	}
	target, err := o.backend.GetUploadTarget(ctx, auth, storage.ObjectInfo{
		Key:         s.Filename,
		ContentType: s.ContentType,
		Size:        s.Size,
	})
	if err != nil {
		terr := &TransferError{Attempts: 1, Err: err}
		o.fail(ctx, s, terr)
		return DirectTarget{}, terr
	}

	return DirectTarget{
		UploadID:           s.ID,
		Filename:           s.Filename,
		UploadURL:          target.UploadURL,
		AuthorizationToken: target.UploadToken,
		Method:             target.Method,
		Headers:            target.Headers,
	}, nil
}

// CompleteRequest reports a direct upload as finished.
type CompleteRequest struct {
	Owner        string
	UploadID     string `json:"uploadId"`
	FileID       string `json:"fileId"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	FileSize     int64  `json:"fileSize"`
	ContentType  string `json:"contentType"`
}

// Complete finishes a direct upload after checking it against its session.
func (o *Orchestrator) Complete(ctx context.Context, req CompleteRequest) (Result, error) {
	if req.UploadID == "" || req.Filename == "" {
		return Result{}, &ValidationError{Reason: "uploadId and filename are required"}
	}
	s, err := o.sessions.Get(ctx, req.UploadID)
	if errors.Is(err, session.ErrNotFound) {
		return o.completeExpired(ctx, req)
	}
	if err == nil && s.Owner != "" && s.Owner != req.Owner {
		return Result{}, &NotFoundError{What: "upload session"}
	}
	if err != nil {
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	if s.Status == session.StatusCancelled {
		return Result{}, &CancelledError{ID: s.ID}
	}
	if s.Status.Terminal() {
		return Result{}, &ValidationError{Reason: fmt.Sprintf("upload is already %s", s.Status)}
	}
	if req.Filename != s.Filename {
		return Result{}, &ValidationError{Reason: "filename does not match the upload session"}
	}
	if req.FileSize != s.Size {
		return Result{}, &ValidationError{Reason: "file size does not match the upload session"}
	}

	if err := o.backend.Stat(ctx, s.Filename); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, &ValidationError{Reason: "uploaded file not found in storage"}
		}
		logging.Warn("could not verify direct upload", logging.Fields{"upload_id": s.ID, "error": err.Error()})
	}

	res, err := o.complete(ctx, s, req.FileID, "")
	if err != nil {
		return Result{}, err
	}
	o.obs.UploadCompleted(s.Size, o.now().Sub(s.CreatedAt))
	return res, nil
}

// completeExpired finishes a direct upload whose session was reaped while
// the client was still sending. The request is trusted only when it names
// a server-issued object that exists and has no record yet.
func (o *Orchestrator) completeExpired(ctx context.Context, req CompleteRequest) (Result, error) {
	if !ValidStoredName(req.Filename) {
		return Result{}, &NotFoundError{What: "upload session"}
	}
	if err := o.backend.Stat(ctx, req.Filename); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, &NotFoundError{What: "upload session"}
		}
		return Result{}, fmt.Errorf("verify direct upload: %w", err)
	}
	_, err := o.records.FindByFilename(ctx, req.Filename)
	if err == nil {
		return Result{}, &ValidationError{Reason: "upload is already completed"}
	}
	if !errors.Is(err, records.ErrNotFound) {
		return Result{}, fmt.Errorf("look up record: %w", err)
	}

	s := session.Session{
		ID:           req.UploadID,
		Owner:        req.Owner,
		Filename:     req.Filename,
		OriginalName: SanitizeFilename(req.OriginalName),
		Size:         req.FileSize,
		ContentType:  req.ContentType,
		CreatedAt:    o.now(),
	}
	res, err := o.complete(ctx, s, req.FileID, "")
	if err != nil {
		return Result{}, err
	}
	o.obs.UploadCompleted(s.Size, 0)
	return res, nil
}

// Cancel requests cooperative cancellation. It reports whether the session
// changed; unknown and already finished sessions are not errors.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	changed, err := o.sessions.MarkCancelled(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel upload: %w", err)
	}
	if changed {
		logging.Info("upload cancellation requested", logging.Fields{"upload_id": id})
	}
	return changed, nil
}

// StatusUnknown is reported by Progress for ids the registry does not hold.
const StatusUnknown session.Status = "unknown"

// Progress returns the percent complete and status of an upload.
func (o *Orchestrator) Progress(ctx context.Context, id string) (int, session.Status) {
	s, err := o.sessions.Get(ctx, id)
	if err != nil {
		return 0, StatusUnknown
	}
	return s.Progress, s.Status
}

// DownloadRequest asks for a time-limited link to a stored file.
type DownloadRequest struct {
	Owner     string
	ClientIP  string
	UserAgent string
	Filename  string
}

// Download is an issued link.
type Download struct {
	URL          string `json:"downloadUrl"`
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	ExpiresIn    int    `json:"expiresIn"`
}

// DownloadLink checks access and existence, then issues a presigned link.
// The download event is logged best-effort.
func (o *Orchestrator) DownloadLink(ctx context.Context, req DownloadRequest) (Download, error) {
	if req.Owner == "" && !o.cfg.AllowAnonymousDownloads {
		return Download{}, &AuthError{Reason: "authentication required"}
	}
	name := strings.TrimSpace(req.Filename)
	if name == "" {
		return Download{}, &ValidationError{Reason: "filename is required"}
	}
	if SanitizeFilename(name) != name || !ValidStoredName(name) {
		return Download{}, &ValidationError{Reason: "invalid filename"}
	}

	ok, err := o.downloadLimiter.Admit(ctx, limits.Key(req.Owner, req.ClientIP))
	if err != nil {
		return Download{}, fmt.Errorf("rate limit: %w", err)
	}
	if !ok {
		return Download{}, &RateLimitError{RetryAfter: o.cfg.RateLimitRetryAfter}
	}

	if err := o.backend.Stat(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Download{}, &NotFoundError{What: "file"}
		}
		return Download{}, fmt.Errorf("check file: %w", err)
	}

	original, contentType := name, ""
	if rec, err := o.records.FindByFilename(ctx, name); err == nil {
		original, contentType = rec.OriginalName, rec.MimeType
	} else if !errors.Is(err, records.ErrNotFound) {
		logging.Warn("record lookup failed", logging.Fields{"filename": name, "error": err.Error()})
	}

	link, err := o.backend.DownloadURL(ctx, name, storage.DownloadOptions{
		Filename:    original,
		ContentType: contentType,
		TTL:         o.cfg.DownloadTTL,
	})
	if err != nil {
		return Download{}, fmt.Errorf("issue download link: %w", err)
	}

	if err := o.records.LogDownload(ctx, records.DownloadEvent{
		UserID:      req.Owner,
		Filename:    name,
		IP:          req.ClientIP,
		UserAgent:   req.UserAgent,
		StorageType: o.backend.Name(),
	}); err != nil {
		logging.Warn("download not logged", logging.Fields{"filename": name, "error": err.Error()})
	}
	o.obs.DownloadIssued()

	return Download{
		URL:          link,
		Filename:     name,
		OriginalName: original,
		ExpiresIn:    int(o.cfg.DownloadTTL.Seconds()),
	}, nil
}

// History lists the owner's most recent uploads, newest first.
func (o *Orchestrator) History(ctx context.Context, owner string) ([]records.Record, error) {
	if owner == "" {
		return nil, &AuthError{Reason: "authentication required"}
	}
	return o.records.ListByOwner(ctx, owner, historyLimit)
}

// Backend returns the storage backend in use.
func (o *Orchestrator) Backend() storage.Backend { return o.backend }

// TempDir is where request bodies are spooled. Empty means the OS default.
func (o *Orchestrator) TempDir() string { return o.cfg.TempDir }
