// Package storage adapts remote object-storage services to the three-step
// upload contract used by the upload pipeline: authorize, acquire a
// single-use upload target, then put the object bytes.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAuth is returned when account credentials are rejected.
	ErrAuth = errors.New("storage authorization failed")
	// ErrTargetUnavailable is returned when no upload target could be issued.
	ErrTargetUnavailable = errors.New("upload target unavailable")
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrInvalid is returned for incomplete backend configuration.
	ErrInvalid = errors.New("invalid storage configuration")
)

// Authorization is a short-lived credential obtained from account keys.
type Authorization struct {
	APIEndpoint string
	Token       string
	DownloadURL string
	ExpiresAt   time.Time
}

// ObjectInfo describes the object a target is requested for. SHA1 is
// optional; backends that sign the digest into the target use it when set.
type ObjectInfo struct {
	Key         string
	ContentType string
	Size        int64
	SHA1        string
}

// Target is a single-use transfer destination. It must be discarded after one
// transfer attempt, successful or not.
type Target struct {
	UploadURL   string
	UploadToken string
	Method      string
	Headers     http.Header
}

// Object is the payload handed to PutObject. Body must yield exactly Size bytes.
type Object struct {
	ObjectInfo
	Body     io.Reader
	Metadata map[string]string
}

// PutResult is returned by a successful PutObject.
type PutResult struct {
	ObjectID string
}

// DownloadOptions shape a time-limited download link.
type DownloadOptions struct {
	Filename    string
	ContentType string
	TTL         time.Duration
}

// Backend is implemented by each object-storage variant.
type Backend interface {
	// Name returns the storage tag persisted with upload records.
	Name() string
	// Bucket returns the configured bucket name.
	Bucket() string
	// MaxObjectSize is the largest object the backend accepts in one put.
	MaxObjectSize() int64

	Authorize(ctx context.Context) (Authorization, error)
	GetUploadTarget(ctx context.Context, auth Authorization, info ObjectInfo) (Target, error)
	PutObject(ctx context.Context, target Target, obj Object) (PutResult, error)

	Stat(ctx context.Context, key string) error
	DownloadURL(ctx context.Context, key string, opts DownloadOptions) (string, error)
}

// TransferError reports a failed byte transfer. Status is zero when no HTTP
// response was received.
type TransferError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransferError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("transfer failed: %s", e.Message)
	}
	return fmt.Sprintf("transfer failed: status %d: %s", e.Status, e.Message)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt with a fresh target may succeed.
// 408 and every 5xx are transient; so is a transport failure with no
// response. Everything else is terminal.
func (e *TransferError) Retryable() bool {
	return IsRetryableStatus(e.Status)
}

// isRejection reports whether a status from an authorization call means the
// credentials or bucket were refused, as opposed to the service being down.
func isRejection(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound
}

// IsRetryableStatus classifies an HTTP status from a put attempt.
func IsRetryableStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}

// Config selects and configures a backend variant.
type Config struct {
	Type          string // b2, s3 or minio
	Bucket        string
	MaxObjectSize int64

	// B2
	AccountID      string
	ApplicationKey string
	BucketID       string
	B2APIURL       string

	// S3 / MinIO
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	PathStyle bool

	// TargetTTL bounds the validity of presigned upload targets.
	TargetTTL time.Duration
}

const (
	defaultMaxObjectSize = 1 << 30 // 1 GiB
	defaultTargetTTL     = 15 * time.Minute
)

func (c Config) maxObjectSize() int64 {
	if c.MaxObjectSize <= 0 {
		return defaultMaxObjectSize
	}
	return c.MaxObjectSize
}

func (c Config) targetTTL() time.Duration {
	if c.TargetTTL <= 0 {
		return defaultTargetTTL
	}
	return c.TargetTTL
}

// New builds the backend named by cfg.Type.
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "b2":
		return NewB2Backend(cfg)
	case "s3":
		return NewS3Backend(ctx, cfg)
	case "minio", "":
		return NewMinioBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown storage type %q", ErrInvalid, cfg.Type)
	}
}
