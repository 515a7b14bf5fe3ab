package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioBackend stores objects in a MinIO server.
type MinioBackend struct {
	cfg    Config
	client *minio.Client
	http   *http.Client
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// Bare host:port is treated as plain HTTP.
	return raw, false, nil
}

// NewMinioBackend connects to MinIO. The bucket is checked on Authorize, not here.
func NewMinioBackend(_ context.Context, cfg Config) (*MinioBackend, error) {
	if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: minio configuration incomplete", ErrInvalid)
	}

	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinioBackend{cfg: cfg, client: client, http: &http.Client{}}, nil
}

func (m *MinioBackend) Name() string         { return "minio" }
func (m *MinioBackend) Bucket() string       { return m.cfg.Bucket }
func (m *MinioBackend) MaxObjectSize() int64 { return m.cfg.maxObjectSize() }

// Client exposes the underlying MinIO client for health checks.
func (m *MinioBackend) Client() *minio.Client { return m.client }

var minioDenied = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
}

// Authorize checks the credentials by confirming the bucket exists.
func (m *MinioBackend) Authorize(ctx context.Context) (Authorization, error) {
	exists, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		if resp := minio.ToErrorResponse(err); isRejection(resp.StatusCode) || minioDenied[resp.Code] {
			return Authorization{}, fmt.Errorf("%w: %s", ErrAuth, resp.Code)
		}
		return Authorization{}, fmt.Errorf("check minio bucket: %w", err)
	}
	if !exists {
		return Authorization{}, fmt.Errorf("%w: minio bucket does not exist: %s", ErrAuth, m.cfg.Bucket)
	}
	return Authorization{
		APIEndpoint: m.client.EndpointURL().String(),
		ExpiresAt:   time.Now().Add(m.cfg.targetTTL()),
	}, nil
}

// GetUploadTarget presigns a PUT with the digest signed in as user metadata.
func (m *MinioBackend) GetUploadTarget(ctx context.Context, _ Authorization, info ObjectInfo) (Target, error) {
	if info.Key == "" {
		return Target{}, fmt.Errorf("%w: empty key", ErrTargetUnavailable)
	}
	headers := http.Header{}
	if info.SHA1 != "" {
		headers.Set("X-Amz-Meta-Content-Sha1", info.SHA1)
	}

	u, err := m.client.PresignHeader(ctx, http.MethodPut, m.cfg.Bucket, info.Key, m.cfg.targetTTL(), url.Values{}, headers)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}
	return Target{UploadURL: u.String(), Method: http.MethodPut, Headers: headers}, nil
}

// PutObject sends the bytes to a presigned URL.
func (m *MinioBackend) PutObject(ctx context.Context, target Target, obj Object) (PutResult, error) {
	if _, err := sendObject(ctx, m.http, target, obj, nil); err != nil {
		return PutResult{}, err
	}
	return PutResult{ObjectID: obj.Key}, nil
}

// Stat reports ErrNotFound when key is absent.
func (m *MinioBackend) Stat(ctx context.Context, key string) error {
	_, err := m.client.StatObject(ctx, m.cfg.Bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return fmt.Errorf("stat object: %w", err)
}

// DownloadURL presigns a GET that forces an attachment download.
func (m *MinioBackend) DownloadURL(ctx context.Context, key string, opts DownloadOptions) (string, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	params := url.Values{}
	if opts.Filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%s"`, opts.Filename))
	}
	if opts.ContentType != "" {
		params.Set("response-content-type", opts.ContentType)
	}
	u, err := m.client.PresignedGetObject(ctx, m.cfg.Bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}
