package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// S3Backend stores objects in AWS S3 or any S3-compatible service. Uploads go
// through presigned PUT URLs so the transfer step looks the same as for B2.
type S3Backend struct {
	cfg       Config
	client    *s3.Client
	presigner *s3.PresignClient
	http      *http.Client
}

// NewS3Backend builds an S3 client from static credentials.
func NewS3Backend(ctx context.Context, cfg Config) (*S3Backend, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
		return nil, ErrInvalid
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return &S3Backend{
		cfg:       cfg,
		client:    client,
		presigner: s3.NewPresignClient(client),
		http:      &http.Client{},
	}, nil
}

func (s *S3Backend) Name() string         { return "s3" }
func (s *S3Backend) Bucket() string       { return s.cfg.Bucket }
func (s *S3Backend) MaxObjectSize() int64 { return s.cfg.maxObjectSize() }

// Authorize verifies the credentials can reach the bucket. S3 has no separate
// session token, so the returned Authorization only records the endpoint.
func (s *S3Backend) Authorize(ctx context.Context) (Authorization, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "Forbidden", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NotFound", "NoSuchBucket":
				return Authorization{}, fmt.Errorf("%w: %s", ErrAuth, apiErr.ErrorCode())
			}
		}
		var respErr *smithyhttp.ResponseError
		if errors.As(err, &respErr) && isRejection(respErr.HTTPStatusCode()) {
			return Authorization{}, fmt.Errorf("%w: status %d", ErrAuth, respErr.HTTPStatusCode())
		}
		return Authorization{}, fmt.Errorf("head s3 bucket: %w", err)
	}
	return Authorization{
		APIEndpoint: s.cfg.Endpoint,
		ExpiresAt:   time.Now().Add(s.cfg.targetTTL()),
	}, nil
}

// GetUploadTarget presigns a PUT for info.Key. The content digest travels as
// object metadata so it is covered by the signature.
func (s *S3Backend) GetUploadTarget(ctx context.Context, _ Authorization, info ObjectInfo) (Target, error) {
	if info.Key == "" {
		return Target{}, fmt.Errorf("%w: empty key", ErrTargetUnavailable)
	}
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(info.Key),
	}
	if info.ContentType != "" {
		in.ContentType = aws.String(info.ContentType)
	}
	if info.SHA1 != "" {
		in.Metadata = map[string]string{"content-sha1": info.SHA1}
	}

	req, err := s.presigner.PresignPutObject(ctx, in, s3.WithPresignExpires(s.cfg.targetTTL()))
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}

	headers := http.Header{}
	for k, vs := range req.SignedHeader {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	return Target{
		UploadURL: req.URL,
		Method:    req.Method,
		Headers:   headers,
	}, nil
}

// PutObject sends the bytes to a presigned URL.
func (s *S3Backend) PutObject(ctx context.Context, target Target, obj Object) (PutResult, error) {
	if _, err := sendObject(ctx, s.http, target, obj, nil); err != nil {
		return PutResult{}, err
	}
	return PutResult{ObjectID: obj.Key}, nil
}

// Stat reports ErrNotFound when key is absent.
func (s *S3Backend) Stat(ctx context.Context, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return ErrNotFound
	}
	return fmt.Errorf("failed to check object existence: %w", err)
}

// DownloadURL presigns a GET that forces an attachment download.
func (s *S3Backend) DownloadURL(ctx context.Context, key string, opts DownloadOptions) (string, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if opts.Filename != "" {
		in.ResponseContentDisposition = aws.String(fmt.Sprintf(`attachment; filename="%s"`, opts.Filename))
	}
	if opts.ContentType != "" {
		in.ResponseContentType = aws.String(opts.ContentType)
	}

	presigned, err := s.presigner.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return presigned.URL, nil
}
