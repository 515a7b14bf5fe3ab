package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req"
	"github.com/tidwall/gjson"
)

const defaultB2APIURL = "https://api.backblazeb2.com"

// B2Backend talks to the Backblaze B2 native API.
type B2Backend struct {
	cfg     Config
	apiURL  string
	control *req.Req
	client  *http.Client
}

type b2AuthorizeResp struct {
	AccountID          string `json:"accountId"`
	AuthorizationToken string `json:"authorizationToken"`
	APIURL             string `json:"apiUrl"`
	DownloadURL        string `json:"downloadUrl"`
}

type b2UploadURLResp struct {
	BucketID           string `json:"bucketId"`
	UploadURL          string `json:"uploadUrl"`
	AuthorizationToken string `json:"authorizationToken"`
}

type b2UploadResp struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	ContentSha1 string `json:"contentSha1"`
}

// NewB2Backend validates cfg and returns a B2 adapter.
func NewB2Backend(cfg Config) (*B2Backend, error) {
	if cfg.AccountID == "" || cfg.ApplicationKey == "" || cfg.BucketID == "" || cfg.Bucket == "" {
		return nil, ErrInvalid
	}
	apiURL := strings.TrimRight(cfg.B2APIURL, "/")
	if apiURL == "" {
		apiURL = defaultB2APIURL
	}

	// Transfers can run for minutes; only the control plane gets a deadline.
	client := &http.Client{}
	control := req.New()
	control.SetClient(&http.Client{Timeout: 30 * time.Second})

	return &B2Backend{cfg: cfg, apiURL: apiURL, control: control, client: client}, nil
}

func (b *B2Backend) Name() string         { return "b2" }
func (b *B2Backend) Bucket() string       { return b.cfg.Bucket }
func (b *B2Backend) MaxObjectSize() int64 { return b.cfg.maxObjectSize() }

// Authorize exchanges the account key for a short-lived token.
func (b *B2Backend) Authorize(ctx context.Context) (Authorization, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(b.cfg.AccountID + ":" + b.cfg.ApplicationKey))

	resp, err := b.control.Get(b.apiURL+"/b2api/v2/b2_authorize_account",
		req.Header{"Authorization": "Basic " + basic}, ctx)
	if err != nil {
		return Authorization{}, fmt.Errorf("authorize b2 account: %w", err)
	}
	if status := resp.Response().StatusCode; status < 200 || status > 299 {
		if isRejection(status) {
			return Authorization{}, fmt.Errorf("%w: status %d: %s", ErrAuth, status, b2Message(resp.Bytes()))
		}
		return Authorization{}, fmt.Errorf("authorize b2 account: status %d: %s", status, b2Message(resp.Bytes()))
	}

	var out b2AuthorizeResp
	if err := resp.ToJSON(&out); err != nil {
		return Authorization{}, fmt.Errorf("authorize b2 account: decode: %w", err)
	}
	if out.AuthorizationToken == "" || out.APIURL == "" {
		return Authorization{}, fmt.Errorf("authorize b2 account: incomplete response")
	}

	return Authorization{
		APIEndpoint: out.APIURL,
		Token:       out.AuthorizationToken,
		DownloadURL: out.DownloadURL,
		// B2 account tokens are valid for 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// GetUploadTarget asks B2 for a fresh upload URL bound to the bucket.
func (b *B2Backend) GetUploadTarget(ctx context.Context, auth Authorization, _ ObjectInfo) (Target, error) {
	resp, err := b.control.Post(auth.APIEndpoint+"/b2api/v2/b2_get_upload_url",
		req.Header{"Authorization": auth.Token},
		req.BodyJSON(map[string]string{"bucketId": b.cfg.BucketID}),
		ctx)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
	}
	if status := resp.Response().StatusCode; status < 200 || status > 299 {
		return Target{}, fmt.Errorf("%w: status %d: %s", ErrTargetUnavailable, status, b2Message(resp.Bytes()))
	}

	var out b2UploadURLResp
	if err := resp.ToJSON(&out); err != nil {
		return Target{}, fmt.Errorf("%w: decode: %v", ErrTargetUnavailable, err)
	}
	if out.UploadURL == "" {
		return Target{}, fmt.Errorf("%w: empty upload url", ErrTargetUnavailable)
	}

	return Target{
		UploadURL:   out.UploadURL,
		UploadToken: out.AuthorizationToken,
		Method:      http.MethodPost,
	}, nil
}

// PutObject uploads the payload to a B2 upload URL.
func (b *B2Backend) PutObject(ctx context.Context, target Target, obj Object) (PutResult, error) {
	if len(obj.SHA1) != 40 {
		return PutResult{}, &TransferError{Message: "missing sha1 digest"}
	}

	h := http.Header{}
	h.Set("Authorization", target.UploadToken)
	h.Set("X-Bz-File-Name", b2EncodeName(obj.Key))
	h.Set("X-Bz-Content-Sha1", obj.SHA1)
	contentType := obj.ContentType
	if contentType == "" {
		contentType = "b2/x-auto"
	}
	h.Set("Content-Type", contentType)
	for k, v := range obj.Metadata {
		h.Set("X-Bz-Info-"+k, url.QueryEscape(v))
	}

	body, err := sendObject(ctx, b.client, target, obj, h)
	if err != nil {
		if te, ok := err.(*TransferError); ok && te.Status != 0 {
			te.Message = b2Message([]byte(te.Message))
		}
		return PutResult{}, err
	}

	var out b2UploadResp
	if err := json.Unmarshal(body, &out); err != nil {
		return PutResult{}, &TransferError{Message: "decode upload response", Err: err}
	}
	return PutResult{ObjectID: out.FileID}, nil
}

// Stat checks the object exists with an authorized HEAD on its download URL.
func (b *B2Backend) Stat(ctx context.Context, key string) error {
	auth, err := b.Authorize(ctx)
	if err != nil {
		return err
	}
	resp, err := b.control.Head(b.fileURL(auth, key), req.Header{"Authorization": auth.Token}, ctx)
	if err != nil {
		return fmt.Errorf("b2 head: %w", err)
	}
	switch status := resp.Response().StatusCode; {
	case status == http.StatusNotFound:
		return ErrNotFound
	case status < 200 || status > 299:
		return fmt.Errorf("b2 head: status %d", status)
	}
	return nil
}

// DownloadURL returns a link carrying a download authorization scoped to key.
func (b *B2Backend) DownloadURL(ctx context.Context, key string, opts DownloadOptions) (string, error) {
	auth, err := b.Authorize(ctx)
	if err != nil {
		return "", err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	payload := map[string]any{
		"bucketId":               b.cfg.BucketID,
		"fileNamePrefix":         key,
		"validDurationInSeconds": int(ttl.Seconds()),
	}
	if opts.Filename != "" {
		payload["b2ContentDisposition"] = fmt.Sprintf(`attachment; filename="%s"`, opts.Filename)
	}

	resp, err := b.control.Post(auth.APIEndpoint+"/b2api/v2/b2_get_download_authorization",
		req.Header{"Authorization": auth.Token}, req.BodyJSON(payload), ctx)
	if err != nil {
		return "", fmt.Errorf("b2 download authorization: %w", err)
	}
	if status := resp.Response().StatusCode; status < 200 || status > 299 {
		return "", fmt.Errorf("b2 download authorization: status %d: %s", status, b2Message(resp.Bytes()))
	}
	token := gjson.GetBytes(resp.Bytes(), "authorizationToken").String()
	if token == "" {
		return "", fmt.Errorf("b2 download authorization: empty token")
	}

	q := url.Values{}
	q.Set("Authorization", token)
	if opts.Filename != "" {
		q.Set("b2ContentDisposition", fmt.Sprintf(`attachment; filename="%s"`, opts.Filename))
	}
	return b.fileURL(auth, key) + "?" + q.Encode(), nil
}

func (b *B2Backend) fileURL(auth Authorization, key string) string {
	return strings.TrimRight(auth.DownloadURL, "/") + "/file/" + url.PathEscape(b.cfg.Bucket) + "/" + b2EncodeName(key)
}

// b2EncodeName percent-encodes a file name, keeping path separators.
func b2EncodeName(name string) string {
	return strings.ReplaceAll(url.PathEscape(name), "%2F", "/")
}

// b2Message extracts the "message" field of a B2 error body, falling back to
// the raw text.
func b2Message(body []byte) string {
	if msg := gjson.GetBytes(body, "message"); msg.Exists() && msg.String() != "" {
		if code := gjson.GetBytes(body, "code").String(); code != "" {
			return code + ": " + msg.String()
		}
		return msg.String()
	}
	return strings.TrimSpace(string(body))
}
