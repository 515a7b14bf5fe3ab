// Package client drives uploads against an erfa3ly server from a command
// line or any other front end: it requests a slot, streams the file, polls
// progress and carries cancellation across restarts.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/imroc/req"
	"github.com/tidwall/gjson"
)

// SessionCookie is the name of the server's login cookie.
const SessionCookie = "erfa_session"

// Slot is a granted upload session.
type Slot struct {
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Result is the server's answer to a finished transfer.
type Result struct {
	Success     bool   `json:"success"`
	UploadID    string `json:"uploadId"`
	URL         string `json:"url"`
	DownloadURL string `json:"downloadUrl"`
	SHA1        string `json:"sha1"`
	Size        int64  `json:"size"`
}

// APIError is a non-2xx server response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Uploader is the server surface the controller needs.
type Uploader interface {
	Begin(ctx context.Context, filename, contentType string, size int64) (Slot, error)
	Send(ctx context.Context, uploadID string, body io.Reader, size int64) (Result, error)
	Progress(ctx context.Context, uploadID string) (int, string, error)
	Cancel(ctx context.Context, uploadID string) error
}

// API talks to the server's upload endpoints.
type API struct {
	base    string
	session string
	control *req.Req
	data    *http.Client
}

// NewAPI returns a client for baseURL. session is the login cookie value and
// may be empty for anonymous uploads.
func NewAPI(baseURL, session string) *API {
	control := req.New()
	control.SetClient(&http.Client{Timeout: 30 * time.Second})
	return &API{
		base:    strings.TrimRight(baseURL, "/"),
		session: session,
		control: control,
		data:    &http.Client{},
	}
}

// BaseURL returns the server address.
func (a *API) BaseURL() string { return a.base }

func (a *API) headers() req.Header {
	h := req.Header{"Accept": "application/json"}
	if a.session != "" {
		h["Cookie"] = SessionCookie + "=" + a.session
	}
	return h
}

func (a *API) Begin(ctx context.Context, filename, contentType string, size int64) (Slot, error) {
	resp, err := a.control.Post(a.base+"/api/uploads", a.headers(), req.BodyJSON(map[string]any{
		"filename":    filename,
		"contentType": contentType,
		"fileSize":    size,
	}), ctx)
	if err != nil {
		return Slot{}, fmt.Errorf("request upload slot: %w", err)
	}
	if err := checkResponse(resp.Response().StatusCode, resp.Bytes()); err != nil {
		return Slot{}, err
	}
	var slot Slot
	if err := resp.ToJSON(&slot); err != nil {
		return Slot{}, fmt.Errorf("decode upload slot: %w", err)
	}
	return slot, nil
}

// Send streams size bytes from body to the server for uploadID.
func (a *API) Send(ctx context.Context, uploadID string, body io.Reader, size int64) (Result, error) {
	u := a.base + "/api/uploads/content?uploadId=" + url.QueryEscape(uploadID)
	r, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return Result{}, err
	}
	r.ContentLength = size
	r.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range a.headers() {
		r.Header.Set(k, v)
	}

	resp, err := a.data.Do(r)
	if err != nil {
		return Result{}, fmt.Errorf("send file: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if err := checkResponse(resp.StatusCode, raw); err != nil {
		return Result{}, err
	}

	res := Result{
		Success:     gjson.GetBytes(raw, "success").Bool(),
		UploadID:    gjson.GetBytes(raw, "uploadId").String(),
		URL:         gjson.GetBytes(raw, "url").String(),
		DownloadURL: gjson.GetBytes(raw, "downloadUrl").String(),
		SHA1:        gjson.GetBytes(raw, "sha1").String(),
		Size:        gjson.GetBytes(raw, "size").Int(),
	}
	return res, nil
}

func (a *API) Progress(ctx context.Context, uploadID string) (int, string, error) {
	resp, err := a.control.Get(a.base+"/api/upload?uploadId="+url.QueryEscape(uploadID), a.headers(), ctx)
	if err != nil {
		return 0, "", fmt.Errorf("poll progress: %w", err)
	}
	raw := resp.Bytes()
	if err := checkResponse(resp.Response().StatusCode, raw); err != nil {
		return 0, "", err
	}
	return int(gjson.GetBytes(raw, "progress").Int()), gjson.GetBytes(raw, "status").String(), nil
}

func (a *API) Cancel(ctx context.Context, uploadID string) error {
	resp, err := a.control.Delete(a.base+"/api/upload", a.headers(),
		req.BodyJSON(map[string]string{"uploadId": uploadID}), ctx)
	if err != nil {
		return fmt.Errorf("cancel upload: %w", err)
	}
	return checkResponse(resp.Response().StatusCode, resp.Bytes())
}

func checkResponse(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := gjson.GetBytes(body, "error").String()
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{Status: status, Message: msg}
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}
