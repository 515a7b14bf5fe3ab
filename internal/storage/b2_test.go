package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeB2 mimics the handful of B2 endpoints the adapter uses.
type fakeB2 struct {
	srv        *httptest.Server
	putStatus  int
	authStatus int
	puts       atomic.Int32
	mu         sync.Mutex
	lastHeader http.Header
	lastBody   string
}

func newFakeB2(t *testing.T) *fakeB2 {
	t.Helper()
	f := &fakeB2{putStatus: http.StatusOK, authStatus: http.StatusOK}
	mux := http.NewServeMux()

	mux.HandleFunc("/b2api/v2/b2_authorize_account", func(w http.ResponseWriter, r *http.Request) {
		if f.authStatus >= 500 {
			w.WriteHeader(f.authStatus)
			_, _ = w.Write([]byte(`{"status":503,"code":"service_unavailable","message":"busy"}`))
			return
		}
		user, pass, ok := r.BasicAuth()
		if f.authStatus != http.StatusOK || !ok || user != "acct" || pass != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status":401,"code":"unauthorized","message":"bad key"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"accountId":          "acct",
			"authorizationToken": "acct-token",
			"apiUrl":             f.srv.URL,
			"downloadUrl":        f.srv.URL,
		})
	})

	mux.HandleFunc("/b2api/v2/b2_get_upload_url", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "acct-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"bucketId":           body["bucketId"],
			"uploadUrl":          f.srv.URL + "/upload",
			"authorizationToken": "upload-token",
		})
	})

	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		f.puts.Add(1)
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastHeader = r.Header.Clone()
		f.lastBody = string(b)
		f.mu.Unlock()
		if f.putStatus != http.StatusOK {
			w.WriteHeader(f.putStatus)
			_, _ = w.Write([]byte(`{"status":503,"code":"service_unavailable","message":"busy"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"fileId": "4_z123", "fileName": r.Header.Get("X-Bz-File-Name")})
	})

	mux.HandleFunc("/b2api/v2/b2_get_download_authorization", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"authorizationToken": "dl-token"})
	})

	mux.HandleFunc("/file/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing.txt") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeB2) backend(t *testing.T, key string) *B2Backend {
	t.Helper()
	b, err := NewB2Backend(Config{
		Type:           "b2",
		Bucket:         "shares",
		BucketID:       "bkt-1",
		AccountID:      "acct",
		ApplicationKey: key,
		B2APIURL:       f.srv.URL,
	})
	if err != nil {
		t.Fatalf("NewB2Backend: %v", err)
	}
	return b
}

func TestB2_UploadFlow(t *testing.T) {
	f := newFakeB2(t)
	b := f.backend(t, "key")
	ctx := context.Background()

	auth, err := b.Authorize(ctx)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if auth.Token != "acct-token" {
		t.Fatalf("token = %q", auth.Token)
	}

	target, err := b.GetUploadTarget(ctx, auth, ObjectInfo{Key: "a.txt"})
	if err != nil {
		t.Fatalf("GetUploadTarget: %v", err)
	}
	if target.UploadToken != "upload-token" || target.Method != http.MethodPost {
		t.Fatalf("unexpected target %+v", target)
	}

	payload := "hello b2"
	obj := Object{
		ObjectInfo: ObjectInfo{
			Key:         "dir/a b.txt",
			ContentType: "text/plain",
			Size:        int64(len(payload)),
			SHA1:        "0123456789abcdef0123456789abcdef01234567",
		},
		Body:     strings.NewReader(payload),
		Metadata: map[string]string{"original-name": "a b.txt"},
	}
	res, err := b.PutObject(ctx, target, obj)
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if res.ObjectID != "4_z123" {
		t.Errorf("ObjectID = %q", res.ObjectID)
	}
	if got := f.lastHeader.Get("X-Bz-File-Name"); got != "dir/a%20b.txt" {
		t.Errorf("X-Bz-File-Name = %q", got)
	}
	if got := f.lastHeader.Get("X-Bz-Content-Sha1"); got != obj.SHA1 {
		t.Errorf("X-Bz-Content-Sha1 = %q", got)
	}
	if got := f.lastHeader.Get("Authorization"); got != "upload-token" {
		t.Errorf("Authorization = %q", got)
	}
	if got := f.lastHeader.Get("X-Bz-Info-Original-Name"); got != "a+b.txt" {
		t.Errorf("X-Bz-Info-Original-Name = %q", got)
	}
	if f.lastBody != payload {
		t.Errorf("body = %q", f.lastBody)
	}
}

func TestB2_AuthorizeRejected(t *testing.T) {
	f := newFakeB2(t)
	b := f.backend(t, "wrong")

	_, err := b.Authorize(context.Background())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if !strings.Contains(err.Error(), "bad key") {
		t.Errorf("error should carry backend message: %v", err)
	}
}

func TestB2_AuthorizeOutageTripsBreaker(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fakeB2)
		wantAuth bool
	}{
		{"unavailable", func(f *fakeB2) { f.authStatus = http.StatusServiceUnavailable }, false},
		{"unreachable", func(f *fakeB2) { f.srv.Close() }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeB2(t)
			tt.setup(f)
			br := NewBreaker(2, time.Minute)
			g := Guard(f.backend(t, "key"), br)

			for i := 0; i < 2; i++ {
				_, err := g.Authorize(context.Background())
				if err == nil {
					t.Fatal("expected failure")
				}
				if errors.Is(err, ErrAuth) != tt.wantAuth {
					t.Fatalf("err = %v, ErrAuth = %v, want %v", err, errors.Is(err, ErrAuth), tt.wantAuth)
				}
			}
			if br.State() != CircuitOpen {
				t.Errorf("state = %s, want open", br.State())
			}
		})
	}
}

func TestB2_PutRetryableFailure(t *testing.T) {
	f := newFakeB2(t)
	f.putStatus = http.StatusServiceUnavailable
	b := f.backend(t, "key")
	ctx := context.Background()

	auth, err := b.Authorize(ctx)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	target, err := b.GetUploadTarget(ctx, auth, ObjectInfo{Key: "a.txt"})
	if err != nil {
		t.Fatalf("GetUploadTarget: %v", err)
	}

	_, err = b.PutObject(ctx, target, Object{
		ObjectInfo: ObjectInfo{Key: "a.txt", Size: 1, SHA1: strings.Repeat("a", 40)},
		Body:       strings.NewReader("x"),
	})
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransferError, got %v", err)
	}
	if te.Status != http.StatusServiceUnavailable || !te.Retryable() {
		t.Errorf("unexpected classification: %+v", te)
	}
	if !strings.Contains(te.Message, "service_unavailable") {
		t.Errorf("message = %q", te.Message)
	}
}

func TestB2_PutRequiresDigest(t *testing.T) {
	f := newFakeB2(t)
	b := f.backend(t, "key")

	_, err := b.PutObject(context.Background(), Target{UploadURL: f.srv.URL + "/upload"}, Object{
		ObjectInfo: ObjectInfo{Key: "a.txt", Size: 1},
		Body:       strings.NewReader("x"),
	})
	if err == nil {
		t.Fatal("expected error without digest")
	}
	if f.puts.Load() != 0 {
		t.Errorf("no request should be sent without a digest")
	}
}

func TestB2_StatAndDownloadURL(t *testing.T) {
	f := newFakeB2(t)
	b := f.backend(t, "key")
	ctx := context.Background()

	if err := b.Stat(ctx, "present.txt"); err != nil {
		t.Fatalf("Stat present: %v", err)
	}
	if err := b.Stat(ctx, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat missing: expected ErrNotFound, got %v", err)
	}

	link, err := b.DownloadURL(ctx, "present.txt", DownloadOptions{Filename: "report.pdf"})
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if !strings.HasPrefix(link, f.srv.URL+"/file/shares/present.txt?") {
		t.Errorf("link = %q", link)
	}
	if !strings.Contains(link, "Authorization=dl-token") {
		t.Errorf("link missing token: %q", link)
	}
}
