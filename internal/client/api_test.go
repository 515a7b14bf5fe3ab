package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAPI_RoundTrip(t *testing.T) {
	var gotBody string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/uploads", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if c, err := r.Cookie(SessionCookie); err != nil || c.Value != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["filename"] != "a.txt" || in["fileSize"] != float64(5) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"uploadId": "u1", "filename": "f", "url": "https://x/download/f"})
	})
	mux.HandleFunc("/api/uploads/content", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "uploadId": r.URL.Query().Get("uploadId"), "url": "https://x/download/f", "sha1": "abc", "size": len(b)})
	})
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"progress": 42, "status": "in_progress"})
		case http.MethodDelete:
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "Upload cancelled"})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewAPI(srv.URL+"/", "tok")
	ctx := context.Background()

	slot, err := api.Begin(ctx, "a.txt", "text/plain", 5)
	if err != nil || slot.UploadID != "u1" {
		t.Fatalf("Begin = %+v, %v", slot, err)
	}
	res, err := api.Send(ctx, slot.UploadID, strings.NewReader("hello"), 5)
	if err != nil || !res.Success || res.Size != 5 || res.UploadID != "u1" {
		t.Fatalf("Send = %+v, %v", res, err)
	}
	if gotBody != "hello" {
		t.Errorf("server got %q", gotBody)
	}
	pct, status, err := api.Progress(ctx, "u1")
	if err != nil || pct != 42 || status != "in_progress" {
		t.Errorf("Progress = %d %q %v", pct, status, err)
	}
	if err := api.Cancel(ctx, "u1"); err != nil {
		t.Errorf("Cancel: %v", err)
	}
}

func TestAPI_ErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"too many requests, please try again later"}`))
	}))
	defer srv.Close()

	_, err := NewAPI(srv.URL, "").Begin(context.Background(), "a.txt", "text/plain", 1)
	if !IsStatus(err, http.StatusTooManyRequests) {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "too many requests") {
		t.Errorf("message = %q", err.Error())
	}
}
