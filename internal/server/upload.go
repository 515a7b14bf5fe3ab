package server

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/cairocoder/erfa3ly/internal/logging"
	"github.com/cairocoder/erfa3ly/internal/upload"
)

// beginRequest is the body of POST /api/uploads and /api/get-upload-url.
type beginRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	FileSize    int64  `json:"fileSize"`
}

type slotResponse struct {
	UploadID string `json:"uploadId"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

type transferResponse struct {
	Success bool `json:"success"`
	upload.Result
}

func (cfg Config) begin(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	var body beginRequest
	if !decodeJSON(w, r, &body) {
		return "", "", false
	}
	s, err := cfg.Uploads.Begin(r.Context(), upload.Request{
		Owner:       cfg.Auth.currentUser(r),
		ClientIP:    getClientIP(r),
		Filename:    body.Filename,
		ContentType: body.ContentType,
		Size:        body.FileSize,
	})
	if err != nil {
		writeError(w, r, err)
		return "", "", false
	}
	return s.ID, s.Filename, true
}

// uploadsHandler serves POST /api/uploads (request a relay slot) and
// GET /api/uploads (the caller's upload history).
func (cfg Config) uploadsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			id, filename, ok := cfg.begin(w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, slotResponse{
				UploadID: id,
				Filename: filename,
				URL:      upload.ShareURL(cfg.BaseURL, filename),
			})
		case http.MethodGet:
			cfg.history(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// uploadContentHandler streams the request body of a granted slot to storage.
func (cfg Config) uploadContentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut && r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Query().Get("uploadId")
		if id == "" {
			writeJSONError(w, http.StatusBadRequest, "uploadId is required")
			return
		}

		res, err := cfg.Uploads.Transfer(r.Context(), id, cfg.Auth.currentUser(r), r.Body)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, transferResponse{Success: true, Result: res})
	}
}

// uploadHandler serves /api/upload: POST is the one-shot multipart relay,
// GET reports progress and DELETE requests cancellation.
func (cfg Config) uploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			cfg.multipartUpload(w, r)
		case http.MethodGet:
			cfg.progress(w, r)
		case http.MethodDelete:
			cfg.cancel(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// multipartUpload reads form fields up to the "file" part. An "uploadId"
// field reuses a slot from POST /api/uploads so the caller can poll
// progress; otherwise a slot is created from the part itself, using the
// "fileSize" field or, without one, the spooled part length.
func (cfg Config) multipartUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "multipart form expected")
		return
	}

	var (
		uploadID string
		size     int64 = -1
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeJSONError(w, http.StatusBadRequest, "file is required")
			return
		}
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "uploadId":
			uploadID = readField(part)
		case "fileSize":
			if n, err := strconv.ParseInt(readField(part), 10, 64); err == nil {
				size = n
			}
		case "file":
			cfg.relayPart(w, r, part, uploadID, size)
			_ = part.Close()
			return
		}
		_ = part.Close()
	}
}

func readField(p *multipart.Part) string {
	b, _ := io.ReadAll(io.LimitReader(p, 256))
	return strings.TrimSpace(string(b))
}

func (cfg Config) relayPart(w http.ResponseWriter, r *http.Request, part *multipart.Part, uploadID string, size int64) {
	owner := cfg.Auth.currentUser(r)
	var body io.Reader = part

	if uploadID == "" {
		if size < 0 {
			f, n, err := spoolPart(part, cfg.Uploads.TempDir(), cfg.Uploads.Backend().MaxObjectSize())
			if err != nil {
				writeError(w, r, err)
				return
			}
			defer func() {
				_ = f.Close()
				_ = os.Remove(f.Name())
			}()
			body, size = f, n
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		s, err := cfg.Uploads.Begin(r.Context(), upload.Request{
			Owner:       owner,
			ClientIP:    getClientIP(r),
			Filename:    part.FileName(),
			ContentType: contentType,
			Size:        size,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		uploadID = s.ID
	}

	res, err := cfg.Uploads.Transfer(r.Context(), uploadID, owner, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"uploadId":    res.UploadID,
		"url":         res.ShareURL,
		"downloadUrl": res.DownloadURL,
	})
}

// spoolPart copies a part of unknown length to a temp file in dir, rejecting
// anything over limit.
func spoolPart(part io.Reader, dir string, limit int64) (*os.File, int64, error) {
	f, err := os.CreateTemp(dir, "erfa-part-*")
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(f, io.LimitReader(part, limit+1))
	if err == nil && n > limit {
		err = &upload.ValidationError{Reason: "file exceeds the size limit"}
	}
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}

func (cfg Config) progress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("uploadId")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "uploadId is required")
		return
	}
	percent, status := cfg.Uploads.Progress(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]any{"progress": percent, "status": status})
}

// cancel always answers 200: cancelling an unknown or finished upload is
// not an error for the caller. Older clients send the id as fieldId.
func (cfg Config) cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UploadID string `json:"uploadId"`
		FieldID  string `json:"fieldId"`
	}
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	id := body.UploadID
	if id == "" {
		id = body.FieldID
	}
	if id == "" {
		id = r.URL.Query().Get("uploadId")
	}

	changed, err := cfg.Uploads.Cancel(r.Context(), id)
	if err != nil {
		logging.Warn("cancel_failed", logging.Fields{"upload_id": id, "error": err.Error()})
	}
	msg := "Upload cancellation requested."
	if !changed {
		msg = "No active upload to cancel."
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "cancelled": changed})
}

// uploadURLHandler serves the direct variant: a slot plus a storage target
// the client uploads to itself.
func (cfg Config) uploadURLHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id, _, ok := cfg.begin(w, r)
		if !ok {
			return
		}
		target, err := cfg.Uploads.Prepare(r.Context(), id, cfg.Auth.currentUser(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, target)
	}
}

func (cfg Config) completeUploadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req upload.CompleteRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		req.Owner = cfg.Auth.currentUser(r)

		res, err := cfg.Uploads.Complete(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, transferResponse{Success: true, Result: res})
	}
}

func (cfg Config) history(w http.ResponseWriter, r *http.Request) {
	recs, err := cfg.Uploads.History(r.Context(), cfg.Auth.currentUser(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"uploads": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"uploads": recs})
}
