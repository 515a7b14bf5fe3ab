package server

import (
	"net/http"
	"strings"

	"github.com/cairocoder/erfa3ly/internal/upload"
)

func (cfg Config) downloadRequest(r *http.Request, filename string) upload.DownloadRequest {
	return upload.DownloadRequest{
		Owner:     cfg.Auth.currentUser(r),
		ClientIP:  getClientIP(r),
		UserAgent: r.UserAgent(),
		Filename:  filename,
	}
}

// downloadHandler issues a time-limited link for a stored filename.
func (cfg Config) downloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		d, err := cfg.Uploads.DownloadLink(r.Context(), cfg.downloadRequest(r, r.URL.Query().Get("filename")))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// shareHandler resolves /download/{shareId} and redirects to the link.
func (cfg Config) shareHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/download/")
		filename, err := upload.DecodeShareID(id)
		if id == "" || strings.Contains(id, "/") || err != nil {
			writeJSONError(w, http.StatusNotFound, "file not found")
			return
		}

		d, err := cfg.Uploads.DownloadLink(r.Context(), cfg.downloadRequest(r, filename))
		if err != nil {
			writeError(w, r, err)
			return
		}
		http.Redirect(w, r, d.URL, http.StatusFound)
	}
}
