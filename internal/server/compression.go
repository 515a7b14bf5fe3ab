// compression.go - gzip for JSON and metrics responses.
package server

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// compressionResponseWriter wraps http.ResponseWriter to compress responses.
type compressionResponseWriter struct {
	http.ResponseWriter
	writer io.Writer
}

func (crw *compressionResponseWriter) Write(b []byte) (int, error) {
	return crw.writer.Write(b)
}

// CompressionMiddleware gzips responses for clients that accept it.
func CompressionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !acceptsCompression(r) || shouldSkipCompression(r) {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzip.NewWriter(w)
		defer gz.Close()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.Header().Del("Content-Length")

		next.ServeHTTP(&compressionResponseWriter{ResponseWriter: w, writer: gz}, r)
	})
}

func acceptsCompression(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

// shouldSkipCompression excludes redirects, bodyless requests and the
// streaming upload endpoints, whose responses are tiny.
func shouldSkipCompression(r *http.Request) bool {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodHead:
		return true
	case strings.HasPrefix(path, "/download/"), strings.HasPrefix(path, "/auth/"):
		return true
	case path == "/api/uploads/content", path == "/api/upload" && r.Method == http.MethodPost:
		return true
	}
	return false
}
