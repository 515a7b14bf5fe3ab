package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cairocoder/erfa3ly/internal/logging"
	"github.com/cairocoder/erfa3ly/internal/upload"
)

// statusClientClosedRequest is reported when the client aborted a relay
// mid-stream after cancelling it.
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}

// writeError maps upload pipeline errors to a status and a short reason.
// Unknown errors are logged and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *upload.ValidationError
		aerr *upload.AuthError
		rerr *upload.RateLimitError
		qerr *upload.QuotaExceededError
		nerr *upload.NotFoundError
		terr *upload.TransferError
		cerr *upload.CancelledError
	)
	switch {
	case errors.As(err, &verr):
		writeJSONError(w, http.StatusBadRequest, verr.Reason)
	case errors.As(err, &aerr):
		if aerr.Backend {
			logging.Error("storage_authorization_failed", logging.Fields{
				"request_id": RequestIDFromContext(r.Context()),
			}, aerr.Err)
			writeJSONError(w, http.StatusBadGateway, "storage unavailable")
			return
		}
		writeJSONError(w, http.StatusUnauthorized, aerr.Reason)
	case errors.As(err, &rerr):
		retry := rerr.RetryAfter
		if retry <= 0 {
			retry = time.Minute
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
		writeJSONError(w, http.StatusTooManyRequests, rerr.Error())
	case errors.As(err, &qerr):
		writeJSONError(w, http.StatusRequestEntityTooLarge, qerr.Error())
	case errors.As(err, &nerr):
		writeJSONError(w, http.StatusNotFound, nerr.Error())
	case errors.As(err, &terr):
		writeJSONError(w, http.StatusBadGateway, terr.Error())
	case errors.As(err, &cerr):
		if r.Context().Err() != nil {
			w.WriteHeader(statusClientClosedRequest)
			return
		}
		writeJSONError(w, http.StatusConflict, cerr.Error())
	default:
		logging.Error("request_failed", logging.Fields{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"method":     r.Method,
		}, err)
		writeJSONError(w, http.StatusInternalServerError, "server error")
	}
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
