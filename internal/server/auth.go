// auth.go - Stateless session cookies and authentication helpers.
//
// Sessions are HMAC-signed cookies carrying the user id. Handlers that accept
// anonymous callers use currentUser; the rest are wrapped in requireAuth.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cairocoder/erfa3ly/internal/logging"
	"github.com/cairocoder/erfa3ly/internal/users"
)

// AuthConfig holds session cookie settings and the login lockout.
type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration
	CookieName    string
	// InsecureCookies drops the Secure flag for plain HTTP development.
	InsecureCookies bool
	Lockout         *AccountLockout
}

type sessionPayload struct {
	Sub string `json:"sub"`
	Exp int64  `json:"exp"`
}

func (a AuthConfig) cookieName() string {
	if a.CookieName == "" {
		return "erfa_session"
	}
	return a.CookieName
}

func (a AuthConfig) ttl() time.Duration {
	if a.SessionTTL <= 0 {
		return 12 * time.Hour
	}
	return a.SessionTTL
}

func (a AuthConfig) secretBytes() []byte {
	return []byte(a.SessionSecret)
}

func signPayload(secret []byte, msg string) string {
	m := hmac.New(sha256.New, secret)
	_, _ = m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

func encodeSession(p sessionPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeSession(token string) (sessionPayload, error) {
	var p sessionPayload
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(b, &p); err != nil {
		return p, err
	}
	return p, nil
}

// makeToken returns "payload.signature"
func (a AuthConfig) makeToken(sub string) (string, time.Time, error) {
	exp := time.Now().Add(a.ttl())
	payload, err := encodeSession(sessionPayload{Sub: sub, Exp: exp.Unix()})
	if err != nil {
		return "", time.Time{}, err
	}
	return payload + "." + signPayload(a.secretBytes(), payload), exp, nil
}

func (a AuthConfig) verifyToken(tok string) (sessionPayload, error) {
	var p sessionPayload
	payload, sig, ok := strings.Cut(tok, ".")
	if !ok || strings.Contains(sig, ".") {
		return p, errors.New("invalid token format")
	}
	want := signPayload(a.secretBytes(), payload)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return p, errors.New("invalid signature")
	}
	decoded, err := decodeSession(payload)
	if err != nil {
		return p, err
	}
	if decoded.Exp <= time.Now().Unix() {
		return p, errors.New("expired")
	}
	if decoded.Sub == "" {
		return p, errors.New("empty subject")
	}
	return decoded, nil
}

// issueSession sets a signed session cookie for sub.
func (a AuthConfig) issueSession(w http.ResponseWriter, sub string) error {
	tok, exp, err := a.makeToken(sub)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName(),
		Value:    tok,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !a.InsecureCookies,
	})
	return nil
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginHandler checks credentials against the user store and issues a
// session cookie. Repeated failures lock the email for a while.
func (a AuthConfig) loginHandler(store UserStore, m *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var body credentials
		if !decodeJSON(w, r, &body) {
			return
		}
		email := strings.ToLower(strings.TrimSpace(body.Email))
		if email == "" || body.Password == "" {
			writeJSONError(w, http.StatusBadRequest, "email and password are required")
			return
		}

		if locked, until, _ := a.Lockout.IsLocked(email); locked {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(until).Seconds())+1))
			writeJSONError(w, http.StatusTooManyRequests, "account temporarily locked")
			return
		}

		u, err := store.Authenticate(r.Context(), email, body.Password)
		if err != nil {
			if !errors.Is(err, users.ErrBadCredential) {
				logging.Error("login_failed", logging.Fields{"request_id": RequestIDFromContext(r.Context())}, err)
				writeJSONError(w, http.StatusInternalServerError, "server error")
				return
			}
			m.RecordLoginAttempt(false)
			if locked, _ := a.Lockout.RecordFailedAttempt(email); locked {
				m.RecordLockout()
				logging.Warn("account_locked", logging.Fields{"email": email, "ip": getClientIP(r)})
			}
			writeJSONError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}

		a.Lockout.RecordSuccessfulLogin(email)
		m.RecordLoginAttempt(true)
		if err := a.issueSession(w, u.ID); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "user": u})
	}
}

// logoutHandler clears the session cookie by setting an expired cookie
func (a AuthConfig) logoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     a.cookieName(),
			Value:    "",
			Path:     "/",
			Expires:  time.Unix(0, 0),
			MaxAge:   -1,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   !a.InsecureCookies,
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func (a AuthConfig) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.currentUser(r) == "" {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// currentUser returns the session subject, or "" for anonymous callers and
// invalid cookies.
func (a AuthConfig) currentUser(r *http.Request) string {
	c, err := r.Cookie(a.cookieName())
	if err != nil {
		return ""
	}
	payload, err := a.verifyToken(c.Value)
	if err != nil {
		return ""
	}
	return payload.Sub
}
