// oauth.go - Google sign-in.
package server

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/cairocoder/erfa3ly/internal/logging"
	"github.com/cairocoder/erfa3ly/internal/users"
)

const (
	oauthStateCookie = "erfa_oauth_state"
	googleUserInfo   = "https://openidconnect.googleapis.com/v1/userinfo"
)

// NewGoogleOAuth returns the OAuth client configuration for Google sign-in.
func NewGoogleOAuth(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     google.Endpoint,
	}
}

// googleLoginHandler redirects to the consent screen. The state nonce is
// kept in a signed short-lived cookie.
func (cfg Config) googleLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		b := make([]byte, 16)
		if _, err := rand.Read(b); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server error")
			return
		}
		nonce := hex.EncodeToString(b)

		http.SetCookie(w, &http.Cookie{
			Name:     oauthStateCookie,
			Value:    nonce + "." + signPayload(cfg.Auth.secretBytes(), nonce),
			Path:     "/auth/google",
			MaxAge:   int((10 * time.Minute).Seconds()),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
			Secure:   !cfg.Auth.InsecureCookies,
		})
		http.Redirect(w, r, cfg.Google.AuthCodeURL(nonce), http.StatusFound)
	}
}

func (cfg Config) googleCallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !cfg.validState(r) {
			writeJSONError(w, http.StatusBadRequest, "invalid oauth state")
			return
		}
		http.SetCookie(w, &http.Cookie{Name: oauthStateCookie, Value: "", Path: "/auth/google", MaxAge: -1})

		code := r.URL.Query().Get("code")
		if code == "" {
			writeJSONError(w, http.StatusBadRequest, "missing authorization code")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		tok, err := cfg.Google.Exchange(ctx, code)
		if err != nil {
			logging.Warn("oauth_exchange_failed", logging.Fields{"error": err.Error()})
			writeJSONError(w, http.StatusUnauthorized, "google sign-in failed")
			return
		}
		email, name, err := fetchGoogleProfile(ctx, cfg.Google.Client(ctx, tok))
		if err != nil {
			logging.Warn("oauth_profile_failed", logging.Fields{"error": err.Error()})
			writeJSONError(w, http.StatusUnauthorized, "google sign-in failed")
			return
		}

		u, err := cfg.Users.UpsertOAuth(ctx, email, name, users.ProviderGoogle)
		if err != nil {
			logging.Error("oauth_upsert_failed", logging.Fields{"request_id": RequestIDFromContext(r.Context())}, err)
			writeJSONError(w, http.StatusInternalServerError, "server error")
			return
		}
		if err := cfg.Auth.issueSession(w, u.ID); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "server error")
			return
		}
		cfg.Metrics.RecordLoginAttempt(true)
		http.Redirect(w, r, cfg.BaseURL+"/", http.StatusFound)
	}
}

func (cfg Config) validState(r *http.Request) bool {
	c, err := r.Cookie(oauthStateCookie)
	if err != nil {
		return false
	}
	nonce, sig, ok := strings.Cut(c.Value, ".")
	if !ok || nonce != r.URL.Query().Get("state") {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(signPayload(cfg.Auth.secretBytes(), nonce)))
}

// fetchGoogleProfile reads the verified email and display name.
func fetchGoogleProfile(ctx context.Context, client *http.Client) (email, name string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, googleUserInfo, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	info := gjson.ParseBytes(body)
	email = info.Get("email").String()
	if email == "" || !info.Get("email_verified").Bool() {
		return "", "", errors.New("google account has no verified email")
	}
	return email, info.Get("name").String(), nil
}
