package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMakeAndVerifyToken(t *testing.T) {
	cfg := AuthConfig{SessionSecret: "test-secret", SessionTTL: 1 * time.Hour}
	tok, exp, err := cfg.makeToken("user-1")
	if err != nil {
		t.Fatalf("makeToken error: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatalf("expected exp in the future")
	}

	p, err := cfg.verifyToken(tok)
	if err != nil {
		t.Fatalf("verifyToken error: %v", err)
	}
	if p.Sub != "user-1" {
		t.Fatalf("unexpected sub: %s", p.Sub)
	}
}

func TestVerifyTokenExpired(t *testing.T) {
	// craft an expired token manually
	secret := []byte("s")
	exp := time.Now().Add(-1 * time.Hour).Unix()
	sp := sessionPayload{Sub: "user-1", Exp: exp}
	b, _ := json.Marshal(sp)
	payload := base64.RawURLEncoding.EncodeToString(b)
	sig := signPayload(secret, payload)
	tok := payload + "." + sig

	cfg := AuthConfig{SessionSecret: string(secret)}
	if _, err := cfg.verifyToken(tok); err == nil {
		t.Fatalf("expected error for expired token")
	}
}

func TestVerifyTokenTampered(t *testing.T) {
	cfg := AuthConfig{SessionSecret: "test-secret"}
	tok, _, _ := cfg.makeToken("user-1")

	other := AuthConfig{SessionSecret: "other-secret"}
	if _, err := other.verifyToken(tok); err == nil {
		t.Error("expected signature error with a different secret")
	}
	for _, bad := range []string{"", "nodot", tok + ".extra", "x" + tok} {
		if _, err := cfg.verifyToken(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestLoginHandler(t *testing.T) {
	ts := newTestServer(t, false)
	login := func(password string) *httptest.ResponseRecorder {
		body := `{"email":"Ada@Example.com","password":"` + password + `"}`
		return ts.do(t, http.MethodPost, "/login", strings.NewReader(body), "")
	}

	rr := login("correct-horse1")
	if rr.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rr.Code, rr.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range rr.Result().Cookies() {
		if c.Name == "erfa_session" {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("session cookie = %+v", cookie)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	if sub := ts.auth.currentUser(req); sub != "user-1" {
		t.Errorf("cookie subject = %q", sub)
	}

	for i := 0; i < 4; i++ {
		if rr := login("wrong1234"); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: %d", i+1, rr.Code)
		}
	}
	// The fifth failure locks the account; even the right password waits.
	if rr := login("wrong1234"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("fifth attempt: %d", rr.Code)
	}
	rr = login("correct-horse1")
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Errorf("locked login: %d retry=%q", rr.Code, rr.Header().Get("Retry-After"))
	}
	if s := ts.metrics.Snapshot(); s.LockoutsTotal != 1 || s.LoginSuccessTotal != 1 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestRegisterHandler(t *testing.T) {
	ts := newTestServer(t, false)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"ok", `{"email":"new@example.com","name":"New","password":"passw0rdpass"}`, http.StatusCreated},
		{"bad email", `{"email":"nope","password":"passw0rdpass"}`, http.StatusBadRequest},
		{"weak password", `{"email":"a@example.com","password":"short"}`, http.StatusBadRequest},
		{"duplicate", `{"email":"taken@example.com","password":"passw0rdpass"}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPost, "/register", strings.NewReader(tt.body), "")
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestAccountLockout_Expires(t *testing.T) {
	now := time.Unix(1700000000, 0)
	al := NewAccountLockout(2, time.Minute, time.Minute)
	al.now = func() time.Time { return now }

	al.RecordFailedAttempt("a@example.com")
	if locked, _ := al.RecordFailedAttempt("a@example.com"); !locked {
		t.Fatal("expected lock after 2 failures")
	}
	if locked, _, _ := al.IsLocked("a@example.com"); !locked {
		t.Fatal("expected locked")
	}
	now = now.Add(2 * time.Minute)
	if locked, _, remaining := al.IsLocked("a@example.com"); locked || remaining != 2 {
		t.Errorf("locked=%v remaining=%d after expiry", locked, remaining)
	}
	now = now.Add(time.Hour)
	if n := al.Prune(); n != 1 {
		t.Errorf("pruned %d", n)
	}
}
