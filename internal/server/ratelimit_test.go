package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEndpointRateLimiter_Middleware(t *testing.T) {
	erl := NewEndpointRateLimiterWithConfig(EndpointRateLimitConfig{
		AuthRate: 2, AuthWindow: time.Minute,
		ProgressRate: 5, ProgressWindow: time.Minute,
		APIRate: 3, APIWindow: time.Minute,
	})

	handler := erl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		if w := do(http.MethodPost, "/login"); w.Code != http.StatusOK {
			t.Fatalf("login %d: expected 200, got %d", i+1, w.Code)
		}
	}
	w := do(http.MethodPost, "/login")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit-Type"); got != "authentication" {
		t.Errorf("limit type = %q", got)
	}

	// Categories are independent.
	for i := 0; i < 3; i++ {
		if w := do(http.MethodPost, "/api/uploads"); w.Code != http.StatusOK {
			t.Fatalf("api %d: expected 200, got %d", i+1, w.Code)
		}
	}
	if w := do(http.MethodPost, "/api/uploads"); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected api limit, got %d", w.Code)
	}
	if w := do(http.MethodGet, "/api/upload?uploadId=x"); w.Code != http.StatusOK {
		t.Errorf("progress polling should use its own budget, got %d", w.Code)
	}

	for i := 0; i < 10; i++ {
		if w := do(http.MethodGet, "/health"); w.Code != http.StatusOK {
			t.Fatalf("health must not be limited, got %d", w.Code)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	trusted, err := ParseTrustedProxies([]string{"127.0.0.1", "10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		trusted    TrustedProxies
		remoteAddr string
		xff        string
		xri        string
		expected   string
	}{
		{
			name:       "RemoteAddr only",
			trusted:    trusted,
			remoteAddr: "192.168.1.1:12345",
			expected:   "192.168.1.1",
		},
		{
			name:       "X-Forwarded-For single IP",
			trusted:    trusted,
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.1",
			expected:   "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For skips trusted hops",
			trusted:    trusted,
			remoteAddr: "127.0.0.1:12345",
			xff:        "198.51.100.9, 203.0.113.1, 10.1.2.3",
			expected:   "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For all trusted",
			trusted:    trusted,
			remoteAddr: "10.0.0.5:12345",
			xff:        "10.9.9.9, 10.1.1.1",
			expected:   "10.9.9.9",
		},
		{
			name:       "X-Real-IP",
			trusted:    trusted,
			remoteAddr: "127.0.0.1:12345",
			xri:        "203.0.113.5",
			expected:   "203.0.113.5",
		},
		{
			name:       "X-Forwarded-For takes precedence",
			trusted:    trusted,
			remoteAddr: "127.0.0.1:12345",
			xff:        "203.0.113.1",
			xri:        "203.0.113.5",
			expected:   "203.0.113.1",
		},
		{
			name:       "garbage header falls back to peer",
			trusted:    trusted,
			remoteAddr: "127.0.0.1:12345",
			xff:        "not-an-ip",
			expected:   "127.0.0.1",
		},
		{
			name:       "headers ignored from untrusted peer",
			trusted:    trusted,
			remoteAddr: "203.0.113.7:5555",
			xff:        "1.2.3.4",
			xri:        "5.6.7.8",
			expected:   "203.0.113.7",
		},
		{
			name:       "headers ignored with no trusted proxies",
			remoteAddr: "127.0.0.1:12345",
			xff:        "1.2.3.4",
			expected:   "127.0.0.1",
		},
		{
			name:       "IPv6 RemoteAddr",
			remoteAddr: "[2001:db8::1]:443",
			expected:   "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			var got string
			h := clientIPMiddleware(tt.trusted, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = getClientIP(r)
			}))
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.expected {
				t.Errorf("got %q, expected %q", got, tt.expected)
			}
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	tests := []struct {
		entries []string
		want    int
		wantErr bool
	}{
		{nil, 0, false},
		{[]string{"10.0.0.1", " 192.168.0.0/16 ", ""}, 2, false},
		{[]string{"::1", "fd00::/8"}, 2, false},
		{[]string{"10.0.0.0/33"}, 0, true},
		{[]string{"proxy.internal"}, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTrustedProxies(tt.entries)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTrustedProxies(%q) err = %v, wantErr %v", tt.entries, err, tt.wantErr)
			continue
		}
		if len(got) != tt.want {
			t.Errorf("ParseTrustedProxies(%q) = %d prefixes, want %d", tt.entries, len(got), tt.want)
		}
	}
}
