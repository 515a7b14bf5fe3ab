package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/cairocoder/erfa3ly/internal/storage"
	"github.com/cairocoder/erfa3ly/internal/upload"
	"github.com/cairocoder/erfa3ly/internal/users"
)

// BuildInfo is reported by /health and /metrics.
type BuildInfo struct {
	Version string
	Commit  string
}

// UserStore is the account backend used by login, registration and OAuth.
type UserStore interface {
	Register(ctx context.Context, email, name, password string) (users.User, error)
	Authenticate(ctx context.Context, email, password string) (users.User, error)
	UpsertOAuth(ctx context.Context, email, name, provider string) (users.User, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Addr    string // e.g. ":8080"
	BaseURL string
	Build   BuildInfo
	Auth    AuthConfig

	Uploads *upload.Orchestrator
	Users   UserStore
	DB      Pinger
	Metrics *Metrics

	// Breaker, when set, is reported by /health and /metrics.
	Breaker *storage.Breaker

	// Google enables /auth/google/* when set.
	Google *oauth2.Config

	Limits EndpointRateLimitConfig

	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies TrustedProxies
}

type Server struct {
	httpServer *http.Server
	limiter    *EndpointRateLimiter
}

// New wires routes and middleware.
func New(cfg Config) *Server {
	if cfg.Limits == (EndpointRateLimitConfig{}) {
		cfg.Limits = DefaultEndpointRateLimitConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = GetMetrics()
	}
	if cfg.Auth.Lockout == nil {
		cfg.Auth.Lockout = NewAccountLockout(5, 15*time.Minute, 10*time.Minute)
	}
	limiter := NewEndpointRateLimiterWithConfig(cfg.Limits)

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.routes(limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &Server{httpServer: s, limiter: limiter}
}

func (cfg Config) routes(limiter *EndpointRateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/health", cfg.healthHandler())
	mux.Handle("/metrics", NewPrometheusExporter(cfg.Build, cfg.Metrics, cfg.Breaker).Handler())

	mux.Handle("/login", cfg.Auth.loginHandler(cfg.Users, cfg.Metrics))
	mux.Handle("/logout", cfg.Auth.logoutHandler())
	mux.Handle("/register", cfg.registerHandler())
	if cfg.Google != nil {
		mux.Handle("/auth/google/login", cfg.googleLoginHandler())
		mux.Handle("/auth/google/callback", cfg.googleCallbackHandler())
	}

	mux.Handle("/api/uploads", cfg.uploadsHandler())
	mux.Handle("/api/uploads/content", cfg.uploadContentHandler())
	mux.Handle("/api/upload", cfg.uploadHandler())
	mux.Handle("/api/get-upload-url", cfg.Auth.requireAuth(cfg.uploadURLHandler()))
	mux.Handle("/api/complete-upload", cfg.Auth.requireAuth(cfg.completeUploadHandler()))
	mux.Handle("/api/download", cfg.downloadHandler())
	mux.Handle("/download/", cfg.shareHandler())

	// Wrap middleware: clientIP -> requestID -> logging -> security -> limits -> mux
	var handler http.Handler = mux
	handler = limiter.Middleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = CompressionMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = clientIPMiddleware(cfg.TrustedProxies, handler)
	return handler
}

// Handler exposes the wired handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// RunLimiterPruning drops idle rate-limit entries until ctx is done.
func (s *Server) RunLimiterPruning(ctx context.Context) { s.limiter.Run(ctx) }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
