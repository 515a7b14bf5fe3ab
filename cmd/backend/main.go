package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cairocoder/erfa3ly/internal/config"
	"github.com/cairocoder/erfa3ly/internal/db"
	"github.com/cairocoder/erfa3ly/internal/limits"
	"github.com/cairocoder/erfa3ly/internal/logging"
	"github.com/cairocoder/erfa3ly/internal/records"
	"github.com/cairocoder/erfa3ly/internal/server"
	"github.com/cairocoder/erfa3ly/internal/session"
	"github.com/cairocoder/erfa3ly/internal/storage"
	"github.com/cairocoder/erfa3ly/internal/upload"
	"github.com/cairocoder/erfa3ly/internal/users"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "config_invalid", err)
		os.Exit(1)
	}
	logging.Setup(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	cfg.WarnOnOptionalMissing()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Database
	dbConn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "db_connect_failed", err)
		os.Exit(1)
	}
	defer func() { _ = dbConn.Close() }()

	log.Printf("service=backend msg=%q", "running_migrations")
	if err := db.RunMigrations(dbConn); err != nil {
		log.Printf("service=backend msg=%q err=%v", "migration_failed", err)
		os.Exit(1)
	}
	log.Printf("service=backend msg=%q", "migrations_complete")

	// Storage
	backend, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "storage_init_failed", err)
		os.Exit(1)
	}
	guarded := storage.Guard(backend, storage.NewBreaker(5, 30*time.Second))

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Printf("service=backend msg=%q err=%v", "redis_connect_failed", err)
			os.Exit(1)
		}
	}
	st := newStores(cfg, rdb)

	recordStore := records.NewStore(dbConn)
	uploads, err := upload.New(upload.Deps{
		Backend:         guarded,
		Sessions:        st.sessions,
		UploadLimiter:   st.uploadLimiter,
		DownloadLimiter: st.downloadLimiter,
		Quota:           limits.NewQuota(recordStore, cfg.Upload.DailyQuota),
		Records:         recordStore,
		Observer:        server.GetMetrics(),
	}, upload.Config{
		BaseURL:                 cfg.BaseURL,
		Screening:               cfg.Upload.Screening,
		MaxAttempts:             cfg.Upload.MaxAttempts,
		Backoff:                 cfg.Upload.Backoff,
		DownloadTTL:             cfg.Upload.DownloadTTL,
		AllowAnonymousDownloads: cfg.Upload.AllowAnonymousDownloads,
		RateLimitRetryAfter:     cfg.Limits.UploadWindow,
		TempDir:                 cfg.Upload.TempDir,
	})
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "upload_init_failed", err)
		os.Exit(1)
	}

	trusted, err := server.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Printf("service=backend msg=%q err=%v", "config_invalid", err)
		os.Exit(1)
	}

	srvCfg := server.Config{
		Addr:    cfg.Addr,
		BaseURL: cfg.BaseURL,
		Build:   server.BuildInfo{Version: cfg.Version, Commit: cfg.Commit},
		Auth:    authConfig(cfg),
		Uploads: uploads,
		Users:   users.NewStore(dbConn),
		DB:      recordStore,
		Breaker: guarded.Breaker(),

		TrustedProxies: trusted,
	}
	if cfg.Google.Enabled() {
		srvCfg.Google = server.NewGoogleOAuth(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.RedirectURL)
	}
	srv := server.New(srvCfg)

	// Background sweepers stop with ctx.
	reaper := &session.Reaper{Store: st.sessions, Interval: cfg.Session.ReapInterval}
	go reaper.Run(ctx)
	go srv.RunLimiterPruning(ctx)
	go srvCfg.Auth.Lockout.Run(ctx)
	for _, wl := range st.windows {
		go wl.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("service=backend msg=%q addr=%s storage=%s version=%s commit=%s",
			"starting", cfg.Addr, backend.Name(), cfg.Version, cfg.Commit)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("service=backend msg=%q signal=%s", "shutting_down", sig.String())
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("service=backend msg=%q err=%v", "shutdown_error", err)
			os.Exit(1)
		}
		log.Printf("service=backend msg=%q", "shutdown_complete")
	case err := <-errCh:
		if err != nil {
			log.Printf("service=backend msg=%q err=%v", "server_error", err)
			os.Exit(1)
		}
	}
}

// stores holds the upload session registry and the admission limiters.
// windows lists the in-process limiters that need periodic pruning.
type stores struct {
	sessions        session.Store
	uploadLimiter   limits.Limiter
	downloadLimiter limits.Limiter
	windows         []*limits.WindowLimiter
}

// newStores shares sessions and limits through Redis when rdb is set and
// keeps them in process otherwise.
func newStores(cfg *config.Config, rdb *redis.Client) stores {
	opts := session.Options{MaxAge: cfg.Session.MaxAge, Linger: cfg.Session.Linger}
	if rdb != nil {
		prefix := cfg.Redis.Prefix
		return stores{
			sessions:        session.NewRedisStore(rdb, prefix+"upload:", opts),
			uploadLimiter:   limits.NewRedisLimiter(rdb, prefix+"rl:upload:", cfg.Limits.UploadLimit, cfg.Limits.UploadWindow),
			downloadLimiter: limits.NewRedisLimiter(rdb, prefix+"rl:download:", cfg.Limits.DownloadLimit, cfg.Limits.DownloadWindow),
		}
	}

	up := limits.NewWindowLimiter(cfg.Limits.UploadLimit, cfg.Limits.UploadWindow)
	down := limits.NewWindowLimiter(cfg.Limits.DownloadLimit, cfg.Limits.DownloadWindow)
	return stores{
		sessions:        session.NewMemoryStore(opts),
		uploadLimiter:   up,
		downloadLimiter: down,
		windows:         []*limits.WindowLimiter{up, down},
	}
}

// authConfig only marks cookies Secure when the public URL is https.
func authConfig(cfg *config.Config) server.AuthConfig {
	return server.AuthConfig{
		SessionSecret:   cfg.SessionSecret,
		SessionTTL:      cfg.SessionTTL,
		CookieName:      "erfa_session",
		InsecureCookies: !strings.HasPrefix(cfg.BaseURL, "https://"),
		Lockout:         server.NewAccountLockout(5, 15*time.Minute, 10*time.Minute),
	}
}
