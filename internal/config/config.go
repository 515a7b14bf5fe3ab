// Package config loads service settings from defaults, an optional YAML file
// named by ERFA_CONFIG, and ERFA_* environment variables, in increasing
// order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cairocoder/erfa3ly/internal/limits"
	"github.com/cairocoder/erfa3ly/internal/storage"
)

// EnvPrefix prefixes every environment variable, e.g. ERFA_STORAGE_TYPE.
const EnvPrefix = "ERFA"

// Config is the full service configuration.
type Config struct {
	Addr    string
	BaseURL string
	Env     string
	Version string
	Commit  string

	LogLevel  string
	LogFormat string

	DatabaseURL string

	SessionSecret string
	SessionTTL    time.Duration

	// TrustedProxies lists IPs and CIDR ranges allowed to set the client
	// address through X-Forwarded-For and X-Real-IP.
	TrustedProxies []string

	Google GoogleConfig
	Redis  RedisConfig

	Storage storage.Config
	Upload  UploadConfig
	Limits  LimitsConfig
	Session SessionConfig
}

// GoogleConfig enables Google sign-in when ClientID is set.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether Google sign-in is configured.
func (g GoogleConfig) Enabled() bool { return g.ClientID != "" && g.ClientSecret != "" }

// RedisConfig moves the session registry and rate limiters into Redis.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// UploadConfig tunes the upload pipeline.
type UploadConfig struct {
	Screening               bool
	MaxAttempts             int
	Backoff                 time.Duration
	DailyQuota              int64
	DownloadTTL             time.Duration
	AllowAnonymousDownloads bool
	TempDir                 string
}

// LimitsConfig sets the sliding-window admission limits.
type LimitsConfig struct {
	UploadLimit    int
	UploadWindow   time.Duration
	DownloadLimit  int
	DownloadWindow time.Duration
}

// SessionConfig controls upload session expiry.
type SessionConfig struct {
	MaxAge       time.Duration
	Linger       time.Duration
	ReapInterval time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("env", "development")
	v.SetDefault("version", "dev")
	v.SetDefault("commit", "unknown")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")

	v.SetDefault("database_url", "")
	v.SetDefault("session.secret", "")
	v.SetDefault("session.ttl", 12*time.Hour)

	v.SetDefault("trusted_proxies", []string{})

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.redirect_url", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "erfa:")

	v.SetDefault("storage.type", "minio")
	v.SetDefault("storage.bucket", "erfa3ly")
	v.SetDefault("storage.max_object_size", int64(1<<30))
	v.SetDefault("storage.account_id", "")
	v.SetDefault("storage.application_key", "")
	v.SetDefault("storage.bucket_id", "")
	v.SetDefault("storage.b2_api_url", "")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.path_style", true)
	v.SetDefault("storage.target_ttl", 15*time.Minute)

	v.SetDefault("upload.screening", false)
	v.SetDefault("upload.max_attempts", 5)
	v.SetDefault("upload.backoff", time.Second)
	v.SetDefault("upload.daily_quota", limits.DefaultDailyQuota)
	v.SetDefault("upload.download_ttl", time.Hour)
	v.SetDefault("upload.allow_anonymous_downloads", false)
	v.SetDefault("upload.temp_dir", "")

	v.SetDefault("limits.upload_limit", limits.UploadLimit)
	v.SetDefault("limits.upload_window", limits.UploadWindow)
	v.SetDefault("limits.download_limit", limits.DownloadLimit)
	v.SetDefault("limits.download_window", limits.DownloadWindow)

	v.SetDefault("upload_session.max_age", 30*time.Minute)
	v.SetDefault("upload_session.linger", time.Minute)
	v.SetDefault("upload_session.reap_interval", 5*time.Minute)
}

// Load reads the configuration. configFile may be empty; otherwise it must
// exist.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile == "" {
		configFile = v.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		Addr:    v.GetString("addr"),
		BaseURL: strings.TrimRight(v.GetString("base_url"), "/"),
		Env:     v.GetString("env"),
		Version: v.GetString("version"),
		Commit:  v.GetString("commit"),

		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),

		DatabaseURL: v.GetString("database_url"),

		SessionSecret: v.GetString("session.secret"),
		SessionTTL:    v.GetDuration("session.ttl"),

		TrustedProxies: splitList(v.GetStringSlice("trusted_proxies")),

		Google: GoogleConfig{
			ClientID:     v.GetString("google.client_id"),
			ClientSecret: v.GetString("google.client_secret"),
			RedirectURL:  v.GetString("google.redirect_url"),
		},

		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Prefix:   v.GetString("redis.prefix"),
		},

		Storage: storage.Config{
			Type:           v.GetString("storage.type"),
			Bucket:         v.GetString("storage.bucket"),
			MaxObjectSize:  v.GetInt64("storage.max_object_size"),
			AccountID:      v.GetString("storage.account_id"),
			ApplicationKey: v.GetString("storage.application_key"),
			BucketID:       v.GetString("storage.bucket_id"),
			B2APIURL:       v.GetString("storage.b2_api_url"),
			Endpoint:       v.GetString("storage.endpoint"),
			Region:         v.GetString("storage.region"),
			AccessKey:      v.GetString("storage.access_key"),
			SecretKey:      v.GetString("storage.secret_key"),
			PathStyle:      v.GetBool("storage.path_style"),
			TargetTTL:      v.GetDuration("storage.target_ttl"),
		},

		Upload: UploadConfig{
			Screening:               v.GetBool("upload.screening"),
			MaxAttempts:             v.GetInt("upload.max_attempts"),
			Backoff:                 v.GetDuration("upload.backoff"),
			DailyQuota:              v.GetInt64("upload.daily_quota"),
			DownloadTTL:             v.GetDuration("upload.download_ttl"),
			AllowAnonymousDownloads: v.GetBool("upload.allow_anonymous_downloads"),
			TempDir:                 v.GetString("upload.temp_dir"),
		},

		Limits: LimitsConfig{
			UploadLimit:    v.GetInt("limits.upload_limit"),
			UploadWindow:   v.GetDuration("limits.upload_window"),
			DownloadLimit:  v.GetInt("limits.download_limit"),
			DownloadWindow: v.GetDuration("limits.download_window"),
		},

		Session: SessionConfig{
			MaxAge:       v.GetDuration("upload_session.max_age"),
			Linger:       v.GetDuration("upload_session.linger"),
			ReapInterval: v.GetDuration("upload_session.reap_interval"),
		},
	}

	if cfg.LogFormat == "" && cfg.Env == "production" {
		cfg.LogFormat = "json"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList flattens list values that arrive as one comma-separated string,
// as ERFA_TRUSTED_PROXIES does.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
