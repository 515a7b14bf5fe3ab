package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/cairocoder/erfa3ly/internal/logging"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects validation errors.
type Validator struct {
	errors []ValidationError
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

// ErrorString formats all errors, one per line.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func (v *Validator) Required(field, value string) {
	if value == "" {
		v.AddError(field, "required setting not set")
	}
}

func (v *Validator) URL(field, value string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(field, "URL must use http or https scheme")
	}
}

func (v *Validator) Port(field, value string) {
	if value == "" {
		return
	}
	portStr := value
	if i := strings.LastIndex(value, ":"); i >= 0 {
		portStr = value[i+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(field, "port must be a number")
		return
	}
	if port < 1 || port > 65535 {
		v.AddError(field, "port must be between 1 and 65535")
	}
}

func (v *Validator) MinLength(field, value string, minLen int) {
	if value == "" {
		return
	}
	if len(value) < minLen {
		v.AddError(field, fmt.Sprintf("must be at least %d characters long (got %d)", minLen, len(value)))
	}
}

func (v *Validator) Enum(field, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func (v *Validator) Positive(field string, value int64) {
	if value <= 0 {
		v.AddError(field, "must be a positive number")
	}
}

// Validate checks the loaded settings. Missing secrets refuse to start.
func (c *Config) Validate() error {
	v := &Validator{}

	v.Required("ERFA_DATABASE_URL", c.DatabaseURL)
	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		v.AddError("ERFA_DATABASE_URL", "must be a valid PostgreSQL connection string")
	}

	v.Required("ERFA_SESSION_SECRET", c.SessionSecret)
	v.MinLength("ERFA_SESSION_SECRET", c.SessionSecret, 32)

	v.Port("ERFA_ADDR", c.Addr)
	v.URL("ERFA_BASE_URL", c.BaseURL)

	v.Enum("ERFA_LOG_FORMAT", c.LogFormat, []string{"", "json", "text"})
	v.Enum("ERFA_LOG_LEVEL", c.LogLevel, []string{"debug", "info", "warn", "error"})
	v.Enum("ERFA_ENV", c.Env, []string{"development", "production", "staging"})

	v.Enum("ERFA_STORAGE_TYPE", strings.ToLower(c.Storage.Type), []string{"b2", "s3", "minio"})
	switch strings.ToLower(c.Storage.Type) {
	case "b2":
		v.Required("ERFA_STORAGE_ACCOUNT_ID", c.Storage.AccountID)
		v.Required("ERFA_STORAGE_APPLICATION_KEY", c.Storage.ApplicationKey)
		v.Required("ERFA_STORAGE_BUCKET_ID", c.Storage.BucketID)
	case "s3", "minio":
		v.Required("ERFA_STORAGE_ACCESS_KEY", c.Storage.AccessKey)
		v.Required("ERFA_STORAGE_SECRET_KEY", c.Storage.SecretKey)
		if strings.Contains(c.Storage.Endpoint, "://") {
			v.URL("ERFA_STORAGE_ENDPOINT", c.Storage.Endpoint)
		}
	}
	v.Required("ERFA_STORAGE_BUCKET", c.Storage.Bucket)
	v.Positive("ERFA_STORAGE_MAX_OBJECT_SIZE", c.Storage.MaxObjectSize)

	v.Positive("ERFA_UPLOAD_MAX_ATTEMPTS", int64(c.Upload.MaxAttempts))
	v.Positive("ERFA_UPLOAD_DAILY_QUOTA", c.Upload.DailyQuota)
	v.Positive("ERFA_LIMITS_UPLOAD_LIMIT", int64(c.Limits.UploadLimit))
	v.Positive("ERFA_LIMITS_DOWNLOAD_LIMIT", int64(c.Limits.DownloadLimit))
	v.Positive("ERFA_LIMITS_UPLOAD_WINDOW", int64(c.Limits.UploadWindow))
	v.Positive("ERFA_LIMITS_DOWNLOAD_WINDOW", int64(c.Limits.DownloadWindow))

	if c.Redis.Enabled {
		v.Required("ERFA_REDIS_ADDR", c.Redis.Addr)
	}
	if c.Google.ClientID != "" {
		v.Required("ERFA_GOOGLE_CLIENT_SECRET", c.Google.ClientSecret)
		v.URL("ERFA_GOOGLE_REDIRECT_URL", c.Google.RedirectURL)
	}

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}

// WarnOnOptionalMissing logs settings that are optional but recommended.
func (c *Config) WarnOnOptionalMissing() {
	var warnings []string
	if c.BaseURL == "http://localhost:8080" {
		warnings = append(warnings, "ERFA_BASE_URL not set - share links point at http://localhost:8080")
	}
	if !c.Google.Enabled() {
		warnings = append(warnings, "ERFA_GOOGLE_CLIENT_ID not set - Google sign-in disabled")
	}
	if c.LogFormat == "" {
		warnings = append(warnings, "ERFA_LOG_FORMAT not set - using text format (consider 'json' for production)")
	}
	if !c.Redis.Enabled {
		warnings = append(warnings, "ERFA_REDIS_ENABLED not set - upload sessions and rate limits are per instance")
	}
	if len(warnings) > 0 {
		logging.Info("configuration warnings", logging.Fields{
			"count":    len(warnings),
			"warnings": warnings,
		})
	}
}
