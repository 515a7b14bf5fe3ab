package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cairocoder/erfa3ly/internal/storage"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Commit     string                     `json:"commit,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// healthCheckKey is statted to check storage reachability; a missing
// object still proves the bucket answers.
const healthCheckKey = ".erfa-health"

func (cfg Config) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		h := cfg.checkHealth(ctx)
		status := http.StatusOK
		if h.Status == HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

func (cfg Config) checkHealth(ctx context.Context) Health {
	components := map[string]ComponentHealth{
		"database": checkPinger(ctx, cfg.DB),
	}
	if cfg.Uploads != nil {
		components["storage"] = checkStorage(ctx, cfg.Uploads.Backend(), cfg.Breaker)
	}
	return Health{
		Status:     determineOverallHealth(components),
		Timestamp:  time.Now().UTC(),
		Version:    cfg.Build.Version,
		Commit:     cfg.Build.Commit,
		Components: components,
	}
}

func checkPinger(ctx context.Context, p Pinger) ComponentHealth {
	if p == nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "not configured"}
	}
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: err.Error()}
	}
	return ComponentHealth{Status: ComponentStatusUp, LatencyMs: msSince(start)}
}

func checkStorage(ctx context.Context, b storage.Backend, br *storage.Breaker) ComponentHealth {
	details := map[string]string{"backend": b.Name(), "bucket": b.Bucket()}
	if br != nil {
		details["circuit"] = br.State().String()
		if br.State() == storage.CircuitOpen {
			return ComponentHealth{Status: ComponentStatusDegraded, Message: "circuit open", Details: details}
		}
	}

	start := time.Now()
	err := b.Stat(ctx, healthCheckKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return ComponentHealth{Status: ComponentStatusDown, Message: err.Error(), Details: details}
	}
	return ComponentHealth{Status: ComponentStatusUp, LatencyMs: msSince(start), Details: details}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}

// determineOverallHealth: the database is required, storage can degrade.
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	if components["database"].Status == ComponentStatusDown {
		return HealthStatusUnhealthy
	}
	for _, c := range components {
		if c.Status != ComponentStatusUp {
			return HealthStatusDegraded
		}
	}
	return HealthStatusHealthy
}
