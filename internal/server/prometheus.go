// prometheus.go - Prometheus text exporter for the in-process counters.
package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cairocoder/erfa3ly/internal/storage"
)

// PrometheusExporter converts internal metrics to Prometheus format
type PrometheusExporter struct {
	build   BuildInfo
	metrics *Metrics
	breaker *storage.Breaker
}

// NewPrometheusExporter creates an exporter for m. breaker may be nil.
func NewPrometheusExporter(build BuildInfo, m *Metrics, breaker *storage.Breaker) *PrometheusExporter {
	return &PrometheusExporter{build: build, metrics: m, breaker: breaker}
}

func writeMetric(b *strings.Builder, name, kind, help string, value any) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n%s %v\n\n", name, help, name, kind, name, value)
}

// Handler returns an HTTP handler for the /metrics endpoint
func (p *PrometheusExporter) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s := p.metrics.Snapshot()
		var out strings.Builder

		out.WriteString("# HELP erfa_info Application version info\n")
		out.WriteString("# TYPE erfa_info gauge\n")
		fmt.Fprintf(&out, "erfa_info{version=\"%s\",commit=\"%s\"} 1\n\n",
			prometheusLabel(p.build.Version), prometheusLabel(p.build.Commit))

		writeMetric(&out, "erfa_requests_total", "counter", "Total number of HTTP requests", s.RequestsTotal)
		out.WriteString("# HELP erfa_request_errors_total HTTP error responses by class\n")
		out.WriteString("# TYPE erfa_request_errors_total counter\n")
		fmt.Fprintf(&out, "erfa_request_errors_total{class=\"4xx\"} %d\n", s.RequestErrors4xx)
		fmt.Fprintf(&out, "erfa_request_errors_total{class=\"5xx\"} %d\n\n", s.RequestErrors5xx)

		writeMetric(&out, "erfa_uploads_started_total", "counter", "Upload sessions created", s.UploadsStarted)
		writeMetric(&out, "erfa_uploads_total", "counter", "Completed uploads", s.UploadsTotal)
		writeMetric(&out, "erfa_upload_bytes_total", "counter", "Bytes stored by completed uploads", s.UploadBytesTotal)
		writeMetric(&out, "erfa_uploads_cancelled_total", "counter", "Uploads cancelled by clients", s.UploadsCancelled)
		writeMetric(&out, "erfa_upload_retries_total", "counter", "Transfer attempts retried after a retryable failure", s.UploadRetriesTotal)
		writeMetric(&out, "erfa_upload_avg_duration_ms", "gauge", "Mean duration of completed uploads", fmt.Sprintf("%.1f", s.UploadAvgDurationMs))

		out.WriteString("# HELP erfa_upload_failures_total Failed uploads by reason\n")
		out.WriteString("# TYPE erfa_upload_failures_total counter\n")
		reasons := make([]string, 0, len(s.UploadFailures))
		for k := range s.UploadFailures {
			reasons = append(reasons, k)
		}
		sort.Strings(reasons)
		for _, k := range reasons {
			fmt.Fprintf(&out, "erfa_upload_failures_total{reason=\"%s\"} %d\n", prometheusLabel(k), s.UploadFailures[k])
		}
		out.WriteString("\n")

		writeMetric(&out, "erfa_downloads_total", "counter", "Download links issued", s.DownloadsTotal)
		writeMetric(&out, "erfa_login_success_total", "counter", "Successful logins", s.LoginSuccessTotal)
		writeMetric(&out, "erfa_login_failures_total", "counter", "Failed logins", s.LoginFailuresTotal)
		writeMetric(&out, "erfa_lockouts_total", "counter", "Accounts locked after repeated failures", s.LockoutsTotal)

		if p.breaker != nil {
			out.WriteString("# HELP erfa_storage_circuit_state Storage circuit state (0 closed, 1 open, 2 half-open)\n")
			out.WriteString("# TYPE erfa_storage_circuit_state gauge\n")
			fmt.Fprintf(&out, "erfa_storage_circuit_state %d\n\n", int(p.breaker.State()))
			writeMetric(&out, "erfa_storage_circuit_rejected_total", "counter", "Storage calls rejected while the circuit was open", p.breaker.Rejected())
		}

		p50, p95, p99 := GetRequestDurationPercentiles("/api/uploads/content")
		out.WriteString("# HELP erfa_relay_duration_ms Relay request duration percentiles\n")
		out.WriteString("# TYPE erfa_relay_duration_ms summary\n")
		fmt.Fprintf(&out, "erfa_relay_duration_ms{quantile=\"0.5\"} %.0f\n", p50)
		fmt.Fprintf(&out, "erfa_relay_duration_ms{quantile=\"0.95\"} %.0f\n", p95)
		fmt.Fprintf(&out, "erfa_relay_duration_ms{quantile=\"0.99\"} %.0f\n\n", p99)

		writeMetric(&out, "erfa_uptime_seconds", "counter", "Application uptime in seconds", fmt.Sprintf("%.0f", time.Since(serverStartTime).Seconds()))

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out.String()))
	}
}

// prometheusLabel escapes quotes and backslashes.
func prometheusLabel(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return value
}

// MetricsSummary keeps recent request durations per endpoint.
type MetricsSummary struct {
	mu               sync.RWMutex
	requestDurations map[string][]float64 // endpoint -> durations in ms
}

var (
	metricsSummary = &MetricsSummary{
		requestDurations: make(map[string][]float64),
	}
	serverStartTime = time.Now()
)

var trackedRoutes = map[string]bool{
	"/api/uploads":         true,
	"/api/uploads/content": true,
	"/api/upload":          true,
	"/api/get-upload-url":  true,
	"/api/complete-upload": true,
	"/api/download":        true,
	"/login":               true,
}

// RecordRequestDuration records the duration of a request for summary metrics.
// Only fixed routes are tracked so arbitrary paths cannot grow the map.
func RecordRequestDuration(endpoint string, durationMs float64) {
	switch {
	case strings.HasPrefix(endpoint, "/download/"):
		endpoint = "/download/"
	case !trackedRoutes[endpoint]:
		return
	}
	metricsSummary.mu.Lock()
	defer metricsSummary.mu.Unlock()

	durations := append(metricsSummary.requestDurations[endpoint], durationMs)

	// Keep only last 1000 samples per endpoint
	if len(durations) > 1000 {
		durations = durations[len(durations)-1000:]
	}

	metricsSummary.requestDurations[endpoint] = durations
}

// GetRequestDurationPercentiles returns percentile data for request durations
func GetRequestDurationPercentiles(endpoint string) (p50, p95, p99 float64) {
	metricsSummary.mu.RLock()
	defer metricsSummary.mu.RUnlock()

	durations := metricsSummary.requestDurations[endpoint]
	if len(durations) == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, len(durations))
	copy(sorted, durations)
	sort.Float64s(sorted)

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]

	return
}
