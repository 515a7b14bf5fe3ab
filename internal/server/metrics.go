package server

import (
	"sync"
	"time"
)

// Metrics holds application metrics. It implements upload.Observer.
type Metrics struct {
	mu sync.RWMutex

	// Upload metrics
	uploadsStarted      int64
	uploadsTotal        int64
	uploadBytesTotal    int64
	uploadErrorsTotal   int64
	uploadsCancelled    int64
	uploadRetriesTotal  int64
	uploadDurationTotal time.Duration
	uploadFailures      map[string]int64 // reason -> count

	downloadsTotal int64

	// Auth metrics
	loginAttemptsTotal int64
	loginSuccessTotal  int64
	loginFailuresTotal int64
	lockoutsTotal      int64

	// System metrics
	requestsTotal    int64
	requestErrors5xx int64
	requestErrors4xx int64
}

var globalMetrics = newMetrics()

func newMetrics() *Metrics {
	return &Metrics{uploadFailures: make(map[string]int64)}
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

func (m *Metrics) UploadStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsStarted++
}

func (m *Metrics) UploadCompleted(bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsTotal++
	m.uploadBytesTotal += bytes
	m.uploadDurationTotal += duration
}

func (m *Metrics) UploadFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrorsTotal++
	m.uploadFailures[reason]++
}

func (m *Metrics) UploadCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsCancelled++
}

func (m *Metrics) TransferRetried() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadRetriesTotal++
}

func (m *Metrics) DownloadIssued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadsTotal++
}

// RecordLoginAttempt records a login attempt
func (m *Metrics) RecordLoginAttempt(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginAttemptsTotal++
	if success {
		m.loginSuccessTotal++
	} else {
		m.loginFailuresTotal++
	}
}

func (m *Metrics) RecordLockout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockoutsTotal++
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++

	if statusCode >= 500 {
		m.requestErrors5xx++
	} else if statusCode >= 400 {
		m.requestErrors4xx++
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	failures := make(map[string]int64, len(m.uploadFailures))
	for k, v := range m.uploadFailures {
		failures[k] = v
	}

	return MetricsSnapshot{
		UploadsStarted:      m.uploadsStarted,
		UploadsTotal:        m.uploadsTotal,
		UploadBytesTotal:    m.uploadBytesTotal,
		UploadErrorsTotal:   m.uploadErrorsTotal,
		UploadsCancelled:    m.uploadsCancelled,
		UploadRetriesTotal:  m.uploadRetriesTotal,
		UploadAvgDurationMs: avgDuration(m.uploadDurationTotal, m.uploadsTotal),
		UploadFailures:      failures,
		DownloadsTotal:      m.downloadsTotal,
		LoginAttemptsTotal:  m.loginAttemptsTotal,
		LoginSuccessTotal:   m.loginSuccessTotal,
		LoginFailuresTotal:  m.loginFailuresTotal,
		LockoutsTotal:       m.lockoutsTotal,
		RequestsTotal:       m.requestsTotal,
		RequestErrors5xx:    m.requestErrors5xx,
		RequestErrors4xx:    m.requestErrors4xx,
	}
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Upload metrics
	UploadsStarted      int64            `json:"uploads_started"`
	UploadsTotal        int64            `json:"uploads_total"`
	UploadBytesTotal    int64            `json:"upload_bytes_total"`
	UploadErrorsTotal   int64            `json:"upload_errors_total"`
	UploadsCancelled    int64            `json:"uploads_cancelled"`
	UploadRetriesTotal  int64            `json:"upload_retries_total"`
	UploadAvgDurationMs float64          `json:"upload_avg_duration_ms"`
	UploadFailures      map[string]int64 `json:"upload_failures"`

	DownloadsTotal int64 `json:"downloads_total"`

	// Auth metrics
	LoginAttemptsTotal int64 `json:"login_attempts_total"`
	LoginSuccessTotal  int64 `json:"login_success_total"`
	LoginFailuresTotal int64 `json:"login_failures_total"`
	LockoutsTotal      int64 `json:"lockouts_total"`

	// System metrics
	RequestsTotal    int64 `json:"requests_total"`
	RequestErrors5xx int64 `json:"request_errors_5xx"`
	RequestErrors4xx int64 `json:"request_errors_4xx"`
}

func avgDuration(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}
