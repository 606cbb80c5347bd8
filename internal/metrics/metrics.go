// Package metrics provides Prometheus metrics for the filevault server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Storage provider metrics
	providerOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filevault_provider_op_duration_seconds",
			Help:    "Storage provider operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	providerOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_provider_ops_total",
			Help: "Total storage provider operations",
		},
		[]string{"provider", "op", "status"},
	)

	// Upload metrics
	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_upload_bytes_total",
			Help: "Total bytes accepted through uploads",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_uploads_total",
			Help: "Total number of completed uploads",
		},
		[]string{"status"},
	)

	activeUploadSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_upload_sessions_active",
			Help: "Number of open chunked upload sessions",
		},
	)

	// Download task metrics
	fetchBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_fetch_bytes_total",
			Help: "Total bytes retrieved by the external fetcher",
		},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_download_tasks_total",
			Help: "Total number of finished download tasks",
		},
		[]string{"status"},
	)

	taskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_task_queue_depth",
			Help: "Number of download tasks waiting for a slot",
		},
	)

	tasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_tasks_running",
			Help: "Number of download tasks currently executing",
		},
	)

	// Account metrics
	accountSwitchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filevault_account_switches_total",
			Help: "Total number of active-account switches",
		},
	)

	tokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_token_refresh_total",
			Help: "Total OAuth token refresh attempts",
		},
		[]string{"provider", "status"},
	)

	// Event stream metrics
	sseSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filevault_sse_subscribers",
			Help: "Number of connected event stream subscribers",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filevault_sse_events_total",
			Help: "Total events published to the event stream",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware records request count and duration for every HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, statusLabel(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordProviderOp records a storage provider operation.
func RecordProviderOp(provider, op string, duration time.Duration, ok bool) {
	providerOpDuration.WithLabelValues(provider, op).Observe(duration.Seconds())
	providerOpsTotal.WithLabelValues(provider, op, boolLabel(ok)).Inc()
}

// RecordUpload records a completed (or failed) upload.
func RecordUpload(bytes int64, ok bool) {
	uploadsTotal.WithLabelValues(boolLabel(ok)).Inc()
	if ok && bytes > 0 {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// SetActiveUploadSessions sets the open chunked-upload session gauge.
func SetActiveUploadSessions(n int) {
	activeUploadSessions.Set(float64(n))
}

// RecordFetchBytes adds bytes retrieved by the external fetcher.
func RecordFetchBytes(bytes int64) {
	if bytes > 0 {
		fetchBytesTotal.Add(float64(bytes))
	}
}

// RecordTaskFinished records a download task reaching a terminal status.
func RecordTaskFinished(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// SetTaskQueueDepth sets the queued-task gauge.
func SetTaskQueueDepth(n int) {
	taskQueueDepth.Set(float64(n))
}

// SetTasksRunning sets the running-task gauge.
func SetTasksRunning(n int) {
	tasksRunning.Set(float64(n))
}

// RecordAccountSwitch records an active-account switch.
func RecordAccountSwitch() {
	accountSwitchesTotal.Inc()
}

// RecordTokenRefresh records an OAuth token refresh attempt.
func RecordTokenRefresh(provider string, ok bool) {
	tokenRefreshTotal.WithLabelValues(provider, boolLabel(ok)).Inc()
}

// SetSSESubscribers sets the connected-subscriber gauge.
func SetSSESubscribers(n int) {
	sseSubscribers.Set(float64(n))
}

// RecordSSEEvent records a published event stream event.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

func boolLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
