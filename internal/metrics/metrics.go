// Package metrics provides Prometheus metrics for the FireflyCloud server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fireflycloud_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fireflycloud_content_bytes_downloaded_total",
			Help: "Total bytes proxied to clients",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fireflycloud_content_bytes_uploaded_total",
			Help: "Total bytes accepted from clients",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_content_downloads_total",
			Help: "Total number of content downloads by delivery mode",
		},
		[]string{"mode", "status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status"},
	)

	// Backend adapter metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fireflycloud_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"kind", "operation", "status"},
	)

	// Registry metrics
	registryReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_registry_reloads_total",
			Help: "Strategy adapter reconstructions",
		},
		[]string{"status"},
	)

	strategiesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fireflycloud_strategies_active",
			Help: "Number of active storage strategies in the registry",
		},
	)

	statsCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_stats_cache_total",
			Help: "Usage statistics lookups by result",
		},
		[]string{"result"},
	)

	// Token metrics
	tokenRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_token_redemptions_total",
			Help: "Download token redemptions by result",
		},
		[]string{"result"},
	)

	shareRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_share_redemptions_total",
			Help: "Share link redemptions by result",
		},
		[]string{"result"},
	)

	directLinkRedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_direct_link_redemptions_total",
			Help: "Direct link redemptions by result",
		},
		[]string{"result"},
	)

	// Auth and quota metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fireflycloud_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	quotaRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fireflycloud_quota_rejections_total",
			Help: "Uploads rejected by the quota gate",
		},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fireflycloud_rate_limit_hits_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a download. mode is "redirect" or "proxy".
func RecordContentDownload(mode string, bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(mode, statusLabel(success)).Inc()
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, success bool) {
	if success {
		contentBytesUploaded.Add(float64(bytes))
	}
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordBackendOperation records one adapter call.
func RecordBackendOperation(kind, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
	backendOperationsTotal.WithLabelValues(kind, operation, statusLabel(success)).Inc()
}

// RecordRegistryReload records an adapter reconstruction.
func RecordRegistryReload(success bool) {
	registryReloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// SetStrategiesActive sets the number of active strategies.
func SetStrategiesActive(count int) {
	strategiesActive.Set(float64(count))
}

// RecordStatsLookup records a stats cache lookup: "hit", "miss", "forced" or "stale".
func RecordStatsLookup(result string) {
	statsCacheTotal.WithLabelValues(result).Inc()
}

// RecordTokenRedemption records a download token redemption outcome.
func RecordTokenRedemption(result string) {
	tokenRedemptionsTotal.WithLabelValues(result).Inc()
}

// RecordShareRedemption records a share link redemption outcome.
func RecordShareRedemption(result string) {
	shareRedemptionsTotal.WithLabelValues(result).Inc()
}

// RecordDirectLinkRedemption records a direct link redemption outcome.
func RecordDirectLinkRedemption(result string) {
	directLinkRedemptionsTotal.WithLabelValues(result).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordQuotaRejection records an upload denied by the quota gate.
func RecordQuotaRejection() {
	quotaRejectionsTotal.Inc()
}

// RecordRateLimitHit records a rate-limited request.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// It must wrap the ServeMux directly so the matched route pattern is visible
// after the request is served.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
