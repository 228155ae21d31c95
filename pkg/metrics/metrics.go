package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vault_build_info",
			Help: "Build information of the vault service",
		},
		[]string{"version", "commit"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vault_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_verifications_total",
			Help: "Investment transaction verifications by resulting state",
		},
		[]string{"state"}, // "pending", "confirmed", "failed", "sender_mismatch", "error"
	)

	VerificationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vault_verification_duration_seconds",
			Help:    "Duration of investment verifications in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	DistributionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vault_distributions_total",
			Help: "Total number of dividend distributions created",
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_claims_total",
			Help: "Total number of claim lines committed to distribution roots",
		},
		[]string{"recipient_type"},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_messages_total",
			Help: "Consumed bus messages by disposition",
		},
		[]string{"topic", "disposition"},
	)

	WatcherHeadBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vault_watcher_processed_block",
			Help: "Last block fully processed by the chain watcher",
		},
	)

	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_watcher_events_total",
			Help: "Investment events seen by the chain watcher",
		},
		[]string{"status"}, // "recorded", "invalid", "error"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func RecordVerification(state string, duration time.Duration) {
	VerificationsTotal.WithLabelValues(state).Inc()
	VerificationDuration.Observe(duration.Seconds())
}

func RecordDistribution(claimsByRecipientType map[string]int) {
	DistributionsTotal.Inc()
	for recipientType, n := range claimsByRecipientType {
		ClaimsTotal.WithLabelValues(recipientType).Add(float64(n))
	}
}

func RecordMessage(topic, disposition string) {
	MessagesTotal.WithLabelValues(topic, disposition).Inc()
}

func SetWatcherBlock(block uint64) {
	WatcherHeadBlock.Set(float64(block))
}

func RecordWatcherEvent(status string) {
	WatcherEventsTotal.WithLabelValues(status).Inc()
}
