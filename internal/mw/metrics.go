package mw

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/venrok/gateway/internal/httpx"
)

type Metrics struct {
	Requests        *prometheus.CounterVec
	Latency         *prometheus.HistogramVec
	CacheEntries    prometheus.Gauge
	CacheBytes      prometheus.Gauge
	HealthyReplicas *prometheus.GaugeVec
	BreakerOpen     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total HTTP requests processed by the gateway",
		}, []string{"route", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "Live entries in the response cache",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_cache_bytes",
			Help: "Estimated bytes held by the response cache",
		}),
		HealthyReplicas: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_healthy_replicas",
			Help: "Healthy replicas per route",
		}, []string{"route"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_open",
			Help: "1 when the circuit breaker for (route, replica) is open",
		}, []string{"route", "replica"}),
	}
	reg.MustRegister(m.Requests, m.Latency, m.CacheEntries, m.CacheBytes,
		m.HealthyReplicas, m.BreakerOpen)
	return m
}

type routeKeyType string

const routeKey routeKeyType = "route"

// WithRoute labels the request context for metrics and logs.
func WithRoute(next http.Handler, routeName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(context.WithValue(r.Context(), routeKey, routeName))
		next.ServeHTTP(w, r)
	})
}

func RouteName(ctx context.Context) string {
	if v, ok := ctx.Value(routeKey).(string); ok && v != "" {
		return v
	}
	return "unknown"
}

func Instrument(m *Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		route := RouteName(r.Context())
		m.Requests.WithLabelValues(route, r.Method, strconv.Itoa(sw.StatusOrDefault())).Inc()
		m.Latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
