package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method", "path", "status"},
	)
)

// Доменные метрики: платежи, внешние вызовы, курс.
var (
	paymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pishop_payment_transitions_total",
			Help: "Payment orchestrator operations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pishop_upstream_request_duration_seconds",
			Help:    "Latency of calls to the payment platform, identity provider and quote source.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "op", "outcome"},
	)

	priceRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pishop_price_refresh_total",
			Help: "Price cache refresh attempts by result.",
		},
		[]string{"result"},
	)

	priceUSD = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pishop_price_usd",
		Help: "Last cached Pi price in USD.",
	})
)

var initOnce sync.Once

// Регистрация метрик в default-регистре.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			paymentTransitions, upstreamDuration, priceRefreshTotal, priceUSD,
		)
	})
}

// Хэндлер Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePayment records the outcome of one orchestrator operation.
func ObservePayment(action, outcome string) {
	paymentTransitions.WithLabelValues(action, outcome).Inc()
}

// ObserveUpstream records the latency of one outbound call.
func ObserveUpstream(service, op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	upstreamDuration.WithLabelValues(service, op, outcome).Observe(time.Since(start).Seconds())
}

// ObservePriceRefresh records a refresh attempt; price is only set on success.
func ObservePriceRefresh(price float64, err error) {
	if err != nil {
		priceRefreshTotal.WithLabelValues("error").Inc()
		return
	}
	priceRefreshTotal.WithLabelValues("ok").Inc()
	priceUSD.Set(price)
}

// Обёртка для измерения RPS/latency/в полёте.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses payment identifiers so metric cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) >= 2 && parts[0] == "payments" {
		switch len(parts) {
		case 2:
			return "/payments/:id"
		case 3:
			switch parts[2] {
			case "approve", "complete", "cancel", "reconcile":
				return "/payments/:id/" + parts[2]
			}
		}
	}
	return raw
}

// statusWriter запоминает код ответа для метрик.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
