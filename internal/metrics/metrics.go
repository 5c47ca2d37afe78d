package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the application metrics. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Order outcomes by result kind
	OrdersTotal *prometheus.CounterVec

	// Ledger movements by transaction type
	PointsTotal *prometheus.CounterVec

	// Remote provider calls
	RemoteCallTotal    *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec

	// Preview cache hits/misses
	PreviewCacheTotal *prometheus.CounterVec

	// Charges or refunds that need manual reconciliation
	ReconcileTotal *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. Collectors that are already
// registered (e.g. a second New against the default registry) are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),

		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stock_orders_total",
			Help: "Stock order placements by outcome",
		}, []string{"site", "outcome"}),

		PointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_points_total",
			Help: "Absolute points moved through the ledger by transaction type and direction",
		}, []string{"type", "direction"}),

		RemoteCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_calls_total",
			Help: "Remote provider API calls",
		}, []string{"operation", "status"}),

		RemoteCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_call_duration_seconds",
			Help:    "Remote provider API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		PreviewCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "preview_cache_total",
			Help: "Preview cache lookups",
		}, []string{"result"}),

		ReconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_reconcile_required_total",
			Help: "Ledger or order writes that failed after a remote side effect",
		}, []string{"stage"}),
	}

	m.HTTPRequestTotal = registerOrGet(reg, m.HTTPRequestTotal)
	m.HTTPRequestDuration = registerOrGet(reg, m.HTTPRequestDuration)
	m.OrdersTotal = registerOrGet(reg, m.OrdersTotal)
	m.PointsTotal = registerOrGet(reg, m.PointsTotal)
	m.RemoteCallTotal = registerOrGet(reg, m.RemoteCallTotal)
	m.RemoteCallDuration = registerOrGet(reg, m.RemoteCallDuration)
	m.PreviewCacheTotal = registerOrGet(reg, m.PreviewCacheTotal)
	m.ReconcileTotal = registerOrGet(reg, m.ReconcileTotal)
	return m
}

// registerOrGet registers c, returning the existing collector if one is already registered.
func registerOrGet[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) ObserveOrder(site, outcome string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(site, outcome).Inc()
}

// ObservePoints records a ledger movement; points is signed.
func (m *Metrics) ObservePoints(txType string, points float64) {
	if m == nil {
		return
	}
	direction := "credit"
	if points < 0 {
		direction = "debit"
		points = -points
	}
	m.PointsTotal.WithLabelValues(txType, direction).Add(points)
}

func (m *Metrics) ObserveRemote(operation, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCallTotal.WithLabelValues(operation, status).Inc()
	m.RemoteCallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) ObservePreviewCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PreviewCacheTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReconcile(stage string) {
	if m == nil {
		return
	}
	m.ReconcileTotal.WithLabelValues(stage).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
