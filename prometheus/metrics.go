package prometheus

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_zuko_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cafe_zuko_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Domain metrics
var (
	// AuthErrorCounter counts authentication failures by type
	AuthErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_zuko_auth_errors_total",
			Help: "Total number of authentication errors",
		},
		[]string{"type"}, // missing_token, invalid_token, invalid_credentials, ...
	)

	SignupCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_zuko_signups_total",
			Help: "Total number of registrations by role",
		},
		[]string{"role"},
	)

	CartOperationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_zuko_cart_operations_total",
			Help: "Total number of cart mutations",
		},
		[]string{"operation"}, // add, set_quantity, delete_item, cart_removed
	)

	OrdersCreatedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_zuko_orders_created_total",
			Help: "Total number of orders created",
		},
		[]string{"source"}, // direct, checkout
	)

	PaymentTransitionsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_zuko_payment_transitions_total",
			Help: "Total number of payment status transitions",
		},
		[]string{"status"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cafe_zuko_gateway_request_duration_seconds",
			Help:    "Duration of payment gateway calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	CacheLookupsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cafe_zuko_cache_lookups_total",
			Help: "Total number of product cache lookups",
		},
		[]string{"result"}, // hit, miss, error
	)

	DBOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cafe_zuko_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			AuthErrorCounter,
			SignupCounter,
			CartOperationsCounter,
			OrdersCreatedCounter,
			PaymentTransitionsCounter,
			GatewayRequestDuration,
			CacheLookupsCounter,
			DBOperationDuration,
		)
	})
}

// RecordAuthError increments the auth error counter for errorType
func RecordAuthError(errorType string) {
	AuthErrorCounter.WithLabelValues(errorType).Inc()
}

// TrackDBOperation returns a function that records the elapsed time of a
// database operation. Usage: defer TrackDBOperation("query")(time.Now())
func TrackDBOperation(operation string) func(time.Time) {
	return func(start time.Time) {
		DBOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// MetricsMiddleware records request count and latency by route
func MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			method := c.Request().Method
			path := c.Path()
			statusStr := strconv.Itoa(status)

			HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
			HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// GetPrometheusHandler returns an HTTP handler for exposing Prometheus metrics
func GetPrometheusHandler() http.Handler {
	return promhttp.Handler()
}
