package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the reservation counters.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// StatusInvalid replaces an unknown target status in transition labels.
const StatusInvalid = "invalid"

// ReservationMetrics exposes counters/histograms for the booking engine.
type ReservationMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	ratingsTotal     *prometheus.CounterVec
	reclaimedTotal   prometheus.Counter
	reclaimDuration  prometheus.Histogram
}

func NewReservationMetrics(reg prometheus.Registerer) *ReservationMetrics {
	m := &ReservationMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Subsystem: "reservation",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Subsystem: "reservation",
			Name:      "transitions_total",
			Help:      "Booking status transitions by target status and outcome",
		}, []string{"to", "outcome"}),
		ratingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Subsystem: "reservation",
			Name:      "ratings_total",
			Help:      "Rating submissions by outcome",
		}, []string{"outcome"}),
		reclaimedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "medbook",
			Subsystem: "reservation",
			Name:      "reclaimed_slots_total",
			Help:      "Stale unreserved slots deleted by the reclaimer",
		}),
		reclaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "medbook",
			Subsystem: "reservation",
			Name:      "reclaim_duration_seconds",
			Help:      "Duration of reclaimer runs",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.ratingsTotal, m.reclaimedTotal, m.reclaimDuration)
	return m
}

func (m *ReservationMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *ReservationMetrics) ObserveTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to, outcome).Inc()
}

func (m *ReservationMetrics) ObserveRating(outcome string) {
	if m == nil {
		return
	}
	m.ratingsTotal.WithLabelValues(outcome).Inc()
}

func (m *ReservationMetrics) ObserveReclaim(deleted int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reclaimedTotal.Add(float64(deleted))
	m.reclaimDuration.Observe(elapsed.Seconds())
}

// methodLabel folds anything outside the standard methods into "other".
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return method
	}
	return "other"
}

// HTTPMetrics records request counts and latency per route template.
type HTTPMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medbook",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "medbook",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requestsTotal, m.requestDuration)
	return m
}

// Middleware observes every request. It must run inside the error-rendering
// logger so the final status is visible.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = 500
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := methodLabel(c.Request().Method)
			m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
