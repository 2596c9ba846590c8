package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clinic"

// SchedulingMetrics exposes counters for appointment bookings and transitions.
type SchedulingMetrics struct {
	bookings    *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "booking_attempts_total",
			Help:      "Appointment create and reschedule attempts by outcome",
		}, []string{"operation", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduling",
			Name:      "status_transitions_total",
			Help:      "Appointment status transitions by target status",
		}, []string{"status"}),
	}
	register(reg, m.bookings, m.transitions)
	return m
}

// ObserveBooking records a create/reschedule attempt; outcome is one of
// booked, conflict, rejected or error.
func (m *SchedulingMetrics) ObserveBooking(operation, outcome string) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(operation, outcome).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// LedgerMetrics exposes counters for invoice and payment operations.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
	amounts    *prometheus.CounterVec
}

func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by kind and outcome",
		}, []string{"operation", "outcome"}),
		amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "amount_total",
			Help:      "Money moved through the ledger by direction and method",
		}, []string{"direction", "method"}),
	}
	register(reg, m.operations, m.amounts)
	return m
}

func (m *LedgerMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveAmount adds a payment ("in") or refund ("out") amount.
func (m *LedgerMetrics) ObserveAmount(direction, method string, amount float64) {
	if m == nil || amount <= 0 {
		return
	}
	m.amounts.WithLabelValues(direction, method).Add(amount)
}

// JobMetrics exposes run counters and durations for scheduled jobs.
type JobMetrics struct {
	runs     *prometheus.CounterVec
	items    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	m := &JobMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Scheduled job runs by status",
		}, []string{"job", "status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "items_total",
			Help:      "Items processed by scheduled jobs by outcome",
		}, []string{"job", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Scheduled job run duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
	}
	register(reg, m.runs, m.items, m.duration)
	return m
}

func (m *JobMetrics) ObserveRun(job string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.runs.WithLabelValues(job, status).Inc()
	m.duration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func (m *JobMetrics) ObserveItem(job, outcome string) {
	m.ObserveItems(job, outcome, 1)
}

func (m *JobMetrics) ObserveItems(job, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.items.WithLabelValues(job, outcome).Add(float64(n))
}

// HTTPMetrics exposes request latency by route pattern.
type HTTPMetrics struct {
	latency *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	register(reg, m.latency)
	return m
}

func (m *HTTPMetrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.latency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func register(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(collectors...)
}
