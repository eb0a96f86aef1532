// Package metrics exposes Prometheus collectors for the audit service and
// its HTTP host.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctrlai/chainaudit/internal/audit"
)

// Metric names.
const (
	MetricEventsRecorded      = "audit_events_recorded_total"
	MetricRecordFailures      = "audit_record_failures_total"
	MetricVerifications       = "audit_chain_verifications_total"
	MetricVerifyDuration      = "audit_chain_verify_duration_seconds"
	MetricEventsChecked       = "audit_chain_events_checked"
	MetricHTTPRequestsTotal   = "audit_http_requests_total"
	MetricHTTPRequestDuration = "audit_http_request_duration_seconds"
	MetricFeedClients         = "audit_feed_clients"
)

// Failure reasons used as the "reason" label of MetricRecordFailures.
const (
	ReasonValidation = "validation"
	ReasonDuplicate  = "duplicate"
	ReasonHeadMoved  = "head_moved"
	ReasonStorage    = "storage"
	ReasonOther      = "other"
)

// Verification results used as the "result" label of MetricVerifications.
const (
	ResultIntact = "intact"
	ResultBroken = "broken"
)

// Metrics implements audit.Observer on top of Prometheus collectors.
// No collector carries a tenant label.
// All operations are thread-safe.
type Metrics struct {
	eventsRecorded *prometheus.CounterVec
	recordFailures *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	verifyDuration prometheus.Histogram
	eventsChecked  prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	feedClients    prometheus.Gauge
}

var _ audit.Observer = (*Metrics)(nil)

// NewMetrics creates a Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsRecorded,
				Help: "Total number of audit events appended, by category and severity",
			},
			[]string{"category", "severity"},
		),
		recordFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRecordFailures,
				Help: "Total number of rejected or failed record attempts, by reason",
			},
			[]string{"reason"},
		),
		verifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricVerifications,
				Help: "Total number of chain verifications, by result",
			},
			[]string{"result"},
		),
		verifyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricVerifyDuration,
				Help:    "Histogram of chain verification duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
			},
		),
		eventsChecked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricEventsChecked,
				Help: "Number of events checked by the most recent verification",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds by route",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 2.0},
			},
			[]string{"route"},
		),
		feedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricFeedClients,
				Help: "Number of connected live feed WebSocket clients",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.eventsRecorded,
		m.recordFailures,
		m.verifications,
		m.verifyDuration,
		m.eventsChecked,
		m.httpRequests,
		m.httpDuration,
		m.feedClients,
	}
}

// EventRecorded implements audit.Observer.
func (m *Metrics) EventRecorded(e audit.Event) {
	m.eventsRecorded.WithLabelValues(string(e.Category), string(e.Severity)).Inc()
}

// RecordFailed implements audit.Observer.
func (m *Metrics) RecordFailed(_ string, err error) {
	m.recordFailures.WithLabelValues(FailureReason(err)).Inc()
}

// ChainVerified implements audit.Observer.
func (m *Metrics) ChainVerified(_ string, res audit.TamperResult, elapsed time.Duration) {
	result := ResultIntact
	if !res.Intact {
		result = ResultBroken
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verifyDuration.Observe(elapsed.Seconds())
	m.eventsChecked.Set(float64(res.EventsChecked))
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// FeedClientConnected increments the live feed client gauge.
func (m *Metrics) FeedClientConnected() { m.feedClients.Inc() }

// FeedClientDisconnected decrements the live feed client gauge.
func (m *Metrics) FeedClientDisconnected() { m.feedClients.Dec() }

// FailureReason maps a Record error to a bounded label value.
func FailureReason(err error) string {
	switch {
	case audit.IsValidation(err):
		return ReasonValidation
	case errors.Is(err, audit.ErrDuplicateEvent):
		return ReasonDuplicate
	case errors.Is(err, audit.ErrChainHeadMoved):
		return ReasonHeadMoved
	case audit.IsStorage(err):
		return ReasonStorage
	default:
		return ReasonOther
	}
}
