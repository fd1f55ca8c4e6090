package gotftp

import "github.com/prometheus/client_golang/prometheus"

// PromMetrics exposes session Metrics as counters/histograms on an
// injectable prometheus.Registerer. Nil-safe: a zero-value PromMetrics
// (or one built with NewPromMetrics(nil)) is a no-op recorder so
// callers that don't wire a Registerer pay nothing.
type PromMetrics struct {
	bytesTotal       *prometheus.CounterVec
	retransmitsTotal *prometheus.CounterVec
	sessionsTotal    *prometheus.CounterVec
	duration         prometheus.Histogram
}

// NewPromMetrics registers the gotftp collector set on reg and returns
// a recorder to pass with WithPromMetrics (client.go/server.go call
// RecordSession once a transfer reaches a terminal state). Passing a nil Registerer yields a no-op recorder.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	if reg == nil {
		return &PromMetrics{}
	}
	pm := &PromMetrics{
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gotftp_bytes_transferred_total",
			Help: "Total bytes transferred across all TFTP sessions.",
		}, []string{"direction"}),
		retransmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gotftp_retransmits_total",
			Help: "Total packet retransmits across all TFTP sessions.",
		}, []string{"direction"}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gotftp_sessions_total",
			Help: "Total TFTP sessions, partitioned by outcome.",
		}, []string{"direction", "outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gotftp_session_duration_seconds",
			Help:    "Wall-clock duration of completed TFTP sessions.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(pm.bytesTotal, pm.retransmitsTotal, pm.sessionsTotal, pm.duration)
	return pm
}

// RecordSession folds one transfer's terminal Metrics into the
// collector set. Safe to call on a nil *PromMetrics.
func (pm *PromMetrics) RecordSession(dir TransferDirection, m Metrics, err error) {
	if pm == nil || pm.bytesTotal == nil {
		return
	}
	label := "download"
	if dir == DirectionUpload {
		label = "upload"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	pm.bytesTotal.WithLabelValues(label).Add(float64(m.BytesTransferred))
	pm.retransmitsTotal.WithLabelValues(label).Add(float64(m.Retransmits))
	pm.sessionsTotal.WithLabelValues(label, outcome).Inc()
	if d := m.Duration(); d > 0 {
		pm.duration.Observe(d.Seconds())
	}
}
