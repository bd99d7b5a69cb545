package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/espforge/ota-stage/internal/version"
)

// Upload outcome label values.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// ServerMetrics bundles the upload server's Prometheus registry and collectors.
// Labels stay low-cardinality: only the upload outcome is ever a label value.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	uploadsTotal *prometheus.CounterVec
	uploadBytes  prometheus.Histogram
	buildInfo    *prometheus.GaugeVec
}

// New returns a fresh registry with standard Go/process collectors plus the
// upload-specific series.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		reg: reg,
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "firmware_uploads_total",
			Help: "Total firmware upload requests by outcome (ok, rejected, failed)",
		}, []string{"outcome"}),
		uploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "firmware_upload_size_bytes",
			Help:    "Size of successfully staged firmware binaries",
			Buckets: []float64{16384, 65536, 262144, 524288, 1048576, 2097152, 4194304, 8388608},
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"version", "commit"}),
	}

	reg.MustRegister(m.uploadsTotal, m.uploadBytes, m.buildInfo)

	m.buildInfo.WithLabelValues(version.Short(), version.Commit).Set(1)
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// ObserveUpload records one upload request outcome; size is only observed
// for successfully staged uploads.
func (m *ServerMetrics) ObserveUpload(outcome string, size int64) {
	if m == nil {
		return
	}

	m.uploadsTotal.WithLabelValues(outcome).Inc()

	if outcome == OutcomeOK {
		m.uploadBytes.Observe(float64(size))
	}
}
