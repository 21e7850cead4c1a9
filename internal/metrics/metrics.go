package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

var _ core.Telemetry = (*Metrics)(nil)

// Metrics holds the Prometheus collectors for consolidation.
type Metrics struct {
	gatherer prometheus.Gatherer

	EvidenceTotal    *prometheus.CounterVec
	EvidenceRejected *prometheus.CounterVec
	FinalizeTotal    *prometheus.CounterVec
	FinalizeDuration prometheus.Histogram
	CatalogEntries   *prometheus.GaugeVec
	TransportErrors  *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses the default
// registry.
func New(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	f := promauto.With(registerer)

	return &Metrics{
		gatherer: gatherer,
		EvidenceTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surfacemap_evidence_total",
			Help: "Evidence items merged into a catalog",
		}, []string{"source"}),
		EvidenceRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surfacemap_evidence_rejected_total",
			Help: "Evidence items dropped or quarantined",
		}, []string{"source"}),
		FinalizeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surfacemap_finalize_total",
			Help: "Catalog finalizations by outcome",
		}, []string{"outcome"}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "surfacemap_scan_duration_seconds",
			Help:    "Time from first evidence to finalized catalog",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		CatalogEntries: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "surfacemap_catalog_entries",
			Help: "Entries in the most recent finalized catalog",
		}, []string{"app"}),
		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "surfacemap_transport_errors_total",
			Help: "Messages that could not be decoded or handled",
		}, []string{"transport"}),
	}
}

func (m *Metrics) RecordIngest(_ string, source types.SourceKind, accepted bool) {
	if accepted {
		m.EvidenceTotal.WithLabelValues(string(source)).Inc()
		return
	}
	m.EvidenceRejected.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) RecordFinalize(app string, entries int, duration time.Duration, success bool) {
	if !success {
		m.FinalizeTotal.WithLabelValues("aborted").Inc()
		return
	}
	m.FinalizeTotal.WithLabelValues("finalized").Inc()
	m.FinalizeDuration.Observe(duration.Seconds())
	m.CatalogEntries.WithLabelValues(app).Set(float64(entries))
}

func (m *Metrics) RecordTransportError(transport string) {
	m.TransportErrors.WithLabelValues(transport).Inc()
}

func (m *Metrics) Close() error { return nil }

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
