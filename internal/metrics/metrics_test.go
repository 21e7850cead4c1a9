package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

func TestRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordIngest("com.app", types.SourceStatic, true)
	m.RecordIngest("com.app", types.SourceStatic, true)
	m.RecordIngest("com.app", types.SourceDynamic, false)
	m.RecordFinalize("com.app", 7, 2*time.Second, true)
	m.RecordFinalize("com.app", 0, time.Second, false)
	m.RecordTransportError("nats")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvidenceTotal.WithLabelValues("static")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvidenceRejected.WithLabelValues("dynamic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinalizeTotal.WithLabelValues("finalized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinalizeTotal.WithLabelValues("aborted")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CatalogEntries.WithLabelValues("com.app")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransportErrors.WithLabelValues("nats")))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordIngest("com.app", types.SourceComponent, true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `surfacemap_evidence_total{source="component"} 1`)
}
