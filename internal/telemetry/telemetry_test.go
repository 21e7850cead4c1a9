package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/config"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

type recorder struct {
	mu       sync.Mutex
	accepted map[types.SourceKind]int
	rejected map[types.SourceKind]int
	finals   int
	closed   bool
}

func newRecorder() *recorder {
	return &recorder{accepted: map[types.SourceKind]int{}, rejected: map[types.SourceKind]int{}}
}

func (r *recorder) RecordIngest(_ string, s types.SourceKind, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.accepted[s]++
	} else {
		r.rejected[s]++
	}
}

func (r *recorder) RecordFinalize(string, int, time.Duration, bool) { r.finals++ }
func (r *recorder) Close() error                                    { r.closed = true; return nil }

func TestDisabledIsNop(t *testing.T) {
	tel, err := New(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	tel.RecordIngest("a", types.SourceStatic, true)
	assert.NoError(t, tel.Close())
}

func TestInstrumentsOnNoopMeter(t *testing.T) {
	tel, err := newInstruments(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	tel.RecordIngest("a", types.SourceDynamic, false)
	tel.RecordFinalize("a", 3, time.Second, true)
	assert.NoError(t, tel.Close())
}

func TestObserverFeedsMulti(t *testing.T) {
	a, b := newRecorder(), newRecorder()
	multi := Multi{a, b}

	c, err := consolidator.New("com.app", consolidator.DefaultConfig(), consolidator.WithObserver(Observer(multi)))
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = c.Ingest(types.Evidence{Source: types.SourceStatic, RawValue: "https://a.com/x", ObservedAt: at})
	require.NoError(t, err)
	_, err = c.Ingest(types.Evidence{Source: types.SourceDynamic, RawValue: "::bad::", ObservedAt: at})
	require.Error(t, err)

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, 1, r.accepted[types.SourceStatic])
		assert.Equal(t, 1, r.rejected[types.SourceDynamic])
	}

	multi.RecordFinalize("com.app", 1, time.Second, true)
	require.NoError(t, multi.Close())
	assert.Equal(t, 1, a.finals)
	assert.True(t, b.closed)
}
