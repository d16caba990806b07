package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, m *Metrics, name string) []*dto.Metric {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()
		}
	}
	return nil
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordWrite("item", "ok", 0.1)
		m.RecordSnapshot("items")
		m.RecordMalformed("item")
		m.SetPending(3)
		m.RecordPersistError("items")
		m.RecordTimerTransition("idle", "running")
		m.RecordRollover()
		m.SetStoreSize(4096)
		m.RecordAPIRequest("/api/v1/state", "200")
	})
}

func TestRecordWrite(t *testing.T) {
	m := New()
	m.RecordWrite("event", "ok", 0.05)
	m.RecordWrite("event", "ok", 0.07)
	m.RecordWrite("event", "error", 1.2)

	writes := gather(t, m, "roomsync_writes_total")
	require.Len(t, writes, 2)
	byResult := map[string]float64{}
	for _, w := range writes {
		for _, l := range w.GetLabel() {
			if l.GetName() == "result" {
				byResult[l.GetValue()] = w.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, byResult["ok"])
	assert.Equal(t, 1.0, byResult["error"])

	durations := gather(t, m, "roomsync_write_duration_seconds")
	require.Len(t, durations, 1)
	assert.Equal(t, uint64(3), durations[0].GetHistogram().GetSampleCount())
}

func TestGauges(t *testing.T) {
	m := New()
	m.SetPending(5)
	m.SetPending(2)
	m.SetStoreSize(8192)

	pending := gather(t, m, "roomsync_pending_writes")
	require.Len(t, pending, 1)
	assert.Equal(t, 2.0, pending[0].GetGauge().GetValue())

	size := gather(t, m, "roomsync_store_size_bytes")
	require.Len(t, size, 1)
	assert.Equal(t, 8192.0, size[0].GetGauge().GetValue())
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.RecordRollover()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "roomsync_rollovers_total 1"))
}
