package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// value returns the first sample of the named family, or -1 if the family is missing.
func value(t *testing.T, m *Metrics, name string) float64 {
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name || len(mf.GetMetric()) == 0 {
			continue
		}
		sample := mf.GetMetric()[0]
		if c := sample.GetCounter(); c != nil {
			return c.GetValue()
		}
		if g := sample.GetGauge(); g != nil {
			return g.GetValue()
		}
	}
	return -1
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()

	a.Admissions.Inc()
	a.Admissions.Inc()
	b.Admissions.Inc()

	require.Equal(t, 2.0, value(t, a, "ensock_admissions_total"))
	require.Equal(t, 1.0, value(t, b, "ensock_admissions_total"))
}

func TestRecordProbe(t *testing.T) {
	m := New()
	m.RecordProbe(2, 5, time.Millisecond)
	m.RecordProbe(1, 4, time.Millisecond)

	require.Equal(t, 2.0, value(t, m, "ensock_probe_cycles_total"))
	require.Equal(t, 3.0, value(t, m, "ensock_evictions_total"))
	require.Equal(t, 4.0, value(t, m, "ensock_connected_peers"))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.FramesDropped.WithLabelValues("queue_full").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `ensock_frames_dropped_total{reason="queue_full"} 1`))
}
