package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"songetl/internal/metrics"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	require.NotNil(t, m.GetCounter())
	return m.GetCounter().GetValue()
}

func TestNewBackend(t *testing.T) {
	t.Parallel()

	_, err := NewBackend("x", "")
	assert.Error(t, err)

	b, err := NewBackend("", "http://pushgateway:9091")
	require.NoError(t, err)
	assert.Equal(t, "song_etl", b.jobName)

	b, err = NewBackend("nightly", "http://pushgateway:9091")
	require.NoError(t, err)
	assert.Equal(t, "nightly", b.jobName)
}

func TestIncCounter_RoutesByName(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("etl", "http://pushgateway:9091")
	require.NoError(t, err)

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "songs_file", "status": "success"})
	b.IncCounter(metrics.RowsTotal, 5, metrics.Labels{"kind": "songplays"})
	b.IncCounter(metrics.RowsTotal, 2, metrics.Labels{"kind": "songplays"})
	b.IncCounter(metrics.SkippedTotal, 3, metrics.Labels{"reason": "bad_json"})
	b.IncCounter(metrics.FilesTotal, 1, metrics.Labels{"phase": "logs"})
	b.IncCounter("unknown_metric", 9, nil)

	assert.Equal(t, 1.0, counterValue(t, b.steps.WithLabelValues("songs_file", "success")))
	assert.Equal(t, 7.0, counterValue(t, b.rows.WithLabelValues("songplays")))
	assert.Equal(t, 3.0, counterValue(t, b.skipped.WithLabelValues("bad_json")))
	assert.Equal(t, 1.0, counterValue(t, b.files.WithLabelValues("logs")))
}

func TestObserveHistogram(t *testing.T) {
	t.Parallel()

	b, err := NewBackend("etl", "http://pushgateway:9091")
	require.NoError(t, err)

	b.ObserveHistogram(metrics.StepDuration, 0.25, metrics.Labels{"step": "logs_file", "status": "success"})
	b.ObserveHistogram(metrics.StepDuration, 0.75, metrics.Labels{"step": "logs_file", "status": "success"})
	b.ObserveHistogram("other", 1, nil)

	m := &dto.Metric{}
	obs, ok := b.stepDuration.WithLabelValues("logs_file", "success").(prometheus.Metric)
	require.True(t, ok)
	require.NoError(t, obs.Write(m))
	assert.Equal(t, uint64(2), m.GetSummary().GetSampleCount())
	assert.InDelta(t, 1.0, m.GetSummary().GetSampleSum(), 1e-9)
}

// TestFlush pushes to a fake Pushgateway and checks the grouping path and
// payload.
func TestFlush(t *testing.T) {
	t.Parallel()

	var (
		hits atomic.Int32
		path atomic.Value
		body atomic.Value
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("nightly", srv.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "users"})

	require.NoError(t, b.Flush())
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "/metrics/job/nightly", path.Load())
	assert.Contains(t, body.Load().(string), metrics.RowsTotal)
}

func TestFlush_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("etl", srv.URL)
	require.NoError(t, err)
	assert.Error(t, b.Flush())
}
