package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_StreamLifecycle(t *testing.T) {
	m := New()
	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed(false)
	m.StreamClosed(true)
	m.Chunk(10)
	m.Chunk(5)
	m.Objects(3, 1, 2, 0)
	m.Put("text")
	m.Put("text")

	require.Equal(t, 0.0, testutil.ToFloat64(m.ActiveStreams))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StreamsOpened))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StreamsClosed.WithLabelValues("failed")))
	require.Equal(t, 15.0, testutil.ToFloat64(m.BytesReceived))
	require.Equal(t, 3.0, testutil.ToFloat64(m.ObjectsExtracted))
	require.Equal(t, 2.0, testutil.ToFloat64(m.DroppedPatches))
	require.Equal(t, 2.0, testutil.ToFloat64(m.StorePuts.WithLabelValues("text")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.StreamOpened()
	m.Chunk(1)
	m.Put("x")
	require.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Chunk(4)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "streamfold_chunk_bytes_total 4")
}
