// Package metrics holds the prometheus collectors for stream folding.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a set of collectors bound to one registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Stream metrics
	StreamsOpened    prometheus.Counter
	StreamsClosed    *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	ChunksReceived   prometheus.Counter
	BytesReceived    prometheus.Counter
	ObjectsExtracted prometheus.Counter
	MalformedObjects prometheus.Counter
	DroppedPatches   prometheus.Counter

	// Store metrics
	StorePuts     *prometheus.CounterVec
	StoreRejected prometheus.Counter

	// Fan-out metrics
	WSClients prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StreamsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "streamfold_streams_opened_total",
			Help: "Total intercepted streams opened",
		}),
		StreamsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamfold_streams_closed_total",
			Help: "Total streams terminated",
		}, []string{"outcome"}), // "completed" or "failed"
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamfold_active_streams",
			Help: "Streams currently open",
		}),
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "streamfold_chunks_total",
			Help: "Total raw chunks fed",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "streamfold_chunk_bytes_total",
			Help: "Total raw chunk bytes fed",
		}),
		ObjectsExtracted: f.NewCounter(prometheus.CounterOpts{
			Name: "streamfold_objects_total",
			Help: "Total complete JSON objects extracted",
		}),
		MalformedObjects: f.NewCounter(prometheus.CounterOpts{
			Name: "streamfold_malformed_objects_total",
			Help: "Extracted objects that failed to decode",
		}),
		DroppedPatches: f.NewCounter(prometheus.CounterOpts{
			Name: "streamfold_dropped_patches_total",
			Help: "Patches dropped because their index was not yet known",
		}),
		StorePuts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "streamfold_store_puts_total",
			Help: "Store writes by message kind",
		}, []string{"kind"}),
		StoreRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "streamfold_store_rejected_total",
			Help: "Writes refused by the store",
		}),
		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "streamfold_ws_clients",
			Help: "Connected websocket clients",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpened.Inc()
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamClosed(failed bool) {
	if m == nil {
		return
	}
	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	m.StreamsClosed.WithLabelValues(outcome).Inc()
	m.ActiveStreams.Dec()
}

func (m *Metrics) Chunk(n int) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

func (m *Metrics) Objects(extracted, malformed, dropped, rejected int) {
	if m == nil {
		return
	}
	m.ObjectsExtracted.Add(float64(extracted))
	m.MalformedObjects.Add(float64(malformed))
	m.DroppedPatches.Add(float64(dropped))
	m.StoreRejected.Add(float64(rejected))
}

func (m *Metrics) Put(kind string) {
	if m == nil {
		return
	}
	m.StorePuts.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}
