// Package metrics exposes recording pipeline counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple instances never
// collide on the default one.
type Metrics struct {
	registry          *prometheus.Registry
	framesTotal       prometheus.Counter
	drawingsSkipped   prometheus.Counter
	recordingsStarted *prometheus.CounterVec
	recordingsFailed  prometheus.Counter
	chunksTotal       prometheus.Counter
	chunkBytesTotal   prometheus.Counter
	exportsTotal      *prometheus.CounterVec
	activeRecordings  prometheus.Gauge
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_frames_total",
			Help: "Frames handed to the encoder",
		}),
		drawingsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_drawings_skipped_total",
			Help: "Drawing layers skipped because their image was not ready",
		}),
		recordingsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelforge_recordings_started_total",
			Help: "Recording sessions started, by capture mode",
		}, []string{"mode"}),
		recordingsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_recordings_failed_total",
			Help: "Recording sessions that ended with an error",
		}),
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_encoder_chunks_total",
			Help: "Non-empty chunks emitted by the encoder",
		}),
		chunkBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_encoder_bytes_total",
			Help: "Bytes emitted by the encoder",
		}),
		exportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reelforge_exports_total",
			Help: "Timeline exports and merges, by result",
		}, []string{"result"}),
		activeRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reelforge_active_recordings",
			Help: "Recording sessions currently running",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_http_requests_total",
			Help: "HTTP requests served",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reelforge_http_errors_total",
			Help: "HTTP responses with status >= 400",
		}),
	}
	m.registry.MustRegister(
		m.framesTotal,
		m.drawingsSkipped,
		m.recordingsStarted,
		m.recordingsFailed,
		m.chunksTotal,
		m.chunkBytesTotal,
		m.exportsTotal,
		m.activeRecordings,
		m.requestsTotal,
		m.errorsTotal,
	)
	return m
}

// IncFrame records one drawn frame and the drawings it had to skip.
func (m *Metrics) IncFrame(skippedDrawings int) {
	m.framesTotal.Inc()
	if skippedDrawings > 0 {
		m.drawingsSkipped.Add(float64(skippedDrawings))
	}
}

// RecordingStarted counts a session and marks it active.
func (m *Metrics) RecordingStarted(mode string) {
	m.recordingsStarted.WithLabelValues(mode).Inc()
	m.activeRecordings.Inc()
}

// RecordingStopped clears the active mark; failed sessions are counted.
func (m *Metrics) RecordingStopped(failed bool) {
	m.activeRecordings.Dec()
	if failed {
		m.recordingsFailed.Inc()
	}
}

func (m *Metrics) IncChunk(size int) {
	m.chunksTotal.Inc()
	m.chunkBytesTotal.Add(float64(size))
}

// IncExport counts an export by result ("ok" or "aborted").
func (m *Metrics) IncExport(result string) {
	m.exportsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRequests() { m.requestsTotal.Inc() }
func (m *Metrics) IncErrors()   { m.errorsTotal.Inc() }

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
