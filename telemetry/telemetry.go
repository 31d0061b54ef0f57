package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(httpInFlight)
	prometheus.MustRegister(httpDuration)
	prometheus.MustRegister(ChunksCompleted)
	prometheus.MustRegister(ChunkRetries)
	prometheus.MustRegister(ChunkScanDuration)
	prometheus.MustRegister(ChunkRowsEmitted)
	prometheus.MustRegister(CheckpointsWritten)
}

var (
	// Checkpoint storage transport metrics

	httpInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chunkcdc_storage_in_flight_requests",
			Help: "Current number of in-flight checkpoint storage requests",
		},
		[]string{"client"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkcdc_storage_duration_seconds",
			Help:    "Checkpoint storage request duration distributions",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"client", "code", "method"},
	)

	// Snapshot metrics

	ChunksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkcdc_chunks_completed_total",
			Help: "Chunks read and reconciled",
		},
		[]string{"table"},
	)

	ChunkRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkcdc_chunk_retries_total",
			Help: "Chunk reads restarted after a retryable failure",
		},
		[]string{"table"},
	)

	ChunkScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkcdc_chunk_scan_duration_seconds",
			Help:    "Time to scan and reconcile one chunk",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"table"},
	)

	ChunkRowsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkcdc_chunk_rows_emitted_total",
			Help: "Records emitted by chunk reads, including retractions",
		},
		[]string{"table"},
	)

	CheckpointsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkcdc_checkpoints_written_total",
			Help: "Progress records persisted",
		},
	)
)

// NewMetricsTransport instruments an HTTP client, such as the S3 checkpoint
// client, with in-flight and duration metrics labeled by client.
func NewMetricsTransport(client string, wrapped http.RoundTripper) http.RoundTripper {
	if wrapped == nil {
		wrapped = http.DefaultTransport
	}
	labels := prometheus.Labels{"client": client}
	return promhttp.InstrumentRoundTripperInFlight(
		httpInFlight.With(labels),
		promhttp.InstrumentRoundTripperDuration(httpDuration.MustCurryWith(labels), wrapped),
	)
}
