// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	FragmentsClosed   *prometheus.CounterVec
	CaptureBytes      *prometheus.CounterVec
	StorageFailures   *prometheus.CounterVec
	PipelineRuns      *prometheus.CounterVec // result=success|failed
	SplitParts        *prometheus.CounterVec
	UploadsSucceeded  *prometheus.CounterVec
	UploadsFailed     *prometheus.CounterVec
	ChatRecords       *prometheus.CounterVec
	ChatReconnects    *prometheus.CounterVec
	RetentionRemovals *prometheus.CounterVec // target=<dir>

	// Histograms (seconds)
	PipelineDuration prometheus.Observer
	UploadDuration   prometheus.Observer

	// Gauges
	RoomState     *prometheus.GaugeVec // 1 for the current state of a room, 0 otherwise
	ActiveWorkers prometheus.Gauge
)

// States enumerates runner states for the RoomState gauge.
var States = []string{"IDLE", "RECORDING", "PROCESSING", "UPLOADING", "ERROR"}

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		FragmentsClosed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_fragments_closed_total", Help: "Number of capture fragments closed"}, []string{"room"})
		CaptureBytes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_capture_bytes_total", Help: "Bytes written by stream capture"}, []string{"room"})
		StorageFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_storage_failures_total", Help: "Local write failures that aborted a capture"}, []string{"room"})
		PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_pipeline_runs_total", Help: "Artifact pipeline runs by result"}, []string{"room", "result"})
		SplitParts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_split_parts_total", Help: "Number of parts produced by split"}, []string{"room"})
		UploadsSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_uploads_succeeded_total", Help: "Number of sessions uploaded"}, []string{"room"})
		UploadsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_uploads_failed_total", Help: "Number of failed upload attempts"}, []string{"room"})
		ChatRecords = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_chat_records_total", Help: "Chat records appended to session logs"}, []string{"room"})
		ChatReconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_chat_reconnects_total", Help: "Chat connection failures followed by a reconnect"}, []string{"room"})
		RetentionRemovals = promauto.NewCounterVec(prometheus.CounterOpts{Name: "ddrec_retention_removed_total", Help: "Files and directories removed by the retention sweep"}, []string{"target"})
		PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ddrec_pipeline_duration_seconds", Help: "Artifact pipeline duration seconds", Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200}})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "ddrec_upload_duration_seconds", Help: "Session upload duration seconds", Buckets: []float64{30, 60, 120, 300, 600, 1800, 3600}})
		RoomState = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "ddrec_room_state", Help: "Current runner state per room (1=active state)"}, []string{"room", "state"})
		ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{Name: "ddrec_active_workers", Help: "Number of running room supervisors"})
	})
}

// SetRoomState marks state as the only active state for room.
func SetRoomState(room, state string) {
	if RoomState == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		RoomState.WithLabelValues(room, s).Set(v)
	}
}

// Inc increments a labelled counter if metrics are initialized.
func Inc(c *prometheus.CounterVec, labels ...string) {
	if c != nil {
		c.WithLabelValues(labels...).Inc()
	}
}

// Add adds n to a labelled counter if metrics are initialized.
func Add(c *prometheus.CounterVec, n float64, labels ...string) {
	if c != nil && n > 0 {
		c.WithLabelValues(labels...).Add(n)
	}
}

// SetActiveWorkers records the number of running supervisors.
func SetActiveWorkers(n int) {
	if ActiveWorkers != nil {
		ActiveWorkers.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// NewCorrelation embeds a fresh random correlation id.
func NewCorrelation(ctx context.Context) context.Context {
	return WithCorrelation(ctx, uuid.NewString())
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns base with a corr attribute if ctx carries one.
func LoggerWithCorr(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := GetCorrelation(ctx); id != "" {
		return base.With(slog.String("corr", id))
	}
	return base
}
