// Package metrics exports Prometheus metrics for the subtask execution
// driver: mailbox depth, the step cursor, replay progress, checkpoint
// timings, and log writer health. Ported from the teacher's cluster-wide
// metrics package — same registration and Timer-helper shape, new subtask
// metric names.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mailbox metrics
	MailboxQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subtask_mailbox_queue_depth",
			Help: "Number of mails currently queued, by priority",
		},
		[]string{"priority"},
	)

	MailboxState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subtask_mailbox_state",
			Help: "Current mailbox state (0=open, 1=quiesced, 2=closed)",
		},
	)

	DefaultActionInvocationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subtask_default_action_invocations_total",
			Help: "Total number of default action invocations",
		},
	)

	SuspensionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subtask_suspensions_total",
			Help: "Total number of times the default action suspended",
		},
	)

	PauseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subtask_pause_duration_seconds",
			Help:    "Time spent paused between pause and resume",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Step cursor / replay metrics
	StepCursorLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subtask_step_cursor_live",
			Help: "Current live step number",
		},
	)

	StepCursorReplayed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subtask_step_cursor_replayed",
			Help: "Current replayed step number during recovery",
		},
	)

	ReplayDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subtask_replay_duration_seconds",
			Help:    "Time taken to replay the log on recovery",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Log writer metrics
	WriterBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subtask_log_writer_buffer_depth",
			Help: "Number of records buffered but not yet durably appended",
		},
	)

	WriterFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subtask_log_writer_flush_duration_seconds",
			Help:    "Time taken to append one record to the log storage backend",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriterFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subtask_log_writer_failures_total",
			Help: "Total number of log writer I/O failures (fail-fast state entries)",
		},
	)

	// Checkpoint metrics
	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subtask_checkpoint_duration_seconds",
			Help:    "Time taken to complete a checkpoint on the task thread",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subtask_checkpoints_total",
			Help: "Total number of checkpoints by outcome",
		},
		[]string{"outcome"},
	)

	OutputCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "subtask_output_cache_records",
			Help: "Number of output records currently retained in the writer's output cache",
		},
	)
)

func init() {
	prometheus.MustRegister(MailboxQueueDepth)
	prometheus.MustRegister(MailboxState)
	prometheus.MustRegister(DefaultActionInvocationsTotal)
	prometheus.MustRegister(SuspensionsTotal)
	prometheus.MustRegister(PauseDuration)
	prometheus.MustRegister(StepCursorLive)
	prometheus.MustRegister(StepCursorReplayed)
	prometheus.MustRegister(ReplayDuration)
	prometheus.MustRegister(WriterBufferDepth)
	prometheus.MustRegister(WriterFlushDuration)
	prometheus.MustRegister(WriterFailuresTotal)
	prometheus.MustRegister(CheckpointDuration)
	prometheus.MustRegister(CheckpointsTotal)
	prometheus.MustRegister(OutputCacheSize)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
