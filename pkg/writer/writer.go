// Package writer is the async log writer (spec §4.2): it serializes log
// records off the task thread, batches them through a single-producer/
// single-consumer buffer, and appends them to a logstore.Backend without
// blocking the task thread on disk latency.
//
// The buffer discipline is grounded on the teacher's pkg/events.Broker: one
// buffered channel fed by the producer, one goroutine draining it. Where the
// Broker fans a published event out to many subscribers, this writer instead
// appends each record once, in order, to the backing log.
package writer

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shengquan-ni/flink-exp/pkg/logging"
	"github.com/shengquan-ni/flink-exp/pkg/logstore"
	"github.com/shengquan-ni/flink-exp/pkg/metrics"
	"github.com/shengquan-ni/flink-exp/pkg/types"
)

// defaultBufferSize bounds the internal buffer between the task thread and
// the writer's worker goroutine.
const defaultBufferSize = 1024

// Writer is the async log writer. One Writer is owned by exactly one
// subtask; Append is safe to call only from that subtask's task thread.
type Writer struct {
	backend logstore.Backend
	logger  zerolog.Logger

	buf    chan types.LogRecord
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	mu                 sync.Mutex
	failed             bool
	failErr            error
	outputCacheEnabled bool
	pending            []types.LogRecord
	cache              map[uint64][]types.LogRecord

	asyncErrCh chan error
}

// New constructs a Writer over backend. Call Start before the first Append.
func New(backend logstore.Backend) *Writer {
	return &Writer{
		backend:    backend,
		logger:     logging.WithComponent("writer"),
		buf:        make(chan types.LogRecord, defaultBufferSize),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		cache:      make(map[uint64][]types.LogRecord),
		asyncErrCh: make(chan error, 1),
	}
}

// Start launches the worker goroutine that drains the buffer into storage.
func (w *Writer) Start() {
	go w.run()
}

// Append enqueues rec onto the internal bounded buffer and returns; it never
// waits on disk I/O. It blocks only if the buffer is momentarily full — the
// same backpressure the teacher's Broker.Publish applies against its
// eventCh — or returns immediately once the writer has failed or begun
// shutting down. Ordering of appends from the calling (single-producer)
// thread is preserved by the channel.
func (w *Writer) Append(rec types.LogRecord) error {
	if w.isFailed() {
		return fmt.Errorf("writer: %w", w.failure())
	}
	select {
	case w.buf <- rec:
		return nil
	case <-w.stopCh:
		return fmt.Errorf("writer: shutting down")
	}
}

// EnableOutputCache turns on retention of emitted output bytes, keyed by the
// checkpoint boundary they precede, so a not-yet-committed window can be
// re-emitted bit-identical on a subsequent replay within this process.
func (w *Writer) EnableOutputCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outputCacheEnabled = true
}

// ClearCachedOutput discards cached outputs for every checkpoint boundary
// ≤ completedCheckpointID — invoked on checkpoint completion (spec
// invariant 9).
func (w *Writer) ClearCachedOutput(completedCheckpointID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.cache {
		if id <= completedCheckpointID {
			delete(w.cache, id)
		}
	}
}

// CachedOutputs returns the retained output records for one checkpoint
// boundary, for tests and for the output-cache-size metric set in
// pkg/subtask/checkpoint.go.
func (w *Writer) CachedOutputs(checkpointID uint64) []types.LogRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.LogRecord, len(w.cache[checkpointID]))
	copy(out, w.cache[checkpointID])
	return out
}

// AsyncErrors exposes the writer's fail-fast async-exception channel to the
// host, matching the spec's "async-exception channel" for I/O failures.
func (w *Writer) AsyncErrors() <-chan error {
	return w.asyncErrCh
}

// Shutdown stops accepting new appends, flushes everything already
// buffered, closes the backend, and returns a channel that receives once —
// nil on success, the first flush error otherwise.
func (w *Writer) Shutdown() <-chan error {
	result := make(chan error, 1)
	go func() {
		w.once.Do(func() { close(w.stopCh) })
		<-w.doneCh
		w.mu.Lock()
		err := w.failErr
		w.mu.Unlock()
		if closeErr := w.backend.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		result <- err
	}()
	return result
}

func (w *Writer) run() {
	defer close(w.doneCh)
	for {
		select {
		case rec := <-w.buf:
			w.process(rec)
		case <-w.stopCh:
			w.drainRemaining()
			return
		}
	}
}

func (w *Writer) drainRemaining() {
	for {
		select {
		case rec := <-w.buf:
			w.process(rec)
		default:
			return
		}
	}
}

func (w *Writer) process(rec types.LogRecord) {
	if w.isFailed() {
		return
	}
	timer := metrics.NewTimer()
	err := w.backend.Append(rec)
	timer.ObserveDuration(metrics.WriterFlushDuration)
	if err != nil {
		w.fail(fmt.Errorf("append step %d: %w", rec.Step, err))
		return
	}
	metrics.WriterBufferDepth.Set(float64(len(w.buf)))

	w.mu.Lock()
	defer w.mu.Unlock()
	switch rec.Kind {
	case types.KindOutputEmitted:
		if w.outputCacheEnabled {
			w.pending = append(w.pending, rec)
		}
	case types.KindCheckpointBoundary:
		if w.outputCacheEnabled {
			w.cache[rec.CheckpointID] = w.pending
			w.pending = nil
		}
	}
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	w.failed = true
	w.failErr = err
	w.mu.Unlock()

	w.logger.Error().Err(err).Msg("log writer entering fail-fast state")
	select {
	case w.asyncErrCh <- err:
	default:
	}
}

func (w *Writer) isFailed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *Writer) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failErr
}
