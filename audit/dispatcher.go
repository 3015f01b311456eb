/*
dispatcher.go - Asynchronous audit delivery

PURPOSE:
  Services record audit entries fire-and-forget through
  generic.AuditRecorder. The Dispatcher puts them on a bounded queue that a
  single worker drains into a Sink (zap log or Kafka topic).

GUARANTEES:
  - Record never blocks: when the queue is full the entry is dropped,
    counted in metrics and logged at warn level
  - A failing sink never reaches the caller of the audited operation
  - Close drains what is queued, then closes the sink

SEE ALSO:
  - sinks.go: LogSink and KafkaSink
  - generic/audit.go: AuditEntry, AuditRecorder
*/
package audit

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/metrics"
)

const DefaultBufferSize = 1024

// Sink receives audit entries from the dispatcher worker.
type Sink interface {
	Write(ctx context.Context, entry generic.AuditEntry) error
	Close() error
}

type Option func(*Dispatcher)

func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.size = n
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher implements generic.AuditRecorder.
type Dispatcher struct {
	sink    Sink
	size    int
	log     *logger.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
	queue  chan generic.AuditEntry
	done   chan struct{}
}

var _ generic.AuditRecorder = (*Dispatcher)(nil)

// NewDispatcher starts the worker. Call Close to stop it.
func NewDispatcher(sink Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink: sink,
		size: DefaultBufferSize,
		log:  logger.NewNop(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan generic.AuditEntry, d.size)
	go d.run()
	return d
}

// Record enqueues entry, or drops it when the queue is full or closed.
func (d *Dispatcher) Record(entry generic.AuditEntry) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(entry, "dispatcher closed")
		return
	}
	select {
	case d.queue <- entry:
	default:
		d.drop(entry, "queue full")
	}
}

func (d *Dispatcher) drop(entry generic.AuditEntry, reason string) {
	d.metrics.AuditDropped()
	d.log.Warnw("audit entry dropped", "reason", reason, "action", entry.Action, "actor_id", entry.ActorID)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for entry := range d.queue {
		if err := d.sink.Write(context.Background(), entry); err != nil {
			d.metrics.AuditFailed()
			d.log.Errorw("audit sink write failed", "error", err, "action", entry.Action, "entry_id", entry.ID)
		}
	}
}

// Close stops accepting entries, waits for the queue to drain or ctx to
// end, and closes the sink.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	var drainErr error
	select {
	case <-d.done:
	case <-ctx.Done():
		drainErr = errors.Wrap(ctx.Err(), "audit queue not drained")
	}
	return errors.CombineErrors(drainErr, d.sink.Close())
}
