package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
	"github.com/warp/gym-ledger/metrics"
)

// =============================================================================
// TEST SINKS
// =============================================================================

// gatedSink blocks every Write until release is closed.
type gatedSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu      sync.Mutex
	entries []generic.AuditEntry
	closed  bool
}

func newGatedSink() *gatedSink {
	return &gatedSink{started: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSink) Write(_ context.Context, e generic.AuditEntry) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *gatedSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type failingSink struct{}

func (failingSink) Write(context.Context, generic.AuditEntry) error { return errors.New("broker down") }
func (failingSink) Close() error                                    { return nil }

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func entry(id string) generic.AuditEntry {
	return generic.AuditEntry{
		ID:        id,
		Timestamp: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
		ActorID:   "coach-a",
		ActorName: "Coach A",
		Action:    generic.AuditCheckIn,
		Outcome:   "committed",
	}
}

// =============================================================================
// DISPATCHER
// =============================================================================

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := newGatedSink()
	close(sink.release)
	d := NewDispatcher(sink)

	for _, id := range []string{"a", "b", "c"} {
		d.Record(entry(id))
	}
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, sink.entries, 3)
	assert.Equal(t, "a", sink.entries[0].ID)
	assert.Equal(t, "c", sink.entries[2].ID)
	assert.True(t, sink.closed)
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	// GIVEN: A queue of one and a sink stuck on the first entry
	// WHEN: Two more entries arrive
	// THEN: One is queued, one is dropped and counted; Record never blocks

	m := metrics.New()
	sink := newGatedSink()
	d := NewDispatcher(sink, WithBufferSize(1), WithMetrics(m), WithLogger(logger.NewNop()))

	d.Record(entry("first"))
	<-sink.started
	d.Record(entry("queued"))
	d.Record(entry("dropped"))

	close(sink.release)
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, sink.entries, 2)
	assert.Equal(t, "queued", sink.entries[1].ID)

	expected := `
# HELP gymledger_audit_dropped_total Audit entries dropped because the buffer was full or closed
# TYPE gymledger_audit_dropped_total counter
gymledger_audit_dropped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "gymledger_audit_dropped_total"))
}

func TestDispatcher_RecordAfterCloseIsDropped(t *testing.T) {
	sink := newGatedSink()
	close(sink.release)
	d := NewDispatcher(sink)
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))

	d.Record(entry("late"))
	assert.Empty(t, sink.entries)
}

func TestDispatcher_CloseHonoursContext(t *testing.T) {
	sink := newGatedSink()
	d := NewDispatcher(sink)
	d.Record(entry("stuck"))
	<-sink.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := d.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	close(sink.release)
}

func TestDispatcher_SinkFailureIsCounted(t *testing.T) {
	m := metrics.New()
	d := NewDispatcher(failingSink{}, WithMetrics(m))
	d.Record(entry("x"))
	require.NoError(t, d.Close(context.Background()))

	expected := `
# HELP gymledger_audit_sink_failures_total Audit entries the sink failed to write
# TYPE gymledger_audit_sink_failures_total counter
gymledger_audit_sink_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "gymledger_audit_sink_failures_total"))
}

// =============================================================================
// SINKS
// =============================================================================

func TestEncode(t *testing.T) {
	e := entry("e-1")
	code := generic.LedgerCode(1042)
	e.LedgerCode = &code
	e.Payload = map[string]any{"sessionsRemaining": 2}

	data, err := Encode(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "e-1",
		"timestamp": "2025-03-01T09:00:00Z",
		"actorId": "coach-a",
		"actorName": "Coach A",
		"action": "check_in",
		"ledgerCode": 1042,
		"outcome": "committed",
		"payload": {"sessionsRemaining": 2}
	}`, string(data))
}

func TestKafkaSink_KeysByLedger(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{w: w}

	withLedger := entry("e-1")
	code := generic.LedgerCode(1042)
	withLedger.LedgerCode = &code
	require.NoError(t, sink.Write(context.Background(), withLedger))
	require.NoError(t, sink.Write(context.Background(), entry("e-2")))
	require.NoError(t, sink.Close())

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "1042", string(w.msgs[0].Key))
	assert.Equal(t, "coach-a", string(w.msgs[1].Key))
	assert.Equal(t, "check_in", string(w.msgs[0].Headers[0].Value))

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "e-1", got["id"])
	assert.True(t, w.closed)
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(logger.NewNop())
	assert.NoError(t, sink.Write(context.Background(), entry("e-1")))
	assert.NoError(t, sink.Close())
}
