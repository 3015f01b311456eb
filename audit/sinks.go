package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"

	"github.com/warp/gym-ledger/generic"
	"github.com/warp/gym-ledger/logger"
)

// record is the wire form of an audit entry.
type record struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	ActorID    string         `json:"actorId"`
	ActorName  string         `json:"actorName,omitempty"`
	Action     string         `json:"action"`
	LedgerCode *int64         `json:"ledgerCode,omitempty"`
	ReceiptID  *string        `json:"receiptId,omitempty"`
	Outcome    string         `json:"outcome"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Encode renders entry as JSON.
func Encode(entry generic.AuditEntry) ([]byte, error) {
	r := record{
		ID:        entry.ID,
		Timestamp: entry.Timestamp.UTC(),
		ActorID:   string(entry.ActorID),
		ActorName: entry.ActorName,
		Action:    string(entry.Action),
		Outcome:   entry.Outcome,
		Payload:   entry.Payload,
	}
	if entry.LedgerCode != nil {
		code := int64(*entry.LedgerCode)
		r.LedgerCode = &code
	}
	if entry.ReceiptID != nil {
		id := string(*entry.ReceiptID)
		r.ReceiptID = &id
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrapf(err, "encode audit entry %s", entry.ID)
	}
	return data, nil
}

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes entries as structured log lines.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(l *logger.Logger) *LogSink {
	return &LogSink{log: l.With("component", "audit")}
}

func (s *LogSink) Write(_ context.Context, e generic.AuditEntry) error {
	fields := []any{
		"entry_id", e.ID,
		"action", e.Action,
		"actor_id", e.ActorID,
		"actor_name", e.ActorName,
		"outcome", e.Outcome,
		"at", e.Timestamp,
	}
	if e.LedgerCode != nil {
		fields = append(fields, "ledger_code", *e.LedgerCode)
	}
	if e.ReceiptID != nil {
		fields = append(fields, "receipt_id", *e.ReceiptID)
	}
	if len(e.Payload) > 0 {
		fields = append(fields, "payload", e.Payload)
	}
	s.log.Infow("audit", fields...)
	return nil
}

// Close flushes the logger. Sync errors on terminals are ignored.
func (s *LogSink) Close() error {
	_ = s.log.Sync()
	return nil
}

// =============================================================================
// KAFKA SINK
// =============================================================================

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one JSON message per entry. Messages are keyed by
// ledger code when present so that a ledger's history stays ordered within
// a partition.
type KafkaSink struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		timeout: 5 * time.Second,
	}
}

func (s *KafkaSink) Write(ctx context.Context, e generic.AuditEntry) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	key := string(e.ActorID)
	if e.LedgerCode != nil {
		key = strconv.FormatInt(int64(*e.LedgerCode), 10)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Action)},
		},
	}); err != nil {
		return errors.Wrap(err, "publish audit entry")
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
