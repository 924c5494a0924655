package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	goRefresh "github.com/MrEthical07/goRefresh"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafkago.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Config selects the brokers and topic for [NewSink].
type Config struct {
	Brokers []string
	Topic   string
}

// Sink writes audit events to Kafka.
type Sink struct {
	writer MessageWriter
	logger *zap.Logger
	failed atomic.Uint64
}

// NewSink builds a synchronous writer acknowledged by all in-sync replicas.
func NewSink(cfg Config, logger *zap.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka audit sink requires brokers")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka audit sink requires a topic")
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewSinkWithWriter(writer, logger), nil
}

// NewSinkWithWriter wraps an existing writer. A nil logger discards logs.
func NewSinkWithWriter(w MessageWriter, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{writer: w, logger: logger.Named("audit.kafka")}
}

// Emit publishes event. Failures are logged and counted, never returned.
func (s *Sink) Emit(ctx context.Context, event goRefresh.AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		s.logger.Error("marshal audit event", zap.String("event_type", event.EventType), zap.Error(err))
		return
	}

	msg := kafkago.Message{
		Key:   []byte(event.SessionID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafkago.Header{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.failed.Add(1)
		s.logger.Error("publish audit event",
			zap.String("event_type", event.EventType),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}
}

// Failed returns the number of events that could not be published.
func (s *Sink) Failed() uint64 {
	if s == nil {
		return 0
	}
	return s.failed.Load()
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
