// Package provenance records where successfully written work items went.
package provenance

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mehmetymw/rec2table/internal/config"
	"github.com/mehmetymw/rec2table/internal/types"
)

type Reporter interface {
	Report(ctx context.Context, ev types.ProvenanceEvent) error
	Close() error
}

// New builds the reporter selected by provenance.type.
func New(cfg config.ProvenanceConfig, logger *zap.Logger) (Reporter, error) {
	switch cfg.Type {
	case "log", "":
		return NewLog(logger), nil
	case "none":
		return Discard{}, nil
	case "kafka":
		return NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	}
	return nil, &config.ConfigurationError{Field: "provenance.type", Reason: "unknown type " + cfg.Type}
}

// Log writes every event as a structured log line.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Report(_ context.Context, ev types.ProvenanceEvent) error {
	l.logger.Info("Provenance event",
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("uri", ev.URI),
		zap.String("work_item_id", ev.WorkItemID),
		zap.String("filename", ev.Filename),
		zap.Int("record_count", ev.RecordCount),
		zap.Duration("duration", ev.Duration))
	return nil
}

func (l *Log) Close() error { return nil }

// Discard drops every event.
type Discard struct{}

func (Discard) Report(context.Context, types.ProvenanceEvent) error { return nil }
func (Discard) Close() error { return nil }

// Memory keeps events for inspection.
type Memory struct {
	mu     sync.Mutex
	events []types.ProvenanceEvent
}

func (m *Memory) Report(_ context.Context, ev types.ProvenanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Events() []types.ProvenanceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ProvenanceEvent, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Memory) Close() error { return nil }
