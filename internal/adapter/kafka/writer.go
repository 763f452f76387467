package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/risk-attribution-service/internal/config"
	"github.com/couchcryptid/risk-attribution-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes job events to the sink topic. Events are keyed by job id,
// so every event of one job lands on one partition in the order written.
// It implements pipeline.BatchLoader and jobs.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	return &Writer{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.KafkaBrokers...),
			Topic:        cfg.KafkaSinkTopic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			// Job events trickle in one or two at a time.
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

// LoadBatch publishes events in a single WriteMessages call.
func (w *Writer) LoadBatch(ctx context.Context, events []domain.JobEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, 0, len(events))
	for _, ev := range events {
		msg, err := encodeEvent(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d job events: %w", len(msgs), err)
	}
	w.logger.Debug("job events published", "count", len(msgs), "topic", w.writer.Topic)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// encodeEvent carries the routing fields in headers so consumers can filter
// without decoding the body.
func encodeEvent(ev domain.JobEvent) (kafkago.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encode job event %s: %w", ev.JobID, err)
	}
	headers := []kafkago.Header{
		{Key: "kind", Value: []byte(ev.Kind)},
		{Key: "status", Value: []byte(ev.Status)},
		{Key: "submitted_at", Value: []byte(ev.SubmittedAt.Format(time.RFC3339))},
	}
	if ev.RequestKey != "" {
		headers = append(headers, kafkago.Header{Key: "request_key", Value: []byte(ev.RequestKey)})
	}
	return kafkago.Message{
		Key:     []byte(ev.JobID.String()),
		Value:   body,
		Headers: headers,
	}, nil
}
