package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/model"
)

// messageReader is the subset of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes engagement events published one JSON object per
// message. Offsets are committed only after the handler accepts the event,
// so a crash redelivers rather than drops.
type KafkaSource struct {
	reader messageReader
	topic  string
}

// NewKafkaSource joins groupID on topic.
func NewKafkaSource(brokers []string, topic, groupID string) *KafkaSource {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &KafkaSource{reader: r, topic: topic}
}

// Run consumes until ctx is cancelled. Malformed messages are logged and
// committed; a handler error stops the source with that message uncommitted.
func (k *KafkaSource) Run(ctx context.Context, handle EventHandler) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			zap.L().Warn("ingest: close kafka reader", zap.Error(err))
		}
	}()

	log := zap.L().With(zap.String("topic", k.topic))
	log.Info("ingest: kafka source started")

	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				log.Info("ingest: kafka source stopped")
				return nil
			}
			return eris.Wrap(err, "ingest: kafka fetch")
		}

		event, err := decodeMessage(msg)
		if err != nil {
			log.Warn("ingest: skipping malformed event",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := handle(ctx, []model.EngagementEvent{event}); err != nil {
			return eris.Wrapf(err, "ingest: handle kafka offset %d", msg.Offset)
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return eris.Wrap(err, "ingest: kafka commit")
		}
	}
}

func decodeMessage(msg kafka.Message) (model.EngagementEvent, error) {
	var e model.EngagementEvent
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return e, eris.Wrap(err, "ingest: decode kafka message")
	}
	if err := eventDecoder.accept(&e); err != nil {
		return e, err
	}
	return e, nil
}
