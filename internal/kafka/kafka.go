package kafka

import (
	"context"
	"strings"
	"time"

	kf "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"timeline-service/configs"
	"timeline-service/internal/fanout"
)

// Producer publishes messages to one topic.
type Producer struct {
	writer *kf.Writer
}

func NewProducer(brokers, topic string) *Producer {
	w := &kf.Writer{
		Addr:         kf.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kf.LeastBytes{},
		RequiredAcks: kf.RequireAll,
	}
	return &Producer{writer: w}
}

func (p *Producer) Publish(ctx context.Context, key, value []byte) error {
	return p.writer.WriteMessages(ctx, kf.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// EventHandler processes one decoded fan-out event. A returned error makes
// the consumer redeliver the event later; idempotent inserts make the
// at-least-once delivery safe.
type EventHandler func(ctx context.Context, ev fanout.Event) error

// StartConsumer reads status lifecycle events until the context ends.
func StartConsumer(ctx context.Context, cfg *configs.Config, handle EventHandler, log *zap.Logger) error {
	r := kf.NewReader(kf.ReaderConfig{
		Brokers:  strings.Split(cfg.KafkaBrokers, ","),
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaTopic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
		MaxWait:  2 * time.Second,
	})
	defer r.Close()

	log.Info("kafka consumer started",
		zap.String("group", cfg.KafkaGroupID),
		zap.String("topic", cfg.KafkaTopic))

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			return err
		}
		ev, err := fanout.DecodeEvent(m.Value)
		if err != nil {
			log.Warn("bad event payload", zap.Error(err))
			_ = r.CommitMessages(ctx, m)
			continue
		}
		if err := handle(ctx, ev); err != nil {
			// Leave uncommitted: the event is redelivered after rebalance
			// or restart.
			log.Warn("event handling failed",
				zap.String("type", ev.Type), zap.Error(err))
			continue
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Warn("commit failed", zap.Error(err))
		}
	}
}
