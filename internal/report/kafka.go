package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "callguard.scam-reports"

type KafkaConfig struct {
	Brokers []string
	Topic   string
	Logger  *slog.Logger
}

// Publisher writes reports to a Kafka topic keyed by phone number. With no
// brokers configured it runs in log-only mode.
type Publisher struct {
	writer *kafka.Writer
	topic  string
	log    *slog.Logger
}

func NewPublisher(cfg KafkaConfig) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultTopic
	}
	p := &Publisher{topic: topic, log: logger}

	if len(cfg.Brokers) == 0 {
		logger.Info("kafka disabled, scam reports are log-only")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	p.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	logger.Info("kafka report publisher initialized", "brokers", cfg.Brokers, "topic", topic)
	return p
}

func (p *Publisher) Enabled() bool { return p != nil && p.writer != nil }

func (p *Publisher) Topic() string { return p.topic }

func (p *Publisher) Publish(ctx context.Context, r Report) error {
	msg, err := message(r)
	if err != nil {
		return err
	}
	p.log.Debug("publishing scam report", "topic", p.topic, "id", r.ID, "scam_type", r.ScamType)
	if !p.Enabled() {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("kafka write failed", "topic", p.topic, "id", r.ID, "err", err)
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if !p.Enabled() {
		return nil
	}
	return p.writer.Close()
}

func message(r Report) (kafka.Message, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal report: %w", err)
	}
	return kafka.Message{
		Key:   []byte(r.PhoneNumber),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("scam_report")},
			{Key: "scamType", Value: []byte(r.ScamType)},
			{Key: "reportId", Value: []byte(r.ID)},
		},
	}, nil
}
