package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const contentTypeJSON = "application/json"

// KafkaConfig names one topic. GroupID is only needed to consume.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

func (c KafkaConfig) check(consumer bool) ([]string, error) {
	var errs []error
	var brokers []string
	for _, b := range c.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		errs = append(errs, errors.New("kafka brokers required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka topic required"))
	}
	if consumer && c.GroupID == "" {
		errs = append(errs, errors.New("kafka group id required"))
	}
	return brokers, errors.Join(errs...)
}

func (c KafkaConfig) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return "gravitas"
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes JSON values. Messages with the same key land on the
// same partition, so one identity's audit trail stays ordered.
type KafkaProducer struct {
	w     kafkaWriter
	topic string
}

func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	brokers, err := cfg.check(false)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: false,
		Transport:              &kafka.Transport{ClientID: cfg.clientID()},
	}
	return &KafkaProducer{w: w, topic: cfg.Topic}, nil
}

func (p *KafkaProducer) Publish(ctx context.Context, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", p.topic, err)
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Time:    time.Now().UTC(),
		Headers: []kafka.Header{{Key: "content-type", Value: []byte(contentTypeJSON)}},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error { return p.w.Close() }

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads a consumer group's share of a topic. Each message is
// committed as it is handed out, giving at-most-once delivery to the caller.
type KafkaConsumer struct {
	r kafkaReader
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	brokers, err := cfg.check(true)
	if err != nil {
		return nil, err
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		Dialer:      &kafka.Dialer{ClientID: cfg.clientID(), Timeout: 10 * time.Second},
		MinBytes:    1,
		MaxBytes:    4 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	})
	return &KafkaConsumer{r: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	m, err := c.r.FetchMessage(ctx)
	if errors.Is(err, io.EOF) {
		return Message{}, ErrClosed
	}
	if err != nil {
		return Message{}, err
	}
	if err := c.r.CommitMessages(ctx, m); err != nil {
		return Message{}, fmt.Errorf("commit offset %d: %w", m.Offset, err)
	}
	return Message{Key: m.Key, Value: m.Value}, nil
}

func (c *KafkaConsumer) Close() error { return c.r.Close() }
