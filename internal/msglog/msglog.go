// Package msglog is the write side of the external append-only message log.
// The core only appends; retention, search and reads belong to the external
// service consuming the topic.
package msglog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/flipwire/flipwire/internal/metrics"
)

const (
	publishMaxRetries     = 3
	publishInitialBackoff = 100 * time.Millisecond
	publishMaxBackoff     = 2 * time.Second
)

// Entry is one relayed message appended to the log.
type Entry struct {
	SessionCode string    `json:"session_code"`
	Sender      string    `json:"sender"` // identity or address
	Content     string    `json:"content"`
	Animation   string    `json:"animation"`
	ColorTheme  string    `json:"color_theme"`
	RelayedAt   time.Time `json:"relayed_at"`
}

// Log appends relayed messages to the external log service.
type Log interface {
	Append(entry Entry) error
	Close() error
}

// KafkaLog publishes entries to a Kafka topic, keyed by session code so one
// session's messages land on one partition.
type KafkaLog struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaLog creates a Kafka-backed message log writer.
func NewKafkaLog(brokers []string, topic string, logger zerolog.Logger) (*KafkaLog, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = publishMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create message log producer: %w", err)
	}

	return &KafkaLog{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "msglog").Logger(),
	}, nil
}

// Append publishes one entry with bounded retries. Callers invoke it from
// a spawned task; a failed append never blocks or fails the relay itself.
func (l *KafkaLog) Append(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     l.topic,
		Key:       sarama.StringEncoder(entry.SessionCode),
		Value:     sarama.ByteEncoder(data),
		Timestamp: entry.RelayedAt,
	}

	operation := func() error {
		_, _, err := l.producer.SendMessage(msg)
		return err
	}

	backoffStrategy := backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(publishInitialBackoff),
			backoff.WithMaxInterval(publishMaxBackoff),
		),
		publishMaxRetries,
	)

	if err := backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		l.logger.Warn().Err(err).Dur("next_attempt_in", d).Msg("Retrying message log append")
	}); err != nil {
		metrics.MessageLogErrors.Inc()
		return fmt.Errorf("append to message log: %w", err)
	}

	return nil
}

func (l *KafkaLog) Close() error {
	return l.producer.Close()
}

// Nop discards entries. Used when the message log is disabled.
type Nop struct{}

func (Nop) Append(Entry) error { return nil }
func (Nop) Close() error       { return nil }
