// Package messaging carries mining events and hashrate reports over Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/powtoken/internal/contract"
	"github.com/bardlex/powtoken/internal/metrics"
	"github.com/bardlex/powtoken/internal/miner"
	"github.com/bardlex/powtoken/pkg/circuit"
	"github.com/bardlex/powtoken/pkg/errors"
	"github.com/bardlex/powtoken/pkg/log"
	"github.com/bardlex/powtoken/pkg/retry"
)

// messageWriter is the subset of *kafka.Writer used by the client
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// messageReader is the subset of *kafka.Reader used by the client
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaClient wraps kafka-go with a per-topic writer pool and a circuit
// breaker on the publish path
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]messageWriter
	readers        map[string]messageReader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	newWriter func(topic string) messageWriter
	newReader func(topic, groupID string) messageReader
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers:     brokers,
		logger:      logger.WithComponent("kafka"),
		writers:     make(map[string]messageWriter),
		readers:     make(map[string]messageReader),
		retryConfig: retry.NetworkConfig(),
	}
	k.circuitBreaker = circuit.New(&circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			k.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	k.newWriter = k.kafkaWriter
	k.newReader = k.kafkaReader
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) messageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

func (k *KafkaClient) kafkaReader(topic, groupID string) messageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
		MaxWait:     500 * time.Millisecond,
	})
}

// producer gets or creates the writer for a topic
func (k *KafkaClient) producer(topic string) messageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}
	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// consumer gets or creates the reader for a topic and group
func (k *KafkaClient) consumer(topic, groupID string) messageReader {
	key := topic + "-" + groupID

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}
	reader := k.newReader(topic, groupID)
	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// publish writes one message through the breaker with retries
func (k *KafkaClient) publish(ctx context.Context, topic, key string, value []byte) error {
	err := k.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, k.retryConfig, func(ctx context.Context) error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: value,
				Time:  time.Now(),
			}
			if err := k.producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(value))
			}
			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(value))
			return nil
		})
	})
	metrics.ObserveRelay("kafka", err)
	return err
}

// PublishEvent publishes an accepted block keyed by its block number, so
// duplicates of one block land on the same partition
func (k *KafkaClient) PublishEvent(ctx context.Context, ev contract.MiningEvent) error {
	return k.publish(ctx, TopicMiningEvents, strconv.FormatUint(ev.BlockNumber, 10), MarshalEvent(&ev))
}

type hashrateMessage struct {
	Miner           string    `json:"miner"`
	BlockNumber     uint64    `json:"block_number"`
	Hashes          uint64    `json:"hashes"`
	HashesPerSecond float64   `json:"hashes_per_second"`
	At              time.Time `json:"at"`
}

// RecordHashrate publishes a hashrate report as JSON. It implements
// miner.StatsSink.
func (k *KafkaClient) RecordHashrate(ctx context.Context, r miner.HashrateReport) error {
	data, err := json.Marshal(hashrateMessage{
		Miner:           r.Miner,
		BlockNumber:     r.BlockNumber,
		Hashes:          r.Hashes,
		HashesPerSecond: r.HashesPerSecond,
		At:              r.At,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "marshal_hashrate", "failed to encode hashrate report")
	}
	return k.publish(ctx, TopicHashrate, r.Miner, data)
}

// EventConsumer reads mining events from Kafka. It implements
// miner.EventSource.
type EventConsumer struct {
	client  *KafkaClient
	groupID string
	buffer  int
}

// Events returns a consumer in its own consumer group. Every miner needs a
// distinct group to observe all partitions.
func (k *KafkaClient) Events(groupID string) *EventConsumer {
	return &EventConsumer{client: k, groupID: groupID, buffer: 16}
}

// Subscribe streams decoded events until ctx is done. Undecodable messages
// are logged and skipped; read errors are retried after a backoff.
func (c *EventConsumer) Subscribe(ctx context.Context) (<-chan contract.MiningEvent, error) {
	if c.groupID == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "subscribe", "consumer group is required")
	}
	k := c.client
	reader := k.consumer(TopicMiningEvents, c.groupID)
	out := make(chan contract.MiningEvent, c.buffer)

	k.logger.Info("starting consumer", "topic", TopicMiningEvents, "group_id", c.groupID)
	go func() {
		defer close(out)
		attempt := 0
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					k.logger.Info("consumer stopping", "topic", TopicMiningEvents)
					return
				}
				k.logger.WithError(err).Error("failed to read message", "topic", TopicMiningEvents)
				if retry.Sleep(ctx, k.retryConfig.Delay(attempt)) != nil {
					return
				}
				attempt++
				continue
			}
			attempt = 0

			ev, err := UnmarshalEvent(msg.Value)
			if err != nil {
				k.logger.WithError(err).Warn("dropping undecodable event",
					"key", string(msg.Key), "offset", msg.Offset)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}
	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]messageWriter)
	k.readers = make(map[string]messageReader)
	return lastErr
}
