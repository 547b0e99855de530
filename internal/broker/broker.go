// Package broker defines the message types and the consumer/producer
// contracts the work pipeline runs against. Adapters for NATS JetStream,
// Redis Streams and Kafka live in sub-packages; Memory is an in-process
// implementation used for tests and local runs.
package broker

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ErrClosed is returned by operations on a closed consumer or producer.
var ErrClosed = errors.New("broker: closed")

// Message is a single unit of work or result.
type Message struct {
	Key       string
	Payload   []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Clone returns a copy of m with its own header map.
func (m Message) Clone() Message {
	c := m
	if m.Headers != nil {
		c.Headers = maps.Clone(m.Headers)
	}
	return c
}

// WithHeader returns a copy of m with key set to value.
func (m Message) WithHeader(key, value string) Message {
	c := m.Clone()
	if c.Headers == nil {
		c.Headers = make(map[string]string, 1)
	}
	c.Headers[key] = value
	return c
}

// ConsumerConfig describes a consumer group subscription.
type ConsumerConfig struct {
	Topic        string
	Group        string
	BatchSize    int           // maximum messages per Fetch (default: 100)
	BatchTimeout time.Duration // maximum wait for a full batch (default: 1s)
}

// WithDefaults fills zero fields.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	return c
}

// Consumer delivers batches of messages with at-least-once semantics.
// Messages returned by Fetch are redelivered to a new consumer of the same
// group unless Commit is called after processing them.
type Consumer interface {
	// Fetch blocks until BatchSize messages are available or BatchTimeout
	// elapses. It may return an empty batch.
	Fetch(ctx context.Context) ([]Message, error)

	// Commit acknowledges every message fetched so far.
	Commit(ctx context.Context) error

	Close() error
}

// Producer publishes messages to one topic.
type Producer interface {
	Publish(ctx context.Context, msgs []Message) error
	Close() error
}

// Broker opens consumers and producers.
type Broker interface {
	Consumer(ctx context.Context, cfg ConsumerConfig) (Consumer, error)
	Producer(ctx context.Context, topic string) (Producer, error)
	Close() error
}
