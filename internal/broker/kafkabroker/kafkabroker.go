// Package kafkabroker implements broker.Broker on Apache Kafka using
// confluent-kafka-go. Offsets are committed explicitly per batch.
package kafkabroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
)

// Config holds Kafka client settings.
type Config struct {
	Brokers         []string      `json:"brokers" yaml:"brokers"`
	ClientID        string        `json:"client_id" yaml:"client_id"`
	AutoOffsetReset string        `json:"auto_offset_reset" yaml:"auto_offset_reset"`
	FlushTimeout    time.Duration `json:"flush_timeout" yaml:"flush_timeout"`

	// Extra is merged into every client ConfigMap and wins over the
	// derived settings.
	Extra map[string]string `json:"extra" yaml:"extra"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{"localhost:9092"}
	}
	if c.ClientID == "" {
		c.ClientID = "go-process-shards"
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = "earliest"
	}
	if c.FlushTimeout == 0 {
		c.FlushTimeout = 5 * time.Second
	}
	return c
}

// ProducerConfigMap builds the producer settings.
func (c Config) ProducerConfigMap() kafka.ConfigMap {
	m := kafka.ConfigMap{
		"bootstrap.servers": strings.Join(c.Brokers, ","),
		"client.id":         c.ClientID,
		"acks":              "all",
	}
	c.applyExtra(m)
	return m
}

// ConsumerConfigMap builds the consumer settings for group. Auto commit is
// off; offsets move only on Commit.
func (c Config) ConsumerConfigMap(group string) kafka.ConfigMap {
	m := kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.Brokers, ","),
		"client.id":          c.ClientID,
		"group.id":           group,
		"auto.offset.reset":  c.AutoOffsetReset,
		"enable.auto.commit": false,
	}
	c.applyExtra(m)
	return m
}

func (c Config) applyExtra(m kafka.ConfigMap) {
	for k, v := range c.Extra {
		m[k] = v
	}
}

// Broker creates Kafka consumers and producers on demand.
type Broker struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg. librdkafka connects lazily, so no network traffic
// happens here.
func New(cfg Config, logger *slog.Logger) (*Broker, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	for _, b := range cfg.Brokers {
		if b == "" {
			return nil, errors.New("kafkabroker: empty broker address")
		}
	}
	return &Broker{cfg: cfg, logger: logger}, nil
}

// Consumer subscribes a new group member to the topic.
func (b *Broker) Consumer(_ context.Context, cfg broker.ConsumerConfig) (broker.Consumer, error) {
	cfg = cfg.WithDefaults()
	cm := b.cfg.ConsumerConfigMap(cfg.Group)
	c, err := kafka.NewConsumer(&cm)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	if err := c.Subscribe(cfg.Topic, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Topic, err)
	}
	b.logger.Info("kafka_consumer_subscribed", "topic", cfg.Topic, "group", cfg.Group)
	return &consumer{cfg: cfg, c: c, offsets: newOffsetTracker()}, nil
}

// Producer creates a producer for topic.
func (b *Broker) Producer(_ context.Context, topic string) (broker.Producer, error) {
	if topic == "" {
		return nil, errors.New("kafkabroker: empty topic")
	}
	cm := b.cfg.ProducerConfigMap()
	p, err := kafka.NewProducer(&cm)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}
	return &producer{p: p, topic: topic, flushTimeout: b.cfg.FlushTimeout, logger: b.logger}, nil
}

// Close is a no-op; clients are closed individually.
func (b *Broker) Close() error { return nil }

type consumer struct {
	cfg broker.ConsumerConfig
	c   *kafka.Consumer

	mu      sync.Mutex
	offsets *offsetTracker
	closed  bool
}

func (c *consumer) Fetch(ctx context.Context) ([]broker.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrClosed
	}

	deadline := time.Now().Add(c.cfg.BatchTimeout)
	var out []broker.Message
	for len(out) < c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		msg, err := c.c.ReadMessage(remaining)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
				break
			}
			return nil, fmt.Errorf("read %s: %w", c.cfg.Topic, err)
		}
		c.offsets.observe(msg.TopicPartition)
		out = append(out, FromKafka(msg))
	}
	return out, nil
}

func (c *consumer) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tps := c.offsets.commitList()
	if len(tps) == 0 {
		return nil
	}
	if _, err := c.c.CommitOffsets(tps); err != nil {
		return fmt.Errorf("commit %s: %w", c.cfg.Topic, err)
	}
	c.offsets.reset()
	return nil
}

// Close leaves the group. Uncommitted messages are consumed again by the
// next member assigned their partition.
func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.c.Close()
}

type producer struct {
	p            *kafka.Producer
	topic        string
	flushTimeout time.Duration
	logger       *slog.Logger
}

// Publish produces msgs and waits for every delivery report.
func (p *producer) Publish(ctx context.Context, msgs []broker.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	delivery := make(chan kafka.Event, len(msgs))
	for _, m := range msgs {
		if err := p.p.Produce(ToKafka(p.topic, m), delivery); err != nil {
			return fmt.Errorf("produce to %s: %w", p.topic, err)
		}
	}

	var errs []error
	for i := 0; i < len(msgs); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-delivery:
			if km, ok := e.(*kafka.Message); ok && km.TopicPartition.Error != nil {
				errs = append(errs, km.TopicPartition.Error)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deliver to %s: %w", p.topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	if remaining := p.p.Flush(int(p.flushTimeout / time.Millisecond)); remaining > 0 {
		p.logger.Warn("kafka_unflushed_messages", "topic", p.topic, "remaining", remaining)
	}
	p.p.Close()
	return nil
}

// ToKafka converts m into a Kafka message for topic.
func ToKafka(topic string, m broker.Message) *kafka.Message {
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Value:          m.Payload,
		Timestamp:      m.Timestamp,
	}
	if m.Key != "" {
		km.Key = []byte(m.Key)
	}
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(m.Headers[k])})
	}
	return km
}

// FromKafka converts a received Kafka message.
func FromKafka(km *kafka.Message) broker.Message {
	m := broker.Message{
		Key:       string(km.Key),
		Payload:   km.Value,
		Timestamp: km.Timestamp,
	}
	if len(km.Headers) > 0 {
		m.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}

type partitionKey struct {
	topic     string
	partition int32
}

// offsetTracker records the highest offset read per partition since the
// last commit.
type offsetTracker struct {
	next map[partitionKey]kafka.Offset
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{next: make(map[partitionKey]kafka.Offset)}
}

func (t *offsetTracker) observe(tp kafka.TopicPartition) {
	if tp.Topic == nil {
		return
	}
	k := partitionKey{topic: *tp.Topic, partition: tp.Partition}
	if next := tp.Offset + 1; next > t.next[k] {
		t.next[k] = next
	}
}

// commitList returns the offsets to commit, ordered by topic and
// partition.
func (t *offsetTracker) commitList() []kafka.TopicPartition {
	keys := make([]partitionKey, 0, len(t.next))
	for k := range t.next {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].topic != keys[j].topic {
			return keys[i].topic < keys[j].topic
		}
		return keys[i].partition < keys[j].partition
	})
	out := make([]kafka.TopicPartition, 0, len(keys))
	for _, k := range keys {
		topic := k.topic
		out = append(out, kafka.TopicPartition{Topic: &topic, Partition: k.partition, Offset: t.next[k]})
	}
	return out
}

func (t *offsetTracker) reset() {
	clear(t.next)
}

var _ broker.Broker = (*Broker)(nil)
