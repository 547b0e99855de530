// Package redisbroker implements broker.Broker on Redis streams. Topics are
// stream keys; consumer groups are stream consumer groups.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
)

// Stream entry field names.
const (
	FieldKey       = "key"
	FieldPayload   = "payload"
	FieldTimestamp = "ts"
	HeaderPrefix   = "h:"
)

// Config holds Redis connection settings.
type Config struct {
	Addr         string        `json:"addr" yaml:"addr"`
	Password     string        `json:"password" yaml:"password"`
	DB           int           `json:"db" yaml:"db"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// MaxLen caps each stream with approximate trimming. Zero disables it.
	MaxLen int64 `json:"max_len" yaml:"max_len"`

	// ConsumerName identifies this host within a group. Entries read but
	// not acknowledged stay pending under this name and are delivered again
	// by the next consumer using it.
	ConsumerName string `json:"consumer_name" yaml:"consumer_name"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	c.Addr = strings.TrimPrefix(strings.TrimPrefix(c.Addr, "redis://"), "rediss://")
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3 * time.Second
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "shards"
	}
	return c
}

// Broker is a Redis-streams-backed broker.Broker.
type Broker struct {
	cfg    Config
	client *redis.Client
	logger *slog.Logger
}

// Connect creates a client and verifies the connection.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	logger.Info("redis_connected", "addr", cfg.Addr, "consumer", cfg.ConsumerName)
	return &Broker{cfg: cfg, client: client, logger: logger}, nil
}

// Consumer joins the group on the topic stream, creating both if needed.
func (b *Broker) Consumer(ctx context.Context, cfg broker.ConsumerConfig) (broker.Consumer, error) {
	cfg = cfg.WithDefaults()
	err := b.client.XGroupCreateMkStream(ctx, cfg.Topic, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("create group %s on %s: %w", cfg.Group, cfg.Topic, err)
	}
	return &consumer{
		cfg:    cfg,
		client: b.client,
		name:   b.cfg.ConsumerName,
	}, nil
}

// Producer returns a producer appending to the topic stream.
func (b *Broker) Producer(_ context.Context, topic string) (broker.Producer, error) {
	if topic == "" {
		return nil, errors.New("redisbroker: empty topic")
	}
	return &producer{client: b.client, stream: topic, maxLen: b.cfg.MaxLen}, nil
}

// Close closes the client.
func (b *Broker) Close() error {
	return b.client.Close()
}

type consumer struct {
	cfg    broker.ConsumerConfig
	client *redis.Client
	name   string

	mu             sync.Mutex
	pending        []string
	pendingDrained bool
	closed         bool
}

func (c *consumer) Fetch(ctx context.Context) ([]broker.Message, error) {
	c.mu.Lock()
	closed, drained := c.closed, c.pendingDrained
	c.mu.Unlock()
	if closed {
		return nil, broker.ErrClosed
	}

	// Entries left pending by an earlier consumer with the same name come
	// first.
	if !drained {
		msgs, ids, err := c.read(ctx, "0", -1)
		if err != nil {
			return nil, err
		}
		if len(ids) > 0 {
			c.track(ids)
			return msgs, nil
		}
		c.mu.Lock()
		c.pendingDrained = true
		c.mu.Unlock()
	}

	msgs, ids, err := c.read(ctx, ">", c.cfg.BatchTimeout)
	if err != nil {
		return nil, err
	}
	c.track(ids)
	return msgs, nil
}

func (c *consumer) track(ids []string) {
	c.mu.Lock()
	c.pending = append(c.pending, ids...)
	c.mu.Unlock()
}

func (c *consumer) read(ctx context.Context, start string, block time.Duration) ([]broker.Message, []string, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.name,
		Streams:  []string{c.cfg.Topic, start},
		Count:    int64(c.cfg.BatchSize),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", c.cfg.Topic, err)
	}

	var msgs []broker.Message
	var ids []string
	for _, s := range streams {
		for _, x := range s.Messages {
			ids = append(ids, x.ID)
			msgs = append(msgs, FromValues(x.ID, x.Values))
		}
	}
	return msgs, ids, nil
}

func (c *consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	ids := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.cfg.Topic, c.cfg.Group, ids...).Err(); err != nil {
		c.mu.Lock()
		c.pending = append(ids, c.pending...)
		c.mu.Unlock()
		return fmt.Errorf("ack %s: %w", c.cfg.Topic, err)
	}
	return nil
}

// Close leaves uncommitted entries pending under the consumer name.
func (c *consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.pending = nil
	c.mu.Unlock()
	return nil
}

type producer struct {
	client *redis.Client
	stream string
	maxLen int64
}

func (p *producer) Publish(ctx context.Context, msgs []broker.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, m := range msgs {
		args := &redis.XAddArgs{Stream: p.stream, Values: ToValues(m)}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return nil
}

func (p *producer) Close() error { return nil }

// ToValues flattens m into stream entry fields.
func ToValues(m broker.Message) map[string]any {
	v := make(map[string]any, 3+len(m.Headers))
	v[FieldKey] = m.Key
	v[FieldPayload] = m.Payload
	if !m.Timestamp.IsZero() {
		v[FieldTimestamp] = m.Timestamp.UnixNano()
	}
	for k, h := range m.Headers {
		v[HeaderPrefix+k] = h
	}
	return v
}

// FromValues rebuilds a message from stream entry fields. When no
// timestamp field is present, the time encoded in the entry id is used.
func FromValues(id string, values map[string]any) broker.Message {
	var m broker.Message
	for k, raw := range values {
		s := fmt.Sprint(raw)
		switch {
		case k == FieldKey:
			m.Key = s
		case k == FieldPayload:
			m.Payload = []byte(s)
		case k == FieldTimestamp:
			if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
				m.Timestamp = time.Unix(0, ns).UTC()
			}
		case strings.HasPrefix(k, HeaderPrefix):
			if m.Headers == nil {
				m.Headers = make(map[string]string)
			}
			m.Headers[strings.TrimPrefix(k, HeaderPrefix)] = s
		}
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = idTime(id)
	}
	return m
}

func idTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

var _ broker.Broker = (*Broker)(nil)
