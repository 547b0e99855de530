// Package natsbroker implements broker.Broker on NATS JetStream. Topics are
// subjects of one stream; consumer groups are durable pull consumers.
package natsbroker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
)

// Headers used to carry broker.Message fields that NATS has no slot for.
const (
	KeyHeader       = "Shard-Msg-Key"
	TimestampHeader = "Shard-Msg-Timestamp"
)

// Config holds JetStream connection settings.
type Config struct {
	URL           string        `json:"url" yaml:"url"`
	Stream        string        `json:"stream" yaml:"stream"`
	Subjects      []string      `json:"subjects" yaml:"subjects"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`

	// AckWait is how long an unacknowledged message stays with a consumer
	// before JetStream redelivers it.
	AckWait time.Duration `json:"ack_wait" yaml:"ack_wait"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Stream == "" {
		c.Stream = "SHARDS"
	}
	if len(c.Subjects) == 0 {
		c.Subjects = []string{"shards.>"}
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
	return c
}

// Broker is a JetStream-backed broker.Broker.
type Broker struct {
	cfg    Config
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// Connect dials NATS and creates or updates the stream.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Broker, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Warn("nats_reconnected", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats_disconnected", "error", err)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: cfg.Subjects,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	logger.Info("nats_connected", "url", nc.ConnectedUrl(), "stream", cfg.Stream)
	return &Broker{cfg: cfg, nc: nc, js: js, logger: logger}, nil
}

// Consumer opens a durable pull consumer named after the group and
// filtered to the topic subject.
func (b *Broker) Consumer(ctx context.Context, cfg broker.ConsumerConfig) (broker.Consumer, error) {
	cfg = cfg.WithDefaults()
	cons, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       DurableName(cfg.Group, cfg.Topic),
		FilterSubject: cfg.Topic,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", cfg.Topic, err)
	}
	return &consumer{cfg: cfg, cons: cons}, nil
}

// Producer returns a producer publishing to the topic subject.
func (b *Broker) Producer(_ context.Context, topic string) (broker.Producer, error) {
	if topic == "" {
		return nil, errors.New("natsbroker: empty topic")
	}
	return &producer{js: b.js, subject: topic}, nil
}

// Close drains the connection.
func (b *Broker) Close() error {
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}

// DurableName derives a valid durable consumer name from a group and topic.
func DurableName(group, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(group + "_" + topic)
}

type consumer struct {
	cfg  broker.ConsumerConfig
	cons jetstream.Consumer

	mu      sync.Mutex
	pending []jetstream.Msg
	closed  bool
}

func (c *consumer) Fetch(ctx context.Context) ([]broker.Message, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wait := c.cfg.BatchTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait {
		wait = time.Until(dl)
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	batch, err := c.cons.Fetch(c.cfg.BatchSize, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", c.cfg.Topic, err)
	}

	var out []broker.Message
	var fetched []jetstream.Msg
	for msg := range batch.Messages() {
		fetched = append(fetched, msg)
		out = append(out, FromNATS(msg.Data(), msg.Headers(), metadataTime(msg)))
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("fetch %s: %w", c.cfg.Topic, err)
	}

	c.mu.Lock()
	c.pending = append(c.pending, fetched...)
	c.mu.Unlock()
	return out, nil
}

func metadataTime(msg jetstream.Msg) time.Time {
	md, err := msg.Metadata()
	if err != nil {
		return time.Time{}
	}
	return md.Timestamp
}

func (c *consumer) Commit(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, msg := range pending {
		if err := msg.DoubleAck(ctx); err != nil {
			c.mu.Lock()
			c.pending = append(pending[i:], c.pending...)
			c.mu.Unlock()
			return fmt.Errorf("ack %s: %w", c.cfg.Topic, err)
		}
	}
	return nil
}

// Close negatively acknowledges uncommitted messages so they are
// redelivered without waiting for AckWait.
func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for _, msg := range c.pending {
		if err := msg.Nak(); err != nil {
			errs = append(errs, err)
		}
	}
	c.pending = nil
	return errors.Join(errs...)
}

type producer struct {
	js      jetstream.JetStream
	subject string
}

func (p *producer) Publish(ctx context.Context, msgs []broker.Message) error {
	for _, m := range msgs {
		if _, err := p.js.PublishMsg(ctx, ToNATS(p.subject, m)); err != nil {
			return fmt.Errorf("publish to %s: %w", p.subject, err)
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

// ToNATS converts m into a NATS message for subject.
func ToNATS(subject string, m broker.Message) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = m.Payload
	for k, v := range m.Headers {
		msg.Header.Set(k, v)
	}
	if m.Key != "" {
		msg.Header.Set(KeyHeader, m.Key)
	}
	if !m.Timestamp.IsZero() {
		msg.Header.Set(TimestampHeader, m.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	return msg
}

// FromNATS converts a received message. fallback is used when the
// message carries no timestamp header.
func FromNATS(data []byte, h nats.Header, fallback time.Time) broker.Message {
	m := broker.Message{Payload: data, Timestamp: fallback}
	for k := range h {
		switch k {
		case KeyHeader:
			m.Key = h.Get(k)
		case TimestampHeader:
			if ts, err := time.Parse(time.RFC3339Nano, h.Get(k)); err == nil {
				m.Timestamp = ts
			}
		default:
			if m.Headers == nil {
				m.Headers = make(map[string]string, len(h))
			}
			m.Headers[k] = h.Get(k)
		}
	}
	return m
}

var _ broker.Broker = (*Broker)(nil)
