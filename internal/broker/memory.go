package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker. Topics are append-only logs and each
// consumer group keeps a committed offset.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memTopic struct {
	msgs    []Message
	offsets map[string]int
	notify  chan struct{}
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]*memTopic)}
}

func (m *Memory) topic(name string) *memTopic {
	t, ok := m.topics[name]
	if !ok {
		t = &memTopic{
			offsets: make(map[string]int),
			notify:  make(chan struct{}),
		}
		m.topics[name] = t
	}
	return t
}

// Consumer opens a consumer that starts at the group's committed offset.
func (m *Memory) Consumer(_ context.Context, cfg ConsumerConfig) (Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	cfg = cfg.WithDefaults()
	t := m.topic(cfg.Topic)
	return &memConsumer{
		broker:   m,
		cfg:      cfg,
		position: t.offsets[cfg.Group],
	}, nil
}

// Producer opens a producer for topic.
func (m *Memory) Producer(_ context.Context, topic string) (Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memProducer{broker: m, topic: topic}, nil
}

// Close marks the broker closed. Existing consumers return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, t := range m.topics {
		close(t.notify)
		t.notify = make(chan struct{})
	}
	return nil
}

// Messages returns a copy of everything published to topic.
func (m *Memory) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	out := make([]Message, len(t.msgs))
	for i, msg := range t.msgs {
		out[i] = msg.Clone()
	}
	return out
}

// Committed returns the committed offset of group on topic.
func (m *Memory) Committed(topic, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.topics[topic]; ok {
		return t.offsets[group]
	}
	return 0
}

func (m *Memory) append(topic string, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	t := m.topic(topic)
	for _, msg := range msgs {
		c := msg.Clone()
		if c.Timestamp.IsZero() {
			c.Timestamp = time.Now()
		}
		t.msgs = append(t.msgs, c)
	}
	close(t.notify)
	t.notify = make(chan struct{})
	return nil
}

type memProducer struct {
	broker *Memory
	topic  string
}

func (p *memProducer) Publish(_ context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return p.broker.append(p.topic, msgs)
}

func (p *memProducer) Close() error { return nil }

type memConsumer struct {
	broker   *Memory
	cfg      ConsumerConfig
	position int
	closed   bool
}

func (c *memConsumer) Fetch(ctx context.Context) ([]Message, error) {
	timer := time.NewTimer(c.cfg.BatchTimeout)
	defer timer.Stop()

	for {
		c.broker.mu.Lock()
		if c.closed || c.broker.closed {
			c.broker.mu.Unlock()
			return nil, ErrClosed
		}
		t := c.broker.topic(c.cfg.Topic)
		avail := len(t.msgs) - c.position
		if avail >= c.cfg.BatchSize {
			batch := c.take(t, c.cfg.BatchSize)
			c.broker.mu.Unlock()
			return batch, nil
		}
		notify := t.notify
		c.broker.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		case <-timer.C:
			c.broker.mu.Lock()
			t := c.broker.topic(c.cfg.Topic)
			batch := c.take(t, min(len(t.msgs)-c.position, c.cfg.BatchSize))
			c.broker.mu.Unlock()
			return batch, nil
		}
	}
}

// take must be called with the broker lock held.
func (c *memConsumer) take(t *memTopic, n int) []Message {
	if n <= 0 {
		return nil
	}
	batch := make([]Message, n)
	for i := range batch {
		batch[i] = t.msgs[c.position+i].Clone()
	}
	c.position += n
	return batch
}

func (c *memConsumer) Commit(context.Context) error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	t := c.broker.topic(c.cfg.Topic)
	if c.position > t.offsets[c.cfg.Group] {
		t.offsets[c.cfg.Group] = c.position
	}
	return nil
}

func (c *memConsumer) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	return nil
}

var _ Broker = (*Memory)(nil)
