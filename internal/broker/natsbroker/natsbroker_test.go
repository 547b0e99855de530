package natsbroker

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/logging"
)

func runJetStream(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natstest.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func connect(t *testing.T, s *natsserver.Server) *Broker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := Connect(ctx, Config{URL: s.ClientURL(), AckWait: time.Minute}, logging.Discard())
	if err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func consumerConfig() broker.ConsumerConfig {
	return broker.ConsumerConfig{Topic: "shards.in", Group: "workers", BatchSize: 10, BatchTimeout: 200 * time.Millisecond}
}

func publish(t *testing.T, b *Broker, payloads ...string) {
	t.Helper()
	prod, err := b.Producer(context.Background(), "shards.in")
	if err != nil {
		t.Fatal(err)
	}
	var msgs []broker.Message
	for _, p := range payloads {
		msgs = append(msgs, broker.Message{
			Key:       "k-" + p,
			Payload:   []byte(p),
			Headers:   map[string]string{"trace": p},
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	}
	if err := prod.Publish(context.Background(), msgs); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
}

// =============================================================================
// JetStream round trip
// =============================================================================

func TestBroker_FetchCommit(t *testing.T) {
	b := connect(t, runJetStream(t))
	publish(t, b, "a", "b")

	ctx := context.Background()
	c, err := b.Consumer(ctx, consumerConfig())
	if err != nil {
		t.Fatalf("Consumer() = %v", err)
	}
	got, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Fetch() returned %d messages, want 2", len(got))
	}
	m := got[0]
	if string(m.Payload) != "a" || m.Key != "k-a" || m.Headers["trace"] != "a" {
		t.Errorf("message = %+v", m)
	}
	if !m.Timestamp.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("timestamp = %v", m.Timestamp)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit() = %v", err)
	}
	_ = c.Close()

	c2, err := b.Consumer(ctx, consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	if again, err := c2.Fetch(ctx); err != nil || len(again) != 0 {
		t.Errorf("after commit Fetch() = %d messages, %v; want none", len(again), err)
	}
}

func TestBroker_UncommittedRedelivered(t *testing.T) {
	b := connect(t, runJetStream(t))
	publish(t, b, "x")

	ctx := context.Background()
	c, err := b.Consumer(ctx, consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	if got, err := c.Fetch(ctx); err != nil || len(got) != 1 {
		t.Fatalf("Fetch() = %d, %v", len(got), err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	c2, err := b.Consumer(ctx, consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	got, err := c2.Fetch(ctx)
	if err != nil || len(got) != 1 || string(got[0].Payload) != "x" {
		t.Errorf("redelivery = %+v, %v", got, err)
	}
}

func TestBroker_FetchClosed(t *testing.T) {
	b := connect(t, runJetStream(t))
	c, err := b.Consumer(context.Background(), consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
	if _, err := c.Fetch(context.Background()); err != broker.ErrClosed {
		t.Errorf("Fetch() after Close = %v, want ErrClosed", err)
	}
}

func TestBroker_EmptyTopicProducer(t *testing.T) {
	b := connect(t, runJetStream(t))
	if _, err := b.Producer(context.Background(), ""); err == nil {
		t.Error("Producer(\"\") should fail")
	}
}

// =============================================================================
// Conversion helpers
// =============================================================================

func TestToFromNATS(t *testing.T) {
	ts := time.Date(2026, 5, 6, 7, 8, 9, 10, time.UTC)
	msg := ToNATS("shards.out", broker.Message{
		Key:       "key-1",
		Payload:   []byte("payload"),
		Headers:   map[string]string{"shard_id": "s1"},
		Timestamp: ts,
	})
	if msg.Subject != "shards.out" || msg.Header.Get(KeyHeader) != "key-1" {
		t.Fatalf("ToNATS() = %+v", msg)
	}

	back := FromNATS(msg.Data, msg.Header, time.Time{})
	if back.Key != "key-1" || string(back.Payload) != "payload" || back.Headers["shard_id"] != "s1" {
		t.Errorf("FromNATS() = %+v", back)
	}
	if !back.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", back.Timestamp, ts)
	}
	if _, ok := back.Headers[KeyHeader]; ok {
		t.Error("internal headers should not leak into Headers")
	}
}

func TestFromNATS_Fallback(t *testing.T) {
	fallback := time.Unix(100, 0)
	m := FromNATS([]byte("p"), nats.Header{}, fallback)
	if !m.Timestamp.Equal(fallback) || m.Key != "" || m.Headers != nil {
		t.Errorf("FromNATS() = %+v", m)
	}
}

func TestDurableName(t *testing.T) {
	tests := []struct {
		group, topic, want string
	}{
		{"workers", "shards.in", "workers_shards_in"},
		{"a b", "x.*.>", "a_b_x___"},
	}
	for _, tt := range tests {
		if got := DurableName(tt.group, tt.topic); got != tt.want {
			t.Errorf("DurableName(%q, %q) = %q, want %q", tt.group, tt.topic, got, tt.want)
		}
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	if c.URL != nats.DefaultURL || c.Stream != "SHARDS" || len(c.Subjects) != 1 || c.AckWait != 30*time.Second {
		t.Errorf("WithDefaults() = %+v", c)
	}
}
