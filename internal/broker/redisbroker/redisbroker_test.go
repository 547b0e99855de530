package redisbroker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/logging"
)

func connect(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := Connect(context.Background(), Config{Addr: mr.Addr()}, logging.Discard())
	if err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func consumerConfig() broker.ConsumerConfig {
	return broker.ConsumerConfig{Topic: "in", Group: "workers", BatchSize: 10, BatchTimeout: 50 * time.Millisecond}
}

func publish(t *testing.T, b *Broker, payloads ...string) {
	t.Helper()
	prod, err := b.Producer(context.Background(), "in")
	if err != nil {
		t.Fatal(err)
	}
	var msgs []broker.Message
	for _, p := range payloads {
		msgs = append(msgs, broker.Message{
			Key:       "k-" + p,
			Payload:   []byte(p),
			Headers:   map[string]string{"trace": p},
			Timestamp: time.Unix(1700000000, 5).UTC(),
		})
	}
	if err := prod.Publish(context.Background(), msgs); err != nil {
		t.Fatalf("Publish() = %v", err)
	}
}

// =============================================================================
// Stream round trip
// =============================================================================

func TestBroker_FetchCommit(t *testing.T) {
	b, _ := connect(t)
	ctx := context.Background()

	c, err := b.Consumer(ctx, consumerConfig())
	if err != nil {
		t.Fatalf("Consumer() = %v", err)
	}
	defer c.Close()

	publish(t, b, "a", "b")

	got, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Fetch() returned %d messages, want 2", len(got))
	}
	if string(got[0].Payload) != "a" || got[0].Key != "k-a" || got[0].Headers["trace"] != "a" {
		t.Errorf("message = %+v", got[0])
	}
	if !got[0].Timestamp.Equal(time.Unix(1700000000, 5)) {
		t.Errorf("timestamp = %v", got[0].Timestamp)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit() = %v", err)
	}

	if again, err := c.Fetch(ctx); err != nil || len(again) != 0 {
		t.Errorf("Fetch() after commit = %d messages, %v", len(again), err)
	}
}

func TestBroker_ConsumerTwice(t *testing.T) {
	b, _ := connect(t)
	for i := 0; i < 2; i++ {
		c, err := b.Consumer(context.Background(), consumerConfig())
		if err != nil {
			t.Fatalf("Consumer() #%d = %v", i, err)
		}
		_ = c.Close()
	}
}

func TestBroker_UncommittedRedelivered(t *testing.T) {
	b, _ := connect(t)
	ctx := context.Background()

	c, err := b.Consumer(ctx, consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	publish(t, b, "x")
	if got, err := c.Fetch(ctx); err != nil || len(got) != 1 {
		t.Fatalf("Fetch() = %d, %v", len(got), err)
	}
	_ = c.Close()

	c2, err := b.Consumer(ctx, consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	got, err := c2.Fetch(ctx)
	if err != nil || len(got) != 1 || string(got[0].Payload) != "x" {
		t.Fatalf("redelivery = %+v, %v", got, err)
	}
	if err := c2.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if again, err := c2.Fetch(ctx); err != nil || len(again) != 0 {
		t.Errorf("Fetch() after redelivered commit = %d, %v", len(again), err)
	}
}

func TestBroker_FetchClosed(t *testing.T) {
	b, _ := connect(t)
	c, err := b.Consumer(context.Background(), consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	_ = c.Close()
	if _, err := c.Fetch(context.Background()); err != broker.ErrClosed {
		t.Errorf("Fetch() after Close = %v, want ErrClosed", err)
	}
}

func TestBroker_CommitEmpty(t *testing.T) {
	b, _ := connect(t)
	c, err := b.Consumer(context.Background(), consumerConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Commit(context.Background()); err != nil {
		t.Errorf("Commit() with nothing pending = %v", err)
	}
}

func TestBroker_MaxLen(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Connect(context.Background(), Config{Addr: mr.Addr(), MaxLen: 5}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	for i := 0; i < 20; i++ {
		publish(t, b, "m")
	}
	n, err := b.client.XLen(context.Background(), "in").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n > 20 || n < 5 {
		t.Errorf("XLen = %d, want between 5 and 20", n)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Connect(ctx, Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1}, logging.Discard()); err == nil {
		t.Error("Connect() to a closed port should fail")
	}
}

// =============================================================================
// Entry conversion
// =============================================================================

func TestValuesRoundTrip(t *testing.T) {
	in := broker.Message{
		Key:       "k",
		Payload:   []byte("body"),
		Headers:   map[string]string{"shard_id": "s1"},
		Timestamp: time.Unix(10, 20).UTC(),
	}
	v := ToValues(in)
	if _, ok := v[HeaderPrefix+"shard_id"]; !ok {
		t.Fatalf("ToValues() = %v, missing header field", v)
	}

	// Redis returns every field as a string.
	strs := make(map[string]any, len(v))
	for k, x := range v {
		switch x := x.(type) {
		case []byte:
			strs[k] = string(x)
		default:
			strs[k] = x
		}
	}
	out := FromValues("1-0", strs)
	if out.Key != "k" || string(out.Payload) != "body" || out.Headers["shard_id"] != "s1" || !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("FromValues() = %+v", out)
	}
}

func TestFromValues_IDTimestamp(t *testing.T) {
	m := FromValues("1700000000123-4", map[string]any{FieldPayload: "p"})
	if want := time.UnixMilli(1700000000123); !m.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", m.Timestamp, want)
	}
	if m := FromValues("garbage", nil); !m.Timestamp.IsZero() {
		t.Errorf("bad id timestamp = %v, want zero", m.Timestamp)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{Addr: "redis://cache:6379"}.WithDefaults()
	if c.Addr != "cache:6379" {
		t.Errorf("Addr = %q, want scheme stripped", c.Addr)
	}
	if c.ConsumerName != "shards" || c.PoolSize != 10 {
		t.Errorf("WithDefaults() = %+v", c)
	}
}
