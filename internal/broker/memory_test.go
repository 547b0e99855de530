package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func publishN(t *testing.T, b *Memory, topic string, n int) {
	t.Helper()
	p, err := b.Producer(context.Background(), topic)
	if err != nil {
		t.Fatalf("Producer() error = %v", err)
	}
	msgs := make([]Message, n)
	for i := range msgs {
		msgs[i] = Message{Key: fmt.Sprintf("k%d", i), Payload: []byte(fmt.Sprintf("v%d", i))}
	}
	if err := p.Publish(context.Background(), msgs); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

// =============================================================================
// Message helpers
// =============================================================================

func TestMessage_WithHeaderDoesNotAlias(t *testing.T) {
	orig := Message{Key: "a", Headers: map[string]string{"x": "1"}}
	c := orig.WithHeader("y", "2")

	if _, ok := orig.Headers["y"]; ok {
		t.Error("WithHeader mutated the original headers")
	}
	if c.Headers["x"] != "1" || c.Headers["y"] != "2" {
		t.Errorf("headers = %v, want x=1 y=2", c.Headers)
	}

	empty := Message{}.WithHeader("k", "v")
	if empty.Headers["k"] != "v" {
		t.Errorf("WithHeader on nil headers = %v", empty.Headers)
	}
}

func TestConsumerConfig_WithDefaults(t *testing.T) {
	c := ConsumerConfig{Topic: "t"}.WithDefaults()
	if c.BatchSize != 100 || c.BatchTimeout != time.Second {
		t.Errorf("defaults = %d/%v, want 100/1s", c.BatchSize, c.BatchTimeout)
	}
}

// =============================================================================
// Memory broker
// =============================================================================

func TestMemory_FetchFullBatch(t *testing.T) {
	b := NewMemory()
	publishN(t, b, "in", 5)

	c, err := b.Consumer(context.Background(), ConsumerConfig{Topic: "in", Group: "g", BatchSize: 2, BatchTimeout: time.Hour})
	if err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}

	for _, want := range [][]string{{"k0", "k1"}, {"k2", "k3"}} {
		batch, err := c.Fetch(context.Background())
		if err != nil {
			t.Fatalf("Fetch() error = %v", err)
		}
		if len(batch) != 2 || batch[0].Key != want[0] || batch[1].Key != want[1] {
			t.Errorf("batch = %v, want keys %v", batch, want)
		}
		if batch[0].Timestamp.IsZero() {
			t.Error("published message should get a timestamp")
		}
	}
}

func TestMemory_FetchPartialOnTimeout(t *testing.T) {
	b := NewMemory()
	publishN(t, b, "in", 1)

	c, _ := b.Consumer(context.Background(), ConsumerConfig{Topic: "in", Group: "g", BatchSize: 10, BatchTimeout: 20 * time.Millisecond})
	start := time.Now()
	batch, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(batch) != 1 {
		t.Errorf("len(batch) = %d, want 1", len(batch))
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("partial batch returned before timeout")
	}

	batch, _ = c.Fetch(context.Background())
	if len(batch) != 0 {
		t.Errorf("second Fetch returned %d messages, want 0", len(batch))
	}
}

func TestMemory_FetchWakesOnPublish(t *testing.T) {
	b := NewMemory()
	c, _ := b.Consumer(context.Background(), ConsumerConfig{Topic: "in", Group: "g", BatchSize: 3, BatchTimeout: time.Hour})

	p, _ := b.Producer(context.Background(), "in")
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.Publish(context.Background(), []Message{{Key: "a"}, {Key: "b"}, {Key: "c"}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	batch, err := c.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(batch) != 3 {
		t.Errorf("len(batch) = %d, want 3", len(batch))
	}
}

func TestMemory_UncommittedRedelivered(t *testing.T) {
	b := NewMemory()
	publishN(t, b, "in", 4)
	cfg := ConsumerConfig{Topic: "in", Group: "g", BatchSize: 2, BatchTimeout: time.Hour}

	c1, _ := b.Consumer(context.Background(), cfg)
	first, _ := c1.Fetch(context.Background())
	if err := c1.Commit(context.Background()); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	second, _ := c1.Fetch(context.Background())
	_ = c1.Close()

	if b.Committed("in", "g") != 2 {
		t.Errorf("Committed() = %d, want 2", b.Committed("in", "g"))
	}

	c2, _ := b.Consumer(context.Background(), cfg)
	again, _ := c2.Fetch(context.Background())
	if len(again) != 2 || again[0].Key != second[0].Key || again[1].Key != second[1].Key {
		t.Errorf("redelivered = %v, want %v", again, second)
	}
	if first[0].Key == again[0].Key {
		t.Error("committed batch was redelivered")
	}

	other, _ := b.Consumer(context.Background(), ConsumerConfig{Topic: "in", Group: "other", BatchSize: 1, BatchTimeout: time.Hour})
	m, _ := other.Fetch(context.Background())
	if m[0].Key != "k0" {
		t.Errorf("new group should start at offset 0, got %q", m[0].Key)
	}
}

func TestMemory_Closed(t *testing.T) {
	b := NewMemory()
	c, _ := b.Consumer(context.Background(), ConsumerConfig{Topic: "in", Group: "g", BatchSize: 5, BatchTimeout: time.Hour})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = b.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Fetch() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Fetch did not return after Close")
	}

	if _, err := b.Producer(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Producer() after Close error = %v, want ErrClosed", err)
	}
}

func TestMemory_MessagesReturnsCopies(t *testing.T) {
	b := NewMemory()
	p, _ := b.Producer(context.Background(), "out")
	_ = p.Publish(context.Background(), []Message{{Key: "a", Headers: map[string]string{"h": "1"}}})

	got := b.Messages("out")
	got[0].Headers["h"] = "changed"
	if b.Messages("out")[0].Headers["h"] != "1" {
		t.Error("Messages() leaked internal header map")
	}
	if b.Messages("missing") != nil {
		t.Error("Messages() on unknown topic should be nil")
	}
}
