package kafkabroker

import (
	"context"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/logging"
)

func TestConfigMaps(t *testing.T) {
	cfg := Config{
		Brokers: []string{"k1:9092", "k2:9092"},
		Extra:   map[string]string{"security.protocol": "SSL", "acks": "1"},
	}.WithDefaults()

	p := cfg.ProducerConfigMap()
	if p["bootstrap.servers"] != "k1:9092,k2:9092" {
		t.Errorf("bootstrap.servers = %v", p["bootstrap.servers"])
	}
	if p["acks"] != "1" {
		t.Errorf("Extra should override acks, got %v", p["acks"])
	}
	if p["security.protocol"] != "SSL" {
		t.Errorf("Extra not applied: %v", p)
	}

	c := cfg.ConsumerConfigMap("workers")
	if c["group.id"] != "workers" || c["enable.auto.commit"] != false || c["auto.offset.reset"] != "earliest" {
		t.Errorf("ConsumerConfigMap() = %v", c)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	if len(c.Brokers) != 1 || c.ClientID == "" || c.FlushTimeout != 5*time.Second {
		t.Errorf("WithDefaults() = %+v", c)
	}
}

func TestNew_RejectsEmptyBroker(t *testing.T) {
	if _, err := New(Config{Brokers: []string{"ok:9092", ""}}, logging.Discard()); err == nil {
		t.Error("New() should reject an empty broker address")
	}
	b, err := New(Config{}, logging.Discard())
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if _, err := b.Producer(context.Background(), ""); err == nil {
		t.Error("Producer(\"\") should fail")
	}
}

// =============================================================================
// Message conversion
// =============================================================================

func TestToFromKafka(t *testing.T) {
	ts := time.Unix(1700000000, 0).UTC()
	km := ToKafka("out", broker.Message{
		Key:       "k",
		Payload:   []byte("v"),
		Headers:   map[string]string{"shard_id": "s1", "process_id": "42"},
		Timestamp: ts,
	})
	if *km.TopicPartition.Topic != "out" || km.TopicPartition.Partition != kafka.PartitionAny {
		t.Errorf("TopicPartition = %v", km.TopicPartition)
	}
	if len(km.Headers) != 2 || km.Headers[0].Key != "process_id" {
		t.Errorf("headers should be sorted by key: %v", km.Headers)
	}

	m := FromKafka(km)
	if m.Key != "k" || string(m.Payload) != "v" || m.Headers["shard_id"] != "s1" || !m.Timestamp.Equal(ts) {
		t.Errorf("FromKafka() = %+v", m)
	}
}

func TestToKafka_EmptyKey(t *testing.T) {
	if km := ToKafka("out", broker.Message{Payload: []byte("x")}); km.Key != nil || km.Headers != nil {
		t.Errorf("ToKafka() = %+v, want nil key and headers", km)
	}
}

// =============================================================================
// Offset tracking
// =============================================================================

func TestOffsetTracker(t *testing.T) {
	topic := "in"
	tr := newOffsetTracker()
	for _, tp := range []kafka.TopicPartition{
		{Topic: &topic, Partition: 1, Offset: 7},
		{Topic: &topic, Partition: 0, Offset: 3},
		{Topic: &topic, Partition: 1, Offset: 5},
		{Topic: &topic, Partition: 0, Offset: 4},
		{Partition: 9, Offset: 100},
	} {
		tr.observe(tp)
	}

	got := tr.commitList()
	if len(got) != 2 {
		t.Fatalf("commitList() = %v, want 2 partitions", got)
	}
	if got[0].Partition != 0 || got[0].Offset != 5 {
		t.Errorf("partition 0 commit = %v, want offset 5", got[0])
	}
	if got[1].Partition != 1 || got[1].Offset != 8 {
		t.Errorf("partition 1 commit = %v, want offset 8", got[1])
	}

	tr.reset()
	if got := tr.commitList(); len(got) != 0 {
		t.Errorf("commitList() after reset = %v", got)
	}
}
