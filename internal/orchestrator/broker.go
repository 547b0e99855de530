package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/broker/kafkabroker"
	"github.com/randomizedcoder/go-process-shards/internal/broker/natsbroker"
	"github.com/randomizedcoder/go-process-shards/internal/broker/redisbroker"
	"github.com/randomizedcoder/go-process-shards/internal/config"
)

// OpenBroker connects to the broker selected by cfg.Broker.
func OpenBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker {
	case config.BrokerMemory:
		return broker.NewMemory(), nil
	case config.BrokerNATS:
		b, err := natsbroker.Connect(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerRedis:
		b, err := redisbroker.Connect(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.BrokerKafka:
		b, err := kafkabroker.New(cfg.Kafka, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker)
	}
}

// feedBatch caps how many lines are published at once.
const feedBatch = 100

// feed publishes every line of r to the input topic. Lines are flushed in
// groups of feedBatch or after BatchTimeout, whichever comes first.
func (o *Orchestrator) feed(ctx context.Context, r io.Reader) error {
	producer, err := o.broker.Producer(ctx, o.config.InputTopic)
	if err != nil {
		return fmt.Errorf("open input producer: %w", err)
	}
	defer producer.Close()

	lines := make(chan []byte, feedBatch)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- append([]byte(nil), scanner.Bytes()...):
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- scanner.Err()
	}()

	ticker := time.NewTicker(o.config.BatchTimeout)
	defer ticker.Stop()

	var (
		batch []broker.Message
		total int
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := producer.Publish(ctx, batch); err != nil {
			return fmt.Errorf("publish input: %w", err)
		}
		total += len(batch)
		batch = nil
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case line, ok := <-lines:
			if !ok {
				if err := flush(); err != nil {
					return err
				}
				if err := <-readErr; err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return fmt.Errorf("read input: %w", err)
				}
				o.logger.Info("input_exhausted", "messages", total)
				return nil
			}
			batch = append(batch, broker.Message{Payload: line, Timestamp: time.Now()})
			if len(batch) >= feedBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}

// echoTopics writes every output and error payload to o.echo until ctx
// ends. Error payloads are prefixed with "error: ".
func (o *Orchestrator) echoTopics(ctx context.Context) error {
	lines := make(chan string, feedBatch)
	errc := make(chan error, 2)

	follow := func(topic, prefix string) {
		errc <- o.follow(ctx, topic, func(m broker.Message) {
			select {
			case lines <- prefix + string(m.Payload):
			case <-ctx.Done():
			}
		})
	}
	go follow(o.config.OutputTopic, "")
	go follow(o.config.ErrorTopic, "error: ")

	w := bufio.NewWriter(o.echo)
	defer w.Flush()
	running := 2
	for running > 0 {
		select {
		case line := <-lines:
			fmt.Fprintln(w, line)
			if len(lines) == 0 {
				w.Flush()
			}
		case err := <-errc:
			running--
			if err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// follow reads topic with its own consumer group and calls fn for every
// message.
func (o *Orchestrator) follow(ctx context.Context, topic string, fn func(broker.Message)) error {
	consumer, err := o.broker.Consumer(ctx, broker.ConsumerConfig{
		Topic:        topic,
		Group:        o.config.Group + ".echo",
		BatchSize:    o.config.BatchSize,
		BatchTimeout: o.config.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("open %s consumer: %w", topic, err)
	}
	defer consumer.Close()

	for {
		batch, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch %s: %w", topic, err)
		}
		for _, m := range batch {
			fn(m)
		}
		if len(batch) > 0 {
			if err := consumer.Commit(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("commit %s: %w", topic, err)
			}
		}
	}
}
