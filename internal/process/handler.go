package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
)

// IOHandler speaks a worker program's protocol over its standard streams.
// One handler is created per process run.
type IOHandler interface {
	// IsReady reports whether the process can accept a new batch.
	// Called frequently; must not block.
	IsReady() bool

	// ReadOutputs reads stdout until EOF or ctx ends, calling emit for
	// every decoded message.
	ReadOutputs(ctx context.Context, emit func(broker.Message) error) error

	// ReadErrors is the stderr counterpart of ReadOutputs.
	ReadErrors(ctx context.Context, emit func(broker.Message) error) error

	// WriteInputs encodes msgs to stdin.
	WriteInputs(ctx context.Context, msgs []broker.Message) error

	Close() error
}

// Streams are the parent's ends of a child's standard streams.
type Streams struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
}

// HandlerFactory creates a handler for a freshly started process.
type HandlerFactory interface {
	NewHandler(shardID string, pid int, streams Streams) IOHandler
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func(shardID string, pid int, streams Streams) IOHandler

// NewHandler calls f.
func (f HandlerFactoryFunc) NewHandler(shardID string, pid int, streams Streams) IOHandler {
	return f(shardID, pid, streams)
}

// DefaultQuietPeriod is how long a line worker must stay silent after a
// write before it is considered done with the batch.
const DefaultQuietPeriod = 100 * time.Millisecond

// LineHandlerFactory creates LineHandlers.
type LineHandlerFactory struct {
	// QuietPeriod defaults to DefaultQuietPeriod.
	QuietPeriod time.Duration

	// MaxLineBytes caps a single line. Defaults to 1 MiB.
	MaxLineBytes int
}

// NewHandler implements HandlerFactory.
func (f LineHandlerFactory) NewHandler(_ string, _ int, streams Streams) IOHandler {
	quiet := f.QuietPeriod
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	maxLine := f.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 1024 * 1024
	}
	return &LineHandler{
		streams:  streams,
		quiet:    quiet,
		maxLine:  maxLine,
		writeSem: make(chan struct{}, 1),
	}
}

// LineHandler implements a newline-delimited protocol: every input
// payload is written as one line, and every non-blank stdout or stderr
// line becomes one message. A batch is finished once the process has
// produced nothing for the quiet period.
type LineHandler struct {
	streams  Streams
	quiet    time.Duration
	maxLine  int
	writeSem chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
}

// IsReady reports whether no batch is being written or awaited.
func (h *LineHandler) IsReady() bool {
	return len(h.writeSem) == 0
}

func (h *LineHandler) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *LineHandler) sinceActivity() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastActivity)
}

// ReadOutputs implements IOHandler.
func (h *LineHandler) ReadOutputs(ctx context.Context, emit func(broker.Message) error) error {
	return h.read(ctx, h.streams.Stdout, "out_", emit)
}

// ReadErrors implements IOHandler.
func (h *LineHandler) ReadErrors(ctx context.Context, emit func(broker.Message) error) error {
	return h.read(ctx, h.streams.Stderr, "err_", emit)
}

func (h *LineHandler) read(ctx context.Context, r io.Reader, keyPrefix string, emit func(broker.Message) error) error {
	if r == nil {
		return nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), h.maxLine)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		h.touch()
		msg := broker.Message{
			Key:       keyPrefix + uuid.NewString(),
			Payload:   []byte(line),
			Timestamp: time.Now().UTC(),
		}
		if err := emit(msg); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// WriteInputs writes one line per message and returns once the process
// has been quiet for the quiet period.
func (h *LineHandler) WriteInputs(ctx context.Context, msgs []broker.Message) error {
	select {
	case h.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-h.writeSem }()

	w := bufio.NewWriter(h.streams.Stdin)
	for _, m := range msgs {
		if _, err := w.Write(m.Payload); err != nil {
			return fmt.Errorf("write input %s: %w", m.Key, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("write input %s: %w", m.Key, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush inputs: %w", err)
	}
	h.touch()

	for {
		wait := h.quiet - h.sinceActivity()
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close closes stdin so the worker sees EOF.
func (h *LineHandler) Close() error {
	if h.streams.Stdin == nil {
		return nil
	}
	return h.streams.Stdin.Close()
}
