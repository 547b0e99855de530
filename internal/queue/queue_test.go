package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Table-Driven Tests: Constructor
// =============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		mode     FullMode
		wantCap  int
	}{
		{"explicit capacity", 5, Block, 5},
		{"zero uses default", 0, DropOldest, DefaultCapacity},
		{"negative uses default", -1, Block, DefaultCapacity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New[int](tt.name, tt.capacity, tt.mode)
			if q.Cap() != tt.wantCap {
				t.Errorf("Cap() = %d, want %d", q.Cap(), tt.wantCap)
			}
			if q.Mode() != tt.mode {
				t.Errorf("Mode() = %v, want %v", q.Mode(), tt.mode)
			}
			if q.Name() != tt.name {
				t.Errorf("Name() = %q, want %q", q.Name(), tt.name)
			}
		})
	}
}

func TestFullMode_String(t *testing.T) {
	if Block.String() != "block" || DropOldest.String() != "drop_oldest" || FullMode(9).String() != "unknown" {
		t.Error("unexpected FullMode names")
	}
}

// =============================================================================
// Block mode
// =============================================================================

func TestBlock_PushWaitsForSpace(t *testing.T) {
	q := New[int]("out", 1, Block)
	ctx := context.Background()

	if _, err := q.Push(ctx, 1); err != nil {
		t.Fatalf("Push(1) error = %v", err)
	}

	pushed := make(chan struct{})
	go func() {
		_, _ = q.Push(ctx, 2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push should block while the queue is full")
	case <-time.After(20 * time.Millisecond):
	}

	if v, _ := q.Pop(ctx); v != 1 {
		t.Errorf("Pop() = %d, want 1", v)
	}
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push did not resume after Pop")
	}
	if v, ok := q.TryPop(); !ok || v != 2 {
		t.Errorf("TryPop() = %d, %v; want 2, true", v, ok)
	}
}

func TestBlock_PushCancelled(t *testing.T) {
	q := New[int]("out", 1, Block)
	_, _ = q.Push(context.Background(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Push(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Push() error = %v, want DeadlineExceeded", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

// =============================================================================
// DropOldest mode
// =============================================================================

func TestDropOldest_KeepsNewest(t *testing.T) {
	q := New[int]("err", 3, DropOldest)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		dropped, err := q.Push(ctx, i)
		if err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
		if wantDrop := i > 3; dropped != wantDrop {
			t.Errorf("Push(%d) dropped = %v, want %v", i, dropped, wantDrop)
		}
	}

	var got []int
	for {
		v, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("queue contents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue contents = %v, want %v", got, want)
		}
	}

	pushed, dropped, popped := q.Stats()
	if pushed != 5 || dropped != 2 || popped != 3 {
		t.Errorf("Stats() = %d/%d/%d, want 5/2/3", pushed, dropped, popped)
	}
	if !q.IsDegraded() {
		t.Error("IsDegraded() = false, want true at 40% drop rate")
	}
}

func TestDropOldest_ConcurrentConsumer(t *testing.T) {
	q := New[int]("err", 4, DropOldest)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		for {
			if _, err := q.Pop(ctx); err != nil {
				return
			}
			received++
		}
	}()

	for i := 0; i < 1000; i++ {
		if _, err := q.Push(ctx, i); err != nil {
			t.Fatalf("Push error = %v", err)
		}
	}
	time.Sleep(10 * time.Millisecond)
	cancel()
	wg.Wait()

	pushed, dropped, _ := q.Stats()
	if pushed != 1000 {
		t.Errorf("pushed = %d, want 1000", pushed)
	}
	if int64(received)+dropped+int64(q.Len()) != 1000 {
		t.Errorf("received(%d) + dropped(%d) + queued(%d) != 1000", received, dropped, q.Len())
	}
}

func TestClear(t *testing.T) {
	q := New[string]("x", 10, Block)
	for _, s := range []string{"a", "b", "c"} {
		_, _ = q.Push(context.Background(), s)
	}
	if n := q.Clear(); n != 3 {
		t.Errorf("Clear() = %d, want 3", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Clear = %d", q.Len())
	}
	if _, ok := q.TryPop(); ok {
		t.Error("TryPop() after Clear should fail")
	}
}

func TestDropRate_Empty(t *testing.T) {
	q := New[int]("x", 1, DropOldest)
	if q.DropRate() != 0 || q.IsDegraded() {
		t.Error("empty queue should report zero drop rate")
	}
}
