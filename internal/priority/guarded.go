package priority

import "sync"

// Guarded serializes every Dictionary operation behind a single mutex.
type Guarded[K comparable, E any] struct {
	mu   sync.Mutex
	dict *Dictionary[K, E]
}

// NewGuarded creates an empty, concurrency-safe dictionary.
func NewGuarded[K comparable, E any]() *Guarded[K, E] {
	return &Guarded[K, E]{dict: New[K, E]()}
}

// Enqueue inserts key with the given priority.
func (g *Guarded[K, E]) Enqueue(key K, priority int64, element E) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dict.Enqueue(key, priority, element)
}

// TryUpdatePriority moves key to a new priority.
func (g *Guarded[K, E]) TryUpdatePriority(key K, priority int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dict.TryUpdatePriority(key, priority)
}

// TryDequeue removes and returns the entry with the lowest priority.
func (g *Guarded[K, E]) TryDequeue() (K, E, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dict.TryDequeue()
}

// TryRemoveByKey removes key regardless of its priority.
func (g *Guarded[K, E]) TryRemoveByKey(key K) (E, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dict.TryRemoveByKey(key)
}

// Priority returns the current priority of key.
func (g *Guarded[K, E]) Priority(key K) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dict.Priority(key)
}

// Keys returns every key in dequeue order.
func (g *Guarded[K, E]) Keys() []K {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dict.Keys()
}

// Len returns the number of entries.
func (g *Guarded[K, E]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dict.Len()
}

// Clear removes every entry.
func (g *Guarded[K, E]) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dict.Clear()
}

var (
	_ Interface[string, int] = (*Dictionary[string, int])(nil)
	_ Interface[string, int] = (*Guarded[string, int])(nil)
)
