// Package priority provides a keyed priority queue with stable ordering
// among equal priorities.
package priority

import (
	"cmp"
	"container/heap"
	"container/list"
	"errors"
	"math"
	"slices"
)

// Max is the lowest possible rank. Entries enqueued with Max are dequeued last.
const Max int64 = math.MaxInt64

// ErrKeyExists is returned by Enqueue when the key is already present.
var ErrKeyExists = errors.New("priority: key already exists")

// Interface is the set of operations shared by Dictionary and Guarded.
type Interface[K comparable, E any] interface {
	Enqueue(key K, priority int64, element E) error
	TryUpdatePriority(key K, priority int64) bool
	TryDequeue() (K, E, bool)
	TryRemoveByKey(key K) (E, bool)
	Priority(key K) (int64, bool)
	Keys() []K
	Len() int
	Clear()
}

type entry[K comparable, E any] struct {
	key      K
	priority int64
	element  E
	pos      *list.Element
}

// bucket holds the entries of one priority in insertion order. index is its
// position in the ordering heap.
type bucket struct {
	priority int64
	items    *list.List
	index    int
}

// Dictionary maps keys to elements ranked by an int64 priority.
// Lower priorities are dequeued first; equal priorities dequeue in insertion order.
//
// Every operation is O(log P) in the number of distinct priorities P.
// Dictionary is not safe for concurrent use. See Guarded.
type Dictionary[K comparable, E any] struct {
	entries  map[K]*entry[K, E]
	buckets  map[int64]*bucket
	ordering bucketHeap
}

// New creates an empty Dictionary.
func New[K comparable, E any]() *Dictionary[K, E] {
	return &Dictionary[K, E]{
		entries: make(map[K]*entry[K, E]),
		buckets: make(map[int64]*bucket),
	}
}

// Enqueue inserts key with the given priority.
func (d *Dictionary[K, E]) Enqueue(key K, priority int64, element E) error {
	if _, ok := d.entries[key]; ok {
		return ErrKeyExists
	}
	e := &entry[K, E]{key: key, priority: priority, element: element}
	d.insert(e)
	d.entries[key] = e
	return nil
}

// TryUpdatePriority moves key to a new priority. The entry is placed after
// every entry already holding that priority. It returns false when the key
// is absent or the priority is unchanged.
func (d *Dictionary[K, E]) TryUpdatePriority(key K, priority int64) bool {
	e, ok := d.entries[key]
	if !ok || e.priority == priority {
		return false
	}
	d.detach(e)
	e.priority = priority
	d.insert(e)
	return true
}

// TryDequeue removes and returns the entry with the lowest priority.
func (d *Dictionary[K, E]) TryDequeue() (K, E, bool) {
	var (
		zeroK K
		zeroE E
	)
	if len(d.ordering) == 0 {
		return zeroK, zeroE, false
	}
	e := d.ordering[0].items.Front().Value.(*entry[K, E])
	d.detach(e)
	delete(d.entries, e.key)
	return e.key, e.element, true
}

// TryRemoveByKey removes key regardless of its priority.
func (d *Dictionary[K, E]) TryRemoveByKey(key K) (E, bool) {
	e, ok := d.entries[key]
	if !ok {
		var zero E
		return zero, false
	}
	d.detach(e)
	delete(d.entries, key)
	return e.element, true
}

// Priority returns the current priority of key.
func (d *Dictionary[K, E]) Priority(key K) (int64, bool) {
	e, ok := d.entries[key]
	if !ok {
		return 0, false
	}
	return e.priority, true
}

// Keys returns every key in dequeue order.
func (d *Dictionary[K, E]) Keys() []K {
	bs := slices.Clone(d.ordering)
	slices.SortFunc(bs, func(a, b *bucket) int { return cmp.Compare(a.priority, b.priority) })
	keys := make([]K, 0, len(d.entries))
	for _, b := range bs {
		for el := b.items.Front(); el != nil; el = el.Next() {
			keys = append(keys, el.Value.(*entry[K, E]).key)
		}
	}
	return keys
}

// Len returns the number of entries.
func (d *Dictionary[K, E]) Len() int {
	return len(d.entries)
}

// Clear removes every entry.
func (d *Dictionary[K, E]) Clear() {
	d.entries = make(map[K]*entry[K, E])
	d.buckets = make(map[int64]*bucket)
	d.ordering = nil
}

func (d *Dictionary[K, E]) insert(e *entry[K, E]) {
	b, ok := d.buckets[e.priority]
	if !ok {
		b = &bucket{priority: e.priority, items: list.New()}
		d.buckets[e.priority] = b
		heap.Push(&d.ordering, b)
	}
	e.pos = b.items.PushBack(e)
}

// detach unlinks e from its bucket, dropping the bucket once empty.
func (d *Dictionary[K, E]) detach(e *entry[K, E]) {
	b := d.buckets[e.priority]
	b.items.Remove(e.pos)
	e.pos = nil
	if b.items.Len() > 0 {
		return
	}
	delete(d.buckets, e.priority)
	heap.Remove(&d.ordering, b.index)
}

// bucketHeap is a min-heap of the non-empty buckets, keyed by priority.
type bucketHeap []*bucket

func (h bucketHeap) Len() int           { return len(h) }
func (h bucketHeap) Less(i, j int) bool { return h[i].priority < h[j].priority }

func (h bucketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *bucketHeap) Push(x any) {
	b := x.(*bucket)
	b.index = len(*h)
	*h = append(*h, b)
}

func (h *bucketHeap) Pop() any {
	old := *h
	n := len(old)
	b := old[n-1]
	old[n-1] = nil
	b.index = -1
	*h = old[:n-1]
	return b
}
