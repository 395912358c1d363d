package session

import "sync"

// Table holds the live transports of this node keyed by session id.
type Table[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewTable creates an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{items: make(map[string]T)}
}

// Get returns the value stored for id.
func (t *Table[T]) Get(id string) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.items[id]
	return v, ok
}

// Put stores v under id, replacing any previous value.
func (t *Table[T]) Put(id string, v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[id] = v
}

// Delete removes id and returns the value it held.
func (t *Table[T]) Delete(id string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.items[id]
	delete(t.items, id)
	return v, ok
}

// Len returns the number of entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Keys returns a snapshot of the ids in the table.
func (t *Table[T]) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.items))
	for id := range t.items {
		keys = append(keys, id)
	}
	return keys
}
