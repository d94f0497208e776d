package store

import (
	"context"
	"sync"
)

// Mutation is one key change inside an atomic batch. A nil Value deletes the key.
type Mutation struct {
	Path     string
	Value    []byte
	Revision uint64
}

// Backend persists store entries. Apply must be all-or-nothing.
type Backend interface {
	Get(ctx context.Context, path string) (Entry, bool, error)
	Scan(ctx context.Context, prefix string) (map[string]Entry, error)
	Apply(ctx context.Context, mutations []Mutation) error
	LatestRevision(ctx context.Context) (uint64, error)
}

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (b *MemoryBackend) Get(_ context.Context, path string) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[path]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (b *MemoryBackend) Scan(_ context.Context, prefix string) (map[string]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := make(map[string]Entry)
	for path, entry := range b.entries {
		if path != prefix && covers(prefix, path) {
			result[path] = cloneEntry(entry)
		}
	}
	return result, nil
}

func (b *MemoryBackend) Apply(_ context.Context, mutations []Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, mutation := range mutations {
		if mutation.Value == nil {
			delete(b.entries, mutation.Path)
			continue
		}
		b.entries[mutation.Path] = Entry{
			Value:    cloneBytes(mutation.Value),
			Revision: mutation.Revision,
		}
	}
	return nil
}

func (b *MemoryBackend) LatestRevision(context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var latest uint64
	for _, entry := range b.entries {
		if entry.Revision > latest {
			latest = entry.Revision
		}
	}
	return latest, nil
}

func cloneEntry(entry Entry) Entry {
	return Entry{Value: cloneBytes(entry.Value), Revision: entry.Revision}
}

// cloneBytes copies value, keeping an empty non-nil slice distinct from a delete.
func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied
}
