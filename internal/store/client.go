package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionClosed is returned by every operation on a session after Close.
	ErrSessionClosed = errors.New("store: session closed")

	errMissingRender = errors.New("store: stamped hook needs a render func")
)

// Entry is a stored value with the revision that last wrote it.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Event describes one committed change. Value is nil when the key was deleted.
type Event struct {
	Path     string
	Value    []byte
	Revision uint64
}

// Deleted reports whether the event removed the key.
func (e Event) Deleted() bool {
	return e.Value == nil
}

// Handler receives change events for a subscription.
type Handler func(Event)

// DisconnectHook arms operations the store runs when the registering connection drops.
type DisconnectHook interface {
	Set(ctx context.Context, value []byte) error
	// SetStamped arms a write whose value render builds from the disconnect time, the
	// way a server timestamp is resolved by the store rather than the client. A nil
	// result deletes the key.
	SetStamped(ctx context.Context, render func(at time.Time) ([]byte, error)) error
	Remove(ctx context.Context) error
	Cancel(ctx context.Context) error
}

// Client is the contract the coordination layer consumes from the shared store.
type Client interface {
	Read(ctx context.Context, path string) (Entry, bool, error)
	Children(ctx context.Context, path string) (map[string]Entry, error)
	Write(ctx context.Context, path string, value []byte) error
	// AtomicWrite applies every mutation or none. A nil value deletes the key.
	AtomicWrite(ctx context.Context, values map[string][]byte) error
	Delete(ctx context.Context, path string) error
	Subscribe(path string, handler Handler) (func(), error)
	OnDisconnect(path string) DisconnectHook
}
