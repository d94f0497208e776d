package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errMissingBackend = errors.New("store: backend is required")

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	Backend Backend
	Logger  *zap.Logger
	// Clock stamps disconnect operations armed with SetStamped; defaults to time.Now.
	Clock func() time.Time
}

// Hub is the server side of the shared store.
type Hub struct {
	mu            sync.Mutex
	backend       Backend
	revision      uint64
	subscriptions *subscriptionRegistry
	sessionsMu    sync.Mutex
	sessions      map[string]*Session
	logger        *zap.Logger
	now           func() time.Time
}

// NewHub constructs a hub and resumes the revision counter from the backend.
func NewHub(ctx context.Context, cfg HubConfig) (*Hub, error) {
	if cfg.Backend == nil {
		return nil, errMissingBackend
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	latest, err := cfg.Backend.LatestRevision(ctx)
	if err != nil {
		return nil, err
	}
	return &Hub{
		backend:       cfg.Backend,
		revision:      latest,
		subscriptions: newSubscriptionRegistry(logger),
		sessions:      make(map[string]*Session),
		logger:        logger,
		now:           clock,
	}, nil
}

// Connect opens a session. Reusing the id of an open session returns that session.
func (h *Hub) Connect(sessionID string) *Session {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	if existing, ok := h.sessions[sessionID]; ok {
		return existing
	}
	session := &Session{
		hub:           h,
		id:            sessionID,
		subscriptions: make(map[int64]struct{}),
	}
	h.sessions[sessionID] = session
	return session
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	return len(h.sessions)
}

func (h *Hub) forget(sessionID string) {
	h.sessionsMu.Lock()
	delete(h.sessions, sessionID)
	h.sessionsMu.Unlock()
}

func (h *Hub) read(ctx context.Context, path string) (Entry, bool, error) {
	if err := validatePath(path); err != nil {
		return Entry{}, false, err
	}
	return h.backend.Get(ctx, path)
}

func (h *Hub) children(ctx context.Context, path string) (map[string]Entry, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	descendants, err := h.backend.Scan(ctx, path)
	if err != nil {
		return nil, err
	}
	result := make(map[string]Entry, len(descendants))
	for childPath, entry := range descendants {
		if isChild(path, childPath) {
			result[Base(childPath)] = entry
		}
	}
	return result, nil
}

// apply commits mutations in order as one batch and dispatches the resulting events.
func (h *Hub) apply(ctx context.Context, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	for _, mutation := range mutations {
		if err := validatePath(mutation.Path); err != nil {
			return err
		}
	}

	h.mu.Lock()
	base := h.revision
	stamped := make([]Mutation, len(mutations))
	for index, mutation := range mutations {
		stamped[index] = Mutation{
			Path:     mutation.Path,
			Value:    cloneBytes(mutation.Value),
			Revision: base + uint64(index) + 1,
		}
	}
	if err := h.backend.Apply(ctx, stamped); err != nil {
		h.mu.Unlock()
		h.logger.Warn("store apply failed", zap.Int("mutations", len(stamped)), zap.Error(err))
		return err
	}
	h.revision = base + uint64(len(stamped))
	h.mu.Unlock()

	events := make([]Event, 0, len(stamped))
	for _, mutation := range stamped {
		events = append(events, Event{Path: mutation.Path, Value: mutation.Value, Revision: mutation.Revision})
	}
	h.subscriptions.dispatch(events)
	return nil
}

func mutationsFromMap(values map[string][]byte) []Mutation {
	paths := make([]string, 0, len(values))
	for path := range values {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	mutations := make([]Mutation, 0, len(paths))
	for _, path := range paths {
		mutations = append(mutations, Mutation{Path: path, Value: values[path]})
	}
	return mutations
}
