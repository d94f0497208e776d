package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type disconnectOp struct {
	path   string
	value  []byte
	render func(time.Time) ([]byte, error)
}

// Session is one client connection to a Hub.
type Session struct {
	hub           *Hub
	id            string
	mu            sync.Mutex
	hooks         []disconnectOp
	subscriptions map[int64]struct{}
	closed        bool
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) Read(ctx context.Context, path string) (Entry, bool, error) {
	if s.isClosed() {
		return Entry{}, false, ErrSessionClosed
	}
	return s.hub.read(ctx, path)
}

func (s *Session) Children(ctx context.Context, path string) (map[string]Entry, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.hub.children(ctx, path)
}

func (s *Session) Write(ctx context.Context, path string, value []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	if value == nil {
		value = []byte{}
	}
	return s.hub.apply(ctx, []Mutation{{Path: path, Value: value}})
}

func (s *Session) AtomicWrite(ctx context.Context, values map[string][]byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.hub.apply(ctx, mutationsFromMap(values))
}

func (s *Session) Delete(ctx context.Context, path string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.hub.apply(ctx, []Mutation{{Path: path}})
}

// Subscribe registers handler for path and its descendants until the returned func runs
// or the session closes.
func (s *Session) Subscribe(path string, handler Handler) (func(), error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	id := s.hub.subscriptions.add(path, handler)
	s.subscriptions[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscriptions, id)
			s.mu.Unlock()
			s.hub.subscriptions.remove(id)
		})
	}, nil
}

func (s *Session) OnDisconnect(path string) DisconnectHook {
	return sessionHook{session: s, path: path}
}

// ArmedHooks returns how many disconnect operations are armed on path.
func (s *Session) ArmedHooks(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, hook := range s.hooks {
		if hook.path == path {
			count++
		}
	}
	return count
}

// Close drops the connection: armed disconnect operations run in registration order as one
// batch and every subscription of this session is removed. Stamped operations all see the
// same disconnect time.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hooks := s.hooks
	s.hooks = nil
	subscriptionIDs := make([]int64, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		subscriptionIDs = append(subscriptionIDs, id)
	}
	s.subscriptions = map[int64]struct{}{}
	s.mu.Unlock()

	for _, id := range subscriptionIDs {
		s.hub.subscriptions.remove(id)
	}
	s.hub.forget(s.id)

	at := s.hub.now()
	mutations := make([]Mutation, 0, len(hooks))
	for _, hook := range hooks {
		value := hook.value
		if hook.render != nil {
			rendered, err := hook.render(at)
			if err != nil {
				s.hub.logger.Warn("skipping disconnect operation",
					zap.String("session_id", s.id), zap.String("path", hook.path), zap.Error(err))
				continue
			}
			value = cloneBytes(rendered)
		}
		mutations = append(mutations, Mutation{Path: hook.path, Value: value})
	}
	return s.hub.apply(ctx, mutations)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) arm(op disconnectOp) error {
	if err := validatePath(op.path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	op.value = cloneBytes(op.value)
	s.hooks = append(s.hooks, op)
	return nil
}

func (s *Session) disarm(path string) error {
	if err := validatePath(path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	kept := s.hooks[:0]
	for _, hook := range s.hooks {
		if hook.path != path {
			kept = append(kept, hook)
		}
	}
	s.hooks = kept
	return nil
}

type sessionHook struct {
	session *Session
	path    string
}

func (h sessionHook) Set(_ context.Context, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return h.session.arm(disconnectOp{path: h.path, value: value})
}

func (h sessionHook) SetStamped(_ context.Context, render func(time.Time) ([]byte, error)) error {
	if render == nil {
		return errMissingRender
	}
	return h.session.arm(disconnectOp{path: h.path, render: render})
}

func (h sessionHook) Remove(context.Context) error {
	return h.session.arm(disconnectOp{path: h.path})
}

func (h sessionHook) Cancel(context.Context) error {
	return h.session.disarm(h.path)
}
