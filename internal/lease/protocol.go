package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/store"
	"github.com/andepants/figma-clone-sub001/internal/throttle"
	"go.uber.org/zap"
)

const (
	// TransformRenewInterval bounds drag and resize broadcasts per entity.
	TransformRenewInterval = 50 * time.Millisecond
	// TextRenewInterval bounds live-text broadcasts per entity.
	TextRenewInterval = 100 * time.Millisecond
)

var (
	// ErrNotHeld indicates a renew or heartbeat for a lease this protocol does not hold.
	ErrNotHeld = errors.New("lease: not held")
	// ErrKindMismatch indicates a renewal payload whose kind differs from the held lease.
	ErrKindMismatch = errors.New("lease: payload kind does not match held lease")
)

// Config describes the dependencies of a Protocol.
type Config struct {
	Store    store.Client
	Document string
	Holder   Holder
	// SessionID names the store connection whose disconnect hooks guard the leases.
	// Two sessions of the same user do not share leases. Defaults to a fresh UUIDv7.
	SessionID string
	Clock     *Clock
	Reaper    *Reaper
	Logger    *zap.Logger
	// NewGroupID issues group identifiers; defaults to UUIDv7.
	NewGroupID func() (string, error)
}

type renewal struct {
	kind    Kind
	payload Payload
}

type lockKey struct {
	class    Class
	entityID string
}

// Protocol acquires and maintains the leases of one holder on one store session.
type Protocol struct {
	store      store.Client
	namespace  Namespace
	holder     Holder
	sessionID  string
	clock      *Clock
	reaper     *Reaper
	logger     *zap.Logger
	newGroupID func() (string, error)

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	held map[string]Lease
	// keys serialises acquire, renew and release per lease path so an in-flight renew
	// cannot land after the release that follows it.
	keys map[string]*sync.Mutex

	transformRenewals *throttle.Keyed[lockKey, renewal]
	textRenewals      *throttle.Keyed[lockKey, renewal]
	groupUpdates      *throttle.Throttler[struct{}]
	// groupPositions accumulates UpdateGroup positions until the throttle drains them.
	groupPositions map[string]Point
}

// NewProtocol validates cfg and constructs a Protocol.
func NewProtocol(cfg Config) (*Protocol, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	namespace, err := NewNamespace(cfg.Document)
	if err != nil {
		return nil, err
	}
	if err := cfg.Holder.validate(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = NewClock(ClockConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reaper := cfg.Reaper
	if reaper == nil {
		reaper, err = NewReaper(cfg.Store, clock, logger)
		if err != nil {
			return nil, err
		}
	}
	newGroupID := cfg.NewGroupID
	if newGroupID == nil {
		newGroupID = newUUIDv7
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		if sessionID, err = newUUIDv7(); err != nil {
			return nil, fmt.Errorf("lease: session id: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	protocol := &Protocol{
		store:      cfg.Store,
		namespace:  namespace,
		holder:     cfg.Holder,
		sessionID:  sessionID,
		clock:      clock,
		reaper:     reaper,
		logger:     logger.With(zap.String("document_id", namespace.DocumentID()), zap.String("holder_user_id", cfg.Holder.UserID), zap.String("session_id", sessionID)),
		newGroupID: newGroupID,
		ctx:        ctx,
		cancel:     cancel,
		held:       make(map[string]Lease),
		keys:       make(map[string]*sync.Mutex),

		groupPositions: make(map[string]Point),
	}
	protocol.transformRenewals = throttle.NewKeyed(protocol.applyThrottledRenewal, TransformRenewInterval)
	protocol.textRenewals = throttle.NewKeyed(protocol.applyThrottledRenewal, TextRenewInterval)
	protocol.groupUpdates = throttle.New(protocol.applyGroupUpdate, TransformRenewInterval)
	return protocol, nil
}

// Holder returns the identity leases are acquired for.
func (p *Protocol) Holder() Holder {
	return p.holder
}

// SessionID returns the session the protocol's leases are bound to.
func (p *Protocol) SessionID() string {
	return p.sessionID
}

// Namespace returns the lease namespace of the protocol's document.
func (p *Protocol) Namespace() Namespace {
	return p.namespace
}

// Acquire claims entityID for the interaction described by initial. It returns false
// without writing when another session owns a fresh lease in the same class, including
// another session of the same user. Re-acquiring an entity this session already owns
// refreshes both timestamps.
func (p *Protocol) Acquire(ctx context.Context, entityID string, initial Payload) (bool, error) {
	if err := ValidateEntityID(entityID); err != nil {
		return false, err
	}
	if initial == nil {
		return false, ErrMissingPayload
	}
	path := p.namespace.Path(initial.Kind().Class(), entityID)
	unlock := p.lockPath(path)
	defer unlock()

	existing, found, err := p.readLease(ctx, path)
	if err != nil {
		return false, err
	}
	if found && p.blockedBy(existing) {
		return false, nil
	}

	now := p.clock.Now()
	lease := Lease{
		EntityID:      entityID,
		Holder:        p.holder,
		SessionID:     p.sessionID,
		Kind:          initial.Kind(),
		AcquiredAt:    now,
		LastRenewedAt: now,
		Payload:       initial,
	}
	if err := p.writeLease(ctx, path, lease); err != nil {
		return false, err
	}
	return true, nil
}

// Renew overwrites the payload and renewal time of a held lease. AcquiredAt, StartBounds and
// Anchor keep the values written by Acquire. Ownership is not re-checked against the store.
func (p *Protocol) Renew(ctx context.Context, entityID string, payload Payload) error {
	if payload == nil {
		return ErrMissingPayload
	}
	path := p.namespace.Path(payload.Kind().Class(), entityID)
	unlock := p.lockPath(path)
	defer unlock()
	held, ok := p.heldLease(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, entityID)
	}
	if held.Kind != payload.Kind() {
		return fmt.Errorf("%w: held %s, got %s", ErrKindMismatch, held.Kind, payload.Kind())
	}
	held.Payload = mergeRenewal(held.Payload, payload)
	held.LastRenewedAt = p.clock.Now()
	return p.storeRenewal(ctx, path, held)
}

// Heartbeat refreshes the renewal time of a held lease without changing its payload.
func (p *Protocol) Heartbeat(ctx context.Context, entityID string, kind Kind) error {
	path := p.namespace.Path(kind.Class(), entityID)
	unlock := p.lockPath(path)
	defer unlock()
	held, ok := p.heldLease(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHeld, entityID)
	}
	held.LastRenewedAt = p.clock.Now()
	return p.storeRenewal(ctx, path, held)
}

// RenewThrottled pushes payload through the per-entity throttle: 50ms for drag and resize,
// 100ms for text. Failures follow the best-effort policy.
func (p *Protocol) RenewThrottled(entityID string, payload Payload) {
	if payload == nil {
		return
	}
	key := lockKey{class: payload.Kind().Class(), entityID: entityID}
	change := renewal{kind: payload.Kind(), payload: payload}
	if key.class == ClassEdit {
		p.textRenewals.Call(key, change)
		return
	}
	p.transformRenewals.Call(key, change)
}

// HeartbeatBestEffort sends a heartbeat and swallows failures.
func (p *Protocol) HeartbeatBestEffort(entityID string, kind Kind) {
	err := p.Heartbeat(p.ctx, entityID, kind)
	bestEffort(p.logger, "lease.heartbeat", err, zap.String("entity_id", entityID))
}

// Release disarms the disconnect hook and deletes the lease. Callers persist committed
// geometry first so peers never see the lock disappear before the final position.
func (p *Protocol) Release(ctx context.Context, entityID string, kind Kind) error {
	if err := ValidateEntityID(entityID); err != nil {
		return err
	}
	class := kind.Class()
	p.forgetRenewals(lockKey{class: class, entityID: entityID})
	path := p.namespace.Path(class, entityID)
	unlock := p.lockPath(path)
	defer unlock()

	_, wasHeld := p.heldLease(path)
	p.dropHeld(path)

	cancelErr := p.store.OnDisconnect(path).Cancel(ctx)
	if !wasHeld {
		existing, found, err := p.readLease(ctx, path)
		if err != nil {
			return errors.Join(cancelErr, err)
		}
		if found && p.blockedBy(existing) {
			return cancelErr
		}
	}
	return errors.Join(cancelErr, p.store.Delete(ctx, path))
}

// CheckLock returns the fresh lease another session owns on entityID in kind's class. The
// caller's own lease reads as unlocked, and a stale lease is pruned and reads as unlocked.
func (p *Protocol) CheckLock(ctx context.Context, entityID string, kind Kind) (*Lease, error) {
	if err := ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	path := p.namespace.Path(kind.Class(), entityID)
	existing, found, err := p.readLease(ctx, path)
	if err != nil || !found {
		return nil, err
	}
	if p.reaper.Prune(ctx, path, existing) || p.clock.IsStale(existing) {
		return nil, nil
	}
	if existing.OwnedBy(p.holder.UserID, p.sessionID) {
		return nil, nil
	}
	return &existing, nil
}

// Held returns the leases this protocol currently holds.
func (p *Protocol) Held() []Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	leases := make([]Lease, 0, len(p.held))
	for _, lease := range p.held {
		leases = append(leases, lease)
	}
	return leases
}

// Close stops pending throttled updates. Held leases are left to the disconnect hooks.
func (p *Protocol) Close() {
	p.transformRenewals.Stop()
	p.textRenewals.Stop()
	p.groupUpdates.Stop()
	p.cancel()
}

func (p *Protocol) applyThrottledRenewal(key lockKey, change renewal) {
	err := p.Renew(p.ctx, key.entityID, change.payload)
	bestEffort(p.logger, "lease.renew", err,
		zap.String("entity_id", key.entityID),
		zap.String("kind", string(change.kind)))
}

func (p *Protocol) forgetRenewals(key lockKey) {
	if key.class == ClassEdit {
		p.textRenewals.Forget(key)
		return
	}
	p.transformRenewals.Forget(key)
}

// writeLease arms exactly one disconnect hook for path, then writes the lease. Any hook a
// previous acquire left on the key is cancelled first so hooks never stack.
func (p *Protocol) writeLease(ctx context.Context, path string, lease Lease) error {
	encoded, err := Encode(lease)
	if err != nil {
		return err
	}
	hook := p.store.OnDisconnect(path)
	if err := hook.Cancel(ctx); err != nil {
		return err
	}
	if err := hook.Remove(ctx); err != nil {
		return err
	}
	if err := p.store.Write(ctx, path, encoded); err != nil {
		if cancelErr := hook.Cancel(ctx); cancelErr != nil {
			p.logger.Warn("failed to disarm disconnect hook after write failure",
				zap.String("path", path), zap.Error(cancelErr))
		}
		return err
	}
	p.mu.Lock()
	p.held[path] = lease
	p.mu.Unlock()
	return nil
}

// storeRenewal must run under lockPath(path); Release cannot interleave with the write.
func (p *Protocol) storeRenewal(ctx context.Context, path string, lease Lease) error {
	encoded, err := Encode(lease)
	if err != nil {
		return err
	}
	if err := p.store.Write(ctx, path, encoded); err != nil {
		return err
	}
	p.mu.Lock()
	p.held[path] = lease
	p.mu.Unlock()
	return nil
}

// lockPath takes the per-path mutex and returns its unlock.
func (p *Protocol) lockPath(path string) func() {
	p.mu.Lock()
	key, ok := p.keys[path]
	if !ok {
		key = &sync.Mutex{}
		p.keys[path] = key
	}
	p.mu.Unlock()
	key.Lock()
	return key.Unlock
}

// blockedBy reports whether existing keeps this session from taking the key.
func (p *Protocol) blockedBy(existing Lease) bool {
	return !existing.OwnedBy(p.holder.UserID, p.sessionID) && !p.clock.IsStale(existing)
}

func (p *Protocol) readLease(ctx context.Context, path string) (Lease, bool, error) {
	entry, found, err := p.store.Read(ctx, path)
	if err != nil || !found {
		return Lease{}, false, err
	}
	lease, err := Decode(entry.Value)
	if err != nil {
		p.logger.Warn("ignoring unreadable lease", zap.String("path", path), zap.Error(err))
		return Lease{}, false, nil
	}
	return lease, true, nil
}

func (p *Protocol) heldLease(path string) (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	lease, ok := p.held[path]
	return lease, ok
}

func (p *Protocol) dropHeld(path string) {
	p.mu.Lock()
	delete(p.held, path)
	p.mu.Unlock()
}
