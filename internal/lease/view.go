package lease

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/andepants/figma-clone-sub001/internal/store"
	"go.uber.org/zap"
)

var errMissingReaper = errors.New("lease: reaper is required")

// Change reports a lease appearing, changing or disappearing in a View. Lease is nil
// when the entity became unlocked.
type Change struct {
	Class    Class
	EntityID string
	Lease    *Lease
	Revision uint64
}

// ViewConfig describes the dependencies of a View.
type ViewConfig struct {
	Store     store.Client
	Namespace Namespace
	Reaper    *Reaper
	Logger    *zap.Logger
	OnChange  func(Change)
}

type viewSlot struct {
	revision uint64
	lease    *Lease
}

// View mirrors the leases of one document for rendering peers' locks.
type View struct {
	store     store.Client
	namespace Namespace
	reaper    *Reaper
	logger    *zap.Logger
	onChange  func(Change)

	mu            sync.Mutex
	slots         map[lockKey]viewSlot
	unsubscribers []func()
}

// NewView sweeps the document's lease namespaces once, subscribes to them and loads the
// current leases. Events older than what the view already saw are ignored.
func NewView(ctx context.Context, cfg ViewConfig) (*View, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Reaper == nil {
		return nil, errMissingReaper
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	view := &View{
		store:     cfg.Store,
		namespace: cfg.Namespace,
		reaper:    cfg.Reaper,
		logger:    logger,
		onChange:  cfg.OnChange,
		slots:     make(map[lockKey]viewSlot),
	}

	for _, class := range []Class{ClassTransform, ClassEdit} {
		root := cfg.Namespace.Root(class)
		if _, err := view.reaper.Sweep(ctx, root); err != nil {
			logger.Warn("initial lease sweep failed", zap.String("namespace", root), zap.Error(err))
		}
		unsubscribe, err := cfg.Store.Subscribe(root, view.handler(class, root))
		if err != nil {
			view.Close()
			return nil, err
		}
		view.unsubscribers = append(view.unsubscribers, unsubscribe)
	}
	for _, class := range []Class{ClassTransform, ClassEdit} {
		entries, err := cfg.Store.Children(ctx, cfg.Namespace.Root(class))
		if err != nil {
			view.Close()
			return nil, err
		}
		for entityID, entry := range entries {
			view.apply(class, entityID, entry.Value, entry.Revision, false)
		}
	}
	return view, nil
}

// Lock returns the fresh lease on entityID in class, if any. A stale lease is pruned.
func (v *View) Lock(ctx context.Context, class Class, entityID string) (*Lease, bool) {
	key := lockKey{class: class, entityID: entityID}
	v.mu.Lock()
	slot, ok := v.slots[key]
	v.mu.Unlock()
	if !ok || slot.lease == nil {
		return nil, false
	}
	if v.reaper.Clock().IsStale(*slot.lease) {
		v.reaper.Prune(ctx, v.namespace.Path(class, entityID), *slot.lease)
		return nil, false
	}
	lease := *slot.lease
	return &lease, true
}

// Leases returns the fresh leases in class ordered by entity id. Stale entries are
// omitted and pruned from the store.
func (v *View) Leases(ctx context.Context, class Class) []Lease {
	v.mu.Lock()
	candidates := make([]Lease, 0, len(v.slots))
	for key, slot := range v.slots {
		if key.class == class && slot.lease != nil {
			candidates = append(candidates, *slot.lease)
		}
	}
	v.mu.Unlock()

	clock := v.reaper.Clock()
	fresh := candidates[:0]
	for _, lease := range candidates {
		if clock.IsStale(lease) {
			v.reaper.Prune(ctx, v.namespace.Path(class, lease.EntityID), lease)
			continue
		}
		fresh = append(fresh, lease)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].EntityID < fresh[j].EntityID })
	return fresh
}

// Close stops observing the store.
func (v *View) Close() {
	v.mu.Lock()
	unsubscribers := v.unsubscribers
	v.unsubscribers = nil
	v.mu.Unlock()
	for _, unsubscribe := range unsubscribers {
		unsubscribe()
	}
}

func (v *View) handler(class Class, root string) store.Handler {
	prefix := root + "/"
	return func(event store.Event) {
		entityID, ok := strings.CutPrefix(event.Path, prefix)
		if !ok || entityID == "" || strings.Contains(entityID, "/") {
			return
		}
		v.apply(class, entityID, event.Value, event.Revision, true)
	}
}

func (v *View) apply(class Class, entityID string, value []byte, revision uint64, notify bool) {
	var current *Lease
	if value != nil {
		decoded, err := Decode(value)
		if err != nil {
			v.logger.Debug("ignoring unreadable lease", zap.String("entity_id", entityID), zap.Error(err))
		} else {
			current = &decoded
		}
	}

	key := lockKey{class: class, entityID: entityID}
	v.mu.Lock()
	if slot, ok := v.slots[key]; ok && slot.revision >= revision {
		v.mu.Unlock()
		return
	}
	v.slots[key] = viewSlot{revision: revision, lease: current}
	v.mu.Unlock()

	if notify && v.onChange != nil {
		v.onChange(Change{Class: class, EntityID: entityID, Lease: current, Revision: revision})
	}
}
