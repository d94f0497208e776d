package lease

import (
	"context"
	"errors"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/store"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("lease: store client is required")
	errMissingClock = errors.New("lease: clock is required")
)

// Reaper deletes leases whose holder stopped renewing them. It is the single place where
// staleness turns into a delete, whichever read path noticed it.
type Reaper struct {
	store  store.Client
	clock  *Clock
	logger *zap.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(client store.Client, clock *Clock, logger *zap.Logger) (*Reaper, error) {
	if client == nil {
		return nil, errMissingStore
	}
	if clock == nil {
		return nil, errMissingClock
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{store: client, clock: clock, logger: logger}, nil
}

// Clock returns the clock staleness is measured against.
func (r *Reaper) Clock() *Clock {
	return r.clock
}

// Sweep deletes every stale or unreadable lease directly under namespace and returns how
// many it removed. Nothing is written when every lease is fresh.
func (r *Reaper) Sweep(ctx context.Context, namespace string) (int, error) {
	entries, err := r.store.Children(ctx, namespace)
	if err != nil {
		return 0, err
	}
	deletions := make(map[string][]byte)
	for entityID, entry := range entries {
		lease, decodeErr := Decode(entry.Value)
		if decodeErr != nil {
			r.logger.Warn("removing unreadable lease",
				zap.String("namespace", namespace),
				zap.String("entity_id", entityID),
				zap.Error(decodeErr))
			deletions[store.Join(namespace, entityID)] = nil
			continue
		}
		if r.clock.IsStale(lease) {
			deletions[store.Join(namespace, entityID)] = nil
		}
	}
	if len(deletions) == 0 {
		return 0, nil
	}
	if err := r.store.AtomicWrite(ctx, deletions); err != nil {
		return 0, err
	}
	r.logger.Debug("stale leases swept", zap.String("namespace", namespace), zap.Int("count", len(deletions)))
	return len(deletions), nil
}

// Prune deletes the lease at path if it is stale and reports whether it did.
func (r *Reaper) Prune(ctx context.Context, path string, lease Lease) bool {
	if !r.clock.IsStale(lease) {
		return false
	}
	if err := r.store.Delete(ctx, path); err != nil {
		bestEffort(r.logger, "lease.prune", err, zap.String("path", path))
		return false
	}
	return true
}

// Run sweeps namespaces every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration, namespaces ...string) {
	r.RunWith(ctx, interval, func() []string { return namespaces })
}

// RunWith is Run over a namespace set that is re-read before every sweep.
func (r *Reaper) RunWith(ctx context.Context, interval time.Duration, namespaces func() []string) {
	if interval <= 0 || namespaces == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, namespace := range namespaces() {
				if _, err := r.Sweep(ctx, namespace); err != nil && ctx.Err() == nil {
					r.logger.Warn("lease sweep failed", zap.String("namespace", namespace), zap.Error(err))
				}
			}
		}
	}
}
