package lease

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmptyGroup indicates a group acquire without members.
var ErrEmptyGroup = errors.New("lease: group has no members")

func newUUIDv7() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// AcquireGroup claims every entity in entityIDs for one drag, or none of them. Members are
// checked before anything is written; if any is freshly held by another user the call
// returns false with no side effects. Another session of the same user counts as another
// holder. Granted members are ordinary drag leases that share
// a group id and acquiredAt. The check and the writes are not one atomic step, so a peer
// can still win a member in between.
//
// A failed write does not stop the remaining members from being written and nothing is
// rolled back. The call then reports false with the joined errors; members that were
// written stay locked until they are released or go stale.
func (p *Protocol) AcquireGroup(ctx context.Context, entityIDs []string, positions map[string]Point) (bool, error) {
	members := uniqueMembers(entityIDs)
	if len(members) == 0 {
		return false, ErrEmptyGroup
	}
	for _, entityID := range members {
		if err := ValidateEntityID(entityID); err != nil {
			return false, err
		}
	}

	for _, entityID := range members {
		existing, found, err := p.readLease(ctx, p.namespace.Path(ClassTransform, entityID))
		if err != nil {
			return false, err
		}
		if found && p.blockedBy(existing) {
			p.logger.Debug("group acquire denied",
				zap.String("entity_id", entityID),
				zap.String("held_by", existing.Holder.UserID))
			return false, nil
		}
	}

	groupID, err := p.newGroupID()
	if err != nil {
		return false, fmt.Errorf("lease: group id: %w", err)
	}
	now := p.clock.Now()
	var errs []error
	for _, entityID := range members {
		lease := Lease{
			EntityID:      entityID,
			Holder:        p.holder,
			SessionID:     p.sessionID,
			Kind:          KindDrag,
			GroupID:       groupID,
			AcquiredAt:    now,
			LastRenewedAt: now,
			Payload:       DragPayload{Position: positions[entityID]},
		}
		path := p.namespace.Path(ClassTransform, entityID)
		unlock := p.lockPath(path)
		err := p.writeLease(ctx, path, lease)
		unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("acquire %s: %w", entityID, err))
		}
	}
	if len(errs) > 0 {
		p.logger.Warn("group acquire partially failed",
			zap.String("group_id", groupID),
			zap.Int("failed", len(errs)),
			zap.Int("members", len(members)))
		return false, errors.Join(errs...)
	}
	return true, nil
}

// UpdateGroup pushes new positions for group members through the drag throttle. Positions
// from calls inside one window are merged per member, latest wins, so a member missing
// from the final call still gets its last position. Only members named in some call are
// renewed.
func (p *Protocol) UpdateGroup(positions map[string]Point) {
	if len(positions) == 0 {
		return
	}
	p.mu.Lock()
	for entityID, position := range positions {
		p.groupPositions[entityID] = position
	}
	p.mu.Unlock()
	p.groupUpdates.Call(struct{}{})
}

// ReleaseGroup releases every member. A failing member does not stop the others; the
// failures are returned joined.
func (p *Protocol) ReleaseGroup(ctx context.Context, entityIDs []string) error {
	p.groupUpdates.Cancel()
	members := uniqueMembers(entityIDs)
	p.mu.Lock()
	for _, entityID := range members {
		delete(p.groupPositions, entityID)
	}
	p.mu.Unlock()
	return p.releaseMembers(ctx, members)
}

func (p *Protocol) releaseMembers(ctx context.Context, entityIDs []string) error {
	var errs []error
	for _, entityID := range entityIDs {
		if err := p.Release(ctx, entityID, KindDrag); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", entityID, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Protocol) applyGroupUpdate(struct{}) {
	p.mu.Lock()
	positions := p.groupPositions
	p.groupPositions = make(map[string]Point, len(positions))
	p.mu.Unlock()

	members := make([]string, 0, len(positions))
	for entityID := range positions {
		members = append(members, entityID)
	}
	slices.Sort(members)
	for _, entityID := range members {
		err := p.Renew(p.ctx, entityID, DragPayload{Position: positions[entityID]})
		bestEffort(p.logger, "lease.update_group", err, zap.String("entity_id", entityID))
	}
}

func uniqueMembers(entityIDs []string) []string {
	seen := make(map[string]struct{}, len(entityIDs))
	members := make([]string, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		if _, ok := seen[entityID]; ok {
			continue
		}
		seen[entityID] = struct{}{}
		members = append(members, entityID)
	}
	return members
}
