package entities

import (
	"context"
	"encoding/json"

	"github.com/andepants/figma-clone-sub001/internal/store"
	"go.uber.org/zap"
)

// Publisher is the part of the shared store the service announces changes through.
type Publisher interface {
	Write(ctx context.Context, path string, value []byte) error
}

// ChangeEvent is written under documents/{doc}/entities/{id} after each committed change.
type ChangeEvent struct {
	Type        string    `json:"type"`
	Operation   Operation `json:"operation"`
	EntityID    string    `json:"entityId"`
	ParentID    string    `json:"parentId,omitempty"`
	OrderIndex  int       `json:"orderIndex"`
	IsCollapsed bool      `json:"isCollapsed"`
	Version     int64     `json:"version"`
	UpdatedAt   int64     `json:"updatedAt"`
}

// ChangePath returns the store key peers watch for changes to entityID.
func ChangePath(documentID DocumentID, entityID string) string {
	return store.Join("documents", documentID.String(), "entities", entityID)
}

// publishAll announces committed changes. The rows are already durable, so a failed
// publish is logged and peers catch up on their next list.
func (s *Service) publishAll(ctx context.Context, changed []Entity, operation Operation) {
	if s.publisher == nil {
		return
	}
	for _, entity := range changed {
		projected := entity.Hierarchy()
		encoded, err := json.Marshal(ChangeEvent{
			Type:        "entity-change",
			Operation:   operation,
			EntityID:    entity.EntityID,
			ParentID:    projected.ParentID,
			OrderIndex:  entity.OrderIndex,
			IsCollapsed: entity.IsCollapsed,
			Version:     entity.Version,
			UpdatedAt:   entity.UpdatedAtSeconds,
		})
		if err != nil {
			s.logError(opPublishChange, "encode_failed", err, zap.String("entity_id", entity.EntityID))
			continue
		}
		path := ChangePath(DocumentID(entity.DocumentID), entity.EntityID)
		if err := s.publisher.Write(ctx, path, encoded); err != nil {
			s.loggerOrDefault().Warn("entity change not published",
				zap.String("operation", opPublishChange),
				zap.String("path", path),
				zap.Error(err))
		}
	}
}
