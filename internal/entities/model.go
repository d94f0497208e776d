package entities

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andepants/figma-clone-sub001/internal/hierarchy"
)

// Operation enumerates the recorded entity changes.
type Operation string

const (
	// OperationUpsert registers an entity or updates its order.
	OperationUpsert Operation = "upsert"
	// OperationReparent moves an entity under another parent or to the root.
	OperationReparent Operation = "reparent"
	// OperationCollapse toggles whether an entity's children are shown.
	OperationCollapse Operation = "collapse"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("entities: invalid document id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("entities: invalid entity id")
	// ErrCycle indicates a re-parent that would make an entity its own ancestor.
	ErrCycle = errors.New("entities: move would create a cycle")
	// ErrUnknownEntity indicates an operation on an entity that is not registered.
	ErrUnknownEntity = errors.New("entities: unknown entity")
	// ErrUnknownParent indicates a parent id that is not registered in the document.
	ErrUnknownParent = errors.New("entities: unknown parent")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	value, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDocumentID, err)
	}
	return DocumentID(value), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// EntityID represents a validated entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	value, err := validateIdentifier(rawInput)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEntityID, err)
	}
	return EntityID(value), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

func validateIdentifier(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", errors.New("empty")
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("exceeds %d characters", maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", errors.New("contains path separator")
	}
	return trimmed, nil
}

// Entity persists the coordination fields of one canvas object.
type Entity struct {
	DocumentID       string  `gorm:"column:document_id;primaryKey;size:190;not null;index:idx_entities_document_parent,priority:1"`
	EntityID         string  `gorm:"column:entity_id;primaryKey;size:190;not null"`
	ParentID         *string `gorm:"column:parent_id;size:190;index:idx_entities_document_parent,priority:2"`
	OrderIndex       int     `gorm:"column:order_index;not null;default:0"`
	IsCollapsed      bool    `gorm:"column:is_collapsed;not null;default:false"`
	Version          int64   `gorm:"column:version;not null;default:1"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entity) TableName() string {
	return "entities"
}

// Hierarchy converts the persisted row into the pure hierarchy representation.
func (e Entity) Hierarchy() hierarchy.Entity {
	parentID := ""
	if e.ParentID != nil {
		parentID = *e.ParentID
	}
	return hierarchy.Entity{
		ID:          e.EntityID,
		ParentID:    parentID,
		OrderIndex:  e.OrderIndex,
		IsCollapsed: e.IsCollapsed,
	}
}

// EntityChange is the append-only audit trail of entity modifications.
type EntityChange struct {
	ChangeID         string    `gorm:"column:change_id;primaryKey;size:190;not null"`
	DocumentID       string    `gorm:"column:document_id;not null;index:idx_entity_changes_document_time,priority:1"`
	EntityID         string    `gorm:"column:entity_id;not null"`
	ActorUserID      string    `gorm:"column:actor_user_id;size:190;not null"`
	Operation        Operation `gorm:"column:op;not null"`
	PreviousParentID *string   `gorm:"column:prev_parent_id"`
	NewParentID      *string   `gorm:"column:new_parent_id"`
	NewVersion       int64     `gorm:"column:new_version;not null"`
	AppliedAtSeconds int64     `gorm:"column:applied_at_s;not null;index:idx_entity_changes_document_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EntityChange) TableName() string {
	return "entity_changes"
}

// Registration describes one entity a collaborator adds or re-orders.
type Registration struct {
	EntityID   EntityID
	ParentID   string
	OrderIndex int
}

// Row is one line of the layers panel.
type Row struct {
	EntityID    string `json:"entityId"`
	ParentID    string `json:"parentId,omitempty"`
	Depth       int    `json:"depth"`
	OrderIndex  int    `json:"orderIndex"`
	IsCollapsed bool   `json:"isCollapsed"`
	HasChildren bool   `json:"hasChildren"`
}

func optionalParent(parentID string) *string {
	if parentID == "" {
		return nil
	}
	value := parentID
	return &value
}
