package entities

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/andepants/figma-clone-sub001/internal/hierarchy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingActor      = errors.New("actor user id is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "entities.service.new"
	opList          = "entities.list"
	opUpsert        = "entities.upsert"
	opReparent      = "entities.reparent"
	opSetCollapsed  = "entities.set_collapsed"
	opTree          = "entities.tree"
	opPublishChange = "entities.publish"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	// Publisher receives one change event per committed entity; optional.
	Publisher Publisher
	Logger    *zap.Logger
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  Publisher
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// List returns every entity of the document ordered by parent and order index.
func (s *Service) List(ctx context.Context, documentID DocumentID) ([]Entity, error) {
	rows, err := s.load(s.db.WithContext(ctx), documentID)
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("document_id", documentID.String()))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return rows, nil
}

// Upsert registers entities and updates their parent and order. The whole batch is
// rejected before any write when a parent is unknown or the result would contain a cycle.
func (s *Service) Upsert(ctx context.Context, documentID DocumentID, actorUserID string, registrations []Registration) ([]Entity, error) {
	if actorUserID == "" {
		return nil, newServiceError(opUpsert, "missing_actor", errMissingActor)
	}
	var changed []Entity
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.load(tx, documentID)
		if err != nil {
			s.logError(opUpsert, "query_failed", err, zap.String("document_id", documentID.String()))
			return newServiceError(opUpsert, "query_failed", err)
		}
		byID := make(map[string]Entity, len(existing)+len(registrations))
		previousParents := make(map[string]*string, len(registrations))
		for _, entity := range existing {
			byID[entity.EntityID] = entity
		}
		order := make([]string, 0, len(registrations))
		for _, registration := range registrations {
			id := registration.EntityID.String()
			entity, ok := byID[id]
			if !ok {
				entity = Entity{DocumentID: documentID.String(), EntityID: id}
			}
			if _, seen := previousParents[id]; !seen {
				previousParents[id] = entity.ParentID
				order = append(order, id)
			}
			entity.ParentID = optionalParent(registration.ParentID)
			entity.OrderIndex = registration.OrderIndex
			byID[id] = entity
		}

		candidate := make([]hierarchy.Entity, 0, len(byID))
		for _, entity := range byID {
			candidate = append(candidate, entity.Hierarchy())
		}
		for _, id := range order {
			parentID := byID[id].Hierarchy().ParentID
			if parentID == "" {
				continue
			}
			if _, ok := byID[parentID]; !ok {
				return newServiceError(opUpsert, "unknown_parent", fmt.Errorf("%w: %s", ErrUnknownParent, parentID))
			}
			if parentID == id || hierarchy.WouldCreateCycle(candidate, id, parentID) {
				return newServiceError(opUpsert, "cycle", fmt.Errorf("%w: %s under %s", ErrCycle, id, parentID))
			}
		}

		for _, id := range order {
			entity, err := s.save(tx, byID[id], OperationUpsert, actorUserID, previousParents[id])
			if err != nil {
				return newServiceError(opUpsert, "save_failed", err)
			}
			changed = append(changed, entity)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	s.publishAll(ctx, changed, OperationUpsert)
	return changed, nil
}

// Reparent moves entityID under newParentID, or to the root when newParentID is empty.
// Cycles are detected on the resident document before anything is written.
func (s *Service) Reparent(ctx context.Context, documentID DocumentID, actorUserID string, entityID EntityID, newParentID string) (Entity, error) {
	if actorUserID == "" {
		return Entity{}, newServiceError(opReparent, "missing_actor", errMissingActor)
	}
	var updated Entity
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.load(tx, documentID)
		if err != nil {
			s.logError(opReparent, "query_failed", err, zap.String("document_id", documentID.String()))
			return newServiceError(opReparent, "query_failed", err)
		}
		resident := make([]hierarchy.Entity, 0, len(existing))
		for _, entity := range existing {
			resident = append(resident, entity.Hierarchy())
		}
		result := hierarchy.MoveToParent(resident, entityID.String(), newParentID)
		if !result.OK() {
			return moveFailure(result.Failure)
		}
		for _, entity := range existing {
			if entity.EntityID != entityID.String() {
				continue
			}
			previous := entity.ParentID
			entity.ParentID = optionalParent(newParentID)
			saved, err := s.save(tx, entity, OperationReparent, actorUserID, previous)
			if err != nil {
				return newServiceError(opReparent, "save_failed", err)
			}
			updated = saved
		}
		return nil
	})
	if txErr != nil {
		return Entity{}, txErr
	}
	s.publishAll(ctx, []Entity{updated}, OperationReparent)
	return updated, nil
}

// SetCollapsed records whether entityID's children are hidden in the layers panel.
func (s *Service) SetCollapsed(ctx context.Context, documentID DocumentID, actorUserID string, entityID EntityID, collapsed bool) (Entity, error) {
	if actorUserID == "" {
		return Entity{}, newServiceError(opSetCollapsed, "missing_actor", errMissingActor)
	}
	var updated Entity
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entity Entity
		err := tx.Where("document_id = ? AND entity_id = ?", documentID.String(), entityID.String()).Take(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSetCollapsed, "unknown_entity", fmt.Errorf("%w: %s", ErrUnknownEntity, entityID))
		}
		if err != nil {
			s.logError(opSetCollapsed, "query_failed", err,
				zap.String("document_id", documentID.String()),
				zap.String("entity_id", entityID.String()))
			return newServiceError(opSetCollapsed, "query_failed", err)
		}
		entity.IsCollapsed = collapsed
		saved, err := s.save(tx, entity, OperationCollapse, actorUserID, entity.ParentID)
		if err != nil {
			return newServiceError(opSetCollapsed, "save_failed", err)
		}
		updated = saved
		return nil
	})
	if txErr != nil {
		return Entity{}, txErr
	}
	s.publishAll(ctx, []Entity{updated}, OperationCollapse)
	return updated, nil
}

// Tree returns the layers panel rows of the document in display order. Children of
// collapsed entities are included only when includeCollapsed is set.
func (s *Service) Tree(ctx context.Context, documentID DocumentID, includeCollapsed bool) ([]Row, error) {
	existing, err := s.load(s.db.WithContext(ctx), documentID)
	if err != nil {
		s.logError(opTree, "query_failed", err, zap.String("document_id", documentID.String()))
		return nil, newServiceError(opTree, "query_failed", err)
	}
	resident := make([]hierarchy.Entity, 0, len(existing))
	for _, entity := range existing {
		resident = append(resident, entity.Hierarchy())
	}
	index := hierarchy.NewChildIndex(resident)
	rows := make([]Row, 0, len(resident))
	for node := range hierarchy.Flatten(hierarchy.BuildTree(resident), includeCollapsed) {
		rows = append(rows, Row{
			EntityID:    node.ID,
			ParentID:    node.ParentID,
			Depth:       node.Depth,
			OrderIndex:  node.OrderIndex,
			IsCollapsed: node.IsCollapsed,
			HasChildren: index.HasChildren(node.ID),
		})
	}
	return rows, nil
}

func (s *Service) load(db *gorm.DB, documentID DocumentID) ([]Entity, error) {
	var rows []Entity
	if err := db.Where("document_id = ?", documentID.String()).Find(&rows).Error; err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		left, right := rows[i].Hierarchy(), rows[j].Hierarchy()
		if left.ParentID != right.ParentID {
			return left.ParentID < right.ParentID
		}
		if left.OrderIndex != right.OrderIndex {
			return left.OrderIndex < right.OrderIndex
		}
		return left.ID < right.ID
	})
	return rows, nil
}

func (s *Service) save(tx *gorm.DB, entity Entity, operation Operation, actorUserID string, previousParent *string) (Entity, error) {
	appliedAt := s.clock().UTC().Unix()
	if entity.Version == 0 {
		entity.Version = 1
	} else {
		entity.Version++
	}
	entity.UpdatedAtSeconds = appliedAt
	if err := tx.Save(&entity).Error; err != nil {
		s.logError(string(operation), "entity_save_failed", err,
			zap.String("document_id", entity.DocumentID),
			zap.String("entity_id", entity.EntityID))
		return Entity{}, err
	}
	changeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(string(operation), "id_generation_failed", err, zap.String("entity_id", entity.EntityID))
		return Entity{}, err
	}
	audit := EntityChange{
		ChangeID:         changeID,
		DocumentID:       entity.DocumentID,
		EntityID:         entity.EntityID,
		ActorUserID:      actorUserID,
		Operation:        operation,
		PreviousParentID: previousParent,
		NewParentID:      entity.ParentID,
		NewVersion:       entity.Version,
		AppliedAtSeconds: appliedAt,
	}
	if err := tx.Create(&audit).Error; err != nil {
		s.logError(string(operation), "audit_insert_failed", err, zap.String("entity_id", entity.EntityID))
		return Entity{}, err
	}
	return entity, nil
}

func moveFailure(failure *hierarchy.Failure) error {
	switch failure.Reason {
	case hierarchy.FailureCycle:
		return newServiceError(opReparent, "cycle", fmt.Errorf("%w: %s under %s", ErrCycle, failure.MovingID, failure.ParentID))
	case hierarchy.FailureUnknownParent:
		return newServiceError(opReparent, "unknown_parent", fmt.Errorf("%w: %s", ErrUnknownParent, failure.ParentID))
	default:
		return newServiceError(opReparent, "unknown_entity", fmt.Errorf("%w: %s", ErrUnknownEntity, failure.MovingID))
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("entities service error", attrs...)
}
