package hierarchy

// FailureReason classifies a rejected re-parent.
type FailureReason string

const (
	// FailureCycle means the move would make the entity its own ancestor.
	FailureCycle FailureReason = "cycle"
	// FailureUnknownEntity means the moving entity is not in the collection.
	FailureUnknownEntity FailureReason = "unknown_entity"
	// FailureUnknownParent means the requested parent is not in the collection.
	FailureUnknownParent FailureReason = "unknown_parent"
)

// Failure is the marker MoveToParent returns instead of an updated collection.
type Failure struct {
	Reason   FailureReason
	MovingID string
	ParentID string
}

// MoveResult holds either the updated collection or a Failure.
type MoveResult struct {
	Entities []Entity
	Failure  *Failure
}

// OK reports whether the move was applied.
func (r MoveResult) OK() bool {
	return r.Failure == nil
}

// MoveToParent returns a copy of entities with movingID re-parented under newParentID.
// An empty newParentID detaches the entity to the root. The input slice is never modified.
func MoveToParent(entities []Entity, movingID, newParentID string) MoveResult {
	movingIndex := -1
	parentFound := newParentID == ""
	for index, entity := range entities {
		if entity.ID == movingID {
			movingIndex = index
		}
		if entity.ID == newParentID {
			parentFound = true
		}
	}
	if movingIndex < 0 {
		return failed(FailureUnknownEntity, movingID, newParentID)
	}
	if !parentFound {
		return failed(FailureUnknownParent, movingID, newParentID)
	}
	if WouldCreateCycle(entities, movingID, newParentID) {
		return failed(FailureCycle, movingID, newParentID)
	}

	updated := make([]Entity, len(entities))
	copy(updated, entities)
	updated[movingIndex].ParentID = newParentID
	return MoveResult{Entities: updated}
}

func failed(reason FailureReason, movingID, parentID string) MoveResult {
	return MoveResult{Failure: &Failure{Reason: reason, MovingID: movingID, ParentID: parentID}}
}
