// Package hierarchy models the parent/child forest over canvas entities.
//
// Every function is pure: it takes the resident entity collection and returns new values
// without touching the shared store, so re-parent requests are validated locally before
// anything is written. Walks are guarded by visited sets and terminate even when the input
// is cyclic.
package hierarchy

import "sort"

// Entity carries the coordination fields of one canvas object. An empty ParentID marks a root.
type Entity struct {
	ID          string `json:"id"`
	ParentID    string `json:"parentId,omitempty"`
	OrderIndex  int    `json:"orderIndex"`
	IsCollapsed bool   `json:"isCollapsed"`
}

// Children returns the entities whose parent is id, ordered by OrderIndex.
func Children(entities []Entity, id string) []Entity {
	if id == "" {
		return nil
	}
	var children []Entity
	for _, entity := range entities {
		if entity.ParentID == id {
			children = append(children, entity)
		}
	}
	sortEntities(children)
	return children
}

// AllDescendants returns the transitive children of id in breadth-first order, excluding id.
func AllDescendants(entities []Entity, id string) []Entity {
	byParent := groupByParent(entities)
	visited := map[string]bool{id: true}
	queue := []string{id}
	var descendants []Entity
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range byParent[current] {
			if visited[child.ID] {
				continue
			}
			visited[child.ID] = true
			descendants = append(descendants, child)
			queue = append(queue, child.ID)
		}
	}
	return descendants
}

// AllDescendantIDs returns the identifiers of AllDescendants.
func AllDescendantIDs(entities []Entity, id string) []string {
	descendants := AllDescendants(entities, id)
	ids := make([]string, 0, len(descendants))
	for _, descendant := range descendants {
		ids = append(ids, descendant.ID)
	}
	return ids
}

// WouldCreateCycle reports whether parenting movingID under newParentID would make movingID
// its own ancestor. Detaching to the root never creates a cycle.
func WouldCreateCycle(entities []Entity, movingID, newParentID string) bool {
	if newParentID == "" {
		return false
	}
	if newParentID == movingID {
		return true
	}
	parentOf := make(map[string]string, len(entities))
	for _, entity := range entities {
		parentOf[entity.ID] = entity.ParentID
	}
	visited := make(map[string]bool)
	for current := newParentID; current != ""; current = parentOf[current] {
		if current == movingID {
			return true
		}
		if visited[current] {
			return false
		}
		visited[current] = true
	}
	return false
}

// HasChildren scans the collection for a child of id. Use ChildIndex inside render loops.
func HasChildren(entities []Entity, id string) bool {
	for _, entity := range entities {
		if id != "" && entity.ParentID == id {
			return true
		}
	}
	return false
}

// ChildIndex memoizes child counts for one render pass.
type ChildIndex map[string]int

// NewChildIndex counts the children of every parent in entities.
func NewChildIndex(entities []Entity) ChildIndex {
	index := make(ChildIndex, len(entities))
	for _, entity := range entities {
		if entity.ParentID != "" {
			index[entity.ParentID]++
		}
	}
	return index
}

// HasChildren reports whether id has at least one child.
func (index ChildIndex) HasChildren(id string) bool {
	return index[id] > 0
}

// ChildCount returns the number of direct children of id.
func (index ChildIndex) ChildCount(id string) int {
	return index[id]
}

func groupByParent(entities []Entity) map[string][]Entity {
	byParent := make(map[string][]Entity)
	for _, entity := range entities {
		if entity.ParentID != "" {
			byParent[entity.ParentID] = append(byParent[entity.ParentID], entity)
		}
	}
	for parentID := range byParent {
		sortEntities(byParent[parentID])
	}
	return byParent
}

func sortEntities(entities []Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].OrderIndex != entities[j].OrderIndex {
			return entities[i].OrderIndex < entities[j].OrderIndex
		}
		return entities[i].ID < entities[j].ID
	})
}
