package hierarchy

import "iter"

// Node is an entity placed in the display forest.
type Node struct {
	Entity
	Depth    int     `json:"depth"`
	Children []*Node `json:"children"`
}

// BuildTree groups entities into a forest ordered by OrderIndex. Entities whose parent is
// missing become roots, and members of a cycle are attached at the first one encountered so
// every entity appears exactly once.
func BuildTree(entities []Entity) []*Node {
	known := make(map[string]bool, len(entities))
	for _, entity := range entities {
		known[entity.ID] = true
	}
	byParent := groupByParent(entities)

	var roots []Entity
	for _, entity := range entities {
		if entity.ParentID == "" || !known[entity.ParentID] {
			roots = append(roots, entity)
		}
	}
	sortEntities(roots)

	placed := make(map[string]bool, len(entities))
	forest := make([]*Node, 0, len(roots))
	for _, root := range roots {
		forest = append(forest, buildNode(root, 0, byParent, placed))
	}

	// Whatever is left is only reachable through a parent cycle.
	remaining := make([]Entity, 0)
	for _, entity := range entities {
		if !placed[entity.ID] {
			remaining = append(remaining, entity)
		}
	}
	sortEntities(remaining)
	for _, entity := range remaining {
		if placed[entity.ID] {
			continue
		}
		forest = append(forest, buildNode(entity, 0, byParent, placed))
	}
	return forest
}

func buildNode(entity Entity, depth int, byParent map[string][]Entity, placed map[string]bool) *Node {
	placed[entity.ID] = true
	node := &Node{Entity: entity, Depth: depth, Children: []*Node{}}
	for _, child := range byParent[entity.ID] {
		if placed[child.ID] {
			continue
		}
		node.Children = append(node.Children, buildNode(child, depth+1, byParent, placed))
	}
	return node
}

// Flatten yields nodes in depth-first pre-order. Collapsed nodes are emitted but their
// subtrees are skipped unless includeCollapsedChildren is set. The sequence can be ranged
// over any number of times.
func Flatten(forest []*Node, includeCollapsedChildren bool) iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		walk(forest, includeCollapsedChildren, yield)
	}
}

func walk(nodes []*Node, includeCollapsedChildren bool, yield func(*Node) bool) bool {
	for _, node := range nodes {
		if !yield(node) {
			return false
		}
		if node.IsCollapsed && !includeCollapsedChildren {
			continue
		}
		if !walk(node.Children, includeCollapsedChildren, yield) {
			return false
		}
	}
	return true
}
