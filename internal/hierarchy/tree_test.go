package hierarchy

import (
	"slices"
	"testing"
)

func flattenIDs(forest []*Node, includeCollapsed bool) []string {
	var ids []string
	for node := range Flatten(forest, includeCollapsed) {
		ids = append(ids, node.ID)
	}
	return ids
}

func TestBuildTreeAnnotatesDepthAndOrder(t *testing.T) {
	forest := BuildTree([]Entity{
		{ID: "root-b", OrderIndex: 2},
		{ID: "root-a", OrderIndex: 1},
		{ID: "child-2", ParentID: "root-a", OrderIndex: 9},
		{ID: "child-1", ParentID: "root-a", OrderIndex: 3},
		{ID: "grandchild", ParentID: "child-1"},
	})

	if len(forest) != 2 || forest[0].ID != "root-a" {
		t.Fatalf("unexpected roots: %+v", forest)
	}
	rootA := forest[0]
	if rootA.Depth != 0 || len(rootA.Children) != 2 {
		t.Fatalf("unexpected root node: %+v", rootA)
	}
	if rootA.Children[0].ID != "child-1" || rootA.Children[0].Depth != 1 {
		t.Fatalf("unexpected first child: %+v", rootA.Children[0])
	}
	if rootA.Children[0].Children[0].Depth != 2 {
		t.Fatalf("expected grandchild depth 2")
	}
}

func TestBuildTreePromotesOrphansAndBreaksCycles(t *testing.T) {
	forest := BuildTree([]Entity{
		{ID: "orphan", ParentID: "deleted"},
		{ID: "A", ParentID: "B"},
		{ID: "B", ParentID: "A"},
	})

	ids := flattenIDs(forest, true)
	if len(ids) != 3 {
		t.Fatalf("expected every entity exactly once, got %v", ids)
	}
	if forest[0].ID != "orphan" {
		t.Fatalf("expected orphan promoted to root, got %s", forest[0].ID)
	}
}

func TestFlattenSkipsCollapsedSubtrees(t *testing.T) {
	forest := BuildTree([]Entity{
		{ID: "Root", IsCollapsed: true},
		{ID: "Child", ParentID: "Root"},
	})

	if ids := flattenIDs(forest, false); !slices.Equal(ids, []string{"Root"}) {
		t.Fatalf("expected collapsed subtree to be hidden, got %v", ids)
	}
	if ids := flattenIDs(forest, true); !slices.Equal(ids, []string{"Root", "Child"}) {
		t.Fatalf("expected collapsed subtree to be included, got %v", ids)
	}
}

func TestFlattenIsPreOrderAndRestartable(t *testing.T) {
	forest := BuildTree([]Entity{
		{ID: "A", OrderIndex: 0},
		{ID: "A1", ParentID: "A", OrderIndex: 0},
		{ID: "A2", ParentID: "A", OrderIndex: 1},
		{ID: "A1a", ParentID: "A1"},
		{ID: "B", OrderIndex: 1},
	})
	sequence := Flatten(forest, false)
	expected := []string{"A", "A1", "A1a", "A2", "B"}

	for pass := 0; pass < 2; pass++ {
		var ids []string
		for node := range sequence {
			ids = append(ids, node.ID)
		}
		if !slices.Equal(ids, expected) {
			t.Fatalf("pass %d: unexpected order %v", pass, ids)
		}
	}
}

func TestFlattenStopsEarly(t *testing.T) {
	forest := BuildTree([]Entity{{ID: "A"}, {ID: "A1", ParentID: "A"}, {ID: "B", OrderIndex: 1}})

	var visited []string
	for node := range Flatten(forest, true) {
		visited = append(visited, node.ID)
		if node.ID == "A1" {
			break
		}
	}
	if !slices.Equal(visited, []string{"A", "A1"}) {
		t.Fatalf("unexpected early-stop traversal: %v", visited)
	}
}
