package terrain

import (
	"sort"
	"testing"
)

func TestParentChildrenRoundTrip(t *testing.T) {
	coords := []TileCoordinate{
		{X: 0, Y: 0, Level: 0, DatasetID: "alps"},
		{X: 5, Y: 3, Level: 0, DatasetID: "alps"},
		{X: -4, Y: 7, Level: 2, DatasetID: "alps"},
		{X: -1, Y: -1, Level: 0, DatasetID: "alps"},
		{X: -7, Y: -3, Level: 1, DatasetID: "alps"},
		{X: 13, Y: -9, Level: 3, DatasetID: "andes"},
	}
	for _, c := range coords {
		parent := c.Parent()
		if parent.Level != c.Level+1 {
			t.Errorf("%v parent level = %d, want %d", c, parent.Level, c.Level+1)
		}
		found := false
		for _, child := range parent.Children() {
			if child == c {
				found = true
			}
		}
		if !found {
			t.Errorf("%v not among its parent's children %v", c, parent.Children())
		}
	}
}

func TestChildrenAtLevelZero(t *testing.T) {
	c := TileCoordinate{X: 1, Y: 1, Level: 0, DatasetID: "alps"}
	if children := c.Children(); children != nil {
		t.Errorf("level-0 children = %v, want nil", children)
	}
}

func TestChildrenCoverDistinctQuadrants(t *testing.T) {
	c := TileCoordinate{X: 3, Y: 2, Level: 1, DatasetID: "alps"}
	children := c.Children()
	if len(children) != 4 {
		t.Fatalf("children = %d, want 4", len(children))
	}
	seen := make(map[TileCoordinate]bool)
	for _, child := range children {
		if child.Level != 0 {
			t.Errorf("child level = %d, want 0", child.Level)
		}
		if seen[child] {
			t.Errorf("duplicate child %v", child)
		}
		seen[child] = true
	}
}

func TestNeighbors(t *testing.T) {
	c := TileCoordinate{X: 0, Y: 0, Level: 1, DatasetID: "alps"}
	neighbors := c.Neighbors()
	if len(neighbors) != 8 {
		t.Fatalf("neighbors = %d, want 8", len(neighbors))
	}
	for _, n := range neighbors {
		if n == c {
			t.Error("tile listed as its own neighbor")
		}
		if n.Level != c.Level {
			t.Errorf("neighbor level = %d, want %d", n.Level, c.Level)
		}
	}
}

func TestCoordinateOrdering(t *testing.T) {
	coords := []TileCoordinate{
		{X: 1, Y: 0, Level: 0, DatasetID: "b"},
		{X: 0, Y: 1, Level: 0, DatasetID: "a"},
		{X: 2, Y: 0, Level: 1, DatasetID: "a"},
		{X: 0, Y: 0, Level: 0, DatasetID: "a"},
		{X: 1, Y: 0, Level: 0, DatasetID: "a"},
	}
	sort.Slice(coords, func(i, j int) bool { return coords[i].Less(coords[j]) })

	want := []TileCoordinate{
		{X: 0, Y: 0, Level: 0, DatasetID: "a"},
		{X: 1, Y: 0, Level: 0, DatasetID: "a"},
		{X: 0, Y: 1, Level: 0, DatasetID: "a"},
		{X: 2, Y: 0, Level: 1, DatasetID: "a"},
		{X: 1, Y: 0, Level: 0, DatasetID: "b"},
	}
	for i := range want {
		if coords[i] != want[i] {
			t.Errorf("position %d = %v, want %v", i, coords[i], want[i])
		}
	}
}

func TestCoordinateString(t *testing.T) {
	c := TileCoordinate{X: 3, Y: -2, Level: 1, DatasetID: "alps"}
	if got := c.String(); got != "alps_1_3_-2" {
		t.Errorf("String() = %q, want %q", got, "alps_1_3_-2")
	}
}

func TestBoundsForCoordinate(t *testing.T) {
	c := TileCoordinate{X: 2, Y: 1, Level: 0, DatasetID: "alps"}
	b := BoundsForCoordinate(c)
	if b.Min.X != 2000 || b.Min.Z != 1000 {
		t.Errorf("min = (%f, %f), want (2000, 1000)", b.Min.X, b.Min.Z)
	}
	if b.Max.X != 3000 || b.Max.Z != 2000 {
		t.Errorf("max = (%f, %f), want (3000, 2000)", b.Max.X, b.Max.Z)
	}

	// One level up halves the edge length.
	if got := TileWorldSize(1); got != 500 {
		t.Errorf("TileWorldSize(1) = %f, want 500", got)
	}
}

func TestBoundsIntersectsContains(t *testing.T) {
	a := BoundsForCoordinate(TileCoordinate{X: 0, Y: 0, Level: 0})
	b := BoundsForCoordinate(TileCoordinate{X: 1, Y: 0, Level: 0})
	far := BoundsForCoordinate(TileCoordinate{X: 5, Y: 5, Level: 0})

	if !a.Intersects(b) {
		t.Error("adjacent tiles should touch")
	}
	if a.Intersects(far) {
		t.Error("distant tiles should not intersect")
	}
	if !a.Contains(a.Center()) {
		t.Error("bounds should contain own center")
	}
	if a.Contains(far.Center()) {
		t.Error("bounds should not contain a distant point")
	}
}
