// Package terrain implements the streamed tile layer: tile identity and
// bounds, the per-tile state machine, the tile manager with its priority
// and eviction policies, and the background streaming workers.
package terrain

import "fmt"

// TileCoordinate identifies one tile within a dataset's hierarchy.
// Level 0 is the highest detail; each level up covers four tiles of the
// level below. The zero alignment of fields keeps the struct comparable,
// so it serves directly as a map key.
type TileCoordinate struct {
	X         int32
	Y         int32
	Level     uint32
	DatasetID string
}

// Parent returns the coordinate one level coarser that covers this tile.
// The arithmetic shift floors the division so odd negative coordinates
// map into the same parent as their quadrant siblings.
func (c TileCoordinate) Parent() TileCoordinate {
	return TileCoordinate{X: c.X >> 1, Y: c.Y >> 1, Level: c.Level + 1, DatasetID: c.DatasetID}
}

// Children returns the four finer coordinates this tile covers, or nil
// at level 0.
func (c TileCoordinate) Children() []TileCoordinate {
	if c.Level == 0 {
		return nil
	}
	childLevel := c.Level - 1
	return []TileCoordinate{
		{X: c.X * 2, Y: c.Y * 2, Level: childLevel, DatasetID: c.DatasetID},
		{X: c.X*2 + 1, Y: c.Y * 2, Level: childLevel, DatasetID: c.DatasetID},
		{X: c.X * 2, Y: c.Y*2 + 1, Level: childLevel, DatasetID: c.DatasetID},
		{X: c.X*2 + 1, Y: c.Y*2 + 1, Level: childLevel, DatasetID: c.DatasetID},
	}
}

// Neighbors returns the eight same-level coordinates surrounding this tile.
func (c TileCoordinate) Neighbors() []TileCoordinate {
	neighbors := make([]TileCoordinate, 0, 8)
	for dy := int32(-1); dy <= 1; dy++ {
		for dx := int32(-1); dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			neighbors = append(neighbors, TileCoordinate{
				X: c.X + dx, Y: c.Y + dy, Level: c.Level, DatasetID: c.DatasetID,
			})
		}
	}
	return neighbors
}

// Less orders coordinates by (dataset, level, y, x) for deterministic
// iteration.
func (c TileCoordinate) Less(other TileCoordinate) bool {
	if c.DatasetID != other.DatasetID {
		return c.DatasetID < other.DatasetID
	}
	if c.Level != other.Level {
		return c.Level < other.Level
	}
	if c.Y != other.Y {
		return c.Y < other.Y
	}
	return c.X < other.X
}

func (c TileCoordinate) String() string {
	return fmt.Sprintf("%s_%d_%d_%d", c.DatasetID, c.Level, c.X, c.Y)
}
