package oram

import "fmt"

// PositionMap tracks block-to-leaf assignments.
// For recursive ORAM, this can be implemented as another ORAM instance.
type PositionMap interface {
	// Get returns the leaf position for blockID.
	// Returns (leaf, true) if found, (0, false) if not.
	Get(blockID int) (leaf int, exists bool)

	// Set assigns blockID to leaf.
	Set(blockID int, leaf int) error

	// Size returns the number of blocks with assigned positions.
	Size() int
}

const noPosition = -1

// InMemoryPositionMap implements PositionMap over a fixed arena indexed by
// block ID.
type InMemoryPositionMap struct {
	leaves []int32
	size   int
}

// NewInMemoryPositionMap creates an empty position map for IDs 0..capacity-1.
func NewInMemoryPositionMap(capacity int) *InMemoryPositionMap {
	leaves := make([]int32, capacity)
	for i := range leaves {
		leaves[i] = noPosition
	}
	return &InMemoryPositionMap{leaves: leaves}
}

// Get returns the leaf position for blockID.
func (p *InMemoryPositionMap) Get(blockID int) (int, bool) {
	if blockID < 0 || blockID >= len(p.leaves) || p.leaves[blockID] == noPosition {
		return 0, false
	}
	return int(p.leaves[blockID]), true
}

// Set assigns blockID to leaf.
func (p *InMemoryPositionMap) Set(blockID int, leaf int) error {
	if blockID < 0 || blockID >= len(p.leaves) {
		return fmt.Errorf("%w: position map has no slot for block %d", ErrInvalidConfig, blockID)
	}
	if leaf < 0 {
		return fmt.Errorf("%w: negative leaf %d", ErrInvalidConfig, leaf)
	}
	if p.leaves[blockID] == noPosition {
		p.size++
	}
	p.leaves[blockID] = int32(leaf)
	return nil
}

// Size returns the number of blocks with assigned positions.
func (p *InMemoryPositionMap) Size() int {
	return p.size
}
