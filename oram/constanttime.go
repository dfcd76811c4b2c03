package oram

import "crypto/subtle"

// findConstantTime searches the stash without timing leaks.
// Returns the index of blockID, or -1 if not found.
// Always iterates through the entire arena regardless of match.
func (s *stash) findConstantTime(blockID int) int {
	foundIdx := -1
	for i := range s.blocks {
		match := subtle.ConstantTimeEq(int32(s.blocks[i].id), int32(blockID))
		foundIdx = subtle.ConstantTimeSelect(match, i, foundIdx)
	}
	return foundIdx
}

// readConstantTime copies entry idx into dst, touching every entry.
func (s *stash) readConstantTime(idx int, dst []byte) {
	for i := range s.blocks {
		subtle.ConstantTimeCopy(subtle.ConstantTimeEq(int32(i), int32(idx)), dst, s.blocks[i].data)
	}
}

// writeConstantTime copies src into entry idx, touching every entry.
func (s *stash) writeConstantTime(idx int, src []byte) {
	for i := range s.blocks {
		subtle.ConstantTimeCopy(subtle.ConstantTimeEq(int32(i), int32(idx)), s.blocks[i].data, src)
	}
}

// setLeafConstantTime reassigns the leaf of entry idx, touching every entry.
func (s *stash) setLeafConstantTime(idx, leaf int) {
	for i := range s.blocks {
		match := subtle.ConstantTimeEq(int32(i), int32(idx))
		s.blocks[i].leaf = subtle.ConstantTimeSelect(match, leaf, s.blocks[i].leaf)
	}
}

// canPlaceAtLevelConstantTime returns 1 if a block assigned to leaf may live
// at path[level], 0 otherwise.
func (o *ORAM) canPlaceAtLevelConstantTime(leaf int, path []int, level int) int {
	return subtle.ConstantTimeEq(int32(o.ancestor(leaf, level)), int32(path[level]))
}

// evictConstantTime performs eviction without timing leaks.
// Always processes every stash entry against every slot on the path.
func (o *ORAM) evictConstantTime(path []int) {
	zero := o.zero
	for i := range o.stash.blocks {
		b := &o.stash.blocks[i]
		isReal := 1 ^ subtle.ConstantTimeEq(int32(b.id), int32(EmptyBlockID))
		placed := 0

		// deepest level first
		for level := 0; level < len(path); level++ {
			canPlace := o.canPlaceAtLevelConstantTime(b.leaf, path, level)

			for slot := range o.pathBlocks[level] {
				dst := &o.pathBlocks[level][slot]
				isEmpty := subtle.ConstantTimeEq(int32(dst.id), int32(EmptyBlockID))
				shouldPlace := isReal & canPlace & isEmpty & (1 ^ placed)

				dst.id = subtle.ConstantTimeSelect(shouldPlace, b.id, dst.id)
				dst.leaf = subtle.ConstantTimeSelect(shouldPlace, b.leaf, dst.leaf)
				subtle.ConstantTimeCopy(shouldPlace, dst.data, b.data)
				placed |= shouldPlace
			}
		}

		// placed blocks leave the stash
		b.id = subtle.ConstantTimeSelect(placed, EmptyBlockID, b.id)
		b.leaf = subtle.ConstantTimeSelect(placed, -1, b.leaf)
		subtle.ConstantTimeCopy(placed, b.data, zero)
		o.stash.size -= placed
	}
}
