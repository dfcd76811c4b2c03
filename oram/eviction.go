package oram

// evict moves blocks from the stash into the plaintext path buffer using the
// configured strategy. The caller writes the whole buffer back afterwards.
func (o *ORAM) evict(path []int) {
	switch {
	case o.cfg.ConstantTime:
		o.evictConstantTime(path)
	case o.cfg.EvictionStrategy == EvictGreedyByDepth:
		o.evictGreedyByDepth(path)
	default:
		o.evictLevelByLevel(path)
	}
}

// moveToPath places stash entry i into path slot (level, slot).
func (o *ORAM) moveToPath(i, level, slot int) {
	src := &o.stash.blocks[i]
	dst := &o.pathBlocks[level][slot]
	dst.id = src.id
	dst.leaf = src.leaf
	copy(dst.data, src.data)
	o.stash.remove(i)
}

// evictLevelByLevel fills path slots from leaf to root.
func (o *ORAM) evictLevelByLevel(path []int) {
	for level := 0; level < len(path); level++ {
		bucket := o.pathBlocks[level]

		// Find blocks in stash that can go to this bucket
		for slot := range bucket {
			if bucket[slot].id != EmptyBlockID {
				continue // slot occupied
			}
			for i := range o.stash.blocks {
				b := &o.stash.blocks[i]
				if b.id != EmptyBlockID && o.canPlaceAtLevel(b.leaf, path, level) {
					o.moveToPath(i, level, slot)
					break
				}
			}
		}
	}
}

// evictGreedyByDepth places each stash block at its deepest possible level.
// This minimizes stash pressure by keeping blocks as close to leaves as possible.
func (o *ORAM) evictGreedyByDepth(path []int) {
	for i := range o.stash.blocks {
		b := &o.stash.blocks[i]
		if b.id == EmptyBlockID {
			continue
		}
		placed := false

		// Try deepest level first (leaf = path[0], root = path[len-1])
		for level := 0; level < len(path) && !placed; level++ {
			if !o.canPlaceAtLevel(b.leaf, path, level) {
				continue
			}
			for slot := range o.pathBlocks[level] {
				if o.pathBlocks[level][slot].id == EmptyBlockID {
					o.moveToPath(i, level, slot)
					placed = true
					break
				}
			}
		}
	}
}
