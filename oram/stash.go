package oram

// block is a plaintext block held in the stash or on a path being evicted.
type block struct {
	id   int    // Block ID (EmptyBlockID = free entry / dummy)
	leaf int    // Assigned leaf position
	data []byte // Block data, always BlockSize bytes
}

// stash is a fixed-capacity arena of blocks that are not resident on their
// path. Entries with id == EmptyBlockID are free.
//
// The arena grows on demand; size above limit is reported, never resolved by
// dropping blocks.
type stash struct {
	blocks    []block
	blockSize int
	size      int
	limit     int
	max       int
}

func newStash(capacity, limit, blockSize int) *stash {
	s := &stash{blockSize: blockSize, limit: limit}
	s.extend(capacity)
	return s
}

// extend appends n free entries backed by one new arena.
func (s *stash) extend(n int) {
	arena := make([]byte, n*s.blockSize)
	for i := 0; i < n; i++ {
		s.blocks = append(s.blocks, block{
			id:   EmptyBlockID,
			leaf: -1,
			data: arena[i*s.blockSize : (i+1)*s.blockSize : (i+1)*s.blockSize],
		})
	}
}

// reserve grows the arena until n entries are free, never past ceiling
// entries in total. It returns the number of entries added.
func (s *stash) reserve(n, ceiling int) int {
	if s.free() >= n || len(s.blocks) >= ceiling {
		return 0
	}
	want := min(max(2*len(s.blocks), s.size+n), ceiling)
	added := want - len(s.blocks)
	s.extend(added)
	return added
}

// free returns the number of unused entries.
func (s *stash) free() int {
	return len(s.blocks) - s.size
}

// overLimit reports whether the stash has outgrown its configured bound.
func (s *stash) overLimit() bool {
	return s.size > s.limit
}

// add copies a block into the first free entry.
func (s *stash) add(id, leaf int, data []byte) error {
	for i := range s.blocks {
		e := &s.blocks[i]
		if e.id != EmptyBlockID {
			continue
		}
		e.id = id
		e.leaf = leaf
		copy(e.data, data)
		s.size++
		if s.size > s.max {
			s.max = s.size
		}
		return nil
	}
	return ErrStashOverflow
}

// remove frees entry i.
func (s *stash) remove(i int) {
	e := &s.blocks[i]
	if e.id == EmptyBlockID {
		return
	}
	e.id = EmptyBlockID
	e.leaf = -1
	for j := range e.data {
		e.data[j] = 0
	}
	s.size--
}

// find returns the entry holding blockID, or -1.
func (s *stash) find(blockID int) int {
	for i := range s.blocks {
		if s.blocks[i].id == blockID {
			return i
		}
	}
	return -1
}

// reset frees every entry.
func (s *stash) reset() {
	for i := range s.blocks {
		s.remove(i)
	}
	s.size = 0
}
