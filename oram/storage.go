package oram

import (
	"fmt"
)

// Storage provides slot-level access to the ORAM tree structure.
// Every slot holds one sealed block; the storage never sees plaintext and
// cannot tell real blocks from dummies.
type Storage interface {
	// ReadBucket returns all sealed blocks in the bucket at the given index.
	ReadBucket(idx int) ([]Block, error)

	// WriteBucket writes all sealed blocks to the bucket at the given index.
	WriteBucket(idx int, blocks []Block) error

	// NumBuckets returns the total number of buckets in storage.
	NumBuckets() int

	// BucketSize returns the number of block slots per bucket.
	BucketSize() int

	// SlotSize returns the size of each sealed slot in bytes.
	SlotSize() int

	// Release drops all storage. Later calls fail with ErrReleased.
	Release() error
}

// Block is a single sealed slot in storage.
type Block struct {
	Data []byte
}

// InMemoryStorage implements Storage over one contiguous arena.
// Slot (bucket b, index i) lives at arena[(b*bucketSize+i)*slotSize:].
type InMemoryStorage struct {
	arena      []byte
	numBuckets int
	bucketSize int
	slotSize   int
	locked     bool
}

// NewInMemoryStorage creates zeroed in-memory storage with the given dimensions.
// The ORAM formats every slot with a sealed dummy before first use.
func NewInMemoryStorage(numBuckets, bucketSize, slotSize int) *InMemoryStorage {
	return &InMemoryStorage{
		arena:      make([]byte, numBuckets*bucketSize*slotSize),
		numBuckets: numBuckets,
		bucketSize: bucketSize,
		slotSize:   slotSize,
	}
}

// Lock pins the arena in physical memory so it is never paged out to the host.
func (s *InMemoryStorage) Lock() error {
	if s.locked || len(s.arena) == 0 {
		return nil
	}
	if err := lockMemory(s.arena); err != nil {
		return fmt.Errorf("lock bucket arena: %w", err)
	}
	s.locked = true
	return nil
}

func (s *InMemoryStorage) bucketBounds(idx int) (int, int, error) {
	if s.arena == nil {
		return 0, 0, ErrReleased
	}
	if idx < 0 || idx >= s.numBuckets {
		return 0, 0, fmt.Errorf("%w: bucket %d out of range", ErrInvalidConfig, idx)
	}
	start := idx * s.bucketSize * s.slotSize
	return start, start + s.bucketSize*s.slotSize, nil
}

// ReadBucket returns a copy of all blocks in the bucket at idx.
func (s *InMemoryStorage) ReadBucket(idx int) ([]Block, error) {
	start, end, err := s.bucketBounds(idx)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, end-start)
	copy(raw, s.arena[start:end])

	result := make([]Block, s.bucketSize)
	for i := range result {
		result[i].Data = raw[i*s.slotSize : (i+1)*s.slotSize : (i+1)*s.slotSize]
	}
	return result, nil
}

// WriteBucket writes all blocks to the bucket at idx.
func (s *InMemoryStorage) WriteBucket(idx int, blocks []Block) error {
	start, _, err := s.bucketBounds(idx)
	if err != nil {
		return err
	}
	if len(blocks) != s.bucketSize {
		return fmt.Errorf("%w: bucket holds %d blocks, got %d", ErrInvalidConfig, s.bucketSize, len(blocks))
	}
	for _, b := range blocks {
		if len(b.Data) != s.slotSize {
			return fmt.Errorf("%w: slot holds %d bytes, got %d", ErrInvalidConfig, s.slotSize, len(b.Data))
		}
	}
	for i, b := range blocks {
		off := start + i*s.slotSize
		copy(s.arena[off:off+s.slotSize], b.Data)
	}
	return nil
}

// NumBuckets returns the total number of buckets.
func (s *InMemoryStorage) NumBuckets() int {
	return s.numBuckets
}

// BucketSize returns slots per bucket.
func (s *InMemoryStorage) BucketSize() int {
	return s.bucketSize
}

// SlotSize returns bytes per sealed slot.
func (s *InMemoryStorage) SlotSize() int {
	return s.slotSize
}

// Release zeroes and drops the arena.
func (s *InMemoryStorage) Release() error {
	if s.arena == nil {
		return nil
	}
	for i := range s.arena {
		s.arena[i] = 0
	}
	var err error
	if s.locked {
		err = unlockMemory(s.arena)
		s.locked = false
	}
	s.arena = nil
	return err
}
