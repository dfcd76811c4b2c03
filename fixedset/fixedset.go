// Package fixedset implements a bounded set of small non-negative integers.
//
// A FixedSet holds members in [0, Cap()). It is used to track allocation of
// logical block ids. Every mutating operation either succeeds or leaves the
// set exactly as it was.
package fixedset

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/etclab/oblivstore/errcode"
)

var (
	ErrResizeInvalid = errcode.ErrResizeInvalid
	ErrOutOfRange    = errcode.ErrOutOfRange
	ErrInvalidConfig = errcode.ErrInvalidConfig
)

// AlignFunc validates a candidate capacity against the owner's structure.
// A non-nil error vetoes the resize.
type AlignFunc func(capacity int) error

// Option configures a FixedSet.
type Option func(*FixedSet)

// WithAlignment installs an alignment check applied on Resize.
func WithAlignment(f AlignFunc) Option {
	return func(s *FixedSet) { s.align = f }
}

// FixedSet is a capacity-bounded set. Not safe for concurrent use.
type FixedSet struct {
	bits     *bitset.BitSet
	capacity int
	size     int
	align    AlignFunc
}

// New creates an empty set with the given capacity.
func New(capacity int, opts ...Option) (*FixedSet, error) {
	if capacity < 0 {
		return nil, ErrInvalidConfig
	}
	s := &FixedSet{
		bits:     bitset.New(uint(capacity)),
		capacity: capacity,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Cap returns the capacity.
func (s *FixedSet) Cap() int { return s.capacity }

// Len returns the number of members.
func (s *FixedSet) Len() int { return s.size }

// Full reports whether every value in range is a member.
func (s *FixedSet) Full() bool { return s.size == s.capacity }

func (s *FixedSet) inRange(v int) bool {
	return v >= 0 && v < s.capacity
}

// Contains reports membership. Out-of-range values are never members.
func (s *FixedSet) Contains(v int) bool {
	return s.inRange(v) && s.bits.Test(uint(v))
}

// Add inserts v. It returns false if v was already a member.
func (s *FixedSet) Add(v int) (bool, error) {
	if !s.inRange(v) {
		return false, ErrOutOfRange
	}
	if s.bits.Test(uint(v)) {
		return false, nil
	}
	s.bits.Set(uint(v))
	s.size++
	return true, nil
}

// Remove deletes v. It returns false if v was not a member.
func (s *FixedSet) Remove(v int) (bool, error) {
	if !s.inRange(v) {
		return false, ErrOutOfRange
	}
	if !s.bits.Test(uint(v)) {
		return false, nil
	}
	s.bits.Clear(uint(v))
	s.size--
	return true, nil
}

// NextFree returns the lowest value in range that is not a member.
func (s *FixedSet) NextFree() (int, bool) {
	if s.Full() {
		return 0, false
	}
	i, ok := s.bits.NextClear(0)
	if !ok || int(i) >= s.capacity {
		// bitset length may be rounded up past capacity
		return 0, false
	}
	return int(i), true
}

// Members returns all members in ascending order.
func (s *FixedSet) Members() []int {
	out := make([]int, 0, s.size)
	for i, ok := s.bits.NextSet(0); ok && int(i) < s.capacity; i, ok = s.bits.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

// Resize changes the capacity. It fails with ErrResizeInvalid, leaving the set
// untouched, if the new capacity is negative, would drop a member, or is
// rejected by the alignment check.
func (s *FixedSet) Resize(capacity int) error {
	if capacity < 0 || capacity < s.size {
		return ErrResizeInvalid
	}
	if capacity < s.capacity {
		if i, ok := s.bits.NextSet(uint(capacity)); ok && int(i) < s.capacity {
			return ErrResizeInvalid
		}
	}
	if s.align != nil {
		if err := s.align(capacity); err != nil {
			return errcode.Wrapf(ErrResizeInvalid, "alignment: %v", err)
		}
	}

	next := bitset.New(uint(capacity))
	for i, ok := s.bits.NextSet(0); ok && int(i) < capacity; i, ok = s.bits.NextSet(i + 1) {
		next.Set(i)
	}
	s.bits = next
	s.capacity = capacity
	return nil
}

// Clone returns an independent copy sharing the alignment check.
func (s *FixedSet) Clone() *FixedSet {
	return &FixedSet{
		bits:     s.bits.Clone(),
		capacity: s.capacity,
		size:     s.size,
		align:    s.align,
	}
}
