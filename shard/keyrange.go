package shard

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/etclab/oblivstore/errcode"
)

// KeyHash maps a key onto the 64-bit space shards partition.
func KeyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// KeyRange is an inclusive range [Lo, Hi] of KeyHash values.
type KeyRange struct {
	Lo uint64
	Hi uint64
}

// FullRange covers every key.
func FullRange() KeyRange {
	return KeyRange{Lo: 0, Hi: math.MaxUint64}
}

// Validate rejects an empty range.
func (r KeyRange) Validate() error {
	if r.Lo > r.Hi {
		return errcode.Wrapf(errcode.ErrInvalidConfig, "key range %s is empty", r)
	}
	return nil
}

// Contains reports whether key hashes into r.
func (r KeyRange) Contains(key []byte) bool {
	return r.ContainsHash(KeyHash(key))
}

// ContainsHash reports whether h lies in r.
func (r KeyRange) ContainsHash(h uint64) bool {
	return h >= r.Lo && h <= r.Hi
}

// Overlaps reports whether r and o share any hash value.
func (r KeyRange) Overlaps(o KeyRange) bool {
	return r.Lo <= o.Hi && o.Lo <= r.Hi
}

func (r KeyRange) String() string {
	return fmt.Sprintf("[%016x, %016x]", r.Lo, r.Hi)
}

// SplitKeySpace partitions the hash space into n contiguous ranges of
// near-equal width.
func SplitKeySpace(n int) ([]KeyRange, error) {
	if n <= 0 {
		return nil, errcode.Wrapf(errcode.ErrInvalidConfig, "cannot split key space into %d ranges", n)
	}
	step := math.MaxUint64 / uint64(n)
	ranges := make([]KeyRange, n)
	for i := range ranges {
		lo := uint64(i) * step
		hi := lo + step - 1
		if i == n-1 {
			hi = math.MaxUint64
		}
		ranges[i] = KeyRange{Lo: lo, Hi: hi}
	}
	return ranges, nil
}
