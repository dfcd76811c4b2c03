package oram

import (
	"fmt"
	"math/bits"

	"github.com/etclab/oblivstore/errcode"
)

// EmptyBlockID marks a block slot as empty/dummy.
const EmptyBlockID = -1

const (
	// DefaultBucketSize is Z. Path ORAM's stash bound is proven for Z >= 4.
	DefaultBucketSize = 4
	// DefaultStashLimit gives an overflow probability of at most
	// 14 * 0.6002^100, roughly 2^-70, per access sequence.
	DefaultStashLimit = 100
)

var (
	ErrInvalidConfig       = errcode.ErrInvalidConfig
	ErrInvalidDataSize     = errcode.ErrRecordSize
	ErrUnallocatedBlock    = errcode.ErrUnallocatedBlock
	ErrPositionMapNotFound = errcode.ErrPositionMapNotFound
	ErrStashNotFound       = errcode.ErrStashNotFound
	ErrStashOverflow       = errcode.ErrStashOverflow
	ErrOutOfBlocks         = errcode.ErrOutOfBlocks
	ErrPutFailure          = errcode.ErrPutFailure
	ErrGetFailure          = errcode.ErrGetFailure
	ErrEncryptionFailed    = errcode.ErrSealFailure
	ErrDecryptionFailed    = errcode.ErrSealFailure
	ErrReleased            = errcode.ErrDestroyed
	ErrResizeInvalid       = errcode.ErrResizeInvalid
)

// EvictionStrategy defines how blocks are evicted from stash to tree.
// Every strategy writes back the whole accessed path.
type EvictionStrategy int

const (
	// EvictLevelByLevel iterates levels from leaf to root, filling slots greedily.
	EvictLevelByLevel EvictionStrategy = iota

	// EvictGreedyByDepth places each block at its deepest possible level first.
	EvictGreedyByDepth
)

func (s EvictionStrategy) String() string {
	switch s {
	case EvictLevelByLevel:
		return "level-by-level"
	case EvictGreedyByDepth:
		return "greedy-by-depth"
	default:
		return fmt.Sprintf("EvictionStrategy(%d)", int(s))
	}
}

// ParseEvictionStrategy maps a configuration name to a strategy.
func ParseEvictionStrategy(name string) (EvictionStrategy, error) {
	switch name {
	case "", "level-by-level":
		return EvictLevelByLevel, nil
	case "greedy-by-depth":
		return EvictGreedyByDepth, nil
	}
	return 0, fmt.Errorf("%w: unknown eviction strategy %q", ErrInvalidConfig, name)
}

// Config holds ORAM configuration parameters.
type Config struct {
	NumBlocks        int              // Logical block capacity (valid IDs: 0 to NumBlocks-1)
	BlockSize        int              // Size of each block in bytes
	BucketSize       int              // Number of blocks per bucket (Z parameter)
	StashLimit       int              // Stash size above which an access is counted as an overflow
	EvictionStrategy EvictionStrategy // Eviction strategy to use
	ConstantTime     bool             // Constant-time stash scans and eviction
	LockMemory       bool             // mlock the bucket arena where supported
}

// Validate checks the configuration for errors and applies defaults.
// Returns a copy of the config with defaults applied.
func (c Config) Validate() (Config, error) {
	if c.NumBlocks <= 0 || c.BlockSize <= 0 || c.BucketSize < 0 || c.StashLimit < 0 {
		return c, ErrInvalidConfig
	}
	if c.EvictionStrategy != EvictLevelByLevel && c.EvictionStrategy != EvictGreedyByDepth {
		return c, ErrInvalidConfig
	}
	if c.BucketSize == 0 {
		c.BucketSize = DefaultBucketSize
	}
	if c.StashLimit == 0 {
		c.StashLimit = DefaultStashLimit
	}
	return c, nil
}

// depthFor returns the tree depth whose leaf count first covers n blocks.
func depthFor(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// ComputeTreeParams calculates tree dimensions from config.
// The tree has one leaf per logical block, rounded up to a power of two.
// Returns (depth, numLeaves, totalBuckets); the tree has depth+1 levels.
func (c Config) ComputeTreeParams() (depth, numLeaves, totalBuckets int) {
	depth = depthFor(c.NumBlocks)
	numLeaves = 1 << depth
	totalBuckets = (1 << (depth + 1)) - 1
	return
}

// pathSlots is the number of block slots on one root-to-leaf path.
func (c Config) pathSlots() int {
	depth, _, _ := c.ComputeTreeParams()
	return (depth + 1) * c.BucketSize
}
