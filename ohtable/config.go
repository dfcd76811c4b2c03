package ohtable

import (
	"math"
	"math/bits"

	"github.com/etclab/oblivstore/errcode"
	"github.com/etclab/oblivstore/internal/hashing"
)

var (
	ErrInvalidConfig     = errcode.ErrInvalidConfig
	ErrInvalidLoadFactor = errcode.ErrInvalidLoadFactor
	ErrKeySize           = errcode.ErrKeySize
	ErrRecordSize        = errcode.ErrRecordSize
	ErrTableFull         = errcode.ErrTableFull
	ErrNotFound          = errcode.ErrNotFound
	ErrRecordEmpty       = errcode.ErrRecordEmpty
	ErrGetFailure        = errcode.ErrTableGetFailure
	ErrPutFailure        = errcode.ErrTablePutFailure
)

const (
	// DefaultLoadFactor keeps robin-hood displacement short.
	DefaultLoadFactor = 0.75
	// DefaultKeySize fits a 16-byte identifier such as a UUID or E.164 key.
	DefaultKeySize = 16

	occupancyEpsilon = 1e-9
)

// Config holds hash table parameters.
type Config struct {
	Capacity      int            // Number of slots; fixed for the table's lifetime
	LoadFactor    float64        // Occupied fraction at which new keys are refused, 0 < lf <= 1
	KeySize       int            // Exact key length in bytes
	MaxRecordSize int            // Largest value accepted by Put
	MaxProbe      int            // Slots touched by every Get and Put; 0 derives one from Capacity
	Hasher        hashing.Hasher // Key placement hash; nil selects a random HighwayHash key
}

// Validate checks the configuration for errors and applies defaults.
// Returns a copy of the config with defaults applied.
func (c Config) Validate() (Config, error) {
	if c.Capacity <= 0 || c.KeySize < 0 || c.MaxRecordSize <= 0 || c.MaxProbe < 0 {
		return c, ErrInvalidConfig
	}
	if c.MaxRecordSize > math.MaxUint16 {
		return c, ErrRecordSize
	}
	if c.LoadFactor == 0 {
		c.LoadFactor = DefaultLoadFactor
	}
	if math.IsNaN(c.LoadFactor) || c.LoadFactor <= 0 || c.LoadFactor > 1 {
		return c, ErrInvalidLoadFactor
	}
	if c.KeySize == 0 {
		c.KeySize = DefaultKeySize
	}
	if c.MaxProbe == 0 {
		c.MaxProbe = defaultMaxProbe(c.Capacity)
	}
	if c.MaxProbe > c.Capacity {
		c.MaxProbe = c.Capacity
	}
	if c.MaxOccupancy() == 0 {
		return c, ErrInvalidLoadFactor
	}
	if c.Hasher == nil {
		h, err := hashing.NewRandom(hashing.HighwayHash)
		if err != nil {
			return c, err
		}
		c.Hasher = h
	}
	return c, nil
}

// MaxOccupancy returns floor(Capacity * LoadFactor).
func (c Config) MaxOccupancy() int {
	return int(math.Floor(float64(c.Capacity)*c.LoadFactor + occupancyEpsilon))
}

// BlockSize returns the ORAM block size one slot needs.
func (c Config) BlockSize() int {
	return recordHeaderSize + c.KeySize + c.MaxRecordSize
}

// defaultMaxProbe grows with log2(capacity), which bounds robin-hood
// displacement with high probability at load factors below one.
func defaultMaxProbe(capacity int) int {
	p := 2*bits.Len(uint(capacity)) + 8
	if p > capacity {
		p = capacity
	}
	return p
}
