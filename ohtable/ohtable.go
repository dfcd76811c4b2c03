// Package ohtable implements an oblivious hash table over Path ORAM.
//
// Slot i of the table lives in ORAM block blockIDs[i]. Every Get fetches
// exactly MaxProbe slots starting at the key's ideal slot, and every Put
// fetches and then rewrites exactly MaxProbe slots, so a hit, a miss and an
// insert at any displacement depth produce the same ORAM traffic. Slot
// contents are only inspected after they have been copied into private
// memory.
//
// A Table is not safe for concurrent use.
package ohtable

import (
	"crypto/subtle"

	"github.com/etclab/oblivstore/errcode"
	"github.com/etclab/oblivstore/oram"
)

// Stats describes a table. Counters only grow.
type Stats struct {
	Capacity        int
	Len             int
	MaxOccupancy    int
	MaxProbe        int
	MaxDisplacement int

	Gets       uint64
	Puts       uint64
	SlotReads  uint64
	SlotWrites uint64
}

// Table is a fixed-capacity robin-hood hash table whose slots are ORAM blocks.
type Table struct {
	cfg      Config
	oram     *oram.ORAM
	blockIDs []int
	size     int
	stats    Stats
}

// New allocates Capacity blocks from o and returns an empty table over them.
// o's block size must equal cfg.BlockSize().
func New(o *oram.ORAM, cfg Config) (*Table, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	if o.BlockSize() != cfg.BlockSize() {
		return nil, errcode.Wrapf(ErrInvalidConfig, "oram block size %d, table needs %d", o.BlockSize(), cfg.BlockSize())
	}
	if free := o.Capacity() - o.Size(); free < cfg.Capacity {
		return nil, errcode.Wrapf(ErrInvalidConfig, "oram has %d free blocks, table needs %d", free, cfg.Capacity)
	}

	t := &Table{
		cfg:      cfg,
		oram:     o,
		blockIDs: make([]int, cfg.Capacity),
	}
	for i := range t.blockIDs {
		id, err := o.Allocate()
		if err != nil {
			return nil, errcode.Wrapf(err, "allocate slot %d", i)
		}
		t.blockIDs[i] = id
	}
	return t, nil
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	return t.size
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return t.cfg.Capacity
}

// MaxOccupancy returns the number of keys the table accepts.
func (t *Table) MaxOccupancy() int {
	return t.cfg.MaxOccupancy()
}

// MaxProbe returns the number of slots every operation touches.
func (t *Table) MaxProbe() int {
	return t.cfg.MaxProbe
}

// KeySize returns the exact key length.
func (t *Table) KeySize() int {
	return t.cfg.KeySize
}

// MaxRecordSize returns the largest value Put accepts.
func (t *Table) MaxRecordSize() int {
	return t.cfg.MaxRecordSize
}

// Stats returns a snapshot of the table statistics.
func (t *Table) Stats() Stats {
	s := t.stats
	s.Capacity = t.cfg.Capacity
	s.Len = t.size
	s.MaxOccupancy = t.cfg.MaxOccupancy()
	s.MaxProbe = t.cfg.MaxProbe
	return s
}

func (t *Table) ideal(key []byte) int {
	return int(t.cfg.Hasher.Hash64(key) % uint64(t.cfg.Capacity))
}

func (t *Table) slot(ideal, j int) int {
	return (ideal + j) % t.cfg.Capacity
}

// distance returns how far the occupant of slot sits from its ideal slot.
func (t *Table) distance(r record, slot int) int {
	return (slot - t.ideal(r.key(t.cfg.KeySize)) + t.cfg.Capacity) % t.cfg.Capacity
}

// Get returns the value stored for key, or ErrNotFound.
func (t *Table) Get(key []byte) ([]byte, error) {
	if len(key) != t.cfg.KeySize {
		return nil, ErrKeySize
	}
	t.stats.Gets++

	ideal := t.ideal(key)
	value := make([]byte, t.cfg.MaxRecordSize)
	found, valueLen := 0, 0
	for j := 0; j < t.cfg.MaxProbe; j++ {
		raw, err := t.oram.Get(t.blockIDs[t.slot(ideal, j)])
		if err != nil {
			return nil, errcode.Wrapf(err, "%v", ErrGetFailure)
		}
		t.stats.SlotReads++

		r := record(raw)
		match := r.occupied() & subtle.ConstantTimeCompare(r.key(t.cfg.KeySize), key)
		subtle.ConstantTimeCopy(match, value, r.valueArea(t.cfg.KeySize))
		valueLen = subtle.ConstantTimeSelect(match, r.valueLen(), valueLen)
		found |= match
	}

	if found == 0 {
		return nil, ErrNotFound
	}
	return value[:valueLen], nil
}

// Put inserts key or replaces its value. A failed Put leaves the table
// unchanged and still rewrites every fetched slot.
func (t *Table) Put(key, value []byte) error {
	if len(key) != t.cfg.KeySize {
		return ErrKeySize
	}
	if len(value) > t.cfg.MaxRecordSize {
		return ErrRecordSize
	}
	t.stats.Puts++

	ideal := t.ideal(key)
	window := make([]record, t.cfg.MaxProbe)
	for j := range window {
		raw, err := t.oram.Get(t.blockIDs[t.slot(ideal, j)])
		if err != nil {
			return errcode.Wrapf(err, "%v", ErrPutFailure)
		}
		t.stats.SlotReads++
		window[j] = record(raw)
	}

	next := make([]record, len(window))
	for j := range window {
		next[j] = append(record(nil), window[j]...)
	}
	added, displacement, insertErr := t.robinHood(next, ideal, key, value)

	writes := next
	if insertErr != nil {
		writes = window
	}
	// every slot is written back even after a failed write
	var writeErr error
	for j, r := range writes {
		if err := t.oram.Put(t.blockIDs[t.slot(ideal, j)], r); err != nil {
			if writeErr == nil {
				writeErr = errcode.Wrapf(err, "%v", ErrPutFailure)
			}
			continue
		}
		t.stats.SlotWrites++
	}
	if writeErr != nil {
		return writeErr
	}
	if insertErr != nil {
		return insertErr
	}

	if added {
		t.size++
	}
	if displacement > t.stats.MaxDisplacement {
		t.stats.MaxDisplacement = displacement
	}
	return nil
}
