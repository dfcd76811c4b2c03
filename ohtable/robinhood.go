package ohtable

import (
	"crypto/subtle"

	"github.com/etclab/oblivstore/errcode"
)

// robinHood upserts (key, value) into window, the private copies of the
// MaxProbe slots starting at ideal. It reports whether a new key was added and
// the probe distance at which the last entry in hand came to rest. On error
// window is partially modified and must be discarded.
func (t *Table) robinHood(window []record, ideal int, key, value []byte) (bool, int, error) {
	if err := t.checkWindow(window, ideal); err != nil {
		return false, 0, err
	}

	// last write wins
	existing := -1
	for j, r := range window {
		match := r.occupied() & subtle.ConstantTimeCompare(r.key(t.cfg.KeySize), key)
		existing = subtle.ConstantTimeSelect(match, j, existing)
	}
	if existing >= 0 {
		window[existing].setValue(t.cfg.KeySize, value)
		return false, 0, nil
	}

	if t.size >= t.cfg.MaxOccupancy() {
		return false, 0, ErrTableFull
	}

	hand := newRecord(t.cfg.BlockSize())
	hand.set(key, value)
	handDist, maxDist := 0, 0
	for j := range window {
		slot := t.slot(ideal, j)
		if window[j].occupied() == 0 {
			window[j], hand = hand, window[j]
			if handDist > maxDist {
				maxDist = handDist
			}
			return true, maxDist, nil
		}
		if d := t.distance(window[j], slot); d < handDist {
			// the richer occupant yields its slot
			window[j], hand = hand, window[j]
			if handDist > maxDist {
				maxDist = handDist
			}
			handDist = d
		}
		handDist++
	}
	return false, 0, ErrTableFull
}

// checkWindow rejects a window in which an empty slot precedes an occupant
// that was displaced past it. Robin-hood placement never produces that shape
// without deletions, so it means the store is corrupt.
func (t *Table) checkWindow(window []record, ideal int) error {
	for j := 0; j+1 < len(window); j++ {
		if window[j].occupied() != 0 || window[j+1].occupied() == 0 {
			continue
		}
		if t.distance(window[j+1], t.slot(ideal, j+1)) > 0 {
			return errcode.Integrity(ErrRecordEmpty)
		}
	}
	return nil
}

// verify scans the whole table through the ORAM and checks the robin-hood
// ordering: every occupant is within MaxProbe of its ideal slot, and probe
// distance grows by at most one from one slot to the next.
func (t *Table) verify() error {
	prevOccupied, prevDist := false, 0
	count := 0
	// start after an empty slot so the first comparison is meaningful
	start := -1
	slots := make([]record, t.cfg.Capacity)
	for i := range slots {
		raw, err := t.oram.Get(t.blockIDs[i])
		if err != nil {
			return err
		}
		slots[i] = record(raw)
		if start < 0 && slots[i].occupied() == 0 {
			start = i
		}
	}
	if start < 0 {
		// no empty slot: the run wraps around, so seed with the last slot
		last := t.cfg.Capacity - 1
		start, prevOccupied, prevDist = 0, true, t.distance(slots[last], last)
	}

	for n := 0; n < t.cfg.Capacity; n++ {
		i := (start + n) % t.cfg.Capacity
		r := slots[i]
		if r.occupied() == 0 {
			prevOccupied = false
			continue
		}
		count++
		d := t.distance(r, i)
		if d >= t.cfg.MaxProbe {
			return errcode.Wrapf(ErrRecordEmpty, "slot %d displaced %d, probe bound %d", i, d, t.cfg.MaxProbe)
		}
		if !prevOccupied && d > 0 {
			return errcode.Wrapf(ErrRecordEmpty, "slot %d displaced %d past an empty slot", i, d)
		}
		if prevOccupied && d > prevDist+1 {
			return errcode.Wrapf(ErrRecordEmpty, "slot %d displaced %d after %d", i, d, prevDist)
		}
		prevOccupied, prevDist = true, d
	}
	if count != t.size {
		return errcode.Wrapf(ErrRecordEmpty, "%d occupied slots, table holds %d", count, t.size)
	}
	return nil
}
