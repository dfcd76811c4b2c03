package ohtable

import "encoding/binary"

// recordHeaderSize covers the occupied flag and the value length.
const recordHeaderSize = 3

// record is the plaintext content of one slot, laid out as
// [occupied 1][value length 2][key KeySize][value MaxRecordSize].
// A record is always a private copy of an ORAM block.
type record []byte

func newRecord(blockSize int) record {
	return make(record, blockSize)
}

func (r record) occupied() int {
	return int(r[0] & 1)
}

func (r record) key(keySize int) []byte {
	return r[recordHeaderSize : recordHeaderSize+keySize]
}

func (r record) valueLen() int {
	return int(binary.LittleEndian.Uint16(r[1:3]))
}

// valueArea returns the whole value region, including padding.
func (r record) valueArea(keySize int) []byte {
	return r[recordHeaderSize+keySize:]
}

func (r record) set(key, value []byte) {
	r[0] = 1
	copy(r[recordHeaderSize:], key)
	r.setValue(len(key), value)
}

func (r record) setValue(keySize int, value []byte) {
	binary.LittleEndian.PutUint16(r[1:3], uint16(len(value)))
	area := r.valueArea(keySize)
	n := copy(area, value)
	for i := n; i < len(area); i++ {
		area[i] = 0
	}
}
