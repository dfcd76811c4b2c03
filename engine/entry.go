package engine

import (
	"github.com/pkg/errors"

	"github.com/etclab/oblivstore/errcode"
)

// UUIDSize is the length of an account identifier.
const UUIDSize = 16

// DirectoryEntry is the record stored for a phone number: the account
// identifier, the phone number identifier and an optional unidentified
// access key. The number itself is not part of the record; it is the table
// key, built with E164Key.
type DirectoryEntry struct {
	ACI [UUIDSize]byte
	PNI [UUIDSize]byte
	UAK []byte
}

// EncodedSize returns the length of the encoded entry.
func (d DirectoryEntry) EncodedSize() int {
	return 2*UUIDSize + len(d.UAK)
}

// MarshalBinary encodes the entry as ACI || PNI || UAK.
func (d DirectoryEntry) MarshalBinary() ([]byte, error) {
	if len(d.UAK) != 0 && len(d.UAK) != UUIDSize {
		return nil, errors.Wrapf(errcode.ErrRecordSize, "unidentified access key is %d bytes", len(d.UAK))
	}
	out := make([]byte, 0, d.EncodedSize())
	out = append(out, d.ACI[:]...)
	out = append(out, d.PNI[:]...)
	return append(out, d.UAK...), nil
}

// UnmarshalBinary decodes an entry written by MarshalBinary.
func (d *DirectoryEntry) UnmarshalBinary(data []byte) error {
	if len(data) != 2*UUIDSize && len(data) != 3*UUIDSize {
		return errors.Wrapf(errcode.ErrRecordSize, "directory entry is %d bytes", len(data))
	}
	copy(d.ACI[:], data[:UUIDSize])
	copy(d.PNI[:], data[UUIDSize:2*UUIDSize])
	d.UAK = nil
	if len(data) == 3*UUIDSize {
		d.UAK = append([]byte(nil), data[2*UUIDSize:]...)
	}
	return nil
}
