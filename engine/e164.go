package engine

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/etclab/oblivstore/errcode"
)

// maxE164 is the largest number with the 15 digits E.164 allows.
const maxE164 = 999_999_999_999_999

var ErrInvalidE164 = errors.New("invalid E.164 number")

// FormatE164 renders number as "+<digits>".
func FormatE164(number uint64) string {
	return "+" + strconv.FormatUint(number, 10)
}

// ParseE164 parses "+<digits>" into a number.
func ParseE164(s string) (uint64, error) {
	if !strings.HasPrefix(s, "+") {
		return 0, errors.Wrap(ErrInvalidE164, "E164 must start with +")
	}
	digits := s[1:]
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, errors.Wrapf(ErrInvalidE164, "%q has non-digit characters", s)
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || n == 0 || n > maxE164 {
		return 0, errors.Wrapf(ErrInvalidE164, "%q is out of range", s)
	}
	return n, nil
}

// E164Key returns the keySize-byte table key for number: big-endian in the
// last eight bytes, zero padded in front.
func E164Key(number uint64, keySize int) ([]byte, error) {
	if keySize < 8 {
		return nil, errcode.Wrapf(errcode.ErrKeySize, "E.164 keys need 8 bytes, table keys are %d", keySize)
	}
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key[keySize-8:], number)
	return key, nil
}
