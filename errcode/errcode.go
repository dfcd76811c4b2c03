// Package errcode defines the numeric error codes and error kinds shared by
// every layer of the oblivious store.
//
// Codes are grouped in spaces of 100 per component, so a code alone tells the
// operator which layer raised it. Sentinel errors are *Error values and are
// matched with errors.Is, also through wrapping.
package errcode

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Code is a stable numeric error identifier.
type Code int

const (
	Unknown Code = -1
	OK      Code = 0

	// general, not tied to a single component
	GeneralRecordSizeInvalid Code = 103
	GeneralInvalidLoadFactor Code = 115
	GeneralInvalidConfig     Code = 116
	GeneralKeyOutOfRange     Code = 117
	GeneralKeySizeInvalid    Code = 118
	GeneralLockFailed        Code = 119

	FixedSetResizeInvalid Code = 701
	FixedSetOutOfRange    Code = 702

	ORAMPutFailure             Code = 801
	ORAMGetFailure             Code = 802
	ORAMAccessUnallocatedBlock Code = 803
	ORAMPositionMapNotFound    Code = 804
	ORAMStashNotFound          Code = 805
	ORAMStashOverflow          Code = 806
	ORAMOutOfBlocks            Code = 807
	ORAMSealFailure            Code = 808

	OHTablePutFailure           Code = 901
	OHTableGetFailure           Code = 902
	OHTableRobinHoodRecordEmpty Code = 903
	OHTableTableFull            Code = 904
	OHTableNotFound             Code = 905

	ShardDestroying Code = 1301
	ShardDestroyed  Code = 1302
	ShardUnknown    Code = 1303
)

// Kind classifies a code by how the caller is expected to react.
type Kind int

const (
	KindUnknown Kind = iota
	// KindResourceExhausted may be retried against another shard.
	KindResourceExhausted
	// KindConfig reports invalid parameters or structural mismatches.
	KindConfig
	// KindIntegrity means the oblivious store is corrupt or a caller is buggy.
	// Never retried, never repaired.
	KindIntegrity
	// KindLifecycle reports a shard that no longer admits work.
	KindLifecycle
	// KindLock reports a failed lock acquisition.
	KindLock
	// KindNotFound is a regular miss.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindConfig:
		return "config"
	case KindIntegrity:
		return "integrity"
	case KindLifecycle:
		return "lifecycle"
	case KindLock:
		return "lock"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a coded error. Sentinels are compared by identity.
type Error struct {
	Code Code
	Kind Kind
	msg  string
}

// New returns a new coded sentinel.
func New(code Code, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, msg: msg}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.msg, e.Code)
}

// Sentinels, grouped like the codes above.
var (
	ErrRecordSize        = New(GeneralRecordSizeInvalid, KindConfig, "record size invalid")
	ErrInvalidLoadFactor = New(GeneralInvalidLoadFactor, KindConfig, "invalid load factor")
	ErrInvalidConfig     = New(GeneralInvalidConfig, KindConfig, "invalid configuration")
	ErrKeyOutOfRange     = New(GeneralKeyOutOfRange, KindConfig, "key outside shard range")
	ErrKeySize           = New(GeneralKeySizeInvalid, KindConfig, "key size invalid")
	ErrLockFailed        = New(GeneralLockFailed, KindLock, "lock acquisition failed")

	ErrResizeInvalid = New(FixedSetResizeInvalid, KindConfig, "fixed set resize invalid")
	ErrOutOfRange    = New(FixedSetOutOfRange, KindConfig, "fixed set member out of range")

	ErrPutFailure          = New(ORAMPutFailure, KindIntegrity, "oram put failure")
	ErrGetFailure          = New(ORAMGetFailure, KindIntegrity, "oram get failure")
	ErrUnallocatedBlock    = New(ORAMAccessUnallocatedBlock, KindIntegrity, "access to unallocated block")
	ErrPositionMapNotFound = New(ORAMPositionMapNotFound, KindIntegrity, "position map entry not found")
	ErrStashNotFound       = New(ORAMStashNotFound, KindIntegrity, "block not found in stash")
	ErrStashOverflow       = New(ORAMStashOverflow, KindResourceExhausted, "stash overflow")
	ErrOutOfBlocks         = New(ORAMOutOfBlocks, KindResourceExhausted, "no free logical blocks")
	ErrSealFailure         = New(ORAMSealFailure, KindIntegrity, "block sealing failed")

	ErrTablePutFailure = New(OHTablePutFailure, KindIntegrity, "ohtable put failure")
	ErrTableGetFailure = New(OHTableGetFailure, KindIntegrity, "ohtable get failure")
	ErrRecordEmpty     = New(OHTableRobinHoodRecordEmpty, KindIntegrity, "robin hood upsert found unexpected empty record")
	ErrTableFull       = New(OHTableTableFull, KindResourceExhausted, "table full")
	ErrNotFound        = New(OHTableNotFound, KindNotFound, "not found")

	ErrDestroying   = New(ShardDestroying, KindLifecycle, "shard destroying")
	ErrDestroyed    = New(ShardDestroyed, KindLifecycle, "shard destroyed")
	ErrUnknownShard = New(ShardUnknown, KindLifecycle, "unknown shard")
)

// ErrFailed is the only error value allowed across the trust boundary.
var ErrFailed = errors.New("request failed")

// Integrity wraps a sentinel with a stack trace for the operator.
func Integrity(sentinel *Error) error {
	return pkgerrors.WithStack(sentinel)
}

// Wrapf annotates err, keeping it matchable with errors.Is.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// As returns the coded error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code carried by err: OK for nil, Unknown for errors
// that carry no code.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	return Unknown
}

// KindOf returns the kind carried by err.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err signals a corrupted store.
func IsFatal(err error) bool {
	return KindOf(err) == KindIntegrity
}

// IsRetryable reports whether the caller may retry elsewhere.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindResourceExhausted, KindLock, KindLifecycle:
		return true
	}
	return false
}

// Opaque collapses every failure to ErrFailed. A miss is not a failure and is
// handled by the caller before this point.
func Opaque(err error) error {
	if err == nil {
		return nil
	}
	return ErrFailed
}
