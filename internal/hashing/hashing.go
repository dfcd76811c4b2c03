// Package hashing provides keyed 64-bit hashes for placing keys in the
// oblivious hash table.
package hashing

import (
	"crypto/rand"
	"fmt"

	"github.com/minio/highwayhash"
	"github.com/shivakar/metrohash"
	"github.com/twmb/murmur3"
	"github.com/zeebo/blake3"
)

// SaltLength is the size of every hasher key.
const SaltLength = 32

// Kind selects a hash function.
type Kind int

const (
	HighwayHash Kind = iota
	Murmur3
	Metro
)

var (
	ErrUnknownHash        = fmt.Errorf("cannot create a hasher of unknown hash type")
	ErrSaltLengthMismatch = fmt.Errorf("provided salt is not %d length", SaltLength)
)

// Hasher implements a keyed, non cryptographic hashing function.
type Hasher interface {
	Hash64([]byte) uint64
}

func (k Kind) String() string {
	switch k {
	case HighwayHash:
		return "highway"
	case Murmur3:
		return "murmur3"
	case Metro:
		return "metro"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind. The empty name selects
// HighwayHash.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "", "highway":
		return HighwayHash, nil
	case "murmur3":
		return Murmur3, nil
	case "metro":
		return Metro, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownHash, name)
}

// New creates a hasher of kind k keyed with salt.
func New(k Kind, salt []byte) (Hasher, error) {
	switch k {
	case HighwayHash:
		return NewHighwayHasher(salt)
	case Murmur3:
		return NewMurmur3Hasher(salt)
	case Metro:
		return NewMetroHasher(salt)
	default:
		return nil, ErrUnknownHash
	}
}

// NewRandom creates a hasher of kind k with a fresh random salt.
func NewRandom(k Kind) (Hasher, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("read hasher salt: %w", err)
	}
	return New(k, salt)
}

// DeriveSalt derives a hasher salt from seed material, separated by context.
func DeriveSalt(context string, seed []byte) []byte {
	salt := make([]byte, SaltLength)
	blake3.DeriveKey(context, seed, salt)
	return salt
}

// HighwayHash implementation of Hasher
type highway struct {
	key []byte
}

// NewHighwayHasher returns a HighwayHash-64 hasher keyed with salt.
func NewHighwayHasher(salt []byte) (highway, error) {
	if len(salt) != SaltLength {
		return highway{}, ErrSaltLengthMismatch
	}
	return highway{key: append([]byte(nil), salt...)}, nil
}

func (h highway) Hash64(p []byte) uint64 {
	return highwayhash.Sum64(p, h.key)
}

// Murmur3 implementation of Hasher
type murmur64 struct {
	salt []byte
}

// NewMurmur3Hasher returns a Murmur3 hasher that uses salt as a prefix to the
// bytes being summed
func NewMurmur3Hasher(salt []byte) (murmur64, error) {
	if len(salt) != SaltLength {
		return murmur64{}, ErrSaltLengthMismatch
	}
	s := append([]byte(nil), salt...)
	return murmur64{salt: s[:SaltLength:SaltLength]}, nil
}

func (t murmur64) Hash64(p []byte) uint64 {
	// prepend the salt in m and then Sum
	return murmur3.Sum64(append(t.salt, p...))
}

// Metro Hash implementation of Hasher
type metro struct {
	salt []byte
}

// NewMetroHasher returns a metro64 hasher that uses salt as a
// prefix to the bytes being summed
func NewMetroHasher(salt []byte) (metro, error) {
	if len(salt) != SaltLength {
		return metro{}, ErrSaltLengthMismatch
	}
	return metro{salt: append([]byte(nil), salt...)}, nil
}

func (m metro) Hash64(p []byte) uint64 {
	h := metrohash.NewMetroHash64()
	h.Write(m.salt)
	h.Write(p)
	return h.Sum64()
}

// Func adapts an ordinary function to the Hasher interface.
type Func func([]byte) uint64

// Hash64 calls f(p).
func (f Func) Hash64(p []byte) uint64 {
	return f(p)
}
