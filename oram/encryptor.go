package oram

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Encryptor seals and opens storage slots.
// A slot is sealed together with its position so the host cannot move
// ciphertexts around. Sealing must use fresh randomness: rewriting the same
// plaintext must produce a different ciphertext, otherwise unchanged dummies
// would be visible.
type Encryptor interface {
	// Seal encrypts the plaintext stored at (bucket, slot).
	Seal(bucket, slot int, plaintext []byte) ([]byte, error)

	// Open decrypts the ciphertext stored at (bucket, slot).
	Open(bucket, slot int, ciphertext []byte) ([]byte, error)

	// Overhead returns the number of extra bytes added by sealing
	// (nonce + authentication tag).
	Overhead() int
}

// NoOpEncryptor passes data through without encryption.
// Use only for testing or when memory encryption is provided by the enclave.
type NoOpEncryptor struct{}

// Seal returns a copy of plaintext.
func (NoOpEncryptor) Seal(bucket, slot int, plaintext []byte) ([]byte, error) {
	result := make([]byte, len(plaintext))
	copy(result, plaintext)
	return result, nil
}

// Open returns a copy of ciphertext.
func (NoOpEncryptor) Open(bucket, slot int, ciphertext []byte) ([]byte, error) {
	result := make([]byte, len(ciphertext))
	copy(result, ciphertext)
	return result, nil
}

// Overhead returns 0 for NoOpEncryptor.
func (NoOpEncryptor) Overhead() int {
	return 0
}

// AESGCMEncryptor provides AES-256-GCM encryption with random nonces.
type AESGCMEncryptor struct {
	aead cipher.AEAD
}

const (
	aesKeySize   = 32 // AES-256
	aesNonceSize = 12 // Standard GCM nonce size

	sealingKeyContext = "oblivstore 2024 oram slot sealing key"
)

// NewAESGCMEncryptor creates a new AES-GCM encryptor with the given 32-byte key.
func NewAESGCMEncryptor(key []byte) (*AESGCMEncryptor, error) {
	if len(key) != aesKeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", aesKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &AESGCMEncryptor{aead: aead}, nil
}

// NewAESGCMEncryptorFromSeed derives the sealing key from seed material.
func NewAESGCMEncryptorFromSeed(seed []byte) (*AESGCMEncryptor, error) {
	key := make([]byte, aesKeySize)
	blake3.DeriveKey(sealingKeyContext, seed, key)
	return NewAESGCMEncryptor(key)
}

// NewRandomAESGCMEncryptor creates an encryptor with a fresh random key.
// The key never leaves process memory.
func NewRandomAESGCMEncryptor() (*AESGCMEncryptor, error) {
	seed := make([]byte, aesKeySize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read sealing seed: %w", err)
	}
	return NewAESGCMEncryptorFromSeed(seed)
}

// Seal encrypts plaintext using AES-GCM with a random nonce.
// Output format: nonce (12 bytes) || ciphertext || tag (16 bytes)
func (e *AESGCMEncryptor) Seal(bucket, slot int, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aesNonceSize, aesNonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, ErrEncryptionFailed
	}

	aad := makeAAD(bucket, slot)
	return e.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext using AES-GCM.
func (e *AESGCMEncryptor) Open(bucket, slot int, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aesNonceSize+e.aead.Overhead() {
		return nil, ErrDecryptionFailed
	}

	nonce := ciphertext[:aesNonceSize]
	ct := ciphertext[aesNonceSize:]

	plaintext, err := e.aead.Open(nil, nonce, ct, makeAAD(bucket, slot))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns nonce size + GCM tag size.
func (e *AESGCMEncryptor) Overhead() int {
	return aesNonceSize + e.aead.Overhead()
}

// makeAAD binds a sealed slot to its location.
func makeAAD(bucket, slot int) []byte {
	aad := make([]byte, 16)
	binary.LittleEndian.PutUint64(aad[0:8], uint64(bucket))
	binary.LittleEndian.PutUint64(aad[8:16], uint64(slot))
	return aad
}
