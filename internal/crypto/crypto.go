// Package crypto implements the optional peer-to-peer AEAD envelope: session
// key derivation and ChaCha20-Poly1305 sealing of DATA payloads, plus
// on-disk persistence of a node's keypair.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the ChaCha20-Poly1305 key length.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the ChaCha20-Poly1305 nonce length.
	NonceSize = chacha20poly1305.NonceSize

	// OverheadSize is the authentication tag length appended by Seal.
	OverheadSize = chacha20poly1305.Overhead

	// domainSeparator is prepended to the id pair before hashing so the
	// derived key cannot be confused with a key for any other purpose.
	domainSeparator = 0x5A
)

// ErrAuthFailed indicates Open could not authenticate the sealed data: a
// forged or corrupted ciphertext, or a session key mismatch.
var ErrAuthFailed = errors.New("crypto: authentication failed")

// SessionKey is a derived per-peer-pair ChaCha20-Poly1305 key.
type SessionKey [KeySize]byte

// DeriveSessionKey computes the shared session key for the unordered pair
// of peer ids (a, b). The derivation is symmetric: DeriveSessionKey(x, y)
// equals DeriveSessionKey(y, x).
func DeriveSessionKey(a, b uint64) SessionKey {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}

	var buf [1 + 8 + 8]byte
	buf[0] = domainSeparator
	binary.BigEndian.PutUint64(buf[1:9], lo)
	binary.BigEndian.PutUint64(buf[9:17], hi)

	return SessionKey(sha256.Sum256(buf[:]))
}

// Seal encrypts and authenticates plaintext under key, returning
// nonce ∥ ciphertext ∥ tag. Each call draws a fresh random nonce.
func Seal(key SessionKey, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create aead: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+OverheadSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a nonce ∥ ciphertext ∥ tag envelope
// produced by Seal. It returns ErrAuthFailed on any tampering or key
// mismatch.
func Open(key SessionKey, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+OverheadSize {
		return nil, fmt.Errorf("crypto: sealed data too short (%d bytes): %w", len(sealed), ErrAuthFailed)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: create aead: %w", err)
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", ErrAuthFailed)
	}

	return plaintext, nil
}
