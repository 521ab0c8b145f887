package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/curve25519"
)

// KeypairSize is the length in bytes of a single key (private or public)
// within a persisted keypair.
const KeypairSize = 32

// keypairFileSize is the on-disk layout: private key followed by public key.
const keypairFileSize = 2 * KeypairSize

// Keypair is a node's long-term X25519 keypair. It is never used to sign or
// validate overlay packets; session keys come from DeriveSessionKey. It
// exists only so a node can present a stable identity across restarts.
type Keypair struct {
	Private [KeypairSize]byte
	Public  [KeypairSize]byte
}

// GenerateKeypair creates a fresh X25519 keypair from crypto/rand.
func GenerateKeypair() (Keypair, error) {
	var kp Keypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return Keypair{}, fmt.Errorf("crypto: generate private key: %w", err)
	}

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, fmt.Errorf("crypto: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)

	return kp, nil
}

// SaveKeypair writes kp to path as 32 bytes private key followed by 32
// bytes public key, readable only by the owner.
func SaveKeypair(path string, kp Keypair) error {
	buf := make([]byte, 0, keypairFileSize)
	buf = append(buf, kp.Private[:]...)
	buf = append(buf, kp.Public[:]...)

	if err := os.WriteFile(path, buf, 0o600); err != nil {
		return fmt.Errorf("crypto: save keypair %s: %w", path, err)
	}
	return nil
}

// LoadKeypair reads a keypair previously written by SaveKeypair.
func LoadKeypair(path string) (Keypair, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Keypair{}, fmt.Errorf("crypto: load keypair %s: %w", path, err)
	}
	if len(buf) != keypairFileSize {
		return Keypair{}, fmt.Errorf("crypto: keypair file %s has %d bytes, want %d", path, len(buf), keypairFileSize)
	}

	var kp Keypair
	copy(kp.Private[:], buf[:KeypairSize])
	copy(kp.Public[:], buf[KeypairSize:])
	return kp, nil
}
