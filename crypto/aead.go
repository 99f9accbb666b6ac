// Package crypto implements the tunnel's stateless per-packet AEAD sealer.
//
// ChaCha20-Poly1305 is used in place of AES-GCM because it runs constant
// time in software without hardware AES acceleration, and because the
// target devices for this tunnel (routers, phones, low-power boxes) rarely
// carry AES-NI.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the length of the random nonce prefixed to every sealed packet.
const NonceSize = chacha20poly1305.NonceSize // 12

// Sealer performs AEAD seal/open with a fixed 32-byte key. It holds no
// mutable state beyond the underlying cipher, so a single Sealer may be
// shared across goroutines without synchronization.
type Sealer struct {
	aead cipherAEAD
}

// cipherAEAD narrows the stdlib cipher.AEAD interface to what we use.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSealer constructs a Sealer from a 32-byte pre-shared key.
func NewSealer(key [32]byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("construct aead cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plain and returns nonce || ciphertext || tag.
// It fails only if the crypto/rand draw for the nonce fails, which in
// practice indicates a broken entropy source.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("draw nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plain, nil), nil
}

// Open splits the leading nonce off packet and verifies+decrypts the rest.
// Any failure here — short packet, bad tag, tampered ciphertext — must be
// treated as a silent drop by the caller; it is never surfaced to the peer.
func (s *Sealer) Open(packet []byte) ([]byte, error) {
	if len(packet) < NonceSize {
		return nil, fmt.Errorf("packet too short: %d bytes", len(packet))
	}
	nonce, ciphertext := packet[:NonceSize], packet[NonceSize:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead verification failed: %w", err)
	}
	return plain, nil
}
