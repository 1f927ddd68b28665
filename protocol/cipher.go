package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// PrivateKeySize is the size in bytes of a member's private key, issued at
// registration (spec.md §6).
const PrivateKeySize = 32

// PrivateKey is the per-member secret used to derive a Cipher.
type PrivateKey [PrivateKeySize]byte

// Cipher seals and opens the encrypted portion of a Frame. It is derived
// once per member from their PrivateKey and reused across frames; the
// frame_id supplies nonce uniqueness and the connection_id is folded into
// the associated data so frames from different connections of the same
// member never validate against each other.
type Cipher struct {
	aead cipherAEAD
}

// cipherAEAD is the subset of cipher.AEAD the codec needs; kept narrow so
// tests can substitute a fake.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewCipher derives an AEAD cipher from a member's private key. The key is
// passed through SHA-256 first so operators may provision keys of any
// entropy source without worrying about chacha20poly1305's exact key size.
func NewCipher(key PrivateKey) (*Cipher, error) {
	sum := sha256.Sum256(key[:])
	aead, err := chacha20poly1305.New(sum[:])
	if err != nil {
		return nil, fmt.Errorf("protocol: derive cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// nonce builds the 12-byte chacha20poly1305 nonce from the frame id. frame_id
// is monotonic per connection so this is unique for the lifetime of one
// Cipher (one member's current connection).
func nonce(frameID FrameId) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], uint64(frameID))
	return n
}

// associatedData binds the ciphertext to the clear prefix and the
// connection_id, so a replayed or cross-connection frame fails authentication.
func associatedData(connectionID uint64, clearPrefix []byte) []byte {
	ad := make([]byte, 8+len(clearPrefix))
	binary.BigEndian.PutUint64(ad, connectionID)
	copy(ad[8:], clearPrefix)
	return ad
}

// Seal encrypts and authenticates plaintext for the given frame id and
// connection, binding it to clearPrefix via the associated data.
func (c *Cipher) Seal(frameID FrameId, connectionID uint64, clearPrefix, plaintext []byte) []byte {
	return c.aead.Seal(nil, nonce(frameID), plaintext, associatedData(connectionID, clearPrefix))
}

// Open authenticates and decrypts ciphertext; it fails (without panicking)
// on any tampering, replay across connections, or wrong key.
func (c *Cipher) Open(frameID FrameId, connectionID uint64, clearPrefix, ciphertext []byte) ([]byte, error) {
	pt, err := c.aead.Open(nil, nonce(frameID), ciphertext, associatedData(connectionID, clearPrefix))
	if err != nil {
		return nil, fmt.Errorf("protocol: open frame: %w", ErrAuthFailed)
	}
	return pt, nil
}

// ErrAuthFailed marks an AEAD authentication failure; callers must drop the
// datagram silently (spec.md §4.1) rather than treat it as a hard error.
var ErrAuthFailed = fmt.Errorf("authentication failed")
