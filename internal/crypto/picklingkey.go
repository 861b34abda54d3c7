package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// PicklingKeySize is the fixed length of a PicklingKey in bytes.
const PicklingKeySize = 32

// PicklingKey is the 32-byte secret used to encrypt every persisted
// Olm/Megolm pickle at rest. It is conceptually moved, not copied: callers
// should pass it by value once and call Zero when they are done with it
// rather than retaining a second copy.
type PicklingKey struct {
	bytes [PicklingKeySize]byte
}

// NewPicklingKey generates a fresh random PicklingKey.
func NewPicklingKey() (PicklingKey, error) {
	var pk PicklingKey
	if _, err := rand.Read(pk.bytes[:]); err != nil {
		return PicklingKey{}, fmt.Errorf("generate pickling key: %w", err)
	}
	return pk, nil
}

// PicklingKeyFromBytes wraps caller-supplied bytes as a PicklingKey.
func PicklingKeyFromBytes(b []byte) (PicklingKey, error) {
	var pk PicklingKey
	if len(b) != PicklingKeySize {
		return PicklingKey{}, fmt.Errorf("pickling key must be %d bytes, got %d", PicklingKeySize, len(b))
	}
	copy(pk.bytes[:], b)
	return pk, nil
}

// Bytes returns the raw key bytes. Callers must not retain the returned
// slice past the PicklingKey's lifetime.
func (p *PicklingKey) Bytes() []byte { return p.bytes[:] }

// Equal reports whether two PicklingKeys hold the same secret, in
// constant time.
func (p *PicklingKey) Equal(other PicklingKey) bool {
	return subtle.ConstantTimeCompare(p.bytes[:], other.bytes[:]) == 1
}

// Zero wipes the key material. Called from KeyStore.Close.
func (p *PicklingKey) Zero() {
	for i := range p.bytes {
		p.bytes[i] = 0
	}
}
