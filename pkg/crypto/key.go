package crypto

import (
	"github.com/awnumar/memguard"
)

// Key is a 256-bit secret held in locked, guard-paged memory.
//
// A Key is exclusively owned by the operation that created it. It cannot be
// copied out except through Bytes, and Destroy wipes and unmaps it. Destroy
// is idempotent and safe on a nil Key, so owners simply defer it.
type Key struct {
	buf *memguard.LockedBuffer
}

// NewKey moves b into a Key. b is wiped whether or not the call succeeds.
func NewKey(b []byte) (*Key, error) {
	if len(b) != KeyLength {
		SecureWipe(b)
		return nil, ErrInvalidKeyLength
	}
	return newKeyFromRaw(b), nil
}

// RandomKey returns a Key filled from crypto/rand.
func RandomKey() *Key {
	return &Key{buf: memguard.NewBufferRandom(KeyLength)}
}

func newKeyFromRaw(raw []byte) *Key {
	// NewBufferFromBytes wipes raw after copying it into locked memory.
	return &Key{buf: memguard.NewBufferFromBytes(raw)}
}

// Bytes exposes the key material. The slice aliases locked memory and is
// invalid after Destroy; never retain it.
func (k *Key) Bytes() []byte {
	if k == nil || k.buf == nil || !k.buf.IsAlive() {
		return nil
	}
	return k.buf.Bytes()
}

// Equal reports whether two keys hold the same material, in constant time.
func (k *Key) Equal(other *Key) bool {
	if !k.Alive() {
		return false
	}
	b := other.Bytes()
	if b == nil {
		return false
	}
	return k.buf.EqualTo(b)
}

// Alive reports whether the key has not been destroyed.
func (k *Key) Alive() bool {
	return k != nil && k.buf != nil && k.buf.IsAlive()
}

// Destroy wipes the key material and releases its memory.
func (k *Key) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	k.buf.Destroy()
}

func (k *Key) material() ([]byte, error) {
	b := k.Bytes()
	if b == nil {
		return nil, ErrKeyDestroyed
	}
	return b, nil
}
