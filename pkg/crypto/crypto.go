// Package crypto provides the cryptographic primitives of the stellar vault.
//
// This package implements AES-256-GCM authenticated encryption and Argon2id
// key derivation. It is the only place in the module that touches a cipher.
//
// # Security Features
//
//   - AES-256-GCM authenticated encryption
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads)
//   - A fresh random nonce for every encryption call
//   - Keys held in locked, guarded memory (see Key)
//
// # Blob Layouts
//
//	Seal / Open:                           nonce(12) ‖ ciphertext ‖ tag(16)
//	EncryptWithPassword / DecryptWithPassword: salt(32) ‖ nonce(12) ‖ ciphertext ‖ tag(16)
//
// # Example Usage
//
//	salt, _ := crypto.GenerateSalt()
//	key := crypto.DeriveKey([]byte("password"), salt)
//	defer key.Destroy()
//
//	blob, err := crypto.Seal(key, plaintext)
//	plaintext, err := crypto.Open(key, blob)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// TagLength is the length of the GCM authentication tag in bytes.
	TagLength = 16

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 32
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrInvalidNonceLength indicates the nonce is not 12 bytes.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length, must be 12 bytes")

	// ErrDecryptionFailed indicates authentication tag verification failed.
	// A wrong key and a tampered ciphertext are indistinguishable.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrCiphertextTooShort indicates the ciphertext is shorter than the GCM tag.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrCorruptedData indicates a blob that cannot be a valid encryption output.
	ErrCorruptedData = errors.New("crypto: data corrupted or truncated")

	// ErrKeyDestroyed indicates use of a key after Destroy.
	ErrKeyDestroyed = errors.New("crypto: key has been destroyed")
)

// DeriveKey derives a 256-bit encryption key from a password using Argon2id.
//
// The function uses OWASP-recommended parameters:
//   - Memory: 64 MB
//   - Iterations: 3
//   - Parallelism: 4 threads
//
// This is deliberately slow and cannot be cancelled. The intermediate key
// bytes are moved into locked memory; the caller owns the returned Key and
// must Destroy it.
func DeriveKey(password, salt []byte) *Key {
	raw := argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
	return newKeyFromRaw(raw)
}

// GenerateSalt returns SaltLength bytes from crypto/rand.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// Encrypt encrypts plaintext using AES-256-GCM authenticated encryption.
//
// The function generates a cryptographically secure random 12-byte nonce
// using crypto/rand. The authentication tag is appended to the ciphertext.
//
// Returns:
//   - ciphertext: encrypted data with authentication tag
//   - nonce: 12-byte nonce (must be stored with ciphertext for decryption)
//   - err: ErrInvalidKeyLength if key is not 32 bytes
func Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	// Generate cryptographically secure random nonce
	nonce = make([]byte, NonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)

	return ciphertext, nonce, nil
}

// Decrypt decrypts ciphertext using AES-256-GCM authenticated encryption.
//
// The function verifies the authentication tag before returning the plaintext.
// If the tag verification fails (wrong key, tampering or corruption),
// ErrDecryptionFailed is returned.
func Decrypt(key, ciphertext, nonce []byte) (plaintext []byte, err error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	if len(nonce) != NonceLength {
		return nil, ErrInvalidNonceLength
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// Verify ciphertext has minimum length (GCM tag is 16 bytes)
	if len(ciphertext) < gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	plaintext, err = gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Seal encrypts plaintext under key and returns nonce ‖ ciphertext ‖ tag.
// Every call draws a fresh nonce.
func Seal(key *Key, plaintext []byte) ([]byte, error) {
	raw, err := key.material()
	if err != nil {
		return nil, err
	}
	ciphertext, nonce, err := Encrypt(raw, plaintext)
	if err != nil {
		return nil, err
	}
	blob := make([]byte, 0, len(nonce)+len(ciphertext))
	blob = append(blob, nonce...)
	return append(blob, ciphertext...), nil
}

// Open reverses Seal. Blobs that are too short or entirely zero fail with
// ErrCorruptedData; an authentication failure returns ErrDecryptionFailed.
func Open(key *Key, blob []byte) ([]byte, error) {
	if len(blob) < NonceLength+TagLength || isZero(blob) {
		return nil, ErrCorruptedData
	}
	raw, err := key.material()
	if err != nil {
		return nil, err
	}
	return Decrypt(raw, blob[NonceLength:], blob[:NonceLength])
}

// EncryptWithPassword derives a key from password under a fresh salt and
// returns salt ‖ nonce ‖ ciphertext ‖ tag.
func EncryptWithPassword(data, password []byte) ([]byte, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}

	key := DeriveKey(password, salt)
	defer key.Destroy()

	sealed, err := Seal(key, data)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(salt)+len(sealed))
	out = append(out, salt...)
	return append(out, sealed...), nil
}

// DecryptWithPassword reverses EncryptWithPassword.
func DecryptWithPassword(blob, password []byte) ([]byte, error) {
	if len(blob) < SaltLength+NonceLength+TagLength || isZero(blob) {
		return nil, ErrCorruptedData
	}

	key := DeriveKey(password, blob[:SaltLength])
	defer key.Destroy()

	return Open(key, blob[SaltLength:])
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	// by the compiler since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, c := range b {
		acc |= c
	}
	return acc == 0
}
