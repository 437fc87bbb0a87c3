package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func randomBytes(t testing.TB, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to read random bytes: %v", err)
	}
	return b
}

func rawKey(t testing.TB) *Key {
	t.Helper()
	k, err := NewKey(randomBytes(t, KeyLength))
	if err != nil {
		t.Fatalf("NewKey() error = %v", err)
	}
	return k
}

// TestDeriveKey tests the Argon2id key derivation function
func TestDeriveKey(t *testing.T) {
	password := []byte("test-password-123")
	salt := randomBytes(t, SaltLength)

	key := DeriveKey(password, salt)
	defer key.Destroy()
	if len(key.Bytes()) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key.Bytes()), KeyLength)
	}

	// Same password + salt produces the same key
	key2 := DeriveKey(password, salt)
	defer key2.Destroy()
	if !key.Equal(key2) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}

	differentPassword := DeriveKey([]byte("different-password"), salt)
	defer differentPassword.Destroy()
	if key.Equal(differentPassword) {
		t.Error("DeriveKey() with different password should produce different key")
	}

	differentSalt := DeriveKey(password, randomBytes(t, SaltLength))
	defer differentSalt.Destroy()
	if key.Equal(differentSalt) {
		t.Error("DeriveKey() with different salt should produce different key")
	}
}

// TestDeriveKeyParameters verifies Argon2id parameters match OWASP recommendations
func TestDeriveKeyParameters(t *testing.T) {
	if Argon2Memory < 64*1024 {
		t.Errorf("Argon2Memory = %d, want >= %d (64MB)", Argon2Memory, 64*1024)
	}
	if Argon2Time < 3 {
		t.Errorf("Argon2Time = %d, want >= 3", Argon2Time)
	}
	if Argon2Threads < 4 {
		t.Errorf("Argon2Threads = %d, want >= 4", Argon2Threads)
	}
	if KeyLength != 32 {
		t.Errorf("KeyLength = %d, want 32 (256-bit)", KeyLength)
	}
	if SaltLength != 32 {
		t.Errorf("SaltLength = %d, want 32", SaltLength)
	}
}

func TestEncryptInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"too short (16 bytes)", 16},
		{"too short (24 bytes)", 24},
		{"too long (48 bytes)", 48},
		{"empty key", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Encrypt(make([]byte, tt.keyLen), []byte("test data"))
			if err != ErrInvalidKeyLength {
				t.Errorf("Encrypt() error = %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

func TestDecryptInvalidNonceLength(t *testing.T) {
	key := randomBytes(t, KeyLength)
	ciphertext, _, err := Encrypt(key, []byte("data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if _, err := Decrypt(key, ciphertext, make([]byte, 8)); err != ErrInvalidNonceLength {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrInvalidNonceLength)
	}
}

func TestDecryptCiphertextTooShort(t *testing.T) {
	key := randomBytes(t, KeyLength)
	if _, err := Decrypt(key, make([]byte, 4), make([]byte, NonceLength)); err != ErrCiphertextTooShort {
		t.Errorf("Decrypt() error = %v, want %v", err, ErrCiphertextTooShort)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := rawKey(t)
	defer key.Destroy()

	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"one byte", 1},
		{"small", 100},
		{"4MB", 4 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext := randomBytes(t, tt.size)
			blob, err := Seal(key, plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(blob) != NonceLength+tt.size+TagLength {
				t.Errorf("Seal() blob length = %d, want %d", len(blob), NonceLength+tt.size+TagLength)
			}
			got, err := Open(key, blob)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(got, plaintext) {
				t.Error("Open() did not return the original plaintext")
			}
		})
	}
}

func TestOpenWrongKey(t *testing.T) {
	key := rawKey(t)
	defer key.Destroy()
	other := rawKey(t)
	defer other.Destroy()

	blob, err := Seal(key, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := Open(other, blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open() with wrong key error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestOpenTampered(t *testing.T) {
	key := rawKey(t)
	defer key.Destroy()

	blob, err := Seal(key, []byte("secret payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	for _, i := range []int{0, NonceLength, len(blob) - 1} {
		tampered := append([]byte(nil), blob...)
		tampered[i] ^= 0x01
		if _, err := Open(key, tampered); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Open() with byte %d flipped error = %v, want %v", i, err, ErrDecryptionFailed)
		}
	}
}

func TestOpenCorrupted(t *testing.T) {
	key := rawKey(t)
	defer key.Destroy()

	tests := []struct {
		name string
		blob []byte
	}{
		{"nil", nil},
		{"shorter than nonce", make([]byte, NonceLength-1)},
		{"nonce without tag", randomBytes(t, NonceLength+TagLength-1)},
		{"all zero", make([]byte, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(key, tt.blob); !errors.Is(err, ErrCorruptedData) {
				t.Errorf("Open() error = %v, want %v", err, ErrCorruptedData)
			}
		})
	}
}

func TestSealUniqueNonce(t *testing.T) {
	key := rawKey(t)
	defer key.Destroy()

	seen := make(map[string]bool)
	plaintext := []byte("identical data")
	for i := 0; i < 100; i++ {
		blob, err := Seal(key, plaintext)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		nonce := string(blob[:NonceLength])
		if seen[nonce] {
			t.Fatalf("Seal() reused nonce on iteration %d", i)
		}
		seen[nonce] = true
	}
}

func TestPasswordRoundTrip(t *testing.T) {
	password := []byte("Tr3s-S3cur3!Passw0rd")

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"text", []byte("the quick brown fox")},
		{"2MB", randomBytes(t, 2*1024*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := EncryptWithPassword(tt.data, password)
			if err != nil {
				t.Fatalf("EncryptWithPassword() error = %v", err)
			}
			got, err := DecryptWithPassword(blob, password)
			if err != nil {
				t.Fatalf("DecryptWithPassword() error = %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Error("DecryptWithPassword() did not return the original data")
			}
		})
	}
}

func TestDecryptWithPasswordWrongPassword(t *testing.T) {
	blob, err := EncryptWithPassword([]byte("data"), []byte("right-password"))
	if err != nil {
		t.Fatalf("EncryptWithPassword() error = %v", err)
	}
	if _, err := DecryptWithPassword(blob, []byte("wrong-password")); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("DecryptWithPassword() error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestDecryptWithPasswordCorrupted(t *testing.T) {
	blob, err := EncryptWithPassword([]byte("data"), []byte("pw"))
	if err != nil {
		t.Fatalf("EncryptWithPassword() error = %v", err)
	}

	tests := []struct {
		name string
		blob []byte
	}{
		{"truncated to salt", blob[:SaltLength]},
		{"truncated before tag", blob[:SaltLength+NonceLength+TagLength-1]},
		{"all zero", make([]byte, len(blob))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptWithPassword(tt.blob, []byte("pw")); !errors.Is(err, ErrCorruptedData) {
				t.Errorf("DecryptWithPassword() error = %v, want %v", err, ErrCorruptedData)
			}
		})
	}
}

func TestEncryptWithPasswordUniqueSaltAndNonce(t *testing.T) {
	data := []byte("same data")
	password := []byte("same password")

	a, err := EncryptWithPassword(data, password)
	if err != nil {
		t.Fatalf("EncryptWithPassword() error = %v", err)
	}
	b, err := EncryptWithPassword(data, password)
	if err != nil {
		t.Fatalf("EncryptWithPassword() error = %v", err)
	}

	if bytes.Equal(a[:SaltLength], b[:SaltLength]) {
		t.Error("two encryptions produced the same salt")
	}
	if bytes.Equal(a[SaltLength:SaltLength+NonceLength], b[SaltLength:SaltLength+NonceLength]) {
		t.Error("two encryptions produced the same nonce")
	}
}

func TestKeyLifecycle(t *testing.T) {
	raw := randomBytes(t, KeyLength)
	orig := append([]byte(nil), raw...)

	key, err := NewKey(raw)
	if err != nil {
		t.Fatalf("NewKey() error = %v", err)
	}
	if !bytes.Equal(raw, make([]byte, KeyLength)) {
		t.Error("NewKey() should wipe the source slice")
	}
	if !bytes.Equal(key.Bytes(), orig) {
		t.Error("Key.Bytes() does not match source material")
	}

	key.Destroy()
	key.Destroy() // idempotent
	if key.Alive() {
		t.Error("key should not be alive after Destroy")
	}
	if _, err := Seal(key, []byte("x")); !errors.Is(err, ErrKeyDestroyed) {
		t.Errorf("Seal() after Destroy error = %v, want %v", err, ErrKeyDestroyed)
	}

	var nilKey *Key
	nilKey.Destroy()
}

func TestNewKeyInvalidLength(t *testing.T) {
	short := []byte{1, 2, 3}
	if _, err := NewKey(short); err != ErrInvalidKeyLength {
		t.Errorf("NewKey() error = %v, want %v", err, ErrInvalidKeyLength)
	}
	if !bytes.Equal(short, []byte{0, 0, 0}) {
		t.Error("NewKey() should wipe rejected input")
	}
}

func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive data here")
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte %d = %d, want 0", i, b)
		}
	}

	SecureWipe(nil)
	SecureWipe([]byte{})
}
