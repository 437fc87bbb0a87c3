package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/stellar/internal/atomicfile"
	"github.com/forest6511/stellar/pkg/crypto"
)

const (
	// KeyLength is the size of a key file and of each derived key.
	KeyLength = crypto.KeyLength

	// HMACLength is the size of the trailing HMAC-SHA256.
	HMACLength = sha256.Size
)

const (
	infoEncryption = "stellar-backup-encryption"
	infoMAC        = "stellar-backup-mac"
)

// sealKeys is the key pair protecting one backup file. Both halves are
// expanded with HKDF from a single root: the Argon2id key of a password, or
// the contents of a key file.
type sealKeys struct {
	enc *crypto.Key
	mac *crypto.Key
}

// passwordKDF describes how passwordKeys stretches a password.
func passwordKDF(salt []byte) *KDFParams {
	return &KDFParams{
		Salt:        salt,
		Memory:      crypto.Argon2Memory,
		Iterations:  crypto.Argon2Time,
		Parallelism: crypto.Argon2Threads,
	}
}

func passwordKeys(password, salt []byte) (*sealKeys, error) {
	if len(password) == 0 {
		return nil, ErrEmptyPassword
	}
	root := crypto.DeriveKey(password, salt)
	defer root.Destroy()
	return splitKeys(root)
}

func keyFileKeys(path string) (*sealKeys, error) {
	root, err := ReadKeyFile(path)
	if err != nil {
		return nil, err
	}
	defer root.Destroy()
	return splitKeys(root)
}

func splitKeys(root *crypto.Key) (*sealKeys, error) {
	enc, err := expandKey(root, infoEncryption)
	if err != nil {
		return nil, err
	}
	mac, err := expandKey(root, infoMAC)
	if err != nil {
		enc.Destroy()
		return nil, err
	}
	return &sealKeys{enc: enc, mac: mac}, nil
}

func expandKey(root *crypto.Key, info string) (*crypto.Key, error) {
	out := make([]byte, KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, root.Bytes(), nil, []byte(info)), out); err != nil {
		crypto.SecureWipe(out)
		return nil, fmt.Errorf("backup: failed to derive %s key: %w", info, err)
	}
	return crypto.NewKey(out)
}

// Destroy wipes both keys. It is safe on a nil receiver.
func (k *sealKeys) Destroy() {
	if k == nil {
		return
	}
	k.enc.Destroy()
	k.mac.Destroy()
}

func (k *sealKeys) seal(payload []byte) ([]byte, error) {
	blob, err := crypto.Seal(k.enc, payload)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encrypt payload: %w", err)
	}
	return blob, nil
}

// open fails with ErrDecryptionFailed for any blob that does not
// authenticate, including short ones.
func (k *sealKeys) open(blob []byte) ([]byte, error) {
	payload, err := crypto.Open(k.enc, blob)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return payload, nil
}

func (k *sealKeys) sum(data []byte) []byte {
	h := hmac.New(sha256.New, k.mac.Bytes())
	h.Write(data)
	return h.Sum(nil)
}

func (k *sealKeys) verify(data, mac []byte) bool {
	return hmac.Equal(k.sum(data), mac)
}

// ReadKeyFile loads a key written by GenerateKeyFile into locked memory.
func ReadKeyFile(path string) (*crypto.Key, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read key file: %w", err)
	}
	key, err := crypto.NewKey(raw)
	if err != nil {
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a fresh random key to path, readable by the owner
// only.
func GenerateKeyFile(path string) error {
	key := crypto.RandomKey()
	defer key.Destroy()

	if err := atomicfile.WriteFile(path, key.Bytes(), 0600); err != nil {
		return fmt.Errorf("backup: failed to write key file: %w", err)
	}
	return nil
}
