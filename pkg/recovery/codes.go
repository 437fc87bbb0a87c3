// Package recovery implements the two-code escrow scheme of the vault.
//
// At init (and after every successful recovery) two random codes are
// generated. Their normalized concatenation is hashed into a secondary key
// that seals the vault master key. Both codes are required to recover it;
// either one alone is useless.
package recovery

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"github.com/awnumar/memguard"
	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/stellar/pkg/crypto"
)

// Alphabet is the set of characters a code is drawn from. Ambiguous
// characters (I, O, 0, 1) are excluded.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	// GroupLength is the number of characters in one code group.
	GroupLength = 4

	// Groups is the number of groups in one code.
	Groups = 3

	// Separator joins code groups.
	Separator = "-"

	// CodeLength is the display length of a code, separators included.
	CodeLength = Groups*GroupLength + (Groups - 1)
)

var (
	// ErrInvalidCode indicates the codes did not unseal the escrow blob.
	ErrInvalidCode = errors.New("recovery: invalid recovery code")

	// ErrCorrupted indicates the escrow blob decrypted to something that is
	// not a master key, or is structurally malformed.
	ErrCorrupted = errors.New("recovery: escrow data corrupted")

	// ErrDestroyed indicates use of codes after Destroy.
	ErrDestroyed = errors.New("recovery: codes have been destroyed")
)

// Codes is a freshly generated pair of recovery codes. The codes are held in
// locked memory until Destroy; callers display them once and destroy them.
type Codes struct {
	code1 *memguard.LockedBuffer
	code2 *memguard.LockedBuffer
}

// Generate returns two independent random codes.
func Generate() (*Codes, error) {
	c1, err := generateCode()
	if err != nil {
		return nil, err
	}
	c2, err := generateCode()
	if err != nil {
		c1.Destroy()
		return nil, err
	}
	return &Codes{code1: c1, code2: c2}, nil
}

// Code1 returns the first code for display.
func (c *Codes) Code1() string { return bufString(c.code1) }

// Code2 returns the second code for display.
func (c *Codes) Code2() string { return bufString(c.code2) }

// EncryptKey seals the master key under the key derived from both codes.
func (c *Codes) EncryptKey(key *crypto.Key) ([]byte, error) {
	if c == nil || !alive(c.code1) || !alive(c.code2) {
		return nil, ErrDestroyed
	}
	if !key.Alive() {
		return nil, crypto.ErrKeyDestroyed
	}
	secondary, err := combine(c.code1.Bytes(), c.code2.Bytes())
	if err != nil {
		return nil, err
	}
	defer secondary.Destroy()

	blob, err := crypto.Seal(secondary, key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("recovery: failed to seal master key: %w", err)
	}
	return blob, nil
}

// Destroy wipes both codes. It is safe to call more than once.
func (c *Codes) Destroy() {
	if c == nil {
		return
	}
	if c.code1 != nil {
		c.code1.Destroy()
	}
	if c.code2 != nil {
		c.code2.Destroy()
	}
}

// DecryptKey recovers the master key from the escrow blob using both codes.
// Codes are normalized first, so case, spacing and full-width forms do not
// matter.
func DecryptKey(code1, code2 string, blob []byte) (*crypto.Key, error) {
	secondary, err := combine([]byte(code1), []byte(code2))
	if err != nil {
		return nil, err
	}
	defer secondary.Destroy()

	raw, err := crypto.Open(secondary, blob)
	if err != nil {
		if errors.Is(err, crypto.ErrCorruptedData) {
			return nil, ErrCorrupted
		}
		return nil, ErrInvalidCode
	}
	key, err := crypto.NewKey(raw)
	if err != nil {
		return nil, ErrCorrupted
	}
	return key, nil
}

// Normalize folds a user-typed code into canonical form: Unicode NFKC,
// upper case, alphanumerics only.
func Normalize(code string) string {
	folded := strings.ToUpper(norm.NFKC.String(code))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Valid reports whether code, once normalized, has the shape of a recovery
// code: Groups*GroupLength characters from Alphabet.
func Valid(code string) bool {
	n := Normalize(code)
	if len(n) != Groups*GroupLength {
		return false
	}
	for _, r := range n {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

func combine(code1, code2 []byte) (*crypto.Key, error) {
	h := sha256.New()
	h.Write([]byte(Normalize(string(code1))))
	h.Write([]byte(Normalize(string(code2))))
	return crypto.NewKey(h.Sum(nil))
}

func generateCode() (*memguard.LockedBuffer, error) {
	buf := memguard.NewBuffer(CodeLength)
	out := buf.Bytes()
	max := big.NewInt(int64(len(Alphabet)))
	pos := 0
	for g := 0; g < Groups; g++ {
		if g > 0 {
			out[pos] = Separator[0]
			pos++
		}
		for i := 0; i < GroupLength; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				buf.Destroy()
				return nil, fmt.Errorf("recovery: failed to generate code: %w", err)
			}
			out[pos] = Alphabet[n.Int64()]
			pos++
		}
	}
	buf.Freeze()
	return buf, nil
}

func alive(b *memguard.LockedBuffer) bool {
	return b != nil && b.IsAlive()
}

func bufString(b *memguard.LockedBuffer) string {
	if !alive(b) {
		return ""
	}
	return string(b.Bytes())
}
