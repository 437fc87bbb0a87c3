package security

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Character classes used by the generator.
const (
	CharsetLowercase = "abcdefghijklmnopqrstuvwxyz"
	CharsetUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	CharsetDigits    = "0123456789"
	CharsetSymbols   = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

// Generator limits.
const (
	MinGenerateLength     = 8
	MaxGenerateLength     = 256
	DefaultGenerateLength = 24
	maxGenerateAttempts   = 100
)

var (
	// ErrInvalidLength indicates a requested length outside the generator limits.
	ErrInvalidLength = errors.New("security: invalid password length")

	// ErrEmptyCharset indicates the options exclude every character.
	ErrEmptyCharset = errors.New("security: character set is empty")
)

// GenerateOptions selects the character classes of a generated password.
// The zero value enables every class.
type GenerateOptions struct {
	Length      int
	NoSymbols   bool
	NoNumbers   bool
	NoUppercase bool
	NoLowercase bool
	// Exclude lists individual characters to leave out, e.g. "0O1lI".
	Exclude string
}

// GeneratePassword returns a random password drawn from crypto/rand. Every
// enabled class is represented at least once. With default options and a
// length of at least MinPasswordLength the result satisfies
// ValidatePassword.
func GeneratePassword(opts GenerateOptions) (string, error) {
	if opts.Length == 0 {
		opts.Length = DefaultGenerateLength
	}
	if opts.Length < MinGenerateLength || opts.Length > MaxGenerateLength {
		return "", fmt.Errorf("%w: must be between %d and %d", ErrInvalidLength, MinGenerateLength, MaxGenerateLength)
	}

	classes := opts.classes()
	if len(classes) == 0 {
		return "", ErrEmptyCharset
	}
	if len(classes) > opts.Length {
		return "", fmt.Errorf("%w: shorter than the number of character classes", ErrInvalidLength)
	}
	charset := strings.Join(classes, "")

	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		password, err := randomString(charset, opts.Length)
		if err != nil {
			return "", err
		}
		if coversAll(password, classes) && !hasWeakPattern(password) {
			return password, nil
		}
	}
	return "", fmt.Errorf("security: failed to generate a compliant password after %d attempts", maxGenerateAttempts)
}

func (o GenerateOptions) classes() []string {
	var classes []string
	add := func(skip bool, set string) {
		if skip {
			return
		}
		if set = removeChars(set, o.Exclude); set != "" {
			classes = append(classes, set)
		}
	}
	add(o.NoLowercase, CharsetLowercase)
	add(o.NoUppercase, CharsetUppercase)
	add(o.NoNumbers, CharsetDigits)
	add(o.NoSymbols, CharsetSymbols)
	return classes
}

func coversAll(password string, classes []string) bool {
	for _, set := range classes {
		if !strings.ContainsAny(password, set) {
			return false
		}
	}
	return true
}

func hasWeakPattern(password string) bool {
	lower := strings.ToLower(password)
	for _, p := range weakPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// removeChars removes specified characters from a string
func removeChars(s, chars string) string {
	if chars == "" {
		return s
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(chars, r) {
			return -1
		}
		return r
	}, s)
}

func randomString(charset string, length int) (string, error) {
	charsetLen := big.NewInt(int64(len(charset)))
	out := make([]byte, length)

	for i := 0; i < length; i++ {
		idx, err := rand.Int(rand.Reader, charsetLen)
		if err != nil {
			return "", fmt.Errorf("security: failed to generate random number: %w", err)
		}
		out[i] = charset[idx.Int64()]
	}
	return string(out), nil
}
