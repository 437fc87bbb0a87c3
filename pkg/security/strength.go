// Package security provides the password policy of the vault together with
// a strength estimate and a random password generator for the CLI.
package security

import (
	"math"
	"unicode"
	"unicode/utf8"
)

// PasswordStrength represents the estimated strength of a password.
type PasswordStrength int

const (
	// PasswordWeak indicates a password that fails the policy.
	PasswordWeak PasswordStrength = iota
	// PasswordFair indicates a policy-compliant password with little margin.
	PasswordFair
	// PasswordGood indicates a good password.
	PasswordGood
	// PasswordStrong indicates a strong password.
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// EstimateStrength rates a password for display. Anything rejected by
// ValidatePassword is Weak; above that, the rating follows the estimated
// entropy of the character classes in use:
//   - 100+ bits: Strong
//   - 80+ bits: Good
//   - otherwise: Fair
func EstimateStrength(password string) PasswordStrength {
	if ValidatePassword(password) != nil {
		return PasswordWeak
	}

	bits := EntropyBits(password)
	switch {
	case bits >= 100:
		return PasswordStrong
	case bits >= 80:
		return PasswordGood
	default:
		return PasswordFair
	}
}

// EntropyBits estimates the entropy of password as length times log2 of the
// size of the alphabet implied by the character classes present. It
// overestimates human-chosen passwords and is only a display hint.
func EntropyBits(password string) float64 {
	var lower, upper, digit, symbol, other bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case r < utf8.RuneSelf && unicode.IsPrint(r):
			symbol = true
		default:
			other = true
		}
	}

	pool := 0
	if lower {
		pool += 26
	}
	if upper {
		pool += 26
	}
	if digit {
		pool += 10
	}
	if symbol {
		pool += 33
	}
	if other {
		pool += 100
	}
	if pool == 0 {
		return 0
	}
	return float64(utf8.RuneCountInString(password)) * math.Log2(float64(pool))
}
