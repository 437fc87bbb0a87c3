package security

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MinPasswordLength is the minimum number of characters in a vault password.
const MinPasswordLength = 12

// ErrWeakPassword indicates a password rejected by ValidatePassword. The
// wrapping error carries the reason.
var ErrWeakPassword = errors.New("security: password does not meet policy")

// weakPatterns are rejected anywhere in the password, case-insensitively.
var weakPatterns = []string{
	"password", "123456", "qwerty", "admin", "letmein", "welcome",
	"monkey", "dragon", "master", "111111", "abc123", "654321",
}

// ValidatePassword enforces the vault password policy. Checks run in a fixed
// order and the first failure is reported:
//   - at least MinPasswordLength characters
//   - an uppercase letter, a lowercase letter, a digit
//   - a special (non-alphanumeric) character
//   - no common weak pattern
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return weak("minimum %d characters required", MinPasswordLength)
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) {
			hasSpecial = true
		}
	}

	switch {
	case !hasUpper:
		return weak("must contain at least one uppercase letter")
	case !hasLower:
		return weak("must contain at least one lowercase letter")
	case !hasDigit:
		return weak("must contain at least one digit")
	case !hasSpecial:
		return weak("must contain at least one special character")
	}

	lower := strings.ToLower(password)
	for _, p := range weakPatterns {
		if strings.Contains(lower, p) {
			return weak("contains common weak pattern %q", p)
		}
	}
	return nil
}

func weak(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrWeakPassword, fmt.Sprintf(format, args...))
}
