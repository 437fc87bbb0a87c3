package security

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
		reason   string
	}{
		{"compliant", "Correct-Horse-B4ttery", false, ""},
		{"compliant exactly 12", "Abcdefgh1!xy", false, ""},
		{"unicode special counts", "Abcdefgh1xyé€", false, ""},
		{"too short", "Ab1!", true, "minimum 12 characters"},
		{"11 chars", "Abcdefgh1!x", true, "minimum 12 characters"},
		{"no uppercase", "abcdefgh1!xy", true, "uppercase"},
		{"no lowercase", "ABCDEFGH1!XY", true, "lowercase"},
		{"no digit", "Abcdefghij!x", true, "digit"},
		{"no special", "Abcdefgh12xy", true, "special"},
		{"deny-list password", "MyPassword1!x", true, "password"},
		{"deny-list case-insensitive", "xQWERTYz1!ab", true, "qwerty"},
		{"deny-list digits", "Zz!123456xyq", true, "123456"},
		{"deny-list master", "Ma$terMASTER9", true, "master"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if !tt.wantErr {
				if err != nil {
					t.Errorf("ValidatePassword(%q) error = %v, want nil", tt.password, err)
				}
				return
			}
			if !errors.Is(err, ErrWeakPassword) {
				t.Fatalf("ValidatePassword(%q) error = %v, want %v", tt.password, err, ErrWeakPassword)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("ValidatePassword(%q) error = %q, want reason containing %q", tt.password, err, tt.reason)
			}
		})
	}
}

func TestValidatePasswordCheckOrder(t *testing.T) {
	// Short passwords report length before composition.
	err := ValidatePassword("password")
	if err == nil || !strings.Contains(err.Error(), "minimum") {
		t.Errorf("ValidatePassword() error = %v, want length failure first", err)
	}
}
