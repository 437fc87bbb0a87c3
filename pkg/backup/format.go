package backup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// A backup file is a single frame, integers big-endian:
//
//	magic[8] ‖ u32 len ‖ header JSON ‖ u32 len ‖ payload ‖ HMAC-SHA256
//
// The HMAC covers every byte before it. The payload is the sealed
// (nonce ‖ ciphertext ‖ tag) vault snapshot.

// Magic opens every backup file.
var Magic = [8]byte{'S', 'T', 'L', 'R', '_', 'B', 'K', 'P'}

// FormatVersion is the newest frame version this package reads and the one
// it writes.
const FormatVersion = 1

const maxHeaderSize = 1 << 20

// Mode records where the backup keys came from.
type Mode string

const (
	ModePassword Mode = "password"
	ModeKeyFile  Mode = "keyfile"
)

// KDFParams are the Argon2id parameters of a password-mode backup.
type KDFParams struct {
	Salt        []byte `json:"salt"`
	Memory      uint32 `json:"memory"`
	Iterations  uint32 `json:"iterations"`
	Parallelism uint8  `json:"parallelism"`
}

// matches reports whether p uses the parameters this build derives with.
func (p *KDFParams) matches() bool {
	want := passwordKDF(nil)
	return p.Memory == want.Memory && p.Iterations == want.Iterations &&
		p.Parallelism == want.Parallelism && len(p.Salt) > 0
}

// Header is the cleartext, HMAC-protected description of a backup.
type Header struct {
	Version       int        `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	VaultVersion  string     `json:"vault_version"`
	SecurityLevel string     `json:"security_level"`
	Mode          Mode       `json:"mode"`
	KDF           *KDFParams `json:"kdf,omitempty"`
	IncludesAudit bool       `json:"includes_audit"`
	EntryCount    int        `json:"entry_count"`
	Compression   string     `json:"compression"`
}

// frame is a decoded backup file. Its slices alias the input.
type frame struct {
	header  *Header
	signed  []byte
	payload []byte
	mac     []byte
}

func encodeFrame(h *Header, payload []byte, keys *sealKeys) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to encode header: %w", err)
	}

	out := make([]byte, 0, len(Magic)+4+len(hdr)+4+len(payload)+HMACLength)
	out = append(out, Magic[:]...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return append(out, keys.sum(out)...), nil
}

// decodeFrame splits data into its parts without checking the HMAC.
func decodeFrame(data []byte) (*frame, error) {
	if len(data) < len(Magic) || !bytes.Equal(data[:len(Magic)], Magic[:]) {
		return nil, ErrInvalidMagic
	}

	hdr, rest, err := nextField(data[len(Magic):])
	if err != nil {
		return nil, err
	}
	if len(hdr) > maxHeaderSize {
		return nil, fmt.Errorf("backup: header too large: %d bytes", len(hdr))
	}
	var h Header
	if err := json.Unmarshal(hdr, &h); err != nil {
		return nil, fmt.Errorf("backup: malformed header: %w", err)
	}
	if h.Version < 1 || h.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d", ErrUnsupportedVersion, h.Version, FormatVersion)
	}

	payload, rest, err := nextField(rest)
	if err != nil {
		return nil, err
	}
	switch {
	case len(rest) < HMACLength:
		return nil, ErrTruncated
	case len(rest) > HMACLength:
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrIntegrityFailed, len(rest)-HMACLength)
	}

	return &frame{
		header:  &h,
		signed:  data[:len(data)-HMACLength],
		payload: payload,
		mac:     rest,
	}, nil
}

// nextField cuts one length-prefixed field off the front of b.
func nextField(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	if uint64(n) > uint64(len(b)) {
		return nil, nil, ErrTruncated
	}
	return b[:n], b[n:], nil
}
