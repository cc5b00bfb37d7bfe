package monitor

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/xxh3"
)

// Fingerprint is a 128-bit digest of a canonical JSON encoding. Two values
// that marshal identically produce the same Fingerprint.
type Fingerprint [16]byte

// zeroFingerprint is the zero-value Fingerprint.
var zeroFingerprint Fingerprint

// Hex returns the lowercase hex encoding of the fingerprint.
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero fingerprint.
func (f Fingerprint) IsZero() bool {
	return f == zeroFingerprint
}

// fingerprintOf computes the fingerprint of v's JSON encoding. Go's
// encoding/json sorts map keys at all nesting levels, so struct and map
// values fingerprint deterministically without manual sorting.
func fingerprintOf(v any) (Fingerprint, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return zeroFingerprint, err
	}
	h128 := xxh3.Hash128(data)
	var f Fingerprint
	binary.LittleEndian.PutUint64(f[:8], h128.Lo)
	binary.LittleEndian.PutUint64(f[8:], h128.Hi)
	return f, nil
}
