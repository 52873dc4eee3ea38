package models

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Hash32 is a 32-byte digest: commitments and content addresses
type Hash32 [32]byte

func (h Hash32) String() string { return hex.EncodeToString(h[:]) }

// Short is the first 8 hex characters, for logs
func (h Hash32) Short() string { return hex.EncodeToString(h[:4]) }

func (h Hash32) IsZero() bool { return h == Hash32{} }

// Compare orders hashes as big-endian unsigned integers
func (h Hash32) Compare(other Hash32) int { return bytes.Compare(h[:], other[:]) }

func (h Hash32) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *Hash32) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 64-character hex string
func ParseHash(s string) (Hash32, error) {
	var h Hash32
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("hash is %d bytes, want %d", len(decoded), len(h))
	}
	copy(h[:], decoded)
	return h, nil
}
