package kdf

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer from HKDF-SHA256(secret, salt, info).
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// Derive returns length bytes of HKDF output.
func Derive(secret, salt, info []byte, length int) ([]byte, error) {
	out := make([]byte, length)
	if _, err := HKDF(secret, salt, info, out); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return out, nil
}

// Diversify binds a shared seed to one device so both directions of a
// channel ratchet independently.
func Diversify(seed, deviceUID []byte) ([]byte, error) {
	return Derive(seed, deviceUID, []byte("DiversifySeed"), len(seed))
}
