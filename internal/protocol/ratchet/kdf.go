package ratchet

import (
	"crypto/sha256"
	"encoding/hex"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/kdf"
)

const (
	SeedLength  = 32
	KeyIDLength = 32
)

// KeyID lets a receiver find the provisioned key without learning anything
// about the channel from the wire.
type KeyID [KeyIDLength]byte

func KeyIDFromBytes(b []byte) (KeyID, bool) {
	var k KeyID
	if len(b) < KeyIDLength {
		return k, false
	}
	copy(k[:], b[:KeyIDLength])
	return k, true
}

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// InitialSeed derives the channel seed from the key agreement output.
func InitialSeed(sharedSecret []byte) []byte {
	sum := sha256.Sum256(sharedSecret)
	return sum[:]
}

// SelfRatchet derives the next seed, a key id and the channel key from seed.
func SelfRatchet(seed []byte, version encryption.SuiteVersion) (nextSeed []byte, keyID KeyID, key encryption.Key, err error) {
	buffer := make([]byte, SeedLength+KeyIDLength+SeedLength)
	_, err = kdf.HKDF([]byte("RatchetInput"), seed, []byte("SelfRatchet"), buffer)
	if err != nil {
		return nil, keyID, key, err
	}

	nextSeed = buffer[:SeedLength]
	copy(keyID[:], buffer[SeedLength:SeedLength+KeyIDLength])

	id, err := encryption.ForSuiteVersion(version)
	if err != nil {
		return nil, keyID, key, err
	}
	key, err = encryption.KeyFromSeed(id, buffer[SeedLength+KeyIDLength:])
	if err != nil {
		return nil, keyID, key, err
	}
	return nextSeed, keyID, key, nil
}
