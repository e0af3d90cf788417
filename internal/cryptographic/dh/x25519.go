package dh

import (
	"errors"
	"fmt"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/kdf"
	"e2e_engine/internal/cryptographic/prng"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

var ErrInvalidPublicKey = errors.New("dh: invalid public key")

// NewX25519KeyPair draws the private scalar from rng.
func NewX25519KeyPair(rng prng.PRNG) (priv, pub [KeySize]byte, err error) {
	copy(priv[:], rng.GenBytes(KeySize))
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(pub[:], p)
	return priv, pub, nil
}

func PublicKey(priv []byte) ([]byte, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidPublicKey
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// X25519SharedSecret fails on low-order peer keys (all-zero output).
func X25519SharedSecret(priv, pub []byte) ([]byte, error) {
	if len(pub) != KeySize {
		return nil, ErrInvalidPublicKey
	}
	return curve25519.X25519(priv, pub)
}

// Seal encrypts plaintext to the owner of recipientPub:
// ephemeralPub(32) || Encrypt(HKDF(dh, ephemeralPub||recipientPub), plaintext).
func Seal(id encryption.ImplementationID, recipientPub, plaintext []byte, rng prng.PRNG) ([]byte, error) {
	ephPriv, ephPub, err := NewX25519KeyPair(rng)
	if err != nil {
		return nil, err
	}

	shared, err := X25519SharedSecret(ephPriv[:], recipientPub)
	if err != nil {
		return nil, err
	}

	key, err := sealKey(id, shared, ephPub[:], recipientPub)
	if err != nil {
		return nil, err
	}

	ct, err := encryption.Encrypt(key, plaintext, rng)
	if err != nil {
		return nil, err
	}
	return append(ephPub[:], ct...), nil
}

func Open(id encryption.ImplementationID, recipientPriv, sealed []byte) ([]byte, error) {
	if len(sealed) < KeySize {
		return nil, encryption.ErrCiphertextShort
	}
	ephPub := sealed[:KeySize]

	recipientPub, err := PublicKey(recipientPriv)
	if err != nil {
		return nil, err
	}

	shared, err := X25519SharedSecret(recipientPriv, ephPub)
	if err != nil {
		return nil, err
	}

	key, err := sealKey(id, shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	return encryption.Decrypt(key, sealed[KeySize:])
}

func sealKey(id encryption.ImplementationID, shared, ephPub, recipientPub []byte) (encryption.Key, error) {
	salt := append(append([]byte{}, ephPub...), recipientPub...)
	seed, err := kdf.Derive(shared, salt, []byte("SealKey"), 32)
	if err != nil {
		return encryption.Key{}, err
	}
	return encryption.KeyFromSeed(id, seed)
}
