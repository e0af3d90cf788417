package signature

import (
	"crypto/ed25519"
	"crypto/sha512"

	"filippo.io/edwards25519"
)

var ed25519Parameters = curveParameters{
	name:           "Ed25519",
	publicKeySize:  ed25519.PublicKeySize,
	seedSize:       ed25519.SeedSize,
	signatureSize:  ed25519.SignatureSize,
	cofactor:       8,
	sign:           ed25519Sign,
	verify:         ed25519Verify,
	publicFromSeed: ed25519PublicFromSeed,
	isLowOrder:     ed25519IsLowOrder,
}

func ed25519Sign(seed, message []byte) ([]byte, error) {
	return ed25519.Sign(ed25519.NewKeyFromSeed(seed), message), nil
}

func ed25519Verify(pub, message, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
}

// s = clamp(SHA-512(seed)[:32]); A = s·B
func ed25519PublicFromSeed(seed []byte) ([]byte, error) {
	h := sha512.Sum512(seed)
	s, err := edwards25519.NewScalar().SetBytesWithClamping(h[:32])
	if err != nil {
		return nil, err
	}
	return new(edwards25519.Point).ScalarBaseMult(s).Bytes(), nil
}

func ed25519IsLowOrder(pub []byte, cofactor int) (bool, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return false, ErrInvalidKey
	}
	for i := 1; i < cofactor; i *= 2 {
		p.Add(p, p)
	}
	return p.Equal(edwards25519.NewIdentityPoint()) == 1, nil
}
