package signature

import (
	"github.com/katzenpost/circl/ecc/goldilocks"
	"github.com/katzenpost/circl/sign/ed448"
)

var ed448Parameters = curveParameters{
	name:           "Ed448",
	publicKeySize:  ed448.PublicKeySize,
	seedSize:       ed448.SeedSize,
	signatureSize:  ed448.SignatureSize,
	cofactor:       4,
	sign:           ed448Sign,
	verify:         ed448Verify,
	publicFromSeed: ed448PublicFromSeed,
	isLowOrder:     ed448IsLowOrder,
}

func ed448Sign(seed, message []byte) ([]byte, error) {
	return ed448.Sign(ed448.NewKeyFromSeed(seed), message, ""), nil
}

func ed448Verify(pub, message, sig []byte) bool {
	return ed448.Verify(ed448.PublicKey(pub), message, sig, "")
}

func ed448PublicFromSeed(seed []byte) ([]byte, error) {
	pub := ed448.NewKeyFromSeed(seed).Public().(ed448.PublicKey)
	return []byte(pub), nil
}

func ed448IsLowOrder(pub []byte, cofactor int) (bool, error) {
	p, err := goldilocks.FromBytes(pub)
	if err != nil {
		return false, ErrInvalidKey
	}
	for i := 1; i < cofactor; i *= 2 {
		p.Double()
	}
	return p.IsIdentity(), nil
}
