package keyagreement

import (
	"errors"

	"e2e_engine/internal/cryptographic/dh"
	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/kdf"
	"e2e_engine/internal/cryptographic/prng"
)

const ShareLength = 32

var ErrInvalidShare = errors.New("keyagreement: invalid share")

type (
	// Ephemeral is a one-protocol-run X25519 key pair.
	Ephemeral struct {
		_    struct{} `cbor:",toarray"`
		Priv []byte
		Pub  []byte
	}
)

func NewEphemeral(rng prng.PRNG) (Ephemeral, error) {
	priv, pub, err := dh.NewX25519KeyPair(rng)
	if err != nil {
		return Ephemeral{}, err
	}
	return Ephemeral{Priv: priv[:], Pub: pub[:]}, nil
}

// SealShare draws a fresh share and seals it to the peer's ephemeral key.
func SealShare(peerPub []byte, rng prng.PRNG) (share, sealed []byte, err error) {
	share = rng.GenBytes(ShareLength)
	sealed, err = dh.Seal(encryption.AES256GCM, peerPub, share, rng)
	if err != nil {
		return nil, nil, err
	}
	return share, sealed, nil
}

func (e Ephemeral) OpenShare(sealed []byte) ([]byte, error) {
	share, err := dh.Open(encryption.AES256GCM, e.Priv, sealed)
	if err != nil {
		return nil, err
	}
	if len(share) != ShareLength {
		return nil, ErrInvalidShare
	}
	return share, nil
}

// DeriveSeed combines the initiator share k1 and responder share k2.
func DeriveSeed(k1, k2 []byte) ([]byte, error) {
	if len(k1) != ShareLength || len(k2) != ShareLength {
		return nil, ErrInvalidShare
	}

	concat := make([]byte, 0, 2*ShareLength)
	concat = append(concat, k1...)
	concat = append(concat, k2...)

	var sk = make([]byte, 32)
	var secret []byte = nil
	var salt []byte = concat
	var info []byte = []byte("SharedKey")

	_, err := kdf.HKDF(secret, salt, info, sk)
	if err != nil {
		return nil, err
	}
	return sk, nil
}
