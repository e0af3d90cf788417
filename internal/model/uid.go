package model

import (
	"bytes"
	"encoding/hex"
	"errors"

	"e2e_engine/internal/cryptographic/prng"
)

const UIDLength = 32

type UID [UIDLength]byte

var (
	ErrInvalidUID = errors.New("model: invalid uid")

	// BroadcastDeviceUID addresses every device of an identity.
	BroadcastDeviceUID = UID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func NewUID(rng prng.PRNG) UID {
	var u UID
	copy(u[:], rng.GenBytes(UIDLength))
	return u
}

func UIDFromBytes(b []byte) (UID, error) {
	var u UID
	if len(b) != UIDLength {
		return u, ErrInvalidUID
	}
	copy(u[:], b)
	return u, nil
}

func UIDFromHex(s string) (UID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return UID{}, ErrInvalidUID
	}
	return UIDFromBytes(b)
}

// Compare orders uids lexicographically over their bytes.
func (u UID) Compare(o UID) int {
	return bytes.Compare(u[:], o[:])
}

func (u UID) IsZero() bool {
	return u == UID{}
}

func (u UID) String() string {
	return hex.EncodeToString(u[:])
}

func (u UID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UID) UnmarshalText(b []byte) error {
	v, err := UIDFromHex(string(b))
	if err != nil {
		return err
	}
	*u = v
	return nil
}
