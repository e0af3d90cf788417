package model

import (
	"encoding/base64"
	"errors"
	"fmt"

	"e2e_engine/internal/cryptographic/dh"
	"e2e_engine/internal/cryptographic/signature"

	"github.com/fxamacker/cbor/v2"
)

var ErrInvalidIdentity = errors.New("model: invalid crypto identity")

// CryptoIdentity is immutable once built; equality is over its key material
// and server.
type CryptoIdentity struct {
	_                       struct{} `cbor:",toarray"`
	ServerURL               string
	AuthenticationPublicKey signature.PublicKey
	EncryptionPublicKey     []byte
}

func NewCryptoIdentity(serverURL string, auth signature.PublicKey, enc []byte) (CryptoIdentity, error) {
	if serverURL == "" || len(enc) != dh.KeySize || len(auth.Raw) == 0 {
		return CryptoIdentity{}, ErrInvalidIdentity
	}
	return CryptoIdentity{
		ServerURL:               serverURL,
		AuthenticationPublicKey: auth,
		EncryptionPublicKey:     append([]byte(nil), enc...),
	}, nil
}

func (c CryptoIdentity) Equal(o CryptoIdentity) bool {
	return c.ServerURL == o.ServerURL &&
		c.AuthenticationPublicKey.Equal(o.AuthenticationPublicKey) &&
		string(c.EncryptionPublicKey) == string(o.EncryptionPublicKey)
}

func (c CryptoIdentity) IsZero() bool {
	return c.ServerURL == "" && len(c.AuthenticationPublicKey.Raw) == 0 && len(c.EncryptionPublicKey) == 0
}

func (c CryptoIdentity) Bytes() []byte {
	b, err := cbor.Marshal(c)
	if err != nil {
		// all fields are plain values
		panic(err)
	}
	return b
}

func CryptoIdentityFromBytes(b []byte) (CryptoIdentity, error) {
	var c CryptoIdentity
	if err := cbor.Unmarshal(b, &c); err != nil {
		return CryptoIdentity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if len(c.EncryptionPublicKey) != dh.KeySize {
		return CryptoIdentity{}, ErrInvalidIdentity
	}
	return c, nil
}

// Key is a stable string usable as map key and storage key prefix.
func (c CryptoIdentity) Key() string {
	return string(c.Bytes())
}

// String is the url-safe base64 of the binary form, used on the relay API.
func (c CryptoIdentity) String() string {
	return base64.RawURLEncoding.EncodeToString(c.Bytes())
}

func ParseCryptoIdentity(s string) (CryptoIdentity, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return CryptoIdentity{}, ErrInvalidIdentity
	}
	return CryptoIdentityFromBytes(b)
}

func (c CryptoIdentity) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *CryptoIdentity) UnmarshalText(b []byte) error {
	v, err := ParseCryptoIdentity(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
