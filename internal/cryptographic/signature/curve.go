package signature

import (
	"errors"
	"fmt"
	"strings"

	"e2e_engine/internal/cryptographic/prng"

	"github.com/fxamacker/cbor/v2"
)

type (
	// CurveID is the 1-byte wire tag of a signature curve.
	CurveID byte

	curveParameters struct {
		name           string
		publicKeySize  int
		seedSize       int
		signatureSize  int
		// cofactor is a power of two
		cofactor       int
		sign           func(seed, message []byte) ([]byte, error)
		verify         func(pub, message, sig []byte) bool
		publicFromSeed func(seed []byte) ([]byte, error)
		isLowOrder     func(pub []byte, cofactor int) (bool, error)
	}

	PublicKey struct {
		_     struct{} `cbor:",toarray"`
		Curve CurveID
		Raw   []byte
	}

	// PrivateKey holds the curve seed. Use PublicKey() to recover the pair.
	PrivateKey struct {
		_     struct{} `cbor:",toarray"`
		Curve CurveID
		Raw   []byte
	}
)

const (
	Curve25519 CurveID = 0x00
	Curve448   CurveID = 0x01
)

var (
	ErrUnknownCurve = errors.New("signature: unknown curve id")
	ErrInvalidKey   = errors.New("signature: invalid key")
	ErrLowOrder     = errors.New("signature: low order public key")
)

var curves = map[CurveID]curveParameters{
	Curve25519: ed25519Parameters,
	Curve448:   ed448Parameters,
}

func params(id CurveID) (curveParameters, error) {
	p, ok := curves[id]
	if !ok {
		return curveParameters{}, fmt.Errorf("%w: 0x%02x", ErrUnknownCurve, byte(id))
	}
	return p, nil
}

func (id CurveID) String() string {
	if p, ok := curves[id]; ok {
		return p.name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(id))
}

// ParseCurve accepts the curve name in any case.
func ParseCurve(name string) (CurveID, error) {
	for id, p := range curves {
		if strings.EqualFold(p.name, name) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCurve, name)
}

func (id CurveID) SignatureSize() int {
	return curves[id].signatureSize
}

func GenerateKeyPair(id CurveID, rng prng.PRNG) (PublicKey, PrivateKey, error) {
	p, err := params(id)
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}

	priv := PrivateKey{Curve: id, Raw: rng.GenBytes(p.seedSize)}
	pub, err := priv.PublicKey()
	if err != nil {
		return PublicKey{}, PrivateKey{}, err
	}
	return pub, priv, nil
}

// PublicKey recomputes the public point from the private scalar.
func (k PrivateKey) PublicKey() (PublicKey, error) {
	p, err := params(k.Curve)
	if err != nil {
		return PublicKey{}, err
	}
	if len(k.Raw) != p.seedSize {
		return PublicKey{}, ErrInvalidKey
	}

	raw, err := p.publicFromSeed(k.Raw)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{Curve: k.Curve, Raw: raw}, nil
}

func Sign(priv PrivateKey, message []byte) ([]byte, error) {
	p, err := params(priv.Curve)
	if err != nil {
		return nil, err
	}
	if len(priv.Raw) != p.seedSize {
		return nil, ErrInvalidKey
	}
	return p.sign(priv.Raw, message)
}

// Verify reports false for any malformed input.
func Verify(pub PublicKey, message, sig []byte) bool {
	p, err := params(pub.Curve)
	if err != nil {
		return false
	}
	if len(pub.Raw) != p.publicKeySize || len(sig) != p.signatureSize {
		return false
	}
	return p.verify(pub.Raw, message, sig)
}

// IsLowOrder reports whether the key lies in the small subgroup, i.e. the
// cofactor times the point is the identity. Undecodable points are errors.
func (k PublicKey) IsLowOrder() (bool, error) {
	p, err := params(k.Curve)
	if err != nil {
		return false, err
	}
	if len(k.Raw) != p.publicKeySize {
		return false, ErrInvalidKey
	}
	return p.isLowOrder(k.Raw, p.cofactor)
}

// Equal compares curve and encoded point.
func (k PublicKey) Equal(o PublicKey) bool {
	return k.Curve == o.Curve && string(k.Raw) == string(o.Raw)
}

// Bytes is the compact encoding: curve id followed by the point.
func (k PublicKey) Bytes() []byte {
	return append([]byte{byte(k.Curve)}, k.Raw...)
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) < 1 {
		return PublicKey{}, ErrInvalidKey
	}
	id := CurveID(b[0])
	p, err := params(id)
	if err != nil {
		return PublicKey{}, err
	}
	if len(b)-1 != p.publicKeySize {
		return PublicKey{}, ErrInvalidKey
	}
	return PublicKey{Curve: id, Raw: append([]byte(nil), b[1:]...)}, nil
}

func (k *PublicKey) UnmarshalCBOR(data []byte) error {
	type plain PublicKey
	var tmp plain
	if err := cbor.Unmarshal(data, &tmp); err != nil {
		return err
	}
	if len(tmp.Raw) == 0 && tmp.Curve == 0 {
		*k = PublicKey{}
		return nil
	}
	p, err := params(tmp.Curve)
	if err != nil {
		return err
	}
	if len(tmp.Raw) != p.publicKeySize {
		return ErrInvalidKey
	}
	*k = PublicKey(tmp)
	return nil
}
