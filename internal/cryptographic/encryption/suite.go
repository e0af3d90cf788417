package encryption

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"e2e_engine/internal/cryptographic/kdf"
	"e2e_engine/internal/cryptographic/prng"

	"github.com/fxamacker/cbor/v2"
)

type (
	// ImplementationID is the 1-byte wire id of an authenticated encryption scheme.
	ImplementationID byte

	// SuiteVersion is what channels advertise. The wrapper negotiates the
	// minimum version across all channels of a message.
	SuiteVersion int

	Key struct {
		_         struct{} `cbor:",toarray"`
		Algorithm ImplementationID
		Raw       []byte
	}

	implementation struct {
		name    string
		keySize int
		encrypt func(key, plaintext []byte, rng prng.PRNG) ([]byte, error)
		decrypt func(key, ciphertext []byte) ([]byte, error)
	}
)

const (
	CTRAES256ThenHMACSHA256 ImplementationID = 0x00
	AES256GCM               ImplementationID = 0x01
	XChaCha20Poly1305       ImplementationID = 0x02
)

const (
	MinSuiteVersion    SuiteVersion = 0
	LatestSuiteVersion SuiteVersion = 2
)

var (
	ErrUnknownAlgorithm = errors.New("encryption: unknown algorithm id")
	ErrInvalidKey       = errors.New("encryption: invalid key")
	ErrDecryption       = errors.New("encryption: authentication failed")
	ErrCiphertextShort  = errors.New("encryption: ciphertext too short")
)

var implementations = map[ImplementationID]implementation{
	CTRAES256ThenHMACSHA256: {
		name:    "CTR-AES256-THEN-HMAC-SHA256",
		keySize: ctrKeySize,
		encrypt: ctrHMACEncrypt,
		decrypt: ctrHMACDecrypt,
	},
	AES256GCM: {
		name:    "AES256-GCM",
		keySize: 32,
		encrypt: gcmEncrypt,
		decrypt: gcmDecrypt,
	},
	XChaCha20Poly1305: {
		name:    "XCHACHA20-POLY1305",
		keySize: 32,
		encrypt: xchachaEncrypt,
		decrypt: xchachaDecrypt,
	},
}

func (id ImplementationID) String() string {
	if impl, ok := implementations[id]; ok {
		return impl.name
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(id))
}

// ForSuiteVersion returns the implementation a suite version mandates.
func ForSuiteVersion(v SuiteVersion) (ImplementationID, error) {
	if v < MinSuiteVersion || v > LatestSuiteVersion {
		return 0, fmt.Errorf("%w: suite version %d", ErrUnknownAlgorithm, v)
	}
	return ImplementationID(v), nil
}

func lookup(id ImplementationID) (implementation, error) {
	impl, ok := implementations[id]
	if !ok {
		return implementation{}, fmt.Errorf("%w: 0x%02x", ErrUnknownAlgorithm, byte(id))
	}
	return impl, nil
}

func GenerateKey(id ImplementationID, rng prng.PRNG) (Key, error) {
	impl, err := lookup(id)
	if err != nil {
		return Key{}, err
	}
	return Key{Algorithm: id, Raw: rng.GenBytes(impl.keySize)}, nil
}

// GenerateMessageKey draws fresh randomness and folds a digest of the content
// it will protect into the key.
func GenerateMessageKey(id ImplementationID, rng prng.PRNG, content []byte) (Key, error) {
	impl, err := lookup(id)
	if err != nil {
		return Key{}, err
	}

	digest := sha256.Sum256(content)
	raw, err := kdf.Derive(rng.GenSeed(), digest[:], []byte("MessageKey"), impl.keySize)
	if err != nil {
		return Key{}, err
	}
	return Key{Algorithm: id, Raw: raw}, nil
}

// KeyFromSeed deterministically builds a key of the given algorithm.
func KeyFromSeed(id ImplementationID, seed []byte) (Key, error) {
	impl, err := lookup(id)
	if err != nil {
		return Key{}, err
	}

	raw, err := kdf.Derive(seed, nil, []byte("KeyFromSeed"), impl.keySize)
	if err != nil {
		return Key{}, err
	}
	return Key{Algorithm: id, Raw: raw}, nil
}

func Encrypt(key Key, plaintext []byte, rng prng.PRNG) ([]byte, error) {
	impl, err := lookup(key.Algorithm)
	if err != nil {
		return nil, err
	}
	if len(key.Raw) != impl.keySize {
		return nil, ErrInvalidKey
	}
	return impl.encrypt(key.Raw, plaintext, rng)
}

func Decrypt(key Key, ciphertext []byte) ([]byte, error) {
	impl, err := lookup(key.Algorithm)
	if err != nil {
		return nil, err
	}
	if len(key.Raw) != impl.keySize {
		return nil, ErrInvalidKey
	}
	return impl.decrypt(key.Raw, ciphertext)
}

func (k Key) Equal(o Key) bool {
	return k.Algorithm == o.Algorithm && string(k.Raw) == string(o.Raw)
}

func (k Key) Encode() ([]byte, error) {
	return cbor.Marshal(k)
}

func DecodeKey(data []byte) (Key, error) {
	var k Key
	if err := cbor.Unmarshal(data, &k); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	impl, err := lookup(k.Algorithm)
	if err != nil {
		return Key{}, err
	}
	if len(k.Raw) != impl.keySize {
		return Key{}, ErrInvalidKey
	}
	return k, nil
}
