package encoder

import (
	"errors"
	"fmt"

	"e2e_engine/internal/model"

	"github.com/fxamacker/cbor/v2"
)

const PaddingBlock = 512

var (
	ErrMalformedEnvelope = errors.New("encoder: malformed envelope")
	ErrBadPadding        = errors.New("encoder: non-zero padding")
)

type (
	// Encoded is an already encoded element nested inside another.
	Encoded = cbor.RawMessage

	envelope struct {
		_       struct{} `cbor:",toarray"`
		Type    model.MessageType
		Payload cbor.RawMessage
	}
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal is the deterministic encoding used for every wire element.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// PaddedLength is 0 for 0, otherwise the smallest multiple of 512 >= n.
func PaddedLength(n int) int {
	if n <= 0 {
		return 0
	}
	return (1 + ((n - 1) >> 9)) << 9
}

// Pad zero-fills data up to PaddedLength.
func Pad(data []byte) []byte {
	out := make([]byte, PaddedLength(len(data)))
	copy(out, data)
	return out
}

// EncodeEnvelope produces the padded plaintext [type, payload].
func EncodeEnvelope(t model.MessageType, payload []byte) ([]byte, error) {
	if payload == nil {
		payload = []byte{0xf6} // cbor null
	}
	data, err := Marshal(&envelope{Type: t, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return Pad(data), nil
}

// DecodeEnvelope reads one envelope and requires what follows to be zeros.
func DecodeEnvelope(padded []byte) (model.MessageType, []byte, error) {
	var env envelope
	rest, err := decMode.UnmarshalFirst(padded, &env)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	for _, b := range rest {
		if b != 0 {
			return 0, nil, ErrBadPadding
		}
	}
	if !env.Type.Valid() {
		return 0, nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedEnvelope, env.Type)
	}
	return env.Type, env.Payload, nil
}
