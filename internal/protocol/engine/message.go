package engine

import (
	"errors"
	"fmt"

	"e2e_engine/internal/encoder"
	"e2e_engine/internal/model"
	"e2e_engine/internal/repository/kv"
)

var ErrMalformedMessage = errors.New("engine: malformed protocol message")

type (
	// Envelope is the encoded elements of every protocol message.
	Envelope struct {
		_           struct{} `cbor:",toarray"`
		ProtocolID  ProtocolID
		InstanceUID model.UID
		MessageID   MessageID
		Body        encoder.Encoded
	}

	ReceivedProtocolMessage struct {
		ID            model.UID
		OwnedIdentity model.CryptoIdentity
		Envelope      Envelope
		Reception     model.ReceptionChannelInfo

		// Consume, when set, runs in the same transaction that processes the
		// message, e.g. to delete it from the queue it came from.
		Consume func(tx kv.Tx) error
	}
)

func EncodeMessage(protocol ProtocolID, instance model.UID, msg Message) ([]byte, error) {
	body, err := encoder.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	return encoder.Marshal(&Envelope{
		ProtocolID:  protocol,
		InstanceUID: instance,
		MessageID:   msg.MessageID(),
		Body:        body,
	})
}

func DecodeEnvelope(encoded []byte) (Envelope, error) {
	var env Envelope
	if err := encoder.Unmarshal(encoded, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return env, nil
}
