package model

import (
	"fmt"
)

type (
	// MessageType is the first element of every plaintext envelope.
	MessageType int

	// ChannelKind names how a message travels or arrived.
	ChannelKind int

	// ReceptionChannelInfo tells a protocol step which channel delivered the
	// message it is processing.
	ReceptionChannelInfo struct {
		_               struct{} `cbor:",toarray"`
		Kind            ChannelKind
		RemoteIdentity  CryptoIdentity
		RemoteDeviceUID UID
	}

	// Header carries the message key wrapped for one recipient device.
	Header struct {
		ToIdentity        CryptoIdentity `json:"to_identity"`
		DeviceUID         UID            `json:"device_uid"`
		WrappedMessageKey []byte         `json:"wrapped_message_key"`
	}

	Attachment struct {
		Key             []byte `json:"key"`
		Metadata        []byte `json:"metadata"`
		ByteSize        int64  `json:"byte_size"`
		FilePath        string `json:"-"`
		DeleteAfterSend bool   `json:"-"`
	}

	// EncryptedNetworkMessage is what one server receives for one outgoing
	// logical message.
	EncryptedNetworkMessage struct {
		MessageID                UID            `json:"message_id"`
		FromIdentity             CryptoIdentity `json:"from_identity"`
		ServerURL                string         `json:"server_url"`
		EncryptedPayload         []byte         `json:"encrypted_payload"`
		EncryptedExtendedPayload []byte         `json:"encrypted_extended_payload,omitempty"`
		Headers                  []Header       `json:"headers"`
		Attachments              []Attachment   `json:"attachments,omitempty"`
		WithUserContent          bool           `json:"with_user_content"`
	}

	// ReceivedEncryptedMessage is one header's worth of an
	// EncryptedNetworkMessage as delivered to a device.
	ReceivedEncryptedMessage struct {
		MessageID                UID            `json:"message_id"`
		ToIdentity               CryptoIdentity `json:"to_identity"`
		ToDeviceUID              UID            `json:"to_device_uid"`
		WrappedMessageKey        []byte         `json:"wrapped_message_key"`
		EncryptedPayload         []byte         `json:"encrypted_payload"`
		EncryptedExtendedPayload []byte         `json:"encrypted_extended_payload,omitempty"`
		Attachments              []Attachment   `json:"attachments,omitempty"`
	}

	Destination struct {
		Identity  CryptoIdentity `json:"identity"`
		DeviceUID UID            `json:"device_uid"`
	}
)

const (
	ProtocolMessageType MessageType = iota
	ApplicationMessageType
	DialogMessageType
	DialogResponseMessageType
	ServerQueryMessageType
	ServerResponseMessageType
)

const (
	ObliviousChannelKind ChannelKind = iota
	AsymmetricChannelKind
	AsymmetricBroadcastChannelKind
	LocalChannelKind
	UserInterfaceChannelKind
	ServerQueryChannelKind
)

func (t MessageType) Valid() bool {
	return t >= ProtocolMessageType && t <= ServerResponseMessageType
}

func (t MessageType) String() string {
	switch t {
	case ProtocolMessageType:
		return "protocol"
	case ApplicationMessageType:
		return "application"
	case DialogMessageType:
		return "dialog"
	case DialogResponseMessageType:
		return "dialog_response"
	case ServerQueryMessageType:
		return "server_query"
	case ServerResponseMessageType:
		return "server_response"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

func (k ChannelKind) String() string {
	switch k {
	case ObliviousChannelKind:
		return "oblivious"
	case AsymmetricChannelKind:
		return "asymmetric"
	case AsymmetricBroadcastChannelKind:
		return "asymmetric_broadcast"
	case LocalChannelKind:
		return "local"
	case UserInterfaceChannelKind:
		return "user_interface"
	case ServerQueryChannelKind:
		return "server_query"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Split returns the per-device deliveries of a network message.
func (m *EncryptedNetworkMessage) Split() []*ReceivedEncryptedMessage {
	out := make([]*ReceivedEncryptedMessage, 0, len(m.Headers))
	for _, h := range m.Headers {
		out = append(out, &ReceivedEncryptedMessage{
			MessageID:                m.MessageID,
			ToIdentity:               h.ToIdentity,
			ToDeviceUID:              h.DeviceUID,
			WrappedMessageKey:        h.WrappedMessageKey,
			EncryptedPayload:         m.EncryptedPayload,
			EncryptedExtendedPayload: m.EncryptedExtendedPayload,
			Attachments:              m.Attachments,
		})
	}
	return out
}
