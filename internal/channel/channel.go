package channel

import (
	"context"
	"crypto/sha256"
	"errors"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/model"
	"e2e_engine/internal/repository/kv"
)

var (
	ErrNoDestination        = errors.New("channel: no destination for message")
	ErrNoAcceptableChannel  = errors.New("channel: no acceptable channel")
	ErrUnsupportedKind      = errors.New("channel: message cannot travel on this channel kind")
	ErrUndecryptable        = errors.New("channel: no key could unwrap the message")
	ErrChannelNotFound      = errors.New("channel: oblivious channel not found")
	ErrChannelAlreadyExists = errors.New("channel: oblivious channel already exists")
)

type (
	// NetworkChannel is a channel that produces one header per message key.
	NetworkChannel interface {
		Kind() model.ChannelKind
		CryptoSuiteVersion() encryption.SuiteVersion
		ToIdentity() model.CryptoIdentity
		ToDeviceUID() model.UID
		WrapMessageKey(key encryption.Key, rng prng.PRNG) (*model.Header, error)
	}

	// SendChannelType describes where a message must go; the manager turns it
	// into the set of acceptable channels.
	SendChannelType struct {
		Kind                 model.ChannelKind
		FromOwnedIdentity    model.CryptoIdentity
		ToIdentities         []model.CryptoIdentity
		RemoteDeviceUIDs     []model.UID
		NecessarilyConfirmed bool
		DialogUUID           model.UID
	}

	// IdentityDelegate answers identity questions inside the caller's
	// transaction.
	IdentityDelegate interface {
		CurrentDeviceUID(tx kv.Tx, owned model.CryptoIdentity) (model.UID, error)
		ContactDeviceUIDs(tx kv.Tx, owned, contact model.CryptoIdentity) ([]model.UID, error)
		EncryptionPrivateKey(tx kv.Tx, owned model.CryptoIdentity) ([]byte, error)
	}

	// Transport is the network delegate. It returns the destinations the
	// server accepted.
	Transport interface {
		Submit(ctx context.Context, msg *model.EncryptedNetworkMessage) ([]model.Destination, error)
	}
)

func Local(owned model.CryptoIdentity) SendChannelType {
	return SendChannelType{Kind: model.LocalChannelKind, FromOwnedIdentity: owned}
}

func UserInterface(owned model.CryptoIdentity, dialogUUID model.UID) SendChannelType {
	return SendChannelType{Kind: model.UserInterfaceChannelKind, FromOwnedIdentity: owned, DialogUUID: dialogUUID}
}

func ServerQuery(owned model.CryptoIdentity) SendChannelType {
	return SendChannelType{Kind: model.ServerQueryChannelKind, FromOwnedIdentity: owned}
}

// Oblivious targets the given devices of the given identities, or all their
// devices when remoteDevices is empty.
func Oblivious(owned model.CryptoIdentity, to []model.CryptoIdentity, remoteDevices []model.UID, necessarilyConfirmed bool) SendChannelType {
	return SendChannelType{
		Kind:                 model.ObliviousChannelKind,
		FromOwnedIdentity:    owned,
		ToIdentities:         to,
		RemoteDeviceUIDs:     remoteDevices,
		NecessarilyConfirmed: necessarilyConfirmed,
	}
}

func AllConfirmedObliviousChannels(owned model.CryptoIdentity, to ...model.CryptoIdentity) SendChannelType {
	return Oblivious(owned, to, nil, true)
}

func Asymmetric(owned, to model.CryptoIdentity, remoteDevices []model.UID) SendChannelType {
	return SendChannelType{
		Kind:              model.AsymmetricChannelKind,
		FromOwnedIdentity: owned,
		ToIdentities:      []model.CryptoIdentity{to},
		RemoteDeviceUIDs:  remoteDevices,
	}
}

func AsymmetricBroadcast(owned model.CryptoIdentity, to ...model.CryptoIdentity) SendChannelType {
	return SendChannelType{
		Kind:              model.AsymmetricBroadcastChannelKind,
		FromOwnedIdentity: owned,
		ToIdentities:      to,
	}
}

func identityDigest(c model.CryptoIdentity) []byte {
	sum := sha256.Sum256(c.Bytes())
	return sum[:]
}
