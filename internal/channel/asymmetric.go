package channel

import (
	"e2e_engine/internal/cryptographic/dh"
	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/model"
)

// AsymmetricChannel seals the message key to the recipient identity's
// encryption key. It needs no prior state, which is what lets protocols
// bootstrap oblivious channels over it.
type AsymmetricChannel struct {
	to        model.CryptoIdentity
	deviceUID model.UID
	broadcast bool
}

func NewAsymmetricChannel(to model.CryptoIdentity, deviceUID model.UID) *AsymmetricChannel {
	return &AsymmetricChannel{to: to, deviceUID: deviceUID}
}

func NewAsymmetricBroadcastChannel(to model.CryptoIdentity) *AsymmetricChannel {
	return &AsymmetricChannel{to: to, deviceUID: model.BroadcastDeviceUID, broadcast: true}
}

func (c *AsymmetricChannel) Kind() model.ChannelKind {
	if c.broadcast {
		return model.AsymmetricBroadcastChannelKind
	}
	return model.AsymmetricChannelKind
}

func (c *AsymmetricChannel) CryptoSuiteVersion() encryption.SuiteVersion {
	return encryption.LatestSuiteVersion
}

func (c *AsymmetricChannel) ToIdentity() model.CryptoIdentity {
	return c.to
}

func (c *AsymmetricChannel) ToDeviceUID() model.UID {
	return c.deviceUID
}

// WrapMessageKey produces implementationId(1) || dh.Seal(messageKey).
func (c *AsymmetricChannel) WrapMessageKey(key encryption.Key, rng prng.PRNG) (*model.Header, error) {
	encoded, err := key.Encode()
	if err != nil {
		return nil, err
	}

	id, err := encryption.ForSuiteVersion(c.CryptoSuiteVersion())
	if err != nil {
		return nil, err
	}
	sealed, err := dh.Seal(id, c.to.EncryptionPublicKey, encoded, rng)
	if err != nil {
		return nil, err
	}

	return &model.Header{
		ToIdentity:        c.to,
		DeviceUID:         c.deviceUID,
		WrappedMessageKey: append([]byte{byte(id)}, sealed...),
	}, nil
}

func unwrapAsymmetric(encryptionPrivateKey, wrapped []byte) (encryption.Key, error) {
	if len(wrapped) < 1+dh.KeySize {
		return encryption.Key{}, encryption.ErrCiphertextShort
	}
	plain, err := dh.Open(encryption.ImplementationID(wrapped[0]), encryptionPrivateKey, wrapped[1:])
	if err != nil {
		return encryption.Key{}, err
	}
	return encryption.DecodeKey(plain)
}
