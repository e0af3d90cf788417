package channel

import (
	"fmt"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/encoder"
	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/ratchet"
	"e2e_engine/internal/repository/kv"
)

const (
	obliviousBucket = "oblivious_channels"
	keyIndexBucket  = "oblivious_key_index"
)

type (
	obliviousRecord struct {
		OwnedIdentity    model.CryptoIdentity
		CurrentDeviceUID model.UID
		RemoteIdentity   model.CryptoIdentity
		RemoteDeviceUID  model.UID
		Confirmed        bool
		Send             ratchet.SendState
		Receive          ratchet.ReceiveState
	}

	// ObliviousChannel is a ratcheted symmetric channel with one remote
	// device. Wrapping advances its send seed, so the manager persists it
	// in the transaction that queues the message.
	ObliviousChannel struct {
		rec   *obliviousRecord
		dirty bool
	}
)

func (c *ObliviousChannel) Kind() model.ChannelKind {
	return model.ObliviousChannelKind
}

func (c *ObliviousChannel) CryptoSuiteVersion() encryption.SuiteVersion {
	return c.rec.Send.SuiteVersion
}

func (c *ObliviousChannel) ToIdentity() model.CryptoIdentity {
	return c.rec.RemoteIdentity
}

func (c *ObliviousChannel) ToDeviceUID() model.UID {
	return c.rec.RemoteDeviceUID
}

func (c *ObliviousChannel) Confirmed() bool {
	return c.rec.Confirmed
}

func (c *ObliviousChannel) CurrentDeviceUID() model.UID {
	return c.rec.CurrentDeviceUID
}

func (c *ObliviousChannel) EncryptedCount() uint64 {
	return c.rec.Send.Count
}

// WrapMessageKey produces keyId || Encrypt(channelKey, messageKey).
func (c *ObliviousChannel) WrapMessageKey(key encryption.Key, rng prng.PRNG) (*model.Header, error) {
	keyID, channelKey, err := c.rec.Send.Next()
	if err != nil {
		return nil, fmt.Errorf("oblivious ratchet: %w", err)
	}
	c.dirty = true

	encoded, err := key.Encode()
	if err != nil {
		return nil, err
	}
	ct, err := encryption.Encrypt(channelKey, encoded, rng)
	if err != nil {
		return nil, err
	}

	return &model.Header{
		ToIdentity:        c.rec.RemoteIdentity,
		DeviceUID:         c.rec.RemoteDeviceUID,
		WrappedMessageKey: append(keyID[:], ct...),
	}, nil
}

func obliviousKey(owned, remote model.CryptoIdentity, remoteDevice model.UID) []byte {
	return kv.Join(identityDigest(owned), identityDigest(remote), remoteDevice[:])
}

func (r *obliviousRecord) key() []byte {
	return obliviousKey(r.OwnedIdentity, r.RemoteIdentity, r.RemoteDeviceUID)
}

func loadOblivious(tx kv.Tx, key []byte) (*obliviousRecord, error) {
	data, err := tx.Get(obliviousBucket, key)
	if err != nil || data == nil {
		return nil, err
	}

	var rec obliviousRecord
	if err := encoder.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode oblivious channel: %w", err)
	}
	return &rec, nil
}

func saveOblivious(tx kv.Tx, rec *obliviousRecord) error {
	data, err := encoder.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Put(obliviousBucket, rec.key(), data)
}

func indexKeys(tx kv.Tx, channelKey []byte, added, removed []ratchet.KeyID) error {
	for _, id := range removed {
		if err := tx.Delete(keyIndexBucket, id[:]); err != nil {
			return err
		}
	}
	for _, id := range added {
		if err := tx.Put(keyIndexBucket, id[:], channelKey); err != nil {
			return err
		}
	}
	return nil
}

func deleteOblivious(tx kv.Tx, rec *obliviousRecord) error {
	if err := indexKeys(tx, nil, nil, rec.Receive.KeyIDs()); err != nil {
		return err
	}
	return tx.Delete(obliviousBucket, rec.key())
}
