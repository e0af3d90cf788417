package channelcreation

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/engine"
	"e2e_engine/internal/repository/kv"
)

const (
	contactInstancesBucket = "channel_creation_instances"
	pingSignaturesBucket   = "channel_creation_ping_signatures"
)

func digest(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func contactInstanceKey(owned, contact model.CryptoIdentity, device model.UID) []byte {
	return kv.Join(digest(owned.Bytes()), digest(contact.Bytes()), device[:])
}

// registerInstance records that sc's instance is the one running with the
// given contact device.
func registerInstance(sc *engine.StepContext, contact model.CryptoIdentity, device model.UID) error {
	return sc.Tx.Put(contactInstancesBucket, contactInstanceKey(sc.OwnedIdentity, contact, device), sc.InstanceUID[:])
}

func forgetInstance(sc *engine.StepContext, contact model.CryptoIdentity, device model.UID) error {
	return sc.Tx.Delete(contactInstancesBucket, contactInstanceKey(sc.OwnedIdentity, contact, device))
}

// abortContactInstance aborts the other live instance running with the
// contact device, reporting whether there was one.
func abortContactInstance(sc *engine.StepContext, contact model.CryptoIdentity, device model.UID) (bool, error) {
	key := contactInstanceKey(sc.OwnedIdentity, contact, device)
	raw, err := sc.Tx.Get(contactInstancesBucket, key)
	if err != nil || raw == nil {
		return false, err
	}
	if err := sc.Tx.Delete(contactInstancesBucket, key); err != nil {
		return false, err
	}

	uid, err := model.UIDFromBytes(raw)
	if err != nil || uid == sc.InstanceUID {
		return false, nil
	}
	live, err := sc.InstanceExists(uid)
	if err != nil || !live {
		return false, err
	}
	return true, sc.AbortInstance(uid)
}

func pingSignatureKey(owned model.CryptoIdentity, sig []byte) []byte {
	return kv.Join(digest(owned.Bytes()), digest(sig))
}

func pingSignatureSeen(sc *engine.StepContext, sig []byte) (bool, error) {
	raw, err := sc.Tx.Get(pingSignaturesBucket, pingSignatureKey(sc.OwnedIdentity, sig))
	return raw != nil, err
}

func rememberPingSignature(sc *engine.StepContext, sig []byte) error {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
	return sc.Tx.Put(pingSignaturesBucket, pingSignatureKey(sc.OwnedIdentity, sig), ts[:])
}
