package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"e2e_engine/internal/encoder"
	"e2e_engine/internal/model"
	"e2e_engine/internal/repository/kv"
)

const (
	instancesBucket = "protocol_instances"
	pendingBucket   = "pending_protocol_messages"

	// MaxPendingPerInstance bounds the messages kept for an instance that
	// is not yet in a state to process them.
	MaxPendingPerInstance = 32
)

type (
	instanceRecord struct {
		_           struct{} `cbor:",toarray"`
		ProtocolID  ProtocolID
		StateID     StateID
		State       encoder.Encoded
		UpdatedAtMs int64
	}

	pendingRecord struct {
		_             struct{} `cbor:",toarray"`
		ID            model.UID
		OwnedIdentity model.CryptoIdentity
		Envelope      Envelope
		Reception     model.ReceptionChannelInfo
	}

	// InstanceInfo describes a persisted protocol instance.
	InstanceInfo struct {
		OwnedIdentity model.CryptoIdentity
		InstanceUID   model.UID
		ProtocolID    ProtocolID
		StateID       StateID
		UpdatedAt     time.Time
	}
)

func instancePrefix(owned model.CryptoIdentity) []byte {
	sum := sha256.Sum256(owned.Bytes())
	return sum[:]
}

func instanceKey(owned model.CryptoIdentity, uid model.UID) []byte {
	return kv.Join(instancePrefix(owned), uid[:])
}

func pendingKey(owned model.CryptoIdentity, uid model.UID, seq uint64, id model.UID) []byte {
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	return kv.Join(instanceKey(owned, uid), s[:], id[:])
}

func loadInstance(tx kv.Tx, owned model.CryptoIdentity, uid model.UID) (*instanceRecord, error) {
	raw, err := tx.Get(instancesBucket, instanceKey(owned, uid))
	if err != nil || raw == nil {
		return nil, err
	}
	var rec instanceRecord
	if err := encoder.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func saveInstance(tx kv.Tx, owned model.CryptoIdentity, uid model.UID, protocol ProtocolID, state State) error {
	encoded, err := encoder.Marshal(state)
	if err != nil {
		return err
	}
	raw, err := encoder.Marshal(&instanceRecord{
		ProtocolID:  protocol,
		StateID:     state.StateID(),
		State:       encoded,
		UpdatedAtMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	return tx.Put(instancesBucket, instanceKey(owned, uid), raw)
}

// deleteInstance removes the instance and every message pending for it.
func deleteInstance(tx kv.Tx, owned model.CryptoIdentity, uid model.UID) error {
	if err := tx.Delete(instancesBucket, instanceKey(owned, uid)); err != nil {
		return err
	}
	return kv.DeletePrefix(tx, pendingBucket, instanceKey(owned, uid))
}

type pendingEntry struct {
	key []byte
	msg *ReceivedProtocolMessage
}

func listPending(tx kv.Tx, owned model.CryptoIdentity, uid model.UID) ([]pendingEntry, error) {
	var entries []pendingEntry
	err := tx.ForEach(pendingBucket, instanceKey(owned, uid), func(k, v []byte) error {
		var rec pendingRecord
		if err := encoder.Unmarshal(v, &rec); err != nil {
			return err
		}
		key := append([]byte(nil), k...)
		entries = append(entries, pendingEntry{
			key: key,
			msg: &ReceivedProtocolMessage{
				ID:            rec.ID,
				OwnedIdentity: rec.OwnedIdentity,
				Envelope:      rec.Envelope,
				Reception:     rec.Reception,
			},
		})
		return nil
	})
	return entries, err
}

// savePending retains msg, evicting the oldest entries beyond
// MaxPendingPerInstance. It returns how many were evicted.
func savePending(tx kv.Tx, msg *ReceivedProtocolMessage) (int, error) {
	raw, err := encoder.Marshal(&pendingRecord{
		ID:            msg.ID,
		OwnedIdentity: msg.OwnedIdentity,
		Envelope:      msg.Envelope,
		Reception:     msg.Reception,
	})
	if err != nil {
		return 0, err
	}
	owned, uid := msg.OwnedIdentity, msg.Envelope.InstanceUID
	key := pendingKey(owned, uid, uint64(time.Now().UnixNano()), msg.ID)
	if err := tx.Put(pendingBucket, key, raw); err != nil {
		return 0, err
	}

	keys, err := kv.Keys(tx, pendingBucket, instanceKey(owned, uid))
	if err != nil {
		return 0, err
	}
	evicted := 0
	for len(keys)-evicted > MaxPendingPerInstance {
		if err := tx.Delete(pendingBucket, keys[evicted]); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

func countPending(tx kv.Tx, owned model.CryptoIdentity, uid model.UID) (int, error) {
	keys, err := kv.Keys(tx, pendingBucket, instanceKey(owned, uid))
	return len(keys), err
}

// Instances lists the live instances of an owned identity.
func Instances(tx kv.Tx, owned model.CryptoIdentity) ([]InstanceInfo, error) {
	prefix := instancePrefix(owned)
	var out []InstanceInfo
	err := tx.ForEach(instancesBucket, prefix, func(k, v []byte) error {
		var rec instanceRecord
		if err := encoder.Unmarshal(v, &rec); err != nil {
			return err
		}
		uid, err := model.UIDFromBytes(k[len(prefix):])
		if err != nil {
			return err
		}
		out = append(out, InstanceInfo{
			OwnedIdentity: owned,
			InstanceUID:   uid,
			ProtocolID:    rec.ProtocolID,
			StateID:       rec.StateID,
			UpdatedAt:     time.UnixMilli(rec.UpdatedAtMs),
		})
		return nil
	})
	return out, err
}
