package ratchet

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/kdf"
	"e2e_engine/internal/model"
)

const (
	// ProvisionSize keys are derived ahead each time the receive side runs low.
	ProvisionSize = 100
	// MaxProvisioned caps the keys kept per channel; oldest are evicted.
	MaxProvisioned = 1000
)

var ErrUnknownKeyID = errors.New("ratchet: unknown key id")

type (
	SendState struct {
		Seed         []byte
		SuiteVersion encryption.SuiteVersion
		Count        uint64
	}

	ProvisionedKey struct {
		Index uint64
		Key   encryption.Key
	}

	// ReceiveState holds keys provisioned ahead of the sender so that
	// out-of-order and lost messages do not desynchronise the channel.
	ReceiveState struct {
		Seed         []byte
		SuiteVersion encryption.SuiteVersion
		Provisioned  uint64
		Keys         map[string]ProvisionedKey
	}
)

// NewStates builds both directions of a channel between the current device
// and a remote device from the shared seed.
func NewStates(seed []byte, currentDevice, remoteDevice model.UID, version encryption.SuiteVersion) (*SendState, *ReceiveState, error) {
	sendSeed, err := kdf.Diversify(seed, currentDevice[:])
	if err != nil {
		return nil, nil, err
	}
	recvSeed, err := kdf.Diversify(seed, remoteDevice[:])
	if err != nil {
		return nil, nil, err
	}

	send := &SendState{Seed: sendSeed, SuiteVersion: version}
	recv := &ReceiveState{Seed: recvSeed, SuiteVersion: version, Keys: make(map[string]ProvisionedKey)}
	if _, _, err := recv.Provision(ProvisionSize); err != nil {
		return nil, nil, err
	}
	return send, recv, nil
}

// Next advances the send seed and returns the key to wrap the next message key.
func (s *SendState) Next() (KeyID, encryption.Key, error) {
	next, keyID, key, err := SelfRatchet(s.Seed, s.SuiteVersion)
	if err != nil {
		return keyID, key, err
	}
	s.Seed = next
	s.Count++
	return keyID, key, nil
}

// Provision derives n more receive keys and returns their ids together with
// the ids evicted to stay under MaxProvisioned.
func (r *ReceiveState) Provision(n int) (added, evicted []KeyID, err error) {
	if r.Keys == nil {
		r.Keys = make(map[string]ProvisionedKey)
	}

	for ; n > 0; n-- {
		next, keyID, key, err := SelfRatchet(r.Seed, r.SuiteVersion)
		if err != nil {
			return nil, nil, fmt.Errorf("provision: %w", err)
		}
		r.Seed = next
		r.Keys[keyID.String()] = ProvisionedKey{Index: r.Provisioned, Key: key}
		r.Provisioned++
		added = append(added, keyID)
	}

	return added, r.evict(), nil
}

func (r *ReceiveState) evict() []KeyID {
	excess := len(r.Keys) - MaxProvisioned
	if excess <= 0 {
		return nil
	}

	ids := make([]string, 0, len(r.Keys))
	for id := range r.Keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return r.Keys[ids[i]].Index < r.Keys[ids[j]].Index })

	evicted := make([]KeyID, 0, excess)
	for _, id := range ids[:excess] {
		delete(r.Keys, id)
		var k KeyID
		if err := k.parse(id); err == nil {
			evicted = append(evicted, k)
		}
	}
	return evicted
}

// Consume removes a provisioned key. When the sender gets within half a
// provision of the last provisioned index, more keys are derived.
func (r *ReceiveState) Consume(id KeyID) (encryption.Key, []KeyID, []KeyID, error) {
	pk, ok := r.Keys[id.String()]
	if !ok {
		return encryption.Key{}, nil, nil, ErrUnknownKeyID
	}
	delete(r.Keys, id.String())

	var added, evicted []KeyID
	if r.Provisioned-pk.Index < ProvisionSize/2 {
		var err error
		added, evicted, err = r.Provision(ProvisionSize)
		if err != nil {
			return encryption.Key{}, nil, nil, err
		}
	}
	return pk.Key, added, evicted, nil
}

// KeyIDs lists every provisioned key id.
func (r *ReceiveState) KeyIDs() []KeyID {
	ids := make([]KeyID, 0, len(r.Keys))
	for s := range r.Keys {
		var k KeyID
		if err := k.parse(s); err == nil {
			ids = append(ids, k)
		}
	}
	return ids
}

// Lookup returns a provisioned key without consuming it.
func (r *ReceiveState) Lookup(id KeyID) (encryption.Key, bool) {
	pk, ok := r.Keys[id.String()]
	return pk.Key, ok
}

func (k *KeyID) parse(s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != KeyIDLength {
		return ErrUnknownKeyID
	}
	copy(k[:], b)
	return nil
}
