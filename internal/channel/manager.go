package channel

import (
	"context"
	"errors"
	"fmt"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/encoder"
	"e2e_engine/internal/metrics"
	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/protocol/ratchet"
	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/utils/log"

	"go.uber.org/zap"
)

const (
	outboxBucket      = "outbox"
	localInboxBucket  = "local_inbox"
	dialogBucket      = "dialogs"
	serverQueryBucket = "server_queries"
)

type (
	// Manager resolves send channel types to channels, queues what they
	// produce and decrypts what arrives. Every method runs inside the
	// caller's transaction.
	Manager struct {
		identities IdentityDelegate
		notifier   notification.Sink

		localReady  chan struct{}
		outboxReady chan struct{}
		queryReady  chan struct{}
	}

	// LocalMessage is a message a device posted to itself.
	LocalMessage struct {
		_             struct{} `cbor:",toarray"`
		ID            model.UID
		OwnedIdentity model.CryptoIdentity
		Type          model.MessageType
		Payload       []byte
	}

	Dialog struct {
		_             struct{} `cbor:",toarray"`
		UUID          model.UID
		OwnedIdentity model.CryptoIdentity
		Payload       []byte
	}

	ServerQueryRecord struct {
		_             struct{} `cbor:",toarray"`
		ID            model.UID
		OwnedIdentity model.CryptoIdentity
		Payload       []byte
	}

	ReceivedAttachment struct {
		Key      encryption.Key
		Metadata []byte
		ByteSize int64
	}

	// ReceivedMessage is a decrypted and decoded message together with the
	// channel it arrived on.
	ReceivedMessage struct {
		MessageID       model.UID
		OwnedIdentity   model.CryptoIdentity
		Type            model.MessageType
		Payload         []byte
		ExtendedPayload []byte
		Attachments     []ReceivedAttachment
		Reception       model.ReceptionChannelInfo
		MessageKey      encryption.Key
	}
)

func NewManager(identities IdentityDelegate, notifier notification.Sink) *Manager {
	if notifier == nil {
		notifier = notification.Discard{}
	}
	return &Manager{
		identities:  identities,
		notifier:    notifier,
		localReady:  make(chan struct{}, 1),
		outboxReady: make(chan struct{}, 1),
		queryReady:  make(chan struct{}, 1),
	}
}

// LocalReady is signalled after a commit that queued local messages.
func (m *Manager) LocalReady() <-chan struct{} {
	return m.localReady
}

// OutboxReady is signalled after a commit that queued network messages.
func (m *Manager) OutboxReady() <-chan struct{} {
	return m.outboxReady
}

// ServerQueryReady is signalled after a commit that queued server queries.
func (m *Manager) ServerQueryReady() <-chan struct{} {
	return m.queryReady
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Post queues msg for every acceptable channel and returns the destinations
// it was queued for. Partial success is normal.
func (m *Manager) Post(tx kv.Tx, msg MessageToSend, rng prng.PRNG) ([]model.Destination, error) {
	ct := msg.SendChannelType()
	if ct.FromOwnedIdentity.IsZero() {
		return nil, fmt.Errorf("%w: missing owned identity", ErrNoDestination)
	}

	switch ct.Kind {
	case model.LocalChannelKind:
		pm, ok := msg.(*ProtocolMessageToSend)
		if !ok {
			return nil, ErrUnsupportedKind
		}
		return m.postLocal(tx, ct.FromOwnedIdentity, model.ProtocolMessageType, pm.EncodedElements, rng)

	case model.UserInterfaceChannelKind:
		pm, ok := msg.(*ProtocolMessageToSend)
		if !ok {
			return nil, ErrUnsupportedKind
		}
		return m.postDialog(tx, ct, pm.EncodedElements)

	case model.ServerQueryChannelKind:
		pm, ok := msg.(*ProtocolMessageToSend)
		if !ok {
			return nil, ErrUnsupportedKind
		}
		return m.postServerQuery(tx, ct.FromOwnedIdentity, pm.EncodedElements, rng)
	}

	channels, oblivious, err := m.acceptableChannels(tx, ct)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, ErrNoAcceptableChannel
	}

	var networkMessages []*model.EncryptedNetworkMessage
	switch msg := msg.(type) {
	case *ProtocolMessageToSend:
		networkMessages, err = WrapProtocolMessage(ct.FromOwnedIdentity, msg, channels, rng)
	case *ApplicationMessageToSend:
		networkMessages, err = WrapApplicationMessage(ct.FromOwnedIdentity, msg, channels, rng)
	default:
		err = ErrUnsupportedKind
	}
	if err != nil {
		return nil, err
	}

	for _, c := range oblivious {
		if !c.dirty {
			continue
		}
		if err := saveOblivious(tx, c.rec); err != nil {
			return nil, err
		}
	}

	var destinations []model.Destination
	for _, nm := range networkMessages {
		data, err := encoder.Marshal(nm)
		if err != nil {
			return nil, err
		}
		if err := tx.Put(outboxBucket, nm.MessageID[:], data); err != nil {
			return nil, err
		}
		for _, h := range nm.Headers {
			destinations = append(destinations, model.Destination{Identity: h.ToIdentity, DeviceUID: h.DeviceUID})
		}
	}

	count := len(networkMessages)
	tx.OnCommit(func() {
		metrics.QueuedNetworkMessages.Add(float64(count))
		signal(m.outboxReady)
	})
	return destinations, nil
}

func (m *Manager) acceptableChannels(tx kv.Tx, ct SendChannelType) ([]NetworkChannel, []*ObliviousChannel, error) {
	if len(ct.ToIdentities) == 0 {
		return nil, nil, fmt.Errorf("%w: no recipient identity", ErrNoDestination)
	}

	var channels []NetworkChannel
	var oblivious []*ObliviousChannel

	switch ct.Kind {
	case model.ObliviousChannelKind:
		wanted := make(map[model.UID]bool, len(ct.RemoteDeviceUIDs))
		for _, d := range ct.RemoteDeviceUIDs {
			wanted[d] = true
		}
		for _, to := range ct.ToIdentities {
			found, err := m.ObliviousChannels(tx, ct.FromOwnedIdentity, to)
			if err != nil {
				return nil, nil, err
			}
			for _, c := range found {
				if ct.NecessarilyConfirmed && !c.Confirmed() {
					continue
				}
				if len(wanted) > 0 && !wanted[c.ToDeviceUID()] {
					continue
				}
				channels = append(channels, c)
				oblivious = append(oblivious, c)
			}
		}

	case model.AsymmetricChannelKind:
		for _, to := range ct.ToIdentities {
			devices := ct.RemoteDeviceUIDs
			if len(devices) == 0 {
				var err error
				devices, err = m.identities.ContactDeviceUIDs(tx, ct.FromOwnedIdentity, to)
				if err != nil {
					return nil, nil, err
				}
			}
			for _, d := range devices {
				channels = append(channels, NewAsymmetricChannel(to, d))
			}
		}

	case model.AsymmetricBroadcastChannelKind:
		for _, to := range ct.ToIdentities {
			channels = append(channels, NewAsymmetricBroadcastChannel(to))
		}

	default:
		return nil, nil, ErrUnsupportedKind
	}
	return channels, oblivious, nil
}

func (m *Manager) postLocal(tx kv.Tx, owned model.CryptoIdentity, t model.MessageType, payload []byte, rng prng.PRNG) ([]model.Destination, error) {
	device, err := m.identities.CurrentDeviceUID(tx, owned)
	if err != nil {
		return nil, err
	}

	rec := &LocalMessage{ID: model.NewUID(rng), OwnedIdentity: owned, Type: t, Payload: payload}
	data, err := encoder.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Put(localInboxBucket, rec.ID[:], data); err != nil {
		return nil, err
	}

	tx.OnCommit(func() { signal(m.localReady) })
	return []model.Destination{{Identity: owned, DeviceUID: device}}, nil
}

func (m *Manager) postDialog(tx kv.Tx, ct SendChannelType, payload []byte) ([]model.Destination, error) {
	if ct.DialogUUID.IsZero() {
		return nil, fmt.Errorf("%w: missing dialog uuid", ErrNoDestination)
	}

	rec := &Dialog{UUID: ct.DialogUUID, OwnedIdentity: ct.FromOwnedIdentity, Payload: payload}
	data, err := encoder.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Put(dialogBucket, dialogKey(ct.FromOwnedIdentity, ct.DialogUUID), data); err != nil {
		return nil, err
	}

	tx.OnCommit(func() {
		m.notifier.Post(notification.Notification{
			Kind:          notification.DialogPosted,
			OwnedIdentity: ct.FromOwnedIdentity,
			DialogUUID:    ct.DialogUUID,
			Payload:       payload,
		})
	})
	return []model.Destination{{Identity: ct.FromOwnedIdentity}}, nil
}

func (m *Manager) postServerQuery(tx kv.Tx, owned model.CryptoIdentity, payload []byte, rng prng.PRNG) ([]model.Destination, error) {
	rec := &ServerQueryRecord{ID: model.NewUID(rng), OwnedIdentity: owned, Payload: payload}
	data, err := encoder.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := tx.Put(serverQueryBucket, rec.ID[:], data); err != nil {
		return nil, err
	}

	tx.OnCommit(func() { signal(m.queryReady) })
	return []model.Destination{{Identity: owned}}, nil
}

func dialogKey(owned model.CryptoIdentity, uuid model.UID) []byte {
	return kv.Join(identityDigest(owned), uuid[:])
}

func (m *Manager) Dialog(tx kv.Tx, owned model.CryptoIdentity, uuid model.UID) (*Dialog, error) {
	data, err := tx.Get(dialogBucket, dialogKey(owned, uuid))
	if err != nil || data == nil {
		return nil, err
	}
	var d Dialog
	if err := encoder.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (m *Manager) DeleteDialog(tx kv.Tx, owned model.CryptoIdentity, uuid model.UID) error {
	if err := tx.Delete(dialogBucket, dialogKey(owned, uuid)); err != nil {
		return err
	}
	tx.OnCommit(func() {
		m.notifier.Post(notification.Notification{
			Kind:          notification.DialogDeleted,
			OwnedIdentity: owned,
			DialogUUID:    uuid,
		})
	})
	return nil
}

// LocalMessages lists queued local messages in id order.
func (m *Manager) LocalMessages(tx kv.Tx) ([]*LocalMessage, error) {
	var out []*LocalMessage
	err := tx.ForEach(localInboxBucket, nil, func(_, v []byte) error {
		var rec LocalMessage
		if err := encoder.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

func (m *Manager) DeleteLocalMessage(tx kv.Tx, id model.UID) error {
	return tx.Delete(localInboxBucket, id[:])
}

func (m *Manager) ServerQueries(tx kv.Tx) ([]*ServerQueryRecord, error) {
	var out []*ServerQueryRecord
	err := tx.ForEach(serverQueryBucket, nil, func(_, v []byte) error {
		var rec ServerQueryRecord
		if err := encoder.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

func (m *Manager) DeleteServerQuery(tx kv.Tx, id model.UID) error {
	return tx.Delete(serverQueryBucket, id[:])
}

// Outbox lists queued network messages.
func (m *Manager) Outbox(tx kv.Tx) ([]*model.EncryptedNetworkMessage, error) {
	var out []*model.EncryptedNetworkMessage
	err := tx.ForEach(outboxBucket, nil, func(_, v []byte) error {
		var nm model.EncryptedNetworkMessage
		if err := encoder.Unmarshal(v, &nm); err != nil {
			return err
		}
		out = append(out, &nm)
		return nil
	})
	return out, err
}

// Flush submits every queued network message; what the transport refuses
// stays queued for the next call.
func (m *Manager) Flush(ctx context.Context, store kv.Provider, transport Transport) (int, error) {
	var queued []*model.EncryptedNetworkMessage
	err := store.View(ctx, func(tx kv.Tx) error {
		var err error
		queued, err = m.Outbox(tx)
		return err
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, nm := range queued {
		accepted, err := transport.Submit(ctx, nm)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return sent, err
			}
			log.Warn("submit failed, keeping message queued", zap.Stringer("message", nm.MessageID), zap.Error(err))
			continue
		}
		log.Debug("message submitted",
			zap.Stringer("message", nm.MessageID),
			zap.String("server", nm.ServerURL),
			zap.Int("accepted", len(accepted)))

		id := nm.MessageID
		if err := store.Update(ctx, func(tx kv.Tx) error {
			return tx.Delete(outboxBucket, id[:])
		}); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// CreateObliviousChannel stores a fresh, unconfirmed channel, replacing any
// previous channel with the same remote device.
func (m *Manager) CreateObliviousChannel(tx kv.Tx, owned model.CryptoIdentity, currentDevice model.UID, remote model.CryptoIdentity, remoteDevice model.UID, seed []byte, version encryption.SuiteVersion) error {
	if previous, err := loadOblivious(tx, obliviousKey(owned, remote, remoteDevice)); err != nil {
		return err
	} else if previous != nil {
		if err := deleteOblivious(tx, previous); err != nil {
			return err
		}
	}

	send, recv, err := ratchet.NewStates(seed, currentDevice, remoteDevice, version)
	if err != nil {
		return err
	}

	rec := &obliviousRecord{
		OwnedIdentity:    owned,
		CurrentDeviceUID: currentDevice,
		RemoteIdentity:   remote,
		RemoteDeviceUID:  remoteDevice,
		Send:             *send,
		Receive:          *recv,
	}
	if err := indexKeys(tx, rec.key(), recv.KeyIDs(), nil); err != nil {
		return err
	}
	return saveOblivious(tx, rec)
}

func (m *Manager) ConfirmObliviousChannel(tx kv.Tx, owned, remote model.CryptoIdentity, remoteDevice model.UID) error {
	rec, err := loadOblivious(tx, obliviousKey(owned, remote, remoteDevice))
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrChannelNotFound
	}
	if rec.Confirmed {
		return nil
	}

	rec.Confirmed = true
	if err := saveOblivious(tx, rec); err != nil {
		return err
	}

	tx.OnCommit(func() {
		m.notifier.Post(notification.Notification{
			Kind:            notification.ObliviousChannelConfirmed,
			OwnedIdentity:   owned,
			RemoteIdentity:  remote,
			RemoteDeviceUID: remoteDevice,
		})
	})
	return nil
}

func (m *Manager) DeleteObliviousChannel(tx kv.Tx, owned, remote model.CryptoIdentity, remoteDevice model.UID) error {
	rec, err := loadOblivious(tx, obliviousKey(owned, remote, remoteDevice))
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrChannelNotFound
	}
	if err := deleteOblivious(tx, rec); err != nil {
		return err
	}

	tx.OnCommit(func() {
		m.notifier.Post(notification.Notification{
			Kind:            notification.ObliviousChannelDeleted,
			OwnedIdentity:   owned,
			RemoteIdentity:  remote,
			RemoteDeviceUID: remoteDevice,
		})
	})
	return nil
}

func (m *Manager) ObliviousChannel(tx kv.Tx, owned, remote model.CryptoIdentity, remoteDevice model.UID) (*ObliviousChannel, error) {
	rec, err := loadOblivious(tx, obliviousKey(owned, remote, remoteDevice))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrChannelNotFound
	}
	return &ObliviousChannel{rec: rec}, nil
}

// ObliviousChannels lists the channels between owned and every device of remote.
func (m *Manager) ObliviousChannels(tx kv.Tx, owned, remote model.CryptoIdentity) ([]*ObliviousChannel, error) {
	prefix := kv.Join(identityDigest(owned), identityDigest(remote))

	var out []*ObliviousChannel
	err := tx.ForEach(obliviousBucket, prefix, func(_, v []byte) error {
		var rec obliviousRecord
		if err := encoder.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, &ObliviousChannel{rec: &rec})
		return nil
	})
	return out, err
}

// Decrypt unwraps the message key with a provisioned oblivious key or, failing
// that, with the owned identity's encryption key, then opens the payload.
func (m *Manager) Decrypt(tx kv.Tx, msg *model.ReceivedEncryptedMessage) (*ReceivedMessage, error) {
	key, reception, err := m.unwrapMessageKey(tx, msg)
	if err != nil {
		return nil, err
	}

	padded, err := encryption.Decrypt(key, msg.EncryptedPayload)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	t, payload, err := encoder.DecodeEnvelope(padded)
	if err != nil {
		return nil, err
	}

	received := &ReceivedMessage{
		MessageID:     msg.MessageID,
		OwnedIdentity: msg.ToIdentity,
		Type:          t,
		Payload:       payload,
		Reception:     reception,
		MessageKey:    key,
	}

	if len(msg.EncryptedExtendedPayload) > 0 {
		extKey, err := ExtendedPayloadKey(key)
		if err == nil {
			received.ExtendedPayload, err = encryption.Decrypt(extKey, msg.EncryptedExtendedPayload)
		}
		if err != nil {
			// the message is still usable without it
			log.Warn("could not decrypt extended payload", zap.Stringer("message", msg.MessageID), zap.Error(err))
		}
	}

	if t == model.ApplicationMessageType {
		body, keys, metadata, err := DecodeApplicationPayload(payload)
		if err != nil {
			return nil, err
		}
		received.Payload = body
		for i, k := range keys {
			att := ReceivedAttachment{Key: k, Metadata: metadata[i]}
			if i < len(msg.Attachments) {
				att.ByteSize = msg.Attachments[i].ByteSize
			}
			received.Attachments = append(received.Attachments, att)
		}
	}
	return received, nil
}

func (m *Manager) unwrapMessageKey(tx kv.Tx, msg *model.ReceivedEncryptedMessage) (encryption.Key, model.ReceptionChannelInfo, error) {
	if keyID, ok := ratchet.KeyIDFromBytes(msg.WrappedMessageKey); ok {
		key, reception, found, err := m.unwrapOblivious(tx, msg.ToIdentity, keyID, msg.WrappedMessageKey[ratchet.KeyIDLength:])
		if err != nil {
			return encryption.Key{}, reception, err
		}
		if found {
			return key, reception, nil
		}
	}

	priv, err := m.identities.EncryptionPrivateKey(tx, msg.ToIdentity)
	if err != nil {
		return encryption.Key{}, model.ReceptionChannelInfo{}, err
	}
	key, err := unwrapAsymmetric(priv, msg.WrappedMessageKey)
	if err != nil {
		log.Debug("no channel could unwrap message key", zap.Stringer("message", msg.MessageID), zap.Error(err))
		return encryption.Key{}, model.ReceptionChannelInfo{}, ErrUndecryptable
	}
	return key, model.ReceptionChannelInfo{Kind: model.AsymmetricChannelKind}, nil
}

// unwrapOblivious only uses channels of owned; the key index spans every
// owned identity in the store.
func (m *Manager) unwrapOblivious(tx kv.Tx, owned model.CryptoIdentity, keyID ratchet.KeyID, ct []byte) (encryption.Key, model.ReceptionChannelInfo, bool, error) {
	var reception model.ReceptionChannelInfo

	channelKey, err := tx.Get(keyIndexBucket, keyID[:])
	if err != nil || channelKey == nil {
		return encryption.Key{}, reception, false, err
	}

	rec, err := loadOblivious(tx, channelKey)
	if err != nil {
		return encryption.Key{}, reception, false, err
	}
	if rec == nil || !rec.OwnedIdentity.Equal(owned) {
		return encryption.Key{}, reception, false, nil
	}

	provisioned, ok := rec.Receive.Lookup(keyID)
	if !ok {
		return encryption.Key{}, reception, false, nil
	}

	plain, err := encryption.Decrypt(provisioned, ct)
	if err != nil {
		return encryption.Key{}, reception, false, nil
	}
	key, err := encryption.DecodeKey(plain)
	if err != nil {
		return encryption.Key{}, reception, false, nil
	}

	_, added, evicted, err := rec.Receive.Consume(keyID)
	if err != nil {
		return encryption.Key{}, reception, false, err
	}
	if err := indexKeys(tx, channelKey, added, append(evicted, keyID)); err != nil {
		return encryption.Key{}, reception, false, err
	}
	if err := saveOblivious(tx, rec); err != nil {
		return encryption.Key{}, reception, false, err
	}

	reception = model.ReceptionChannelInfo{
		Kind:            model.ObliviousChannelKind,
		RemoteIdentity:  rec.RemoteIdentity,
		RemoteDeviceUID: rec.RemoteDeviceUID,
	}
	return key, reception, true, nil
}
