package manager

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"e2e_engine/internal/channel"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/encoder"
	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/protocol/channelcreation"
	"e2e_engine/internal/protocol/devicediscovery"
	"e2e_engine/internal/protocol/engine"
	"e2e_engine/internal/repository/identity"
	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/utils/log"

	"go.uber.org/zap"
)

const receivedBucket = "received_protocol_messages"

// maxLocalPasses bounds how many times ProcessLocalInbox rescans the inbox
// for messages its own steps posted.
const maxLocalPasses = 16

var (
	ErrUnknownDialog      = errors.New("manager: unknown dialog")
	ErrUnknownServerQuery = errors.New("manager: unknown server query")
)

type (
	receivedRecord struct {
		_             struct{} `cbor:",toarray"`
		ID            model.UID
		OwnedIdentity model.CryptoIdentity
		Envelope      engine.Envelope
		Reception     model.ReceptionChannelInfo
	}

	// ServerQuery is a request a protocol posted for the owned identity's
	// server.
	ServerQuery struct {
		ID            model.UID
		OwnedIdentity model.CryptoIdentity
		Envelope      engine.Envelope
	}

	// Manager is the entry point of the protocol engine: it starts
	// protocols and routes everything that reaches the device to the
	// dispatcher.
	Manager struct {
		store      kv.Provider
		channels   *channel.Manager
		identities *identity.Store
		dispatcher *engine.Dispatcher
		notifier   notification.Sink
		rng        prng.PRNG
	}
)

// New registers the built-in protocols followed by extra.
func New(store kv.Provider, channels *channel.Manager, identities *identity.Store, notifier notification.Sink, rng prng.PRNG, extra ...engine.Definition) (*Manager, error) {
	if notifier == nil {
		notifier = notification.Discard{}
	}
	defs := append([]engine.Definition{channelcreation.Definition(), devicediscovery.Definition()}, extra...)
	registry, err := engine.NewRegistry(defs...)
	if err != nil {
		return nil, err
	}

	deps := &engine.Dependencies{
		Channels:   channels,
		Identities: identities,
		PRNG:       rng,
		Notifier:   notifier,
	}
	return &Manager{
		store:      store,
		channels:   channels,
		identities: identities,
		dispatcher: engine.NewDispatcher(registry, store, deps),
		notifier:   notifier,
		rng:        rng,
	}, nil
}

func (m *Manager) Dispatcher() *engine.Dispatcher {
	return m.dispatcher
}

// Start posts the initial message of a new protocol instance to the local
// inbox and returns the instance uid.
func (m *Manager) Start(ctx context.Context, owned model.CryptoIdentity, protocol engine.ProtocolID, initial engine.Message) (model.UID, error) {
	uid := model.NewUID(m.rng)
	encoded, err := engine.EncodeMessage(protocol, uid, initial)
	if err != nil {
		return model.UID{}, err
	}
	err = m.store.Update(ctx, func(tx kv.Tx) error {
		_, err := m.channels.Post(tx, &channel.ProtocolMessageToSend{
			ChannelType:     channel.Local(owned),
			EncodedElements: encoded,
		}, m.rng)
		return err
	})
	if err != nil {
		return model.UID{}, err
	}
	return uid, nil
}

func (m *Manager) StartChannelCreation(ctx context.Context, owned, contact model.CryptoIdentity, contactDevice model.UID) (model.UID, error) {
	return m.Start(ctx, owned, channelcreation.ProtocolID, channelcreation.InitialMessage{
		ContactIdentity:  contact,
		ContactDeviceUID: contactDevice,
	})
}

func (m *Manager) StartDeviceDiscovery(ctx context.Context, owned, contact model.CryptoIdentity) (model.UID, error) {
	return m.Start(ctx, owned, devicediscovery.ProtocolID, devicediscovery.InitialMessage{ContactIdentity: contact})
}

// ProcessLocalInbox dispatches the messages the device posted to itself,
// including those posted while doing so.
func (m *Manager) ProcessLocalInbox(ctx context.Context) (int, error) {
	processed := 0
	for pass := 0; pass < maxLocalPasses; pass++ {
		var queued []*channel.LocalMessage
		if err := m.store.View(ctx, func(tx kv.Tx) error {
			var err error
			queued, err = m.channels.LocalMessages(tx)
			return err
		}); err != nil {
			return processed, err
		}
		if len(queued) == 0 {
			return processed, nil
		}

		for _, lm := range queued {
			id := lm.ID
			consume := func(tx kv.Tx) error {
				return m.channels.DeleteLocalMessage(tx, id)
			}

			if lm.Type != model.ProtocolMessageType {
				log.Warn("dropping local message of unexpected type", zap.Stringer("type", lm.Type))
				if err := m.store.Update(ctx, consume); err != nil {
					return processed, err
				}
				continue
			}
			env, err := engine.DecodeEnvelope(lm.Payload)
			if err != nil {
				log.Warn("dropping malformed local message", zap.Error(err))
				if err := m.store.Update(ctx, consume); err != nil {
					return processed, err
				}
				continue
			}

			if _, err := m.dispatcher.Dispatch(ctx, &engine.ReceivedProtocolMessage{
				ID:            lm.ID,
				OwnedIdentity: lm.OwnedIdentity,
				Envelope:      env,
				Reception:     model.ReceptionChannelInfo{Kind: model.LocalChannelKind},
				Consume:       consume,
			}); err != nil {
				if ctx.Err() != nil {
					return processed, ctx.Err()
				}
				// the message stays queued; the others still run
				log.Warn("local protocol message not dispatched",
					zap.Stringer("message", lm.ID),
					zap.Int("protocol", int(env.ProtocolID)),
					zap.Error(err))
				continue
			}
			processed++
		}
	}
	return processed, nil
}

func receivedKey(owned model.CryptoIdentity, id model.UID) []byte {
	sum := sha256.Sum256(owned.Bytes())
	return kv.Join(sum[:], id[:])
}

// ProcessReceived decrypts a message delivered by the network. Protocol
// messages are stored and dispatched; application messages are posted as
// notifications.
func (m *Manager) ProcessReceived(ctx context.Context, msg *model.ReceivedEncryptedMessage) (*channel.ReceivedMessage, error) {
	var (
		received *channel.ReceivedMessage
		stored   *receivedRecord
	)
	err := m.store.Update(ctx, func(tx kv.Tx) error {
		received, stored = nil, nil
		rm, err := m.channels.Decrypt(tx, msg)
		if err != nil {
			return err
		}
		received = rm

		switch rm.Type {
		case model.ProtocolMessageType:
			env, err := engine.DecodeEnvelope(rm.Payload)
			if err != nil {
				log.Debug("dropping malformed protocol message", zap.Stringer("message", msg.MessageID), zap.Error(err))
				return nil
			}
			stored = &receivedRecord{
				ID:            rm.MessageID,
				OwnedIdentity: rm.OwnedIdentity,
				Envelope:      env,
				Reception:     rm.Reception,
			}
			data, err := encoder.Marshal(stored)
			if err != nil {
				return err
			}
			return tx.Put(receivedBucket, receivedKey(rm.OwnedIdentity, rm.MessageID), data)

		case model.ApplicationMessageType:
			n := notification.Notification{
				Kind:            notification.ApplicationMessageReceived,
				OwnedIdentity:   rm.OwnedIdentity,
				RemoteIdentity:  rm.Reception.RemoteIdentity,
				RemoteDeviceUID: rm.Reception.RemoteDeviceUID,
				MessageID:       rm.MessageID,
				Payload:         rm.Payload,
			}
			tx.OnCommit(func() { m.notifier.Post(n) })

		default:
			log.Warn("dropping network message of unexpected type",
				zap.Stringer("message", msg.MessageID),
				zap.Stringer("type", rm.Type))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if stored != nil {
		if _, err := m.dispatchReceived(ctx, stored); err != nil {
			return received, err
		}
	}
	return received, nil
}

// ProcessReceivedInbox dispatches protocol messages that were decrypted but
// not processed, e.g. before a restart.
func (m *Manager) ProcessReceivedInbox(ctx context.Context) (int, error) {
	var records []*receivedRecord
	err := m.store.View(ctx, func(tx kv.Tx) error {
		return tx.ForEach(receivedBucket, nil, func(_, v []byte) error {
			var rec receivedRecord
			if err := encoder.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range records {
		if _, err := m.dispatchReceived(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}
			log.Warn("received protocol message not dispatched",
				zap.Stringer("message", rec.ID),
				zap.Int("protocol", int(rec.Envelope.ProtocolID)),
				zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

func (m *Manager) dispatchReceived(ctx context.Context, rec *receivedRecord) (engine.Outcome, error) {
	key := receivedKey(rec.OwnedIdentity, rec.ID)
	return m.dispatcher.Dispatch(ctx, &engine.ReceivedProtocolMessage{
		ID:            rec.ID,
		OwnedIdentity: rec.OwnedIdentity,
		Envelope:      rec.Envelope,
		Reception:     rec.Reception,
		Consume: func(tx kv.Tx) error {
			return tx.Delete(receivedBucket, key)
		},
	})
}

// RespondToDialog feeds the user's answer to the protocol instance that
// posted the dialog. A dialog no step can answer any more is deleted.
func (m *Manager) RespondToDialog(ctx context.Context, owned model.CryptoIdentity, uuid model.UID, response engine.Message) (engine.Outcome, error) {
	var dialog *channel.Dialog
	if err := m.store.View(ctx, func(tx kv.Tx) error {
		var err error
		dialog, err = m.channels.Dialog(tx, owned, uuid)
		return err
	}); err != nil {
		return engine.Outcome{}, err
	}
	if dialog == nil {
		return engine.Outcome{}, ErrUnknownDialog
	}

	posted, err := engine.DecodeEnvelope(dialog.Payload)
	if err != nil {
		return engine.Outcome{}, err
	}

	deleteDialog := func(tx kv.Tx) error {
		return m.channels.DeleteDialog(tx, owned, uuid)
	}

	state, err := m.dispatcher.State(ctx, owned, posted.InstanceUID)
	if err != nil {
		return engine.Outcome{}, err
	}
	stateID := engine.InitialStateID
	if state != nil {
		stateID = state.StateID()
	}
	if _, ok := m.dispatcher.Registry().FindStep(posted.ProtocolID, stateID, response.MessageID()); !ok {
		log.Debug("dialog response has no step, deleting dialog",
			zap.Stringer("dialog", uuid),
			zap.Int("protocol", int(posted.ProtocolID)))
		if err := m.store.Update(ctx, deleteDialog); err != nil {
			return engine.Outcome{}, err
		}
		return engine.Outcome{Result: engine.Dropped, State: stateID, Reason: engine.ReasonNoTransition}, nil
	}

	env, err := reply(posted, response)
	if err != nil {
		return engine.Outcome{}, err
	}
	return m.dispatcher.Dispatch(ctx, &engine.ReceivedProtocolMessage{
		ID:            model.NewUID(m.rng),
		OwnedIdentity: owned,
		Envelope:      env,
		Reception:     model.ReceptionChannelInfo{Kind: model.UserInterfaceChannelKind},
		Consume:       deleteDialog,
	})
}

// ServerQueries lists the queries waiting for a server round trip.
func (m *Manager) ServerQueries(ctx context.Context) ([]ServerQuery, error) {
	var out []ServerQuery
	err := m.store.View(ctx, func(tx kv.Tx) error {
		records, err := m.channels.ServerQueries(tx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			env, err := engine.DecodeEnvelope(rec.Payload)
			if err != nil {
				log.Warn("skipping malformed server query", zap.Stringer("query", rec.ID), zap.Error(err))
				continue
			}
			out = append(out, ServerQuery{ID: rec.ID, OwnedIdentity: rec.OwnedIdentity, Envelope: env})
		}
		return nil
	})
	return out, err
}

// ProcessServerResponse dispatches the answer to q and removes q.
func (m *Manager) ProcessServerResponse(ctx context.Context, q ServerQuery, response engine.Message) (engine.Outcome, error) {
	pending := false
	err := m.store.View(ctx, func(tx kv.Tx) error {
		records, err := m.channels.ServerQueries(tx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if rec.ID == q.ID {
				pending = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return engine.Outcome{}, err
	}
	if !pending {
		return engine.Outcome{}, ErrUnknownServerQuery
	}

	env, err := reply(q.Envelope, response)
	if err != nil {
		return engine.Outcome{}, err
	}
	return m.dispatcher.Dispatch(ctx, &engine.ReceivedProtocolMessage{
		ID:            q.ID,
		OwnedIdentity: q.OwnedIdentity,
		Envelope:      env,
		Reception:     model.ReceptionChannelInfo{Kind: model.ServerQueryChannelKind},
		Consume: func(tx kv.Tx) error {
			return m.channels.DeleteServerQuery(tx, q.ID)
		},
	})
}

// DiscardServerQuery drops a query the server cannot answer.
func (m *Manager) DiscardServerQuery(ctx context.Context, q ServerQuery) error {
	return m.store.Update(ctx, func(tx kv.Tx) error {
		return m.channels.DeleteServerQuery(tx, q.ID)
	})
}

func (m *Manager) Abort(ctx context.Context, owned model.CryptoIdentity, uid model.UID) error {
	return m.dispatcher.Abort(ctx, owned, uid)
}

func (m *Manager) Instances(ctx context.Context, owned model.CryptoIdentity) ([]engine.InstanceInfo, error) {
	var out []engine.InstanceInfo
	err := m.store.View(ctx, func(tx kv.Tx) error {
		var err error
		out, err = engine.Instances(tx, owned)
		return err
	})
	return out, err
}

// SendApplicationMessage queues payload for every confirmed channel with
// the given contacts.
func (m *Manager) SendApplicationMessage(ctx context.Context, owned model.CryptoIdentity, payload []byte, contacts ...model.CryptoIdentity) ([]model.Destination, error) {
	var dest []model.Destination
	err := m.store.Update(ctx, func(tx kv.Tx) error {
		var err error
		dest, err = m.channels.Post(tx, &channel.ApplicationMessageToSend{
			ChannelType:     channel.AllConfirmedObliviousChannels(owned, contacts...),
			Payload:         payload,
			WithUserContent: true,
		}, m.rng)
		return err
	})
	return dest, err
}

// reply addresses response to the instance that posted env.
func reply(env engine.Envelope, response engine.Message) (engine.Envelope, error) {
	encoded, err := engine.EncodeMessage(env.ProtocolID, env.InstanceUID, response)
	if err != nil {
		return engine.Envelope{}, err
	}
	out, err := engine.DecodeEnvelope(encoded)
	if err != nil {
		return engine.Envelope{}, fmt.Errorf("reply: %w", err)
	}
	return out, nil
}
