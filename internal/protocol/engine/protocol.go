package engine

import (
	"context"
	"fmt"

	"e2e_engine/internal/channel"
	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"
	"e2e_engine/internal/encoder"
	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/repository/kv"
)

type (
	ProtocolID int
	StateID    int
	MessageID  int
	StepID     string

	// State is one variant of a protocol's closed set of states.
	State interface {
		StateID() StateID
	}

	// Message is one variant of a protocol's closed set of messages.
	Message interface {
		MessageID() MessageID
	}

	// InitialState is the state of an instance that does not exist yet.
	InitialState struct{}

	// CancelledState is final for every protocol.
	CancelledState struct {
		Reason string
	}

	// ReceptionPolicy reports whether a step accepts a message delivered over
	// the given channel.
	ReceptionPolicy func(model.ReceptionChannelInfo) bool

	StateType struct {
		ID     StateID
		decode func([]byte) (State, error)
		is     func(State) bool
	}

	MessageType struct {
		ID     MessageID
		decode func([]byte) (Message, error)
	}

	StepDescriptor struct {
		ID              StepID
		ExpectedState   StateID
		ExpectedMessage MessageID
		Reception       ReceptionPolicy
		execute         func(ctx context.Context, sc *StepContext, s State, m Message) (State, error)
	}

	// Definition is everything the engine needs to run a protocol.
	Definition struct {
		ID          ProtocolID
		Name        string
		States      []StateType
		Messages    []MessageType
		Steps       []StepDescriptor
		FinalStates []StateID
	}

	ChannelService interface {
		Post(tx kv.Tx, msg channel.MessageToSend, rng prng.PRNG) ([]model.Destination, error)
		CreateObliviousChannel(tx kv.Tx, owned model.CryptoIdentity, currentDevice model.UID, remote model.CryptoIdentity, remoteDevice model.UID, seed []byte, version encryption.SuiteVersion) error
		ConfirmObliviousChannel(tx kv.Tx, owned, remote model.CryptoIdentity, remoteDevice model.UID) error
		DeleteObliviousChannel(tx kv.Tx, owned, remote model.CryptoIdentity, remoteDevice model.UID) error
	}

	IdentityService interface {
		CurrentDeviceUID(tx kv.Tx, owned model.CryptoIdentity) (model.UID, error)
		AuthenticationKey(tx kv.Tx, owned model.CryptoIdentity) (signature.PrivateKey, error)
		IsContact(tx kv.Tx, owned, contact model.CryptoIdentity) (bool, error)
		ContactDeviceUIDs(tx kv.Tx, owned, contact model.CryptoIdentity) ([]model.UID, error)
		AddContactDevice(tx kv.Tx, owned, contact model.CryptoIdentity, device model.UID) error
	}

	// Dependencies are handed to every step; nothing is reached through
	// globals.
	Dependencies struct {
		Channels   ChannelService
		Identities IdentityService
		PRNG       prng.PRNG
		Notifier   notification.Sink
	}

	// StepContext is what a step sees while it runs inside the dispatch
	// transaction.
	StepContext struct {
		Tx                kv.Tx
		Deps              *Dependencies
		ProtocolID        ProtocolID
		InstanceUID       model.UID
		OwnedIdentity     model.CryptoIdentity
		ReceivedMessageID model.UID
		Reception         model.ReceptionChannelInfo
	}
)

const (
	InitialStateID   StateID = 0
	CancelledStateID StateID = -1
)

func (InitialState) StateID() StateID {
	return InitialStateID
}

func (CancelledState) StateID() StateID {
	return CancelledStateID
}

// StateOf declares S as a state variant of a protocol.
func StateOf[S State]() StateType {
	var zero S
	return StateType{
		ID: zero.StateID(),
		decode: func(b []byte) (State, error) {
			var s S
			if err := encoder.Unmarshal(b, &s); err != nil {
				return nil, err
			}
			return s, nil
		},
		is: func(s State) bool {
			_, ok := s.(S)
			return ok
		},
	}
}

// MessageOf declares M as a message variant of a protocol.
func MessageOf[M Message]() MessageType {
	var zero M
	return MessageType{
		ID: zero.MessageID(),
		decode: func(b []byte) (Message, error) {
			var m M
			if err := encoder.Unmarshal(b, &m); err != nil {
				return nil, err
			}
			return m, nil
		},
	}
}

// NewStep binds a typed step function to the (S, M) pair it handles.
// Returning a nil State means no applicable transition.
func NewStep[S State, M Message](id StepID, reception ReceptionPolicy, fn func(ctx context.Context, sc *StepContext, s S, m M) (State, error)) StepDescriptor {
	var s S
	var m M
	return StepDescriptor{
		ID:              id,
		ExpectedState:   s.StateID(),
		ExpectedMessage: m.MessageID(),
		Reception:       reception,
		execute: func(ctx context.Context, sc *StepContext, state State, msg Message) (State, error) {
			typedState, ok := state.(S)
			if !ok {
				return nil, fmt.Errorf("step %s: unexpected state %T", id, state)
			}
			typedMsg, ok := msg.(M)
			if !ok {
				return nil, fmt.Errorf("step %s: unexpected message %T", id, msg)
			}
			return fn(ctx, sc, typedState, typedMsg)
		},
	}
}

func FromLocal() ReceptionPolicy {
	return func(r model.ReceptionChannelInfo) bool {
		return r.Kind == model.LocalChannelKind
	}
}

func FromAsymmetric() ReceptionPolicy {
	return func(r model.ReceptionChannelInfo) bool {
		return r.Kind == model.AsymmetricChannelKind || r.Kind == model.AsymmetricBroadcastChannelKind
	}
}

func FromAnyOblivious() ReceptionPolicy {
	return func(r model.ReceptionChannelInfo) bool {
		return r.Kind == model.ObliviousChannelKind
	}
}

func FromUserInterface() ReceptionPolicy {
	return func(r model.ReceptionChannelInfo) bool {
		return r.Kind == model.UserInterfaceChannelKind
	}
}

func FromServerQuery() ReceptionPolicy {
	return func(r model.ReceptionChannelInfo) bool {
		return r.Kind == model.ServerQueryChannelKind
	}
}

func AnyOf(policies ...ReceptionPolicy) ReceptionPolicy {
	return func(r model.ReceptionChannelInfo) bool {
		for _, p := range policies {
			if p(r) {
				return true
			}
		}
		return false
	}
}

// Post encodes msg for this instance and queues it in the step's transaction.
func (sc *StepContext) Post(ct channel.SendChannelType, msg Message) ([]model.Destination, error) {
	encoded, err := EncodeMessage(sc.ProtocolID, sc.InstanceUID, msg)
	if err != nil {
		return nil, err
	}
	return sc.Deps.Channels.Post(sc.Tx, &channel.ProtocolMessageToSend{
		ChannelType:     ct,
		EncodedElements: encoded,
	}, sc.Deps.PRNG)
}

// AbortInstance removes another instance of the same owned identity as part
// of this step's transaction.
func (sc *StepContext) AbortInstance(uid model.UID) error {
	return deleteInstance(sc.Tx, sc.OwnedIdentity, uid)
}

func (sc *StepContext) InstanceExists(uid model.UID) (bool, error) {
	rec, err := loadInstance(sc.Tx, sc.OwnedIdentity, uid)
	return rec != nil, err
}

// PostLocal starts a new instance of protocol on this device.
func (sc *StepContext) PostLocal(protocol ProtocolID, instance model.UID, msg Message) error {
	encoded, err := EncodeMessage(protocol, instance, msg)
	if err != nil {
		return err
	}
	_, err = sc.Deps.Channels.Post(sc.Tx, &channel.ProtocolMessageToSend{
		ChannelType:     channel.Local(sc.OwnedIdentity),
		EncodedElements: encoded,
	}, sc.Deps.PRNG)
	return err
}

// Cancel is the state a step returns on a local failure.
func Cancel(format string, args ...any) State {
	return CancelledState{Reason: fmt.Sprintf(format, args...)}
}
