// Package channelcreation establishes an oblivious channel between the
// current device of an owned identity and one device of a contact.
//
// The device with the smaller uid is in charge: it sends its ephemeral key,
// the other side answers with k1 sealed to it, k2 travels back sealed to
// the peer's ephemeral key and both derive the channel seed from (k1, k2).
// Two acknowledgements over the fresh channel confirm it on both ends.
package channelcreation

import (
	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/engine"
	"e2e_engine/internal/protocol/keyagreement"
)

const ProtocolID engine.ProtocolID = 1

// SuiteVersion is the version new channels are created with.
const SuiteVersion = encryption.LatestSuiteVersion

const (
	pingSentStateID engine.StateID = iota + 1
	waitingForK1StateID
	waitingForK2StateID
	waitForFirstAckStateID
	waitForSecondAckStateID
	channelConfirmedStateID
)

const (
	initialMessageID engine.MessageID = iota
	pingMessageID
	aliceIdentityAndEphemeralKeyMessageID
	bobEphemeralKeyAndK1MessageID
	k2MessageID
	firstAckMessageID
	secondAckMessageID
)

type (
	PingSentState struct{}

	WaitingForK1State struct {
		ContactIdentity  model.CryptoIdentity
		ContactDeviceUID model.UID
		Ephemeral        keyagreement.Ephemeral
	}

	WaitingForK2State struct {
		ContactIdentity  model.CryptoIdentity
		ContactDeviceUID model.UID
		Ephemeral        keyagreement.Ephemeral
		K1               []byte
	}

	WaitForFirstAckState struct {
		ContactIdentity  model.CryptoIdentity
		ContactDeviceUID model.UID
	}

	WaitForSecondAckState struct {
		ContactIdentity  model.CryptoIdentity
		ContactDeviceUID model.UID
	}

	ChannelConfirmedState struct{}
)

func (PingSentState) StateID() engine.StateID         { return pingSentStateID }
func (WaitingForK1State) StateID() engine.StateID     { return waitingForK1StateID }
func (WaitingForK2State) StateID() engine.StateID     { return waitingForK2StateID }
func (WaitForFirstAckState) StateID() engine.StateID  { return waitForFirstAckStateID }
func (WaitForSecondAckState) StateID() engine.StateID { return waitForSecondAckStateID }
func (ChannelConfirmedState) StateID() engine.StateID { return channelConfirmedStateID }

type (
	// InitialMessage is posted locally to start the protocol.
	InitialMessage struct {
		ContactIdentity  model.CryptoIdentity
		ContactDeviceUID model.UID
	}

	// PingMessage proves the sender trusts the recipient and holds no
	// channel with it. Contact fields describe the sender.
	PingMessage struct {
		ContactIdentity  model.CryptoIdentity
		ContactDeviceUID model.UID
		Signature        []byte
	}

	AliceIdentityAndEphemeralKeyMessage struct {
		ContactIdentity    model.CryptoIdentity
		ContactDeviceUID   model.UID
		Signature          []byte
		EphemeralPublicKey []byte
	}

	BobEphemeralKeyAndK1Message struct {
		EphemeralPublicKey []byte
		C1                 []byte
	}

	K2Message struct {
		C2 []byte
	}

	FirstAckMessage struct{}

	SecondAckMessage struct{}
)

func (InitialMessage) MessageID() engine.MessageID { return initialMessageID }
func (PingMessage) MessageID() engine.MessageID    { return pingMessageID }
func (AliceIdentityAndEphemeralKeyMessage) MessageID() engine.MessageID {
	return aliceIdentityAndEphemeralKeyMessageID
}
func (BobEphemeralKeyAndK1Message) MessageID() engine.MessageID { return bobEphemeralKeyAndK1MessageID }
func (K2Message) MessageID() engine.MessageID                   { return k2MessageID }
func (FirstAckMessage) MessageID() engine.MessageID             { return firstAckMessageID }
func (SecondAckMessage) MessageID() engine.MessageID            { return secondAckMessageID }

// Definition registers the protocol with the engine. PingSentState is
// final: the peer answers a ping in a fresh instance with the same uid.
func Definition() engine.Definition {
	return engine.Definition{
		ID:   ProtocolID,
		Name: "channel_creation_with_contact_device",
		States: []engine.StateType{
			engine.StateOf[PingSentState](),
			engine.StateOf[WaitingForK1State](),
			engine.StateOf[WaitingForK2State](),
			engine.StateOf[WaitForFirstAckState](),
			engine.StateOf[WaitForSecondAckState](),
			engine.StateOf[ChannelConfirmedState](),
		},
		Messages: []engine.MessageType{
			engine.MessageOf[InitialMessage](),
			engine.MessageOf[PingMessage](),
			engine.MessageOf[AliceIdentityAndEphemeralKeyMessage](),
			engine.MessageOf[BobEphemeralKeyAndK1Message](),
			engine.MessageOf[K2Message](),
			engine.MessageOf[FirstAckMessage](),
			engine.MessageOf[SecondAckMessage](),
		},
		Steps: []engine.StepDescriptor{
			engine.NewStep("send_ping", engine.FromLocal(), sendPing),
			engine.NewStep("send_ping_or_ephemeral_key", engine.FromAsymmetric(), sendPingOrEphemeralKey),
			engine.NewStep("send_ephemeral_key_and_k1", engine.FromAsymmetric(), sendEphemeralKeyAndK1),
			engine.NewStep("recover_k1_send_k2_create_channel", engine.FromAsymmetric(), recoverK1AndSendK2AndCreateChannel),
			engine.NewStep("recover_k2_create_channel_send_ack", engine.FromAsymmetric(), recoverK2CreateChannelAndSendAck),
			engine.NewStep("confirm_channel_and_send_ack", engine.FromAnyOblivious(), confirmChannelAndSendAck),
			engine.NewStep("confirm_channel", engine.FromAnyOblivious(), confirmChannel),
		},
		FinalStates: []engine.StateID{pingSentStateID, channelConfirmedStateID},
	}
}
