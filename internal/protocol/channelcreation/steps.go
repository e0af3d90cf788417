package channelcreation

import (
	"bytes"
	"context"
	"errors"

	"e2e_engine/internal/channel"
	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/authentication"
	"e2e_engine/internal/protocol/engine"
	"e2e_engine/internal/protocol/keyagreement"
	"e2e_engine/internal/utils/log"

	"go.uber.org/zap"
)

func sendPing(_ context.Context, sc *engine.StepContext, _ engine.InitialState, m InitialMessage) (engine.State, error) {
	contact, device := m.ContactIdentity, m.ContactDeviceUID

	trusted, err := sc.Deps.Identities.IsContact(sc.Tx, sc.OwnedIdentity, contact)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return engine.Cancel("contact %s is not trusted", contact), nil
	}

	if _, err := abortContactInstance(sc, contact, device); err != nil {
		return nil, err
	}
	if err := deleteChannel(sc, contact, device); err != nil {
		return nil, err
	}

	current, err := sc.Deps.Identities.CurrentDeviceUID(sc.Tx, sc.OwnedIdentity)
	if err != nil {
		return nil, err
	}
	sig, err := solveChallenge(sc, contact, device, current)
	if err != nil {
		return nil, err
	}

	ping := PingMessage{ContactIdentity: sc.OwnedIdentity, ContactDeviceUID: current, Signature: sig}
	if _, err := sc.Post(channel.Asymmetric(sc.OwnedIdentity, contact, []model.UID{device}), ping); err != nil {
		return nil, err
	}
	return PingSentState{}, nil
}

func sendPingOrEphemeralKey(_ context.Context, sc *engine.StepContext, _ engine.InitialState, m PingMessage) (engine.State, error) {
	contact, device := m.ContactIdentity, m.ContactDeviceUID

	trusted, err := sc.Deps.Identities.IsContact(sc.Tx, sc.OwnedIdentity, contact)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return engine.Cancel("contact %s is not trusted", contact), nil
	}

	current, err := sc.Deps.Identities.CurrentDeviceUID(sc.Tx, sc.OwnedIdentity)
	if err != nil {
		return nil, err
	}
	if !checkChallenge(sc, m.Signature, contact, device, current) {
		return engine.Cancel("invalid ping signature"), nil
	}

	seen, err := pingSignatureSeen(sc, m.Signature)
	if err != nil {
		return nil, err
	}
	if seen {
		return engine.Cancel("replayed ping signature"), nil
	}
	if err := rememberPingSignature(sc, m.Signature); err != nil {
		return nil, err
	}

	if _, err := abortContactInstance(sc, contact, device); err != nil {
		return nil, err
	}
	if err := deleteChannel(sc, contact, device); err != nil {
		return nil, err
	}

	sig, err := solveChallenge(sc, contact, device, current)
	if err != nil {
		return nil, err
	}
	to := channel.Asymmetric(sc.OwnedIdentity, contact, []model.UID{device})

	if !inCharge(sc.OwnedIdentity, current, contact, device) {
		ping := PingMessage{ContactIdentity: sc.OwnedIdentity, ContactDeviceUID: current, Signature: sig}
		if _, err := sc.Post(to, ping); err != nil {
			return nil, err
		}
		return PingSentState{}, nil
	}

	if err := registerInstance(sc, contact, device); err != nil {
		return nil, err
	}
	eph, err := keyagreement.NewEphemeral(sc.Deps.PRNG)
	if err != nil {
		return nil, err
	}
	msg := AliceIdentityAndEphemeralKeyMessage{
		ContactIdentity:    sc.OwnedIdentity,
		ContactDeviceUID:   current,
		Signature:          sig,
		EphemeralPublicKey: eph.Pub,
	}
	if _, err := sc.Post(to, msg); err != nil {
		return nil, err
	}
	return WaitingForK1State{ContactIdentity: contact, ContactDeviceUID: device, Ephemeral: eph}, nil
}

func sendEphemeralKeyAndK1(_ context.Context, sc *engine.StepContext, _ engine.InitialState, m AliceIdentityAndEphemeralKeyMessage) (engine.State, error) {
	contact, device := m.ContactIdentity, m.ContactDeviceUID

	trusted, err := sc.Deps.Identities.IsContact(sc.Tx, sc.OwnedIdentity, contact)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return engine.Cancel("contact %s is not trusted", contact), nil
	}

	current, err := sc.Deps.Identities.CurrentDeviceUID(sc.Tx, sc.OwnedIdentity)
	if err != nil {
		return nil, err
	}
	if !checkChallenge(sc, m.Signature, contact, device, current) {
		return engine.Cancel("invalid ephemeral key signature"), nil
	}

	aborted, err := abortContactInstance(sc, contact, device)
	if err != nil {
		return nil, err
	}
	if aborted {
		// start over from a clean slate on both ends
		restart := InitialMessage{ContactIdentity: contact, ContactDeviceUID: device}
		if err := sc.PostLocal(ProtocolID, model.NewUID(sc.Deps.PRNG), restart); err != nil {
			return nil, err
		}
		return engine.Cancel("concurrent channel creation restarted"), nil
	}

	if err := registerInstance(sc, contact, device); err != nil {
		return nil, err
	}
	eph, err := keyagreement.NewEphemeral(sc.Deps.PRNG)
	if err != nil {
		return nil, err
	}
	k1, c1, err := keyagreement.SealShare(m.EphemeralPublicKey, sc.Deps.PRNG)
	if err != nil {
		return engine.Cancel("seal k1: %v", err), nil
	}

	msg := BobEphemeralKeyAndK1Message{EphemeralPublicKey: eph.Pub, C1: c1}
	if _, err := sc.Post(channel.Asymmetric(sc.OwnedIdentity, contact, []model.UID{device}), msg); err != nil {
		return nil, err
	}
	return WaitingForK2State{ContactIdentity: contact, ContactDeviceUID: device, Ephemeral: eph, K1: k1}, nil
}

func recoverK1AndSendK2AndCreateChannel(_ context.Context, sc *engine.StepContext, s WaitingForK1State, m BobEphemeralKeyAndK1Message) (engine.State, error) {
	k1, err := s.Ephemeral.OpenShare(m.C1)
	if err != nil {
		return engine.Cancel("recover k1: %v", err), nil
	}
	k2, c2, err := keyagreement.SealShare(m.EphemeralPublicKey, sc.Deps.PRNG)
	if err != nil {
		return engine.Cancel("seal k2: %v", err), nil
	}

	if err := createChannel(sc, s.ContactIdentity, s.ContactDeviceUID, k1, k2); err != nil {
		return nil, err
	}

	to := channel.Asymmetric(sc.OwnedIdentity, s.ContactIdentity, []model.UID{s.ContactDeviceUID})
	if _, err := sc.Post(to, K2Message{C2: c2}); err != nil {
		return nil, err
	}
	return WaitForFirstAckState{ContactIdentity: s.ContactIdentity, ContactDeviceUID: s.ContactDeviceUID}, nil
}

func recoverK2CreateChannelAndSendAck(_ context.Context, sc *engine.StepContext, s WaitingForK2State, m K2Message) (engine.State, error) {
	k2, err := s.Ephemeral.OpenShare(m.C2)
	if err != nil {
		return engine.Cancel("recover k2: %v", err), nil
	}

	if err := createChannel(sc, s.ContactIdentity, s.ContactDeviceUID, s.K1, k2); err != nil {
		return nil, err
	}

	to := channel.Oblivious(sc.OwnedIdentity, []model.CryptoIdentity{s.ContactIdentity}, []model.UID{s.ContactDeviceUID}, false)
	if _, err := sc.Post(to, FirstAckMessage{}); err != nil {
		return nil, err
	}
	return WaitForSecondAckState{ContactIdentity: s.ContactIdentity, ContactDeviceUID: s.ContactDeviceUID}, nil
}

func confirmChannelAndSendAck(_ context.Context, sc *engine.StepContext, s WaitForFirstAckState, _ FirstAckMessage) (engine.State, error) {
	if !fromContactDevice(sc.Reception, s.ContactIdentity, s.ContactDeviceUID) {
		return nil, nil
	}
	if err := sc.Deps.Channels.ConfirmObliviousChannel(sc.Tx, sc.OwnedIdentity, s.ContactIdentity, s.ContactDeviceUID); err != nil {
		return nil, err
	}

	to := channel.Oblivious(sc.OwnedIdentity, []model.CryptoIdentity{s.ContactIdentity}, []model.UID{s.ContactDeviceUID}, true)
	if _, err := sc.Post(to, SecondAckMessage{}); err != nil {
		return nil, err
	}
	if err := forgetInstance(sc, s.ContactIdentity, s.ContactDeviceUID); err != nil {
		return nil, err
	}
	return ChannelConfirmedState{}, nil
}

func confirmChannel(_ context.Context, sc *engine.StepContext, s WaitForSecondAckState, _ SecondAckMessage) (engine.State, error) {
	if !fromContactDevice(sc.Reception, s.ContactIdentity, s.ContactDeviceUID) {
		return nil, nil
	}
	if err := sc.Deps.Channels.ConfirmObliviousChannel(sc.Tx, sc.OwnedIdentity, s.ContactIdentity, s.ContactDeviceUID); err != nil {
		return nil, err
	}
	if err := forgetInstance(sc, s.ContactIdentity, s.ContactDeviceUID); err != nil {
		return nil, err
	}
	return ChannelConfirmedState{}, nil
}

func createChannel(sc *engine.StepContext, contact model.CryptoIdentity, device model.UID, k1, k2 []byte) error {
	if err := sc.Deps.Identities.AddContactDevice(sc.Tx, sc.OwnedIdentity, contact, device); err != nil {
		return err
	}
	seed, err := keyagreement.DeriveSeed(k1, k2)
	if err != nil {
		return err
	}
	current, err := sc.Deps.Identities.CurrentDeviceUID(sc.Tx, sc.OwnedIdentity)
	if err != nil {
		return err
	}

	log.Named("channel_creation").Debug("creating oblivious channel",
		zap.Stringer("contact", contact),
		zap.Stringer("device", device))
	return sc.Deps.Channels.CreateObliviousChannel(sc.Tx, sc.OwnedIdentity, current, contact, device, seed, SuiteVersion)
}

func deleteChannel(sc *engine.StepContext, contact model.CryptoIdentity, device model.UID) error {
	err := sc.Deps.Channels.DeleteObliviousChannel(sc.Tx, sc.OwnedIdentity, contact, device)
	if errors.Is(err, channel.ErrChannelNotFound) {
		return nil
	}
	return err
}

// solveChallenge signs for the recipient: its device and identity come first.
func solveChallenge(sc *engine.StepContext, contact model.CryptoIdentity, device, current model.UID) ([]byte, error) {
	priv, err := sc.Deps.Identities.AuthenticationKey(sc.Tx, sc.OwnedIdentity)
	if err != nil {
		return nil, err
	}
	challenge := authentication.ChannelCreationChallenge(device, current, contact, sc.OwnedIdentity)
	pub := sc.OwnedIdentity.AuthenticationPublicKey
	return authentication.Solve(challenge, authentication.PrefixChannelCreation, priv, &pub, sc.Deps.PRNG)
}

func checkChallenge(sc *engine.StepContext, sig []byte, contact model.CryptoIdentity, device, current model.UID) bool {
	challenge := authentication.ChannelCreationChallenge(current, device, sc.OwnedIdentity, contact)
	return authentication.Check(sig, challenge, authentication.PrefixChannelCreation, contact.AuthenticationPublicKey)
}

// inCharge reports whether the current device drives the key agreement.
func inCharge(owned model.CryptoIdentity, current model.UID, contact model.CryptoIdentity, device model.UID) bool {
	if c := current.Compare(device); c != 0 {
		return c < 0
	}
	return bytes.Compare(owned.Bytes(), contact.Bytes()) < 0
}

func fromContactDevice(r model.ReceptionChannelInfo, contact model.CryptoIdentity, device model.UID) bool {
	return r.Kind == model.ObliviousChannelKind && r.RemoteIdentity.Equal(contact) && r.RemoteDeviceUID == device
}
