// Package devicediscovery asks the contact's server for the contact's
// devices and starts a channel creation with every device not known yet.
package devicediscovery

import (
	"context"

	"e2e_engine/internal/channel"
	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/channelcreation"
	"e2e_engine/internal/protocol/engine"
)

const ProtocolID engine.ProtocolID = 2

const (
	waitingForServerQueryResultStateID engine.StateID = iota + 1
	serverQueryResultProcessedStateID
)

const (
	initialMessageID engine.MessageID = iota
	serverQueryMessageID
	serverResponseMessageID
)

type (
	WaitingForServerQueryResultState struct {
		ContactIdentity model.CryptoIdentity
	}

	ServerQueryResultProcessedState struct {
		NewDevices int
	}

	InitialMessage struct {
		ContactIdentity model.CryptoIdentity
	}

	// ServerQueryMessage is handed to whoever talks to the contact's server.
	ServerQueryMessage struct {
		ContactIdentity model.CryptoIdentity
	}

	ServerResponseMessage struct {
		DeviceUIDs []model.UID
	}
)

func (WaitingForServerQueryResultState) StateID() engine.StateID {
	return waitingForServerQueryResultStateID
}

func (ServerQueryResultProcessedState) StateID() engine.StateID {
	return serverQueryResultProcessedStateID
}

func (InitialMessage) MessageID() engine.MessageID        { return initialMessageID }
func (ServerQueryMessage) MessageID() engine.MessageID    { return serverQueryMessageID }
func (ServerResponseMessage) MessageID() engine.MessageID { return serverResponseMessageID }

func Definition() engine.Definition {
	return engine.Definition{
		ID:   ProtocolID,
		Name: "device_discovery_for_contact_identity",
		States: []engine.StateType{
			engine.StateOf[WaitingForServerQueryResultState](),
			engine.StateOf[ServerQueryResultProcessedState](),
		},
		Messages: []engine.MessageType{
			engine.MessageOf[InitialMessage](),
			engine.MessageOf[ServerQueryMessage](),
			engine.MessageOf[ServerResponseMessage](),
		},
		Steps: []engine.StepDescriptor{
			engine.NewStep("send_server_query", engine.FromLocal(), sendServerQuery),
			engine.NewStep("process_devices", engine.FromServerQuery(), processDevices),
		},
		FinalStates: []engine.StateID{serverQueryResultProcessedStateID},
	}
}

func sendServerQuery(_ context.Context, sc *engine.StepContext, _ engine.InitialState, m InitialMessage) (engine.State, error) {
	trusted, err := sc.Deps.Identities.IsContact(sc.Tx, sc.OwnedIdentity, m.ContactIdentity)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return engine.Cancel("contact %s is not trusted", m.ContactIdentity), nil
	}

	if _, err := sc.Post(channel.ServerQuery(sc.OwnedIdentity), ServerQueryMessage{ContactIdentity: m.ContactIdentity}); err != nil {
		return nil, err
	}
	return WaitingForServerQueryResultState{ContactIdentity: m.ContactIdentity}, nil
}

func processDevices(_ context.Context, sc *engine.StepContext, s WaitingForServerQueryResultState, m ServerResponseMessage) (engine.State, error) {
	known, err := sc.Deps.Identities.ContactDeviceUIDs(sc.Tx, sc.OwnedIdentity, s.ContactIdentity)
	if err != nil {
		return nil, err
	}
	seen := make(map[model.UID]bool, len(known))
	for _, d := range known {
		seen[d] = true
	}

	added := 0
	for _, device := range m.DeviceUIDs {
		if seen[device] || device == model.BroadcastDeviceUID {
			continue
		}
		seen[device] = true
		if err := sc.Deps.Identities.AddContactDevice(sc.Tx, sc.OwnedIdentity, s.ContactIdentity, device); err != nil {
			return nil, err
		}
		start := channelcreation.InitialMessage{ContactIdentity: s.ContactIdentity, ContactDeviceUID: device}
		if err := sc.PostLocal(channelcreation.ProtocolID, model.NewUID(sc.Deps.PRNG), start); err != nil {
			return nil, err
		}
		added++
	}
	return ServerQueryResultProcessedState{NewDevices: added}, nil
}
