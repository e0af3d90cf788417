package channelcreation

import (
	"context"
	"testing"

	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"
	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/engine"
	"e2e_engine/internal/repository/identity"
	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/repository/kv/memkv"

	"github.com/stretchr/testify/require"
)

func TestDefinitionRegisters(t *testing.T) {
	r, err := engine.NewRegistry(Definition())
	require.NoError(t, err)

	_, ok := r.FindStep(ProtocolID, engine.InitialStateID, PingMessage{}.MessageID())
	require.True(t, ok)
	require.True(t, r.IsFinal(ProtocolID, PingSentState{}.StateID()))
	require.True(t, r.IsFinal(ProtocolID, ChannelConfirmedState{}.StateID()))
	require.False(t, r.IsFinal(ProtocolID, WaitingForK1State{}.StateID()))
}

func TestExactlyOneSideIsInCharge(t *testing.T) {
	a, err := identity.Generate("https://a.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	b, err := identity.Generate("https://a.example", signature.Curve448, prng.System)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		da, db := model.NewUID(prng.System), model.NewUID(prng.System)
		require.NotEqual(t, inCharge(a.Identity, da, b.Identity, db), inCharge(b.Identity, db, a.Identity, da))
	}

	same := model.NewUID(prng.System)
	require.NotEqual(t, inCharge(a.Identity, same, b.Identity, same), inCharge(b.Identity, same, a.Identity, same))
}

func stepContext(tx kv.Tx, store *identity.Store, owned model.CryptoIdentity) *engine.StepContext {
	return &engine.StepContext{
		Tx:            tx,
		Deps:          &engine.Dependencies{Identities: store, PRNG: prng.System},
		OwnedIdentity: owned,
		InstanceUID:   model.NewUID(prng.System),
	}
}

func TestChallengeIsBoundToBothDevices(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	store := identity.NewStore()

	alice, err := identity.Generate("https://a.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	bob, err := identity.Generate("https://b.example", signature.Curve448, prng.System)
	require.NoError(t, err)

	require.NoError(t, db.Update(ctx, func(tx kv.Tx) error {
		require.NoError(t, store.SaveOwned(tx, alice))
		require.NoError(t, store.SaveOwned(tx, bob))

		fromAlice := stepContext(tx, store, alice.Identity)
		sig, err := solveChallenge(fromAlice, bob.Identity, bob.CurrentDeviceUID, alice.CurrentDeviceUID)
		require.NoError(t, err)

		atBob := stepContext(tx, store, bob.Identity)
		require.True(t, checkChallenge(atBob, sig, alice.Identity, alice.CurrentDeviceUID, bob.CurrentDeviceUID))
		require.False(t, checkChallenge(atBob, sig, alice.Identity, bob.CurrentDeviceUID, alice.CurrentDeviceUID))
		require.False(t, checkChallenge(atBob, sig, alice.Identity, model.NewUID(prng.System), bob.CurrentDeviceUID))

		// a signature is not valid back towards its signer
		require.False(t, checkChallenge(fromAlice, sig, bob.Identity, bob.CurrentDeviceUID, alice.CurrentDeviceUID))
		return nil
	}))
}

func TestPingSignatureReplayIsRemembered(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	owned, err := identity.Generate("https://a.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	sig := prng.System.GenBytes(80)

	require.NoError(t, db.Update(ctx, func(tx kv.Tx) error {
		sc := stepContext(tx, identity.NewStore(), owned.Identity)
		seen, err := pingSignatureSeen(sc, sig)
		require.NoError(t, err)
		require.False(t, seen)

		require.NoError(t, rememberPingSignature(sc, sig))
		seen, err = pingSignatureSeen(sc, sig)
		require.NoError(t, err)
		require.True(t, seen)
		return nil
	}))
}

func TestAbortContactInstanceIgnoresStaleEntries(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	owned, err := identity.Generate("https://a.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	contact, err := identity.Generate("https://b.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	device := model.NewUID(prng.System)

	require.NoError(t, db.Update(ctx, func(tx kv.Tx) error {
		first := stepContext(tx, identity.NewStore(), owned.Identity)
		require.NoError(t, registerInstance(first, contact.Identity, device))

		second := stepContext(tx, identity.NewStore(), owned.Identity)
		aborted, err := abortContactInstance(second, contact.Identity, device)
		require.NoError(t, err)
		require.False(t, aborted)

		aborted, err = abortContactInstance(second, contact.Identity, device)
		require.NoError(t, err)
		require.False(t, aborted)
		return nil
	}))
}
