package identity

import (
	"context"
	"testing"

	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"
	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/authentication"
	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/repository/kv/memkv"

	"github.com/stretchr/testify/require"
)

func TestOwnedAndContacts(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	store := NewStore()

	alice, err := Generate("https://a.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	require.True(t, authentication.AreKeysMatching(alice.Identity.AuthenticationPublicKey, alice.AuthenticationKey))

	bob, err := Generate("https://b.example", signature.Curve448, prng.System)
	require.NoError(t, err)
	bobDevice := model.NewUID(prng.System)

	require.NoError(t, db.Update(ctx, func(tx kv.Tx) error {
		if err := store.SaveOwned(tx, alice); err != nil {
			return err
		}
		if err := store.AddContactDevice(tx, alice.Identity, bob.Identity, bobDevice); err != nil {
			return err
		}
		return store.AddContactDevice(tx, alice.Identity, bob.Identity, bobDevice)
	}))

	require.NoError(t, db.View(ctx, func(tx kv.Tx) error {
		owned, err := store.Owned(tx, alice.Identity)
		require.NoError(t, err)
		require.True(t, owned.Identity.Equal(alice.Identity))

		device, err := store.CurrentDeviceUID(tx, alice.Identity)
		require.NoError(t, err)
		require.Equal(t, alice.CurrentDeviceUID, device)

		devices, err := store.ContactDeviceUIDs(tx, alice.Identity, bob.Identity)
		require.NoError(t, err)
		require.Equal(t, []model.UID{bobDevice}, devices)

		_, err = store.Owned(tx, bob.Identity)
		require.ErrorIs(t, err, ErrNotOwned)

		_, err = store.ContactDeviceUIDs(tx, bob.Identity, alice.Identity)
		require.ErrorIs(t, err, ErrUnknownContact)

		contacts, err := store.Contacts(tx, alice.Identity)
		require.NoError(t, err)
		require.Len(t, contacts, 1)
		return nil
	}))
}

func TestAddContactWithoutDevices(t *testing.T) {
	ctx := context.Background()
	db := memkv.New()
	store := NewStore()

	alice, err := Generate("https://a.example", signature.Curve25519, prng.System)
	require.NoError(t, err)
	bob, err := Generate("https://a.example", signature.Curve25519, prng.System)
	require.NoError(t, err)

	require.NoError(t, db.Update(ctx, func(tx kv.Tx) error {
		ok, err := store.IsContact(tx, alice.Identity, bob.Identity)
		require.NoError(t, err)
		require.False(t, ok)

		require.ErrorIs(t, store.AddContact(tx, alice.Identity, alice.Identity), ErrInvalidIdentity)
		require.NoError(t, store.AddContact(tx, alice.Identity, bob.Identity))

		device := model.NewUID(prng.System)
		require.NoError(t, store.AddContactDevice(tx, alice.Identity, bob.Identity, device))
		// adding again keeps known devices
		require.NoError(t, store.AddContact(tx, alice.Identity, bob.Identity))

		devices, err := store.ContactDeviceUIDs(tx, alice.Identity, bob.Identity)
		require.NoError(t, err)
		require.Equal(t, []model.UID{device}, devices)

		ok, err = store.IsContact(tx, alice.Identity, bob.Identity)
		require.NoError(t, err)
		require.True(t, ok)
		return nil
	}))
}
