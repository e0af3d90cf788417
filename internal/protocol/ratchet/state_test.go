package ratchet

import (
	"testing"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/model"

	"github.com/stretchr/testify/require"
)

func pair(t *testing.T) (*SendState, *ReceiveState) {
	t.Helper()
	seed := prng.System.GenSeed()
	alice := model.NewUID(prng.System)
	bob := model.NewUID(prng.System)

	aliceSend, _, err := NewStates(seed, alice, bob, encryption.LatestSuiteVersion)
	require.NoError(t, err)
	_, bobRecv, err := NewStates(seed, bob, alice, encryption.LatestSuiteVersion)
	require.NoError(t, err)
	return aliceSend, bobRecv
}

func TestSendMatchesProvisionedReceive(t *testing.T) {
	send, recv := pair(t)
	require.Len(t, recv.Keys, ProvisionSize)

	for i := 0; i < 3*ProvisionSize; i++ {
		id, key, err := send.Next()
		require.NoError(t, err)

		got, _, _, err := recv.Consume(id)
		require.NoError(t, err, "message %d", i)
		require.True(t, key.Equal(got))
	}
	require.Equal(t, uint64(3*ProvisionSize), send.Count)
}

func TestOutOfOrderAndReplay(t *testing.T) {
	send, recv := pair(t)

	id1, key1, err := send.Next()
	require.NoError(t, err)
	id2, key2, err := send.Next()
	require.NoError(t, err)

	got, _, _, err := recv.Consume(id2)
	require.NoError(t, err)
	require.True(t, key2.Equal(got))

	got, _, _, err = recv.Consume(id1)
	require.NoError(t, err)
	require.True(t, key1.Equal(got))

	_, _, _, err = recv.Consume(id1)
	require.ErrorIs(t, err, ErrUnknownKeyID)
}

func TestDirectionsDiffer(t *testing.T) {
	seed := prng.System.GenSeed()
	alice := model.NewUID(prng.System)
	bob := model.NewUID(prng.System)

	aliceSend, aliceRecv, err := NewStates(seed, alice, bob, encryption.LatestSuiteVersion)
	require.NoError(t, err)

	id, _, err := aliceSend.Next()
	require.NoError(t, err)
	_, ok := aliceRecv.Lookup(id)
	require.False(t, ok)
}

func TestEviction(t *testing.T) {
	_, recv := pair(t)
	_, evicted, err := recv.Provision(MaxProvisioned)
	require.NoError(t, err)
	require.Len(t, evicted, ProvisionSize)
	require.Len(t, recv.Keys, MaxProvisioned)
}
