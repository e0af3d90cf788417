package keyagreement

import (
	"testing"

	"e2e_engine/internal/cryptographic/prng"

	"github.com/stretchr/testify/require"
)

func TestBothSidesDeriveSameSeed(t *testing.T) {
	alice, err := NewEphemeral(prng.System)
	require.NoError(t, err)
	bob, err := NewEphemeral(prng.System)
	require.NoError(t, err)

	k1, sealedK1, err := SealShare(bob.Pub, prng.System)
	require.NoError(t, err)
	openedK1, err := bob.OpenShare(sealedK1)
	require.NoError(t, err)

	k2, sealedK2, err := SealShare(alice.Pub, prng.System)
	require.NoError(t, err)
	openedK2, err := alice.OpenShare(sealedK2)
	require.NoError(t, err)

	aliceSeed, err := DeriveSeed(k1, openedK2)
	require.NoError(t, err)
	bobSeed, err := DeriveSeed(openedK1, k2)
	require.NoError(t, err)
	require.Equal(t, aliceSeed, bobSeed)

	_, err = alice.OpenShare(sealedK1)
	require.Error(t, err)

	_, err = DeriveSeed(k1[:5], k2)
	require.ErrorIs(t, err, ErrInvalidShare)
}
