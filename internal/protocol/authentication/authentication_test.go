package authentication

import (
	"testing"

	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"
	"e2e_engine/internal/utils/log"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var curves = []signature.CurveID{signature.Curve25519, signature.Curve448}

func TestSolveCheck(t *testing.T) {
	challenge := []byte("some challenge")
	for _, curve := range curves {
		t.Run(curve.String(), func(t *testing.T) {
			pub, priv, err := GenerateKeyPair(curve, prng.System)
			require.NoError(t, err)

			resp, err := Solve(challenge, PrefixServerAuthentication, priv, &pub, prng.System)
			require.NoError(t, err)
			require.Len(t, resp, SuffixLength+curve.SignatureSize())
			require.True(t, Check(resp, challenge, PrefixServerAuthentication, pub))

			derived, err := Solve(challenge, PrefixServerAuthentication, priv, nil, prng.System)
			require.NoError(t, err)
			require.True(t, Check(derived, challenge, PrefixServerAuthentication, pub))

			require.False(t, Check(resp, challenge, PrefixChannelCreation, pub))
			require.False(t, Check(resp, []byte("other challenge"), PrefixServerAuthentication, pub))

			other, _, err := GenerateKeyPair(curve, prng.System)
			require.NoError(t, err)
			require.False(t, Check(resp, challenge, PrefixServerAuthentication, other))
		})
	}
}

func TestCheckRejectsAnyBitFlip(t *testing.T) {
	pub, priv, err := GenerateKeyPair(signature.Curve25519, prng.System)
	require.NoError(t, err)

	challenge := []byte("flip")
	resp, err := Solve(challenge, PrefixServerAuthentication, priv, &pub, prng.System)
	require.NoError(t, err)

	for i := range resp {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), resp...)
			flipped[i] ^= 1 << bit
			require.False(t, Check(flipped, challenge, PrefixServerAuthentication, pub), "byte %d bit %d", i, bit)
		}
	}
}

func TestCheckShortResponses(t *testing.T) {
	pub, _, err := GenerateKeyPair(signature.Curve25519, prng.System)
	require.NoError(t, err)

	for n := 0; n <= SuffixLength; n++ {
		require.False(t, Check(make([]byte, n), []byte("c"), PrefixServerAuthentication, pub))
	}
	require.False(t, Check(make([]byte, 100), []byte("c"), PrefixServerAuthentication, pub))
}

func TestLowOrderKey(t *testing.T) {
	log.SetLogger(zap.NewNop())
	t.Cleanup(func() { log.SetLogger(zap.NewNop()) })

	_, priv, err := GenerateKeyPair(signature.Curve25519, prng.System)
	require.NoError(t, err)

	identity := make([]byte, 32)
	identity[0] = 0x01
	lowOrder := signature.PublicKey{Curve: signature.Curve25519, Raw: identity}

	_, err = Solve([]byte("c"), PrefixServerAuthentication, priv, &lowOrder, prng.System)
	require.ErrorIs(t, err, ErrLowOrderPoint)

	require.False(t, Check(make([]byte, SuffixLength+64), []byte("c"), PrefixServerAuthentication, lowOrder))
}

func TestLowOrderKeyPanicsInDevelopment(t *testing.T) {
	log.SetLogger(zap.NewExample(zap.Development()))
	t.Cleanup(func() { log.SetLogger(zap.NewNop()) })

	_, priv, err := GenerateKeyPair(signature.Curve25519, prng.System)
	require.NoError(t, err)

	identity := make([]byte, 32)
	identity[0] = 0x01
	lowOrder := signature.PublicKey{Curve: signature.Curve25519, Raw: identity}

	require.Panics(t, func() {
		_, _ = Solve([]byte("c"), PrefixServerAuthentication, priv, &lowOrder, prng.System)
	})
}

func TestAreKeysMatching(t *testing.T) {
	for _, curve := range curves {
		pub, priv, err := GenerateKeyPair(curve, prng.System)
		require.NoError(t, err)
		require.True(t, AreKeysMatching(pub, priv))

		other, _, err := GenerateKeyPair(curve, prng.System)
		require.NoError(t, err)
		require.False(t, AreKeysMatching(other, priv))
	}

	pub25519, _, err := GenerateKeyPair(signature.Curve25519, prng.System)
	require.NoError(t, err)
	_, priv448, err := GenerateKeyPair(signature.Curve448, prng.System)
	require.NoError(t, err)
	require.False(t, AreKeysMatching(pub25519, priv448))
}
