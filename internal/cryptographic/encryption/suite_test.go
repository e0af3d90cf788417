package encryption

import (
	"testing"

	"e2e_engine/internal/cryptographic/prng"

	"github.com/stretchr/testify/require"
)

var allImplementations = []ImplementationID{CTRAES256ThenHMACSHA256, AES256GCM, XChaCha20Poly1305}

func TestEncryptDecrypt(t *testing.T) {
	for _, id := range allImplementations {
		t.Run(id.String(), func(t *testing.T) {
			key, err := GenerateKey(id, prng.System)
			require.NoError(t, err)

			plaintext := []byte("attack at dawn")
			ct, err := Encrypt(key, plaintext, prng.System)
			require.NoError(t, err)

			pt, err := Decrypt(key, ct)
			require.NoError(t, err)
			require.Equal(t, plaintext, pt)

			ct[len(ct)-1] ^= 0x01
			_, err = Decrypt(key, ct)
			require.ErrorIs(t, err, ErrDecryption)

			_, err = Decrypt(key, ct[:4])
			require.ErrorIs(t, err, ErrCiphertextShort)
		})
	}
}

func TestEmptyPlaintext(t *testing.T) {
	for _, id := range allImplementations {
		key, err := GenerateKey(id, prng.System)
		require.NoError(t, err)
		ct, err := Encrypt(key, nil, prng.System)
		require.NoError(t, err)
		pt, err := Decrypt(key, ct)
		require.NoError(t, err)
		require.Empty(t, pt)
	}
}

func TestMessageKeyDependsOnContent(t *testing.T) {
	seed := []byte("fixed")
	r1, _ := prng.NewSeeded(seed)
	r2, _ := prng.NewSeeded(seed)

	k1, err := GenerateMessageKey(AES256GCM, r1, []byte("one"))
	require.NoError(t, err)
	k2, err := GenerateMessageKey(AES256GCM, r2, []byte("two"))
	require.NoError(t, err)
	require.False(t, k1.Equal(k2))
}

func TestSuiteVersions(t *testing.T) {
	id, err := ForSuiteVersion(LatestSuiteVersion)
	require.NoError(t, err)
	require.Equal(t, XChaCha20Poly1305, id)

	id, err = ForSuiteVersion(MinSuiteVersion)
	require.NoError(t, err)
	require.Equal(t, CTRAES256ThenHMACSHA256, id)

	_, err = ForSuiteVersion(LatestSuiteVersion + 1)
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestKeyEncoding(t *testing.T) {
	key, err := KeyFromSeed(CTRAES256ThenHMACSHA256, []byte("seed"))
	require.NoError(t, err)

	data, err := key.Encode()
	require.NoError(t, err)

	decoded, err := DecodeKey(data)
	require.NoError(t, err)
	require.True(t, key.Equal(decoded))

	bad := Key{Algorithm: 0x7f, Raw: key.Raw}
	data, err = bad.Encode()
	require.NoError(t, err)
	_, err = DecodeKey(data)
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}
