package model

import (
	"encoding/json"
	"testing"

	"e2e_engine/internal/cryptographic/dh"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"

	"github.com/stretchr/testify/require"
)

func newIdentity(t *testing.T, server string) CryptoIdentity {
	t.Helper()
	pub, _, err := signature.GenerateKeyPair(signature.Curve25519, prng.System)
	require.NoError(t, err)
	_, encPub, err := dh.NewX25519KeyPair(prng.System)
	require.NoError(t, err)
	id, err := NewCryptoIdentity(server, pub, encPub[:])
	require.NoError(t, err)
	return id
}

func TestUIDCompare(t *testing.T) {
	a := UID{0x01}
	b := UID{0x02}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))

	parsed, err := UIDFromHex(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	_, err = UIDFromBytes([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrInvalidUID)
}

func TestCryptoIdentityEquality(t *testing.T) {
	a := newIdentity(t, "https://a.example")
	b := newIdentity(t, "https://a.example")
	require.False(t, a.Equal(b))

	copied, err := CryptoIdentityFromBytes(a.Bytes())
	require.NoError(t, err)
	require.True(t, a.Equal(copied))
	require.Equal(t, a.Key(), copied.Key())

	parsed, err := ParseCryptoIdentity(a.String())
	require.NoError(t, err)
	require.True(t, a.Equal(parsed))
}

func TestNetworkMessageJSON(t *testing.T) {
	to := newIdentity(t, "https://b.example")
	msg := &EncryptedNetworkMessage{
		MessageID:        NewUID(prng.System),
		FromIdentity:     newIdentity(t, "https://a.example"),
		ServerURL:        to.ServerURL,
		EncryptedPayload: []byte{1, 2, 3},
		Headers:          []Header{{ToIdentity: to, DeviceUID: NewUID(prng.System), WrappedMessageKey: []byte{9}}},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded EncryptedNetworkMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, msg.MessageID, decoded.MessageID)
	require.True(t, msg.Headers[0].ToIdentity.Equal(decoded.Headers[0].ToIdentity))

	split := decoded.Split()
	require.Len(t, split, 1)
	require.Equal(t, msg.Headers[0].DeviceUID, split[0].ToDeviceUID)
}
