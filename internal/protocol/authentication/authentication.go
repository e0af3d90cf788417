package authentication

import (
	"errors"
	"fmt"

	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"
	"e2e_engine/internal/model"
	"e2e_engine/internal/utils/log"

	"go.uber.org/zap"
)

// SuffixLength is the number of fresh random bytes appended to every
// formatted challenge and prepended to the response.
const SuffixLength = 16

var (
	PrefixServerAuthentication = []byte("authentChallenge")
	PrefixChannelCreation      = []byte("channelCreation")
	PrefixOwnedDeviceDiscovery = []byte("ownedDeviceDiscovery")
)

var ErrLowOrderPoint = errors.New("authentication: low order public key")

// Solve signs prefix || challenge || suffix with priv and returns
// suffix || signature. pub may be nil, in which case it is recomputed.
func Solve(challenge, prefix []byte, priv signature.PrivateKey, pub *signature.PublicKey, rng prng.PRNG) ([]byte, error) {
	var signer signature.PublicKey
	if pub != nil {
		signer = *pub
	} else {
		derived, err := priv.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("authentication: %w", err)
		}
		signer = derived
	}

	lowOrder, err := signer.IsLowOrder()
	if err != nil {
		return nil, fmt.Errorf("authentication: %w", err)
	}
	if lowOrder {
		log.DPanic("refusing to authenticate with a low order key", zap.Stringer("curve", signer.Curve))
		return nil, ErrLowOrderPoint
	}

	suffix := rng.GenBytes(SuffixLength)
	sig, err := signature.Sign(priv, formatChallenge(prefix, challenge, suffix))
	if err != nil {
		return nil, fmt.Errorf("authentication: %w", err)
	}

	response := make([]byte, 0, SuffixLength+len(sig))
	response = append(response, suffix...)
	return append(response, sig...), nil
}

// Check never panics; any malformed input is a failed check.
func Check(response, challenge, prefix []byte, pub signature.PublicKey) bool {
	if len(response) <= SuffixLength {
		return false
	}

	lowOrder, err := pub.IsLowOrder()
	if err != nil || lowOrder {
		return false
	}

	suffix := response[:SuffixLength]
	sig := response[SuffixLength:]
	return signature.Verify(pub, formatChallenge(prefix, challenge, suffix), sig)
}

// AreKeysMatching reports whether pub is the public key of priv.
func AreKeysMatching(pub signature.PublicKey, priv signature.PrivateKey) bool {
	if pub.Curve != priv.Curve {
		return false
	}
	derived, err := priv.PublicKey()
	if err != nil {
		return false
	}
	return derived.Equal(pub)
}

func GenerateKeyPair(curve signature.CurveID, rng prng.PRNG) (signature.PublicKey, signature.PrivateKey, error) {
	return signature.GenerateKeyPair(curve, rng)
}

func formatChallenge(prefix, challenge, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(challenge)+len(suffix))
	out = append(out, prefix...)
	out = append(out, challenge...)
	return append(out, suffix...)
}

// ChannelCreationChallenge binds a channel creation signature to both ends.
func ChannelCreationChallenge(firstDevice, secondDevice model.UID, first, second model.CryptoIdentity) []byte {
	out := make([]byte, 0, 2*model.UIDLength)
	out = append(out, firstDevice[:]...)
	out = append(out, secondDevice[:]...)
	out = append(out, first.Bytes()...)
	return append(out, second.Bytes()...)
}
