package channel

import (
	"fmt"
	"sort"

	"e2e_engine/internal/cryptographic/encryption"
	"e2e_engine/internal/cryptographic/kdf"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/encoder"
	"e2e_engine/internal/metrics"
	"e2e_engine/internal/model"
	"e2e_engine/internal/utils/log"

	"go.uber.org/zap"
)

type (
	MessageToSend interface {
		SendChannelType() SendChannelType
	}

	ProtocolMessageToSend struct {
		ChannelType     SendChannelType
		EncodedElements []byte
		WithUserContent bool
	}

	AttachmentToSend struct {
		FilePath        string
		DeleteAfterSend bool
		ByteSize        int64
		Metadata        []byte
	}

	ApplicationMessageToSend struct {
		ChannelType     SendChannelType
		Payload         []byte
		ExtendedPayload []byte
		Attachments     []AttachmentToSend
		WithUserContent bool
	}

	attachmentElement struct {
		_        struct{} `cbor:",toarray"`
		Key      encryption.Key
		Metadata []byte
	}
)

func (m *ProtocolMessageToSend) SendChannelType() SendChannelType {
	return m.ChannelType
}

func (m *ApplicationMessageToSend) SendChannelType() SendChannelType {
	return m.ChannelType
}

// WrapProtocolMessage encrypts a protocol message once and wraps its key for
// every acceptable channel, producing one network message per server.
func WrapProtocolMessage(from model.CryptoIdentity, msg *ProtocolMessageToSend, channels []NetworkChannel, rng prng.PRNG) ([]*model.EncryptedNetworkMessage, error) {
	if len(channels) == 0 {
		return nil, ErrNoDestination
	}

	padded, err := encoder.EncodeEnvelope(model.ProtocolMessageType, msg.EncodedElements)
	if err != nil {
		return nil, err
	}

	key, headers, err := generateMessageKeyAndHeaders(padded, channels, rng)
	if err != nil {
		return nil, err
	}

	payload, err := encryption.Encrypt(key, padded, rng)
	if err != nil {
		return nil, fmt.Errorf("encrypt protocol payload: %w", err)
	}

	return groupByServer(from, headers, payload, nil, nil, msg.WithUserContent, rng), nil
}

// WrapApplicationMessage also encrypts the optional extended payload and
// gives every attachment its own key.
func WrapApplicationMessage(from model.CryptoIdentity, msg *ApplicationMessageToSend, channels []NetworkChannel, rng prng.PRNG) ([]*model.EncryptedNetworkMessage, error) {
	if len(channels) == 0 {
		return nil, ErrNoDestination
	}

	impl, err := negotiateImplementation(channels)
	if err != nil {
		return nil, err
	}

	attachments := make([]model.Attachment, 0, len(msg.Attachments))
	elements := make([]encoder.Encoded, 0, len(msg.Attachments)+1)
	for _, a := range msg.Attachments {
		attKey, err := encryption.GenerateKey(impl, rng)
		if err != nil {
			return nil, err
		}
		encodedKey, err := attKey.Encode()
		if err != nil {
			return nil, err
		}
		element, err := encoder.Marshal(&attachmentElement{Key: attKey, Metadata: a.Metadata})
		if err != nil {
			return nil, err
		}
		elements = append(elements, element)
		attachments = append(attachments, model.Attachment{
			Key:             encodedKey,
			Metadata:        a.Metadata,
			ByteSize:        a.ByteSize,
			FilePath:        a.FilePath,
			DeleteAfterSend: a.DeleteAfterSend,
		})
	}

	payloadElement, err := encoder.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	elements = append(elements, payloadElement)

	encodedElements, err := encoder.Marshal(elements)
	if err != nil {
		return nil, err
	}

	padded, err := encoder.EncodeEnvelope(model.ApplicationMessageType, encodedElements)
	if err != nil {
		return nil, err
	}

	key, headers, err := generateMessageKeyAndHeaders(padded, channels, rng)
	if err != nil {
		return nil, err
	}

	payload, err := encryption.Encrypt(key, padded, rng)
	if err != nil {
		return nil, fmt.Errorf("encrypt application payload: %w", err)
	}

	var extended []byte
	if len(msg.ExtendedPayload) > 0 {
		extKey, err := ExtendedPayloadKey(key)
		if err != nil {
			return nil, err
		}
		extended, err = encryption.Encrypt(extKey, msg.ExtendedPayload, rng)
		if err != nil {
			return nil, fmt.Errorf("encrypt extended payload: %w", err)
		}
	}

	return groupByServer(from, headers, payload, extended, attachments, msg.WithUserContent, rng), nil
}

// negotiateImplementation picks the oldest suite every channel supports.
func negotiateImplementation(channels []NetworkChannel) (encryption.ImplementationID, error) {
	version := encryption.LatestSuiteVersion
	for _, c := range channels {
		if v := c.CryptoSuiteVersion(); v < version {
			version = v
		}
	}
	return encryption.ForSuiteVersion(version)
}

func generateMessageKeyAndHeaders(padded []byte, channels []NetworkChannel, rng prng.PRNG) (encryption.Key, []model.Header, error) {
	impl, err := negotiateImplementation(channels)
	if err != nil {
		return encryption.Key{}, nil, err
	}

	key, err := encryption.GenerateMessageKey(impl, rng, padded)
	if err != nil {
		return encryption.Key{}, nil, err
	}

	headers := make([]model.Header, 0, len(channels))
	for _, c := range channels {
		h, err := c.WrapMessageKey(key, rng)
		if err != nil {
			log.Error("could not wrap message key",
				zap.Stringer("kind", c.Kind()),
				zap.Stringer("device", c.ToDeviceUID()),
				zap.Error(err))
			metrics.WrapFailures.WithLabelValues(c.Kind().String()).Inc()
			continue
		}
		headers = append(headers, *h)
	}

	if len(headers) == 0 {
		return encryption.Key{}, nil, ErrNoDestination
	}
	return key, headers, nil
}

func groupByServer(from model.CryptoIdentity, headers []model.Header, payload, extended []byte, attachments []model.Attachment, withUserContent bool, rng prng.PRNG) []*model.EncryptedNetworkMessage {
	byServer := make(map[string][]model.Header)
	for _, h := range headers {
		byServer[h.ToIdentity.ServerURL] = append(byServer[h.ToIdentity.ServerURL], h)
	}

	servers := make([]string, 0, len(byServer))
	for s := range byServer {
		servers = append(servers, s)
	}
	sort.Strings(servers)

	out := make([]*model.EncryptedNetworkMessage, 0, len(servers))
	for _, s := range servers {
		out = append(out, &model.EncryptedNetworkMessage{
			MessageID:                model.NewUID(rng),
			FromIdentity:             from,
			ServerURL:                s,
			EncryptedPayload:         payload,
			EncryptedExtendedPayload: extended,
			Headers:                  byServer[s],
			Attachments:              attachments,
			WithUserContent:          withUserContent,
		})
	}
	return out
}

// ExtendedPayloadKey is derived from a PRNG seeded by the message key so the
// receiver can recompute it.
func ExtendedPayloadKey(messageKey encryption.Key) (encryption.Key, error) {
	seed, err := kdf.Derive(messageKey.Raw, nil, []byte("ExtendedPayloadSeed"), prng.SeedLength)
	if err != nil {
		return encryption.Key{}, err
	}
	seeded, err := prng.NewSeeded(seed)
	if err != nil {
		return encryption.Key{}, err
	}
	impl, err := encryption.ForSuiteVersion(encryption.LatestSuiteVersion)
	if err != nil {
		return encryption.Key{}, err
	}
	return encryption.GenerateKey(impl, seeded)
}

// DecodeApplicationPayload splits [[key, metadata]..., payload].
func DecodeApplicationPayload(encoded []byte) ([]byte, []encryption.Key, [][]byte, error) {
	var elements []encoder.Encoded
	if err := encoder.Unmarshal(encoded, &elements); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}
	if len(elements) == 0 {
		return nil, nil, nil, encoder.ErrMalformedEnvelope
	}

	var payload []byte
	if err := encoder.Unmarshal(elements[len(elements)-1], &payload); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
	}

	keys := make([]encryption.Key, 0, len(elements)-1)
	metadata := make([][]byte, 0, len(elements)-1)
	for _, e := range elements[:len(elements)-1] {
		var att attachmentElement
		if err := encoder.Unmarshal(e, &att); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", encoder.ErrMalformedEnvelope, err)
		}
		keys = append(keys, att.Key)
		metadata = append(metadata, att.Metadata)
	}
	return payload, keys, metadata, nil
}
