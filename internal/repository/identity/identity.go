package identity

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"e2e_engine/internal/cryptographic/dh"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/cryptographic/signature"
	"e2e_engine/internal/encoder"
	"e2e_engine/internal/model"
	"e2e_engine/internal/repository/kv"
)

const (
	ownedBucket   = "owned_identities"
	contactBucket = "contacts"
)

var (
	ErrNotOwned        = errors.New("identity: not an owned identity")
	ErrUnknownContact  = errors.New("identity: unknown contact")
	ErrInvalidIdentity = errors.New("identity: invalid identity")
)

type (
	OwnedIdentity struct {
		_                 struct{} `cbor:",toarray"`
		Identity          model.CryptoIdentity
		AuthenticationKey signature.PrivateKey
		EncryptionKey     []byte
		CurrentDeviceUID  model.UID
		OtherDeviceUIDs   []model.UID
	}

	Contact struct {
		_          struct{} `cbor:",toarray"`
		Identity   model.CryptoIdentity
		DeviceUIDs []model.UID
	}

	// Store keeps owned identities and contacts in the engine's kv store.
	Store struct{}
)

func NewStore() *Store {
	return &Store{}
}

// Generate creates a new owned identity with a fresh device.
func Generate(serverURL string, curve signature.CurveID, rng prng.PRNG) (*OwnedIdentity, error) {
	authPub, authPriv, err := signature.GenerateKeyPair(curve, rng)
	if err != nil {
		return nil, err
	}
	encPriv, encPub, err := dh.NewX25519KeyPair(rng)
	if err != nil {
		return nil, err
	}

	id, err := model.NewCryptoIdentity(serverURL, authPub, encPub[:])
	if err != nil {
		return nil, err
	}

	return &OwnedIdentity{
		Identity:          id,
		AuthenticationKey: authPriv,
		EncryptionKey:     encPriv[:],
		CurrentDeviceUID:  model.NewUID(rng),
	}, nil
}

func digest(c model.CryptoIdentity) []byte {
	sum := sha256.Sum256(c.Bytes())
	return sum[:]
}

func (s *Store) SaveOwned(tx kv.Tx, owned *OwnedIdentity) error {
	data, err := encoder.Marshal(owned)
	if err != nil {
		return err
	}
	return tx.Put(ownedBucket, digest(owned.Identity), data)
}

func (s *Store) Owned(tx kv.Tx, id model.CryptoIdentity) (*OwnedIdentity, error) {
	data, err := tx.Get(ownedBucket, digest(id))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotOwned
	}

	var owned OwnedIdentity
	if err := encoder.Unmarshal(data, &owned); err != nil {
		return nil, fmt.Errorf("decode owned identity: %w", err)
	}
	return &owned, nil
}

func (s *Store) OwnedIdentities(tx kv.Tx) ([]*OwnedIdentity, error) {
	var out []*OwnedIdentity
	err := tx.ForEach(ownedBucket, nil, func(_, v []byte) error {
		var owned OwnedIdentity
		if err := encoder.Unmarshal(v, &owned); err != nil {
			return err
		}
		out = append(out, &owned)
		return nil
	})
	return out, err
}

func (s *Store) IsOwned(tx kv.Tx, id model.CryptoIdentity) (bool, error) {
	data, err := tx.Get(ownedBucket, digest(id))
	return data != nil, err
}

func contactKey(owned, contact model.CryptoIdentity) []byte {
	return kv.Join(digest(owned), digest(contact))
}

// AddContact trusts contact without knowing any of its devices yet.
func (s *Store) AddContact(tx kv.Tx, owned, contact model.CryptoIdentity) error {
	if owned.Equal(contact) {
		return ErrInvalidIdentity
	}
	ok, err := s.IsContact(tx, owned, contact)
	if err != nil || ok {
		return err
	}
	data, err := encoder.Marshal(&Contact{Identity: contact})
	if err != nil {
		return err
	}
	return tx.Put(contactBucket, contactKey(owned, contact), data)
}

func (s *Store) IsContact(tx kv.Tx, owned, contact model.CryptoIdentity) (bool, error) {
	data, err := tx.Get(contactBucket, contactKey(owned, contact))
	return data != nil, err
}

// AddContactDevice records a device of contact, creating the contact if needed.
func (s *Store) AddContactDevice(tx kv.Tx, owned, contact model.CryptoIdentity, device model.UID) error {
	if owned.Equal(contact) {
		return ErrInvalidIdentity
	}

	c, err := s.Contact(tx, owned, contact)
	if errors.Is(err, ErrUnknownContact) {
		c = &Contact{Identity: contact}
	} else if err != nil {
		return err
	}

	for _, d := range c.DeviceUIDs {
		if d == device {
			return nil
		}
	}
	c.DeviceUIDs = append(c.DeviceUIDs, device)

	data, err := encoder.Marshal(c)
	if err != nil {
		return err
	}
	return tx.Put(contactBucket, contactKey(owned, contact), data)
}

func (s *Store) Contact(tx kv.Tx, owned, contact model.CryptoIdentity) (*Contact, error) {
	data, err := tx.Get(contactBucket, contactKey(owned, contact))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrUnknownContact
	}

	var c Contact
	if err := encoder.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contact: %w", err)
	}
	return &c, nil
}

func (s *Store) Contacts(tx kv.Tx, owned model.CryptoIdentity) ([]*Contact, error) {
	var out []*Contact
	err := tx.ForEach(contactBucket, digest(owned), func(_, v []byte) error {
		var c Contact
		if err := encoder.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

func (s *Store) CurrentDeviceUID(tx kv.Tx, owned model.CryptoIdentity) (model.UID, error) {
	o, err := s.Owned(tx, owned)
	if err != nil {
		return model.UID{}, err
	}
	return o.CurrentDeviceUID, nil
}

// ContactDeviceUIDs also answers for the owned identity itself, returning
// its other devices.
func (s *Store) ContactDeviceUIDs(tx kv.Tx, owned, contact model.CryptoIdentity) ([]model.UID, error) {
	if owned.Equal(contact) {
		o, err := s.Owned(tx, owned)
		if err != nil {
			return nil, err
		}
		return o.OtherDeviceUIDs, nil
	}

	c, err := s.Contact(tx, owned, contact)
	if err != nil {
		return nil, err
	}
	return c.DeviceUIDs, nil
}

func (s *Store) EncryptionPrivateKey(tx kv.Tx, owned model.CryptoIdentity) ([]byte, error) {
	o, err := s.Owned(tx, owned)
	if err != nil {
		return nil, err
	}
	return o.EncryptionKey, nil
}

func (s *Store) AuthenticationKey(tx kv.Tx, owned model.CryptoIdentity) (signature.PrivateKey, error) {
	o, err := s.Owned(tx, owned)
	if err != nil {
		return signature.PrivateKey{}, err
	}
	return o.AuthenticationKey, nil
}
