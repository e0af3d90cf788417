package app

import (
	"context"
	"fmt"

	"e2e_engine/internal/model"
	"e2e_engine/internal/repository/identity"
	"e2e_engine/internal/repository/kv"
)

// getOwnedAndCreateIfNotExist returns the identity stored on this device,
// generating one hosted on the configured server on first start.
func (c *Node) getOwnedAndCreateIfNotExist(ctx context.Context) (*identity.OwnedIdentity, error) {
	var owned *identity.OwnedIdentity
	err := c.store.View(ctx, func(tx kv.Tx) error {
		all, err := c.identities.OwnedIdentities(tx)
		if err != nil {
			return err
		}
		if len(all) > 0 {
			owned = all[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if owned != nil {
		if owned.Identity.ServerURL != c.cfg.ServerURL {
			return nil, fmt.Errorf("app: stored identity is hosted on %s, not %s", owned.Identity.ServerURL, c.cfg.ServerURL)
		}
		return owned, nil
	}

	owned, err = identity.Generate(c.cfg.ServerURL, c.cfg.CurveID(), c.rng)
	if err != nil {
		return nil, err
	}

	err = c.store.Update(ctx, func(tx kv.Tx) error {
		return c.identities.SaveOwned(tx, owned)
	})
	if err != nil {
		return nil, err
	}

	return owned, nil
}

// Trust records contact without contacting it.
func (c *Node) Trust(ctx context.Context, contact model.CryptoIdentity) error {
	return c.store.Update(ctx, func(tx kv.Tx) error {
		return c.identities.AddContact(tx, c.owned.Identity, contact)
	})
}

// AddContact trusts contact and starts looking for its devices.
func (c *Node) AddContact(ctx context.Context, contact model.CryptoIdentity) error {
	if err := c.Trust(ctx, contact); err != nil {
		return err
	}
	_, err := c.manager.StartDeviceDiscovery(ctx, c.owned.Identity, contact)
	return err
}

func (c *Node) Contacts(ctx context.Context) ([]*identity.Contact, error) {
	var out []*identity.Contact
	err := c.store.View(ctx, func(tx kv.Tx) error {
		var err error
		out, err = c.identities.Contacts(tx, c.owned.Identity)
		return err
	})
	return out, err
}
