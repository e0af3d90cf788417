package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"e2e_engine/internal/channel"
	"e2e_engine/internal/config"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/encoder"
	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/protocol/devicediscovery"
	"e2e_engine/internal/protocol/manager"
	"e2e_engine/internal/repository/identity"
	"e2e_engine/internal/repository/kv"
	"e2e_engine/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const retryInterval = 5 * time.Second

type (
	// Node is one device of an owned identity: the engine, its store and
	// its connection to the relay.
	Node struct {
		cfg        *config.Client
		store      kv.Provider
		identities *identity.Store
		channels   *channel.Manager
		manager    *manager.Manager
		bus        *notification.Bus
		rng        prng.PRNG
		httpClient *http.Client

		owned *identity.OwnedIdentity

		ready     chan struct{}
		readyOnce sync.Once
	}
)

func NewNode(ctx context.Context, cfg *config.Client, store kv.Provider) (*Node, error) {
	ids := identity.NewStore()
	bus := notification.NewBus()
	channels := channel.NewManager(ids, bus)
	mgr, err := manager.New(store, channels, ids, bus, prng.System)
	if err != nil {
		return nil, err
	}

	c := &Node{
		cfg:        cfg,
		store:      store,
		identities: ids,
		channels:   channels,
		manager:    mgr,
		bus:        bus,
		rng:        prng.System,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		ready:      make(chan struct{}),
	}

	c.owned, err = c.getOwnedAndCreateIfNotExist(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Node) Identity() model.CryptoIdentity {
	return c.owned.Identity
}

func (c *Node) DeviceUID() model.UID {
	return c.owned.CurrentDeviceUID
}

func (c *Node) Subscribe(buffer int) (<-chan notification.Notification, func()) {
	return c.bus.Subscribe(buffer)
}

// Ready is closed once the first relay session is authenticated.
func (c *Node) Ready() <-chan struct{} {
	return c.ready
}

func (c *Node) Send(ctx context.Context, contact model.CryptoIdentity, text string) ([]model.Destination, error) {
	return c.manager.SendApplicationMessage(ctx, c.owned.Identity, []byte(text), contact)
}

// Serve keeps a relay session up until ctx is done.
func (c *Node) Serve(ctx context.Context) error {
	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("relay session ended, reconnecting", zap.Error(err), zap.Duration("in", retryInterval))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryInterval):
		}
	}
}

// Run serves one relay session.
func (c *Node) Run(ctx context.Context) error {
	conn, err := c.initWebhook(ctx)
	if err != nil {
		return err
	}
	t := newWSTransport(conn, c.cfg.RequestTimeout)
	c.readyOnce.Do(func() { close(c.ready) })
	log.Info("connected to relay",
		zap.String("server", c.cfg.ServerURL),
		zap.Stringer("device", c.owned.CurrentDeviceUID))

	if _, err := c.manager.ProcessReceivedInbox(ctx); err != nil {
		log.Warn("processing stored protocol messages failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = t.Close()
		return nil
	})
	g.Go(func() error { return t.readLoop(ctx) })
	g.Go(func() error { return c.receiveLoop(ctx, t) })
	g.Go(func() error { return c.flushLoop(ctx, t) })
	g.Go(func() error { return c.localLoop(ctx) })
	g.Go(func() error { return c.queryLoop(ctx) })
	return g.Wait()
}

func (c *Node) receiveLoop(ctx context.Context, t *wsTransport) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-t.deliveries:
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Node) handleDelivery(ctx context.Context, d *model.ReceivedEncryptedMessage) {
	if !d.ToIdentity.Equal(c.owned.Identity) || d.ToDeviceUID != c.owned.CurrentDeviceUID {
		log.Warn("ignoring delivery for another device", zap.Stringer("message", d.MessageID))
		return
	}
	if _, err := c.manager.ProcessReceived(ctx, d); err != nil {
		log.Warn("could not process delivery", zap.Stringer("message", d.MessageID), zap.Error(err))
	}
}

func (c *Node) flushLoop(ctx context.Context, t *wsTransport) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		if _, err := c.channels.Flush(ctx, c.store, t); err != nil && ctx.Err() == nil {
			log.Warn("flushing outbox failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.channels.OutboxReady():
		case <-ticker.C:
		}
	}
}

func (c *Node) localLoop(ctx context.Context) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		if _, err := c.manager.ProcessLocalInbox(ctx); err != nil && ctx.Err() == nil {
			log.Warn("processing local inbox failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.channels.LocalReady():
		case <-ticker.C:
		}
	}
}

func (c *Node) queryLoop(ctx context.Context) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		c.resolveServerQueries(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-c.channels.ServerQueryReady():
		case <-ticker.C:
		}
	}
}

// resolveServerQueries answers device discovery queries with the contact
// server's device list. Failed lookups stay queued for the next pass.
func (c *Node) resolveServerQueries(ctx context.Context) {
	queries, err := c.manager.ServerQueries(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("listing server queries failed", zap.Error(err))
		}
		return
	}

	for _, q := range queries {
		var query devicediscovery.ServerQueryMessage
		if q.Envelope.ProtocolID != devicediscovery.ProtocolID || encoder.Unmarshal(q.Envelope.Body, &query) != nil {
			log.Warn("discarding unsupported server query", zap.Stringer("query", q.ID))
			if err := c.manager.DiscardServerQuery(ctx, q); err != nil {
				log.Warn("discarding server query failed", zap.Error(err))
			}
			continue
		}

		devices, err := c.getDevicesOfIdentity(ctx, query.ContactIdentity)
		if err != nil {
			log.Warn("device lookup failed", zap.Stringer("query", q.ID), zap.Error(err))
			continue
		}

		out, err := c.manager.ProcessServerResponse(ctx, q, devicediscovery.ServerResponseMessage{DeviceUIDs: devices})
		if err != nil {
			if !errors.Is(err, manager.ErrUnknownServerQuery) && ctx.Err() == nil {
				log.Warn("processing server response failed", zap.Stringer("query", q.ID), zap.Error(err))
			}
			continue
		}
		log.Debug("server query answered",
			zap.Stringer("query", q.ID),
			zap.Int("devices", len(devices)),
			zap.Stringer("result", out.Result))
	}
}
