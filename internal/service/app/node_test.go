package app

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"e2e_engine/internal/config"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/model"
	"e2e_engine/internal/notification"
	"e2e_engine/internal/repository/kv/memkv"
	"e2e_engine/internal/service/server"

	"github.com/stretchr/testify/require"
)

const eventTimeout = 10 * time.Second

type (
	memDirectory struct {
		mu      sync.Mutex
		devices map[string][]model.UID
	}

	memQueue struct {
		mu    sync.Mutex
		lists map[string][][]byte
	}
)

func (d *memDirectory) AddDevice(_ context.Context, id model.CryptoIdentity, device model.UID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, known := range d.devices[id.Key()] {
		if known == device {
			return nil
		}
	}
	d.devices[id.Key()] = append(d.devices[id.Key()], device)
	return nil
}

func (d *memDirectory) Devices(_ context.Context, id model.CryptoIdentity) ([]model.UID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.UID(nil), d.devices[id.Key()]...), nil
}

func (q *memQueue) Push(_ context.Context, key string, values ...[]byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists[key] = append(q.lists[key], values...)
	return nil
}

func (q *memQueue) Drain(_ context.Context, key string) ([][]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.lists[key]
	delete(q.lists, key)
	return out, nil
}

// startRelay serves a relay whose public url is the test server's own.
func startRelay(t *testing.T) string {
	ts := httptest.NewUnstartedServer(nil)
	relayURL := "http://" + ts.Listener.Addr().String()

	cfg, err := config.LoadServer([]byte(`PublicURL = "` + relayURL + `"`))
	require.NoError(t, err)

	srv := server.NewHttpServer(cfg,
		&memDirectory{devices: make(map[string][]model.UID)},
		&memQueue{lists: make(map[string][][]byte)},
		prng.System)
	ts.Config.Handler = srv.Router()
	ts.Start()
	t.Cleanup(ts.Close)
	return relayURL
}

type testNode struct {
	*Node
	events <-chan notification.Notification
}

func startNode(t *testing.T, relayURL string) *testNode {
	cfg, err := config.LoadClient([]byte(`
ServerURL = "` + relayURL + `"
RequestTimeout = "5s"
`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	node, err := NewNode(ctx, cfg, memkv.New())
	require.NoError(t, err)
	events, unsubscribe := node.Subscribe(256)

	done := make(chan error, 1)
	go func() { done <- node.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		unsubscribe()
	})

	select {
	case <-node.Ready():
	case err := <-done:
		t.Fatalf("node stopped before connecting: %v", err)
	case <-time.After(eventTimeout):
		t.Fatal("node did not connect")
	}
	return &testNode{Node: node, events: events}
}

func (n *testNode) await(t *testing.T, kind notification.Kind) notification.Notification {
	timeout := time.After(eventTimeout)
	for {
		select {
		case ev := <-n.events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s notification", kind)
		}
	}
}

func TestIdentityIsCreatedOnce(t *testing.T) {
	cfg, err := config.LoadClient(nil)
	require.NoError(t, err)
	store := memkv.New()
	ctx := context.Background()

	first, err := NewNode(ctx, cfg, store)
	require.NoError(t, err)
	second, err := NewNode(ctx, cfg, store)
	require.NoError(t, err)

	require.True(t, first.Identity().Equal(second.Identity()))
	require.Equal(t, first.DeviceUID(), second.DeviceUID())
	require.Equal(t, cfg.ServerURL, first.Identity().ServerURL)
}

func TestIdentityOnAnotherServerIsRefused(t *testing.T) {
	ctx := context.Background()
	store := memkv.New()

	cfg, err := config.LoadClient([]byte(`ServerURL = "http://one.test"`))
	require.NoError(t, err)
	_, err = NewNode(ctx, cfg, store)
	require.NoError(t, err)

	cfg, err = config.LoadClient([]byte(`ServerURL = "http://two.test"`))
	require.NoError(t, err)
	_, err = NewNode(ctx, cfg, store)
	require.Error(t, err)
}

func TestDiscoveryCreatesChannelAndDeliversChat(t *testing.T) {
	relayURL := startRelay(t)
	alice := startNode(t, relayURL)
	bob := startNode(t, relayURL)
	ctx := context.Background()

	require.NoError(t, bob.Trust(ctx, alice.Identity()))
	require.NoError(t, alice.AddContact(ctx, bob.Identity()))

	confirmed := alice.await(t, notification.ObliviousChannelConfirmed)
	require.True(t, confirmed.RemoteIdentity.Equal(bob.Identity()))
	bob.await(t, notification.ObliviousChannelConfirmed)

	dest, err := alice.Send(ctx, bob.Identity(), "hello bob")
	require.NoError(t, err)
	require.Len(t, dest, 1)

	received := bob.await(t, notification.ApplicationMessageReceived)
	require.Equal(t, "hello bob", string(received.Payload))
	require.True(t, received.RemoteIdentity.Equal(alice.Identity()))

	contacts, err := alice.Contacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	require.Equal(t, []model.UID{bob.DeviceUID()}, contacts[0].DeviceUIDs)
}

func TestUnknownContactHasNoDevices(t *testing.T) {
	relayURL := startRelay(t)
	alice := startNode(t, relayURL)

	cfg, err := config.LoadClient([]byte(`ServerURL = "` + relayURL + `"`))
	require.NoError(t, err)
	stranger, err := NewNode(context.Background(), cfg, memkv.New())
	require.NoError(t, err)

	devices, err := alice.getDevicesOfIdentity(context.Background(), stranger.Identity())
	require.NoError(t, err)
	require.Empty(t, devices)
}
