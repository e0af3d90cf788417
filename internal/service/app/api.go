package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/authentication"

	"github.com/gorilla/websocket"
)

var ErrRelayRejected = errors.New("app: relay rejected the session")

func (c *Node) getDevicesOfIdentity(ctx context.Context, identity model.CryptoIdentity) ([]model.UID, error) {
	u, err := url.Parse(identity.ServerURL)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath("devices", identity.String())

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("app: device lookup on %s: %s", identity.ServerURL, resp.Status)
	}

	var list model.DeviceList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	if !list.Identity.Equal(identity) {
		return nil, fmt.Errorf("app: device lookup answered for another identity")
	}
	return list.DeviceUIDs, nil
}

// initWebhook opens the relay websocket and answers its challenge.
func (c *Node) initWebhook(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u = u.JoinPath("init")

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	if err := c.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Node) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.RequestTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var challenge model.Frame
	if err := conn.ReadJSON(&challenge); err != nil {
		return err
	}
	if challenge.Type != model.ChallengeFrame {
		return fmt.Errorf("%w: expected a challenge, got %q", ErrRelayRejected, challenge.Type)
	}

	response, err := authentication.Solve(challenge.Challenge, authentication.PrefixServerAuthentication,
		c.owned.AuthenticationKey, &c.owned.Identity.AuthenticationPublicKey, c.rng)
	if err != nil {
		return err
	}

	device := c.owned.CurrentDeviceUID
	err = conn.WriteJSON(&model.Frame{
		Type:      model.AuthFrame,
		Identity:  &c.owned.Identity,
		DeviceUID: &device,
		Response:  response,
	})
	if err != nil {
		return err
	}

	var ready model.Frame
	if err := conn.ReadJSON(&ready); err != nil {
		return err
	}
	if ready.Type != model.ReadyFrame {
		return fmt.Errorf("%w: %s", ErrRelayRejected, ready.Error)
	}
	return nil
}
