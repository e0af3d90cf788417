package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_engine/internal/model"
	"e2e_engine/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const deliveryBuffer = 64

var (
	ErrTransportClosed = errors.New("app: relay connection closed")
	ErrAckTimeout      = errors.New("app: relay did not acknowledge the message")
	ErrSubmitRejected  = errors.New("app: relay refused the message")
)

type (
	// wsTransport submits network messages over the relay websocket and
	// pairs each with the relay's acknowledgement.
	wsTransport struct {
		conn    *websocket.Conn
		timeout time.Duration

		writeMu sync.Mutex

		mu      sync.Mutex
		pending map[model.UID]chan *model.Frame

		deliveries chan *model.ReceivedEncryptedMessage
		closed     chan struct{}
	}
)

func newWSTransport(conn *websocket.Conn, timeout time.Duration) *wsTransport {
	return &wsTransport{
		conn:       conn,
		timeout:    timeout,
		pending:    make(map[model.UID]chan *model.Frame),
		deliveries: make(chan *model.ReceivedEncryptedMessage, deliveryBuffer),
		closed:     make(chan struct{}),
	}
}

func (t *wsTransport) Submit(ctx context.Context, msg *model.EncryptedNetworkMessage) ([]model.Destination, error) {
	ack := make(chan *model.Frame, 1)
	t.mu.Lock()
	t.pending[msg.MessageID] = ack
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.MessageID)
		t.mu.Unlock()
	}()

	t.writeMu.Lock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	err := t.conn.WriteJSON(&model.Frame{Type: model.MessageFrame, Message: msg})
	t.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case f := <-ack:
		if f.Type == model.ErrorFrame {
			return f.Destinations, fmt.Errorf("%w: %s", ErrSubmitRejected, f.Error)
		}
		return f.Destinations, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop routes acknowledgements to Submit and deliveries to the
// deliveries channel until the connection fails or ctx is done.
func (t *wsTransport) readLoop(ctx context.Context) error {
	defer close(t.closed)

	for {
		var f model.Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrTransportClosed, err)
		}

		switch f.Type {
		case model.DeliveryFrame:
			if f.Delivery == nil {
				continue
			}
			select {
			case t.deliveries <- f.Delivery:
			case <-ctx.Done():
				return nil
			}

		case model.AckFrame, model.ErrorFrame:
			if f.MessageID == nil {
				log.Warn("relay error", zap.String("error", f.Error))
				continue
			}
			t.mu.Lock()
			ack := t.pending[*f.MessageID]
			t.mu.Unlock()
			if ack != nil {
				select {
				case ack <- &f:
				default:
				}
			}

		default:
			log.Debug("ignoring relay frame", zap.String("type", string(f.Type)))
		}
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
