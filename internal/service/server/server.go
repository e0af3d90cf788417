package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"e2e_engine/internal/config"
	"e2e_engine/internal/cryptographic/prng"
	"e2e_engine/internal/metrics"
	"e2e_engine/internal/model"
	"e2e_engine/internal/protocol/authentication"
	"e2e_engine/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	challengeLength = 32
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var (
	ErrAuthenticationFailed = errors.New("server: authentication failed")
	ErrSpoofedSender        = errors.New("server: sender is not the authenticated identity")
)

type (
	Directory interface {
		AddDevice(ctx context.Context, identity model.CryptoIdentity, device model.UID) error
		Devices(ctx context.Context, identity model.CryptoIdentity) ([]model.UID, error)
	}

	OfflineQueue interface {
		Push(ctx context.Context, key string, values ...[]byte) error
		Drain(ctx context.Context, key string) ([][]byte, error)
	}

	session struct {
		identity model.CryptoIdentity
		device   model.UID
		conn     *websocket.Conn
		writeMu  sync.Mutex
	}

	HttpServer struct {
		cfg       *config.Server
		directory Directory
		queue     OfflineQueue
		rng       prng.PRNG
		upgrader  websocket.Upgrader

		mu     sync.RWMutex
		mapper map[string]*session
	}
)

func NewHttpServer(cfg *config.Server, directory Directory, queue OfflineQueue, rng prng.PRNG) *HttpServer {
	return &HttpServer{
		cfg:       cfg,
		directory: directory,
		queue:     queue,
		rng:       rng,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // clients are not browsers
			},
		},
		mapper: make(map[string]*session),
	}
}

func (s *HttpServer) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/devices/{identity}", s.GetDevicesOfIdentity()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Run serves until ctx is done.
func (s *HttpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("relay listening", zap.String("addr", s.cfg.Listen), zap.String("public_url", s.cfg.PublicURL))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.closeSessions()
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already replied to the client
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		conn.SetReadLimit(s.cfg.MaxMessageSize)

		sess, err := s.authenticate(r.Context(), conn)
		if err != nil {
			if errors.Is(err, ErrAuthenticationFailed) {
				metrics.AuthenticationFailures.Inc()
			}
			log.Info("websocket session rejected", zap.Error(err))
			_ = conn.WriteJSON(&model.Frame{Type: model.ErrorFrame, Error: err.Error()})
			conn.Close()
			return
		}

		s.register(sess)
		if err := sess.write(&model.Frame{Type: model.ReadyFrame}); err != nil {
			s.unregister(sess)
			return
		}
		if err := s.forwardUnsentMessages(r.Context(), sess); err != nil {
			log.Error("forward queued deliveries failed", zap.Error(err))
		}
		s.processWSMessage(r.Context(), sess)
	}
}

func (s *HttpServer) authenticate(ctx context.Context, conn *websocket.Conn) (*session, error) {
	deadline := time.Now().Add(s.cfg.ChallengeTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	challenge := s.rng.GenBytes(challengeLength)
	if err := conn.WriteJSON(&model.Frame{Type: model.ChallengeFrame, Challenge: challenge}); err != nil {
		return nil, err
	}

	var frame model.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if frame.Type != model.AuthFrame || frame.Identity == nil || frame.DeviceUID == nil {
		return nil, fmt.Errorf("%w: malformed handshake", ErrAuthenticationFailed)
	}
	if frame.DeviceUID.IsZero() || *frame.DeviceUID == model.BroadcastDeviceUID {
		return nil, fmt.Errorf("%w: invalid device uid", ErrAuthenticationFailed)
	}
	if frame.Identity.ServerURL != s.cfg.PublicURL {
		return nil, fmt.Errorf("%w: identity is hosted on %s", ErrAuthenticationFailed, frame.Identity.ServerURL)
	}
	if !authentication.Check(frame.Response, challenge, authentication.PrefixServerAuthentication, frame.Identity.AuthenticationPublicKey) {
		return nil, fmt.Errorf("%w: bad challenge response", ErrAuthenticationFailed)
	}

	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	if err := s.directory.AddDevice(ctx, *frame.Identity, *frame.DeviceUID); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	return &session{identity: *frame.Identity, device: *frame.DeviceUID, conn: conn}, nil
}

func sessionKey(identity model.CryptoIdentity, device model.UID) string {
	return identity.Key() + device.String()
}

// register replaces any previous session of the same device.
func (s *HttpServer) register(sess *session) {
	key := sessionKey(sess.identity, sess.device)

	s.mu.Lock()
	old := s.mapper[key]
	s.mapper[key] = sess
	s.mu.Unlock()

	if old != nil {
		old.conn.Close()
	}
	log.Debug("device connected", zap.Stringer("device", sess.device))
}

func (s *HttpServer) unregister(sess *session) {
	key := sessionKey(sess.identity, sess.device)

	s.mu.Lock()
	if s.mapper[key] == sess {
		delete(s.mapper, key)
	}
	s.mu.Unlock()

	sess.conn.Close()
}

func (s *HttpServer) lookup(identity model.CryptoIdentity, device model.UID) *session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapper[sessionKey(identity, device)]
}

func (s *HttpServer) closeSessions() {
	s.mu.Lock()
	sessions := s.mapper
	s.mapper = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
}

func (sess *session) write(frame *model.Frame) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sess.conn.WriteJSON(frame)
}

func (s *HttpServer) processWSMessage(ctx context.Context, sess *session) {
	defer s.unregister(sess)

	for {
		var frame model.Frame
		if err := sess.conn.ReadJSON(&frame); err != nil {
			log.Debug("websocket closed", zap.Stringer("device", sess.device), zap.Error(err))
			return
		}

		if frame.Type != model.MessageFrame || frame.Message == nil {
			if err := sess.write(&model.Frame{Type: model.ErrorFrame, Error: "unexpected frame"}); err != nil {
				return
			}
			continue
		}

		ack := &model.Frame{Type: model.AckFrame, MessageID: &frame.Message.MessageID}
		destinations, err := s.relay(ctx, sess, frame.Message)
		if err != nil {
			log.Warn("relay failed", zap.Stringer("message", frame.Message.MessageID), zap.Error(err))
			ack.Type = model.ErrorFrame
			ack.Error = err.Error()
		}
		ack.Destinations = destinations

		if err := sess.write(ack); err != nil {
			log.Debug("ack failed", zap.Error(err))
			return
		}
	}
}

// relay hands every header of msg to its device, live or through the
// offline queue, and returns the destinations that were accepted.
func (s *HttpServer) relay(ctx context.Context, sess *session, msg *model.EncryptedNetworkMessage) ([]model.Destination, error) {
	if !msg.FromIdentity.Equal(sess.identity) {
		metrics.RelayedMessages.WithLabelValues("spoofed").Inc()
		return nil, ErrSpoofedSender
	}

	var (
		accepted []model.Destination
		queued   []*model.ReceivedEncryptedMessage
	)
	for _, d := range msg.Split() {
		if d.ToIdentity.ServerURL != s.cfg.PublicURL {
			metrics.RelayedMessages.WithLabelValues("foreign").Inc()
			continue
		}

		devices := []model.UID{d.ToDeviceUID}
		if d.ToDeviceUID == model.BroadcastDeviceUID {
			var err error
			devices, err = s.directory.Devices(ctx, d.ToIdentity)
			if err != nil {
				return accepted, err
			}
		}

		for _, device := range devices {
			delivery := *d
			delivery.ToDeviceUID = device
			if !s.deliverLive(&delivery) {
				queued = append(queued, &delivery)
			}
			accepted = append(accepted, model.Destination{Identity: d.ToIdentity, DeviceUID: device})
		}
	}

	if err := s.PutDeliveriesToCache(ctx, queued...); err != nil {
		return nil, err
	}
	metrics.RelayedMessages.WithLabelValues("queued").Add(float64(len(queued)))
	return accepted, nil
}

func (s *HttpServer) deliverLive(d *model.ReceivedEncryptedMessage) bool {
	sess := s.lookup(d.ToIdentity, d.ToDeviceUID)
	if sess == nil {
		return false
	}
	if err := sess.write(&model.Frame{Type: model.DeliveryFrame, Delivery: d}); err != nil {
		log.Debug("live delivery failed", zap.Stringer("device", d.ToDeviceUID), zap.Error(err))
		return false
	}
	metrics.RelayedMessages.WithLabelValues("live").Inc()
	return true
}

// forwardUnsentMessages drains the device's offline queue; what cannot be
// written goes back to the queue.
func (s *HttpServer) forwardUnsentMessages(ctx context.Context, sess *session) error {
	deliveries, err := s.GetDeliveriesFromCache(ctx, sess.identity, sess.device)
	if err != nil {
		return err
	}

	for i, d := range deliveries {
		if err := sess.write(&model.Frame{Type: model.DeliveryFrame, Delivery: d}); err != nil {
			return errors.Join(err, s.PutDeliveriesToCache(ctx, deliveries[i:]...))
		}
		metrics.RelayedMessages.WithLabelValues("forwarded").Inc()
	}
	return nil
}

func (s *HttpServer) GetDevicesOfIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		identity, err := model.ParseCryptoIdentity(mux.Vars(r)["identity"])
		if err != nil {
			http.Error(w, "malformed identity", http.StatusBadRequest)
			return
		}

		devices, err := s.directory.Devices(ctx, identity)
		if err != nil {
			log.Error("get devices failed", zap.Error(err))
			http.Error(w, "get devices failed", http.StatusInternalServerError)
			return
		}

		if len(devices) == 0 {
			http.Error(w, "identity has no registered device", http.StatusNotFound)
			return
		}

		data, err := json.Marshal(&model.DeviceList{Identity: identity, DeviceUIDs: devices})
		if err != nil {
			log.Error("get devices failed", zap.Error(err))
			http.Error(w, "get devices failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}
