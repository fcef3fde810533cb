// Package app hosts the gateway's HTTP/WebSocket process: the handshake,
// per-connection frame loops, RPC dispatch, and update fan-out.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/meridianchat/meridian/internal/platform/timeouts"
	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/services/gateway/storage"
)

const (
	handshakeTimeout = 10 * time.Second

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	pruneInterval = time.Hour
)

// Config defines the inputs for the gateway process.
type Config struct {
	HTTPAddr          string
	Store             storage.Store
	TokenSecret       []byte
	CORSAllowlist     []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            zerolog.Logger
	Registry          *prometheus.Registry
}

// Server hosts the gateway HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           storage.Store
	tokenSecret     []byte
	registry        *sessionRegistry
	access          *accessGuard
	broker          *broker
	dispatcher      *dispatcher
	metrics         *metrics
	upgrader        websocket.Upgrader
	log             zerolog.Logger
}

// NewServer wires the gateway from its config.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.Store == nil {
		return nil, errors.New("store is required")
	}
	if len(config.TokenSecret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	promRegistry := config.Registry
	if promRegistry == nil {
		promRegistry = prometheus.NewRegistry()
	}

	m := newMetrics(promRegistry)
	registry := newSessionRegistry()
	access := newAccessGuard(config.Store, config.Store)
	brk := newBroker(config.Store, registry, m, config.Logger)

	s := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		store:           config.Store,
		tokenSecret:     config.TokenSecret,
		registry:        registry,
		access:          access,
		broker:          brk,
		dispatcher:      newDispatcher(config.Store, access, brk, config.Logger),
		metrics:         m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(config.CORSAllowlist),
		},
		log: config.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return s, nil
}

// Run creates and serves a gateway until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init gateway server: %w", err)
	}
	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

// Handler exposes the HTTP mux for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe runs the HTTP server until the context ends, then drains
// open sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("gateway server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	s.log.Info().Str("addr", s.httpAddr).Msg("gateway listening")
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()
	go s.pruneLoop(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		s.drainSessions()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// pruneLoop enforces update-log retention in the background.
func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := s.store.PruneUpdates(ctx, time.Now())
			if err != nil {
				s.log.Error().Err(err).Msg("prune updates")
				continue
			}
			if pruned > 0 {
				s.log.Info().Int64("rows", pruned).Msg("pruned update rows")
			}
		}
	}
}

// drainSessions closes every open websocket so their read loops exit.
func (s *Server) drainSessions() {
	s.registry.mu.Lock()
	sessions := make([]*session, 0, len(s.registry.byID))
	for _, sess := range s.registry.byID {
		sessions = append(sessions, sess)
	}
	s.registry.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
}

func originChecker(allowlist []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowed[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		// No allowlist means same-process clients only (tests, native apps
		// without an Origin header).
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) == 0 {
			return false
		}
		_, ok := allowed[origin]
		return ok
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	go s.serveConn(conn)
}

// serveConn authenticates the connection and runs its frame loop.
func (s *Server) serveConn(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	userID, err := s.handshake(conn)
	if err != nil {
		s.log.Debug().Err(err).Msg("handshake rejected")
		return
	}

	sess := s.registry.add(userID, conn)
	s.metrics.sessionsTotal.Inc()
	s.metrics.sessionsActive.Set(float64(s.registry.count()))
	s.log.Info().Uint64("session_id", sess.id).Int64("user_id", userID).Msg("session open")

	ctx := context.Background()
	s.setPresence(ctx, userID, true)

	defer func() {
		last := s.registry.remove(sess)
		s.metrics.sessionsActive.Set(float64(s.registry.count()))
		if last {
			s.setPresence(ctx, userID, false)
		}
		s.log.Info().Uint64("session_id", sess.id).Int64("user_id", userID).Msg("session closed")
	}()

	s.frameLoop(ctx, sess)
}

// handshake reads the first frame, which must be a ConnectionInit carrying a
// valid token and a supported layer, and answers ConnectionOpen.
func (s *Server) handshake(conn *websocket.Conn) (int64, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("read handshake frame: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		s.closeWithError(conn, protocol.ConnErrUnsupportedWire, "binary frames required")
		return 0, errors.New("non-binary handshake frame")
	}

	msg, err := protocol.UnmarshalClientMessage(data)
	if err != nil {
		s.closeWithError(conn, protocol.ConnErrUnsupportedWire, "malformed handshake frame")
		return 0, fmt.Errorf("decode handshake frame: %w", err)
	}
	init, ok := msg.Body.(*protocol.ConnectionInit)
	if !ok {
		s.closeWithError(conn, protocol.ConnErrUnauthorized, "connection not initialized")
		return 0, fmt.Errorf("first frame is %T, not ConnectionInit", msg.Body)
	}
	if init.Layer != protocol.Layer {
		s.closeWithError(conn, protocol.ConnErrUnsupportedWire, fmt.Sprintf("unsupported layer %d", init.Layer))
		return 0, fmt.Errorf("unsupported layer %d", init.Layer)
	}

	userID, err := verifyToken(s.tokenSecret, init.Token)
	if err != nil {
		s.closeWithError(conn, protocol.ConnErrUnauthorized, "invalid token")
		return 0, fmt.Errorf("verify token: %w", err)
	}
	if _, err := s.store.UserByID(context.Background(), userID); err != nil {
		s.closeWithError(conn, protocol.ConnErrUnauthorized, "unknown user")
		return 0, fmt.Errorf("resolve user %d: %w", userID, err)
	}

	open, err := protocol.MarshalServerMessage(&protocol.ServerMessage{Body: &protocol.ConnectionOpen{}})
	if err != nil {
		return 0, fmt.Errorf("encode connection open: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, open); err != nil {
		return 0, fmt.Errorf("write connection open: %w", err)
	}
	return userID, nil
}

// frameLoop consumes client frames until the connection drops or the peer
// misbehaves past the configured limits.
func (s *Server) frameLoop(ctx context.Context, sess *session) {
	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0

	for {
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			s.metrics.framesDropped.Inc()
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				s.closeSession(sess, protocol.ConnErrUnsupportedWire, "binary frames required")
				return
			}
			continue
		}
		if len(data) > maxFramePayloadBytes {
			s.metrics.framesDropped.Inc()
			s.closeSession(sess, protocol.ConnErrRateLimited, "frame too large")
			return
		}
		if !limiter.Allow() {
			s.metrics.framesDropped.Inc()
			s.closeSession(sess, protocol.ConnErrRateLimited, "frame rate exceeded")
			return
		}

		msg, err := protocol.UnmarshalClientMessage(data)
		if err != nil {
			s.metrics.framesDropped.Inc()
			decodeErrors++
			s.log.Debug().Err(err).Uint64("session_id", sess.id).Msg("drop malformed frame")
			if decodeErrors >= maxDecodeErrorsPerConn {
				s.closeSession(sess, protocol.ConnErrUnsupportedWire, "too many malformed frames")
				return
			}
			continue
		}
		decodeErrors = 0

		switch body := msg.Body.(type) {
		case *protocol.Ping:
			_ = sess.write(&protocol.ServerMessage{Body: &protocol.Pong{Nonce: body.Nonce}})
		case *protocol.RpcCall:
			s.handleCall(ctx, sess, msg.ID, body)
		case *protocol.Ack:
			// Clients do not need server-side ack handling.
		case *protocol.ConnectionInit:
			s.closeSession(sess, protocol.ConnErrUnsupportedWire, "connection already initialized")
			return
		default:
			s.log.Debug().Uint64("session_id", sess.id).Msgf("ignore frame body %T", body)
		}
	}
}

// handleCall acks the call, dispatches it, and writes the reply.
func (s *Server) handleCall(ctx context.Context, sess *session, msgID uint64, call *protocol.RpcCall) {
	if err := sess.write(&protocol.ServerMessage{Body: &protocol.Ack{MsgID: msgID}}); err != nil {
		return
	}

	result, fault := s.dispatcher.dispatch(ctx, sess.userID, call)
	if fault != nil {
		s.metrics.rpcTotal.WithLabelValues(call.Method.String(), "error").Inc()
		_ = sess.write(&protocol.ServerMessage{Body: &protocol.RpcError{
			ReqMsgID:  msgID,
			ErrorCode: fault.errorCode,
			Code:      fault.code,
			Message:   fault.message,
		}})
		return
	}

	s.metrics.rpcTotal.WithLabelValues(call.Method.String(), "ok").Inc()
	_ = sess.write(&protocol.ServerMessage{Body: &protocol.RpcResult{
		ReqMsgID: msgID,
		Result:   result,
	}})
}

// setPresence flips the user's online flag and fans the status update out.
func (s *Server) setPresence(ctx context.Context, userID int64, online bool) {
	committed, err := s.store.SetUserStatus(ctx, userID, online, time.Now())
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", userID).Msg("set presence")
		return
	}
	s.broker.publish(ctx, committed)
}

func (s *Server) closeSession(sess *session, code uint32, message string) {
	_ = sess.write(&protocol.ServerMessage{Body: &protocol.ConnectionError{Code: code, Message: message}})
	_ = sess.conn.Close()
}

func (s *Server) closeWithError(conn *websocket.Conn, code uint32, message string) {
	b, err := protocol.MarshalServerMessage(&protocol.ServerMessage{
		Body: &protocol.ConnectionError{Code: code, Message: message},
	})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, b)
}
