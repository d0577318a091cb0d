package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meetflow/rtc/internal/auth"
	"github.com/meetflow/rtc/internal/config"
	"github.com/meetflow/rtc/internal/metrics"
	"github.com/meetflow/rtc/internal/origin"
	"github.com/meetflow/rtc/internal/ratelimit"
	"github.com/meetflow/rtc/internal/room"
)

const wsWriteWait = 5 * time.Second

// Server is the signaling relay. It owns the WebSocket surface: it gates
// connections on authentication, routes opaque signal payloads between
// members of a room, and mirrors registry membership changes out as
// user-connected/user-disconnected events.
//
// The relay holds no state beyond its routing table of live connections;
// room membership itself lives in the room.Registry.
type Server struct {
	cfg       config.Config
	log       *slog.Logger
	verifier  auth.Verifier
	registry  room.Registry
	metrics   *metrics.Metrics
	allowlist *origin.Allowlist
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[string]*conn
}

func NewServer(cfg config.Config, log *slog.Logger, registry room.Registry, m *metrics.Metrics) (*Server, error) {
	var verifier auth.Verifier
	if cfg.AuthMode != config.AuthModeNone {
		v, err := auth.NewVerifier(cfg)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	allowlist, err := origin.NewAllowlist(cfg.AllowedOrigins)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		verifier:  verifier,
		registry:  registry,
		metrics:   m,
		allowlist: allowlist,
		rooms:     make(map[string]map[string]*conn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: allowlist.CheckRequest,
	}
	return s, nil
}

// conn is one live client connection. Outbound delivery goes through a
// bounded send queue drained by a dedicated writer goroutine, so a slow
// reader can never block delivery to its roommates; when the queue
// overflows the connection is kicked instead.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// Set by the reader goroutine during the handshake phases; only the
	// reader touches these.
	userID string
	roomID string
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.metrics.Inc(metrics.EventWSConnections)

	c := &conn{
		ws:   ws,
		send: make(chan []byte, s.cfg.SendQueueLength),
		done: make(chan struct{}),
	}
	go s.writePump(c)

	s.serveConn(r.Context(), c)

	c.close()
	s.teardown(c)
}

// serveConn runs the read side of one connection through its three phases:
// authenticate, join, then relay until disconnect.
func (s *Server) serveConn(ctx context.Context, c *conn) {
	bucket := ratelimit.NewTokenBucket(nil,
		int64(s.cfg.MaxSignalingMessagesPerSecond),
		int64(s.cfg.MaxSignalingMessagesPerSecond))

	authenticated := false
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))
	c.ws.SetPongHandler(func(string) error {
		if authenticated {
			return c.ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
		}
		return nil
	})

	log := s.log
	for {
		if !bucket.Allow(1) {
			s.metrics.Inc(metrics.EventWSRateLimited)
			s.closeWith(c, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msgType, msgReader, err := c.ws.NextReader()
		if err != nil {
			if !authenticated && isTimeout(err) {
				s.metrics.Inc(metrics.EventWSAuthFailures)
				s.closeWith(c, websocket.ClosePolicyViolation, "authentication timeout")
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.closeWith(c, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		data, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.metrics.Inc(metrics.EventWSProtocolErrors)
				s.closeWith(c, websocket.CloseMessageTooBig, "message too large")
				return
			}
			return
		}

		msg, err := ParseClientMessage(data)
		if err != nil {
			s.metrics.Inc(metrics.EventWSProtocolErrors)
			if !authenticated {
				s.closeWith(c, websocket.ClosePolicyViolation, "authentication required")
				return
			}
			// A single bad message must not take down the connection, let
			// alone the relay. Tell the sender and move on.
			log.Warn("dropping malformed signaling message", "err", err)
			s.send(c, errorMessage("malformed message"))
			continue
		}

		if !authenticated {
			if msg.Type != MessageTypeAuthenticate {
				s.metrics.Inc(metrics.EventWSAuthFailures)
				s.closeWith(c, websocket.ClosePolicyViolation, "authentication required")
				return
			}
			userID, err := s.authenticate(msg)
			if err != nil {
				s.metrics.Inc(metrics.EventWSAuthFailures)
				s.closeWith(c, websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
			authenticated = true
			c.userID = userID
			log = s.log.With("userId", userID)
			_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
			continue
		}

		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))

		switch msg.Type {
		case MessageTypeAuthenticate:
			// Repeated authenticate is harmless; identity is fixed for the
			// connection's lifetime.
		case MessageTypeJoin:
			s.handleJoin(ctx, c, msg.RoomID, log)
		case MessageTypeSignal:
			s.handleSignal(c, msg, log)
		}
	}
}

// authenticate resolves the connection's identity from the first message.
// Credentials that name a user (JWT subject) win over the client-chosen ID;
// without any of those a fresh ID is minted.
func (s *Server) authenticate(msg Message) (string, error) {
	if s.cfg.AuthMode == config.AuthModeNone {
		if msg.UserID != "" {
			return msg.UserID, nil
		}
		return uuid.NewString(), nil
	}

	cred, err := auth.CredentialFromAuthMessage(s.cfg.AuthMode, auth.WireAuthMessage{
		Token:  msg.Token,
		APIKey: msg.APIKey,
	})
	if err != nil {
		return "", err
	}
	userID, err := s.verifier.Verify(cred)
	if err != nil {
		return "", err
	}
	if userID != "" {
		return userID, nil
	}
	if msg.UserID != "" {
		return msg.UserID, nil
	}
	return uuid.NewString(), nil
}

func (s *Server) handleJoin(ctx context.Context, c *conn, roomID string, log *slog.Logger) {
	if c.roomID != "" && c.roomID != roomID {
		s.send(c, errorMessage("already in a room"))
		return
	}

	existing, err := s.registry.Join(ctx, roomID, c.userID)
	if err != nil {
		if errors.Is(err, room.ErrNotFound) {
			s.send(c, errorMessage("room not found"))
			return
		}
		log.Error("room join failed", "roomId", roomID, "err", err)
		s.send(c, errorMessage("join failed"))
		return
	}

	// Written once per connection. On a rejoin the value is already set and
	// must not be re-written: other goroutines read it while routing.
	rejoin := c.roomID == roomID
	if c.roomID == "" {
		c.roomID = roomID
	}

	s.mu.Lock()
	members := s.rooms[roomID]
	if members == nil {
		members = make(map[string]*conn)
		s.rooms[roomID] = members
	}
	prev := members[c.userID]
	members[c.userID] = c
	s.mu.Unlock()

	if prev != nil && prev != c {
		// A second connection claimed the same identity; the old one is
		// superseded and kicked. teardown on the old conn will see it no
		// longer owns the routing slot and skip the registry leave.
		prev.close()
	}

	s.metrics.Inc(metrics.EventRoomJoins)
	log.Info("joined room", "roomId", roomID, "existing", len(existing))

	// The joiner alone gets the pre-join member list; everyone already in
	// the room learns about the joiner instead.
	s.send(c, existingUsersMessage(existing))
	if !rejoin {
		s.broadcast(roomID, c.userID, userConnectedMessage(c.userID))
	}
}

func (s *Server) handleSignal(c *conn, msg Message, log *slog.Logger) {
	if c.roomID == "" {
		s.send(c, errorMessage("not in a room"))
		return
	}

	s.mu.Lock()
	target := s.rooms[c.roomID][msg.TargetUserID]
	s.mu.Unlock()

	if target == nil {
		// The peer may have disconnected mid-negotiation. The sender's own
		// negotiation timeout handles this; dropping is not an error.
		s.metrics.Inc(metrics.EventSignalTargetMissing)
		log.Debug("dropping signal for absent target", "targetUserId", msg.TargetUserID)
		return
	}

	s.metrics.Inc(metrics.EventSignalsRelayed)
	s.send(target, signalMessage(c.userID, msg.TargetUserID, msg.Signal))
}

// teardown runs when a connection's read loop exits for any reason. Leaving
// the registry and notifying roommates happens only if this conn still owns
// its routing slot (it may have been superseded by a reconnect).
func (s *Server) teardown(c *conn) {
	if c.roomID == "" {
		return
	}

	s.mu.Lock()
	owns := false
	if members := s.rooms[c.roomID]; members != nil && members[c.userID] == c {
		delete(members, c.userID)
		if len(members) == 0 {
			delete(s.rooms, c.roomID)
		}
		owns = true
	}
	s.mu.Unlock()
	if !owns {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	deleted, err := s.registry.Leave(ctx, c.roomID, c.userID)
	if err != nil {
		s.log.Error("room leave failed", "roomId", c.roomID, "userId", c.userID, "err", err)
	}
	s.metrics.Inc(metrics.EventRoomLeaves)
	if deleted {
		s.metrics.Inc(metrics.EventRoomsReaped)
	}

	s.broadcast(c.roomID, c.userID, userDisconnectedMessage(c.userID))
	s.log.Info("left room", "roomId", c.roomID, "userId", c.userID, "roomDeleted", deleted)
}

func (s *Server) broadcast(roomID, exceptUserID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.Lock()
	targets := make([]*conn, 0, len(s.rooms[roomID]))
	for userID, member := range s.rooms[roomID] {
		if userID != exceptUserID {
			targets = append(targets, member)
		}
	}
	s.mu.Unlock()

	for _, t := range targets {
		s.enqueue(t, data)
	}
}

func (s *Server) send(c *conn, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.enqueue(c, data)
}

// enqueue is fire-and-forget: delivery never blocks the caller. A full
// queue means the client is not draining its socket, so it gets kicked
// rather than slow the rest of the room down.
func (s *Server) enqueue(c *conn, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		s.metrics.Inc(metrics.EventDeliveryDropped)
		s.metrics.Inc(metrics.EventSlowClientKicks)
		s.log.Warn("kicking slow signaling client", "userId", c.userID, "roomId", c.roomID)
		c.close()
	}
}

func (s *Server) writePump(c *conn) {
	ticker := time.NewTicker(s.cfg.SignalingWSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) closeWith(c *conn, code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
