// Package client is the relay side of a meetflow peer: it keeps one
// websocket to the signaling relay, performs the authenticate-then-join
// handshake, and routes room events to callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meetflow/rtc/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// ErrClientClosed is returned from sends after Close or after the relay
// connection dropped.
var ErrClientClosed = errors.New("client: connection closed")

// Handler routes relay events upward. Callbacks run on the read loop, one
// at a time, in arrival order. Nil callbacks are skipped.
type Handler struct {
	// OnExistingUsers delivers the snapshot of members already in the room,
	// sent to this client alone right after its join.
	OnExistingUsers    func(userIDs []string)
	OnUserConnected    func(userID string)
	OnUserDisconnected func(userID string)
	// OnSignal delivers a signaling payload from another member, byte for
	// byte as the sender produced it.
	OnSignal func(fromID string, payload json.RawMessage)
	// OnServerError delivers relay error events; the connection stays up.
	OnServerError func(message string)
	// OnDisconnect fires once when the connection ends, with nil on a clean
	// local Close.
	OnDisconnect func(err error)
}

// Options configures Dial.
type Options struct {
	// URL is the relay websocket endpoint, ws:// or wss://.
	URL string
	// UserID is this client's identity. In jwt mode the relay derives the
	// identity from the token's subject instead and this field is ignored.
	UserID string
	Token  string
	APIKey string
	RoomID string

	Handler Handler
	Logger  *slog.Logger
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Client is one live relay connection, joined to one room.
type Client struct {
	conn    *websocket.Conn
	log     *slog.Logger
	handler Handler

	outgoing chan signaling.Message
	done     chan struct{}
	once     sync.Once
}

// Dial connects, authenticates and joins in one step. The relay answers the
// join with an existing-users snapshot, delivered through the handler once
// the pumps are running.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: relay URL is required")
	}
	if opts.RoomID == "" {
		return nil, errors.New("client: room id is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", opts.URL, err)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The relay requires authenticate as the very first message and closes
	// the connection otherwise, so both handshake messages go out before
	// the pumps start.
	auth := signaling.Message{
		Type:   signaling.MessageTypeAuthenticate,
		UserID: opts.UserID,
		Token:  opts.Token,
		APIKey: opts.APIKey,
	}
	join := signaling.Message{Type: signaling.MessageTypeJoin, RoomID: opts.RoomID}
	for _, msg := range []signaling.Message{auth, join} {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("client: handshake: %w", err)
		}
	}

	c := &Client{
		conn:     conn,
		log:      log,
		handler:  opts.Handler,
		outgoing: make(chan signaling.Message, 32),
		done:     make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// SendSignal relays an opaque payload to one room member. It satisfies the
// peer Manager's sender contract.
func (c *Client) SendSignal(targetUserID string, payload []byte) error {
	if targetUserID == "" {
		return errors.New("client: target user id is required")
	}
	msg := signaling.Message{
		Type:         signaling.MessageTypeSignal,
		TargetUserID: targetUserID,
		Signal:       json.RawMessage(payload),
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	}
}

// Close ends the connection cleanly. Safe to call more than once.
func (c *Client) Close() {
	c.shutdown(nil)
}

func (c *Client) shutdown(cause error) {
	c.once.Do(func() {
		close(c.done)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		if c.handler.OnDisconnect != nil {
			c.handler.OnDisconnect(cause)
		}
	})
}

func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				err = nil
			default:
			}
			c.shutdown(err)
			return
		}

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("dropping undecodable relay message", slog.Any("err", err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeExistingUsers:
		if c.handler.OnExistingUsers != nil {
			c.handler.OnExistingUsers(msg.UserIDs)
		}
	case signaling.MessageTypeUserConnected:
		if c.handler.OnUserConnected != nil {
			c.handler.OnUserConnected(msg.UserID)
		}
	case signaling.MessageTypeUserDisconnected:
		if c.handler.OnUserDisconnected != nil {
			c.handler.OnUserDisconnected(msg.UserID)
		}
	case signaling.MessageTypeSignal:
		if c.handler.OnSignal != nil {
			c.handler.OnSignal(msg.UserID, msg.Signal)
		}
	case signaling.MessageTypeError:
		c.log.Warn("relay reported error", slog.String("message", msg.Message))
		if c.handler.OnServerError != nil {
			c.handler.OnServerError(msg.Message)
		}
	default:
		c.log.Warn("dropping relay message of unknown type", slog.String("type", string(msg.Type)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}
