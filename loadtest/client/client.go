// Package client is a WebSocket client for load testing the seat chat
// server. It speaks the same gobwas/ws framing as the server, records the
// session id from session_created and keeps per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server event types.
const (
	TypeJoin               = "join"
	TypeSendChatRequest    = "send_chat_request"
	TypeAcceptChatRequest  = "accept_chat_request"
	TypeDeclineChatRequest = "decline_chat_request"
	TypeListChatRequests   = "list_chat_requests"
	TypeRejoinChat         = "rejoin_chat"
	TypeSendMessage        = "send_message"
	TypeTyping             = "typing"
	TypePing               = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated      = "session_created"
	TypeChatRequest         = "chat_request"
	TypeChatRequestAccepted = "chat_request_accepted"
	TypeChatRequestDeclined = "chat_request_declined"
	TypePendingChatRequests = "pending_chat_requests"
	TypeReceiveMessage      = "receive_message"
	TypeUserTyping          = "user_typing"
	TypeAck                 = "ack"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated passenger connection.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	seat      string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)

	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading frames in the background.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		session:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send encodes msg as JSON and writes it as a text frame. Goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// Join registers the connection as seat.
func (c *Client) Join(seat string) error {
	c.mu.Lock()
	c.seat = seat
	c.mu.Unlock()
	return c.Send(map[string]string{"type": TypeJoin, "seat": seat})
}

// On sets the handler for a server event type, replacing any earlier one.
// Handlers run on the read goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until session_created arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection is closed or the read loop failed.
func (c *Client) Done() <-chan struct{} { return c.done }

// SessionID returns the id from session_created, or "".
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Seat returns the seat passed to Join.
func (c *Client) Seat() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seat
}

// GetMetrics returns a copy of the client's counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		first := env.Type == TypeSessionCreated && c.sessionID == ""
		if first {
			c.sessionID = env.SessionID
		}
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if first {
			close(c.session)
		}
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
