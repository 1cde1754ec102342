// Package protocol defines the WebSocket events exchanged between passenger
// clients and the seat chat server. Every frame is a JSON object whose "type"
// field names the event; the remaining fields are the event payload.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoin               = "join"
	TypeSendChatRequest    = "send_chat_request"
	TypeAcceptChatRequest  = "accept_chat_request"
	TypeDeclineChatRequest = "decline_chat_request"
	TypeListChatRequests   = "list_chat_requests"
	TypeRejoinChat         = "rejoin_chat"
	TypeJoinChat           = "join_chat" // older clients; same payload as rejoin_chat
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

// Ack error codes returned on a failed send_message.
const (
	AckInvalidSeat      = "invalid_seat"
	AckInvalidMessage   = "invalid_message"
	AckRoomMismatch     = "room_mismatch"
	AckMessageBlocked   = "message_blocked"
	AckRecipientOffline = "recipient_offline"
	AckRelayFailed      = "relay_failed"
	AckRateLimited      = "rate_limited"
	AckMuted            = "muted"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON for deferred decoding into
// a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps a copy of the full frame and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// JoinMsg registers the connection as the given seat.
type JoinMsg struct {
	Type string `json:"type"`
	Seat string `json:"seat"`
}

// ChatRequestMsg carries a seat pair for send, accept and decline. FromSeat is
// always the passenger who originally asked to chat.
type ChatRequestMsg struct {
	Type     string `json:"type"`
	FromSeat string `json:"fromSeat"`
	ToSeat   string `json:"toSeat"`
}

// ListChatRequestsMsg asks for the pending requests addressed to Seat.
type ListChatRequestsMsg struct {
	Type string `json:"type"`
	Seat string `json:"seat"`
}

// RejoinChatMsg re-attaches the connection (acting as Seat1) to the room it
// shares with Seat2.
type RejoinChatMsg struct {
	Type  string `json:"type"`
	Seat1 string `json:"seat1"`
	Seat2 string `json:"seat2"`
}

// SendMessageMsg is a chat message. AckID is echoed back in the ack event so
// the client can match acknowledgements to sends. Room may be omitted.
type SendMessageMsg struct {
	Type     string          `json:"type"`
	FromSeat string          `json:"fromSeat"`
	ToSeat   string          `json:"toSeat"`
	Room     string          `json:"room"`
	Message  string          `json:"message"`
	AckID    json.RawMessage `json:"ackId,omitempty"`
}

// TypingMsg signals that FromSeat is typing in Room.
type TypingMsg struct {
	Type     string `json:"type"`
	FromSeat string `json:"fromSeat"`
	ToSeat   string `json:"toSeat"`
	Room     string `json:"room"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent right after the WebSocket upgrade.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ChatRequestNotice tells ToSeat that FromSeat wants to chat.
type ChatRequestNotice struct {
	Type      string `json:"type"`
	FromSeat  string `json:"fromSeat"`
	ToSeat    string `json:"toSeat"`
	Timestamp int64  `json:"timestamp"`
}

// ChatRequestAcceptedNotice tells the requester that the target accepted. Both
// seats are included so the requester can resolve the room on its own.
type ChatRequestAcceptedNotice struct {
	Type     string `json:"type"`
	FromSeat string `json:"fromSeat"`
	ToSeat   string `json:"toSeat"`
	Room     string `json:"room"`
}

// ChatRequestDeclinedNotice tells the requester that the target declined.
type ChatRequestDeclinedNotice struct {
	Type     string `json:"type"`
	FromSeat string `json:"fromSeat"`
	ToSeat   string `json:"toSeat"`
}

// PendingRequest is one entry of a pending request listing.
type PendingRequest struct {
	FromSeat  string `json:"fromSeat"`
	ToSeat    string `json:"toSeat"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// PendingChatRequestsMsg answers list_chat_requests.
type PendingChatRequestsMsg struct {
	Type     string           `json:"type"`
	Seat     string           `json:"seat"`
	Requests []PendingRequest `json:"requests"`
}

// ReceiveMessageMsg delivers a chat message to the recipient.
type ReceiveMessageMsg struct {
	Type      string `json:"type"`
	FromSeat  string `json:"fromSeat"`
	ToSeat    string `json:"toSeat"`
	Message   string `json:"message"`
	Room      string `json:"room"`
	Timestamp int64  `json:"timestamp"`
}

// UserTypingMsg relays a typing indicator.
type UserTypingMsg struct {
	Type     string `json:"type"`
	FromSeat string `json:"fromSeat"`
	Room     string `json:"room"`
}

// AckMsg acknowledges a send_message. Success means the relay accepted the
// message for delivery, not that the recipient has read it.
type AckMsg struct {
	Type      string          `json:"type"`
	AckID     json.RawMessage `json:"ackId,omitempty"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Room      string          `json:"room,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg reports a transport-level error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into its typed client payload. It
// returns the event type, the decoded struct and any error. Unknown and
// server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendChatRequest, TypeAcceptChatRequest, TypeDeclineChatRequest:
		var m ChatRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListChatRequests:
		var m ListChatRequestsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRejoinChat, TypeJoinChat:
		var m RejoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload and forces its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
