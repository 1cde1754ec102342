// Package relay moves chat messages and typing indicators between the two
// seats of a room, and tracks which rooms each connection has opened.
//
// Events are published on the recipient's seat inbox, so they reach whichever
// connection holds the seat when the event is handled, on any instance. Room
// membership is bookkeeping: a connection is a member after its seat accepted
// a request, was told its request was accepted, or sent rejoin_chat.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/skyconnect/seat-chat/internal/messaging"
	"github.com/skyconnect/seat-chat/internal/metrics"
	"github.com/skyconnect/seat-chat/internal/moderation"
	"github.com/skyconnect/seat-chat/internal/presence"
	"github.com/skyconnect/seat-chat/internal/protocol"
	"github.com/skyconnect/seat-chat/internal/seat"
)

// Directory answers whether a seat is connected anywhere.
type Directory interface {
	Online(ctx context.Context, seat string) bool
}

type membership struct {
	seat string
	room string
}

// Relay publishes chat events and owns room membership.
type Relay struct {
	bus    messaging.Bus
	dir    Directory
	filter *moderation.Filter // nil disables screening

	mu      sync.Mutex
	members map[string]map[string]membership // connID -> member key -> membership

	now func() time.Time
}

// New returns a relay. filter may be nil.
func New(bus messaging.Bus, dir Directory, filter *moderation.Filter) *Relay {
	return &Relay{
		bus:     bus,
		dir:     dir,
		filter:  filter,
		members: make(map[string]map[string]membership),
		now:     time.Now,
	}
}

func memberKey(s, room string) string {
	return s + ":" + room
}

// SendMessage validates a chat message from -> to, publishes it on the
// recipient's inbox and returns the acknowledgement for the sender. Success
// means the recipient held a connection and the message was handed to the
// bus; room membership is not required to receive it.
func (r *Relay) SendMessage(ctx context.Context, from, to, room, text string) protocol.AckMsg {
	resolved, err := r.checkMessage(ctx, from, to, room, text)
	if err != nil {
		code := ackCode(err)
		if code == protocol.AckMessageBlocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		} else {
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		}
		return protocol.AckMsg{Success: false, Error: code}
	}

	ts := r.now().UnixMilli()
	err = r.publish(to, protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{
		FromSeat:  from,
		ToSeat:    to,
		Message:   text,
		Room:      resolved,
		Timestamp: ts,
	})
	if err != nil {
		log.Printf("[relay] publish message %s -> %s room=%s: %v", from, to, resolved, err)
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return protocol.AckMsg{Success: false, Error: protocol.AckRelayFailed}
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return protocol.AckMsg{Success: true, Room: resolved, Timestamp: ts}
}

func (r *Relay) checkMessage(ctx context.Context, from, to, room, text string) (string, error) {
	resolved, err := resolveRoute(from, to, room)
	if err != nil {
		return "", err
	}
	if err := ValidateMessage(text); err != nil {
		return "", err
	}
	if r.filter != nil {
		if res := r.filter.Check(text); res.Blocked {
			log.Printf("[relay] blocked message from %s reason=%s term=%s", from, res.Reason, res.Term)
			return "", ErrBlocked
		}
	}
	if !r.dir.Online(ctx, to) {
		return "", ErrRecipientOffline
	}
	return resolved, nil
}

func ackCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSeat):
		return protocol.AckInvalidSeat
	case errors.Is(err, ErrInvalidMessage):
		return protocol.AckInvalidMessage
	case errors.Is(err, ErrRoomMismatch):
		return protocol.AckRoomMismatch
	case errors.Is(err, ErrBlocked):
		return protocol.AckMessageBlocked
	case errors.Is(err, ErrRecipientOffline):
		return protocol.AckRecipientOffline
	}
	return protocol.AckRelayFailed
}

// SendTyping publishes a typing indicator. It is dropped without error when
// the recipient is offline.
func (r *Relay) SendTyping(ctx context.Context, from, to, room string) error {
	resolved, err := resolveRoute(from, to, room)
	if err != nil {
		return err
	}
	if !r.dir.Online(ctx, to) {
		return nil
	}
	return r.publish(to, protocol.TypeUserTyping, protocol.UserTypingMsg{FromSeat: from, Room: resolved})
}

func (r *Relay) publish(to, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", msgType, err)
	}
	if err := r.bus.Publish(messaging.SeatSubject(to), data); err != nil {
		return fmt.Errorf("relay: publish %s to %s: %w", msgType, to, err)
	}
	return nil
}

// Rejoin records conn, acting as self, as a member of the room it shares with
// peer and returns the room. Calling it again for the same connection, seat
// and room changes nothing.
func (r *Relay) Rejoin(conn presence.Conn, self, peer string) (string, error) {
	if !seat.Valid(self) || !seat.Valid(peer) || self == peer {
		return "", ErrInvalidSeat
	}
	room := seat.ResolveRoom(self, peer)
	connID := conn.ConnID()
	key := memberKey(self, room)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		m = make(map[string]membership)
		r.members[connID] = m
	}
	if _, ok := m[key]; ok {
		return room, nil
	}
	m[key] = membership{seat: self, room: room}
	metrics.RoomMembers.Inc()
	return room, nil
}

// LeaveSeat drops the rooms connID holds as seat s.
func (r *Relay) LeaveSeat(connID, s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(connID, func(m membership) bool { return m.seat == s })
}

// LeaveRoom drops one room of connID acting as seat s.
func (r *Relay) LeaveRoom(connID, s, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(connID, func(m membership) bool { return m.seat == s && m.room == room })
}

// Leave drops every room of connID.
func (r *Relay) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked(connID, func(membership) bool { return true })
}

func (r *Relay) dropLocked(connID string, match func(membership) bool) {
	m, ok := r.members[connID]
	if !ok {
		return
	}
	for key, mem := range m {
		if !match(mem) {
			continue
		}
		delete(m, key)
		metrics.RoomMembers.Dec()
	}
	if len(m) == 0 {
		delete(r.members, connID)
	}
}

// Rooms returns the rooms connID is a member of, sorted.
func (r *Relay) Rooms(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, mem := range r.members[connID] {
		seen[mem.room] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for room := range seen {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
