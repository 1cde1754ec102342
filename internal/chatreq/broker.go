// Package chatreq implements the request/accept/decline handshake that has
// to happen before two seats can chat. The Broker owns request state through
// a Store and hands notifications to a Router for delivery.
package chatreq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skyconnect/seat-chat/internal/protocol"
	"github.com/skyconnect/seat-chat/internal/seat"
)

// Request statuses.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

var (
	ErrSelfRequest = errors.New("chatreq: cannot request a chat with yourself")
	ErrInvalidSeat = errors.New("chatreq: invalid seat")
)

// Request is a chat request from one seat to another.
type Request struct {
	From      string
	To        string
	Status    string
	CreatedAt int64 // unix milliseconds
}

// Store persists requests keyed by the ordered (From, To) pair.
type Store interface {
	// Put creates or overwrites the request for (r.From, r.To).
	Put(ctx context.Context, r Request) error
	// Accept moves a pending request to accepted. ok is false when no pending
	// request exists for the pair.
	Accept(ctx context.Context, from, to string) (r Request, ok bool, err error)
	// Decline removes a pending request. ok is false when none exists.
	Decline(ctx context.Context, from, to string) (r Request, ok bool, err error)
	// Pending lists pending requests addressed to seat, oldest first.
	Pending(ctx context.Context, to string) ([]Request, error)
}

// Router delivers an encoded server event to whichever connection holds seat.
// It reports whether the seat was reachable.
type Router interface {
	Deliver(ctx context.Context, seat string, data []byte) bool
}

// Broker runs the chat request state machine.
type Broker struct {
	store  Store
	router Router
	now    func() time.Time
}

// NewBroker returns a broker over store that notifies through router.
func NewBroker(store Store, router Router) *Broker {
	return &Broker{store: store, router: router, now: time.Now}
}

func checkPair(from, to string) error {
	if !seat.Valid(from) || !seat.Valid(to) {
		return ErrInvalidSeat
	}
	if from == to {
		return ErrSelfRequest
	}
	return nil
}

// SendRequest records a pending request from -> to and notifies to if it is
// online. Repeating a request refreshes its timestamp instead of stacking a
// second entry; a request after an accept or decline starts over as pending.
func (b *Broker) SendRequest(ctx context.Context, from, to string) (Request, error) {
	if err := checkPair(from, to); err != nil {
		return Request{}, err
	}

	r := Request{From: from, To: to, Status: StatusPending, CreatedAt: b.now().UnixMilli()}
	if err := b.store.Put(ctx, r); err != nil {
		return Request{}, fmt.Errorf("chatreq: store request: %w", err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeChatRequest, protocol.ChatRequestNotice{
		FromSeat:  from,
		ToSeat:    to,
		Timestamp: r.CreatedAt,
	})
	if err != nil {
		return r, err
	}
	b.router.Deliver(ctx, to, data)
	return r, nil
}

// AcceptRequest accepts the pending request from -> to and tells from which
// room to use. ok is false, and nothing is sent, when there was no pending
// request for the pair.
func (b *Broker) AcceptRequest(ctx context.Context, from, to string) (Request, bool, error) {
	if err := checkPair(from, to); err != nil {
		return Request{}, false, err
	}

	r, ok, err := b.store.Accept(ctx, from, to)
	if err != nil {
		return Request{}, false, fmt.Errorf("chatreq: accept: %w", err)
	}
	if !ok {
		return Request{}, false, nil
	}

	data, err := protocol.NewServerMessage(protocol.TypeChatRequestAccepted, protocol.ChatRequestAcceptedNotice{
		FromSeat: from,
		ToSeat:   to,
		Room:     seat.ResolveRoom(from, to),
	})
	if err != nil {
		return r, true, err
	}
	b.router.Deliver(ctx, from, data)
	return r, true, nil
}

// DeclineRequest drops the pending request from -> to and notifies from.
func (b *Broker) DeclineRequest(ctx context.Context, from, to string) (Request, bool, error) {
	if err := checkPair(from, to); err != nil {
		return Request{}, false, err
	}

	r, ok, err := b.store.Decline(ctx, from, to)
	if err != nil {
		return Request{}, false, fmt.Errorf("chatreq: decline: %w", err)
	}
	if !ok {
		return Request{}, false, nil
	}

	data, err := protocol.NewServerMessage(protocol.TypeChatRequestDeclined, protocol.ChatRequestDeclinedNotice{
		FromSeat: from,
		ToSeat:   to,
	})
	if err != nil {
		return r, true, err
	}
	b.router.Deliver(ctx, from, data)
	return r, true, nil
}

// PendingFor returns the pending requests addressed to s, oldest first.
func (b *Broker) PendingFor(ctx context.Context, s string) ([]Request, error) {
	if !seat.Valid(s) {
		return nil, ErrInvalidSeat
	}
	reqs, err := b.store.Pending(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("chatreq: pending for %s: %w", s, err)
	}
	return reqs, nil
}

// ToProtocol converts requests to their wire form.
func ToProtocol(reqs []Request) []protocol.PendingRequest {
	out := make([]protocol.PendingRequest, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, protocol.PendingRequest{
			FromSeat:  r.From,
			ToSeat:    r.To,
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}
