package gateway

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/skyconnect/seat-chat/internal/chatreq"
	"github.com/skyconnect/seat-chat/internal/messaging"
	"github.com/skyconnect/seat-chat/internal/metrics"
	"github.com/skyconnect/seat-chat/internal/presence"
	"github.com/skyconnect/seat-chat/internal/protocol"
	"github.com/skyconnect/seat-chat/internal/ratelimit"
	"github.com/skyconnect/seat-chat/internal/requestlog"
	"github.com/skyconnect/seat-chat/internal/seat"
	"github.com/skyconnect/seat-chat/internal/ws"
)

// Register installs a handler for every client event on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	for _, t := range []string{
		protocol.TypeJoin,
		protocol.TypeSendChatRequest,
		protocol.TypeAcceptChatRequest,
		protocol.TypeDeclineChatRequest,
		protocol.TypeListChatRequests,
		protocol.TypeRejoinChat,
		protocol.TypeJoinChat,
		protocol.TypeSendMessage,
		protocol.TypeTyping,
	} {
		msgType := t
		d.Register(msgType, func(conn *ws.Connection, msg interface{}) {
			g.Handle(conn, msgType, msg)
		})
	}
}

// Handle runs the handler for one decoded client event.
func (g *Gateway) Handle(conn presence.Conn, msgType string, msg interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	switch m := msg.(type) {
	case protocol.JoinMsg:
		g.join(ctx, conn, m)
	case protocol.ChatRequestMsg:
		switch msgType {
		case protocol.TypeSendChatRequest:
			g.sendChatRequest(ctx, conn, m)
		case protocol.TypeAcceptChatRequest:
			g.acceptChatRequest(ctx, conn, m)
		case protocol.TypeDeclineChatRequest:
			g.declineChatRequest(ctx, conn, m)
		}
	case protocol.ListChatRequestsMsg:
		g.listChatRequests(ctx, conn, m)
	case protocol.RejoinChatMsg:
		g.rejoinChat(conn, m)
	case protocol.SendMessageMsg:
		g.sendMessage(ctx, conn, m)
	case protocol.TypingMsg:
		g.typing(ctx, conn, m)
	default:
		log.Printf("[gateway] no handler for %s (%T)", msgType, msg)
	}
}

// owns reports whether conn has joined as s. Events naming a seat the
// connection does not hold are dropped.
func (g *Gateway) owns(conn presence.Conn, s, event string) bool {
	if g.registry.Owns(conn.ConnID(), s) {
		return true
	}
	log.Printf("[gateway] %s: conn=%s does not hold seat %q", event, conn.ConnID(), s)
	return false
}

func (g *Gateway) join(ctx context.Context, conn presence.Conn, m protocol.JoinMsg) {
	s := seat.Normalize(m.Seat)
	if !seat.Valid(s) {
		log.Printf("[gateway] join: invalid seat %q conn=%s", m.Seat, conn.ConnID())
		return
	}

	if prev, replaced := g.registry.Join(s, conn); replaced {
		g.relay.LeaveSeat(prev.ConnID(), s)
		log.Printf("[gateway] seat %s taken over by conn=%s from conn=%s", s, conn.ConnID(), prev.ConnID())
	}
	if _, err := g.bus.Subscribe(inboxKey(s), messaging.SeatSubject(s), g.inbox(s)); err != nil {
		log.Printf("[gateway] subscribe inbox %s: %v", s, err)
	}
	metrics.SeatsOnline.Set(float64(g.registry.Count()))

	if g.store != nil {
		if err := g.store.Set(ctx, s, conn.ConnID()); err != nil {
			log.Printf("[gateway] presence set %s: %v", s, err)
		}
	}

	claim, err := presence.Claim{Seat: s, ConnID: conn.ConnID(), Server: g.server}.Encode()
	if err == nil {
		err = g.bus.Publish(messaging.SubjectPresenceClaim, claim)
	}
	if err != nil {
		log.Printf("[gateway] publish claim %s: %v", s, err)
	}
}

// allow applies rule to s. Without a limiter everything is allowed.
func (g *Gateway) allow(ctx context.Context, conn presence.Conn, s string, rule ratelimit.Rule, action string) bool {
	if g.limiter == nil {
		return true
	}
	ok, err := g.limiter.Allow(ctx, s, rule)
	if err != nil || ok {
		return true
	}
	metrics.RateLimitedTotal.WithLabelValues(action).Inc()
	send(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: rule.RetryAfter()})
	return false
}

func (g *Gateway) sendChatRequest(ctx context.Context, conn presence.Conn, m protocol.ChatRequestMsg) {
	from, to := seat.Normalize(m.FromSeat), seat.Normalize(m.ToSeat)
	if !g.owns(conn, from, m.Type) {
		return
	}
	if from == to || !seat.Valid(to) {
		log.Printf("[gateway] send_chat_request: rejected %s -> %q", from, m.ToSeat)
		return
	}
	if !g.allow(ctx, conn, from, ratelimit.RuleRequest, "request") {
		return
	}

	if g.seats != nil {
		exists, err := g.seats.CheckSeat(ctx, to)
		switch {
		case err != nil:
			log.Printf("[gateway] seat check %s failed, allowing: %v", to, err)
		case !exists:
			send(conn, protocol.TypeError, protocol.ErrorMsg{
				Code:    "unknown_seat",
				Message: "seat " + to + " is not on this flight",
			})
			return
		}
	}

	if _, err := g.broker.SendRequest(ctx, from, to); err != nil {
		if !errors.Is(err, chatreq.ErrSelfRequest) && !errors.Is(err, chatreq.ErrInvalidSeat) {
			log.Printf("[gateway] send_chat_request %s -> %s: %v", from, to, err)
		}
		return
	}
	metrics.ChatRequestsTotal.WithLabelValues(requestlog.KindSent).Inc()
	g.record(requestlog.KindSent, from, to, "")
}

// acceptChatRequest accepts from's request on behalf of to, the seat held by
// conn, and records the accepter as a room member. The membership is undone
// when there was nothing to accept.
func (g *Gateway) acceptChatRequest(ctx context.Context, conn presence.Conn, m protocol.ChatRequestMsg) {
	from, to := seat.Normalize(m.FromSeat), seat.Normalize(m.ToSeat)
	if !g.owns(conn, to, m.Type) {
		return
	}
	if !seat.Valid(from) || from == to {
		return
	}

	room := seat.ResolveRoom(from, to)
	wasMember := contains(g.relay.Rooms(conn.ConnID()), room)
	if _, err := g.relay.Rejoin(conn, to, from); err != nil {
		log.Printf("[gateway] accept: join room %s: %v", room, err)
		return
	}

	_, ok, err := g.broker.AcceptRequest(ctx, from, to)
	if err != nil {
		log.Printf("[gateway] accept_chat_request %s -> %s: %v", from, to, err)
	}
	if !ok {
		if !wasMember {
			g.relay.LeaveRoom(conn.ConnID(), to, room)
		}
		return
	}
	metrics.ChatRequestsTotal.WithLabelValues(requestlog.KindAccepted).Inc()
	g.record(requestlog.KindAccepted, from, to, room)
}

func (g *Gateway) declineChatRequest(ctx context.Context, conn presence.Conn, m protocol.ChatRequestMsg) {
	from, to := seat.Normalize(m.FromSeat), seat.Normalize(m.ToSeat)
	if !g.owns(conn, to, m.Type) {
		return
	}

	_, ok, err := g.broker.DeclineRequest(ctx, from, to)
	if err != nil {
		log.Printf("[gateway] decline_chat_request %s -> %s: %v", from, to, err)
		return
	}
	if !ok {
		return
	}
	metrics.ChatRequestsTotal.WithLabelValues(requestlog.KindDeclined).Inc()
	g.record(requestlog.KindDeclined, from, to, "")
}

func (g *Gateway) listChatRequests(ctx context.Context, conn presence.Conn, m protocol.ListChatRequestsMsg) {
	s := seat.Normalize(m.Seat)
	if !g.owns(conn, s, m.Type) {
		return
	}

	reqs, err := g.broker.PendingFor(ctx, s)
	if err != nil {
		log.Printf("[gateway] list_chat_requests %s: %v", s, err)
		return
	}
	send(conn, protocol.TypePendingChatRequests, protocol.PendingChatRequestsMsg{
		Seat:     s,
		Requests: chatreq.ToProtocol(reqs),
	})
}

func (g *Gateway) rejoinChat(conn presence.Conn, m protocol.RejoinChatMsg) {
	self, peer := seat.Normalize(m.Seat1), seat.Normalize(m.Seat2)
	if !g.owns(conn, self, m.Type) {
		return
	}
	if _, err := g.relay.Rejoin(conn, self, peer); err != nil {
		log.Printf("[gateway] rejoin %s/%s conn=%s: %v", self, peer, conn.ConnID(), err)
	}
}

func (g *Gateway) sendMessage(ctx context.Context, conn presence.Conn, m protocol.SendMessageMsg) {
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	from, to := seat.Normalize(m.FromSeat), seat.Normalize(m.ToSeat)

	var ack protocol.AckMsg
	switch {
	case !g.owns(conn, from, m.Type):
		ack = protocol.AckMsg{Error: protocol.AckInvalidSeat}
	case !g.allow(ctx, conn, from, ratelimit.RuleMessage, "message"):
		ack = protocol.AckMsg{Error: protocol.AckRateLimited}
	case g.muted(ctx, from):
		ack = protocol.AckMsg{Error: protocol.AckMuted}
	default:
		ack = g.relay.SendMessage(ctx, from, to, seat.Normalize(m.Room), m.Message)
		if ack.Error == protocol.AckMessageBlocked {
			g.strike(ctx, from)
		}
	}
	ack.AckID = m.AckID
	send(conn, protocol.TypeAck, ack)
}

// muted reports whether s is serving a mute. Store errors fail open.
func (g *Gateway) muted(ctx context.Context, s string) bool {
	if g.mutes == nil {
		return false
	}
	muted, _, _, err := g.mutes.Muted(ctx, s)
	if err != nil {
		log.Printf("[gateway] mute lookup %s: %v", s, err)
		return false
	}
	return muted
}

func (g *Gateway) strike(ctx context.Context, s string) {
	if g.mutes == nil {
		return
	}
	muted, d, err := g.mutes.Strike(ctx, s, protocol.AckMessageBlocked)
	if err != nil {
		log.Printf("[gateway] strike %s: %v", s, err)
		return
	}
	if muted {
		log.Printf("[gateway] seat %s muted for %s", s, d)
	}
}

func (g *Gateway) typing(ctx context.Context, conn presence.Conn, m protocol.TypingMsg) {
	from, to := seat.Normalize(m.FromSeat), seat.Normalize(m.ToSeat)
	if !g.owns(conn, from, m.Type) {
		return
	}
	if err := g.relay.SendTyping(ctx, from, to, seat.Normalize(m.Room)); err != nil {
		log.Printf("[gateway] typing %s -> %s: %v", from, to, err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
