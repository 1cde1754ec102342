// Package gateway turns client events into calls on the presence registry,
// the chat request broker and the message relay, and routes server events
// back to the seats they are addressed to.
//
// Every seat held on this instance has an inbox subscription on the bus
// (seat.<seat>). Request notifications, chat messages and typing indicators
// are all published to the addressee's inbox, so they reach the addressee
// whichever instance holds it, in the order one sender published them.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/skyconnect/seat-chat/internal/chatreq"
	"github.com/skyconnect/seat-chat/internal/messaging"
	"github.com/skyconnect/seat-chat/internal/metrics"
	"github.com/skyconnect/seat-chat/internal/moderation"
	"github.com/skyconnect/seat-chat/internal/presence"
	"github.com/skyconnect/seat-chat/internal/protocol"
	"github.com/skyconnect/seat-chat/internal/ratelimit"
	"github.com/skyconnect/seat-chat/internal/relay"
	"github.com/skyconnect/seat-chat/internal/requestlog"
)

const claimKey = "presence.claim"

// DefaultTimeout bounds the external calls made while handling one event.
const DefaultTimeout = 5 * time.Second

// SeatChecker reports whether a seat exists on the flight.
type SeatChecker interface {
	CheckSeat(ctx context.Context, seat string) (bool, error)
}

// Deps are the collaborators of a Gateway. Registry, Bus and Requests are
// required; the rest may be nil.
type Deps struct {
	ServerName string
	Registry   *presence.Registry
	Presence   *presence.Store // cross-instance directory
	Bus        messaging.Bus
	Requests   chatreq.Store
	Filter     *moderation.Filter
	Limiter    *ratelimit.Limiter
	Mutes      *moderation.MuteStore
	Seats      SeatChecker
	Recorder   *requestlog.Recorder
	Timeout    time.Duration
}

// Gateway handles client events for one server instance.
type Gateway struct {
	server   string
	registry *presence.Registry
	store    *presence.Store
	bus      messaging.Bus
	broker   *chatreq.Broker
	relay    *relay.Relay
	limiter  *ratelimit.Limiter
	mutes    *moderation.MuteStore
	seats    SeatChecker
	recorder *requestlog.Recorder
	timeout  time.Duration
}

// New wires a gateway. The gateway is both the broker's router and the
// relay's directory.
func New(deps Deps) *Gateway {
	g := &Gateway{
		server:   deps.ServerName,
		registry: deps.Registry,
		store:    deps.Presence,
		bus:      deps.Bus,
		limiter:  deps.Limiter,
		mutes:    deps.Mutes,
		seats:    deps.Seats,
		recorder: deps.Recorder,
		timeout:  deps.Timeout,
	}
	if g.timeout <= 0 {
		g.timeout = DefaultTimeout
	}
	g.broker = chatreq.NewBroker(deps.Requests, g)
	g.relay = relay.New(deps.Bus, g, deps.Filter)
	return g
}

// Broker returns the chat request broker.
func (g *Gateway) Broker() *chatreq.Broker { return g.broker }

// Registry returns the local presence registry.
func (g *Gateway) Registry() *presence.Registry { return g.registry }

// Relay returns the message relay.
func (g *Gateway) Relay() *relay.Relay { return g.relay }

// Start subscribes to seat claims from other instances.
func (g *Gateway) Start() error {
	_, err := g.bus.Subscribe(claimKey, messaging.SubjectPresenceClaim, g.handleClaim)
	return err
}

// Close drops the claim subscription.
func (g *Gateway) Close() {
	if err := g.bus.Unsubscribe(claimKey); err != nil {
		log.Printf("[gateway] unsubscribe claims: %v", err)
	}
}

// Online reports whether seat is connected here or, with a presence store,
// on any instance.
func (g *Gateway) Online(ctx context.Context, seat string) bool {
	if _, ok := g.registry.Lookup(seat); ok {
		return true
	}
	if g.store == nil {
		return false
	}
	online, err := g.store.Online(ctx, seat)
	if err != nil {
		log.Printf("[gateway] presence lookup %s: %v", seat, err)
		return false
	}
	return online
}

// Deliver publishes data to seat's inbox. Offline seats are skipped.
func (g *Gateway) Deliver(ctx context.Context, seat string, data []byte) bool {
	if !g.Online(ctx, seat) {
		return false
	}
	if err := g.bus.Publish(messaging.SeatSubject(seat), data); err != nil {
		log.Printf("[gateway] deliver to %s: %v", seat, err)
		return false
	}
	return true
}

func inboxKey(seat string) string { return "seat:" + seat }

// inbox returns the bus handler for seat's inbox. The holder is looked up per
// event so a replaced connection never receives its successor's traffic.
func (g *Gateway) inbox(seat string) func([]byte) {
	return func(data []byte) {
		conn, ok := g.registry.Lookup(seat)
		if !ok {
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("[gateway] inbox %s: %v", seat, err)
			return
		}
		// The requester becomes a room member as soon as it learns of the accept.
		if env.Type == protocol.TypeChatRequestAccepted {
			var n protocol.ChatRequestAcceptedNotice
			if err := json.Unmarshal(data, &n); err == nil && n.FromSeat == seat {
				if _, err := g.relay.Rejoin(conn, n.FromSeat, n.ToSeat); err != nil {
					log.Printf("[gateway] join room %s for %s: %v", n.Room, seat, err)
				}
			}
		}

		if err := conn.WriteMessage(data); err != nil {
			log.Printf("[gateway] write %s to %s conn=%s: %v", env.Type, seat, conn.ConnID(), err)
			return
		}
		if env.Type == protocol.TypeReceiveMessage {
			metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		}
	}
}

// handleClaim evicts the local holder of a seat another instance has taken.
func (g *Gateway) handleClaim(data []byte) {
	claim, err := presence.DecodeClaim(data)
	if err != nil {
		log.Printf("[gateway] %v", err)
		return
	}
	// Local replacement already happened in Registry.Join.
	if claim.Server == g.server {
		return
	}

	prev, ok := g.registry.Evict(claim.Seat, claim.ConnID)
	if !ok {
		return
	}
	g.relay.LeaveSeat(prev.ConnID(), claim.Seat)
	g.dropInbox(claim.Seat)
	metrics.SeatsOnline.Set(float64(g.registry.Count()))
	log.Printf("[gateway] seat %s moved to %s, evicted conn=%s", claim.Seat, claim.Server, prev.ConnID())
}

func (g *Gateway) dropInbox(seat string) {
	if _, held := g.registry.Lookup(seat); held {
		return
	}
	if err := g.bus.Unsubscribe(inboxKey(seat)); err != nil {
		log.Printf("[gateway] drop inbox %s: %v", seat, err)
	}
}

// Disconnect releases everything conn held. It is the ws server's
// disconnect callback.
func (g *Gateway) Disconnect(conn presence.Conn) {
	id := conn.ConnID()
	seats := g.registry.Disconnect(id)
	g.relay.Leave(id)

	for _, s := range seats {
		g.dropInbox(s)
		if g.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
			if _, err := g.store.Release(ctx, s, id); err != nil {
				log.Printf("[gateway] release %s: %v", s, err)
			}
			cancel()
		}
	}
	if len(seats) > 0 {
		metrics.SeatsOnline.Set(float64(g.registry.Count()))
		log.Printf("[gateway] conn=%s left, released seats %v", id, seats)
	}
}

func (g *Gateway) record(kind, from, to, room string) {
	if g.recorder == nil {
		return
	}
	g.recorder.Record(requestlog.Event{Kind: kind, FromSeat: from, ToSeat: to, Room: room})
}

func send(conn presence.Conn, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[gateway] build %s: %v", msgType, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[gateway] write %s conn=%s: %v", msgType, conn.ConnID(), err)
	}
}
