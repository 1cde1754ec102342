package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skyconnect/seat-chat/internal/chatreq"
	"github.com/skyconnect/seat-chat/internal/messaging"
	"github.com/skyconnect/seat-chat/internal/moderation"
	"github.com/skyconnect/seat-chat/internal/presence"
	"github.com/skyconnect/seat-chat/internal/protocol"
	"github.com/skyconnect/seat-chat/internal/requestlog"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	id  string
	mu  sync.Mutex
	out []map[string]interface{}
}

func (c *fakeConn) ConnID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, m)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) received(typ string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, m := range c.out {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

func (c *fakeConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.out))
	for _, m := range c.out {
		out = append(out, m["type"].(string))
	}
	return out
}

// heldBus routes each publish to the subscriptions that exist at publish
// time, like a broker does, but can hold delivery back until release. It
// models a remote instance that has not handled its inbox yet.
type heldBus struct {
	mu    sync.Mutex
	subs  map[string]heldSub
	held  bool
	queue []func()
}

type heldSub struct {
	subject string
	handler func([]byte)
}

func newHeldBus() *heldBus { return &heldBus{subs: make(map[string]heldSub)} }

func (b *heldBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	var deliver []func()
	for _, s := range b.subs {
		if s.subject == subject {
			h := s.handler
			deliver = append(deliver, func() { h(data) })
		}
	}
	if b.held {
		b.queue = append(b.queue, deliver...)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	for _, d := range deliver {
		d()
	}
	return nil
}

func (b *heldBus) Subscribe(key, subject string, handler func([]byte)) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[key]; ok {
		return false, nil
	}
	b.subs[key] = heldSub{subject: subject, handler: handler}
	return true, nil
}

func (b *heldBus) Unsubscribe(key string) error {
	b.mu.Lock()
	delete(b.subs, key)
	b.mu.Unlock()
	return nil
}

func (b *heldBus) Close() {}

func (b *heldBus) hold() {
	b.mu.Lock()
	b.held = true
	b.mu.Unlock()
}

func (b *heldBus) release() {
	b.mu.Lock()
	b.held = false
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, d := range queue {
		d()
	}
}

type fakeSeats struct {
	known map[string]bool
	err   error
}

func (f fakeSeats) CheckSeat(_ context.Context, s string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[s], nil
}

type memSink struct {
	mu     sync.Mutex
	events []requestlog.Event
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Record(_ context.Context, ev requestlog.Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestGateway(t *testing.T, opts ...func(*Deps)) (*Gateway, *messaging.LocalBus) {
	t.Helper()
	bus := messaging.NewLocalBus()
	deps := Deps{
		ServerName: "ws-test",
		Registry:   presence.NewRegistry(),
		Bus:        bus,
		Requests:   chatreq.NewMemoryStore(),
		Filter:     moderation.NewFilter(),
	}
	for _, o := range opts {
		o(&deps)
	}
	g := New(deps)
	if err := g.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(g.Close)
	return g, bus
}

// do feeds a raw client frame through the gateway the way the dispatcher does.
func do(t *testing.T, g *Gateway, conn *fakeConn, frame string) {
	t.Helper()
	msgType, msg, err := protocol.ParseClientMessage([]byte(frame))
	if err != nil {
		t.Fatalf("parse %s: %v", frame, err)
	}
	g.Handle(conn, msgType, msg)
}

func joined(t *testing.T, g *Gateway, id, s string) *fakeConn {
	t.Helper()
	c := &fakeConn{id: id}
	do(t, g, c, `{"type":"join","seat":"`+s+`"}`)
	return c
}

// paired joins 12A and 24B and runs the request/accept handshake.
func paired(t *testing.T, g *Gateway) (a, b *fakeConn) {
	t.Helper()
	a = joined(t, g, "conn-a", "12A")
	b = joined(t, g, "conn-b", "24B")
	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	return a, b
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestScenario_RequestAcceptAndChat(t *testing.T) {
	g, _ := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	b := joined(t, g, "conn-b", "24B")

	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	reqs := b.received(protocol.TypeChatRequest)
	if len(reqs) != 1 {
		t.Fatalf("expected 1 chat_request for 24B, got %d", len(reqs))
	}
	if reqs[0]["fromSeat"] != "12A" {
		t.Errorf("chat_request fromSeat = %v", reqs[0]["fromSeat"])
	}

	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	accepted := a.received(protocol.TypeChatRequestAccepted)
	if len(accepted) != 1 {
		t.Fatalf("expected 1 chat_request_accepted for 12A, got %d", len(accepted))
	}
	if accepted[0]["fromSeat"] != "12A" || accepted[0]["toSeat"] != "24B" {
		t.Errorf("unexpected accepted notice %v", accepted[0])
	}
	if accepted[0]["room"] != "12A-24B" {
		t.Errorf("expected room 12A-24B, got %v", accepted[0]["room"])
	}

	do(t, g, a, `{"type":"send_message","fromSeat":"12A","toSeat":"24B","room":"12A-24B","message":"hi","ackId":1}`)
	msgs := b.received(protocol.TypeReceiveMessage)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 receive_message for 24B, got %d", len(msgs))
	}
	if msgs[0]["fromSeat"] != "12A" || msgs[0]["message"] != "hi" || msgs[0]["room"] != "12A-24B" {
		t.Errorf("unexpected message %v", msgs[0])
	}

	acks := a.received(protocol.TypeAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0]["success"] != true {
		t.Errorf("expected success ack, got %v", acks[0])
	}
	if acks[0]["ackId"] != float64(1) {
		t.Errorf("expected ackId 1 echoed, got %v", acks[0]["ackId"])
	}

	// The requester joined the room when the accept reached it.
	do(t, g, b, `{"type":"send_message","fromSeat":"24B","toSeat":"12A","message":"hello back"}`)
	if n := len(a.received(protocol.TypeReceiveMessage)); n != 1 {
		t.Errorf("expected 12A to receive the reply, got %d", n)
	}
	if n := len(a.received(protocol.TypeReceiveMessage)) + len(b.received(protocol.TypeReceiveMessage)); n != 2 {
		t.Errorf("expected 2 deliveries total, got %d", n)
	}
}

func TestSendRequest_ToSelfEmitsNothing(t *testing.T) {
	g, _ := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	before := a.total()

	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"12A"}`)

	if a.total() != before {
		t.Errorf("self request produced %d events", a.total()-before)
	}
	pending, err := g.Broker().PendingFor(context.Background(), "12A")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending requests, got %v", pending)
	}
}

func TestJoin_LastConnectionWins(t *testing.T) {
	g, _ := newTestGateway(t)
	first := joined(t, g, "conn-1", "12A")
	second := joined(t, g, "conn-2", "12A")
	b := joined(t, g, "conn-b", "24B")

	conn, ok := g.registry.Lookup("12A")
	if !ok || conn.ConnID() != "conn-2" {
		t.Fatalf("expected conn-2 to hold 12A, got %v", conn)
	}

	do(t, g, b, `{"type":"send_chat_request","fromSeat":"24B","toSeat":"12A"}`)
	if n := len(second.received(protocol.TypeChatRequest)); n != 1 {
		t.Errorf("second connection got %d requests, want 1", n)
	}
	if n := len(first.received(protocol.TypeChatRequest)); n != 0 {
		t.Errorf("replaced connection got %d requests, want 0", n)
	}

	// The replaced connection can no longer act as 12A.
	do(t, g, first, `{"type":"send_message","fromSeat":"12A","toSeat":"24B","message":"ghost","ackId":"g"}`)
	acks := first.received(protocol.TypeAck)
	if len(acks) != 1 || acks[0]["error"] != protocol.AckInvalidSeat {
		t.Errorf("expected invalid_seat ack, got %v", acks)
	}
}

func TestAccept_WithoutRequestIsNoOp(t *testing.T) {
	g, _ := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	b := joined(t, g, "conn-b", "24B")

	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)

	if n := len(a.received(protocol.TypeChatRequestAccepted)); n != 0 {
		t.Errorf("expected no accepted notice, got %d", n)
	}
	if rooms := g.Relay().Rooms("conn-b"); len(rooms) != 0 {
		t.Errorf("accepter should not stay in a room, got %v", rooms)
	}

	// Accepting twice only notifies once.
	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	if n := len(a.received(protocol.TypeChatRequestAccepted)); n != 1 {
		t.Errorf("expected 1 accepted notice, got %d", n)
	}
	if rooms := g.Relay().Rooms("conn-b"); len(rooms) != 1 {
		t.Errorf("repeated accept must keep the room, got %v", rooms)
	}
}

func TestSendMessage_RecipientOffline(t *testing.T) {
	g, _ := newTestGateway(t)
	a, b := paired(t, g)

	g.Disconnect(b)

	do(t, g, a, `{"type":"send_message","fromSeat":"12A","toSeat":"24B","room":"12A-24B","message":"anyone?","ackId":"x1"}`)
	acks := a.received(protocol.TypeAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	if acks[0]["success"] != false || acks[0]["error"] != protocol.AckRecipientOffline {
		t.Errorf("expected recipient_offline, got %v", acks[0])
	}
	if acks[0]["ackId"] != "x1" {
		t.Errorf("expected ackId x1, got %v", acks[0]["ackId"])
	}
	if n := len(b.received(protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("disconnected seat received %d messages", n)
	}
}

func TestRejoin_TwiceNoDuplicates(t *testing.T) {
	g, _ := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	b := joined(t, g, "conn-b", "24B")

	for i := 0; i < 2; i++ {
		do(t, g, a, `{"type":"rejoin_chat","seat1":"12A","seat2":"24B"}`)
		do(t, g, b, `{"type":"join_chat","seat1":"24B","seat2":"12A"}`)
	}

	do(t, g, a, `{"type":"send_message","fromSeat":"12A","toSeat":"24B","message":"once"}`)
	if n := len(b.received(protocol.TypeReceiveMessage)); n != 1 {
		t.Errorf("expected exactly 1 delivery after double rejoin, got %d", n)
	}
	if n := len(a.received(protocol.TypeError)); n != 0 {
		t.Errorf("rejoin produced %d errors", n)
	}
}

func TestReconnect_RejoinResumesChat(t *testing.T) {
	g, _ := newTestGateway(t)
	a, b := paired(t, g)

	g.Disconnect(b)
	b2 := joined(t, g, "conn-b2", "24B")
	do(t, g, b2, `{"type":"rejoin_chat","seat1":"24B","seat2":"12A"}`)

	do(t, g, a, `{"type":"send_message","fromSeat":"12A","toSeat":"24B","message":"welcome back"}`)
	if n := len(b2.received(protocol.TypeReceiveMessage)); n != 1 {
		t.Errorf("reconnected seat got %d messages, want 1", n)
	}
	if n := len(b.received(protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("old connection got %d messages, want 0", n)
	}
}

func TestSendMessage_ReconnectWithoutRejoin(t *testing.T) {
	g, _ := newTestGateway(t)
	a, b := paired(t, g)

	g.Disconnect(b)
	b2 := joined(t, g, "conn-b2", "24B")

	do(t, g, a, `{"type":"send_message","fromSeat":"12A","toSeat":"24B","room":"12A-24B","message":"hi","ackId":"p1"}`)
	acks := a.received(protocol.TypeAck)
	if len(acks) != 1 || acks[0]["success"] != true {
		t.Fatalf("expected success ack, got %v", acks)
	}
	got := b2.received(protocol.TypeReceiveMessage)
	if len(got) != 1 || got[0]["message"] != "hi" {
		t.Errorf("reconnected seat got %v, want the message", got)
	}
	if n := len(b.received(protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("closed connection got %d messages", n)
	}
}

func TestSendMessage_TakeoverWithoutRejoin(t *testing.T) {
	g, _ := newTestGateway(t)
	a, b := paired(t, g)

	b2 := joined(t, g, "conn-b2", "24B")

	do(t, g, a, `{"type":"send_message","fromSeat":"12A","toSeat":"24B","message":"still there?","ackId":2}`)
	acks := a.received(protocol.TypeAck)
	if len(acks) != 1 || acks[0]["success"] != true {
		t.Fatalf("expected success ack, got %v", acks)
	}
	if n := len(b2.received(protocol.TypeReceiveMessage)); n != 1 {
		t.Errorf("new holder got %d messages, want 1", n)
	}
	if n := len(b.received(protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("replaced connection got %d messages, want 0", n)
	}
}

func TestAccept_FirstMessageFollowsNotice(t *testing.T) {
	bus := newHeldBus()
	g, _ := newTestGateway(t, func(d *Deps) { d.Bus = bus })
	a := joined(t, g, "conn-a", "12A")
	b := joined(t, g, "conn-b", "24B")
	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)

	// The requester's side has not handled anything yet when the accepter
	// starts talking.
	bus.hold()
	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, b, `{"type":"send_message","fromSeat":"24B","toSeat":"12A","message":"first","ackId":1}`)

	acks := b.received(protocol.TypeAck)
	if len(acks) != 1 || acks[0]["success"] != true {
		t.Fatalf("expected success ack, got %v", acks)
	}
	if a.total() != 0 {
		t.Fatalf("requester received %v before release", a.types())
	}

	bus.release()

	want := []string{protocol.TypeChatRequestAccepted, protocol.TypeReceiveMessage}
	got := a.types()
	if len(got) != len(want) {
		t.Fatalf("requester got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if rooms := g.Relay().Rooms("conn-a"); len(rooms) != 1 || rooms[0] != "12A-24B" {
		t.Errorf("requester rooms = %v", rooms)
	}
}

func TestDecline_NotifiesRequester(t *testing.T) {
	g, _ := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	b := joined(t, g, "conn-b", "24B")

	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, b, `{"type":"decline_chat_request","fromSeat":"12A","toSeat":"24B"}`)

	declined := a.received(protocol.TypeChatRequestDeclined)
	if len(declined) != 1 {
		t.Fatalf("expected 1 declined notice, got %d", len(declined))
	}
	if declined[0]["toSeat"] != "24B" {
		t.Errorf("unexpected notice %v", declined[0])
	}

	do(t, g, b, `{"type":"list_chat_requests","seat":"24B"}`)
	lists := b.received(protocol.TypePendingChatRequests)
	if len(lists) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(lists))
	}
	if reqs, _ := lists[0]["requests"].([]interface{}); len(reqs) != 0 {
		t.Errorf("declined request still pending: %v", reqs)
	}

	// Accept after decline has nothing to accept.
	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	if n := len(a.received(protocol.TypeChatRequestAccepted)); n != 0 {
		t.Errorf("accept after decline notified %d times", n)
	}
}

func TestListChatRequests_OfflineTargetSeesRequestsLater(t *testing.T) {
	g, _ := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	c := joined(t, g, "conn-c", "30C")

	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, c, `{"type":"send_chat_request","fromSeat":"30C","toSeat":"24B"}`)
	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)

	b := joined(t, g, "conn-b", "24B")
	if n := len(b.received(protocol.TypeChatRequest)); n != 0 {
		t.Errorf("requests sent while offline were pushed %d times", n)
	}

	do(t, g, b, `{"type":"list_chat_requests","seat":"24b"}`)
	lists := b.received(protocol.TypePendingChatRequests)
	if len(lists) != 1 {
		t.Fatalf("expected 1 listing, got %d", len(lists))
	}
	if lists[0]["seat"] != "24B" {
		t.Errorf("expected normalized seat 24B, got %v", lists[0]["seat"])
	}
	reqs, _ := lists[0]["requests"].([]interface{})
	if len(reqs) != 2 {
		t.Fatalf("expected 2 collapsed requests, got %d: %v", len(reqs), reqs)
	}
	seen := map[interface{}]bool{}
	for _, r := range reqs {
		seen[r.(map[string]interface{})["fromSeat"]] = true
	}
	if !seen["12A"] || !seen["30C"] {
		t.Errorf("unexpected requesters %v", reqs)
	}
}

func TestOwnership_ForeignSeatIsDropped(t *testing.T) {
	g, _ := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	b := joined(t, g, "conn-b", "24B")
	joined(t, g, "conn-c", "30C")

	// conn-a pretends to be 30C.
	do(t, g, a, `{"type":"send_chat_request","fromSeat":"30C","toSeat":"24B"}`)
	if n := len(b.received(protocol.TypeChatRequest)); n != 0 {
		t.Errorf("spoofed request delivered %d times", n)
	}

	// conn-a cannot accept on behalf of 24B.
	do(t, g, b, `{"type":"send_chat_request","fromSeat":"24B","toSeat":"12A"}`)
	do(t, g, a, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	if n := len(a.received(protocol.TypeChatRequestAccepted)); n != 0 {
		t.Errorf("foreign accept notified %d times", n)
	}
	pending, _ := g.Broker().PendingFor(context.Background(), "12A")
	if len(pending) != 1 {
		t.Errorf("request 24B -> 12A should still be pending, got %v", pending)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	g, _ := newTestGateway(t)
	a, b := paired(t, g)

	tests := []struct {
		name    string
		frame   string
		wantErr string
	}{
		{"empty", `{"type":"send_message","fromSeat":"12A","toSeat":"24B","message":"   ","ackId":1}`, protocol.AckInvalidMessage},
		{"room mismatch", `{"type":"send_message","fromSeat":"12A","toSeat":"24B","room":"12A-30C","message":"hi","ackId":1}`, protocol.AckRoomMismatch},
		{"to self", `{"type":"send_message","fromSeat":"12A","toSeat":"12A","message":"hi","ackId":1}`, protocol.AckInvalidSeat},
		{"spam", `{"type":"send_message","fromSeat":"12A","toSeat":"24B","message":"visit http://spam.example now","ackId":1}`, protocol.AckMessageBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(a.received(protocol.TypeAck))
			do(t, g, a, tt.frame)
			acks := a.received(protocol.TypeAck)
			if len(acks) != before+1 {
				t.Fatalf("expected one new ack, got %d", len(acks)-before)
			}
			ack := acks[len(acks)-1]
			if ack["success"] != false || ack["error"] != tt.wantErr {
				t.Errorf("expected error %q, got %v", tt.wantErr, ack)
			}
		})
	}

	if n := len(b.received(protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("rejected messages delivered %d times", n)
	}
}

func TestSendMessage_LowercaseSeatsAndRoom(t *testing.T) {
	g, _ := newTestGateway(t)
	a, b := paired(t, g)

	do(t, g, a, `{"type":"send_message","fromSeat":"12a","toSeat":"24b","room":"12a-24b","message":"hi"}`)
	if n := len(b.received(protocol.TypeReceiveMessage)); n != 1 {
		t.Errorf("expected delivery with normalized seats, got %d", n)
	}
}

func TestTyping_Relayed(t *testing.T) {
	g, _ := newTestGateway(t)
	a, b := paired(t, g)

	do(t, g, a, `{"type":"typing","fromSeat":"12A","toSeat":"24B","room":"12A-24B"}`)
	typing := b.received(protocol.TypeUserTyping)
	if len(typing) != 1 {
		t.Fatalf("expected 1 user_typing, got %d", len(typing))
	}
	if typing[0]["fromSeat"] != "12A" || typing[0]["room"] != "12A-24B" {
		t.Errorf("unexpected typing event %v", typing[0])
	}
	if n := len(a.received(protocol.TypeUserTyping)); n != 0 {
		t.Errorf("sender saw its own typing %d times", n)
	}
}

func TestSeatCheck(t *testing.T) {
	t.Run("unknown seat", func(t *testing.T) {
		g, _ := newTestGateway(t, func(d *Deps) {
			d.Seats = fakeSeats{known: map[string]bool{"24B": true}}
		})
		a := joined(t, g, "conn-a", "12A")

		do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"99Z"}`)
		errs := a.received(protocol.TypeError)
		if len(errs) != 1 || errs[0]["code"] != "unknown_seat" {
			t.Fatalf("expected unknown_seat error, got %v", errs)
		}
		pending, _ := g.Broker().PendingFor(context.Background(), "99Z")
		if len(pending) != 0 {
			t.Errorf("request to unknown seat was stored: %v", pending)
		}
	})

	t.Run("checker failure fails open", func(t *testing.T) {
		g, _ := newTestGateway(t, func(d *Deps) {
			d.Seats = fakeSeats{err: errors.New("backend down")}
		})
		a := joined(t, g, "conn-a", "12A")
		b := joined(t, g, "conn-b", "24B")

		do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)
		if n := len(b.received(protocol.TypeChatRequest)); n != 1 {
			t.Errorf("expected request delivered despite checker failure, got %d", n)
		}
	})
}

func TestDisconnect_ReleasesSeatAndRooms(t *testing.T) {
	g, bus := newTestGateway(t)
	_, b := paired(t, g)

	if !bus.Subscribed(inboxKey("24B")) {
		t.Fatal("expected inbox subscription for 24B")
	}
	g.Disconnect(b)

	if _, ok := g.registry.Lookup("24B"); ok {
		t.Error("24B still registered")
	}
	if bus.Subscribed(inboxKey("24B")) {
		t.Error("inbox for 24B still subscribed")
	}
	if rooms := g.Relay().Rooms("conn-b"); len(rooms) != 0 {
		t.Errorf("rooms left behind: %v", rooms)
	}
	if g.Online(context.Background(), "24B") {
		t.Error("24B reported online after disconnect")
	}
}

func TestClaim_FromOtherInstanceEvicts(t *testing.T) {
	g, bus := newTestGateway(t)
	a := joined(t, g, "conn-a", "12A")
	do(t, g, a, `{"type":"rejoin_chat","seat1":"12A","seat2":"24B"}`)

	// A claim from this server is ignored.
	own, _ := presence.Claim{Seat: "12A", ConnID: "conn-z", Server: "ws-test"}.Encode()
	if err := bus.Publish(messaging.SubjectPresenceClaim, own); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !g.registry.Owns("conn-a", "12A") {
		t.Fatal("own-server claim evicted the local holder")
	}

	other, _ := presence.Claim{Seat: "12A", ConnID: "remote-1", Server: "ws-2"}.Encode()
	if err := bus.Publish(messaging.SubjectPresenceClaim, other); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, ok := g.registry.Lookup("12A"); ok {
		t.Error("12A still held locally after a remote claim")
	}
	if bus.Subscribed(inboxKey("12A")) {
		t.Error("inbox for 12A still subscribed")
	}
	if rooms := g.Relay().Rooms("conn-a"); len(rooms) != 0 {
		t.Errorf("evicted connection kept rooms %v", rooms)
	}
}

func TestRequestLog_RecordsLifecycle(t *testing.T) {
	sink := &memSink{}
	rec := requestlog.NewRecorder(16, time.Second, sink)
	rec.Start()

	g, _ := newTestGateway(t, func(d *Deps) { d.Recorder = rec })
	a := joined(t, g, "conn-a", "12A")
	b := joined(t, g, "conn-b", "24B")
	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, b, `{"type":"accept_chat_request","fromSeat":"12A","toSeat":"24B"}`)
	do(t, g, a, `{"type":"send_chat_request","fromSeat":"12A","toSeat":"30C"}`)

	rec.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []string{requestlog.KindSent, requestlog.KindAccepted, requestlog.KindSent}
	if len(sink.events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), sink.events)
	}
	for i, kind := range want {
		if sink.events[i].Kind != kind {
			t.Errorf("event %d: expected %s, got %s", i, kind, sink.events[i].Kind)
		}
	}
	if sink.events[1].Room != "12A-24B" {
		t.Errorf("accepted event room = %q", sink.events[1].Room)
	}
}

func TestJoin_InvalidSeatIgnored(t *testing.T) {
	g, _ := newTestGateway(t)
	c := &fakeConn{id: "conn-x"}
	do(t, g, c, `{"type":"join","seat":""}`)
	do(t, g, c, `{"type":"join","seat":"12A; DROP"}`)

	if g.registry.Count() != 0 {
		t.Errorf("invalid seats registered: %v", g.registry.Seats())
	}
	if c.total() != 0 {
		t.Errorf("invalid join produced %d events", c.total())
	}
}

func TestSendMessage_RepeatedBlockedMessagesMute(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	const sender = "T91A"
	keys := []string{moderation.MutePrefix + sender, moderation.StrikesPrefix + sender}
	client.Del(ctx, keys...)
	t.Cleanup(func() {
		client.Del(ctx, keys...)
		client.Close()
	})

	g, _ := newTestGateway(t, func(d *Deps) { d.Mutes = moderation.NewMuteStore(client) })
	a := joined(t, g, "conn-a", sender)
	b := joined(t, g, "conn-b", "T92B")
	do(t, g, b, `{"type":"rejoin_chat","seat1":"T92B","seat2":"T91A"}`)

	for i := 0; i < moderation.StrikeThreshold; i++ {
		do(t, g, a, `{"type":"send_message","fromSeat":"T91A","toSeat":"T92B","message":"free bitcoin"}`)
	}
	do(t, g, a, `{"type":"send_message","fromSeat":"T91A","toSeat":"T92B","message":"sorry"}`)

	acks := a.received(protocol.TypeAck)
	if len(acks) != moderation.StrikeThreshold+1 {
		t.Fatalf("expected %d acks, got %d", moderation.StrikeThreshold+1, len(acks))
	}
	for i := 0; i < moderation.StrikeThreshold; i++ {
		if acks[i]["error"] != protocol.AckMessageBlocked {
			t.Errorf("ack %d: expected message_blocked, got %v", i, acks[i])
		}
	}
	if last := acks[len(acks)-1]; last["error"] != protocol.AckMuted {
		t.Errorf("expected muted ack after threshold, got %v", last)
	}
	if n := len(b.received(protocol.TypeReceiveMessage)); n != 0 {
		t.Errorf("muted seat delivered %d messages", n)
	}
}
