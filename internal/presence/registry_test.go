package presence

import (
	"reflect"
	"testing"
)

type fakeConn struct {
	id   string
	sent [][]byte
}

func (c *fakeConn) ConnID() string { return c.id }

func (c *fakeConn) WriteMessage(data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func TestRegistry_JoinAndLookup(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}

	prev, replaced := r.Join("12A", c)
	if replaced || prev != nil {
		t.Fatalf("first join should not replace, got prev=%v replaced=%v", prev, replaced)
	}

	got, ok := r.Lookup("12A")
	if !ok || got != c {
		t.Fatalf("lookup 12A: got %v ok=%v", got, ok)
	}
	if _, ok := r.Lookup("24B"); ok {
		t.Error("lookup of unjoined seat should fail")
	}
	if r.Count() != 1 {
		t.Errorf("expected count 1, got %d", r.Count())
	}
}

func TestRegistry_LastJoinWins(t *testing.T) {
	r := NewRegistry()
	old := &fakeConn{id: "old"}
	cur := &fakeConn{id: "new"}

	r.Join("12A", old)
	prev, replaced := r.Join("12A", cur)
	if !replaced || prev != old {
		t.Fatalf("expected old connection to be replaced, got prev=%v replaced=%v", prev, replaced)
	}

	got, _ := r.Lookup("12A")
	if got != cur {
		t.Errorf("expected new connection to hold the seat")
	}
	if r.Owns("old", "12A") {
		t.Error("old connection should no longer own the seat")
	}

	// Disconnecting the stale connection must not remove the new entry.
	if seats := r.Disconnect("old"); len(seats) != 0 {
		t.Errorf("stale disconnect removed %v", seats)
	}
	if _, ok := r.Lookup("12A"); !ok {
		t.Error("new entry removed by stale disconnect")
	}
}

func TestRegistry_JoinSameConnIsIdempotent(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}

	r.Join("12A", c)
	first, _ := r.Entry("12A")
	prev, replaced := r.Join("12A", c)
	if replaced || prev != nil {
		t.Fatalf("rejoin with same connection should be a no-op")
	}
	second, _ := r.Entry("12A")
	if !first.JoinedAt.Equal(second.JoinedAt) {
		t.Error("JoinedAt changed on idempotent join")
	}
}

func TestRegistry_Disconnect(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}
	other := &fakeConn{id: "c2"}

	r.Join("24B", c)
	r.Join("12A", c)
	r.Join("30C", other)

	seats := r.Disconnect("c1")
	if !reflect.DeepEqual(seats, []string{"12A", "24B"}) {
		t.Errorf("unexpected removed seats: %v", seats)
	}
	if _, ok := r.Lookup("12A"); ok {
		t.Error("12A still registered")
	}
	if _, ok := r.Lookup("30C"); !ok {
		t.Error("30C should be untouched")
	}
	if got := r.Disconnect("c1"); got != nil {
		t.Errorf("second disconnect should return nil, got %v", got)
	}
}

func TestRegistry_Evict(t *testing.T) {
	r := NewRegistry()
	c := &fakeConn{id: "c1"}
	r.Join("12A", c)

	if _, ok := r.Evict("12A", "c1"); ok {
		t.Fatal("evict must keep the entry held by keepConnID")
	}
	evicted, ok := r.Evict("12A", "remote-conn")
	if !ok || evicted != c {
		t.Fatalf("expected c1 evicted, got %v ok=%v", evicted, ok)
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
	if len(r.SeatsOf("c1")) != 0 {
		t.Error("connection index not cleaned up")
	}
}

func TestRegistry_Seats(t *testing.T) {
	r := NewRegistry()
	r.Join("9C", &fakeConn{id: "a"})
	r.Join("10C", &fakeConn{id: "b"})
	r.Join("1A", &fakeConn{id: "b"})

	if got := r.Seats(); !reflect.DeepEqual(got, []string{"10C", "1A", "9C"}) {
		t.Errorf("Seats() = %v", got)
	}
	if got := r.SeatsOf("b"); !reflect.DeepEqual(got, []string{"10C", "1A"}) {
		t.Errorf("SeatsOf(b) = %v", got)
	}
}
