// Package presence tracks which connection currently speaks for which seat.
// The Registry is the authoritative local view; the optional Redis Store
// mirrors it so other instances can answer "is this seat online".
package presence

import (
	"sort"
	"sync"
	"time"
)

// Conn is the part of a client connection the registry and its users need.
type Conn interface {
	ConnID() string
	WriteMessage(data []byte) error
}

// Entry is one seat's registration.
type Entry struct {
	Seat     string
	Conn     Conn
	JoinedAt time.Time
}

// Registry maps seats to live connections. At most one connection holds a
// seat; a later join for the same seat replaces the earlier one.
type Registry struct {
	mu     sync.RWMutex
	bySeat map[string]Entry
	byConn map[string]map[string]struct{} // connID -> seats
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bySeat: make(map[string]Entry),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join registers conn under seat. If another connection held the seat it is
// returned with replaced=true. Joining twice with the same connection is a
// no-op apart from keeping the original JoinedAt.
func (r *Registry) Join(seat string, conn Conn) (prev Conn, replaced bool) {
	id := conn.ConnID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.bySeat[seat]; ok {
		if cur.Conn.ConnID() == id {
			return nil, false
		}
		r.unlinkLocked(cur.Conn.ConnID(), seat)
		prev, replaced = cur.Conn, true
	}

	r.bySeat[seat] = Entry{Seat: seat, Conn: conn, JoinedAt: time.Now()}
	seats, ok := r.byConn[id]
	if !ok {
		seats = make(map[string]struct{})
		r.byConn[id] = seats
	}
	seats[seat] = struct{}{}
	return prev, replaced
}

// Lookup returns the connection holding seat.
func (r *Registry) Lookup(seat string) (Conn, bool) {
	r.mu.RLock()
	e, ok := r.bySeat[seat]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// Entry returns the full registration for seat.
func (r *Registry) Entry(seat string) (Entry, bool) {
	r.mu.RLock()
	e, ok := r.bySeat[seat]
	r.mu.RUnlock()
	return e, ok
}

// Owns reports whether connID currently holds seat.
func (r *Registry) Owns(connID, seat string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySeat[seat]
	return ok && e.Conn.ConnID() == connID
}

// Disconnect removes every seat held by connID and returns them sorted.
func (r *Registry) Disconnect(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seats, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(seats))
	for s := range seats {
		if e, ok := r.bySeat[s]; ok && e.Conn.ConnID() == connID {
			delete(r.bySeat, s)
		}
		out = append(out, s)
	}
	delete(r.byConn, connID)
	sort.Strings(out)
	return out
}

// Evict drops the local entry for seat unless it is held by keepConnID.
// It returns the evicted connection.
func (r *Registry) Evict(seat, keepConnID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.bySeat[seat]
	if !ok || e.Conn.ConnID() == keepConnID {
		return nil, false
	}
	r.unlinkLocked(e.Conn.ConnID(), seat)
	delete(r.bySeat, seat)
	return e.Conn, true
}

// SeatsOf returns the seats held by connID, sorted.
func (r *Registry) SeatsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn[connID]))
	for s := range r.byConn[connID] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Seats returns every registered seat, sorted.
func (r *Registry) Seats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySeat))
	for s := range r.bySeat {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered seats.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySeat)
}

func (r *Registry) unlinkLocked(connID, seat string) {
	seats, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(seats, seat)
	if len(seats) == 0 {
		delete(r.byConn, connID)
	}
}
