package chatreq

import (
	"context"
	"sort"
	"sync"
)

type pairKey struct{ from, to string }

// MemoryStore keeps requests for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	reqs map[pairKey]Request
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[pairKey]Request)}
}

func (s *MemoryStore) Put(_ context.Context, r Request) error {
	s.mu.Lock()
	s.reqs[pairKey{r.From, r.To}] = r
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Accept(_ context.Context, from, to string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{from, to}
	r, ok := s.reqs[k]
	if !ok || r.Status != StatusPending {
		return Request{}, false, nil
	}
	r.Status = StatusAccepted
	s.reqs[k] = r
	return r, true, nil
}

func (s *MemoryStore) Decline(_ context.Context, from, to string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := pairKey{from, to}
	r, ok := s.reqs[k]
	if !ok || r.Status != StatusPending {
		return Request{}, false, nil
	}
	delete(s.reqs, k)
	r.Status = StatusDeclined
	return r, true, nil
}

func (s *MemoryStore) Pending(_ context.Context, to string) ([]Request, error) {
	s.mu.Lock()
	var out []Request
	for k, r := range s.reqs {
		if k.to == to && r.Status == StatusPending {
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	sortOldestFirst(out)
	return out, nil
}

func sortOldestFirst(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].CreatedAt != reqs[j].CreatedAt {
			return reqs[i].CreatedAt < reqs[j].CreatedAt
		}
		return reqs[i].From < reqs[j].From
	})
}
