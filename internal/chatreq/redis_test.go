package chatreq

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		for _, pattern := range []string{RequestPrefix + "T*", InboxPrefix + "T*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewRedisStore(client)
}

func TestRedisStore_AcceptDecline(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, Request{From: "T12A", To: "T24B", Status: StatusPending, CreatedAt: 100})
	_ = s.Put(ctx, Request{From: "T30C", To: "T24B", Status: StatusPending, CreatedAt: 50})

	pending, err := s.Pending(ctx, "T24B")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].From != "T30C" || pending[1].From != "T12A" {
		t.Fatalf("unexpected pending order %+v", pending)
	}

	r, ok, err := s.Accept(ctx, "T12A", "T24B")
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}
	if r.CreatedAt != 100 || r.Status != StatusAccepted {
		t.Errorf("unexpected accepted request %+v", r)
	}
	if _, ok, _ := s.Accept(ctx, "T12A", "T24B"); ok {
		t.Error("second accept should report ok=false")
	}

	if _, ok, _ := s.Decline(ctx, "T30C", "T24B"); !ok {
		t.Error("decline of pending request should succeed")
	}
	if _, ok, _ := s.Decline(ctx, "T30C", "T24B"); ok {
		t.Error("second decline should report ok=false")
	}

	pending, _ = s.Pending(ctx, "T24B")
	if len(pending) != 0 {
		t.Errorf("expected empty inbox, got %+v", pending)
	}
}

func TestRedisStore_PutOverwrites(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.Put(ctx, Request{From: "T12A", To: "T24B", Status: StatusPending, CreatedAt: 1})
	_, _, _ = s.Accept(ctx, "T12A", "T24B")
	_ = s.Put(ctx, Request{From: "T12A", To: "T24B", Status: StatusPending, CreatedAt: 2})

	pending, _ := s.Pending(ctx, "T24B")
	if len(pending) != 1 || pending[0].CreatedAt != 2 {
		t.Fatalf("expected one refreshed pending request, got %+v", pending)
	}
}
