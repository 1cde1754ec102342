package chatreq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RequestPrefix + "<from>:<to>" holds one request hash.
	RequestPrefix = "chatreq:"
	// InboxPrefix + "<to>" is a sorted set of requesting seats scored by
	// creation time.
	InboxPrefix = "chatreq:inbox:"

	// RequestTTL covers a long-haul flight.
	RequestTTL = 12 * time.Hour
)

// RedisStore shares request state between instances.
type RedisStore struct {
	rdb           *redis.Client
	acceptScript  *redis.Script
	declineScript *redis.Script
}

// NewRedisStore returns a store backed by rdb.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:           rdb,
		acceptScript:  redis.NewScript(acceptLua),
		declineScript: redis.NewScript(declineLua),
	}
}

func requestKey(from, to string) string {
	return RequestPrefix + from + ":" + to
}

func (s *RedisStore) Put(ctx context.Context, r Request) error {
	key := requestKey(r.From, r.To)
	inbox := InboxPrefix + r.To

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"from":       r.From,
		"to":         r.To,
		"status":     r.Status,
		"created_at": r.CreatedAt,
	})
	pipe.Expire(ctx, key, RequestTTL)
	pipe.ZAdd(ctx, inbox, redis.Z{Score: float64(r.CreatedAt), Member: r.From})
	pipe.Expire(ctx, inbox, RequestTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Accept returns ok=false for a missing or non-pending request.
func (s *RedisStore) Accept(ctx context.Context, from, to string) (Request, bool, error) {
	return s.transition(ctx, s.acceptScript, from, to, StatusAccepted)
}

func (s *RedisStore) Decline(ctx context.Context, from, to string) (Request, bool, error) {
	return s.transition(ctx, s.declineScript, from, to, StatusDeclined)
}

func (s *RedisStore) transition(ctx context.Context, script *redis.Script, from, to, status string) (Request, bool, error) {
	keys := []string{requestKey(from, to), InboxPrefix + to}
	createdAt, err := script.Run(ctx, s.rdb, keys, from).Int64()
	if err != nil {
		return Request{}, false, fmt.Errorf("chatreq: %s script: %w", status, err)
	}
	if createdAt < 0 {
		return Request{}, false, nil
	}
	return Request{From: from, To: to, Status: status, CreatedAt: createdAt}, true, nil
}

func (s *RedisStore) Pending(ctx context.Context, to string) ([]Request, error) {
	inbox := InboxPrefix + to
	froms, err := s.rdb.ZRange(ctx, inbox, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(froms) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(froms))
	for i, from := range froms {
		cmds[i] = pipe.HGetAll(ctx, requestKey(from, to))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	var (
		out   []Request
		stale []interface{}
	)
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			stale = append(stale, froms[i])
			continue
		}
		if h["status"] != StatusPending {
			continue
		}
		createdAt, _ := strconv.ParseInt(h["created_at"], 10, 64)
		out = append(out, Request{From: h["from"], To: h["to"], Status: StatusPending, CreatedAt: createdAt})
	}
	if len(stale) > 0 {
		s.rdb.ZRem(ctx, inbox, stale...)
	}

	sortOldestFirst(out)
	return out, nil
}

// acceptLua marks a pending request accepted and removes it from the inbox.
// Returns created_at, -1 if missing, -2 if not pending.
const acceptLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'pending' then return -2 end
redis.call('HSET', KEYS[1], 'status', 'accepted')
redis.call('ZREM', KEYS[2], ARGV[1])
return tonumber(redis.call('HGET', KEYS[1], 'created_at'))
`

// declineLua deletes a pending request. Same return codes as acceptLua.
const declineLua = `
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return -1 end
if status ~= 'pending' then return -2 end
local created = tonumber(redis.call('HGET', KEYS[1], 'created_at'))
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return created
`
