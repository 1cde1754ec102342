package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL bounds how long a seat stays online in Redis after its instance
	// stops refreshing it.
	TTL = 1 * time.Hour
)

// Record is the Redis view of a seat's registration.
type Record struct {
	Seat       string `redis:"seat"`
	ConnID     string `redis:"conn_id"`
	Server     string `redis:"server"`      // which WS server instance
	JoinedAt   int64  `redis:"joined_at"`   // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Claim is broadcast on messaging.SubjectPresenceClaim when a seat is joined,
// so other instances can drop their older connection for it.
type Claim struct {
	Seat   string `json:"seat"`
	ConnID string `json:"connId"`
	Server string `json:"server"`
}

// Encode serializes the claim for the bus.
func (c Claim) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeClaim parses a claim published by Encode.
func DecodeClaim(data []byte) (Claim, error) {
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return Claim{}, fmt.Errorf("presence: decode claim: %w", err)
	}
	return c, nil
}

// Store mirrors seat registrations in Redis.
type Store struct {
	client        *redis.Client
	serverName    string
	releaseScript *redis.Script
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, serverName), nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{
		client:        client,
		serverName:    serverName,
		releaseScript: redis.NewScript(releaseLua),
	}
}

// Set records that connID on this server holds seat.
func (s *Store) Set(ctx context.Context, seat, connID string) error {
	key := KeyPrefix + seat
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"seat":        seat,
		"conn_id":     connID,
		"server":      s.serverName,
		"joined_at":   now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set %s: %w", seat, err)
	}
	return nil
}

// Get returns the record for seat, or nil if the seat is offline.
func (s *Store) Get(ctx context.Context, seat string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, KeyPrefix+seat).Scan(&rec); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", seat, err)
	}
	if rec.Seat == "" {
		return nil, nil
	}
	return &rec, nil
}

// Online reports whether any instance holds seat.
func (s *Store) Online(ctx context.Context, seat string) (bool, error) {
	n, err := s.client.Exists(ctx, KeyPrefix+seat).Result()
	if err != nil {
		return false, fmt.Errorf("presence: exists %s: %w", seat, err)
	}
	return n > 0, nil
}

// Release deletes the seat's record only if connID still owns it. It returns
// true when the record was removed.
func (s *Store) Release(ctx context.Context, seat, connID string) (bool, error) {
	n, err := s.releaseScript.Run(ctx, s.client, []string{KeyPrefix + seat}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: release %s: %w", seat, err)
	}
	return n == 1, nil
}

// Refresh extends the TTL of the given seats and bumps last_active.
func (s *Store) Refresh(ctx context.Context, seats ...string) error {
	if len(seats) == 0 {
		return nil
	}
	now := time.Now().Unix()
	pipe := s.client.Pipeline()
	for _, seat := range seats {
		key := KeyPrefix + seat
		pipe.HSet(ctx, key, "last_active", now)
		pipe.Expire(ctx, key, TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: refresh: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// releaseLua deletes KEYS[1] only if its conn_id equals ARGV[1].
const releaseLua = `
local owner = redis.call('HGET', KEYS[1], 'conn_id')
if owner == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`
