package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Mutes are stored as plain keys with a TTL:
//
//	mute:<seat>    -> reason, expires with the mute
//	strikes:<seat> -> count of blocked messages in the last StrikesTTL
const (
	MutePrefix    = "mute:"
	StrikesPrefix = "strikes:"

	Mute15Min  = 15 * time.Minute
	Mute1Hour  = 1 * time.Hour
	Mute24Hour = 24 * time.Hour

	// StrikesTTL is how long the strike counter lives after the first strike.
	StrikesTTL = 24 * time.Hour

	// StrikeThreshold is the number of blocked messages that mutes a seat.
	StrikeThreshold = 3
)

// MuteStore mutes seats that keep sending blocked messages. Counters live in
// Redis so a passenger cannot reset them by reconnecting to another instance.
type MuteStore struct {
	client *redis.Client
}

// NewMuteStore creates a MuteStore using the provided Redis client.
func NewMuteStore(client *redis.Client) *MuteStore {
	return &MuteStore{client: client}
}

// Muted reports whether seat is muted, with the remaining seconds and the
// reason. Redis errors are returned; callers fail open.
func (s *MuteStore) Muted(ctx context.Context, seat string) (bool, int, string, error) {
	key := MutePrefix + seat

	reason, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, 0, "", nil
	}
	if err != nil {
		return false, 0, "", err
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return true, 0, reason, nil
	}
	remaining := 0
	if ttl > 0 {
		remaining = int(ttl.Seconds())
	}
	return true, remaining, reason, nil
}

// Mute silences seat for d.
func (s *MuteStore) Mute(ctx context.Context, seat string, d time.Duration, reason string) error {
	return s.client.Set(ctx, MutePrefix+seat, reason, d).Err()
}

// Unmute lifts a mute immediately.
func (s *MuteStore) Unmute(ctx context.Context, seat string) error {
	return s.client.Del(ctx, MutePrefix+seat).Err()
}

// muteDuration escalates with every strike past the threshold.
func muteDuration(strikes int) time.Duration {
	switch {
	case strikes <= StrikeThreshold:
		return Mute15Min
	case strikes == StrikeThreshold+1:
		return Mute1Hour
	default:
		return Mute24Hour
	}
}

// Strikes returns the current strike count for seat.
func (s *MuteStore) Strikes(ctx context.Context, seat string) (int, error) {
	n, err := s.client.Get(ctx, StrikesPrefix+seat).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Strike counts one blocked message against seat. Once the count reaches
// StrikeThreshold the seat is muted, for longer on each further strike:
//
//	3rd strike  -> 15 minutes
//	4th strike  -> 1 hour
//	5th+ strike -> 24 hours
//
// The counter's TTL is set on the first strike only, so the window does not
// slide.
func (s *MuteStore) Strike(ctx context.Context, seat, reason string) (bool, time.Duration, error) {
	key := StrikesPrefix + seat

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("moderation: strike incr: %w", err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, StrikesTTL).Err(); err != nil {
			return false, 0, fmt.Errorf("moderation: strike expire: %w", err)
		}
	}

	if count < StrikeThreshold {
		return false, 0, nil
	}
	d := muteDuration(int(count))
	if err := s.Mute(ctx, seat, d, reason); err != nil {
		return false, 0, fmt.Errorf("moderation: mute: %w", err)
	}
	return true, d, nil
}
