package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// NewRedisStrategy keeps a sliding window per key in a redis sorted set, so that every
// server process sharing the redis sees the same admission counts.
func NewRedisStrategy(client *redis.Client, now func() time.Time) Strategy {
	return &redisStrategy{
		client: client,
		now:    now,
	}
}

type redisStrategy struct {
	client *redis.Client
	now    func() time.Time
}

func score(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (s *redisStrategy) Run(ctx context.Context, r *Request) (*Result, error) {
	now := s.now()
	res := &Result{ExpiresAt: now.Add(r.Duration)}
	windowStart := score(now.Add(-r.Duration))

	// cheap read first, a full window is the common case under pressure
	inWindow, err := s.client.ZCount(ctx, r.Key, "("+windowStart, "+inf").Uint64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("count window of key %v: %w", r.Key, err)
	}
	if inWindow >= r.Limit {
		res.State, res.TotalRequests = Deny, inWindow
		return res, nil
	}

	member := uuid.NewString()
	var card *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, r.Key, "-inf", windowStart)
		p.ZAdd(ctx, r.Key, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = p.ZCard(ctx, r.Key)
		p.PExpire(ctx, r.Key, r.Duration) // idle keys vanish with their window
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record request for key %v: %w", r.Key, err)
	}

	total := uint64(card.Val())
	if total > r.Limit {
		// lost a race with other processes, the denied request must not hold a slot
		if err := s.client.ZRem(ctx, r.Key, member).Err(); err != nil {
			return nil, fmt.Errorf("drop denied request for key %v: %w", r.Key, err)
		}
		res.State, res.TotalRequests = Deny, total-1
		return res, nil
	}
	res.State, res.TotalRequests = Allow, total
	return res, nil
}
