package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimitRecord is the JSON value stored per client key
type rateLimitRecord struct {
	Count       int   `json:"count"`
	WindowStart int64 `json:"windowStart"`
}

// RateLimitResult is the outcome of a rate limit check
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter is a fixed-window per-client counter backed by Redis.
// It fails closed: when Redis is unreachable the check returns an error
// and the caller must deny the request, since the limiter fronts a
// costly upstream call.
type RateLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewRateLimiter creates a rate limiter on the given Redis client
func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// Check counts one request for clientKey against the fixed window.
// Crossing a window boundary resets the counter. The stored record
// expires after twice the window so idle keys clean themselves up.
func (r *RateLimiter) Check(ctx context.Context, clientKey string, maxRequests int, window time.Duration) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:ip:%s", clientKey)
	now := r.now()

	var record rateLimitRecord
	val, err := r.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		record = rateLimitRecord{Count: 0, WindowStart: now.UnixMilli()}
	case err != nil:
		return nil, fmt.Errorf("rate limit store unavailable: %w", err)
	default:
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			// A corrupt record starts a fresh window.
			record = rateLimitRecord{Count: 0, WindowStart: now.UnixMilli()}
		}
	}

	windowStart := time.UnixMilli(record.WindowStart)
	if now.Sub(windowStart) >= window {
		record = rateLimitRecord{Count: 0, WindowStart: now.UnixMilli()}
		windowStart = now
	}

	resetAt := windowStart.Add(window)
	if record.Count >= maxRequests {
		return &RateLimitResult{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	record.Count++
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rate limit record: %w", err)
	}
	if err := r.client.Set(ctx, key, data, 2*window).Err(); err != nil {
		return nil, fmt.Errorf("rate limit store unavailable: %w", err)
	}

	return &RateLimitResult{
		Allowed:   true,
		Remaining: maxRequests - record.Count,
		ResetAt:   resetAt,
	}, nil
}
