// Package ratelimit is a multi-bucket quota engine shared by all entry
// points. Counter state lives in a pluggable store so concurrent
// requests never lose updates; hot buckets shard their counters to
// bound write contention.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Decision is the outcome of one limit check. Denial is an expected
// outcome, not an error: RetryAfter tells the caller how long until
// the next attempt can succeed.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter evaluates requests against the configured bucket table.
type Limiter struct {
	store   StateStore
	buckets map[string]Bucket
	logger  *zap.Logger
	now     func() time.Time
}

func New(store StateStore, buckets []Bucket, logger *zap.Logger) *Limiter {
	byName := make(map[string]Bucket, len(buckets))
	for _, b := range buckets {
		if b.Algorithm == TokenBucket && b.Capacity == 0 {
			b.Capacity = b.Rate
		}
		byName[b.Name] = b
	}
	return &Limiter{
		store:   store,
		buckets: byName,
		logger:  logger,
		now:     time.Now,
	}
}

// Limit attempts to consume one unit from the named bucket on behalf
// of the subject. Unknown bucket names are a configuration error.
func (l *Limiter) Limit(ctx context.Context, name, subject string) (Decision, error) {
	b, ok := l.buckets[name]
	if !ok {
		return Decision{}, fmt.Errorf("unknown rate limit bucket: %q", name)
	}

	shards := b.Shards
	if shards < 1 {
		shards = 1
	}

	// Try shards starting at the subject's home shard; the logical
	// capacity is the sum across shards. RetryAfter on a full denial
	// is the soonest any shard frees up.
	start := shardIndex(subject, shards)
	minRetry := time.Duration(math.MaxInt64)
	for i := 0; i < shards; i++ {
		idx := (start + i) % shards
		key := stateKey(name, subject, idx, shards)

		var d Decision
		err := l.store.Update(ctx, key, func(prev *State) (State, bool) {
			var next State
			d, next = l.take(b, shards, idx, prev)
			return next, d.Allowed
		})
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit state update for %q: %w", name, err)
		}
		if d.Allowed {
			return d, nil
		}
		if d.RetryAfter < minRetry {
			minRetry = d.RetryAfter
		}
	}

	l.logger.Debug("rate limit denied",
		zap.String("bucket", name),
		zap.Duration("retry_after", minRetry))
	return Decision{Allowed: false, RetryAfter: minRetry}, nil
}

func (l *Limiter) take(b Bucket, shards, idx int, prev *State) (Decision, State) {
	switch b.Algorithm {
	case FixedWindow:
		return l.takeFixedWindow(b, shards, idx, prev)
	default:
		return l.takeTokenBucket(b, shards, idx, prev)
	}
}

// takeTokenBucket refills linearly since the last update, capped at
// the shard's capacity, then withdraws one token if available.
func (l *Limiter) takeTokenBucket(b Bucket, shards, idx int, prev *State) (Decision, State) {
	now := l.now()
	capacity := splitQuota(b.Capacity, shards, idx)
	rate := b.Rate / float64(shards)
	refillPerNano := rate / float64(b.Period.Nanoseconds())

	tokens := capacity
	if prev != nil {
		elapsed := now.Sub(prev.Ts)
		tokens = math.Min(capacity, prev.Value+float64(elapsed.Nanoseconds())*refillPerNano)
	}

	if tokens >= 1 {
		return Decision{Allowed: true}, State{Value: tokens - 1, Ts: now}
	}

	deficit := 1 - tokens
	retry := time.Duration(math.Ceil(deficit / refillPerNano))
	return Decision{Allowed: false, RetryAfter: retry}, State{}
}

// takeFixedWindow counts usage within clock-aligned windows; a day
// window resets at midnight UTC, which is what anonymous subjects see
// as their quota boundary.
func (l *Limiter) takeFixedWindow(b Bucket, shards, idx int, prev *State) (Decision, State) {
	now := l.now()
	windowStart := now.Truncate(b.Period)
	quota := splitQuota(b.Rate, shards, idx)

	count := 0.0
	if prev != nil && prev.Ts.Equal(windowStart) {
		count = prev.Value
	}

	if count < quota {
		return Decision{Allowed: true}, State{Value: count + 1, Ts: windowStart}
	}

	retry := windowStart.Add(b.Period).Sub(now)
	return Decision{Allowed: false, RetryAfter: retry}, State{}
}

// splitQuota divides a whole-number quota across shards so the shard
// quotas sum exactly to the total.
func splitQuota(total float64, shards, idx int) float64 {
	if shards <= 1 {
		return total
	}
	whole := int64(total)
	base := whole / int64(shards)
	if int64(idx) < whole%int64(shards) {
		base++
	}
	return float64(base)
}

func shardIndex(subject string, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(subject))
	return int(h.Sum32() % uint32(shards))
}

func stateKey(bucket, subject string, idx, shards int) string {
	if shards <= 1 {
		return bucket + "/" + subject
	}
	return bucket + "/" + subject + "/" + strconv.Itoa(idx)
}
