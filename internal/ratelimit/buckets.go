package ratelimit

import "time"

// Algorithm selects how a bucket accounts usage.
type Algorithm string

const (
	TokenBucket Algorithm = "token bucket"
	FixedWindow Algorithm = "fixed window"
)

// Bucket is one named rate-limit configuration. Rate is the number of
// units allowed per Period. Capacity bounds token-bucket bursts and
// defaults to Rate when zero. Shards splits hot counters across
// independent rows; callers never observe shard identity.
type Bucket struct {
	Name      string
	Algorithm Algorithm
	Rate      float64
	Period    time.Duration
	Capacity  float64
	Shards    int
}

// Bucket families. Each operation has an authenticated bucket and a
// stricter anonymous bucket; anonymous buckets use day-long fixed
// windows, authenticated buckets use minute-scale token buckets.
const (
	BucketSendMessage         = "sendMessage"
	BucketAIRequests          = "aiRequests"
	BucketAITokens            = "aiTokens"
	BucketCreateThread        = "createThread"
	BucketAuthAttempts        = "authAttempts"
	BucketHeavyOperations     = "heavyOperations"
	BucketAnonymousMessages   = "anonymousMessages"
	BucketAnonymousThreads    = "anonymousThreads"
	BucketAnonymousAIRequests = "anonymousAiRequests"
)

// DefaultBuckets is the deploy-time rate-limit table.
func DefaultBuckets() []Bucket {
	return []Bucket{
		{Name: BucketSendMessage, Algorithm: TokenBucket, Rate: 30, Period: time.Minute, Capacity: 5},
		{Name: BucketAIRequests, Algorithm: TokenBucket, Rate: 60, Period: time.Minute, Capacity: 10},
		{Name: BucketAITokens, Algorithm: TokenBucket, Rate: 50000, Period: time.Minute, Capacity: 10000, Shards: 5},
		{Name: BucketCreateThread, Algorithm: FixedWindow, Rate: 10, Period: time.Hour},
		{Name: BucketAuthAttempts, Algorithm: TokenBucket, Rate: 5, Period: time.Minute, Capacity: 3},
		{Name: BucketHeavyOperations, Algorithm: FixedWindow, Rate: 100, Period: time.Minute, Shards: 3},
		{Name: BucketAnonymousMessages, Algorithm: FixedWindow, Rate: 5, Period: 24 * time.Hour},
		{Name: BucketAnonymousThreads, Algorithm: FixedWindow, Rate: 2, Period: 24 * time.Hour},
		{Name: BucketAnonymousAIRequests, Algorithm: FixedWindow, Rate: 5, Period: 24 * time.Hour},
	}
}

// Pick chooses the bucket family for the subject's classification.
func Pick(anonymous bool, authBucket, anonBucket string) string {
	if anonymous {
		return anonBucket
	}
	return authBucket
}
