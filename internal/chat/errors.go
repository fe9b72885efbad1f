package chat

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnauthorized means the resolved subject does not own the target
// thread. It is surfaced to the caller and never retried.
var ErrUnauthorized = errors.New("not authorized to access this thread")

// RateLimitedError reports a denied quota check. Denial is an expected
// outcome: the caller translates RetryAfter into a user-facing wait
// message. The system never retries automatically.
type RateLimitedError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s: retry after %s", e.Bucket, e.RetryAfter)
}

// WaitMessage is the human-readable form shown to users.
func (e *RateLimitedError) WaitMessage() string {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("Too many requests. Please try again in %d seconds.", secs)
}
