package pipeline

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/nahicyan/docmerge/internal/convert"
)

// IsRetryable checks if a conversion error is worth retrying.
func IsRetryable(err error) bool {
	var retryErr *convert.RetryableError
	return errors.As(err, &retryErr)
}

// Backoff returns a duration for attempt n (0-indexed) with jitter.
func Backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 500 * time.Millisecond
	if base > 10*time.Second {
		base = 10 * time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}
