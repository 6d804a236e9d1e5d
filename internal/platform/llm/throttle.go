package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fathomhq/fathom-backend/internal/platform/httpx"
)

const (
	retryBackoffBase = 1 * time.Second
	retryBackoffCap  = 60 * time.Second
)

// Throttle is the process-wide LLM concurrency gate. Every call into the
// provider acquires a slot; default width is 8.
type Throttle struct {
	sem *semaphore.Weighted
}

func NewThrottle(limit int64) *Throttle {
	if limit <= 0 {
		limit = 8
	}
	return &Throttle{sem: semaphore.NewWeighted(limit)}
}

// Run executes fn under the concurrency gate with retry-with-backoff on
// rate-limit errors (base 1s, factor 2, cap 60s, jitter).
func (t *Throttle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < 6; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRateLimited(err) || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(httpx.JitterSleep(backoffFor(attempt))):
		}
	}
	return lastErr
}

func backoffFor(attempt int) time.Duration {
	backoff := retryBackoffBase
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return backoff
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var se *httpx.StatusError
	if errors.As(err, &se) {
		return se.Code == 429
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "rate limit") || strings.Contains(low, "429")
}
