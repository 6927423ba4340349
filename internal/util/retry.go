// Package util provides shared utility functions for wcengine.
package util

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"wcengine/internal/common"
)

// BusyRetryOptions returns retry options for callers that choose to retry
// working-copy transactions that failed with common.ErrBusy. The engine
// itself never retries.
func BusyRetryOptions(ctx context.Context, attempts uint) []retry.Option {
	if attempts == 0 {
		attempts = 3
	}
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsBusy),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = BusyRetryOptions(ctx, 0)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = BusyRetryOptions(ctx, 0)
	}
	return retry.DoWithData(fn, opts...)
}

// IsBusy returns true if the error is lock contention rather than a real
// failure.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, common.ErrBusy) || IsDatabaseLocked(err)
}

// IsDatabaseLocked returns true if the error text indicates a SQLite lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}
