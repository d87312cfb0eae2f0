package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// floodWaitMargin is added on top of the server-signaled wait before
// retrying, so the retry lands safely outside the limit window.
const floodWaitMargin = time.Second

// FloodWaitError is the rate-limit signal: the server asks the caller to
// wait before retrying the same call.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %s", e.Wait)
}

// AsFloodWait extracts the signaled wait duration if err is a rate-limit
// signal anywhere in its chain.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// WithFloodWait runs fn, and on a rate-limit signal sleeps the signaled
// duration plus a margin and retries the identical call. Every other
// error propagates immediately. This is the only automatic retry policy.
func WithFloodWait[T any](ctx context.Context, log *slog.Logger, fn func() (T, error)) (T, error) {
	for {
		value, err := fn()
		if err == nil {
			return value, nil
		}
		wait, ok := AsFloodWait(err)
		if !ok {
			return value, err
		}
		delay := wait + floodWaitMargin
		log.WarnContext(ctx, "Rate limited, sleeping before retry", "wait", delay)
		select {
		case <-ctx.Done():
			return value, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// RetryFloodWait is WithFloodWait for calls without a return value.
func RetryFloodWait(ctx context.Context, log *slog.Logger, fn func() error) error {
	_, err := WithFloodWait(ctx, log, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
