package pipeline

import (
	"context"
	"errors"
	"time"
)

type backoffKind int

const (
	backoffLinear backoffKind = iota
	backoffExponential
)

// retryPolicy bounds one stage's retries. Attempts counts executions, not
// retries; a policy of 2 means one retry after the first failure.
type retryPolicy struct {
	attempts int
	base     time.Duration
	kind     backoffKind
	timeout  time.Duration
}

// delay before attempt n (1-based; no delay before the first).
func (p retryPolicy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	switch p.kind {
	case backoffExponential:
		return p.base * time.Duration(1<<uint(attempt-2))
	default:
		return p.base * time.Duration(attempt-1)
	}
}

// defaultPolicies per stage.
func defaultPolicies() map[Stage]retryPolicy {
	return map[Stage]retryPolicy{
		StageSanitize: {attempts: 2, base: 3 * time.Second, kind: backoffExponential, timeout: 30 * time.Second},
		StageEmbed:    {attempts: 3, base: 5 * time.Second, kind: backoffLinear, timeout: 60 * time.Second},
		StageSearch:   {attempts: 2, base: 3 * time.Second, kind: backoffLinear, timeout: 30 * time.Second},
		StageVerify:   {attempts: 3, base: 10 * time.Second, kind: backoffExponential, timeout: 120 * time.Second},
		StageDetect:   {attempts: 2, base: 5 * time.Second, kind: backoffLinear, timeout: 60 * time.Second},
		StageSign:     {attempts: 2, base: 5 * time.Second, kind: backoffExponential, timeout: 30 * time.Second},
	}
}

// sleep waits d or returns early on cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminalError marks failures that must not be retried: input validation
// and logic preconditions.
type terminalError struct{ err error }

func (t terminalError) Error() string { return t.err.Error() }
func (t terminalError) Unwrap() error { return t.err }

// Terminal wraps err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return terminalError{err: err}
}

func isTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}
