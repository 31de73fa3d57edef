// Package resilience implements the retry policy (spec C9) a Service
// operation applies around a single Session.Send attempt: which
// failures are worth retrying, how many times, and with what delay
// between attempts. Each retry gets a fresh pipeline.Transaction, since
// spec.md treats a retransmission as a new attempt correlated to the
// same caller-visible operation rather than a resend of the same wire
// bytes.
package resilience

import (
	"context"
	"time"

	"github.com/opennetty/opennetty-core/internal/gateway"
	"github.com/opennetty/opennetty-core/internal/opnerr"
	"github.com/opennetty/opennetty-core/internal/pipeline"
)

// Policy bounds how many times, and how far apart, a send is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first;
	// MaxAttempts <= 1 means no retries.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration
	// MaxDelay caps the wait between later attempts.
	MaxDelay time.Duration
	// Multiplier scales the delay after each retry.
	Multiplier float64
}

// DefaultPolicy retries transient gateway/session failures a few times
// with a short capped backoff — generous enough to ride out a busy bus,
// not so long a caller waiting on Service.ExecuteCommand notices.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}
}

// retryable is the set of failure kinds spec.md §4.9 treats as worth
// retrying: a busy bus, a dropped ack, or a dropped action confirmation.
// Anything else (bad address, authentication failure, a NACK) is a
// structural rejection no retry will fix.
func retryable(err error) bool {
	switch {
	case opnerr.Is(err, opnerr.GatewayBusy),
		opnerr.Is(err, opnerr.NoAcknowledgementReceived),
		opnerr.Is(err, opnerr.NoActionReceived):
		return true
	default:
		return false
	}
}

// Attempt is one try's outcome, surfaced to a caller that wants to
// observe the retry history rather than just the final error.
type Attempt struct {
	N   int
	Err error
}

// Send runs policy around fn, which should perform exactly one
// Session.Send-shaped attempt under the given transaction. Every attempt
// after the first gets a fresh pipeline.Transaction, since a retry is a
// new attempt correlated to the same caller-visible operation, not a
// resend of the first attempt's wire bytes. opts.DisallowRetransmissions
// collapses the policy to a single attempt regardless of MaxAttempts,
// per spec.md §4.9.
func Send(ctx context.Context, policy Policy, opts gateway.SendOptions, fn func(ctx context.Context, txn pipeline.Transaction) error) ([]Attempt, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if opts.DisallowRetransmissions {
		maxAttempts = 1
	}

	delay := policy.InitialDelay
	if delay <= 0 {
		delay = DefaultPolicy().InitialDelay
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultPolicy().MaxDelay
	}
	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultPolicy().Multiplier
	}

	var history []Attempt
	var lastErr error
	for n := 1; n <= maxAttempts; n++ {
		err := fn(ctx, pipeline.NewTransaction())
		history = append(history, Attempt{N: n, Err: err})
		if err == nil {
			return history, nil
		}
		lastErr = err
		if n == maxAttempts || !retryable(err) {
			break
		}
		if !sleepCtx(ctx, delay) {
			return history, ctx.Err()
		}
		delay = time.Duration(float64(delay) * multiplier)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return history, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
