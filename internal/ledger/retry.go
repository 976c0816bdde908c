package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryLedger decorates another Ledger, retrying calls that fail with a
// transport error. Outcomes are never retried.
//
// A write can succeed on the server while the client sees an error. When a
// retry then reports AlreadyConsumed, the stored claim id tells whether the
// earlier attempt was ours.
type RetryLedger struct {
	inner    Ledger
	attempts int
	delay    time.Duration
}

// NewRetryLedger wraps inner. attempts < 1 means a single attempt and a
// zero delay defaults to one second.
func NewRetryLedger(inner Ledger, attempts int, delayMs int) *RetryLedger {
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	return &RetryLedger{
		inner:    inner,
		attempts: attempts,
		delay:    time.Duration(delayMs) * time.Millisecond,
	}
}

func (r *RetryLedger) TryConsume(ctx context.Context, rec Record) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	for attempt := 1; attempt <= r.attempts; attempt++ {
		out, err = r.inner.TryConsume(ctx, rec)
		if err == nil {
			if out == AlreadyConsumed && attempt > 1 && r.ownsRecord(ctx, rec) {
				return Consumed, nil
			}
			return out, nil
		}

		logrus.Warnf("ledger consume failed (attempt %d/%d): %v", attempt, r.attempts, err)

		if attempt < r.attempts {
			if werr := r.wait(ctx); werr != nil {
				return AlreadyConsumed, werr
			}
		}
	}
	return AlreadyConsumed, err
}

func (r *RetryLedger) ownsRecord(ctx context.Context, rec Record) bool {
	stored, err := r.inner.Lookup(ctx, rec.Nonce)
	return err == nil && stored.ClaimID == rec.ClaimID
}

func (r *RetryLedger) Lookup(ctx context.Context, nonce string) (Record, error) {
	var (
		rec Record
		err error
	)
	for attempt := 1; attempt <= r.attempts; attempt++ {
		rec, err = r.inner.Lookup(ctx, nonce)
		if err == nil || errors.Is(err, ErrNotFound) {
			return rec, err
		}

		logrus.Warnf("ledger lookup failed (attempt %d/%d): %v", attempt, r.attempts, err)

		if attempt < r.attempts {
			if werr := r.wait(ctx); werr != nil {
				return Record{}, werr
			}
		}
	}
	return Record{}, err
}

func (r *RetryLedger) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.delay):
		return nil
	}
}

func (r *RetryLedger) Close() error {
	return r.inner.Close()
}
