package sink

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// RetrySink decorates another Sink, retrying failed writes up to attempts
// times with delay between them. The last error is returned when every
// attempt fails, and ctx's error when it is done before then.
type RetrySink struct {
	inner    Sink
	attempts int
	delay    time.Duration
}

// NewRetrySink wraps inner. attempts < 1 means a single attempt and a zero
// delay defaults to one second.
func NewRetrySink(inner Sink, attempts int, delayMs int) *RetrySink {
	if attempts < 1 {
		attempts = 1
	}
	if delayMs == 0 {
		delayMs = 1000
	}
	return &RetrySink{
		inner:    inner,
		attempts: attempts,
		delay:    time.Duration(delayMs) * time.Millisecond,
	}
}

func (r *RetrySink) Write(ctx context.Context, evt Event) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = r.inner.Write(ctx, evt)
		if err == nil {
			return nil
		}

		logrus.Warnf("audit write failed (attempt %d/%d): %v", attempt, r.attempts, err)

		if attempt < r.attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.delay):
			}
		}
	}
	return err
}

func (r *RetrySink) Close() error {
	return r.inner.Close()
}
