// Package sink keeps an append-only audit journal of billed activity:
// consumed payments and the jobs they paid for.
package sink

import (
	"context"
	"time"

	"github.com/ptrus/rofl-x402-service/internal/config"
)

// Event kinds written to the journal.
const (
	KindPaymentConsumed = "payment_consumed"
	KindJobRequeued     = "job_requeued"
)

// Event is one journal row. Kind selects the file it lands in; every other
// key becomes a column.
type Event map[string]interface{}

// Kind returns the event kind or "unknown".
func (e Event) Kind() string {
	if k, _ := e["kind"].(string); k != "" {
		return k
	}
	return "unknown"
}

// NewEvent stamps an event of kind with the current time.
func NewEvent(kind string, fields map[string]interface{}) Event {
	evt := Event{"kind": kind, "recorded_at": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range fields {
		evt[k] = v
	}
	return evt
}

// Sink persists journal events. Implementations must be safe for
// concurrent use; requests write from many goroutines. Write must return
// once ctx is done.
type Sink interface {
	Write(ctx context.Context, evt Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Write(context.Context, Event) error { return nil }
func (Nop) Close() error                       { return nil }

// Open builds the configured sink, wrapped with retries.
func Open(cfg config.AuditConfig, retry config.RetryConfig) (Sink, error) {
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	default:
		s, err := NewCSVSink(cfg.CSV.OutputDir)
		if err != nil {
			return nil, err
		}
		return NewRetrySink(s, retry.Attempts, retry.DelayMS), nil
	}
}
