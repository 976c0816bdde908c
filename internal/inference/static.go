package inference

import (
	"context"
	"time"
)

// Static returns a fixed summary after an optional delay. It is used in
// tests and for local runs without a model.
type Static struct {
	Summary string
	Delay   time.Duration
	Err     error
}

func (s *Static) Name() string { return "static" }

func (s *Static) Summarize(ctx context.Context, _ string) (string, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	return s.Summary, nil
}
