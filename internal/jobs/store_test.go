package jobs

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptrus/rofl-x402-service/internal/document"
)

func newInput() Input {
	text := "a short document body that is long enough to be accepted by validation"
	return Input{Document: text, Stats: document.Analyze(text)}
}

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	j := s.Create(newInput(), "0xabc", "0xpayer")
	require.Equal(t, StatusPending, j.Status)
	require.NotEmpty(t, j.ID)

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.PaymentNonce)

	j, err = s.Transition(j.ID, StatusPending, StatusProcessing, Payload{})
	require.NoError(t, err)
	require.NotNil(t, j.StartedAt)

	j, err = s.Transition(j.ID, StatusProcessing, StatusCompleted, Payload{
		Summary: "done",
		Signed:  map[string]any{"status": "completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, j.Status)
	assert.Equal(t, "done", j.Summary)
	require.NotNil(t, j.CompletedAt)

	// Terminal: nothing moves a completed job.
	for _, to := range []Status{StatusPending, StatusProcessing, StatusFailed} {
		_, err = s.Transition(j.ID, StatusCompleted, to, Payload{})
		require.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestTransitionGuardsCurrentState(t *testing.T) {
	s := NewStore()
	j := s.Create(newInput(), "n", "p")

	_, err := s.Transition(j.ID, StatusProcessing, StatusCompleted, Payload{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.Transition(j.ID, StatusPending, StatusCompleted, Payload{})
	require.ErrorIs(t, err, ErrInvalidTransition, "skipping processing is not allowed")

	_, err = s.Transition("missing", StatusPending, StatusProcessing, Payload{})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	s := NewStore()
	j := s.Create(newInput(), "n", "p")

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transition(j.ID, StatusPending, StatusProcessing, Payload{}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestFailedJobRequeue(t *testing.T) {
	s := NewStore()
	j := s.Create(newInput(), "n", "p")
	_, err := s.Transition(j.ID, StatusPending, StatusProcessing, Payload{})
	require.NoError(t, err)
	j, err = s.Transition(j.ID, StatusProcessing, StatusFailed, Payload{
		Error: &Failure{Code: "backend_timeout", Message: "deadline exceeded"},
	})
	require.NoError(t, err)
	assert.Equal(t, "backend_timeout", j.Error.Code)

	// failed never moves forward on its own.
	_, err = s.Transition(j.ID, StatusFailed, StatusProcessing, Payload{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	assert.Empty(t, s.Pending(0))
	j, err = s.Requeue(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, j.Status)
	assert.Nil(t, j.Error)
	assert.Equal(t, []string{j.ID}, s.Pending(0))
}

func TestCreateFailedIsNeverPending(t *testing.T) {
	s := NewStore()
	j := s.CreateFailed(newInput(), "n", "p", Failure{Code: "settlement_failed", Message: "facilitator down"})
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "settlement_failed", j.Error.Code)
	require.NotNil(t, j.CompletedAt)
	assert.Empty(t, s.Pending(0))

	_, err := s.Transition(j.ID, StatusPending, StatusProcessing, Payload{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	j, err = s.Requeue(j.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, s.Pending(0))
}

func TestPendingOrderAndLimit(t *testing.T) {
	s := NewStore()
	a := s.Create(newInput(), "1", "p")
	b := s.Create(newInput(), "2", "p")
	c := s.Create(newInput(), "3", "p")

	_, err := s.Transition(b.ID, StatusPending, StatusProcessing, Payload{})
	require.NoError(t, err)

	assert.Equal(t, []string{a.ID, c.ID}, s.Pending(0))
	assert.Equal(t, []string{a.ID}, s.Pending(1))
	assert.Equal(t, map[Status]int{StatusPending: 2, StatusProcessing: 1}, s.Counts())
}

func TestSnapshotsAreIsolated(t *testing.T) {
	s := NewStore()
	j := s.Create(newInput(), "n", "p")
	j.Status = StatusCompleted

	got, err := s.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}
