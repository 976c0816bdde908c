package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ptrus/rofl-x402-service/internal/document"
	"github.com/ptrus/rofl-x402-service/internal/inference"
	"github.com/ptrus/rofl-x402-service/internal/jobs"
	"github.com/ptrus/rofl-x402-service/internal/signing"
)

var text = strings.Repeat("word ", 250)

func newJob(t *testing.T, store *jobs.Store) jobs.Job {
	t.Helper()
	return store.Create(jobs.Input{Document: text, Stats: document.Analyze(text)}, "0x01", "0xpayer")
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, store *jobs.Store, id string) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = store.Get(id)
		return err == nil && job.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func testSigner() *signing.ResponseSigner {
	return signing.NewResponseSigner(signing.NewTestSigner(), "disabled")
}

func TestPoolCompletesAndSigns(t *testing.T) {
	store := jobs.NewStore()
	p := New(store, &inference.Static{Summary: "short"}, testSigner(), Options{Workers: 2, SweepInterval: time.Hour})
	startPool(t, p)

	job := newJob(t, store)
	require.True(t, p.Enqueue(job.ID))

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, "short", done.Summary)
	require.NotNil(t, done.CompletedAt)

	assert.Equal(t, job.ID, done.Signed["job_id"])
	assert.Equal(t, 250, done.Signed["word_count"])
	assert.Equal(t, "2 minutes", done.Signed["reading_time"])
	assert.Equal(t, done.CompletedAt.Unix(), done.Signed["timestamp"])
	require.NoError(t, signing.Verify(done.Signed))
	assert.Eventually(t, func() bool { return p.Stats().Completed == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoolTimeoutFailsJob(t *testing.T) {
	store := jobs.NewStore()
	p := New(store, &inference.Static{Summary: "late", Delay: time.Second}, testSigner(), Options{
		Workers:       1,
		Timeout:       20 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	startPool(t, p)

	job := newJob(t, store)
	p.Enqueue(job.ID)

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, jobs.StatusFailed, done.Status)
	assert.Equal(t, inference.CodeTimeout, done.Error.Code)
	assert.Nil(t, done.Signed)
}

// stuckBackend ignores its context and returns only when released.
type stuckBackend struct {
	release chan struct{}
}

func (stuckBackend) Name() string { return "stuck" }

func (b stuckBackend) Summarize(context.Context, string) (string, error) {
	<-b.release
	return "too late", nil
}

func TestPoolTimeoutWithBackendIgnoringContext(t *testing.T) {
	store := jobs.NewStore()
	backend := stuckBackend{release: make(chan struct{})}
	t.Cleanup(func() { close(backend.release) })

	p := New(store, backend, testSigner(), Options{
		Workers:       1,
		Timeout:       20 * time.Millisecond,
		SweepInterval: time.Hour,
	})
	startPool(t, p)

	first, second := newJob(t, store), newJob(t, store)
	p.Enqueue(first.ID)
	p.Enqueue(second.ID)

	// The single worker is freed by the timeout, so both jobs fail.
	for _, id := range []string{first.ID, second.ID} {
		done := waitTerminal(t, store, id)
		require.Equal(t, jobs.StatusFailed, done.Status)
		assert.Equal(t, inference.CodeTimeout, done.Error.Code)
	}
	assert.Eventually(t, func() bool { return p.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
}

func TestPoolBackendUnavailable(t *testing.T) {
	store := jobs.NewStore()
	backend := &inference.Static{Err: errors.Join(inference.ErrUnavailable, errors.New("connection refused"))}
	p := New(store, backend, testSigner(), Options{Workers: 1, SweepInterval: time.Hour})
	startPool(t, p)

	job := newJob(t, store)
	p.Enqueue(job.ID)

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, jobs.StatusFailed, done.Status)
	assert.Equal(t, inference.CodeUnavailable, done.Error.Code)
}

type brokenSigner struct{}

func (brokenSigner) Sign([]byte) ([]byte, error) { return nil, errors.New("enclave gone") }
func (brokenSigner) PublicKey() []byte          { return signing.NewTestSigner().PublicKey() }

func TestPoolSigningFailureFailsJob(t *testing.T) {
	store := jobs.NewStore()
	signer := signing.NewResponseSigner(brokenSigner{}, "production")
	p := New(store, &inference.Static{Summary: "s"}, signer, Options{Workers: 1, SweepInterval: time.Hour})
	startPool(t, p)

	job := newJob(t, store)
	p.Enqueue(job.ID)

	done := waitTerminal(t, store, job.ID)
	require.Equal(t, jobs.StatusFailed, done.Status)
	assert.Equal(t, CodeSigningUnavailable, done.Error.Code)
	assert.Empty(t, done.Summary)
}

type countingBackend struct {
	calls *atomic.Int64
}

func (c *countingBackend) Name() string { return "counting" }

func (c *countingBackend) Summarize(context.Context, string) (string, error) {
	c.calls.Inc()
	time.Sleep(5 * time.Millisecond)
	return "ok", nil
}

func TestPoolProcessesEachJobOnce(t *testing.T) {
	store := jobs.NewStore()
	backend := &countingBackend{calls: atomic.NewInt64(0)}
	p := New(store, backend, testSigner(), Options{Workers: 4, QueueSize: 64, SweepInterval: time.Hour})

	job := newJob(t, store)
	for i := 0; i < 8; i++ {
		require.True(t, p.Enqueue(job.ID))
	}
	startPool(t, p)

	waitTerminal(t, store, job.ID)
	require.Eventually(t, func() bool { return p.Stats().Queued == 0 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 1, backend.calls.Load())
}

func TestPoolSweepPicksUpOverflow(t *testing.T) {
	store := jobs.NewStore()
	p := New(store, &inference.Static{Summary: "ok"}, testSigner(), Options{
		Workers:       1,
		QueueSize:     1,
		SweepInterval: 10 * time.Millisecond,
	})

	var ids []string
	for i := 0; i < 5; i++ {
		job := newJob(t, store)
		ids = append(ids, job.ID)
		p.Enqueue(job.ID)
	}
	startPool(t, p)

	for _, id := range ids {
		assert.Equal(t, jobs.StatusCompleted, waitTerminal(t, store, id).Status)
	}
}

func TestEnqueueNeverBlocks(t *testing.T) {
	p := New(jobs.NewStore(), &inference.Static{}, testSigner(), Options{Workers: 1, QueueSize: 1})
	assert.True(t, p.Enqueue("a"))
	assert.False(t, p.Enqueue("b"))
}
