// Package worker runs summarization jobs in the background.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/ptrus/rofl-x402-service/internal/inference"
	"github.com/ptrus/rofl-x402-service/internal/jobs"
	"github.com/ptrus/rofl-x402-service/internal/signing"
)

// CodeSigningUnavailable marks a job whose summary could not be signed.
const CodeSigningUnavailable = "signing_unavailable"

// Options tunes a Pool. Zero values get defaults.
type Options struct {
	Workers       int
	QueueSize     int
	Timeout       time.Duration
	SweepInterval time.Duration
}

// Pool moves jobs from pending to a terminal state with a fixed number of
// workers. Enqueue never blocks; ids that do not fit in the queue are
// picked up by the periodic sweep of pending jobs.
type Pool struct {
	store   *jobs.Store
	backend inference.Backend
	signer  *signing.ResponseSigner
	opts    Options

	queue     chan string
	inFlight  *atomic.Int64
	completed *atomic.Int64
	failed    *atomic.Int64
}

// New builds a pool. Run must be called to start processing.
func New(store *jobs.Store, backend inference.Backend, signer *signing.ResponseSigner, opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = opts.Workers * 16
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 2 * time.Second
	}
	return &Pool{
		store:     store,
		backend:   backend,
		signer:    signer,
		opts:      opts,
		queue:     make(chan string, opts.QueueSize),
		inFlight:  atomic.NewInt64(0),
		completed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
	}
}

// Enqueue offers a pending job to the workers. It reports false when the
// queue is full; the job stays pending and the sweep retries it.
func (p *Pool) Enqueue(id string) bool {
	select {
	case p.queue <- id:
		return true
	default:
		return false
	}
}

// Stats is a point-in-time view of the pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Queued    int   `json:"queued"`
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.opts.Workers,
		Queued:    len(p.queue),
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Run starts the workers and the sweep loop and blocks until ctx is
// cancelled and every in-flight job has finished. Jobs already claimed are
// allowed to finish after cancellation, bounded by the job timeout.
func (p *Pool) Run(ctx context.Context) error {
	logrus.Infof("Starting worker pool | workers=%d queue=%d timeout=%s", p.opts.Workers, cap(p.queue), p.opts.Timeout)

	var wg sync.WaitGroup
	worker := func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-p.queue:
				p.process(ctx, id)
			}
		}
	}

	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go worker()
	}

	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

sweep:
	for {
		select {
		case <-ctx.Done():
			break sweep
		case <-ticker.C:
			p.sweep()
		}
	}

	wg.Wait()
	logrus.Info("Worker pool stopped")
	return nil
}

func (p *Pool) sweep() {
	free := cap(p.queue) - len(p.queue)
	if free <= 0 {
		return
	}
	for _, id := range p.store.Pending(free) {
		if !p.Enqueue(id) {
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, id string) {
	job, err := p.store.Transition(id, jobs.StatusPending, jobs.StatusProcessing, jobs.Payload{})
	if err != nil {
		// Another worker claimed it, or the id was queued twice.
		if !errors.Is(err, jobs.ErrInvalidTransition) {
			logrus.WithError(err).WithField("job_id", id).Warn("Could not claim job")
		}
		return
	}

	p.inFlight.Inc()
	defer p.inFlight.Dec()

	log := logrus.WithFields(logrus.Fields{"job_id": id, "provider": p.backend.Name()})
	start := time.Now()

	summary, err := p.summarize(ctx, job.Input.Document)
	if err != nil {
		p.fail(id, inference.Code(err), err)
		return
	}

	completedAt := time.Now().UTC()
	signed, err := p.signer.Sign(ResultBody(job, summary, p.backend.Name(), completedAt))
	if err != nil {
		p.fail(id, CodeSigningUnavailable, err)
		return
	}

	if _, err := p.store.Transition(id, jobs.StatusProcessing, jobs.StatusCompleted, jobs.Payload{
		Summary:     summary,
		Signed:      signed,
		CompletedAt: completedAt,
	}); err != nil {
		log.WithError(err).Error("Could not complete job")
		return
	}

	p.completed.Inc()
	log.Infof("[OK] Job completed | words=%d time=%.2fs", job.Input.Words, time.Since(start).Seconds())
}

type summaryResult struct {
	summary string
	err     error
}

// summarize bounds the backend call by the job timeout even when the
// backend ignores its context. A backend that overruns keeps its goroutine
// until it returns; the result is discarded.
func (p *Pool) summarize(ctx context.Context, doc string) (string, error) {
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.Timeout)
	defer cancel()

	done := make(chan summaryResult, 1)
	go func() {
		summary, err := p.backend.Summarize(jctx, doc)
		done <- summaryResult{summary: summary, err: err}
	}()

	select {
	case r := <-done:
		return r.summary, r.err
	case <-jctx.Done():
		return "", jctx.Err()
	}
}

func (p *Pool) fail(id, code string, cause error) {
	_, err := p.store.Transition(id, jobs.StatusProcessing, jobs.StatusFailed, jobs.Payload{
		Error: &jobs.Failure{Code: code, Message: cause.Error()},
	})
	if err != nil {
		logrus.WithError(err).WithField("job_id", id).Error("Could not record job failure")
		return
	}
	p.failed.Inc()
	logrus.WithFields(logrus.Fields{"job_id": id, "code": code}).Warnf("Job failed: %v", cause)
}
