package jobs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
)

// allowed lists every legal edge of the lifecycle.
var allowed = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

func edgeAllowed(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store owns every Job. All mutation goes through Create, CreateFailed and
// Transition so that the compare-and-set on status is the single point that
// arbitrates between concurrent workers.
type Store struct {
	mu    sync.RWMutex
	jobs  map[string]*Job
	order []string // creation order, used by Pending
	now   func() time.Time
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create allocates a pending job for an already spent payment proof and
// returns immediately.
func (s *Store) Create(in Input, nonce, payer string) Job {
	return s.insert(in, nonce, payer, nil)
}

// CreateFailed records a job for a spent proof whose payment did not
// settle. It starts failed, so workers never pick it up and an operator can
// requeue it once the payment is confirmed.
func (s *Store) CreateFailed(in Input, nonce, payer string, f Failure) Job {
	return s.insert(in, nonce, payer, &f)
}

func (s *Store) insert(in Input, nonce, payer string, failure *Failure) Job {
	now := s.now().UTC()
	j := &Job{
		ID:           uuid.NewString(),
		Status:       StatusPending,
		Input:        in,
		PaymentNonce: nonce,
		Payer:        payer,
		CreatedAt:    now,
	}
	if failure != nil {
		j.Status = StatusFailed
		j.Error = failure
		j.CompletedAt = &now
	}

	s.mu.Lock()
	s.jobs[j.ID] = j
	if failure == nil {
		s.order = append(s.order, j.ID)
	}
	s.mu.Unlock()

	return snapshot(j)
}

// Get returns a snapshot of the job. It never mutates state.
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return snapshot(j), nil
}

// Transition moves the job from `from` to `to` and attaches the payload.
// It fails with ErrInvalidTransition when the job is not currently in
// `from`, which is how a second worker loses a claim race.
func (s *Store) Transition(id string, from, to Status, p Payload) (Job, error) {
	if !edgeAllowed(from, to) {
		return Job{}, fmt.Errorf("%w: %s -> %s is not a lifecycle edge", ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	if j.Status != from {
		return Job{}, fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, id, j.Status, from)
	}

	now := s.now().UTC()
	switch to {
	case StatusProcessing:
		j.StartedAt = &now
	case StatusCompleted:
		at := p.CompletedAt
		if at.IsZero() {
			at = now
		}
		j.CompletedAt = &at
		j.Summary = p.Summary
		j.Signed = cloneMap(p.Signed)
	case StatusFailed:
		j.CompletedAt = &now
		j.Error = p.Error
		if j.Error == nil {
			j.Error = &Failure{Code: "unknown", Message: "job failed"}
		}
	case StatusPending:
		j.StartedAt = nil
		j.CompletedAt = nil
		j.Error = nil
		s.order = append(s.order, id)
	}
	j.Status = to

	return snapshot(j), nil
}

// Requeue is the administrative failed -> pending transition.
func (s *Store) Requeue(id string) (Job, error) {
	return s.Transition(id, StatusFailed, StatusPending, Payload{})
}

// Pending returns up to limit ids of pending jobs, oldest first. A limit
// <= 0 means no limit. Entries of jobs that already left pending are pruned.
func (s *Store) Pending(limit int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		ids  []string
		keep = s.order[:0]
		seen = make(map[string]struct{}, len(s.order))
	)
	for _, id := range s.order {
		j, ok := s.jobs[id]
		if !ok || j.Status != StatusPending {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		keep = append(keep, id)
		if limit <= 0 || len(ids) < limit {
			ids = append(ids, id)
		}
	}
	s.order = keep
	return ids
}

// Counts returns the number of jobs per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[Status]int, 4)
	for _, j := range s.jobs {
		out[j.Status]++
	}
	return out
}

func snapshot(j *Job) Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	c.Signed = cloneMap(j.Signed)
	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
