// Package pipeline gates job creation on a verified, unspent payment and
// serves job status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ptrus/rofl-x402-service/internal/document"
	"github.com/ptrus/rofl-x402-service/internal/jobs"
	"github.com/ptrus/rofl-x402-service/internal/ledger"
	"github.com/ptrus/rofl-x402-service/internal/payment"
	"github.com/ptrus/rofl-x402-service/internal/sink"
)

// ErrPaymentReplayed is returned when the proof's nonce was already spent.
var ErrPaymentReplayed = errors.New("payment proof already used")

// ErrLedgerUnavailable wraps ledger transport failures. The proof is not
// spent and no funds have moved when it is returned.
var ErrLedgerUnavailable = errors.New("payment ledger unavailable")

// CodeSettlementFailed marks jobs whose proof was spent but whose payment
// did not settle.
const CodeSettlementFailed = "settlement_failed"

// SettlementError reports a proof that was spent in the ledger but whose
// settlement failed. The job is kept failed so an operator can requeue it
// once the payment is confirmed. Err is a *payment.Rejection.
type SettlementError struct {
	JobID string
	Err   error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement failed for job %s: %v", e.JobID, e.Err)
}

func (e *SettlementError) Unwrap() error {
	return e.Err
}

// Enqueuer hands accepted jobs to the workers.
type Enqueuer interface {
	Enqueue(id string) bool
}

// Pipeline owns the order of operations for a paid submission.
type Pipeline struct {
	policy   *payment.Policy
	verifier *payment.Verifier
	ledger   ledger.Ledger
	store    *jobs.Store
	queue    Enqueuer
	audit    sink.Sink
}

// New wires a pipeline. A nil audit sink discards events.
func New(policy *payment.Policy, verifier *payment.Verifier, l ledger.Ledger, store *jobs.Store, queue Enqueuer, audit sink.Sink) *Pipeline {
	if audit == nil {
		audit = sink.Nop{}
	}
	return &Pipeline{
		policy:   policy,
		verifier: verifier,
		ledger:   l,
		store:    store,
		queue:    queue,
		audit:    audit,
	}
}

// Policy exposes the payment policy, e.g. for the service info endpoint.
func (p *Pipeline) Policy() *payment.Policy {
	return p.policy
}

// Requirements is what a caller must pay to submit to resource.
func (p *Pipeline) Requirements(resource string) payment.Requirements {
	return p.policy.Requirements(resource)
}

// Request is a document submission.
type Request struct {
	Document string
	Format   string
}

// Submission is an accepted job and the settlement that paid for it.
type Submission struct {
	Job        jobs.Job
	Settlement *payment.Settlement
}

// Submit checks the payment header, spends the proof and creates a job.
//
// The document is validated before the payment is looked at, so a bad
// document never costs the caller their proof. The ledger is consulted
// read-only before verification to report replays without contacting a
// settler; TryConsume remains the only atomic guard. Funds only move in
// Settle, after the proof is spent, so a ledger failure never leaves a
// settled payment without a job.
func (p *Pipeline) Submit(ctx context.Context, paymentHeader, resource string, r Request) (Submission, error) {
	proof, err := payment.DecodeHeader(paymentHeader)
	if err != nil {
		return Submission{}, err
	}

	text, err := document.Normalize(r.Document, r.Format)
	if err != nil {
		return Submission{}, err
	}

	nonce := proof.NonceKey()
	log := logrus.WithFields(logrus.Fields{"nonce": nonce, "payer": proof.Payer()})

	used, err := ledger.IsConsumed(ctx, p.ledger, nonce)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if used {
		log.Info("Rejected replayed payment")
		return Submission{}, ErrPaymentReplayed
	}

	req := p.Requirements(resource)
	if err := p.verifier.Verify(ctx, proof, req); err != nil {
		log.WithError(err).Info("Rejected payment")
		return Submission{}, err
	}

	out, err := p.ledger.TryConsume(ctx, ledger.NewRecord(nonce, proof.Payer(), req.Network, req.Resource, ""))
	if err != nil {
		log.WithError(err).Error("Could not record payment")
		return Submission{}, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if out == ledger.AlreadyConsumed {
		log.Info("Rejected replayed payment")
		return Submission{}, ErrPaymentReplayed
	}

	input := jobs.Input{
		Document: text,
		Format:   r.Format,
		Stats:    document.Analyze(text),
	}
	fields := map[string]interface{}{
		"nonce":    nonce,
		"payer":    proof.Payer(),
		"amount":   proof.Value.String(),
		"network":  req.Network,
		"resource": req.Resource,
	}

	settlement, err := p.verifier.Settle(ctx, proof, req)
	if err != nil {
		job := p.store.CreateFailed(input, nonce, proof.Payer(), jobs.Failure{Code: CodeSettlementFailed, Message: err.Error()})
		fields["job_id"] = job.ID
		fields["settled"] = false
		fields["transaction"] = ""
		p.record(ctx, sink.NewEvent(sink.KindPaymentConsumed, fields))
		log.WithError(err).WithField("job_id", job.ID).Error("Payment spent but not settled")
		return Submission{}, &SettlementError{JobID: job.ID, Err: err}
	}

	job := p.store.Create(input, nonce, proof.Payer())
	fields["job_id"] = job.ID
	fields["settled"] = true
	fields["transaction"] = settlement.Transaction
	p.record(ctx, sink.NewEvent(sink.KindPaymentConsumed, fields))

	if !p.queue.Enqueue(job.ID) {
		log.WithField("job_id", job.ID).Debug("Worker queue full, job left for sweep")
	}

	log.WithFields(logrus.Fields{"job_id": job.ID, "words": job.Input.Words}).Info("Accepted paid job")
	return Submission{Job: job, Settlement: settlement}, nil
}

// Status returns the client view of a job. Completed jobs return their
// signed body, the same one on every call.
func (p *Pipeline) Status(id string) (map[string]any, error) {
	job, err := p.store.Get(id)
	if err != nil {
		return nil, err
	}
	if job.Status == jobs.StatusCompleted && job.Signed != nil {
		return job.Signed, nil
	}

	body := map[string]any{
		"job_id":     job.ID,
		"status":     string(job.Status),
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.Error != nil {
		body["error"] = job.Error.Message
		body["error_code"] = job.Error.Code
	}
	return body, nil
}

// Requeue moves a failed job back to pending and offers it to the workers.
func (p *Pipeline) Requeue(ctx context.Context, id string) (jobs.Job, error) {
	job, err := p.store.Requeue(id)
	if err != nil {
		return jobs.Job{}, err
	}
	p.record(ctx, sink.NewEvent(sink.KindJobRequeued, map[string]interface{}{
		"job_id": job.ID,
		"nonce":  job.PaymentNonce,
	}))
	p.queue.Enqueue(job.ID)
	logrus.WithField("job_id", id).Info("Requeued failed job")
	return job, nil
}

// Counts reports the number of jobs per status.
func (p *Pipeline) Counts() map[jobs.Status]int {
	return p.store.Counts()
}

func (p *Pipeline) record(ctx context.Context, evt sink.Event) {
	if err := p.audit.Write(ctx, evt); err != nil {
		logrus.WithError(err).WithField("kind", evt.Kind()).Error("Audit write failed")
	}
}
