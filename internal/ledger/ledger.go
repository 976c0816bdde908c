// Package ledger records which payment proofs have been spent. A nonce can
// be consumed at most once, across all replicas sharing a backend.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of TryConsume.
type Outcome int

const (
	Consumed Outcome = iota
	AlreadyConsumed
)

func (o Outcome) String() string {
	if o == Consumed {
		return "consumed"
	}
	return "already_consumed"
}

var ErrNotFound = errors.New("nonce not consumed")

// Record describes a consumed proof. ClaimID identifies the TryConsume call
// that inserted it, so a retried insert can recognise its own write.
type Record struct {
	Nonce       string    `json:"nonce" bson:"_id"`
	ClaimID     string    `json:"claim_id" bson:"claim_id"`
	Payer       string    `json:"payer" bson:"payer"`
	Network     string    `json:"network" bson:"network"`
	Resource    string    `json:"resource" bson:"resource"`
	Transaction string    `json:"transaction,omitempty" bson:"transaction,omitempty"`
	ConsumedAt  time.Time `json:"consumed_at" bson:"consumed_at"`
}

// NewRecord stamps a record with a fresh claim id and the current time.
func NewRecord(nonce, payer, network, resource, tx string) Record {
	return Record{
		Nonce:       nonce,
		ClaimID:     uuid.NewString(),
		Payer:       payer,
		Network:     network,
		Resource:    resource,
		Transaction: tx,
		ConsumedAt:  time.Now().UTC(),
	}
}

// Ledger is the set of consumed nonces. TryConsume is atomic: of any number
// of concurrent calls with the same nonce exactly one sees Consumed.
type Ledger interface {
	TryConsume(ctx context.Context, rec Record) (Outcome, error)
	// Lookup returns the record for nonce or ErrNotFound.
	Lookup(ctx context.Context, nonce string) (Record, error)
	Close() error
}

// IsConsumed is a read-only check used to reject replays before any
// settlement work is done.
func IsConsumed(ctx context.Context, l Ledger, nonce string) (bool, error) {
	_, err := l.Lookup(ctx, nonce)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
