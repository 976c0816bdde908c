package jobs

import (
	"time"

	"github.com/ptrus/rofl-x402-service/internal/document"
)

// Status of a Job. The ordering pending < processing < {completed, failed}
// is the only direction a job may move, apart from the administrative
// failed -> pending requeue.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Rank orders statuses for monotonicity checks; both terminal states share
// the highest rank.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Input is the document payload with the stats derived at creation.
type Input struct {
	Document string
	Format   string
	document.Stats
}

// Failure is the categorized error recorded on a failed job.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is one unit of billed work. Values handed out by the Store are
// snapshots; mutating them has no effect on stored state.
type Job struct {
	ID           string
	Status       Status
	Input        Input
	Summary      string
	Error        *Failure
	PaymentNonce string
	Payer        string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	// Signed is the cached signed response body of a completed job.
	Signed map[string]any
}

// Payload carries what a transition attaches to the job.
type Payload struct {
	Summary     string
	Error       *Failure
	Signed      map[string]any
	CompletedAt time.Time
}
