package api

import (
	"github.com/ptrus/rofl-x402-service/internal/payment"
	"github.com/ptrus/rofl-x402-service/internal/worker"
)

// SubmitRequest is the body of POST /summarize-doc.
type SubmitRequest struct {
	Document string `json:"document"`
	Format   string `json:"format,omitempty"` // text (default) | html
}

// SubmitResponse is returned once a paid job has been accepted.
type SubmitResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
	Provider  string `json:"provider"`
}

// PaymentRequiredResponse is the 402 body. It is the x402 descriptor with
// the machine-readable rejection reason alongside. JobID names the failed
// job kept for a spent proof whose settlement did not go through.
type PaymentRequiredResponse struct {
	payment.PaymentRequired
	Reason payment.Reason `json:"reason"`
	JobID  string         `json:"job_id,omitempty"`
}

// ServiceInfo is served at GET /.
type ServiceInfo struct {
	Service    string         `json:"service"`
	Endpoint   string         `json:"endpoint"`
	Price      string         `json:"price"`
	Network    string         `json:"network"`
	AIProvider string         `json:"ai_provider"`
	Jobs       map[string]int `json:"jobs"`
	Workers    worker.Stats   `json:"workers"`
}

// SigningKeyResponse publishes the key completed responses are signed with.
type SigningKeyResponse struct {
	PublicKey       string `json:"public_key"`
	Mode            string `json:"mode"`
	AttestationType string `json:"attestation_type,omitempty"`
	Attestation     string `json:"attestation,omitempty"` // hex encoded quote
}

// ErrorResponse carries a human readable error.
type ErrorResponse struct {
	Error string `json:"error"`
}
