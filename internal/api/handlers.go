package api

import (
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/ptrus/rofl-x402-service/internal/document"
	"github.com/ptrus/rofl-x402-service/internal/jobs"
	"github.com/ptrus/rofl-x402-service/internal/payment"
	"github.com/ptrus/rofl-x402-service/internal/pipeline"
)

// maxBodyBytes leaves room for JSON escaping of a maximum length document.
const maxBodyBytes = 4*document.MaxLength + 4096

// handleInfo handles GET /
func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int)
	for status, n := range s.pipeline.Counts() {
		counts[string(status)] = n
	}
	info := ServiceInfo{
		Service:    "ROFL x402 Document Summarization",
		Endpoint:   "POST " + SummarizePath,
		Price:      s.pipeline.Policy().DisplayPrice(),
		Network:    s.pipeline.Policy().Network,
		AIProvider: s.opts.Provider,
		Jobs:       counts,
	}
	if s.stats != nil {
		info.Workers = s.stats.Stats()
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSubmit handles POST /summarize-doc
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		// An unreadable body still tells an unpaid caller what to pay.
		if r.Header.Get(payment.HeaderPayment) == "" {
			s.writePaymentRequired(w, &payment.Rejection{Reason: payment.ReasonPaymentRequired}, "")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	defer r.Body.Close()

	sub, err := s.pipeline.Submit(r.Context(), r.Header.Get(payment.HeaderPayment), s.Resource(), pipeline.Request{
		Document: req.Document,
		Format:   req.Format,
	})
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}

	if header, err := payment.EncodeSettlement(sub.Settlement); err == nil {
		w.Header().Set(payment.HeaderPaymentResponse, header)
	} else {
		logrus.WithError(err).Warn("Could not encode settlement header")
	}

	writeJSON(w, http.StatusOK, SubmitResponse{
		JobID:     sub.Job.ID,
		Status:    string(sub.Job.Status),
		StatusURL: SummarizePath + "/" + sub.Job.ID,
		Provider:  s.opts.Provider,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	var (
		rej     *payment.Rejection
		settled *pipeline.SettlementError
	)
	switch {
	case errors.As(err, &settled) && errors.As(err, &rej):
		s.writePaymentRequired(w, rej, settled.JobID)
	case errors.As(err, &rej):
		s.writePaymentRequired(w, rej, "")
	case errors.Is(err, pipeline.ErrPaymentReplayed):
		s.writePaymentRequired(w, &payment.Rejection{Reason: payment.ReasonProofAlreadyUsed, Detail: err.Error()}, "")
	case errors.Is(err, document.ErrTooShort), errors.Is(err, document.ErrTooLong), errors.Is(err, document.ErrFormat):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payment ledger unavailable, no funds were moved")
	default:
		logrus.WithError(err).Error("Submission failed")
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
	}
}

// writePaymentRequired answers 402. jobID is set when the proof was spent
// but settlement failed, so the caller can quote it to an operator.
func (s *Server) writePaymentRequired(w http.ResponseWriter, rej *payment.Rejection, jobID string) {
	body := PaymentRequiredResponse{
		PaymentRequired: payment.NewPaymentRequired(rej.Reason, s.pipeline.Requirements(s.Resource())),
		Reason:          rej.Reason,
		JobID:           jobID,
	}
	body.Error = rej.Error()
	writeJSON(w, http.StatusPaymentRequired, body)
}

// handleStatus handles GET /summarize-doc/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body, err := s.pipeline.Status(chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSigningKey handles GET /signing-key
func (s *Server) handleSigningKey(w http.ResponseWriter, _ *http.Request) {
	resp := SigningKeyResponse{
		PublicKey:       s.signer.PublicKeyHex(),
		Mode:            s.signer.Mode(),
		AttestationType: s.opts.AttestationType,
	}
	if len(s.opts.Attestation) > 0 {
		resp.Attestation = hex.EncodeToString(s.opts.Attestation)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRequeue handles POST /admin/jobs/{id}/requeue
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	job, err := s.pipeline.Requeue(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": string(job.Status)})
	}
}

// requireAdmin rejects requests without the configured bearer token. With
// no token configured the admin routes are disabled.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeError(w, http.StatusNotFound, "admin API disabled")
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		logrus.WithError(err).Debug("Could not write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
