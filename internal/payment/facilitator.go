package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// FacilitatorClient delegates verification and settlement to an x402
// facilitator over HTTP.
type FacilitatorClient struct {
	baseURL string
	http    *http.Client
}

// NewFacilitatorClient builds a client for the facilitator at baseURL.
func NewFacilitatorClient(baseURL string, client *http.Client) *FacilitatorClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &FacilitatorClient{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

type facilitatorRequest struct {
	X402Version         int            `json:"x402Version"`
	PaymentPayload      PaymentPayload `json:"paymentPayload"`
	PaymentRequirements Requirements   `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// Verify asks the facilitator whether the payment would settle. A
// negative answer is a rejection; transport failures are errors.
func (f *FacilitatorClient) Verify(ctx context.Context, p *Proof, req Requirements) error {
	var v verifyResponse
	if err := f.post(ctx, "/verify", newFacilitatorRequest(p, req), &v); err != nil {
		return err
	}
	if !v.IsValid {
		return reject(ReasonUnverifiableReceipt, "facilitator: %s", v.InvalidReason)
	}
	return nil
}

// Settle asks the facilitator to execute the authorization.
func (f *FacilitatorClient) Settle(ctx context.Context, p *Proof, req Requirements) (*Settlement, error) {
	var s Settlement
	if err := f.post(ctx, "/settle", newFacilitatorRequest(p, req), &s); err != nil {
		return nil, err
	}
	if !s.Success {
		return nil, reject(ReasonSettlementNotConfirmed, "facilitator: %s", s.ErrorReason)
	}
	return &s, nil
}

func newFacilitatorRequest(p *Proof, req Requirements) facilitatorRequest {
	return facilitatorRequest{X402Version: Version, PaymentPayload: p.Raw, PaymentRequirements: req}
}

func (f *FacilitatorClient) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("facilitator %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode facilitator %s response: %w", path, err)
	}
	return nil
}
