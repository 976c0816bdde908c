package payment

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Settler confirms and executes payment for an authenticated
// authorization. Verify must not move funds; Settle may. Callers spend the
// proof in the ledger between the two calls.
type Settler interface {
	Verify(ctx context.Context, p *Proof, req Requirements) error
	Settle(ctx context.Context, p *Proof, req Requirements) (*Settlement, error)
}

// validityAllowance is the clock skew tolerated on top of the advertised
// maxTimeoutSeconds when bounding an authorization's validBefore.
const validityAllowance = 30 * time.Second

// Verifier decides whether a proof satisfies the requirements for a
// resource and settles accepted proofs.
type Verifier struct {
	settler Settler
	now     func() time.Time
}

// NewVerifier returns a verifier that delegates settlement to s. A nil
// settler accepts any authentic proof.
func NewVerifier(s Settler) *Verifier {
	if s == nil {
		s = NoopSettler{}
	}
	return &Verifier{settler: s, now: time.Now}
}

// WithClock overrides the time source used for the validity window.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify runs the checks in order and stops at the first failure. Nothing
// it does moves funds. The returned error is always a *Rejection.
func (v *Verifier) Verify(ctx context.Context, p *Proof, req Requirements) error {
	if p.Raw.X402Version != Version || p.Raw.Scheme != req.Scheme {
		return reject(ReasonInvalidScheme, "version %d scheme %q", p.Raw.X402Version, p.Raw.Scheme)
	}
	if p.Raw.Network != req.Network {
		return reject(ReasonWrongNetwork, "proof for %q, expected %q", p.Raw.Network, req.Network)
	}
	if p.Raw.Resource != "" && !sameResource(p.Raw.Resource, req.Resource) {
		return reject(ReasonWrongResource, "proof for %q", p.Raw.Resource)
	}
	if p.Raw.Asset != "" && !sameAddress(p.Raw.Asset, req.Asset) {
		return reject(ReasonUnverifiableReceipt, "proof for asset %s", p.Raw.Asset)
	}
	if p.Value.Cmp(req.Price) < 0 {
		return reject(ReasonInsufficientAmount, "paid %s, required %s", p.Value, req.Price)
	}
	if !sameAddress(p.To.Hex(), req.PayTo) {
		return reject(ReasonWrongRecipient, "paid to %s", p.To.Hex())
	}

	at := v.now()
	now := big.NewInt(at.Unix())
	if now.Cmp(p.ValidAfter) <= 0 || now.Cmp(p.ValidBefore) >= 0 {
		return reject(ReasonAuthorizationExpired, "valid in (%s, %s), now %s", p.ValidAfter, p.ValidBefore, now)
	}
	// No accepted authorization may outlive the advertised window.
	if req.MaxTimeoutSeconds > 0 {
		limit := at.Add(time.Duration(req.MaxTimeoutSeconds)*time.Second + validityAllowance)
		if p.ValidBefore.Cmp(big.NewInt(limit.Unix())) > 0 {
			return reject(ReasonAuthorizationTooLong, "valid before %s, at most %d allowed", p.ValidBefore, limit.Unix())
		}
	}

	signer, err := RecoverAuthorizer(p, req)
	if err != nil {
		return reject(ReasonUnverifiableReceipt, "recover signer: %v", err)
	}
	if signer != p.From {
		return reject(ReasonUnverifiableReceipt, "signed by %s, not %s", signer.Hex(), p.From.Hex())
	}

	if err := v.settler.Verify(ctx, p, req); err != nil {
		return asRejection(err, p, "Payment verification failed")
	}
	return nil
}

// Settle executes the payment for a proof that passed Verify. The
// returned error is always a *Rejection.
func (v *Verifier) Settle(ctx context.Context, p *Proof, req Requirements) (*Settlement, error) {
	s, err := v.settler.Settle(ctx, p, req)
	if err != nil {
		return nil, asRejection(err, p, "Settlement failed")
	}
	if !s.Success {
		return nil, reject(ReasonSettlementNotConfirmed, "%s", s.ErrorReason)
	}
	if s.Payer == "" {
		s.Payer = p.Payer()
	}
	if s.Network == "" {
		s.Network = req.Network
	}
	return s, nil
}

func asRejection(err error, p *Proof, msg string) *Rejection {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	logrus.WithError(err).WithField("payer", p.Payer()).Warn(msg)
	return reject(ReasonSettlementNotConfirmed, "%v", err)
}

// NoopSettler accepts authentic proofs without contacting anyone. The
// authorization is only checked locally.
type NoopSettler struct{}

func (NoopSettler) Verify(context.Context, *Proof, Requirements) error { return nil }

func (NoopSettler) Settle(_ context.Context, p *Proof, req Requirements) (*Settlement, error) {
	return &Settlement{Success: true, Network: req.Network, Payer: p.Payer()}, nil
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
