package payment

import "fmt"

// Reason is the machine-readable code carried by a rejected payment.
type Reason string

const (
	ReasonMalformedProof         Reason = "malformed_proof"
	ReasonInvalidScheme          Reason = "invalid_scheme"
	ReasonWrongNetwork           Reason = "wrong_network"
	ReasonWrongResource          Reason = "wrong_resource"
	ReasonWrongRecipient         Reason = "wrong_recipient"
	ReasonInsufficientAmount     Reason = "insufficient_amount"
	ReasonAuthorizationExpired   Reason = "authorization_expired"
	ReasonAuthorizationTooLong   Reason = "authorization_too_long"
	ReasonUnverifiableReceipt    Reason = "unverifiable_receipt"
	ReasonSettlementNotConfirmed Reason = "settlement_not_confirmed"
	ReasonProofAlreadyUsed       Reason = "proof_already_used"
	ReasonPaymentRequired        Reason = "payment_required"
)

// Rejection is returned by Verify for any failing check. It never implies
// a side effect.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
