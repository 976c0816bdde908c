package payment_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptrus/rofl-x402-service/internal/config"
	"github.com/ptrus/rofl-x402-service/internal/payment"
	"github.com/ptrus/rofl-x402-service/internal/payment/paymenttest"
)

const resource = "http://localhost:4021/summarize-doc"

func testPolicy(t *testing.T) *payment.Policy {
	t.Helper()
	p, err := payment.NewPolicy(config.PaymentConfig{
		Address:           "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Network:           "base-sepolia",
		Price:             "$0.001",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		AssetName:         "USDC",
		AssetVersion:      "2",
		AssetDecimals:     6,
		ChainID:           84532,
		MaxTimeoutSeconds: 60,
	})
	require.NoError(t, err)
	return p
}

func signedProof(t *testing.T, req payment.Requirements, opts paymenttest.Options) *payment.Proof {
	t.Helper()
	payer, err := paymenttest.NewPayer()
	require.NoError(t, err)
	header, err := payer.Header(req, opts)
	require.NoError(t, err)
	proof, err := payment.DecodeHeader(header)
	require.NoError(t, err)
	return proof
}

func requireReason(t *testing.T, err error, want payment.Reason) {
	t.Helper()
	var rej *payment.Rejection
	require.True(t, errors.As(err, &rej), "expected rejection, got %v", err)
	assert.Equal(t, want, rej.Reason)
}

func TestParsePrice(t *testing.T) {
	for in, want := range map[string]int64{
		"$0.001": 1000,
		"0.25":   250000,
		"$1":     1000000,
		" 2.5 ":  2500000,
	} {
		got, err := payment.ParsePrice(in, 6)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.Int64(), in)
	}

	for _, bad := range []string{"", "abc", "$0", "-1", "0.0000001"} {
		_, err := payment.ParsePrice(bad, 6)
		assert.Error(t, err, bad)
	}
}

func TestRequirementsShape(t *testing.T) {
	p := testPolicy(t)
	req := p.Requirements(resource)

	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, "1000", req.MaxAmountRequired)
	assert.Equal(t, resource, req.Resource)
	assert.Equal(t, "USDC", req.Extra["name"])
	assert.Equal(t, "$0.001", p.DisplayPrice())

	b, err := json.Marshal(payment.NewPaymentRequired(payment.ReasonPaymentRequired, req))
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(b, &body))
	assert.EqualValues(t, 1, body["x402Version"])
	accepts := body["accepts"].([]any)
	require.Len(t, accepts, 1)
	assert.NotContains(t, accepts[0], "Price")
	assert.Equal(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", accepts[0].(map[string]any)["payTo"])
}

func TestDecodeHeaderMalformed(t *testing.T) {
	_, err := payment.DecodeHeader("")
	requireReason(t, err, payment.ReasonPaymentRequired)

	_, err = payment.DecodeHeader("!!!not-base64!!!")
	requireReason(t, err, payment.ReasonMalformedProof)

	_, err = payment.DecodeHeader(base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1}`)))
	requireReason(t, err, payment.ReasonMalformedProof)
}

func TestNonceKeyIsCaseInsensitive(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	payer, err := paymenttest.NewPayer()
	require.NoError(t, err)

	nonce := paymenttest.RandomNonce()
	nonce[0] = 0xab
	pp, err := payer.Payload(req, paymenttest.Options{Nonce: nonce})
	require.NoError(t, err)

	lower, err := payment.EncodeHeader(pp)
	require.NoError(t, err)
	pp.Payload.Authorization.Nonce = "0x" + upper(pp.Payload.Authorization.Nonce[2:])
	mixed, err := payment.EncodeHeader(pp)
	require.NoError(t, err)

	a, err := payment.DecodeHeader(lower)
	require.NoError(t, err)
	b, err := payment.DecodeHeader(mixed)
	require.NoError(t, err)
	assert.Equal(t, a.NonceKey(), b.NonceKey())
}

func upper(s string) string {
	out := []byte(s)
	for i, c := range out {
		if 'a' <= c && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}

func TestVerifyAcceptsValidProof(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	proof := signedProof(t, req, paymenttest.Options{})

	v := payment.NewVerifier(nil)
	require.NoError(t, v.Verify(context.Background(), proof, req))

	s, err := v.Settle(context.Background(), proof, req)
	require.NoError(t, err)
	assert.True(t, s.Success)
	assert.Equal(t, proof.Payer(), s.Payer)
	assert.Equal(t, "base-sepolia", s.Network)
}

func TestVerifyAcceptsOverpayment(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	proof := signedProof(t, req, paymenttest.Options{Value: big.NewInt(5000)})

	require.NoError(t, payment.NewVerifier(nil).Verify(context.Background(), proof, req))
}

func TestVerifyRejections(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	now := time.Now()

	cases := []struct {
		name   string
		opts   paymenttest.Options
		mutate func(*payment.Proof)
		want   payment.Reason
	}{
		{name: "wrong network", opts: paymenttest.Options{Network: "base"}, want: payment.ReasonWrongNetwork},
		{name: "wrong resource", opts: paymenttest.Options{Resource: "http://other/summarize-doc"}, want: payment.ReasonWrongResource},
		{name: "insufficient", opts: paymenttest.Options{Value: big.NewInt(999)}, want: payment.ReasonInsufficientAmount},
		{name: "wrong recipient", opts: paymenttest.Options{To: "0x0000000000000000000000000000000000000001"}, want: payment.ReasonWrongRecipient},
		{name: "expired", opts: paymenttest.Options{ValidBefore: now.Add(-time.Minute).Unix()}, want: payment.ReasonAuthorizationExpired},
		{name: "not yet valid", opts: paymenttest.Options{ValidAfter: now.Add(time.Hour).Unix(), ValidBefore: now.Add(time.Hour + time.Second).Unix()}, want: payment.ReasonAuthorizationExpired},
		{name: "window too long", opts: paymenttest.Options{ValidBefore: now.Add(24 * time.Hour).Unix()}, want: payment.ReasonAuthorizationTooLong},
		{
			name:   "scheme",
			mutate: func(p *payment.Proof) { p.Raw.Scheme = "upto" },
			want:   payment.ReasonInvalidScheme,
		},
		{
			name:   "tampered value",
			mutate: func(p *payment.Proof) { p.Value = big.NewInt(2000) },
			want:   payment.ReasonUnverifiableReceipt,
		},
		{
			name:   "forged from",
			mutate: func(p *payment.Proof) { p.From = common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66") },
			want:   payment.ReasonUnverifiableReceipt,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			proof := signedProof(t, req, tc.opts)
			if tc.mutate != nil {
				tc.mutate(proof)
			}
			requireReason(t, payment.NewVerifier(nil).Verify(context.Background(), proof, req), tc.want)
		})
	}
}

func TestVerifyRejectsProofForOtherAsset(t *testing.T) {
	p := testPolicy(t)
	req := p.Requirements(resource)
	proof := signedProof(t, req, paymenttest.Options{})

	other := p.Requirements(resource)
	other.Asset = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	requireReason(t, payment.NewVerifier(nil).Verify(context.Background(), proof, other), payment.ReasonUnverifiableReceipt)
}

type stubSettler struct {
	verifyErr  error
	settlement *payment.Settlement
	err        error
	verifies   int
	settles    int
}

func (s *stubSettler) Verify(context.Context, *payment.Proof, payment.Requirements) error {
	s.verifies++
	return s.verifyErr
}

func (s *stubSettler) Settle(context.Context, *payment.Proof, payment.Requirements) (*payment.Settlement, error) {
	s.settles++
	return s.settlement, s.err
}

func TestVerifyDoesNotSettle(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	st := &stubSettler{settlement: &payment.Settlement{Success: true}}

	proof := signedProof(t, req, paymenttest.Options{})
	require.NoError(t, payment.NewVerifier(st).Verify(context.Background(), proof, req))
	assert.Equal(t, 1, st.verifies)
	assert.Zero(t, st.settles)
}

func TestVerifySettlerFailures(t *testing.T) {
	req := testPolicy(t).Requirements(resource)

	t.Run("transport", func(t *testing.T) {
		st := &stubSettler{verifyErr: errors.New("connection refused")}
		proof := signedProof(t, req, paymenttest.Options{})
		requireReason(t, payment.NewVerifier(st).Verify(context.Background(), proof, req), payment.ReasonSettlementNotConfirmed)
	})
	t.Run("rejected", func(t *testing.T) {
		st := &stubSettler{verifyErr: &payment.Rejection{Reason: payment.ReasonUnverifiableReceipt}}
		proof := signedProof(t, req, paymenttest.Options{})
		requireReason(t, payment.NewVerifier(st).Verify(context.Background(), proof, req), payment.ReasonUnverifiableReceipt)
	})
}

func TestSettleFailures(t *testing.T) {
	req := testPolicy(t).Requirements(resource)

	for name, st := range map[string]*stubSettler{
		"transport": {err: errors.New("connection refused")},
		"negative":  {settlement: &payment.Settlement{Success: false, ErrorReason: "insufficient_funds"}},
	} {
		t.Run(name, func(t *testing.T) {
			proof := signedProof(t, req, paymenttest.Options{})
			_, err := payment.NewVerifier(st).Settle(context.Background(), proof, req)
			requireReason(t, err, payment.ReasonSettlementNotConfirmed)
			assert.Equal(t, 1, st.settles)
		})
	}
}

func TestSettlerNotCalledForInvalidProof(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	st := &stubSettler{settlement: &payment.Settlement{Success: true}}

	proof := signedProof(t, req, paymenttest.Options{Value: big.NewInt(1)})
	requireReason(t, payment.NewVerifier(st).Verify(context.Background(), proof, req), payment.ReasonInsufficientAmount)
	assert.Zero(t, st.verifies)
}

func TestValidityWindowFollowsRequirements(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	now := time.Now()
	v := payment.NewVerifier(nil).WithClock(func() time.Time { return now })

	proof := signedProof(t, req, paymenttest.Options{ValidBefore: now.Add(60 * time.Second).Unix()})
	require.NoError(t, v.Verify(context.Background(), proof, req))

	proof = signedProof(t, req, paymenttest.Options{ValidBefore: now.Add(10 * time.Minute).Unix()})
	requireReason(t, v.Verify(context.Background(), proof, req), payment.ReasonAuthorizationTooLong)
}

func TestFacilitatorVerifyThenSettle(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	proof := signedProof(t, req, paymenttest.Options{})

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "paymentPayload")
		assert.Contains(t, body, "paymentRequirements")

		switch r.URL.Path {
		case "/verify":
			json.NewEncoder(w).Encode(map[string]any{"isValid": true, "payer": proof.Payer()})
		case "/settle":
			json.NewEncoder(w).Encode(payment.Settlement{Success: true, Transaction: "0xfeed", Network: "base-sepolia", Payer: proof.Payer()})
		}
	}))
	defer srv.Close()

	v := payment.NewVerifier(payment.NewFacilitatorClient(srv.URL, srv.Client()))
	require.NoError(t, v.Verify(context.Background(), proof, req))
	assert.Equal(t, []string{"/verify"}, paths)

	s, err := v.Settle(context.Background(), proof, req)
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", s.Transaction)
	assert.Equal(t, []string{"/verify", "/settle"}, paths)
}

func TestFacilitatorRejectsInvalid(t *testing.T) {
	req := testPolicy(t).Requirements(resource)
	proof := signedProof(t, req, paymenttest.Options{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"isValid": false, "invalidReason": "invalid_exact_evm_payload_signature"})
	}))
	defer srv.Close()

	err := payment.NewVerifier(payment.NewFacilitatorClient(srv.URL, nil)).Verify(context.Background(), proof, req)
	requireReason(t, err, payment.ReasonUnverifiableReceipt)
}

type fakeChain struct {
	used bool
	tx   common.Hash
}

func (f fakeChain) AuthorizationState(context.Context, common.Address, common.Address, [32]byte) (bool, error) {
	return f.used, nil
}

func (f fakeChain) FindAuthorizationTx(context.Context, common.Address, common.Address, [32]byte, uint64) (common.Hash, error) {
	return f.tx, nil
}

func TestChainSettler(t *testing.T) {
	req := testPolicy(t).Requirements(resource)

	proof := signedProof(t, req, paymenttest.Options{})
	err := payment.NewVerifier(payment.NewChainSettler(fakeChain{}, 100)).Verify(context.Background(), proof, req)
	requireReason(t, err, payment.ReasonSettlementNotConfirmed)

	tx := common.HexToHash("0x01")
	v := payment.NewVerifier(payment.NewChainSettler(fakeChain{used: true, tx: tx}, 100))
	require.NoError(t, v.Verify(context.Background(), proof, req))
	s, err := v.Settle(context.Background(), proof, req)
	require.NoError(t, err)
	assert.Equal(t, tx.Hex(), s.Transaction)
}

func TestEncodeSettlement(t *testing.T) {
	h, err := payment.EncodeSettlement(&payment.Settlement{Success: true, Network: "base-sepolia", Payer: "0xabc"})
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"transaction":"","network":"base-sepolia","payer":"0xabc"}`, string(raw))
}
