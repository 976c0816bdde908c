// Package attest binds the response signing key to the TEE the service
// runs in. The report data of a quote is the SHA-256 of the compressed
// signing public key, zero padded to 64 bytes.
package attest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/go-tdx-guest/abi"
	"github.com/google/go-tdx-guest/client"
	proto_checkconfig "github.com/google/go-tdx-guest/proto/checkconfig"
	proto "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/validate"
	"github.com/google/go-tdx-guest/verify"
)

// Provider produces and checks attestations over 64 bytes of report data.
type Provider interface {
	AttestationType() string
	Attest(reportData [64]byte) ([]byte, error)
	Verify(attestation []byte, expectedReportData [64]byte) error
}

// ReportData derives the report data committing to pubKey.
func ReportData(pubKey []byte) [64]byte {
	var rd [64]byte
	sum := sha256.Sum256(pubKey)
	copy(rd[:], sum[:])
	return rd
}

// New returns the provider for name: none, dummy or tdx. "none" yields nil.
// The attestation type a provider reports is accepted as a name as well.
func New(name string) (Provider, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "dummy", "dummy-tdx":
		return &DummyProvider{}, nil
	case "tdx", "dcap-tdx":
		return &TDXProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported attestation provider: %s", name)
	}
}

// TDXProvider generates quotes through the configfs TSM interface of a TDX
// guest.
type TDXProvider struct{}

func (p *TDXProvider) AttestationType() string {
	return "dcap-tdx"
}

func (p *TDXProvider) Attest(reportData [64]byte) ([]byte, error) {
	qp := &client.LinuxConfigFsQuoteProvider{}
	return qp.GetRawQuote(reportData)
}

func (p *TDXProvider) Verify(attestation []byte, expectedReportData [64]byte) error {
	return VerifyDCAP(attestation, expectedReportData[:])
}

func mustDecodeHex(data string) []byte {
	decoded, err := hex.DecodeString(data)
	if err != nil {
		panic(err.Error())
	}
	return decoded
}

// VerifyDCAP checks the quote's certificate chain and that it carries
// expectedReportData.
func VerifyDCAP(attestation []byte, expectedReportData []byte) error {
	anyQuote, err := abi.QuoteToProto(attestation)
	if err != nil {
		return fmt.Errorf("could not convert raw bytes to QuoteV4: %v", err)
	}
	quote, ok := anyQuote.(*proto.QuoteV4)
	if !ok {
		return errors.New("quote is not a QuoteV4")
	}

	config := &proto_checkconfig.Config{
		RootOfTrust: &proto_checkconfig.RootOfTrust{
			CheckCrl:      true,
			GetCollateral: true,
		},
		Policy: &proto_checkconfig.Policy{
			HeaderPolicy: &proto_checkconfig.HeaderPolicy{
				QeVendorId: mustDecodeHex("939a7233f79c4ca9940a0db3957f0607"),
			},
			TdQuoteBodyPolicy: &proto_checkconfig.TDQuoteBodyPolicy{
				ReportData: expectedReportData,
			},
		},
	}

	options, err := verify.RootOfTrustToOptions(config.RootOfTrust)
	if err != nil {
		return fmt.Errorf("converting root of trust to options: %w", err)
	}
	if err := verify.TdxQuote(quote, options); err != nil {
		return fmt.Errorf("verifying TDX quote: %w", err)
	}

	opts, err := validate.PolicyToOptions(config.Policy)
	if err != nil {
		return fmt.Errorf("converting policy to options: %w", err)
	}
	if err := validate.TdxQuote(quote, opts); err != nil {
		return fmt.Errorf("validating TDX quote: %w", err)
	}
	return nil
}

// DummyProvider echoes the report data. It lets clients exercise the
// attestation flow on machines without TEE hardware.
type DummyProvider struct{}

func (p *DummyProvider) AttestationType() string {
	return "dummy-tdx"
}

func (p *DummyProvider) Attest(reportData [64]byte) ([]byte, error) {
	ret := make([]byte, len(reportData))
	copy(ret, reportData[:])
	return ret, nil
}

func (p *DummyProvider) Verify(attestation []byte, expectedReportData [64]byte) error {
	if !bytes.Equal(attestation, expectedReportData[:]) {
		return errors.New("attestation mismatch")
	}
	return nil
}
