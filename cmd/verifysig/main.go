// Command verifysig checks the signature of a completed summarization
// response offline, optionally against the key and attestation published
// by a running service.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ptrus/rofl-x402-service/internal/api"
	"github.com/ptrus/rofl-x402-service/internal/attest"
	"github.com/ptrus/rofl-x402-service/internal/signing"
)

func main() {
	file := flag.String("file", "-", "Signed response JSON file, - for stdin")
	key := flag.String("key", "", "Expected hex public key (overrides the one embedded in the response)")
	service := flag.String("service", "", "Base URL of the service; its /signing-key is fetched and checked")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	data, err := readInput(*file)
	if err != nil {
		log.Fatalf("failed to read response: %v", err)
	}
	resp, err := signing.DecodeJSON(data)
	if err != nil {
		log.Fatalf("failed to parse response: %v", err)
	}

	expected := *key
	if *service != "" {
		published, err := fetchSigningKey(*service)
		if err != nil {
			log.Fatalf("failed to fetch signing key: %v", err)
		}
		if err := checkAttestation(published); err != nil {
			log.Fatalf("attestation check failed: %v", err)
		}
		if expected != "" && !strings.EqualFold(strings.TrimPrefix(expected, "0x"), published.PublicKey) {
			log.Fatalf("published key %s does not match -key %s", published.PublicKey, expected)
		}
		expected = published.PublicKey
		logrus.Infof("Service signing key %s (mode=%s)", published.PublicKey, published.Mode)
	}

	if expected != "" {
		err = signing.VerifyWithKey(resp, expected)
	} else {
		logrus.Warn("No expected key given; checking against the key embedded in the response")
		err = signing.Verify(resp)
	}
	if err != nil {
		log.Fatalf("signature INVALID: %v", err)
	}

	fmt.Printf("signature valid | job_id=%v public_key=%v\n", resp["job_id"], resp[signing.FieldPublicKey])
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func fetchSigningKey(baseURL string) (*api.SigningKeyResponse, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(strings.TrimRight(baseURL, "/") + "/signing-key")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var out api.SigningKeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// checkAttestation verifies that the published quote commits to the
// published key. A service without attestation passes with a warning.
func checkAttestation(k *api.SigningKeyResponse) error {
	if k.AttestationType == "" {
		logrus.Warn("Service publishes no attestation for its signing key")
		return nil
	}
	provider, err := attest.New(k.AttestationType)
	if err != nil {
		return err
	}
	quote, err := hex.DecodeString(k.Attestation)
	if err != nil {
		return fmt.Errorf("decode attestation: %w", err)
	}
	pub, err := hex.DecodeString(k.PublicKey)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if err := provider.Verify(quote, attest.ReportData(pub)); err != nil {
		return err
	}
	logrus.Infof("Attestation (%s) binds the signing key", k.AttestationType)
	return nil
}
