package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Keymanager talks to the TEE application daemon that derives the
// instance signing key. The key never leaves the enclave boundary the
// daemon runs in; this process only receives it over a local socket.
type Keymanager struct {
	baseURL string
	http    *http.Client
}

// NewKeymanager builds a client for the daemon listening on socketPath.
func NewKeymanager(socketPath string) *Keymanager {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Keymanager{
		baseURL: "http://localhost",
		http:    &http.Client{Transport: transport, Timeout: 30 * time.Second},
	}
}

// NewKeymanagerHTTP builds a client for a daemon reachable over TCP.
func NewKeymanagerHTTP(baseURL string, client *http.Client) *Keymanager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Keymanager{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

type generateKeyRequest struct {
	KeyID string `json:"key_id"`
	Kind  string `json:"kind"`
}

type generateKeyResponse struct {
	Key string `json:"key"`
}

// GenerateSigner asks the daemon for the secp256k1 key identified by keyID.
// The daemon derives the same key for the same app and keyID on every start.
func (k *Keymanager) GenerateSigner(ctx context.Context, keyID string) (*ECDSASigner, error) {
	var resp generateKeyResponse
	if err := k.post(ctx, "/rofl/v1/keys/generate", generateKeyRequest{KeyID: keyID, Kind: "secp256k1"}, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	if resp.Key == "" {
		return nil, fmt.Errorf("%w: empty key returned", ErrSigningUnavailable)
	}
	return NewSignerFromHex(resp.Key)
}

// SetMetadata publishes key/value metadata for the running instance.
func (k *Keymanager) SetMetadata(ctx context.Context, md map[string]string) error {
	return k.post(ctx, "/rofl/v1/metadata", md, nil)
}

func (k *Keymanager) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("keymanager %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		// The metadata endpoint answers 200 with an empty body.
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
