// Package inference produces document summaries with a language model.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ptrus/rofl-x402-service/internal/config"
)

// Backend turns a document into a summary. Implementations must honour
// ctx cancellation.
type Backend interface {
	Summarize(ctx context.Context, document string) (string, error)
	Name() string
}

var (
	ErrUnavailable = errors.New("inference backend unavailable")
	ErrBackend     = errors.New("inference backend error")
)

// Failure codes recorded on failed jobs.
const (
	CodeTimeout     = "backend_timeout"
	CodeUnavailable = "backend_unavailable"
	CodeError       = "backend_error"
)

// Code maps a Summarize error to the failure code stored on the job.
func Code(err error) string {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &ne) && ne.Timeout():
		return CodeTimeout
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeError
	}
}

const systemPrompt = `You are an expert document summarizer. Your task is to:
1. Read the provided document carefully
2. Extract the main ideas and key points
3. Create a concise, well-structured summary
4. Identify key topics covered in the document

Provide a clear and informative summary that captures the essence of the document.`

func userPrompt(document string) string {
	return "Please summarize the following document:\n\n" + document
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func promptMessages(document string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt(document)},
	}
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// cleanSummary drops reasoning blocks some models prepend to their answer.
func cleanSummary(s string) string {
	return strings.TrimSpace(thinkBlock.ReplaceAllString(s, ""))
}

// New builds the configured backend.
func New(cfg config.InferenceConfig) (Backend, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg.Ollama.Host, cfg.Ollama.Model), nil
	case "gaia":
		return NewOpenAICompatible("gaia", cfg.Gaia.NodeURL, cfg.Gaia.Model, cfg.Gaia.APIKey), nil
	case "static":
		return &Static{Summary: "Static summary for local testing."}, nil
	default:
		return nil, fmt.Errorf("unsupported inference provider: %s", cfg.Provider)
	}
}

// postJSON sends in as JSON and decodes a 200 response into out. Connection
// failures and gateway statuses are reported as ErrUnavailable.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w (status %d): %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w (status %d): %s", ErrBackend, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrBackend, err)
	}
	return nil
}

// httpClient has no overall timeout; callers bound each request with ctx.
func httpClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConnsPerHost: 8,
		},
	}
}
