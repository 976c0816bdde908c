package inference

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Ollama talks to a local Ollama server through its chat endpoint.
type Ollama struct {
	BaseURL string
	Model   string
	HTTP    *http.Client
}

func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		HTTP:    httpClient(),
	}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Summarize(ctx context.Context, document string) (string, error) {
	req := ollamaRequest{Model: o.Model, Messages: promptMessages(document)}

	var res ollamaResponse
	if err := postJSON(ctx, o.HTTP, o.BaseURL+"/api/chat", nil, req, &res); err != nil {
		return "", err
	}
	if res.Error != "" {
		return "", errors.Join(ErrBackend, errors.New(res.Error))
	}

	summary := cleanSummary(res.Message.Content)
	if summary == "" {
		return "", errors.Join(ErrBackend, errors.New("ollama returned an empty summary"))
	}
	return summary, nil
}
