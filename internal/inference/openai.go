package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OpenAICompatible calls any server implementing the OpenAI chat
// completions API, such as a Gaia node.
type OpenAICompatible struct {
	name    string
	BaseURL string
	Model   string
	APIKey  string
	HTTP    *http.Client
}

// NewOpenAICompatible builds a client for baseURL. The base URL is the one
// that /chat/completions is appended to, usually ending in /v1.
func NewOpenAICompatible(name, baseURL, model, apiKey string) *OpenAICompatible {
	return &OpenAICompatible{
		name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		APIKey:  apiKey,
		HTTP:    httpClient(),
	}
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *OpenAICompatible) Name() string { return c.name }

func (c *OpenAICompatible) Summarize(ctx context.Context, document string) (string, error) {
	req := completionRequest{Model: c.Model, Messages: promptMessages(document)}
	headers := map[string]string{"Authorization": "Bearer " + c.APIKey}

	var res completionResponse
	if err := postJSON(ctx, c.HTTP, c.BaseURL+"/chat/completions", headers, req, &res); err != nil {
		return "", err
	}
	if len(res.Choices) == 0 {
		return "", errors.Join(ErrBackend, fmt.Errorf("%s returned no choices", c.name))
	}

	summary := cleanSummary(res.Choices[0].Message.Content)
	if summary == "" {
		return "", errors.Join(ErrBackend, fmt.Errorf("%s returned an empty summary", c.name))
	}
	return summary, nil
}
