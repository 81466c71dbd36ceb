package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	defaultClientTimeout = 10 * time.Second
	summaryInstruction   = "Summarize the group chat below in three lines. Keep decisions, times and places, and the context a newly joined member needs."
)

var (
	errMissingEndpoint = errors.New("summarizer endpoint is required")
	errEmptySummary    = errors.New("summarizer returned an empty summary")
)

// Summarizer condenses chat lines into a short text, optionally answering a question.
type Summarizer interface {
	Summarize(ctx context.Context, lines []string, question string) (string, error)
}

type ClientConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls a remote summarization endpoint over HTTP.
type Client struct {
	endpoint   string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

type summarizeRequest struct {
	Instruction string   `json:"instruction"`
	Question    string   `json:"question,omitempty"`
	Messages    []string `json:"messages"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

func (c *Client) Summarize(ctx context.Context, lines []string, question string) (string, error) {
	payload, err := json.Marshal(summarizeRequest{
		Instruction: summaryInstruction,
		Question:    question,
		Messages:    lines,
	})
	if err != nil {
		return "", err
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarizer request returned status %d", response.StatusCode)
	}

	var document summarizeResponse
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return "", err
	}
	text := strings.TrimSpace(document.Summary)
	if text == "" {
		return "", errEmptySummary
	}
	return text, nil
}
