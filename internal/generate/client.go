// Package generate talks to the external text-generation service that drafts
// replies. The service exposes POST /generate taking a prompt and sampling
// parameters and answering {"response": "..."}.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/njoerd114/mailmirror/internal/retry"
)

// ErrEmptyResponse is returned when the service answered without text.
var ErrEmptyResponse = errors.New("generation service returned an empty response")

// Params are the sampling parameters sent with every prompt.
type Params struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// DefaultParams mirrors the defaults of the generation service.
var DefaultParams = Params{MaxTokens: 512, Temperature: 0.7, TopP: 0.9}

type request struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type response struct {
	Response string `json:"response"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// Client calls the generation service. Create one with [New].
type Client struct {
	baseURL  string
	hc       *http.Client
	timeout  time.Duration
	attempts int
	log      *slog.Logger
}

// New creates a Client for baseURL. timeout bounds a whole [Client.Generate]
// call, retries included, and defaults to five minutes since local models
// are slow.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		hc:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:  timeout,
		attempts: retry.DefaultAttempts,
		log:      logger,
	}
}

// Generate sends prompt and returns the generated text. Server errors and
// transport failures are retried within the client timeout; a 4xx answer is
// not.
func (c *Client) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultParams.MaxTokens
	}
	payload, err := json.Marshal(request{
		Prompt:      prompt,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		TopP:        p.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("encoding generation request: %w", err)
	}

	var text string
	err = retry.Do(ctx, c.attempts, func() error {
		var callErr error
		text, callErr = c.post(ctx, payload)
		if callErr != nil {
			c.log.Warn("generation call failed", "error", callErr)
		}
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	return text, nil
}

func (c *Client) post(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(payload))
	if err != nil {
		return "", retry.Stop(fmt.Errorf("create generation request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute generation request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		err := fmt.Errorf("generation service returned status %d", resp.StatusCode)
		if eb.Detail != "" {
			err = fmt.Errorf("generation service returned status %d: %s", resp.StatusCode, eb.Detail)
		}
		if resp.StatusCode < 500 {
			return "", retry.Stop(err)
		}
		return "", err
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding generation response: %w", err)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", retry.Stop(ErrEmptyResponse)
	}
	return text, nil
}
