// Package resend is a thin client for the Resend transactional email API.
package resend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/outreach-cli/internal/resilience"
)

const defaultBaseURL = "https://api.resend.com"

// Client performs Resend API operations.
type Client interface {
	SendEmail(ctx context.Context, req SendEmailRequest) (*SendEmailResponse, error)
}

// SendEmailRequest is the body of POST /emails.
type SendEmailRequest struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	ReplyTo []string          `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []Tag             `json:"tags,omitempty"`

	// IdempotencyKey is sent as a header; Resend drops repeats for 24h.
	IdempotencyKey string `json:"-"`
}

// Tag is a name/value pair attached to a sent email.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SendEmailResponse is the body returned for an accepted email.
type SendEmailResponse struct {
	ID string `json:"id"`
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "resend: unexpected status " + http.StatusText(e.StatusCode)
	}
	return "resend: " + e.Name + ": " + e.Message
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Resend API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendEmail submits one email. Throttling and server errors come back as
// *resilience.TransientError; other rejections as *APIError.
func (c *httpClient) SendEmail(ctx context.Context, in SendEmailRequest) (*SendEmailResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, eris.Wrap(err, "resend: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "resend: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "resend: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "resend: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return nil, resilience.FromResponse(apiErr, resp)
	}

	var out SendEmailResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, eris.Wrap(err, "resend: unmarshal response")
	}
	if out.ID == "" {
		return nil, eris.New("resend: response missing email id")
	}
	return &out, nil
}
