// Package google is a thin client for the Google Places (New) Text Search API.
package google

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

const defaultBaseURL = "https://places.googleapis.com/v1"

// FieldMask is the set of place fields requested from Text Search.
var FieldMask = []string{
	"places.id",
	"places.displayName",
	"places.formattedAddress",
	"places.rating",
	"places.websiteUri",
	"places.internationalPhoneNumber",
	"nextPageToken",
}

// Client performs Google Places API operations.
type Client interface {
	TextSearch(ctx context.Context, req TextSearchRequest) (*TextSearchResponse, error)
}

// TextSearchRequest is the body of a places:searchText call.
type TextSearchRequest struct {
	TextQuery    string `json:"textQuery"`
	LanguageCode string `json:"languageCode,omitempty"`
	PageSize     int    `json:"pageSize,omitempty"`
	PageToken    string `json:"pageToken,omitempty"`
}

// TextSearchResponse is the response from Places Text Search.
type TextSearchResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// Place represents a place returned by the API.
type Place struct {
	ID                       string      `json:"id"`
	DisplayName              DisplayName `json:"displayName"`
	FormattedAddress         string      `json:"formattedAddress,omitempty"`
	Rating                   *float64    `json:"rating,omitempty"`
	WebsiteURI               string      `json:"websiteUri,omitempty"`
	InternationalPhoneNumber string      `json:"internationalPhoneNumber,omitempty"`
}

// DisplayName holds the place's display name.
type DisplayName struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode,omitempty"`
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

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TextSearch runs one Text Search page. Throttling and server errors come back
// as *resilience.TransientError so callers can retry them.
func (c *httpClient) TextSearch(ctx context.Context, in TextSearchRequest) (*TextSearchResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, eris.Wrap(err, "google: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", strings.Join(FieldMask, ","))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := eris.Errorf("google: unexpected status %d: %s", resp.StatusCode, string(respBody))
		return nil, resilience.FromResponse(statusErr, resp)
	}

	var result TextSearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "google: unmarshal response")
	}

	return &result, nil
}
