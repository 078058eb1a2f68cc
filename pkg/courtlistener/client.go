// Package courtlistener provides a client for the CourtListener citation
// lookup API.
package courtlistener

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the CourtListener operations used for citation verification.
type Client interface {
	// LookupCitation resolves one citation string against the CourtListener
	// corpus. A citation that resolves to nothing returns an empty Lookup,
	// not an error.
	LookupCitation(ctx context.Context, citation string) (*Lookup, error)
}

// Lookup is the parsed result for one citation.
type Lookup struct {
	Citation            string    `json:"citation"`
	NormalizedCitations []string  `json:"normalized_citations"`
	Status              int       `json:"status"`
	Clusters            []Cluster `json:"clusters"`
}

// Found reports whether the citation resolved to at least one opinion cluster.
func (l *Lookup) Found() bool {
	return l != nil && l.Status == http.StatusOK && len(l.Clusters) > 0
}

// Cluster is one opinion cluster a citation resolved to.
type Cluster struct {
	CaseName    string `json:"case_name"`
	Court       string `json:"court"`
	DateFiled   string `json:"date_filed"`
	AbsoluteURL string `json:"absolute_url"`
}

// Option configures the CourtListener client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
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

// NewClient creates a CourtListener client. The API key may be empty for
// anonymous access at a reduced rate limit.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://www.courtlistener.com/api/rest/v4",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes an HTTP request with exponential backoff retries on
// transient failures. Returns the response body and status code on success,
// or the last error after exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, build func() (*http.Request, error)) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := build()
		if err != nil {
			return nil, 0, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "courtlistener: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("courtlistener: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) LookupCitation(ctx context.Context, citation string) (*Lookup, error) {
	form := url.Values{"text": {citation}}

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/citation-lookup/", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, eris.Wrap(err, "courtlistener: create request")
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Token "+c.apiKey)
		}
		return req, nil
	}

	body, statusCode, err := c.retryDo(ctx, build)
	if err != nil {
		return nil, eris.Wrap(err, "courtlistener: request failed")
	}
	if statusCode != http.StatusOK {
		return nil, eris.Errorf("courtlistener: unexpected status %d: %s", statusCode, string(body))
	}

	// The endpoint returns one lookup object per citation found in the
	// submitted text; we submit exactly one.
	var lookups []Lookup
	if err := json.Unmarshal(body, &lookups); err != nil {
		return nil, eris.Wrap(err, "courtlistener: unmarshal response")
	}
	if len(lookups) == 0 {
		return &Lookup{Citation: citation, Status: http.StatusNotFound}, nil
	}
	return &lookups[0], nil
}
