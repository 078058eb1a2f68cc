// Package textsource resolves an analysis request to the plain text that the
// extraction engine runs on, enforcing the input limits at one boundary.
package textsource

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/resilience"
)

// ErrTextTooLarge is returned when an input exceeds the configured maximum.
var ErrTextTooLarge = eris.New("input text exceeds maximum size")

// ErrEmptyInput is returned when a request carries no usable source.
var ErrEmptyInput = eris.New("empty input")

// ErrSchemeNotAllowed is returned for URLs outside the scheme allowlist.
var ErrSchemeNotAllowed = eris.New("url scheme not allowed")

// DocumentDecoder converts an uploaded document (PDF, DOCX) to plain text.
// Decoding runs out of process; the engine only sees the decoded text.
type DocumentDecoder interface {
	Decode(ctx context.Context, fileID string) (string, error)
}

// Config bounds accepted inputs.
type Config struct {
	MaxTextBytes   int
	AllowedSchemes []string
	FetchTimeout   time.Duration
}

// Resolver turns an AnalyzeRequest into text.
type Resolver struct {
	cfg     Config
	http    *http.Client
	decoder DocumentDecoder
}

// NewResolver creates a Resolver. decoder may be nil when file uploads are
// disabled.
func NewResolver(cfg Config, decoder DocumentDecoder) *Resolver {
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 10 << 20
	}
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = []string{"http", "https"}
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Resolver{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		decoder: decoder,
	}
}

// Validate rejects malformed requests before a job is created, so clients get
// a synchronous 4xx rather than a job that fails later.
func (r *Resolver) Validate(req model.AnalyzeRequest) error {
	switch req.Type {
	case model.SourceText:
		if strings.TrimSpace(req.Text) == "" {
			return ErrEmptyInput
		}
		if len(req.Text) > r.cfg.MaxTextBytes {
			return ErrTextTooLarge
		}
	case model.SourceURL:
		u, err := url.Parse(req.URL)
		if err != nil {
			return eris.Wrap(err, "textsource: parse url")
		}
		if !r.schemeAllowed(u.Scheme) {
			return ErrSchemeNotAllowed
		}
		if u.Host == "" {
			return ErrEmptyInput
		}
	case model.SourceFile:
		if r.decoder == nil {
			return eris.New("textsource: file uploads not configured")
		}
		if req.FileID == "" {
			return ErrEmptyInput
		}
	default:
		return eris.Errorf("textsource: unknown source type %q", req.Type)
	}
	return nil
}

// Resolve returns the text for a validated request.
func (r *Resolver) Resolve(ctx context.Context, req model.AnalyzeRequest) (string, error) {
	switch req.Type {
	case model.SourceText:
		return req.Text, nil
	case model.SourceURL:
		return r.fetch(ctx, req.URL)
	case model.SourceFile:
		text, err := r.decoder.Decode(ctx, req.FileID)
		if err != nil {
			return "", eris.Wrapf(err, "textsource: decode file %s", req.FileID)
		}
		if len(text) > r.cfg.MaxTextBytes {
			return "", ErrTextTooLarge
		}
		return text, nil
	default:
		return "", eris.Errorf("textsource: unknown source type %q", req.Type)
	}
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) (string, error) {
	policy := resilience.DefaultPolicy()
	policy.OnRetry = resilience.RetryLogger("textsource", "fetch")

	return resilience.DoVal(ctx, policy, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return "", eris.Wrap(err, "textsource: create request")
		}
		req.Header.Set("Accept", "text/plain, text/html;q=0.9, */*;q=0.1")

		resp, err := r.http.Do(req)
		if err != nil {
			return "", resilience.NewTransientError(eris.Wrap(err, "textsource: fetch url"), 0)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := eris.Errorf("textsource: fetch url: status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return "", resilience.NewTransientError(err, resp.StatusCode)
			}
			return "", err
		}

		// Read one byte past the limit to distinguish "exactly at" from
		// "over".
		body, err := io.ReadAll(io.LimitReader(resp.Body, int64(r.cfg.MaxTextBytes)+1))
		if err != nil {
			return "", resilience.NewTransientError(eris.Wrap(err, "textsource: read body"), 0)
		}
		if len(body) > r.cfg.MaxTextBytes {
			return "", ErrTextTooLarge
		}
		return string(body), nil
	})
}

func (r *Resolver) schemeAllowed(scheme string) bool {
	for _, s := range r.cfg.AllowedSchemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}
