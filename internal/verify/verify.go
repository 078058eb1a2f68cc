// Package verify checks extracted citations against an external legal
// database. Verification is best-effort: a provider outage degrades citations
// to unverified, it never fails the job.
package verify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/caselens/citeminer/internal/model"
	"github.com/caselens/citeminer/internal/resilience"
	"github.com/caselens/citeminer/pkg/courtlistener"
)

// Verifier checks one citation against an external source.
type Verifier interface {
	Verify(ctx context.Context, citation model.Citation) (*model.VerificationOutcome, error)
	Source() string
}

// Config carries the orchestrator tuning knobs.
type Config struct {
	RatePerSecond  float64
	MaxConcurrency int
	MaxAttempts    int
	Timeout        time.Duration
}

// Orchestrator verifies a batch of citations with bounded concurrency, a
// shared rate limit, per-call retries, and a circuit breaker around the
// provider.
type Orchestrator struct {
	verifier Verifier
	cfg      Config
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
}

// NewOrchestrator creates an Orchestrator around the given verifier.
func NewOrchestrator(v Verifier, cfg Config) *Orchestrator {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Orchestrator{
		verifier: v,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		breaker:  resilience.NewBreaker(5, 30*time.Second),
	}
}

// VerifyAll annotates each citation with a verification outcome, in place on
// the returned copy. The provider is called once per unique normalized
// citation; parallel citations of the same string share the outcome. Provider
// errors for one citation never block the others; an open breaker
// short-circuits the remainder of the batch to unverified.
func (o *Orchestrator) VerifyAll(ctx context.Context, citations []model.Citation) []model.Citation {
	out := make([]model.Citation, len(citations))
	copy(out, citations)

	groups := make(map[string][]int, len(out))
	order := make([]string, 0, len(out))
	for i := range out {
		key := out[i].NormalizedText
		if key == "" {
			key = out[i].RawText
		}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)

	for _, key := range order {
		idxs := groups[key]
		g.Go(func() error {
			outcome := o.verifyOne(gctx, out[idxs[0]])
			for _, i := range idxs {
				oc := *outcome
				out[i].Verification = &oc
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CircuitState exposes the breaker state for health reporting.
func (o *Orchestrator) CircuitState() resilience.CircuitState {
	return o.breaker.State()
}

func (o *Orchestrator) verifyOne(ctx context.Context, c model.Citation) *model.VerificationOutcome {
	if err := o.limiter.Wait(ctx); err != nil {
		return &model.VerificationOutcome{Found: false, Error: "verification canceled"}
	}

	policy := resilience.DefaultPolicy()
	policy.MaxAttempts = o.cfg.MaxAttempts
	policy.OnRetry = resilience.RetryLogger(o.verifier.Source(), "verify")

	var outcome *model.VerificationOutcome
	err := o.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, policy, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
			defer cancel()

			res, err := o.verifier.Verify(callCtx, c)
			if err != nil {
				return err
			}
			outcome = res
			return nil
		})
	})
	if err != nil {
		zap.L().Warn("verify: provider call failed",
			zap.String("citation_id", c.ID),
			zap.String("source", o.verifier.Source()),
			zap.Error(err),
		)
		return &model.VerificationOutcome{Found: false, Source: o.verifier.Source(), Error: err.Error()}
	}
	return outcome
}

// CourtListenerVerifier verifies citations through the CourtListener citation
// lookup API.
type CourtListenerVerifier struct {
	client courtlistener.Client
}

// NewCourtListener wraps a CourtListener client as a Verifier.
func NewCourtListener(client courtlistener.Client) *CourtListenerVerifier {
	return &CourtListenerVerifier{client: client}
}

func (v *CourtListenerVerifier) Source() string {
	return "courtlistener"
}

func (v *CourtListenerVerifier) Verify(ctx context.Context, c model.Citation) (*model.VerificationOutcome, error) {
	lookup, err := v.client.LookupCitation(ctx, c.NormalizedText)
	if err != nil {
		return nil, err
	}
	if !lookup.Found() {
		return &model.VerificationOutcome{Found: false, Source: v.Source()}, nil
	}

	cl := lookup.Clusters[0]
	return &model.VerificationOutcome{
		Found:    true,
		Source:   v.Source(),
		CaseName: cl.CaseName,
		Court:    cl.Court,
		URL:      cl.AbsoluteURL,
	}, nil
}
