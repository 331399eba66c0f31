package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/sentinel/pkg/config"
	"github.com/cuemby/sentinel/pkg/log"
	"github.com/cuemby/sentinel/pkg/metrics"
	"github.com/cuemby/sentinel/pkg/types"
)

const (
	retryInitialInterval = time.Second
	retryMultiplier      = 2
	retryMaxInterval     = 16 * time.Second
	maxProviderAttempts  = 3

	defaultMinSpacing = 500 * time.Millisecond
)

// Planner turns batches of security events into structured remediation
// plans by calling model providers in failover order. One shared rate
// gate spaces all outgoing requests regardless of provider or caller.
type Planner struct {
	providers   []Provider
	gate        *rate.Limiter
	temperature float64
	progress    *Progress
	logger      zerolog.Logger

	// retry policy, overridable in tests
	retryInitial time.Duration
	retryMax     time.Duration
	maxTries     uint
}

// New builds the provider chain from config. An empty provider list is
// legal; Plan and Strategy then fail fast, which disables remediation.
func New(cfg config.Planner) (*Planner, error) {
	providers := make([]Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc)
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", pc.Name, err)
		}
		providers = append(providers, p)
	}

	spacing := time.Duration(cfg.MinSpacing)
	if spacing <= 0 {
		spacing = defaultMinSpacing
	}

	return &Planner{
		providers:    providers,
		gate:         rate.NewLimiter(rate.Every(spacing), 1),
		temperature:  cfg.Temperature,
		progress:     &Progress{},
		logger:       log.WithComponent("planner"),
		retryInitial: retryInitialInterval,
		retryMax:     retryMaxInterval,
		maxTries:     maxProviderAttempts,
	}, nil
}

// Progress exposes the live streaming record for the notifier and the
// status surface.
func (p *Planner) Progress() *Progress { return p.progress }

// Plan produces one coordinated plan covering every event in the
// batch. Prior attempts, when present, are included in the prompt so
// the model does not repeat a failed approach. Returns an error only
// when every provider has failed or ctx was cancelled.
func (p *Planner) Plan(ctx context.Context, batch *types.RemediationBatch, attempts []types.RemediationAttempt) (*types.RemediationPlan, error) {
	req := CompletionRequest{
		System:      planSystemPrompt,
		User:        buildPlanPrompt(batch, attempts),
		Temperature: p.temperature,
	}

	var plan *types.RemediationPlan
	provider, err := p.ask(ctx, req, func(raw string) error {
		parsed, err := ParsePlan(raw)
		if err != nil {
			return err
		}
		plan = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}

	plan.Provider = provider
	metrics.PlanConfidence.Observe(plan.Confidence)
	p.logger.Info().
		Str("provider", provider).
		Int64("batch_id", batch.ID).
		Float64("confidence", plan.Confidence).
		Int("phases", len(plan.Phases)).
		Msg("plan produced")
	return plan, nil
}

// Strategy is the narrower single-event variant used by fixers that
// need a named approach rather than a full phase plan.
func (p *Planner) Strategy(ctx context.Context, event *types.SecurityEvent, attempts []types.RemediationAttempt) (*types.FixStrategy, error) {
	req := CompletionRequest{
		System:      strategySystemPrompt,
		User:        buildStrategyPrompt(event, attempts),
		Temperature: p.temperature,
	}

	var strategy *types.FixStrategy
	_, err := p.ask(ctx, req, func(raw string) error {
		parsed, err := ParseStrategy(raw)
		if err != nil {
			return err
		}
		strategy = parsed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return strategy, nil
}

// Summarize runs a free-form completion through the same provider
// chain, spacing gate and retry policy. Used for prose outputs such as
// push change summaries where no structured parse applies.
func (p *Planner) Summarize(ctx context.Context, system, user string) (string, error) {
	req := CompletionRequest{
		System:      system,
		User:        user,
		Temperature: p.temperature,
	}

	var out string
	_, err := p.ask(ctx, req, func(raw string) error {
		if len(raw) == 0 {
			return errors.New("empty response")
		}
		out = raw
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// ask walks the provider chain. Transport failures are retried per
// provider; a response accept rejects (malformed or incomplete JSON)
// is never retried against the same provider, it moves straight to the
// next one. Context cancellation aborts the whole chain immediately.
func (p *Planner) ask(ctx context.Context, req CompletionRequest, accept func(raw string) error) (string, error) {
	if len(p.providers) == 0 {
		return "", errors.New("no planner providers configured")
	}
	req.OnToken = p.progress.observe

	var lastErr error
	for _, prov := range p.providers {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		p.progress.begin(prov.Name())
		raw, err := p.complete(ctx, prov)(req)
		p.progress.end()

		if err != nil {
			lastErr = fmt.Errorf("%s: %w", prov.Name(), err)
			p.logger.Warn().Err(err).Str("provider", prov.Name()).Msg("provider failed")
			continue
		}

		if err := accept(raw); err != nil {
			metrics.PlanRequests.WithLabelValues(prov.Name(), "rejected").Inc()
			lastErr = fmt.Errorf("%s: %w", prov.Name(), err)
			p.logger.Warn().Err(err).Str("provider", prov.Name()).Msg("provider response rejected")
			continue
		}
		return prov.Name(), nil
	}
	return "", fmt.Errorf("all providers failed: %w", lastErr)
}

// complete wraps one provider in the shared spacing gate and the
// per-provider retry policy (1s initial, x2, 16s cap, 3 attempts).
func (p *Planner) complete(ctx context.Context, prov Provider) func(CompletionRequest) (string, error) {
	return func(req CompletionRequest) (string, error) {
		op := func() (string, error) {
			if err := p.gate.Wait(ctx); err != nil {
				return "", backoff.Permanent(err)
			}

			timer := metrics.NewTimer()
			raw, err := prov.Complete(ctx, req)
			timer.ObserveDurationVec(metrics.PlanDuration, prov.Name())

			if err != nil {
				metrics.PlanRequests.WithLabelValues(prov.Name(), "error").Inc()
				if ctx.Err() != nil {
					return "", backoff.Permanent(err)
				}
				return "", err
			}
			metrics.PlanRequests.WithLabelValues(prov.Name(), "ok").Inc()
			return raw, nil
		}

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = p.retryInitial
		policy.Multiplier = retryMultiplier
		policy.MaxInterval = p.retryMax

		return backoff.Retry(ctx, op,
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(p.maxTries))
	}
}
