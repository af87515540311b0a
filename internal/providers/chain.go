// Package providers holds prioritized back ends for narration and face
// animation. A Chain tries each provider in order and returns the first
// success.
package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

type Cost string

const (
	CostFree Cost = "free"
	CostPaid Cost = "paid"
)

type Quality string

const (
	QualityBasic   Quality = "basic"
	QualityGood    Quality = "good"
	QualityPremium Quality = "premium"
)

// Info tags a provider for logs and the agent status view.
type Info struct {
	Name    string  `json:"name"`
	Cost    Cost    `json:"cost"`
	Quality Quality `json:"quality"`
}

// Provider is one back end of a Chain.
type Provider[In, Out any] interface {
	Info() Info
	Available(ctx context.Context) bool
	Run(ctx context.Context, in In) (Out, error)
}

var ErrUnavailable = errors.New("provider unavailable")

// Failure records why one provider did not produce a result.
type Failure struct {
	Provider string
	Err      error
}

// ChainError is returned when no provider succeeded.
type ChainError struct {
	Failures []Failure
}

func (e *ChainError) Error() string {
	if len(e.Failures) == 0 {
		return "no providers configured"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Provider, f.Err)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

func (e *ChainError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Chain runs providers in priority order.
type Chain[In, Out any] struct {
	providers []Provider[In, Out]
	logger    *slog.Logger
	observe   func(Info, error)
}

func NewChain[In, Out any](logger *slog.Logger, providers ...Provider[In, Out]) *Chain[In, Out] {
	return &Chain[In, Out]{providers: providers, logger: logger}
}

// Observe sets a hook called after every provider attempt. Unavailable
// providers are not reported.
func (c *Chain[In, Out]) Observe(fn func(info Info, err error)) *Chain[In, Out] {
	c.observe = fn
	return c
}

// Providers lists the chain in order.
func (c *Chain[In, Out]) Providers() []Info {
	out := make([]Info, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.Info()
	}
	return out
}

// Run returns the first successful output and the provider that made it.
// Unavailable providers are skipped and recorded with ErrUnavailable.
func (c *Chain[In, Out]) Run(ctx context.Context, in In) (Out, Info, error) {
	var zero Out
	var failures []Failure
	for _, p := range c.providers {
		info := p.Info()
		if err := ctx.Err(); err != nil {
			return zero, Info{}, err
		}
		if !p.Available(ctx) {
			c.logger.Debug("provider not available", "provider", info.Name)
			failures = append(failures, Failure{Provider: info.Name, Err: ErrUnavailable})
			continue
		}
		out, err := p.Run(ctx, in)
		if c.observe != nil {
			c.observe(info, err)
		}
		if err != nil {
			c.logger.Warn("provider failed", "provider", info.Name, "cost", info.Cost, "error", err)
			failures = append(failures, Failure{Provider: info.Name, Err: err})
			continue
		}
		c.logger.Info("provider succeeded", "provider", info.Name, "cost", info.Cost, "quality", info.Quality)
		return out, info, nil
	}
	return zero, Info{}, &ChainError{Failures: failures}
}
