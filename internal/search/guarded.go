package search

import (
	"context"
	"fmt"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/circuitbreaker"
)

// Guarded wraps an Adapter with a circuit breaker so a failing search
// endpoint stops delaying chat turns. While the breaker is open, Search
// fails immediately and Available reports false without probing.
type Guarded struct {
	inner   Adapter
	breaker *circuitbreaker.Breaker
}

// Guard wraps adapter with breaker settings tuned for an optional,
// best-effort endpoint: few samples needed, quick recovery probes.
func Guard(adapter Adapter) *Guarded {
	cfg := circuitbreaker.DefaultConfig()
	cfg.MinSamples = 3
	return &Guarded{inner: adapter, breaker: circuitbreaker.NewBreaker(cfg)}
}

// Search delegates to the wrapped adapter, recording the outcome.
func (g *Guarded) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	if !g.breaker.Allow() {
		return nil, fmt.Errorf("%w: search endpoint is failing, backing off", worker.ErrUnavailable)
	}
	out, err := g.inner.Search(ctx, query, maxResults)
	if err != nil {
		g.breaker.RecordError(circuitbreaker.ClassifyError(err))
		return nil, err
	}
	g.breaker.RecordSuccess()
	return out, nil
}

// Available reports false while the breaker is open, otherwise probes the
// wrapped adapter.
func (g *Guarded) Available(ctx context.Context) bool {
	if g.breaker.State() == circuitbreaker.StateOpen {
		return false
	}
	return g.inner.Available(ctx)
}
