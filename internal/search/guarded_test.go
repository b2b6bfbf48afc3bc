package search

import (
	"context"
	"errors"
	"testing"

	worker "github.com/lumenai/lumen-worker/internal"
)

// flakyAdapter fails every Search call with a server-fault error.
type flakyAdapter struct {
	calls int
	err   error
}

func (f *flakyAdapter) Search(context.Context, string, int) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []string{"ok"}, nil
}

func (f *flakyAdapter) Available(context.Context) bool { return true }

func TestGuardedOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	inner := &flakyAdapter{err: &statusError{code: 503}}
	g := Guard(inner)

	// Drive enough failures to trip the breaker.
	for range 10 {
		g.Search(context.Background(), "q", 5) //nolint:errcheck
	}

	before := inner.calls
	_, err := g.Search(context.Background(), "q", 5)
	if !errors.Is(err, worker.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if inner.calls != before {
		t.Fatal("open breaker must not reach the endpoint")
	}
	if g.Available(context.Background()) {
		t.Fatal("open breaker must report unavailable")
	}
}

func TestGuardedPassesThroughWhenHealthy(t *testing.T) {
	t.Parallel()

	inner := &flakyAdapter{}
	g := Guard(inner)

	out, err := g.Search(context.Background(), "weather", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "ok" {
		t.Fatalf("out = %v", out)
	}
	if !g.Available(context.Background()) {
		t.Fatal("healthy adapter must report available")
	}
}

func TestGuardedIgnoresClientErrors(t *testing.T) {
	t.Parallel()

	// 4xx responses carry zero weight and must never trip the breaker.
	inner := &flakyAdapter{err: &statusError{code: 400}}
	g := Guard(inner)

	for range 20 {
		g.Search(context.Background(), "q", 5) //nolint:errcheck
	}
	if _, err := g.Search(context.Background(), "q", 5); errors.Is(err, worker.ErrUnavailable) {
		t.Fatal("client errors must not open the breaker")
	}
}
