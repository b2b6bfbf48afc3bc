package circuitbreaker

import (
	"testing"
	"time"
)

// testBreaker pins the clock so window expiry and open timeouts are driven
// by the test, not by sleeps.
func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := NewBreaker(cfg)
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func trippingConfig() Config {
	return Config{
		ErrorThreshold: 0.30,
		MinSamples:     10,
		WindowSeconds:  60,
		OpenTimeout:    30 * time.Second,
	}
}

func TestClosedAllows(t *testing.T) {
	t.Parallel()

	b := NewBreaker(DefaultConfig())
	if !b.Allow() {
		t.Fatal("closed breaker must allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v", b.State())
	}
}

func TestOpensAtThreshold(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(trippingConfig())
	for range 7 {
		b.RecordSuccess()
	}
	for range 3 {
		b.RecordError(1.0)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open at 30%% of 10 samples", b.State())
	}
	if b.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestMinSamplesHoldsBreakerClosed(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(trippingConfig())
	for range 9 {
		b.RecordError(1.0)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed below min samples", b.State())
	}
}

func TestWeightedErrors(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(trippingConfig())

	// 6 successes + 4 half-weight errors = 20%, under the threshold.
	for range 6 {
		b.RecordSuccess()
	}
	for range 4 {
		b.RecordError(0.5)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed at 20%%", b.State())
	}

	// Two timeout-weight errors push the rate to (2+3)/12 = 41.7%.
	for range 2 {
		b.RecordError(1.5)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
}

func TestZeroWeightErrorsNeverTrip(t *testing.T) {
	t.Parallel()

	b, _ := testBreaker(trippingConfig())
	for range 20 {
		b.RecordError(0)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed for zero-weight errors", b.State())
	}
}

func TestWindowExpiryForgetsOldErrors(t *testing.T) {
	t.Parallel()

	cfg := trippingConfig()
	cfg.WindowSeconds = 5
	b, now := testBreaker(cfg)

	for range 9 {
		b.RecordError(1.0)
	}

	// Six seconds later the window has rolled over entirely; one more
	// error is 1 sample at 100%, still under MinSamples.
	*now = now.Add(6 * time.Second)
	b.RecordError(1.0)
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after window expiry", b.State())
	}
}

func TestHalfOpenProbe(t *testing.T) {
	t.Parallel()

	b, now := testBreaker(trippingConfig())
	for range 10 {
		b.RecordError(1.0)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe must be admitted after the open timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", b.State())
	}
	if b.Allow() {
		t.Fatal("second caller must be rejected while the probe is in flight")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after probe success", b.State())
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()

	b, now := testBreaker(trippingConfig())
	for range 10 {
		b.RecordError(1.0)
	}
	*now = now.Add(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe must be admitted")
	}

	b.RecordError(1.0)
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after probe failure", b.State())
	}
	if b.Allow() {
		t.Fatal("freshly reopened breaker must reject")
	}
}

func TestWindowSecondsClamped(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, -1, 100} {
		b := NewBreaker(Config{WindowSeconds: n})
		if len(b.slots) != 60 {
			t.Errorf("WindowSeconds=%d: slots = %d, want 60", n, len(b.slots))
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Config{
		ErrorThreshold: 0.50,
		MinSamples:     100,
		WindowSeconds:  60,
		OpenTimeout:    time.Millisecond,
	})

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 100 {
				b.Allow()
				b.RecordSuccess()
				b.RecordError(0.5)
				_ = b.State()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
