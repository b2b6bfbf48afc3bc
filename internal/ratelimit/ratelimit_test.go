package ratelimit

import (
	"testing"
	"time"
)

// fixedClock lets tests advance time without sleeping.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter() (*Limiter, *fixedClock) {
	l := New()
	clk := &fixedClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	l.now = clk.now
	return l, clk
}

func TestCheckExactBudgetThenBlock(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	const cmd, client = "tunnel_generate_token", "local"

	for i := range 3 {
		ok, _ := l.Check(cmd, client)
		if !ok {
			t.Fatalf("call %d denied inside budget", i+1)
		}
	}
	ok, retry := l.Check(cmd, client)
	if ok {
		t.Fatal("call 4 allowed over budget")
	}
	if retry < BlockDuration {
		t.Fatalf("retry_after = %v, want >= %v", retry, BlockDuration)
	}

	blocked, remaining := l.IsBlocked(client)
	if !blocked || remaining <= 0 {
		t.Fatalf("IsBlocked = %v, %v", blocked, remaining)
	}
}

func TestBlockAppliesAcrossCommands(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	for range 3 {
		l.Check("tunnel_generate_token", "local")
	}
	l.Check("tunnel_generate_token", "local") // triggers the block

	if ok, _ := l.Check("tunnel_start", "local"); ok {
		t.Fatal("blocked client allowed on a different command")
	}
	if ok, _ := l.Check("tunnel_start", "other"); !ok {
		t.Fatal("unrelated client denied")
	}
}

func TestBlockExpires(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter()
	for range 3 {
		l.Check("tunnel_generate_token", "local")
	}
	l.Check("tunnel_generate_token", "local")

	clk.advance(BlockDuration + time.Second)
	// Window also expired, so the budget is fresh again.
	if ok, _ := l.Check("tunnel_generate_token", "local"); !ok {
		t.Fatal("denied after block and window both expired")
	}
}

func TestWindowSlides(t *testing.T) {
	t.Parallel()

	l, clk := newTestLimiter()
	for range 2 {
		if ok, _ := l.Check("tunnel_set_custom_token", "local"); !ok {
			t.Fatal("denied inside budget")
		}
	}
	clk.advance(Window + time.Second)
	if ok, _ := l.Check("tunnel_set_custom_token", "local"); !ok {
		t.Fatal("old timestamps must fall out of the window")
	}
}

func TestHasLimit(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	if !l.HasLimit("analyze_repository") {
		t.Fatal("analyze_repository should be in the table")
	}
	if l.HasLimit("health_check") {
		t.Fatal("health_check should not be rate-checked")
	}

	l.SetLimit("health_check", 7)
	if !l.HasLimit("health_check") {
		t.Fatal("SetLimit should add the command to the table")
	}
	l.SetLimit("health_check", 0)
	if l.HasLimit("health_check") {
		t.Fatal("SetLimit(0) should remove the override")
	}
}

func TestResetAndUnblock(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	for range 4 {
		l.Check("tunnel_generate_token", "local")
	}
	if blocked, _ := l.IsBlocked("local"); !blocked {
		t.Fatal("expected local to be blocked")
	}

	l.Unblock("local")
	if blocked, _ := l.IsBlocked("local"); blocked {
		t.Fatal("still blocked after Unblock")
	}

	// History survived the unblock, so the next hit re-blocks.
	if ok, _ := l.Check("tunnel_generate_token", "local"); ok {
		t.Fatal("history should still be over budget")
	}

	l.Reset("local")
	if ok, _ := l.Check("tunnel_generate_token", "local"); !ok {
		t.Fatal("Reset should clear history")
	}
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter()
	l.Check("grant_permission", "local")
	s := l.GetStats()
	if s.CommandsTracked != 1 {
		t.Fatalf("CommandsTracked = %d", s.CommandsTracked)
	}
	if s.WindowSeconds != 60 || s.BlockSeconds != 300 {
		t.Fatalf("window/block = %d/%d", s.WindowSeconds, s.BlockSeconds)
	}
	if s.Limits["tunnel_generate_token"] != 3 {
		t.Fatalf("limits snapshot = %v", s.Limits)
	}
}
