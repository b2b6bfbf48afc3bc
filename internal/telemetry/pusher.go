package telemetry

import (
	"context"
	"log/slog"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
)

// statsFrameID is the fixed frame id the host matches stats pushes on.
const statsFrameID = "SYSTEM_STATS"

const pushInterval = 2 * time.Second

// FrameWriter writes response frames to the host. *ipc.Writer satisfies it.
type FrameWriter interface {
	WriteResponse(resp *worker.Response) error
}

// Pusher periodically pushes a system stats frame to the host. It is a
// work.Worker and keeps running through collect or write failures.
type Pusher struct {
	collector *Collector
	out       FrameWriter
	interval  time.Duration
}

// NewPusher returns a Pusher on the default 2s period.
func NewPusher(collector *Collector, out FrameWriter) *Pusher {
	return &Pusher{collector: collector, out: out, interval: pushInterval}
}

func (p *Pusher) Name() string { return "stats_pusher" }

// Run pushes stats until ctx is cancelled.
func (p *Pusher) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.push()
		}
	}
}

func (p *Pusher) push() {
	stats := p.collector.Collect()
	resp := worker.OK(statsFrameID, stats)
	if err := p.out.WriteResponse(resp); err != nil {
		slog.Warn("stats push failed", "error", err)
	}
}
