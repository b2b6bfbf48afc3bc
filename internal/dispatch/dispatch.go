// Package dispatch routes inbound command frames to handlers behind the
// permission guard, payload validator and rate limiter.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/audit"
	"github.com/lumenai/lumen-worker/internal/chat"
	"github.com/lumenai/lumen-worker/internal/cryptobox"
	"github.com/lumenai/lumen-worker/internal/guard"
	"github.com/lumenai/lumen-worker/internal/license"
	"github.com/lumenai/lumen-worker/internal/ollama"
	"github.com/lumenai/lumen-worker/internal/ratelimit"
	"github.com/lumenai/lumen-worker/internal/remote"
	"github.com/lumenai/lumen-worker/internal/repoanalyze"
	"github.com/lumenai/lumen-worker/internal/search"
	"github.com/lumenai/lumen-worker/internal/settings"
	"github.com/lumenai/lumen-worker/internal/sidecar"
	"github.com/lumenai/lumen-worker/internal/store"
	"github.com/lumenai/lumen-worker/internal/telemetry"
	"github.com/lumenai/lumen-worker/internal/validate"
)

// Handler computes a terminal response value for one command.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// StreamHandler opens an event stream for one command.
type StreamHandler func(ctx context.Context, payload json.RawMessage) (<-chan worker.Event, error)

// FrameWriter is the outbound side of the frame codec.
type FrameWriter interface {
	WriteResponse(resp *worker.Response) error
	WriteEvent(ev *worker.Event) error
}

// ChatService is the chat orchestration surface the dispatcher drives.
type ChatService interface {
	Stream(ctx context.Context, req chat.Request) (<-chan worker.Event, error)
	Cancel(chatID string) bool
	ActiveChat() string
}

// SidecarService is the sidecar supervision surface.
type SidecarService interface {
	Enable(ctx context.Context, model string) error
	Reload(ctx context.Context) error
	Disable()
	GetStatus() sidecar.Status
}

// ModelCLI shells out to the model runtime.
type ModelCLI interface {
	ListModels(ctx context.Context) ([]ollama.Model, error)
	Pull(ctx context.Context, model string, emit func(message string, percent *int)) error
}

// ModelAPI is the model runtime's HTTP surface.
type ModelAPI interface {
	DeleteModel(ctx context.Context, name string) error
	HealthCheck(ctx context.Context) error
}

// Deps holds every collaborator the command surface touches.
type Deps struct {
	Guard         *guard.Guard
	Limiter       *ratelimit.Limiter
	Settings      *settings.Store
	Conversations *store.Conversations
	Memory        *store.Memory
	Projects      *store.Projects
	Box           *cryptobox.Box
	Chat          ChatService
	CLI           ModelCLI
	API           ModelAPI
	Sidecar       SidecarService
	Analyzer      *repoanalyze.Analyzer
	Tokens        *remote.Tokens
	Tunnel        *remote.Tunnel
	HTTP          *remote.Server
	HTTPPort      int
	Search        search.Adapter
	Stats         *telemetry.Collector
	Audit         *audit.Log
	License       *license.Gate
	Metrics       *telemetry.Metrics // nil = no instrumentation
	Shutdown      func()             // invoked by the shutdown command
}

type entry struct {
	handler Handler
	stream  StreamHandler
}

// Dispatcher is the closed command registry.
type Dispatcher struct {
	deps     Deps
	out      FrameWriter
	registry map[string]entry
}

// New builds the registry. Every command the worker understands is
// registered here; anything else is denied by the guard.
func New(deps Deps, out FrameWriter) *Dispatcher {
	d := &Dispatcher{deps: deps, out: out, registry: make(map[string]entry)}
	d.registerSystem()
	d.registerModels()
	d.registerSidecar()
	d.registerConversations()
	d.registerTunnel()
	d.registerMemory()
	d.registerRepo()
	d.registerAdmin()
	d.registerProjects()
	return d
}

func (d *Dispatcher) handle(cmd string, h Handler) {
	if _, dup := d.registry[cmd]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %q", cmd))
	}
	d.registry[cmd] = entry{handler: h}
}

func (d *Dispatcher) handleStream(cmd string, h StreamHandler) {
	if _, dup := d.registry[cmd]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %q", cmd))
	}
	d.registry[cmd] = entry{stream: h}
}

// Commands returns the registered command names, for startup sanity logs.
func (d *Dispatcher) Commands() []string {
	out := make([]string, 0, len(d.registry))
	for cmd := range d.registry {
		out = append(out, cmd)
	}
	return out
}

// Dispatch runs the pre-flight checks and the selected handler for req.
// Streaming handlers are acknowledged and pumped on their own goroutine;
// everything else answers inline.
func (d *Dispatcher) Dispatch(ctx context.Context, req *worker.Request) {
	start := time.Now()
	ctx = worker.ContextWithRequest(ctx, req.ID, worker.LocalClient)

	if resp := d.preflight(req); resp != nil {
		d.write(resp)
		d.observe(req.Cmd, "denied", start)
		return
	}

	ent, ok := d.registry[req.Cmd]
	if !ok {
		// The guard admits only known commands, so this is a wiring bug.
		slog.Error("command passed guard but has no handler", "cmd", req.Cmd)
		d.write(worker.Fail(req.ID, worker.CodeCmdErr, fmt.Sprintf("unknown command: %s", req.Cmd)))
		d.observe(req.Cmd, "error", start)
		return
	}

	if ent.stream != nil {
		events, err := d.runStream(ctx, ent.stream, req.Payload)
		if err != nil {
			d.write(d.errorResponse(req, err))
			d.observe(req.Cmd, "error", start)
			return
		}
		d.write(worker.OK(req.ID, map[string]string{"status": "streaming_started"}))
		if d.deps.Metrics != nil {
			d.deps.Metrics.ActiveStreams.Inc()
		}
		go func() {
			d.pump(req.ID, events)
			if d.deps.Metrics != nil {
				d.deps.Metrics.ActiveStreams.Dec()
			}
			d.observe(req.Cmd, "ok", start)
		}()
		return
	}

	data, err := d.runHandler(ctx, ent.handler, req.Payload)
	if err != nil {
		d.write(d.errorResponse(req, err))
		d.observe(req.Cmd, "error", start)
		return
	}
	d.write(worker.OK(req.ID, data))
	d.observe(req.Cmd, "ok", start)
}

// preflight applies the ordered checks: guard, payload size, rate limit.
func (d *Dispatcher) preflight(req *worker.Request) *worker.Response {
	if !d.deps.Guard.Check(req.Cmd) {
		return worker.Fail(req.ID, worker.CodePermissionDenied,
			fmt.Sprintf("command %q requires a permission grant", req.Cmd))
	}
	if err := validate.PayloadSize(req.Payload); err != nil {
		return worker.Fail(req.ID, worker.CodePayloadTooLarge,
			fmt.Sprintf("payload exceeds %d bytes", worker.MaxPayloadBytes))
	}
	if d.deps.Limiter.HasLimit(req.Cmd) {
		allowed, retryAfter := d.deps.Limiter.Check(req.Cmd, worker.LocalClient)
		if !allowed {
			if d.deps.Metrics != nil {
				d.deps.Metrics.RateLimitDenies.WithLabelValues(req.Cmd).Inc()
			}
			resp := worker.Fail(req.ID, worker.CodeRateLimitExceeded,
				fmt.Sprintf("rate limit exceeded for %q", req.Cmd))
			secs := int(retryAfter.Round(time.Second).Seconds())
			resp.Err.RetryAfter = &secs
			return resp
		}
	}
	return nil
}

// runHandler invokes h, converting panics into errors so one bad command
// never takes the worker down.
func (d *Dispatcher) runHandler(ctx context.Context, h Handler, payload json.RawMessage) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler panic", "error", rec)
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return h(ctx, payload)
}

func (d *Dispatcher) runStream(ctx context.Context, h StreamHandler, payload json.RawMessage) (events <-chan worker.Event, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("stream handler panic", "error", rec)
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return h(ctx, payload)
}

// pump forwards events to the host, stamping each with the request id.
func (d *Dispatcher) pump(id string, events <-chan worker.Event) {
	for ev := range events {
		ev.ID = id
		if err := d.out.WriteEvent(&ev); err != nil {
			slog.Error("event write failed, draining stream", "id", id, "error", err)
			for range events {
			}
			return
		}
		if d.deps.Metrics != nil {
			d.deps.Metrics.StreamEvents.WithLabelValues(ev.Event).Inc()
		}
	}
}

// errorResponse maps handler errors onto wire codes.
func (d *Dispatcher) errorResponse(req *worker.Request, err error) *worker.Response {
	code := worker.CodeCmdErr
	switch {
	case errors.Is(err, worker.ErrLicenseRequired):
		code = worker.CodeLicenseRequired
	case errors.Is(err, worker.ErrPermissionDenied):
		code = worker.CodePermissionDenied
	}
	return worker.Fail(req.ID, code, err.Error())
}

func (d *Dispatcher) write(resp *worker.Response) {
	if err := d.out.WriteResponse(resp); err != nil {
		slog.Error("response write failed", "id", resp.ID, "error", err)
	}
}

func (d *Dispatcher) observe(cmd, status string, start time.Time) {
	if d.deps.Metrics == nil {
		return
	}
	d.deps.Metrics.CommandsTotal.WithLabelValues(cmd, status).Inc()
	d.deps.Metrics.CommandDuration.WithLabelValues(cmd).Observe(time.Since(start).Seconds())
}

// decode unmarshals payload into v, tolerating an absent payload.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// domainFailure is the success-envelope form handlers use for expected
// domain-level failures.
func domainFailure(code, message string) map[string]any {
	return map[string]any{"error": true, "code": code, "message": message}
}
