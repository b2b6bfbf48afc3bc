// Package sidecar supervises the AirLLM child process: lifecycle state
// machine, readiness handshake, and request/response correlation over
// newline-delimited JSON pipes.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	worker "github.com/lumenai/lumen-worker/internal"
)

// Supervisor states.
const (
	StateOff     = "OFF"
	StateLoading = "LOADING"
	StateReady   = "READY"
	StateError   = "ERROR"
)

const (
	// loadTimeout bounds model loading; expiry forces a disable.
	loadTimeout = 600 * time.Second
	// genTimeout bounds one generation request.
	genTimeout = 180 * time.Second
	// genAcquire bounds waiting for the single-flight generation slot.
	genAcquire = time.Second
)

// Models is the curated catalogue the sidecar can load.
var Models = []string{
	"Llama-2-7b-chat-hf",
	"Mistral-7B-Instruct-v0.2",
	"Qwen2.5-7B-Instruct",
}

// Proc is a running sidecar child process.
type Proc interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Kill() error
	Wait() error
}

// Launcher spawns a sidecar process that will load model.
type Launcher func(ctx context.Context, model string) (Proc, error)

// statusFrame is the single readiness frame the sidecar emits after loading.
type statusFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	Error  string `json:"error,omitempty"`
}

// genRequest is one generation request frame.
type genRequest struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// GenResult is one generation response frame.
type GenResult struct {
	ID        string `json:"id"`
	OK        bool   `json:"ok"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// Status is the externally visible supervisor snapshot.
type Status struct {
	Status string `json:"status"`
	Model  string `json:"model,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Supervisor owns at most one sidecar process at a time.
type Supervisor struct {
	launch Launcher

	mu      sync.Mutex
	state   string
	model   string
	lastErr string
	proc    Proc
	stdinMu sync.Mutex
	gen     chan struct{} // single-flight generation slot
	pending map[string]chan GenResult
	ready   *readySignal // signalled on first status frame of current enable

	loadTimeout time.Duration
	genTimeout  time.Duration
	genAcquire  time.Duration
}

// New returns a Supervisor in the OFF state using launch to spawn processes.
func New(launch Launcher) *Supervisor {
	s := &Supervisor{
		launch:      launch,
		state:       StateOff,
		gen:         make(chan struct{}, 1),
		pending:     make(map[string]chan GenResult),
		loadTimeout: loadTimeout,
		genTimeout:  genTimeout,
		genAcquire:  genAcquire,
	}
	s.gen <- struct{}{}
	return s
}

// Enable loads model, disabling any current sidecar first. It returns once
// the process is spawned; readiness arrives asynchronously via the status
// frame. Unknown models are rejected against the catalogue.
func (s *Supervisor) Enable(ctx context.Context, model string) error {
	known := false
	for _, m := range Models {
		if m == model {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown sidecar model %q", worker.ErrInvalidInput, model)
	}

	s.Disable()

	proc, err := s.launch(ctx, model)
	if err != nil {
		s.mu.Lock()
		s.state = StateError
		s.lastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("start sidecar: %w", err)
	}

	s.mu.Lock()
	s.proc = proc
	s.state = StateLoading
	s.model = model
	s.lastErr = ""
	ready := newReadySignal()
	s.ready = ready
	s.mu.Unlock()

	go s.readLoop(proc)
	go s.watchLoad(ready)
	return nil
}

// Reload re-enables the currently selected model.
func (s *Supervisor) Reload(ctx context.Context) error {
	s.mu.Lock()
	model := s.model
	s.mu.Unlock()
	if model == "" {
		return fmt.Errorf("%w: no model selected", worker.ErrInvalidInput)
	}
	return s.Enable(ctx, model)
}

// Disable terminates the sidecar, failing any pending generations, and
// returns the supervisor to OFF.
func (s *Supervisor) Disable() {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.state = StateOff
	s.lastErr = ""
	s.mu.Unlock()

	if proc != nil {
		proc.Kill()
		proc.Wait()
	}
	s.failPending("AirLLM disabled")
}

// Generate sends one generation request and blocks for the result.
// At most one generation is in flight; a second caller gets ErrBusy after
// a short wait. A request that exceeds the generation timeout fails alone,
// the supervisor stays READY.
func (s *Supervisor) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (*GenResult, error) {
	select {
	case <-s.gen:
	case <-time.After(s.genAcquire):
		return nil, fmt.Errorf("%w: AirLLM is busy", worker.ErrBusy)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { s.gen <- struct{}{} }()

	s.mu.Lock()
	if s.state != StateReady || s.proc == nil {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: sidecar is %s", worker.ErrNotReady, state)
	}
	proc := s.proc
	id := uuid.NewString()
	done := make(chan GenResult, 1)
	s.pending[id] = done
	s.mu.Unlock()

	frame, err := json.Marshal(genRequest{ID: id, Type: "generate", Prompt: prompt, MaxTokens: maxTokens, Temperature: temperature})
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("encode generate: %w", err)
	}
	s.stdinMu.Lock()
	_, err = proc.Stdin().Write(append(frame, '\n'))
	s.stdinMu.Unlock()
	if err != nil {
		s.dropPending(id)
		return nil, fmt.Errorf("write to sidecar: %w", err)
	}

	select {
	case res := <-done:
		return &res, nil
	case <-time.After(s.genTimeout):
		s.dropPending(id)
		return &GenResult{ID: id, OK: false, Error: "Generation timeout"}, nil
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	}
}

// GetStatus returns the current supervisor snapshot.
func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{Status: s.state, Model: s.model, Error: s.lastErr}
}

// WaitReady blocks until the current enable reaches READY or ERROR, or ctx
// expires.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready == nil {
		return fmt.Errorf("%w: sidecar not enabled", worker.ErrNotReady)
	}
	select {
	case <-ready.ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	st := s.GetStatus()
	if st.Status != StateReady {
		return fmt.Errorf("%w: sidecar is %s: %s", worker.ErrNotReady, st.Status, st.Error)
	}
	return nil
}

// readLoop consumes the sidecar's stdout: one status frame, then
// generation responses correlated by id. Process exit fails everything
// still pending.
func (s *Supervisor) readLoop(proc Proc) {
	sc := bufio.NewScanner(proc.Stdout())
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var status statusFrame
		if err := json.Unmarshal(line, &status); err == nil && status.Type == "status" {
			s.handleStatus(status)
			continue
		}

		var res GenResult
		if err := json.Unmarshal(line, &res); err != nil || res.ID == "" {
			slog.Warn("sidecar emitted unparseable frame", "line", string(line))
			continue
		}
		s.mu.Lock()
		done, ok := s.pending[res.ID]
		delete(s.pending, res.ID)
		s.mu.Unlock()
		if ok {
			done <- res
		}
	}

	proc.Wait()
	s.mu.Lock()
	// A deliberate Disable already cleared s.proc; only an unexpected
	// exit transitions to ERROR.
	crashed := s.proc == proc
	if crashed {
		s.proc = nil
		if s.state == StateReady || s.state == StateLoading {
			s.state = StateError
			s.lastErr = "AirLLM process exited"
		} else {
			s.state = StateOff
		}
	}
	ready := s.ready
	s.mu.Unlock()

	if crashed {
		slog.Error("sidecar process exited unexpectedly")
		s.failPending("AirLLM process exited")
		ready.signal()
	}
}

func (s *Supervisor) handleStatus(f statusFrame) {
	s.mu.Lock()
	switch f.Status {
	case StateReady:
		s.state = StateReady
		if f.Model != "" {
			s.model = f.Model
		}
	default:
		s.state = StateError
		s.lastErr = f.Error
	}
	ready := s.ready
	s.mu.Unlock()
	ready.signal()
	slog.Info("sidecar status", "status", f.Status, "model", f.Model)
}

// watchLoad forces a disable when the model never becomes ready.
func (s *Supervisor) watchLoad(ready *readySignal) {
	select {
	case <-ready.ch:
	case <-time.After(s.loadTimeout):
		slog.Error("sidecar load timed out, disabling", "timeout", s.loadTimeout)
		s.Disable()
		ready.signal()
	}
}

func (s *Supervisor) failPending(msg string) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan GenResult)
	s.mu.Unlock()
	for id, done := range pending {
		done <- GenResult{ID: id, OK: false, Error: msg}
	}
}

func (s *Supervisor) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// readySignal is a one-shot latch safe to signal from multiple paths
// (status frame, crash, load timeout).
type readySignal struct {
	once sync.Once
	ch   chan struct{}
}

func newReadySignal() *readySignal { return &readySignal{ch: make(chan struct{})} }

func (r *readySignal) signal() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.ch) })
}

// --- default launcher ---

type cmdProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	// Disable and the read loop can both reach Wait; exec.Cmd.Wait must
	// run once.
	waitOnce sync.Once
	waitErr  error
}

func (p *cmdProc) Stdin() io.Writer  { return p.stdin }
func (p *cmdProc) Stdout() io.Reader { return p.stdout }
func (p *cmdProc) Kill() error {
	p.stdin.Close()
	if p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *cmdProc) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

// CommandLauncher launches the sidecar as `bin args... --model <model>`.
func CommandLauncher(bin string, args ...string) Launcher {
	return func(ctx context.Context, model string) (Proc, error) {
		full := append(append([]string{}, args...), "--model", model)
		cmd := exec.CommandContext(ctx, bin, full...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &cmdProc{cmd: cmd, stdin: stdin, stdout: stdout}, nil
	}
}
