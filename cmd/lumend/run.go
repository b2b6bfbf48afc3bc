package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/audit"
	"github.com/lumenai/lumen-worker/internal/chat"
	"github.com/lumenai/lumen-worker/internal/config"
	"github.com/lumenai/lumen-worker/internal/cryptobox"
	"github.com/lumenai/lumen-worker/internal/dispatch"
	"github.com/lumenai/lumen-worker/internal/guard"
	"github.com/lumenai/lumen-worker/internal/ipc"
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
	"github.com/lumenai/lumen-worker/internal/work"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return err
	}

	// Stdout carries protocol frames; logs go to stderr and into the ring
	// buffer the stats frames expose to the host UI.
	logBuf := telemetry.NewLogBuffer()
	slog.SetDefault(slog.New(slog.NewTextHandler(
		io.MultiWriter(os.Stderr, logBuf),
		&slog.HandlerOptions{Level: cfg.Log.SlogLevel()},
	)))

	slog.Info("starting lumend", "version", worker.AppVersion, "data_dir", cfg.DataDir)

	box := cryptobox.New(filepath.Join(cfg.DataDir, "keys", "user_salt.bin"))
	files := store.NewFiles(box)
	conversations := store.NewConversations(cfg.DataDir, files)
	memory := store.NewMemory(cfg.DataDir, files)
	projects := store.NewProjects(cfg.DataDir)
	settingsStore := settings.NewStore(cfg.DataDir, nil)
	auditLog := audit.New(cfg.DataDir)

	resolver := &dnscache.Resolver{}
	ollamaClient := ollama.New(cfg.Ollama.BaseURL, resolver)
	cli := ollama.NewCLI(cfg.Ollama.Bin)
	supervisor := sidecar.New(sidecar.CommandLauncher(cfg.Sidecar.Bin, cfg.Sidecar.Args...))
	webSearch := search.Guard(search.NewDuckDuckGo(cfg.Search.BaseURL))

	chatSvc := chat.New(chat.Deps{
		Conversations: conversations,
		Memory:        memory,
		Projects:      projects,
		Streamer:      ollamaClient,
		Sidecar:       supervisor,
		Search:        webSearch,
		Settings:      settingsStore,
		Audit:         auditLog,
		Encrypt:       box.HasKey,
	})

	tokens, err := remote.NewTokens(cfg.DataDir, box)
	if err != nil {
		return err
	}

	var registry *prometheus.Registry
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(registry)
	}

	var tunnel *remote.Tunnel
	httpSrv := remote.NewServer(remote.Deps{
		Tokens:        tokens,
		Conversations: conversations,
		Chat:          chatSvc,
		Models:        &modelLister{cli: cli},
		Status: func() map[string]any {
			st := map[string]any{"app": worker.AppName, "version": worker.AppVersion}
			if tunnel != nil {
				st["tunnel"] = tunnel.GetStatus().State
			}
			return st
		},
		Metrics:  metrics,
		Registry: registry,
	})
	tunnel = remote.NewTunnel(cfg.Tunnel.BinDir, func() int {
		return boundPort(httpSrv.Addr(), cfg.HTTP.Port)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	out := ipc.NewWriter(os.Stdout)
	stats := telemetry.NewCollector(nil, logBuf)
	dispatcher := dispatch.New(dispatch.Deps{
		Guard:         guard.New(),
		Limiter:       ratelimit.New(),
		Settings:      settingsStore,
		Conversations: conversations,
		Memory:        memory,
		Projects:      projects,
		Box:           box,
		Chat:          chatSvc,
		CLI:           cli,
		API:           ollamaClient,
		Sidecar:       supervisor,
		Analyzer:      repoanalyze.New(),
		Tokens:        tokens,
		Tunnel:        tunnel,
		HTTP:          httpSrv,
		HTTPPort:      cfg.HTTP.Port,
		Search:        webSearch,
		Stats:         stats,
		Audit:         auditLog,
		License:       license.New(),
		Metrics:       metrics,
		Shutdown:      cancel,
	}, out)

	// Background workers: the 2s stats push and periodic DNS cache refresh.
	runner := work.NewRunner(
		telemetry.NewPusher(stats, out),
		&dnsRefresher{resolver: resolver},
	)
	runnerDone := make(chan error, 1)
	go func() { runnerDone <- runner.Run(ctx) }()

	// Read loop: one frame per line until the host closes stdin or asks
	// for shutdown.
	readDone := make(chan error, 1)
	go func() { readDone <- readLoop(ctx, dispatcher) }()

	select {
	case <-ctx.Done():
	case err := <-readDone:
		if err != nil {
			slog.Error("read loop failed", "error", err)
		}
		cancel()
	}

	shutdown(tunnel, httpSrv, supervisor, cfg.HTTP.ShutdownTimeout)

	select {
	case <-runnerDone:
	case <-time.After(5 * time.Second):
		slog.Warn("background workers did not stop in time")
	}
	slog.Info("lumend stopped")
	return nil
}

// readLoop dispatches inbound frames. Malformed lines are logged and
// skipped; only stream errors or EOF end the loop.
func readLoop(ctx context.Context, d *dispatch.Dispatcher) error {
	in := ipc.NewReader(os.Stdin)
	for {
		req, err := in.Next()
		if err != nil {
			var decErr *ipc.DecodeError
			if errors.As(err, &decErr) {
				slog.Warn("dropping malformed frame", "error", decErr)
				continue
			}
			if errors.Is(err, io.EOF) {
				slog.Info("stdin closed, shutting down")
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		d.Dispatch(ctx, req)
	}
}

// shutdown tears down the outward-facing pieces in dependency order.
func shutdown(tunnel *remote.Tunnel, httpSrv *remote.Server, supervisor *sidecar.Supervisor, timeout time.Duration) {
	tunnel.Stop()
	if httpSrv.Running() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), timeout)
		if err := httpSrv.Stop(stopCtx); err != nil {
			slog.Warn("http server stop", "error", err)
		}
		stopCancel()
	}
	supervisor.Disable()
}

// boundPort extracts the port from a listen address, falling back when the
// server is not running yet.
func boundPort(addr string, fallback int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fallback
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fallback
	}
	return port
}

// modelLister adapts the ollama CLI listing to the remote wire shape.
type modelLister struct {
	cli *ollama.CLI
}

func (m *modelLister) ListModels(ctx context.Context) ([]remote.Model, error) {
	models, err := m.cli.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]remote.Model, 0, len(models))
	for _, mod := range models {
		out = append(out, remote.Model{
			Name:      mod.Name,
			SizeBytes: mod.Size,
			Details:   mod.Details.ParameterSize + " " + mod.Details.QuantizationLevel,
		})
	}
	return out, nil
}

// dnsRefresher keeps the shared DNS cache warm so streaming requests never
// stall on a lookup.
type dnsRefresher struct {
	resolver *dnscache.Resolver
}

func (d *dnsRefresher) Name() string { return "dns_refresher" }

func (d *dnsRefresher) Run(ctx context.Context) error {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.resolver.Refresh(true)
		}
	}
}
