package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/maypok86/otter/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/chat"
	"github.com/lumenai/lumen-worker/internal/telemetry"
)

const (
	// perIPLimit is the sliding-window request budget per client IP.
	perIPLimit  = 60
	perIPWindow = time.Minute

	authCacheTTL    = 30 * time.Second
	authCacheMaxLen = 128
)

// ConversationReader is the conversation surface exposed over HTTP.
type ConversationReader interface {
	List() []worker.ConversationMeta
	Messages(chatID string) ([]worker.StoredMessage, error)
}

// ChatRunner starts a streaming chat turn.
type ChatRunner interface {
	Stream(ctx context.Context, req chat.Request) (<-chan worker.Event, error)
}

// ModelLister enumerates installed models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]Model, error)
}

// Model is the wire shape of one installed model.
type Model struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Details   string `json:"details,omitempty"`
}

// Deps holds all dependencies for the remote HTTP server.
type Deps struct {
	Tokens        *Tokens
	Conversations ConversationReader
	Chat          ChatRunner
	Models        ModelLister
	Status        func() map[string]any // nil = minimal status
	Metrics       *telemetry.Metrics    // nil = no instrumentation
	Registry      *prometheus.Registry  // nil = no /metrics endpoint
}

// Server is the loopback-bound HTTP server reached through the tunnel.
type Server struct {
	deps      Deps
	authCache *otter.Cache[string, time.Time]
	ips       *ipLimiter

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// NewServer wires routes and middleware; nothing listens until Start.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		authCache: otter.Must(&otter.Options[string, time.Time]{
			MaximumSize:      authCacheMaxLen,
			ExpiryCalculator: otter.ExpiryWriting[string, time.Time](authCacheTTL),
		}),
		ips: newIPLimiter(perIPLimit, perIPWindow),
	}
	return s
}

// Start binds to loopback on port and serves until Stop. Port 0 picks a
// free port; Addr reports the bound address.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return fmt.Errorf("remote server already running on %s", s.addr)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("bind remote server: %w", err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("remote server stopped", "error", err)
		}
	}(s.srv)

	slog.Info("remote server listening", "addr", s.addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Running reports whether the server is listening.
func (s *Server) Running() bool { return s.Addr() != "" }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.headers)
	r.Use(s.instrument)

	// Public paths.
	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleRoot)

	// Protected paths: allowlist, then per-IP rate limit, then bearer auth.
	r.Group(func(r chi.Router) {
		r.Use(s.allowlist)
		r.Use(s.rateLimit)
		r.Use(s.authenticate)

		r.Get("/api/status", s.handleStatus)
		r.Get("/api/models", s.handleModels)
		r.Get("/api/conversations", s.handleConversations)
		r.Get("/api/conversations/{id}/messages", s.handleMessages)
		r.Post("/api/chat", s.handleChat)
		r.Post("/api/chat/stream", s.handleChatStream)
		if s.deps.Registry != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
		}
	})

	return r
}

// --- middleware ---

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// headers applies the strict security headers and echoes the CORS origin.
func (s *Server) headers(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		if origin := r.Header.Get("Origin"); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.deps.Metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, fmt.Sprint(sw.status)).Inc()
	})
}

// allowlist rejects client IPs outside the configured list. An empty list
// allows everyone; loopback is always allowed.
func (s *Server) allowlist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if isLoopback(ip) {
			next.ServeHTTP(w, r)
			return
		}
		allowed := s.deps.Tokens.AllowedIPs()
		if len(allowed) > 0 {
			ok := false
			for _, a := range allowed {
				if a == ip {
					ok = true
					break
				}
			}
			if !ok {
				slog.Warn("remote request from non-allowlisted ip", "ip", ip)
				writeJSON(w, http.StatusForbidden, errorBody("forbidden"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.ips.allow(ip) {
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeJSON(w, http.StatusUnauthorized, errorBody("missing bearer token"))
			return
		}

		hash := worker.HashToken(raw)
		if exp, ok := s.authCache.GetIfPresent(hash); ok {
			if exp.IsZero() || exp.After(time.Now()) {
				next.ServeHTTP(w, r)
				return
			}
			s.authCache.Invalidate(hash)
		}

		if err := s.deps.Tokens.Validate(raw); err != nil {
			status := http.StatusUnauthorized
			msg := "invalid token"
			if errors.Is(err, worker.ErrTokenExpired) {
				msg = "token expired"
			}
			writeJSON(w, status, errorBody(msg))
			return
		}
		s.authCache.Set(hash, s.deps.Tokens.Snapshot().ExpiresAt)
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"app":     worker.AppName,
		"version": worker.AppVersion,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Status != nil {
		for k, v := range s.deps.Status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.deps.Models.ListModels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conversations": s.deps.Conversations.List()})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	msgs, err := s.deps.Conversations.Messages(id)
	if err != nil {
		if errors.Is(err, worker.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("conversation not found"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": id, "messages": msgs})
}

// handleChat runs a full turn and returns the assembled response.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	events, err := s.deps.Chat.Stream(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	var sb strings.Builder
	var chatID string
	for ev := range events {
		switch ev.Event {
		case worker.EventToken:
			if text, ok := ev.Data.(string); ok {
				sb.WriteString(text)
			}
			chatID = ev.ChatID
		case worker.EventDone:
			chatID = ev.ChatID
		case worker.EventError:
			writeJSON(w, http.StatusBadGateway, errorBody(ev.Message))
			return
		case worker.EventCancelled:
			writeJSON(w, http.StatusConflict, errorBody("cancelled"))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": chatID, "response": sb.String()})
}

// handleChatStream relays the turn as Server-Sent Events whose names
// mirror the internal stream events.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody("streaming unsupported"))
		return
	}

	events, err := s.deps.Chat.Stream(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, payload)
		flusher.Flush()
		if s.deps.Metrics != nil {
			s.deps.Metrics.StreamEvents.WithLabelValues(ev.Event).Inc()
		}
	}
}

// --- helpers ---

// clientIP resolves the caller's address: tunnel header first, then
// forwarding header, then the socket peer.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("CF-Connecting-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// statusWriter captures the response status for instrumentation.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ipLimiter is a sliding-window counter per client IP.
type ipLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newIPLimiter(limit int, window time.Duration) *ipLimiter {
	return &ipLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.hits[ip][:0]
	for _, t := range l.hits[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[ip] = kept
		return false
	}
	l.hits[ip] = append(kept, now)
	return true
}
