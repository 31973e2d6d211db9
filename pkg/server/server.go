// Package server exposes the HTTP surface: SSE chat dispatch,
// conversation CRUD, health and Prometheus metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/config"
	"github.com/mindmesh/mindmesh/pkg/llms"
	"github.com/mindmesh/mindmesh/pkg/mcp"
	"github.com/mindmesh/mindmesh/pkg/memory"
	"github.com/mindmesh/mindmesh/pkg/metrics"
	"github.com/mindmesh/mindmesh/pkg/orchestrator"
	"github.com/mindmesh/mindmesh/pkg/session"
)

// Server hosts the REST API. Agent sets are cached per conversation so
// histories stay warm across requests.
type Server struct {
	cfg      *config.Server
	provider *llms.Client
	prompts  *orchestrator.Prompts
	sessions *session.Store
	pool     *mcp.Pool
	clock    agent.Clock
	server   *http.Server

	// mu covers lookup-or-create on the orchestrator cache only; the
	// per-conversation turn lock lives inside each orchestrator.
	mu     sync.Mutex
	agents map[string]*orchestrator.Orchestrator
}

// Option configures the server.
type Option func(*Server)

// WithClock pins the time source of every agent runtime, for tests.
func WithClock(clock agent.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// New builds the server. The conversations root comes from cfg.
func New(cfg *config.Server, provider *llms.Client, prompts *orchestrator.Prompts, pool *mcp.Pool, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		prompts:  prompts,
		sessions: session.NewStore(cfg.ConversationsRoot),
		pool:     pool,
		agents:   make(map[string]*orchestrator.Orchestrator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions exposes the session store, for tests.
func (s *Server) Sessions() *session.Store { return s.sessions }

// orchestratorFor returns the cached agent set for a conversation,
// creating it on first use.
func (s *Server) orchestratorFor(cid string) *orchestrator.Orchestrator {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.agents[cid]; ok {
		return o
	}
	o := orchestrator.New(orchestrator.Config{
		CID:              cid,
		Provider:         s.provider,
		Prompts:          s.prompts,
		Sessions:         s.sessions,
		Memories:         memory.NewStore(s.cfg.MemoryRoot, cid),
		Pool:             s.pool,
		MaxContextTurns:  s.cfg.MaxContextTurns,
		MaxContextTokens: s.cfg.MaxContextTokens,
		Clock:            s.clock,
	})
	s.agents[cid] = o
	return o
}

func (s *Server) evict(cid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, cid)
}

// Router assembles the chi route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Post("/conversations", s.handleCreateConversation)
		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{cid}/history", s.handleConversationHistory)
		r.Delete("/conversations/{cid}", s.handleDeleteConversation)
		r.Get("/health", s.handleHealth)
	})
	r.Handle("/metrics", metrics.Handler())

	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Router(),
		// No WriteTimeout: SSE responses stay open for the whole turn.
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	slog.Info("HTTP server starting", "address", s.cfg.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	slog.Info("HTTP server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

func (s *Server) memoryDir(cid string) string {
	return filepath.Join(s.cfg.MemoryRoot, cid)
}

func (s *Server) conversationExists(cid string) bool {
	info, err := os.Stat(s.sessions.Dir(cid))
	return err == nil && info.IsDir()
}

// corsMiddleware adds permissive CORS headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs requests. The ResponseWriter is not wrapped;
// wrapping breaks http.Flusher for SSE.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
