// Package relay turns supervised worker runs into live SSE and WebSocket
// channels and exposes the control endpoints around them.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/portal-orchestrator/internal/batch"
	"github.com/hochfrequenz/portal-orchestrator/internal/config"
	"github.com/hochfrequenz/portal-orchestrator/internal/domain"
	"github.com/hochfrequenz/portal-orchestrator/internal/reconcile"
	"github.com/hochfrequenz/portal-orchestrator/internal/store"
	"github.com/hochfrequenz/portal-orchestrator/internal/supervisor"
)

// Runner executes one worker run
type Runner interface {
	Supports(kind domain.TaskKind) bool
	Run(ctx context.Context, req supervisor.Request, sink domain.EventSink) domain.Outcome
}

// Reconciler persists the derived state of a finished run
type Reconciler interface {
	Reconcile(ctx context.Context, kind domain.TaskKind, target domain.Target, out domain.Outcome) reconcile.Report
}

// Store is the slice of the durable store the relay reads and writes
type Store interface {
	GetTarget(ctx context.Context, id string) (*store.TargetRecord, error)
	SaveRun(ctx context.Context, run domain.Run) error
	FinishRun(ctx context.Context, id string, state domain.RunState, errMsg string) error
	ListRecentRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

// BatchManager runs server-side batches
type BatchManager interface {
	Start(spec batch.Spec) (string, error)
	Get(id string) (batch.QueueState, error)
	List() []batch.QueueState
	Stop(id string) error
	Delete(id string) error
}

// Options wires the server's collaborators. Runner and Modes are required.
type Options struct {
	Runner     Runner
	Reconciler Reconciler
	Store      Store
	Batches    BatchManager
	Modes      *config.ModeSwitch
	Log        logr.Logger

	Host             string
	DownloadDir      string
	KeepAlive        time.Duration
	ReconcileTimeout time.Duration
}

// ActiveRun describes a run that currently owns a channel
type ActiveRun struct {
	ID        string               `json:"run_id"`
	TargetID  string               `json:"target_id"`
	Kind      domain.TaskKind      `json:"task_kind"`
	Mode      domain.ExecutionMode `json:"execution_mode"`
	StartedAt time.Time            `json:"started_at"`

	cancel context.CancelFunc
}

// Server is the relay HTTP server
type Server struct {
	runner     Runner
	reconciler Reconciler
	store      Store
	batches    BatchManager
	modes      *config.ModeSwitch
	log        logr.Logger
	hub        *Hub
	upgrader   websocket.Upgrader
	router     chi.Router

	host             string
	downloadDir      string
	keepAlive        time.Duration
	reconcileTimeout time.Duration
	now              func() time.Time

	mu     sync.Mutex
	active map[string]*ActiveRun
}

// NewServer creates a relay server
func NewServer(opts Options) *Server {
	if opts.Modes == nil {
		opts.Modes = config.NewModeSwitch(domain.ModeHeadless)
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = 30 * time.Second
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}

	s := &Server{
		runner:     opts.Runner,
		reconciler: opts.Reconciler,
		store:      opts.Store,
		batches:    opts.Batches,
		modes:      opts.Modes,
		log:        opts.Log.WithName("relay"),
		hub:        NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		host:             opts.Host,
		downloadDir:      opts.DownloadDir,
		keepAlive:        opts.KeepAlive,
		reconcileTimeout: opts.ReconcileTimeout,
		now:              time.Now,
		active:           make(map[string]*ActiveRun),
	}
	s.modes.OnChange(func(m domain.ExecutionMode) {
		s.hub.Broadcast(Activity{Type: ActivityModeChanged, Data: modeResponse{Mode: m}})
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/stream", s.streamHandler())
		r.Post("/stream", s.streamHandler())
		r.Get("/ws/run", s.wsHandler())
		r.Post("/stop", s.stopHandler())
		r.Get("/status", s.statusHandler())
		r.Get("/config/mode", s.getModeHandler())
		r.Put("/config/mode", s.setModeHandler())
		r.Get("/runs", s.listRunsHandler())
		r.Get("/events", s.hub.serveHTTP(s.keepAlive))

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.startBatchHandler())
			r.Get("/", s.listBatchesHandler())
			r.Get("/{id}", s.getBatchHandler())
			r.Post("/{id}/stop", s.stopBatchHandler())
			r.Delete("/{id}", s.deleteBatchHandler())
		})
	})
	s.router = r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the activity hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve listens on addr until ctx is done, then shuts down gracefully and
// cancels every active run.
func (s *Server) Serve(ctx context.Context, addr string) error {
	go s.hub.Run()
	defer s.hub.Stop()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Shutdown waits for handlers; the activity feed only ends when the hub stops.
	srv.RegisterOnShutdown(s.hub.Stop)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting relay server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down relay server")
		s.cancelRuns("")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// ActiveRuns returns the runs currently streaming
func (s *Server) ActiveRuns() []ActiveRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveRun, 0, len(s.active))
	for _, a := range s.active {
		out = append(out, *a)
	}
	return out
}

func (s *Server) register(a *ActiveRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[a.ID] = a
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// cancelRuns cancels the run with the given id, or every run when id is
// empty, and returns how many were cancelled
func (s *Server) cancelRuns(id string) int {
	s.mu.Lock()
	var cancels []context.CancelFunc
	for runID, a := range s.active {
		if id == "" || runID == id {
			cancels = append(cancels, a.cancel)
		}
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}
