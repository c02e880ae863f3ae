// Package api provides the operator HTTP surface and the main wiring logic
// for DoseLog.
//
// It exposes endpoints for triggering captures, listing records, and health
// checks, and assembles the store, GenAI, messaging, and flow modules.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/DoseLog/internal/flow"
	"github.com/BTreeMap/DoseLog/internal/genai"
	"github.com/BTreeMap/DoseLog/internal/messaging"
	"github.com/BTreeMap/DoseLog/internal/models"
	"github.com/BTreeMap/DoseLog/internal/store"
)

// Default server configuration constants
const (
	// DefaultAddr is the default listen address for the operator API.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr             string
	SystemPromptFile string
	Combined         bool
	HistoryLimit     int
	MaxRetries       int
}

// Option configures API server creation.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithSystemPromptFile sets the chat persona prompt file.
func WithSystemPromptFile(path string) Option {
	return func(o *Opts) { o.SystemPromptFile = path }
}

// WithCombined selects the combined-field dialogue shape.
func WithCombined(combined bool) Option {
	return func(o *Opts) { o.Combined = combined }
}

// WithHistoryLimit sets the free-form context window cap.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithMaxRetries sets the extraction retry ceiling per capture state.
func WithMaxRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// Server hosts the operator HTTP endpoints.
type Server struct {
	addr        string
	dispatcher  *Dispatcher
	recordStore store.Store
}

// NewServer creates a server over the dispatcher and record store.
func NewServer(addr string, dispatcher *Dispatcher, recordStore store.Store) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{addr: addr, dispatcher: dispatcher, recordStore: recordStore}
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/alerts", s.alertsHandler)
	mux.HandleFunc("/records", s.recordsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// alertsHandler starts a structured capture for a user (the operator-side
// trigger event).
func (s *Server) alertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.alertsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.alertsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	}

	if err := s.dispatcher.TriggerCapture(r.Context(), req.UserID); err != nil {
		if errors.Is(err, models.ErrCaptureInProgress) {
			writeJSONResponse(w, http.StatusConflict, models.Error("Capture already in progress"))
			return
		}
		slog.Error("Server.alertsHandler: trigger failed", "error", err, "user_id", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to trigger capture"))
		return
	}

	slog.Info("Server.alertsHandler: capture triggered", "user_id", req.UserID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Capture triggered", nil))
}

// recordsHandler returns the full record store in insertion order.
func (s *Server) recordsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	records, err := s.recordStore.ListRecords()
	if err != nil {
		slog.Error("Server.recordsHandler: failed to list records", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list records"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// healthHandler reports liveness.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", nil))
}

// Run assembles all modules and serves until interrupted: record store by DSN,
// GenAI client, Telegram transport, session manager, flows, router,
// dispatcher, and the operator HTTP server.
func Run(storeOpts []store.Option, genaiOpts []genai.Option, msgOpts []messaging.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:         DefaultAddr,
		Combined:     true,
		HistoryLimit: models.DefaultHistoryLimit,
		MaxRetries:   models.DefaultExtractionRetries,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	recordStore, err := buildStore(storeOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize record store: %w", err)
	}
	defer recordStore.Close()

	genaiClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize GenAI client: %w", err)
	}

	msgService, err := messaging.NewTelegramService(msgOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging service: %w", err)
	}

	sessions := flow.NewManager(cfg.HistoryLimit)
	capture := flow.NewCaptureFlow(sessions, genaiClient, recordStore, msgService,
		flow.WithCombined(cfg.Combined), flow.WithMaxRetries(cfg.MaxRetries))
	chat := flow.NewChatFlow(genaiClient, recordStore, cfg.SystemPromptFile)
	router := flow.NewRouter(sessions, capture, chat)
	dispatcher := NewDispatcher(msgService, genaiClient, router, capture, recordStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	dispatcher.Start(ctx)

	server := NewServer(cfg.Addr, dispatcher, recordStore)
	httpServer := &http.Server{Addr: server.addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("DoseLog API listening", "addr", server.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down on signal")
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
		return err
	}
	return nil
}

// buildStore selects a backend by the configured DSN: Postgres, SQLite, or
// the in-memory default.
func buildStore(storeOpts []store.Option) (store.Store, error) {
	var cfg store.Opts
	for _, opt := range storeOpts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("No database DSN configured, using in-memory record store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(cfg.DSN) == "postgres" {
		slog.Info("Using Postgres record store")
		return store.NewPostgresStore(storeOpts...)
	}
	slog.Info("Using SQLite record store", "path", cfg.DSN)
	return store.NewSQLiteStore(storeOpts...)
}
