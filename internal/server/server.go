package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/echotrail/internal/ledger"
	"github.com/ashita-ai/echotrail/internal/orchestrator"
	"github.com/ashita-ai/echotrail/internal/settings"
)

// Config is everything New needs.
type Config struct {
	Ledger   ledger.Ledger
	Files    orchestrator.FileArrivalHandler
	Settings *settings.Store
	Logger   *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64

	// RawRoot confines POST /v1/files to one directory tree. Empty allows any path.
	RawRoot string
}

// Server serves the control API.
type Server struct {
	http    *http.Server
	handler http.Handler
	logger  *slog.Logger
}

// New builds the route table and middleware stack. It does not listen.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Ledger:              cfg.Ledger,
		Files:               cfg.Files,
		Settings:            cfg.Settings,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		RawRoot:             cfg.RawRoot,
	})

	handler := chain(h.routes(), requestID, tracing, logging(cfg.Logger), recovery(cfg.Logger))

	return &Server{
		http: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			ErrorLog:          slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn),
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

func (h *Handlers) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /v1/files", h.HandleProcessFile)
	mux.HandleFunc("GET /v1/ledger", h.HandleListLedger)
	mux.HandleFunc("GET /v1/settings", h.HandleGetSettings)
	mux.HandleFunc("PATCH /v1/settings", h.HandlePatchSettings)
	return mux
}

// Handler returns the fully wrapped handler, for httptest.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on the configured port and blocks until Shutdown.
// It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.http.Shutdown(ctx)
}
