// Package server assembles the application and runs the HTTP server.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/matiasleandrokruk/wanderplan/internal/api"
	domainaudit "github.com/matiasleandrokruk/wanderplan/internal/domain/audit"
	domainauth "github.com/matiasleandrokruk/wanderplan/internal/domain/auth"
	"github.com/matiasleandrokruk/wanderplan/internal/domain/plan"
	"github.com/matiasleandrokruk/wanderplan/internal/domain/preferences"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/config"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/eventbus"
	"github.com/matiasleandrokruk/wanderplan/internal/infra/llm"
	pkgauth "github.com/matiasleandrokruk/wanderplan/pkg/auth"
)

const defaultShutdownTimeout = 15 * time.Second

// Server wraps the HTTP server, its database and background workers.
type Server struct {
	config config.ServerConfig
	db     *sql.DB
	http   *http.Server
	logger *slog.Logger
	bus    *eventbus.Bus
	plans  *plan.Service
	usage  *plan.UsageRecorder
}

// NewServer wires every service over db. It fails when the JWT secret or
// the model API key is unusable.
func NewServer(db *sql.DB, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	tokens, err := pkgauth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("server: token issuer: %w", err)
	}
	llmSvc, err := llm.New(cfg.LLM.Service(), llm.WithLogger(logger.With("component", "llm")))
	if err != nil {
		return nil, fmt.Errorf("server: llm service: %w", err)
	}

	bus := eventbus.New()
	audit := domainaudit.NewService(db)
	prefs := preferences.NewService(db, audit)
	plans := plan.NewService(db, plan.NewLLMGenerator(llmSvc, nil), plan.Deps{
		Preferences: prefs,
		Bus:         bus,
		Audit:       audit,
		Logger:      logger.With("component", "plan"),
	})
	usage := plan.NewUsageRecorder(db, logger.With("component", "usage"))

	router := api.NewRouter(api.Deps{
		Auth:              domainauth.NewService(db, tokens, audit),
		Tokens:            tokens,
		Preferences:       prefs,
		Plans:             plans,
		Usage:             usage,
		Logger:            logger.With("component", "http"),
		GeneratePerMinute: cfg.RateLimit.GeneratePerMinute,
		GenerateBurst:     cfg.RateLimit.GenerateBurst,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{
		config: cfg.Server,
		db:     db,
		http:   httpServer,
		logger: logger,
		bus:    bus,
		plans:  plans,
		usage:  usage,
	}, nil
}

// Run listens on the configured address and serves until ctx is cancelled.
// The database is closed when Run returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		if cerr := s.db.Close(); cerr != nil {
			s.logger.Error("database close error", "error", cerr)
		}
		return fmt.Errorf("server: listen %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully and closes the database.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if n, err := s.plans.RecoverInterrupted(ctx); err != nil {
		s.logger.Error("recover interrupted generations", "error", err)
	} else if n > 0 {
		s.logger.Warn("marked interrupted generations as failed", "count", n)
	}

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	usageDone := s.usage.Start(workerCtx, s.bus)

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		serveErr <- s.http.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server: serve: %w", err)
		}
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	stopWorkers()
	<-usageDone
	if err := s.db.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("database close error: %w", err)
	}
	s.logger.Info("server shutdown complete")
	return runErr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}
