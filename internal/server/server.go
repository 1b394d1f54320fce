// Package server wires the guard core to its ambient stack: logging, the
// audit stores, the event broker, metrics, config hot reload, and the HTTP
// control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentsh/crashguard/internal/api"
	"github.com/agentsh/crashguard/internal/config"
	"github.com/agentsh/crashguard/internal/events"
	"github.com/agentsh/crashguard/internal/guard"
	"github.com/agentsh/crashguard/internal/metrics"
	"github.com/agentsh/crashguard/internal/policy"
	"github.com/agentsh/crashguard/internal/scope"
	storepkg "github.com/agentsh/crashguard/internal/store"
	"github.com/agentsh/crashguard/internal/store/jsonl"
	"github.com/agentsh/crashguard/internal/store/sqlite"
)

const defaultSQLitePath = "/var/lib/crashguard/events.db"

type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	httpServer *http.Server
	httpLn     net.Listener

	store   *storepkg.Multi
	broker  *events.Broker
	scopes  *scope.Registry
	engine  *guard.Engine
	watcher *config.Watcher
}

func New(cfg *config.Config, configPath string) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	logger := newLogger(cfg.Logging)

	sqlitePath := cfg.Audit.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = defaultSQLitePath
	}
	db, err := sqlite.Open(sqlitePath)
	if err != nil {
		return nil, err
	}

	stores := []storepkg.EventStore{db}
	if cfg.Audit.Output != "" {
		jsonlStore, err := jsonl.New(cfg.Audit.Output, cfg.Audit.Rotation.MaxSizeMB, cfg.Audit.Rotation.MaxBackups)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		stores = append(stores, jsonlStore)
	}
	multi := storepkg.NewMulti(stores...)

	broker := events.NewBroker(logger)
	collector := metrics.New()
	sink := events.NewFanout(broker, multi, collector, logger)

	seed := cfg.ScopeGuardConfig()
	if coercedMode := seed.Mode.Coerce(); coercedMode != seed.Mode {
		logger.Warn("invalid guard mode in configuration, forcing guard on",
			"requested", string(seed.Mode))
		seed.Mode = coercedMode
	}
	defaults := scope.NewDefaults(seed)
	root := scope.NewRoot(defaults, logger)
	registry := scope.NewRegistry(root)

	table := guard.NewTable(cfg.Guard.HashBuckets, sink, logger)
	engine := guard.NewEngine(table, sink, logger)

	resolver, err := policy.NewResolver(cfg.Guard.ExemptPaths, logger)
	if err != nil {
		_ = multi.Close()
		return nil, fmt.Errorf("compile exempt patterns: %w", err)
	}

	logger.Debug("guard configured",
		"mode", string(seed.Mode),
		"expiry", seed.Expiry,
		"suspension", seed.Suspension,
		"maxcrashes", seed.MaxCrashes,
		"buckets", cfg.Guard.HashBuckets)

	s := &Server{
		cfg:    cfg,
		logger: logger,
		store:  multi,
		broker: broker,
		scopes: registry,
		engine: engine,
	}

	app := api.NewApp(cfg, registry, engine, resolver, broker, sink, multi, collector, logger)

	readTimeout, _ := time.ParseDuration(cfg.Server.HTTP.ReadTimeout)
	writeTimeout, _ := time.ParseDuration(cfg.Server.HTTP.WriteTimeout)
	s.httpServer = &http.Server{
		Handler:      app.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, func(next *config.Config, err error) {
			if err != nil {
				return
			}
			if root.Apply(next.ScopeGuardConfig()) {
				logger.Warn("reloaded guard mode was invalid, coerced to forced")
			}
		}, logger)
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		s.watcher = watcher
	}

	return s, nil
}

// Scopes exposes the scope registry, mainly for tests and embedding.
func (s *Server) Scopes() *scope.Registry { return s.scopes }

// Engine exposes the guard engine for in-process consumers that bypass the
// HTTP surface.
func (s *Server) Engine() *guard.Engine { return s.engine }

// Run serves until ctx is cancelled or a termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.Server.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.HTTP.Addr, err)
	}
	s.httpLn = ln

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.logger.Warn("config hot reload unavailable", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("crashguard listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Addr returns the bound listen address, valid after Run starts serving.
func (s *Server) Addr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

func (s *Server) Close() error {
	return s.store.Close()
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
