// Package app assembles the service from its parts: storage backends chosen
// by configuration, the coordinator on top of them, and the HTTP server in
// front. Initialization order is directory → registry → attendance →
// coordinator → API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/api"
	"tutorchat/internal/attendance"
	"tutorchat/internal/config"
	"tutorchat/internal/coordinator"
	"tutorchat/internal/directory"
	"tutorchat/internal/registry"
)

type Application struct {
	cfg        config.Config
	logger     *zap.Logger
	coord      *coordinator.Coordinator
	httpServer *http.Server
	cleanups   []func()
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{cfg: cfg, logger: logger}

	// The sqlite handle is shared by whichever of the directory, registry
	// and attendance store run on it.
	var sqliteDB *sql.DB
	needSQLite := cfg.DirectoryBackend == config.DirectorySQLite ||
		cfg.RegistryBackend == config.RegistrySQLite
	if needSQLite {
		db, err := registry.OpenDB(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		sqliteDB = db
		app.cleanups = append(app.cleanups, func() { _ = db.Close() })
	}

	dir, err := app.buildDirectory(ctx, sqliteDB)
	if err != nil {
		app.runCleanups()
		return nil, err
	}

	reg, err := app.buildRegistry(ctx, sqliteDB)
	if err != nil {
		app.runCleanups()
		return nil, err
	}

	var recorder *attendance.Recorder
	if sqliteDB != nil {
		recorder, err = attendance.NewRecorder(sqliteDB, dir, logger)
		if err != nil {
			app.runCleanups()
			return nil, err
		}
	} else {
		logger.Info("attendance tracking disabled: no sqlite database configured")
	}

	var observer coordinator.Observer
	if recorder != nil {
		observer = recorder
	}
	app.coord = coordinator.New(dir, reg, logger, coordinator.Options{
		Observer:          observer,
		MessagesPerMinute: cfg.MessagesPerMinute,
		MaxSessionMinutes: cfg.MaxSessionMinutes,
	})

	server := api.NewServer(app.coord, recorder, dir, cfg, logger)
	app.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return app, nil
}

func (a *Application) buildDirectory(ctx context.Context, sqliteDB *sql.DB) (directory.Directory, error) {
	switch a.cfg.DirectoryBackend {
	case config.DirectoryMemory:
		a.logger.Warn("using in-memory directory: all lookups start empty")
		return directory.NewMemory(), nil
	case config.DirectorySQLite:
		return directory.NewSQLite(sqliteDB)
	case config.DirectoryPostgres:
		pool, err := directory.NewPostgresPool(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.cleanups = append(a.cleanups, pool.Close)
		return directory.NewPostgres(pool), nil
	default:
		return nil, fmt.Errorf("unknown directory backend %q", a.cfg.DirectoryBackend)
	}
}

func (a *Application) buildRegistry(ctx context.Context, sqliteDB *sql.DB) (registry.Registry, error) {
	switch a.cfg.RegistryBackend {
	case config.RegistryMemory:
		a.logger.Warn("using in-memory registry: sessions will not survive a restart")
		return registry.NewMemory(), nil
	case config.RegistrySQLite:
		reg, err := registry.NewSQLite(sqliteDB, a.logger)
		if err != nil {
			return nil, err
		}
		a.cleanups = append(a.cleanups, reg.Shutdown)
		return reg, nil
	case config.RegistryRedis:
		rdb, err := registry.NewRedisClient(ctx, a.cfg.RedisAddr, a.cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		a.cleanups = append(a.cleanups, func() { _ = rdb.Close() })
		return registry.NewRedis(rdb), nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", a.cfg.RegistryBackend)
	}
}

// Run adopts surviving sessions, serves HTTP until ctx is cancelled, then
// shuts everything down in reverse order.
func (a *Application) Run(ctx context.Context) error {
	if err := a.coord.Resume(ctx); err != nil {
		a.runCleanups()
		return fmt.Errorf("resume sessions: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		a.runCleanups()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	a.coord.Shutdown()
	a.runCleanups()
	return nil
}

func (a *Application) runCleanups() {
	// Reverse order: dependents before dependencies.
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
