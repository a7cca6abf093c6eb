package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/database"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/engine"
	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/events/bus"
	"github.com/agentrun/agentrun/internal/profile"
	"github.com/agentrun/agentrun/internal/supervisor"
	"github.com/agentrun/agentrun/internal/vault"
	"github.com/agentrun/agentrun/internal/worktree"
)

// app wires the engine's services for one CLI invocation. Single
// instance per process; commands receive it fully constructed.
type app struct {
	cfg        *config.Config
	log        *logger.Logger
	db         *sqlx.DB
	bus        bus.EventBus
	busCleanup func()

	profiles   *profile.Service
	supervisor *supervisor.Supervisor
	worktrees  *worktree.Manager
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadWithPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	v := vault.New(cfg.Vault, log)

	profileStore, err := profile.NewSQLiteStore(db)
	if err != nil {
		busCleanup()
		db.Close()
		return nil, err
	}
	profiles, err := profile.NewService(ctx, profileStore, v, cfg.Profiles, log)
	if err != nil {
		busCleanup()
		db.Close()
		return nil, err
	}

	manifest, err := engine.Load(cfg.Engine.ManifestPath)
	if err != nil {
		busCleanup()
		db.Close()
		return nil, err
	}

	worktreeStore, err := worktree.NewSQLiteStore(db)
	if err != nil {
		busCleanup()
		db.Close()
		return nil, err
	}

	return &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		bus:        eventBus,
		busCleanup: busCleanup,
		profiles:   profiles,
		supervisor: supervisor.New(cfg.Engine, manifest, profiles, eventBus, log),
		worktrees:  worktree.NewManager(cfg.Worktree, worktreeStore, log),
	}, nil
}

func (a *app) Close() {
	a.worktrees.Close()
	a.busCleanup()
	if err := a.db.Close(); err != nil {
		a.log.Warn("close database: " + err.Error())
	}
}
