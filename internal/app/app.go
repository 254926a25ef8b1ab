// Package app wires configuration, storage, checks and the engine for one
// workspace.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"taskgate/internal/checks"
	"taskgate/internal/checks/builtin"
	"taskgate/internal/classify"
	"taskgate/internal/config"
	"taskgate/internal/db"
	"taskgate/internal/docstore"
	"taskgate/internal/engine"
	"taskgate/internal/execctx"
	"taskgate/internal/logging"
	"taskgate/internal/metrics"
	"taskgate/internal/migrate"
	"taskgate/internal/phase"
	"taskgate/internal/procexec"
	"taskgate/internal/repo"
	"taskgate/internal/review"
	"taskgate/internal/store"
)

type Options struct {
	Workspace string
	// ConfigPath overrides the workspace project file.
	ConfigPath string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Getenv     func(string) string
}

type App struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	Store     store.Store
	Registry  *checks.Registry
	Engine    engine.Engine
}

// Open loads and validates configuration first; nothing else is touched
// when it is invalid.
func Open(ctx context.Context, opts Options) (*App, error) {
	ws := opts.Workspace
	if ws == "" {
		ws = "."
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return nil, err
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	var cfg *config.Config
	if opts.ConfigPath != "" {
		cfg, err = config.LoadFile(opts.ConfigPath)
	} else {
		cfg, err = config.Load(abs)
	}
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		if log, err = logging.New(cfg.Logging); err != nil {
			return nil, err
		}
	}

	st, err := OpenStore(cfg, abs)
	if err != nil {
		return nil, err
	}
	suite := &builtin.Suite{Config: cfg, Exec: procexec.Exec{}}
	reg := checks.NewRegistry()
	if err := builtin.Register(reg, suite); err != nil {
		st.Close()
		return nil, err
	}

	eng := engine.Engine{
		Store:      st,
		Config:     cfg,
		Classifier: classify.New(cfg.Classify.FunctionalTerms, cfg.Classify.NonFunctionalTerms),
		Registry:   reg,
		Builder:    execctx.Builder{Workspace: abs, BaseRef: cfg.VCS.BaseRef, Getenv: getenv},
		History:    phase.History{Dir: config.WorkspaceDir(abs)},
		Tests:      builtin.Tests{Suite: suite},
		Coverage:   builtin.Coverage{Suite: suite},
		Logger:     log,
		Metrics:    opts.Metrics,
		Now:        time.Now,
	}
	if cfg.Review.GitHub.Enabled {
		gh, err := review.NewGitHub(ctx, cfg.Review.GitHub, getenv)
		if err != nil {
			log.Warn("github review requests disabled", zap.Error(err))
		} else {
			eng.Review = gh
		}
	}
	return &App{
		Workspace: abs,
		Config:    cfg,
		Logger:    log,
		Store:     st,
		Registry:  reg,
		Engine:    eng,
	}, nil
}

// OpenStore opens the backend named by store.backend under the workspace
// state directory.
func OpenStore(cfg *config.Config, workspace string) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
		}
		return repo.New(conn), nil
	case "files", "":
		return docstore.Open(config.WorkspaceDir(workspace))
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.Store.Close()
}
