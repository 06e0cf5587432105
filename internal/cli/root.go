package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"reconloop/internal/config"
	"reconloop/internal/engine"
	"reconloop/internal/events"
	"reconloop/internal/frames"
	"reconloop/internal/server"
	"reconloop/internal/storage"
)

type engineFactory func(cfg *config.Config, images string, layout engine.Layout, log *slog.Logger) (engine.Engine, engine.Extras)

type toolChecker interface {
	GetToolStatus() map[string]engine.ToolStatus
	Missing() []string
}

type toolCheckerFactory func(*config.Config) toolChecker

type serverFunc func(ctx context.Context, addr string, store *storage.Store, bus *events.Bus, log *slog.Logger) error

func defaultEngines(cfg *config.Config, images string, layout engine.Layout, log *slog.Logger) (engine.Engine, engine.Extras) {
	return engine.NewSubprocess(cfg, images, layout, log), engine.NewCollaborators(cfg, layout, log)
}

// Root wires CLI commands to the reconstruction packages.
type Root struct {
	cfg     *config.Config
	cfgPath string
	log     *slog.Logger

	// store overrides the database each command would open.
	store *storage.Store

	engineFactory engineFactory
	toolFactory   toolCheckerFactory
	serveFn       serverFunc
	frameDecoder  frames.DecodeFunc
}

// NewRoot constructs the shared command state.
func NewRoot(cfg *config.Config, logger *slog.Logger) *Root {
	return &Root{
		cfg:           cfg,
		cfgPath:       config.Path(),
		log:           logger,
		engineFactory: defaultEngines,
		toolFactory: func(cfg *config.Config) toolChecker {
			return engine.NewToolChecker(cfg)
		},
		serveFn: server.Serve,
	}
}

func (r *Root) newToolChecker() toolChecker {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return engine.NewToolChecker(r.cfg)
}

// databasePath resolves the run history database for a results folder.
func (r *Root) databasePath(resultsDir string) (string, error) {
	if r.cfg.Paths.DatabasePath != "" {
		return expandUser(r.cfg.Paths.DatabasePath)
	}
	if resultsDir == "" {
		return "", config.Invalid("paths.database_path", "no results folder given and no database configured")
	}
	return engine.Layout{Dir: resultsDir}.Database(), nil
}

// openStore opens the history database. The returned close func is always safe to call.
func (r *Root) openStore(resultsDir string) (*storage.Store, func(), error) {
	if r.store != nil {
		return r.store, func() {}, nil
	}
	path, err := r.databasePath(resultsDir)
	if err != nil {
		return nil, func() {}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, func() {}, fmt.Errorf("create database directory: %w", err)
	}
	store, err := storage.New(path)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open run history %s: %w", path, err)
	}
	return store, func() { store.Close() }, nil
}

func expandUser(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
