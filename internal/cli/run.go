package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"reconloop/internal/engine"
	"reconloop/internal/events"
	"reconloop/internal/reconstruct"
	"reconloop/internal/report"
	"reconloop/internal/server"
	"reconloop/internal/watch"
)

// runReconstruction executes one full reconstruction with the optional
// status endpoints and artifact watcher of cfg.Server.
func (r *Root) runReconstruction(ctx context.Context, images, resultsDir string) (report.Summary, error) {
	if err := r.cfg.Validate(); err != nil {
		return report.Summary{}, err
	}
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return report.Summary{}, fmt.Errorf("create results folder: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	log := r.log.With("run", runID)
	layout := engine.Layout{Dir: resultsDir}

	store, closeStore, err := r.openStore(resultsDir)
	if err != nil {
		return report.Summary{}, err
	}
	defer closeStore()

	bus := events.NewBus(log)
	defer bus.Close()

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	if r.cfg.Server.WatchOutput {
		w, err := watch.New([]string{resultsDir}, bus, runID, log)
		if err != nil {
			return report.Summary{}, fmt.Errorf("watch results folder: %w", err)
		}
		if err := w.Start(); err != nil {
			return report.Summary{}, fmt.Errorf("watch results folder: %w", err)
		}
		defer w.Stop()
	}

	if addr := r.cfg.Server.StatusAddr; addr != "" {
		go func() {
			if err := r.serveFn(serveCtx, addr, store, bus, log); err != nil {
				log.Error("status server stopped", "addr", addr, "error", err)
			}
		}()
	}

	if addr := r.cfg.Server.GRPCAddr; addr != "" {
		health := server.NewHealth(addr, log)
		go func() {
			if err := health.Start(serveCtx); err != nil {
				log.Error("gRPC health stopped", "addr", addr, "error", err)
			}
		}()
		health.SetServing(true)
		defer health.SetServing(false)
	}

	eng, extras := r.engineFactory(r.cfg, images, layout, log)
	ctrl := reconstruct.New(reconstruct.Params{
		Config: r.cfg,
		Images: images,
		Layout: layout,
		Engine: eng,
		Extras: extras,
		Logger: r.log,
		Store:  store,
		Bus:    bus,
		RunID:  runID,
	})

	return ctrl.Run(ctx)
}
