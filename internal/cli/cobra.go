package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"reconloop/internal/config"
	"reconloop/internal/frames"
	"reconloop/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reconloop",
		Short: "Reconloop reconstructs camera poses from unordered images",
		Long: `Reconloop drives external scene-coordinate mapping and registration engines
in a loop: it picks the best of several random seeds, then alternates mapping and
registration until enough images are registered.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newFramesCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newRunCmd(root *Root) *cobra.Command {
	cfg := root.cfg

	cmd := &cobra.Command{
		Use:   "run <images_glob> <results_dir>",
		Short: "Reconstruct a scene from a set of images",
		Long: `Run the full reconstruction: seed trials, initial registration, then
mapping/registration iterations until the registration rate converges.

Examples:
  reconloop run "data/garden/*.jpg" results/garden
  reconloop run "frames/*.png" out --try-seeds 3 --render --export-point-cloud
  reconloop run "frames/*.png" out --status-addr :8080 --watch`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := root.runReconstruction(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			root.log.Info("reconstruction complete",
				"run", summary.RunID,
				"final_iteration", summary.FinalIterationID,
				"iterations", summary.Iterations,
			)
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&cfg.Reconstruction.IterationsMax, "iterations-max", cfg.Reconstruction.IterationsMax, "maximum number of mapping/registration passes")
	f.Float64Var(&cfg.Reconstruction.RegistrationThreshold, "registration-threshold", cfg.Reconstruction.RegistrationThreshold, "stop once this fraction of images is registered")
	f.Float64Var(&cfg.Reconstruction.RelativeRegistrationThreshold, "relative-registration-threshold", cfg.Reconstruction.RelativeRegistrationThreshold, "stop when the improvement over the best rate so far is below this value")
	f.BoolVar(&cfg.Reconstruction.FinalRefine, "final-refine", cfg.Reconstruction.FinalRefine, "run one more mapping round after convergence")
	f.BoolVar(&cfg.Reconstruction.FinalRefit, "final-refit", cfg.Reconstruction.FinalRefit, "retrain the last round from scratch")
	f.BoolVar(&cfg.Reconstruction.Warmstart, "warmstart", cfg.Reconstruction.Warmstart, "initialise each mapping round with the previous network")
	f.Int64Var(&cfg.Reconstruction.RandomSeed, "random-seed", cfg.Reconstruction.RandomSeed, "seed of the seed-image draw")
	f.IntVar(&cfg.Seeds.TrySeeds, "try-seeds", cfg.Seeds.TrySeeds, "number of seed images to try")
	f.IntVar(&cfg.Seeds.ParallelWorkers, "seed-parallel-workers", cfg.Seeds.ParallelWorkers, "concurrent seed trials (-1 uses all cores)")
	f.StringVar(&cfg.Seeds.Network, "seed-network", cfg.Seeds.Network, "pre-trained seed network, skips seed trials")
	f.StringVar(&cfg.Seeds.DepthFiles, "depth-files", cfg.Seeds.DepthFiles, "glob of precomputed depth maps")
	f.BoolVar(&cfg.Visualization.Render, "render", cfg.Visualization.Render, "render the reconstruction and encode a video")
	f.BoolVar(&cfg.Export.PointCloud, "export-point-cloud", cfg.Export.PointCloud, "export a point cloud of the final map")
	f.BoolVar(&cfg.Export.Dense, "dense-point-cloud", cfg.Export.Dense, "keep all points when exporting")
	f.StringVar(&cfg.Server.StatusAddr, "status-addr", cfg.Server.StatusAddr, "serve run status over HTTP on this address")
	f.StringVar(&cfg.Server.GRPCAddr, "grpc-addr", cfg.Server.GRPCAddr, "serve gRPC health on this address")
	f.BoolVar(&cfg.Server.WatchOutput, "watch", cfg.Server.WatchOutput, "publish artifact events for the results folder")

	return cmd
}

func newFramesCmd(root *Root) *cobra.Command {
	var (
		downsample int
		scale      float64
	)

	cmd := &cobra.Command{
		Use:   "frames <video> <output_dir>",
		Short: "Extract numbered frames from a video",
		Long: `Decode a video with ffmpeg and keep every n-th frame as image_<index>.png.
Frames are numbered from 1. A scale other than 1 shrinks each frame by that factor.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if downsample < 1 {
				return config.Invalid("downsample", "must be at least 1, got %d", downsample)
			}
			if scale <= 0 {
				return config.Invalid("scale", "must be positive, got %g", scale)
			}
			ex := frames.New(frames.Options{
				Downsample: downsample,
				Scale:      scale,
				FFmpeg:     root.cfg.Engines.FFmpeg,
				Decode:     root.frameDecoder,
			}, root.log)
			written, err := ex.Extract(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %d frames to %s\n", len(written), args[1])
			return nil
		},
	}

	cmd.Flags().IntVar(&downsample, "downsample", 1, "keep every n-th frame")
	cmd.Flags().Float64Var(&scale, "scale", 1, "divide frame dimensions by this factor")

	return cmd
}

func newHistoryCmd(root *Root) *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history [results_dir]",
		Short: "List past reconstruction runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			store, closeStore, err := root.openStore(dir)
			if err != nil {
				return err
			}
			defer closeStore()

			if runID != "" {
				return printRun(store, runID)
			}
			return printRuns(store, limit)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show iterations and seed trials of one run")

	return cmd
}

func printRuns(store *storage.Store, limit int) error {
	runs, err := store.RecentRuns(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return nil
	}
	fmt.Printf("%-36s  %-10s  %-19s  %5s  %-12s  %s\n", "RUN", "STATUS", "STARTED", "ITERS", "FINAL", "REG@1000")
	for _, run := range runs {
		rate := "-"
		if len(run.Rates) > 1 {
			rate = fmt.Sprintf("%.1f%%", run.Rates[1]*100)
		}
		fmt.Printf("%-36s  %-10s  %-19s  %5d  %-12s  %s\n",
			run.ID, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"), run.Iterations, run.FinalIteration, rate)
	}
	return nil
}

func printRun(store *storage.Store, id string) error {
	run, err := store.Run(id)
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Images:     %s\n", run.Images)
	fmt.Printf("Results:    %s\n", run.ResultsDir)
	fmt.Printf("Status:     %s\n", run.Status)
	if run.Error != "" {
		fmt.Printf("Error:      %s\n", run.Error)
	}
	if run.Status == "completed" {
		fmt.Printf("Elapsed:    %.1f min\n", run.ElapsedMinutes)
	}

	trials, err := store.RunTrials(id)
	if err != nil {
		return err
	}
	if len(trials) > 0 {
		fmt.Println("\nSeed trials:")
		for _, tr := range trials {
			fmt.Printf("  %-20s  seed=%.4f  %-9s  %.1f%%\n", tr.TrialID, tr.SeedValue, tr.Status, tr.Rate*100)
		}
	}

	iters, err := store.RunIterations(id)
	if err != nil {
		return err
	}
	if len(iters) > 0 {
		fmt.Println("\nIterations:")
		for _, it := range iters {
			fmt.Printf("  %-20s  %-5s  %.1f%%  %s\n", it.IterationID, it.Profile, it.Rate*100, it.Phase)
		}
	}
	return nil
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve [results_dir]",
		Short: "Serve run history over HTTP",
		Long: `Start an HTTP server exposing recorded runs, their iterations and seed trials.

Examples:
  reconloop serve results/garden --addr :8080`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) > 0 {
				dir = args[0]
			}
			store, closeStore, err := root.openStore(dir)
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			root.log.Info("server ready",
				"addr", addr,
				"endpoints", []string{"/healthz", "/runs", "/runs/{id}", "/runs/{id}/iterations", "/runs/{id}/trials"},
			)
			return root.serve(ctx, addr, store)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "server address (host:port)")

	return cmd
}

func (r *Root) serve(ctx context.Context, addr string, store *storage.Store) error {
	if r.serveFn == nil {
		return fmt.Errorf("server unavailable")
	}
	return r.serveFn(ctx, addr, store, nil, r.log)
}

func newToolsCmd(root *Root) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Check that the configured engine programs can be started",
		RunE: func(cmd *cobra.Command, args []string) error {
			tc := root.newToolChecker()
			status := tc.GetToolStatus()

			roles := make([]string, 0, len(status))
			for role := range status {
				roles = append(roles, role)
			}
			sort.Strings(roles)

			fmt.Println("Engine Tool Status")
			fmt.Println("==================")
			for _, role := range roles {
				st := status[role]
				icon := "❌"
				if st.Available {
					icon = "✅"
				}
				fmt.Printf("  %s %-14s", icon, role)
				if verbose {
					if st.Path != "" {
						fmt.Printf(" [%s]", st.Path)
					}
					if st.Version != "" {
						fmt.Printf(" (%s)", st.Version)
					}
					if st.Error != nil {
						fmt.Printf(" - %v", st.Error)
					}
				}
				fmt.Println()
			}

			if missing := tc.Missing(); len(missing) > 0 {
				fmt.Printf("\nMissing for the current configuration: %v\n", missing)
			} else {
				fmt.Println("\nAll required tools available")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&verbose, "verbose", false, "show paths, versions and errors")

	return cmd
}
