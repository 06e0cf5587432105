package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"reconloop/internal/config"
)

// Collaborators runs the programs around the main loop: depth model warm-up,
// final sweep rendering, video encoding and point cloud export.
type Collaborators struct {
	cfg    *config.Config
	layout Layout
	runner runner
}

// NewCollaborators returns the Extras backed by the configured programs.
func NewCollaborators(cfg *config.Config, layout Layout, log *slog.Logger) *Collaborators {
	return &Collaborators{cfg: cfg, layout: layout, runner: runner{log: log, out: os.Stdout}}
}

// WarmDepthModel loads and discards the depth model once. No command configured means nothing to do.
func (c *Collaborators) WarmDepthModel(ctx context.Context) error {
	if len(c.cfg.Engines.DepthWarmup) == 0 {
		return nil
	}
	return c.runner.run(ctx, "depth-warmup", "", c.cfg.Engines.DepthWarmup, true)
}

// RenderFinalSweep renders the closing camera sweep into the render directory.
func (c *Collaborators) RenderFinalSweep(ctx context.Context) error {
	args := append([]string{}, c.cfg.Engines.FinalSweep...)
	args = append(args, c.layout.RenderDir(), "--render_marker_size", formatFloat(c.cfg.Visualization.MarkerSize))
	return c.runner.run(ctx, "final-sweep", "", args, true)
}

// EncodeVideo turns the rendered frames into reconstruction.mp4.
func (c *Collaborators) EncodeVideo(ctx context.Context) error {
	ffmpeg, err := exec.LookPath(c.cfg.Engines.FFmpeg)
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	rate := c.cfg.Visualization.VideoFramerate
	if rate <= 0 {
		rate = 30
	}
	args := []string{ffmpeg,
		"-y",
		"-framerate", strconv.Itoa(rate),
		"-pattern_type", "glob",
		"-i", filepath.Join(c.layout.RenderDir(), "*.png"),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		c.layout.Video(),
	}
	return c.runner.run(ctx, "video", "", args, false)
}

// ExportPointCloud writes pc_final.ply for the final iteration. Sparse exports
// reuse the visualization buffer when one was rendered.
func (c *Collaborators) ExportPointCloud(ctx context.Context, iterationID string) error {
	args := append([]string{}, c.cfg.Engines.PointCloud...)
	args = append(args, c.layout.PointCloud())
	if !c.cfg.Export.Dense && c.cfg.Visualization.Render {
		args = append(args,
			"--visualization_buffer", c.layout.MappingBuffer(iterationID),
			"--convention", "opencv",
		)
	} else {
		args = append(args,
			"--network", c.layout.Weights(iterationID),
			"--pose_file", c.layout.FinalPoses(),
			"--convention", "opencv",
			"--dense_point_cloud", formatBool(c.cfg.Export.Dense),
		)
	}
	return c.runner.run(ctx, "point-cloud", iterationID, args, true)
}
