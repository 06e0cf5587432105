package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"reconloop/internal/config"
	"reconloop/internal/logging"
)

const outputTail = 4096

// runner executes one external command and turns failures into ExternalCallError.
type runner struct {
	log *slog.Logger
	out io.Writer
}

func (r runner) run(ctx context.Context, step, id string, argv []string, verbose bool) error {
	if len(argv) == 0 {
		return &ExternalCallError{Step: step, ExitCode: -1, Err: errors.New("empty command")}
	}
	start := time.Now()
	logging.LogStepStart(r.log, step, id, argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	tail := &tailBuffer{max: outputTail}
	if verbose {
		cmd.Stdout = io.MultiWriter(r.out, tail)
		cmd.Stderr = io.MultiWriter(r.out, tail)
	} else {
		cmd.Stdout = tail
		cmd.Stderr = tail
	}

	if err := cmd.Run(); err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		callErr := &ExternalCallError{Step: step, Args: argv, ExitCode: code, Output: tail.String(), Err: err}
		logging.LogStepError(r.log, step, id, time.Since(start), callErr)
		return callErr
	}
	logging.LogStepComplete(r.log, step, id, time.Since(start))
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// Subprocess runs the configured mapping and registration programs.
type Subprocess struct {
	cfg    *config.Config
	images string
	layout Layout
	runner runner
}

// NewSubprocess returns an Engine for the image glob, writing into layout.
func NewSubprocess(cfg *config.Config, images string, layout Layout, log *slog.Logger) *Subprocess {
	return &Subprocess{
		cfg:    cfg,
		images: images,
		layout: layout,
		runner: runner{log: log, out: os.Stdout},
	}
}

// Map runs the mapping program for req.
func (s *Subprocess) Map(ctx context.Context, req MappingRequest) (MappingArtifacts, error) {
	if err := s.runner.run(ctx, "mapping", req.IterationID, s.mappingArgs(req), req.Verbose); err != nil {
		return MappingArtifacts{}, err
	}
	arts := MappingArtifacts{
		Weights:          s.layout.Weights(req.IterationID),
		PreliminaryPoses: s.layout.PreliminaryPoses(req.IterationID),
	}
	if req.Render {
		arts.VisualizationBuffer = s.layout.MappingBuffer(req.IterationID)
	}
	return arts, nil
}

// Register runs the registration program for req.
func (s *Subprocess) Register(ctx context.Context, req RegistrationRequest) (RegistrationArtifacts, error) {
	if err := s.runner.run(ctx, "registration", req.IterationID, s.registrationArgs(req), req.Verbose); err != nil {
		return RegistrationArtifacts{}, err
	}
	arts := RegistrationArtifacts{Poses: s.layout.Poses(req.IterationID)}
	if req.Render {
		arts.VisualizationBuffer = s.layout.RegisterBuffer(req.IterationID)
	}
	return arts, nil
}

func (s *Subprocess) mappingArgs(req MappingRequest) []string {
	c := s.cfg
	m := c.Mapping
	args := append([]string{}, c.Engines.Mapping...)
	args = append(args,
		s.images,
		s.layout.Weights(req.IterationID),
		"--repro_loss_type", m.ReproLossType,
		"--render_target_path", s.layout.RenderDir(),
		"--render_marker_size", formatFloat(c.Visualization.MarkerSize),
		"--refinement_ortho", m.RefinementOrtho,
		"--ace_pose_file_conf_threshold", strconv.Itoa(c.Reconstruction.RegistrationConfidence),
		"--render_flipped_portrait", formatBool(c.Visualization.FlippedPortrait),
		"--image_resolution", strconv.Itoa(m.ImageResolution),
		"--pose_refinement_wait", strconv.Itoa(m.PoseRefinementWait),
		"--num_head_blocks", strconv.Itoa(m.NumHeadBlocks),
		"--max_dataset_passes", strconv.Itoa(m.MaxDatasetPasses),
		"--learning_rate_schedule", m.LearningRateSchedule,
		"--learning_rate_max", formatFloat(m.LearningRateMax),
		"--cooldown_iterations", strconv.Itoa(m.CooldownIterations),
		"--cooldown_threshold", formatFloat(m.CooldownThreshold),
		"--aug_rotation", strconv.Itoa(m.AugRotation),
		"--iterations_output", strconv.Itoa(m.IterationsOutput),
		"--pose_refinement_lr", formatFloat(m.PoseRefinementLR),
		"--training_buffer_cpu", formatBool(m.TrainingBufferCPU),
		"--repro_loss_hard_clamp", strconv.Itoa(m.ReproLossHardClamp),
		"--repro_loss_soft_clamp", strconv.Itoa(m.ReproLossSoftClamp),
		"--use_external_focal_length", formatFloat(m.ExternalFocalLength),
	)

	switch req.Profile {
	case ProfileSeed:
		args = append(args,
			"--render_visualization", formatBool(req.Render),
			"--use_pose_seed", formatFloat(req.Seed),
			"--iterations", strconv.Itoa(c.Seeds.Iterations),
		)
		if c.Seeds.DepthFiles != "" {
			args = append(args, "--depth_files", c.Seeds.DepthFiles)
		}
		return args
	case ProfileRefit:
		args = append(args,
			"--iterations", strconv.Itoa(c.Reconstruction.RefitIterations),
			"--pose_refinement_wait", strconv.Itoa(c.Reconstruction.FinalRefitPoseWait),
			"--learning_rate_schedule", "circle",
		)
	}

	if req.PreviousIterationID != "" {
		args = append(args,
			"--render_visualization", formatBool(req.Render),
			"--use_ace_pose_file", s.layout.Poses(req.PreviousIterationID),
			"--pose_refinement", m.Refinement,
			"--use_existing_vis_buffer", s.layout.RegisterBuffer(req.PreviousIterationID),
			"--refine_calibration", formatBool(m.RefineCalibration),
			"--num_data_workers", strconv.Itoa(m.NumDataWorkers),
		)
		if req.WarmStart {
			args = append(args, "--load_weights", s.layout.Weights(req.PreviousIterationID))
		}
	}
	return args
}

func (s *Subprocess) registrationArgs(req RegistrationRequest) []string {
	c := s.cfg
	focal := c.Mapping.ExternalFocalLength
	if req.FocalLength > 0 {
		focal = req.FocalLength
	}
	args := append([]string{}, c.Engines.Registration...)
	return append(args,
		s.images,
		s.layout.Weights(req.IterationID),
		"--render_visualization", formatBool(req.Render),
		"--render_target_path", s.layout.RenderDir(),
		"--render_marker_size", formatFloat(c.Visualization.MarkerSize),
		"--render_flipped_portrait", formatBool(c.Visualization.FlippedPortrait),
		"--session", req.IterationID,
		"--confidence_threshold", strconv.Itoa(c.Reconstruction.RegistrationConfidence),
		"--use_external_focal_length", formatFloat(focal),
		"--hypotheses", strconv.Itoa(c.Registration.RansacIterations),
		"--threshold", formatFloat(c.Registration.RansacThreshold),
		"--image_resolution", strconv.Itoa(c.Mapping.ImageResolution),
		"--num_data_workers", strconv.Itoa(c.Mapping.NumDataWorkers),
		"--hypotheses_max_tries", strconv.Itoa(c.Registration.HypothesesMaxTries),
	)
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// The engine programs parse booleans as True/False.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
