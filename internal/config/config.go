package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "~/.config/reconloop/config.json"
	defaultWorkers    = 3
)

// Config holds user-editable settings for a reconstruction run.
type Config struct {
	Reconstruction Reconstruction `json:"reconstruction" yaml:"reconstruction"`
	Seeds          Seeds          `json:"seeds" yaml:"seeds"`
	Mapping        Mapping        `json:"mapping" yaml:"mapping"`
	Registration   Registration   `json:"registration" yaml:"registration"`
	Visualization  Visualization  `json:"visualization" yaml:"visualization"`
	Export         Export         `json:"export" yaml:"export"`
	Engines        Engines        `json:"engines" yaml:"engines"`
	Logging        Logging        `json:"logging" yaml:"logging"`
	Paths          Paths          `json:"paths" yaml:"paths"`
	Server         Server         `json:"server" yaml:"server"`
}

// Reconstruction controls the main mapping/registration loop.
type Reconstruction struct {
	IterationsMax                 int     `json:"iterations_max" yaml:"iterations_max"`
	RegistrationThreshold         float64 `json:"registration_threshold" yaml:"registration_threshold"`
	RelativeRegistrationThreshold float64 `json:"relative_registration_threshold" yaml:"relative_registration_threshold"`
	FinalRefine                   bool    `json:"final_refine" yaml:"final_refine"`                       // one more mapping round once converged
	FinalRefit                    bool    `json:"final_refit" yaml:"final_refit"`                         // last round retrains from scratch
	FinalRefitPoseWait            int     `json:"final_refit_posewait" yaml:"final_refit_posewait"`       // poses frozen for n training iterations
	RefitIterations               int     `json:"refit_iterations" yaml:"refit_iterations"`               // training budget of the refit
	RegistrationConfidence        int     `json:"registration_confidence" yaml:"registration_confidence"` // inliers for an image to count as registered
	Warmstart                     bool    `json:"warmstart" yaml:"warmstart"`
	RandomSeed                    int64   `json:"random_seed" yaml:"random_seed"`
}

// Seeds controls the initial seed trials.
type Seeds struct {
	TrySeeds        int    `json:"try_seeds" yaml:"try_seeds"`
	ParallelWorkers int    `json:"parallel_workers" yaml:"parallel_workers"` // -1 all cores, 1 sequential
	Iterations      int    `json:"iterations" yaml:"iterations"`
	Network         string `json:"network" yaml:"network"`         // pre-trained seed network, skips trials
	DepthFiles      string `json:"depth_files" yaml:"depth_files"` // glob, empty estimates depth
}

// Mapping holds parameters passed through to the mapping engine.
type Mapping struct {
	Refinement           string  `json:"refinement" yaml:"refinement"` // mlp, none, naive
	RefinementOrtho      string  `json:"refinement_ortho" yaml:"refinement_ortho"`
	PoseRefinementWait   int     `json:"pose_refinement_wait" yaml:"pose_refinement_wait"`
	PoseRefinementLR     float64 `json:"pose_refinement_lr" yaml:"pose_refinement_lr"`
	RefineCalibration    bool    `json:"refine_calibration" yaml:"refine_calibration"`
	ExternalFocalLength  float64 `json:"external_focal_length" yaml:"external_focal_length"` // -1 lets the engine guess
	LearningRateSchedule string  `json:"learning_rate_schedule" yaml:"learning_rate_schedule"`
	LearningRateMax      float64 `json:"learning_rate_max" yaml:"learning_rate_max"`
	CooldownIterations   int     `json:"cooldown_iterations" yaml:"cooldown_iterations"`
	CooldownThreshold    float64 `json:"cooldown_threshold" yaml:"cooldown_threshold"`
	ImageResolution      int     `json:"image_resolution" yaml:"image_resolution"`
	NumHeadBlocks        int     `json:"num_head_blocks" yaml:"num_head_blocks"`
	MaxDatasetPasses     int     `json:"max_dataset_passes" yaml:"max_dataset_passes"`
	ReproLossType        string  `json:"repro_loss_type" yaml:"repro_loss_type"`
	ReproLossHardClamp   int     `json:"repro_loss_hard_clamp" yaml:"repro_loss_hard_clamp"`
	ReproLossSoftClamp   int     `json:"repro_loss_soft_clamp" yaml:"repro_loss_soft_clamp"`
	AugRotation          int     `json:"aug_rotation" yaml:"aug_rotation"`
	NumDataWorkers       int     `json:"num_data_workers" yaml:"num_data_workers"`
	TrainingBufferCPU    bool    `json:"training_buffer_cpu" yaml:"training_buffer_cpu"`
	IterationsOutput     int     `json:"iterations_output" yaml:"iterations_output"`
}

// Registration holds RANSAC parameters for the registration engine.
type Registration struct {
	RansacIterations   int     `json:"ransac_iterations" yaml:"ransac_iterations"`
	RansacThreshold    float64 `json:"ransac_threshold" yaml:"ransac_threshold"`
	HypothesesMaxTries int     `json:"hypotheses_max_tries" yaml:"hypotheses_max_tries"`
}

// Visualization controls rendering of the reconstruction process.
type Visualization struct {
	Render          bool    `json:"render" yaml:"render"`
	FlippedPortrait bool    `json:"flipped_portrait" yaml:"flipped_portrait"`
	MarkerSize      float64 `json:"marker_size" yaml:"marker_size"`
	VideoFramerate  int     `json:"video_framerate" yaml:"video_framerate"`
}

// Export controls point cloud export after the loop.
type Export struct {
	PointCloud bool `json:"point_cloud" yaml:"point_cloud"`
	Dense      bool `json:"dense" yaml:"dense"` // keep all points, for splat initialisation
}

// Engines names the external executables. Each command is argv-style so
// interpreters can be prepended.
type Engines struct {
	Mapping      []string `json:"mapping" yaml:"mapping"`
	Registration []string `json:"registration" yaml:"registration"`
	DepthWarmup  []string `json:"depth_warmup" yaml:"depth_warmup"` // empty skips the warm-up
	PointCloud   []string `json:"point_cloud" yaml:"point_cloud"`
	FinalSweep   []string `json:"final_sweep" yaml:"final_sweep"`
	FFmpeg       string   `json:"ffmpeg" yaml:"ffmpeg"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path" yaml:"database_path"` // empty means <results>/runs.db
}

// Server configures the optional status endpoints of a run.
type Server struct {
	StatusAddr  string `json:"status_addr" yaml:"status_addr"`
	GRPCAddr    string `json:"grpc_addr" yaml:"grpc_addr"`
	WatchOutput bool   `json:"watch_output" yaml:"watch_output"`
}

// ConfigurationError reports invalid or missing required input.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ConfigurationError.
func Invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Path returns the config file location, honouring RECONLOOP_CONFIG.
func Path() string {
	if p := os.Getenv("RECONLOOP_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the given file over the defaults. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if isYAML(expanded) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as JSON, or YAML for .yaml/.yml paths.
func Save(path string, cfg *Config) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	var data []byte
	if isYAML(expanded) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

// Validate checks values the control loop depends on.
func (c *Config) Validate() error {
	r := c.Reconstruction
	if r.IterationsMax < 1 {
		return Invalid("reconstruction.iterations_max", "must be at least 1, got %d", r.IterationsMax)
	}
	if r.RegistrationThreshold < 0 || r.RegistrationThreshold > 1 {
		return Invalid("reconstruction.registration_threshold", "must be within [0,1], got %g", r.RegistrationThreshold)
	}
	if r.RegistrationConfidence < 0 {
		return Invalid("reconstruction.registration_confidence", "must not be negative")
	}
	if c.Seeds.Network == "" && c.Seeds.TrySeeds < 1 {
		return Invalid("seeds.try_seeds", "must be at least 1 when no seed network is given")
	}
	if w := c.Seeds.ParallelWorkers; w == 0 || w < -1 {
		return Invalid("seeds.parallel_workers", "must be -1 (all cores) or positive, got %d", w)
	}
	switch c.Mapping.Refinement {
	case "mlp", "none", "naive":
	default:
		return Invalid("mapping.refinement", "unknown mode %q (mlp|none|naive)", c.Mapping.Refinement)
	}
	if len(c.Engines.Mapping) == 0 {
		return Invalid("engines.mapping", "mapping command is required")
	}
	if len(c.Engines.Registration) == 0 {
		return Invalid("engines.registration", "registration command is required")
	}
	if c.Visualization.Render {
		if len(c.Engines.FinalSweep) == 0 {
			return Invalid("engines.final_sweep", "final sweep command is required when rendering")
		}
		if c.Engines.FFmpeg == "" {
			return Invalid("engines.ffmpeg", "ffmpeg is required when rendering")
		}
	}
	if c.Export.PointCloud && len(c.Engines.PointCloud) == 0 {
		return Invalid("engines.point_cloud", "point cloud command is required when exporting")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Reconstruction: Reconstruction{
			IterationsMax:                 100,
			RegistrationThreshold:         0.99,
			RelativeRegistrationThreshold: 0.01,
			FinalRefine:                   true,
			FinalRefit:                    true,
			FinalRefitPoseWait:            5000,
			RefitIterations:               25000,
			RegistrationConfidence:        500,
			Warmstart:                     true,
			RandomSeed:                    1305,
		},
		Seeds: Seeds{
			TrySeeds:        5,
			ParallelWorkers: defaultWorkers,
			Iterations:      10000,
		},
		Mapping: Mapping{
			Refinement:           "mlp",
			RefinementOrtho:      "gram-schmidt",
			PoseRefinementLR:     0.001,
			RefineCalibration:    true,
			ExternalFocalLength:  -1,
			LearningRateSchedule: "1cyclepoly",
			LearningRateMax:      0.003,
			CooldownIterations:   5000,
			CooldownThreshold:    0.7,
			ImageResolution:      480,
			NumHeadBlocks:        1,
			MaxDatasetPasses:     10,
			ReproLossType:        "tanh",
			ReproLossHardClamp:   1000,
			ReproLossSoftClamp:   50,
			AugRotation:          15,
			NumDataWorkers:       12,
			IterationsOutput:     500,
		},
		Registration: Registration{
			RansacIterations:   32,
			RansacThreshold:    10,
			HypothesesMaxTries: 16,
		},
		Visualization: Visualization{
			MarkerSize:     0.03,
			VideoFramerate: 30,
		},
		Engines: Engines{
			Mapping:      []string{"./train_ace.py"},
			Registration: []string{"./register_mapping.py"},
			PointCloud:   []string{"./export_point_cloud.py"},
			FinalSweep:   []string{"./render_final_sweep.py"},
			FFmpeg:       "ffmpeg",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
			LogDir: "./logs",
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
