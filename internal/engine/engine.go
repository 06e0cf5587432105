// Package engine wraps the external mapping and registration programs behind
// a typed interface. Every artifact an engine call produces is named after
// the iteration that produced it, see Layout.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Profile selects the parameter set of a mapping call.
type Profile string

const (
	ProfileSeed  Profile = "seed"  // short run bootstrapped from one image
	ProfileBase  Profile = "base"  // regular iteration
	ProfileRefit Profile = "refit" // final pass, long schedule and frozen poses
)

// MappingRequest describes one mapping call.
type MappingRequest struct {
	IterationID string
	Profile     Profile
	Seed        float64 // ProfileSeed only
	Render      bool

	// Set for every call after the seed stage.
	PreviousIterationID string
	WarmStart           bool

	Verbose bool
}

// MappingArtifacts are the files a successful mapping call leaves behind.
type MappingArtifacts struct {
	Weights             string
	PreliminaryPoses    string
	VisualizationBuffer string
}

// RegistrationRequest describes one registration call.
type RegistrationRequest struct {
	IterationID string
	// FocalLength overrides the configured external focal length when > 0.
	FocalLength float64
	Render      bool
	Verbose     bool
}

// RegistrationArtifacts are the files a successful registration call leaves behind.
type RegistrationArtifacts struct {
	Poses               string
	VisualizationBuffer string
}

// Engine runs mapping and registration. Calls block until the external
// program exits and are never retried.
type Engine interface {
	Map(ctx context.Context, req MappingRequest) (MappingArtifacts, error)
	Register(ctx context.Context, req RegistrationRequest) (RegistrationArtifacts, error)
}

// Extras are the side-effect calls around the main loop.
type Extras interface {
	WarmDepthModel(ctx context.Context) error
	RenderFinalSweep(ctx context.Context) error
	EncodeVideo(ctx context.Context) error
	ExportPointCloud(ctx context.Context, iterationID string) error
}

// ExternalCallError reports an engine program that exited abnormally.
type ExternalCallError struct {
	Step     string
	Args     []string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExternalCallError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d): %s", e.Step, e.ExitCode, strings.Join(e.Args, " "))
	if e.Output != "" {
		msg += "\nOutput: " + e.Output
	}
	return msg
}

func (e *ExternalCallError) Unwrap() error { return e.Err }

// Layout names every artifact inside a results folder.
type Layout struct {
	Dir string
}

func (l Layout) Weights(id string) string { return filepath.Join(l.Dir, id+".pt") }

func (l Layout) Poses(id string) string { return filepath.Join(l.Dir, "poses_"+id+".txt") }

func (l Layout) PreliminaryPoses(id string) string {
	return filepath.Join(l.Dir, "poses_"+id+"_preliminary.txt")
}

// RenderDir holds rendered frames and visualization buffers.
func (l Layout) RenderDir() string { return filepath.Join(l.Dir, "vis") }

func (l Layout) MappingBuffer(id string) string {
	return filepath.Join(l.RenderDir(), id+"_mapping.pkl")
}

// RegisterBuffer is relative to RenderDir, the way the mapping engine expects it.
func (l Layout) RegisterBuffer(id string) string { return id + "_register.pkl" }

func (l Layout) FinalPoses() string { return filepath.Join(l.Dir, "poses_final.txt") }
func (l Layout) Video() string      { return filepath.Join(l.Dir, "reconstruction.mp4") }
func (l Layout) PointCloud() string { return filepath.Join(l.Dir, "pc_final.ply") }
func (l Layout) Database() string   { return filepath.Join(l.Dir, "runs.db") }
func (l Layout) Chart() string      { return filepath.Join(l.Dir, "registration_rates.png") }
func (l Layout) Summary() string    { return filepath.Join(l.Dir, "summary.txt") }

// SeedID names the trial of the seed at index.
func SeedID(index int) string { return fmt.Sprintf("iteration0_seed%d", index) }

// IterationID names a main-loop iteration.
func IterationID(n int) string { return fmt.Sprintf("iteration%d", n) }
