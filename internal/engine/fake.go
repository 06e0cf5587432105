package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"reconloop/internal/posefile"
)

const fakeImages = 200

// Fake is an in-memory Engine and Extras. It writes real pose files into its
// Layout so the control loop reads them exactly as it would read engine output.
type Fake struct {
	Layout Layout

	// RateFor returns the registration rate an iteration should produce.
	RateFor func(iterationID string) float64
	// FocalFor returns the focal lengths written to a preliminary pose file.
	// nil writes one shared value.
	FocalFor func(iterationID string) []float64
	// Fail makes the named step fail for an iteration, keyed "mapping:<id>" or "registration:<id>".
	Fail map[string]error

	mu            sync.Mutex
	Maps          []MappingRequest
	Registrations []RegistrationRequest
	ExtraCalls    []string
}

// NewFake returns a Fake writing into dir.
func NewFake(dir string, rateFor func(string) float64) *Fake {
	return &Fake{Layout: Layout{Dir: dir}, RateFor: rateFor}
}

func (f *Fake) Map(ctx context.Context, req MappingRequest) (MappingArtifacts, error) {
	f.mu.Lock()
	f.Maps = append(f.Maps, req)
	f.mu.Unlock()

	if err := f.failure("mapping", req.IterationID); err != nil {
		return MappingArtifacts{}, err
	}
	if err := os.WriteFile(f.Layout.Weights(req.IterationID), []byte(req.IterationID), 0o644); err != nil {
		return MappingArtifacts{}, err
	}

	focals := []float64{500}
	if f.FocalFor != nil {
		focals = f.FocalFor(req.IterationID)
	}
	recs := make([]posefile.PoseRecord, len(focals))
	for i, focal := range focals {
		recs[i] = fakeRecord(i, focal, 0)
	}
	if err := posefile.Write(f.Layout.PreliminaryPoses(req.IterationID), recs); err != nil {
		return MappingArtifacts{}, err
	}
	return MappingArtifacts{
		Weights:          f.Layout.Weights(req.IterationID),
		PreliminaryPoses: f.Layout.PreliminaryPoses(req.IterationID),
	}, nil
}

func (f *Fake) Register(ctx context.Context, req RegistrationRequest) (RegistrationArtifacts, error) {
	f.mu.Lock()
	f.Registrations = append(f.Registrations, req)
	f.mu.Unlock()

	if err := f.failure("registration", req.IterationID); err != nil {
		return RegistrationArtifacts{}, err
	}
	rate := 0.0
	if f.RateFor != nil {
		rate = f.RateFor(req.IterationID)
	}
	registered := int(rate*fakeImages + 0.5)
	recs := make([]posefile.PoseRecord, fakeImages)
	for i := range recs {
		inliers := 0.0
		if i < registered {
			inliers = 5000
		}
		recs[i] = fakeRecord(i, 500, inliers)
	}
	if err := posefile.Write(f.Layout.Poses(req.IterationID), recs); err != nil {
		return RegistrationArtifacts{}, err
	}
	return RegistrationArtifacts{Poses: f.Layout.Poses(req.IterationID)}, nil
}

func (f *Fake) WarmDepthModel(ctx context.Context) error { return f.extra("depth-warmup") }

func (f *Fake) RenderFinalSweep(ctx context.Context) error { return f.extra("final-sweep") }

func (f *Fake) EncodeVideo(ctx context.Context) error { return f.extra("video") }

func (f *Fake) ExportPointCloud(ctx context.Context, iterationID string) error {
	return f.extra("point-cloud:" + iterationID)
}

// MapIDs lists the iteration IDs passed to Map, in call order.
func (f *Fake) MapIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.Maps))
	for i, r := range f.Maps {
		ids[i] = r.IterationID
	}
	return ids
}

// RegisterIDs lists the iteration IDs passed to Register, in call order.
func (f *Fake) RegisterIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.Registrations))
	for i, r := range f.Registrations {
		ids[i] = r.IterationID
	}
	return ids
}

func (f *Fake) extra(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExtraCalls = append(f.ExtraCalls, name)
	return nil
}

func (f *Fake) failure(step, id string) error {
	err := f.Fail[step+":"+id]
	if err == nil {
		return nil
	}
	return &ExternalCallError{Step: step, Args: []string{"fake", id}, ExitCode: 1, Err: err}
}

func fakeRecord(i int, focal, inliers float64) posefile.PoseRecord {
	rec := posefile.PoseRecord{
		ImageID:     fmt.Sprintf("rgb/frame_%05d.png", i),
		FocalLength: focal,
		Inliers:     inliers,
	}
	rec.Pose.Rotation.Real = 1
	return rec
}
