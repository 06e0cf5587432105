// Package seeds picks the starting reconstruction. Each trial maps the scene
// from one randomly drawn seed and registers all images against the result;
// the trial that registers the most images wins.
package seeds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"

	"gonum.org/v1/gonum/floats"

	"reconloop/internal/engine"
	"reconloop/internal/events"
	"reconloop/internal/pipeline"
	"reconloop/internal/posefile"
	"reconloop/internal/storage"
)

// AllCores requests one worker per CPU.
const AllCores = -1

// Seed is one draw. Immutable once drawn.
type Seed struct {
	Index int
	Value float64
}

// TrialResult is the registration rate a seed achieved.
type TrialResult struct {
	Seed Seed
	Rate float64
}

// ErrNoTrials is returned when there is nothing to choose from.
var ErrNoTrials = errors.New("no seed trials")

// Draw returns n uniform values in [0,1). The same randomSeed always yields the same values.
func Draw(randomSeed int64, n int) []Seed {
	rng := rand.New(rand.NewSource(randomSeed))
	out := make([]Seed, n)
	for i := range out {
		out[i] = Seed{Index: i, Value: rng.Float64()}
	}
	return out
}

// Best returns the trial with the highest rate. Ties go to the lowest index.
func Best(results []TrialResult) (TrialResult, error) {
	if len(results) == 0 {
		return TrialResult{}, ErrNoTrials
	}
	rates := make([]float64, len(results))
	for i, r := range results {
		rates[i] = r.Rate
	}
	return results[floats.MaxIdx(rates)], nil
}

// Workers resolves the configured worker count.
func Workers(configured int) int {
	if configured == AllCores {
		return runtime.NumCPU()
	}
	return configured
}

// Verbose reports whether the trial at index may print progress.
func Verbose(index, configuredWorkers int) bool {
	return index == 0 || configuredWorkers == 1
}

// Options configure a Selector.
type Options struct {
	TrySeeds            int
	RandomSeed          int64
	Workers             int // as configured, AllCores allowed
	ConfidenceThreshold float64
	Render              bool
}

// Selection is the outcome of the seed stage.
type Selection struct {
	Best        TrialResult
	Trials      []TrialResult
	IterationID string
}

// Selector runs seed trials against an engine.
type Selector struct {
	engine engine.Engine
	opts   Options
	log    *slog.Logger
	store  *storage.Store
	bus    *events.Bus
	runID  string
}

// NewSelector creates a Selector. store and bus may be nil.
func NewSelector(eng engine.Engine, opts Options, logger *slog.Logger, store *storage.Store, bus *events.Bus, runID string) *Selector {
	return &Selector{engine: eng, opts: opts, log: logger, store: store, bus: bus, runID: runID}
}

// Select draws the seeds, runs every trial and returns the winner. Any failed
// trial fails the selection. With rendering enabled the winner is mapped once
// more with visualization on.
func (s *Selector) Select(ctx context.Context) (Selection, error) {
	drawn := Draw(s.opts.RandomSeed, s.opts.TrySeeds)
	s.log.Info("trying seeds", "count", len(drawn), "workers", s.opts.Workers)

	jobs := make([]pipeline.Job, len(drawn))
	for i, seed := range drawn {
		jobs[i] = pipeline.Job{
			ID:      engine.SeedID(seed.Index),
			Index:   seed.Index,
			Seed:    seed.Value,
			Verbose: Verbose(seed.Index, s.opts.Workers),
		}
	}

	pool := pipeline.New(Workers(s.opts.Workers), pipeline.ProcessorFunc(s.process), s.log, s.store, s.bus, s.runID)
	results := pool.Run(ctx, jobs)

	trials := make([]TrialResult, len(results))
	for i, res := range results {
		if res.Error != nil {
			return Selection{}, fmt.Errorf("seed trial %s: %w", res.Job.ID, res.Error)
		}
		trials[i] = TrialResult{Seed: drawn[i], Rate: res.Rate}
		s.log.Info("seed result", "index", i, "seed", drawn[i].Value, "rate_pct", fmt.Sprintf("%.1f", res.Rate*100))
	}

	best, err := Best(trials)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{Best: best, Trials: trials, IterationID: engine.SeedID(best.Seed.Index)}
	s.log.Info("selected best seed", "iteration", sel.IterationID, "rate_pct", fmt.Sprintf("%.1f", best.Rate*100))
	s.bus.Publish(events.Event{Kind: events.SeedSelected, RunID: s.runID, IterationID: sel.IterationID, Rate: best.Rate})

	if s.opts.Render {
		s.log.Info("re-mapping best seed with visualization", "iteration", sel.IterationID)
		if _, err := s.RunTrial(ctx, best.Seed, true, true); err != nil {
			return Selection{}, fmt.Errorf("re-map best seed: %w", err)
		}
	}
	return sel, nil
}

func (s *Selector) process(ctx context.Context, job pipeline.Job) pipeline.Result {
	rate, err := s.RunTrial(ctx, Seed{Index: job.Index, Value: job.Seed}, job.Verbose, false)
	return pipeline.Result{Rate: rate, Error: err}
}

// RunTrial maps from seed, registers every image and returns the registration rate.
func (s *Selector) RunTrial(ctx context.Context, seed Seed, verbose, render bool) (float64, error) {
	id := engine.SeedID(seed.Index)
	if _, err := s.engine.Map(ctx, engine.MappingRequest{
		IterationID: id,
		Profile:     engine.ProfileSeed,
		Seed:        seed.Value,
		Render:      render,
		Verbose:     verbose,
	}); err != nil {
		return 0, err
	}
	reg, err := s.engine.Register(ctx, engine.RegistrationRequest{
		IterationID: id,
		Render:      render,
		Verbose:     verbose,
	})
	if err != nil {
		return 0, err
	}
	rates, err := posefile.RegistrationRates(reg.Poses, []float64{s.opts.ConfidenceThreshold})
	if err != nil {
		return 0, err
	}
	return rates[0], nil
}
