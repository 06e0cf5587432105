// Package reconstruct drives the mapping and registration loop.
package reconstruct

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"reconloop/internal/config"
	"reconloop/internal/engine"
	"reconloop/internal/events"
	"reconloop/internal/fsutil"
	"reconloop/internal/posefile"
	"reconloop/internal/report"
	"reconloop/internal/seeds"
	"reconloop/internal/storage"
)

// Params wires a Controller. Store and Bus may be nil. The Controller adds
// the run ID to Logger itself.
type Params struct {
	Config *config.Config
	Images string
	Layout engine.Layout
	Engine engine.Engine
	Extras engine.Extras
	Logger *slog.Logger
	Store  *storage.Store
	Bus    *events.Bus
	RunID  string
}

// Controller runs one reconstruction from seed selection to the summary.
type Controller struct {
	cfg    *config.Config
	images string
	layout engine.Layout
	engine engine.Engine
	extras engine.Extras
	policy Policy
	log    *slog.Logger
	store  *storage.Store
	bus    *events.Bus
	runID  string
	now    func() time.Time
}

// New creates a Controller.
func New(p Params) *Controller {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    p.Config,
		images: p.Images,
		layout: p.Layout,
		engine: p.Engine,
		extras: p.Extras,
		policy: PolicyFromConfig(p.Config),
		log:    logger.With("run", p.RunID),
		store:  p.Store,
		bus:    p.Bus,
		runID:  p.RunID,
		now:    time.Now,
	}
}

// Run executes the whole reconstruction. Any failed step aborts the run.
func (c *Controller) Run(ctx context.Context) (report.Summary, error) {
	summary, err := c.run(ctx)
	if err != nil {
		c.log.Error("reconstruction failed", "error", err)
		if recErr := c.store.RecordRunResult(c.runID, "failed", storage.RunOutcome{}, err.Error()); recErr != nil {
			c.log.Warn("failed to record run result", "error", recErr)
		}
		c.bus.Publish(events.Event{Kind: events.RunFailed, RunID: c.runID, Message: err.Error()})
		return report.Summary{}, err
	}
	if recErr := c.store.RecordRunResult(c.runID, "completed", storage.RunOutcome{
		ElapsedMinutes: summary.ElapsedMinutes(),
		Iterations:     summary.Iterations,
		FinalIteration: summary.FinalIterationID,
		Rates:          summary.Rates,
	}, ""); recErr != nil {
		c.log.Warn("failed to record run result", "error", recErr)
	}
	c.bus.Publish(events.Event{Kind: events.RunFinished, RunID: c.runID, IterationID: summary.FinalIterationID, Message: report.Format(summary)})
	return summary, nil
}

func (c *Controller) run(ctx context.Context) (report.Summary, error) {
	if err := c.cfg.Validate(); err != nil {
		return report.Summary{}, err
	}
	images, err := fsutil.ExpandImages(c.images)
	if err != nil {
		return report.Summary{}, err
	}
	if err := os.MkdirAll(c.layout.Dir, 0o755); err != nil {
		return report.Summary{}, fmt.Errorf("create results folder: %w", err)
	}
	c.log.Info("starting reconstruction", "images", c.images, "count", len(images), "results", c.layout.Dir)
	if odd := fsutil.NonImages(images); len(odd) > 0 {
		c.log.Warn("image glob matches files without an image extension", "count", len(odd), "first", odd[0])
	}

	cfgJSON, err := json.Marshal(c.cfg)
	if err != nil {
		c.log.Warn("failed to encode config for run history", "error", err)
	}
	if err := c.store.RecordRunStart(storage.RunRecord{ID: c.runID, Images: c.images, ResultsDir: c.layout.Dir, ConfigJSON: string(cfgJSON)}); err != nil {
		c.log.Warn("failed to record run start", "error", err)
	}
	c.bus.Publish(events.Event{Kind: events.RunStarted, RunID: c.runID, Path: c.layout.Dir})

	if err := c.extras.WarmDepthModel(ctx); err != nil {
		return report.Summary{}, fmt.Errorf("depth model warm-up: %w", err)
	}

	start := c.now()

	seedID, err := c.seedStage(ctx)
	if err != nil {
		return report.Summary{}, err
	}

	c.log.Info("registering all images to seed", "iteration", seedID)
	seedRate, err := c.register(ctx, engine.RegistrationRequest{
		IterationID: seedID,
		Render:      c.cfg.Visualization.Render,
		Verbose:     true,
	})
	if err != nil {
		return report.Summary{}, err
	}
	c.log.Info("seed registered", "iteration", seedID, "rate_pct", pct(seedRate))

	state := c.policy.Initial(seedID, seedRate)
	history := []report.IterationPoint{{Number: 0, IterationID: seedID, Profile: string(engine.ProfileSeed), Rate: seedRate}}
	c.recordIteration(state, string(engine.ProfileSeed), seedRate, 0)

	lastIteration := 0
	for iteration := 1; iteration < c.policy.IterationsMax; iteration++ {
		lastIteration = iteration
		profile := c.policy.Profile(state)

		rate, focal, err := c.iterate(ctx, state, iteration, profile)
		if err != nil {
			return report.Summary{}, err
		}

		state.IterationNumber = iteration
		state.IterationID = engine.IterationID(iteration)
		state.PreviousIterationID = state.IterationID
		state = c.policy.Decide(state, iteration, rate)

		history = append(history, report.IterationPoint{Number: iteration, IterationID: state.IterationID, Profile: string(profile), Rate: rate})
		c.recordIteration(state, string(profile), rate, focal)
		c.log.Info("iteration finished", "iteration", state.IterationID, "rate_pct", pct(rate), "phase", state.Phase)

		if state.Phase == Stopped {
			break
		}
	}
	state.Phase = Stopped
	finalID := state.IterationID

	if c.cfg.Visualization.Render {
		c.log.Info("rendering final sweep")
		if err := c.extras.RenderFinalSweep(ctx); err != nil {
			return report.Summary{}, fmt.Errorf("render final sweep: %w", err)
		}
		c.log.Info("converting to video")
		if err := c.extras.EncodeVideo(ctx); err != nil {
			return report.Summary{}, fmt.Errorf("encode video: %w", err)
		}
	}

	elapsed := c.now().Sub(start)
	c.log.Info("reconstructed", "minutes", fmt.Sprintf("%.1f", elapsed.Minutes()))

	summary, err := report.Build(c.layout.Poses(finalID), elapsed, lastIteration, finalID, history)
	if err != nil {
		return report.Summary{}, err
	}
	summary.RunID = c.runID
	if err := report.CopyFinal(c.layout.Poses(finalID), c.layout.FinalPoses()); err != nil {
		return report.Summary{}, err
	}

	if c.cfg.Export.PointCloud {
		c.log.Info("exporting point cloud", "iteration", finalID)
		if err := c.extras.ExportPointCloud(ctx, finalID); err != nil {
			return report.Summary{}, fmt.Errorf("export point cloud: %w", err)
		}
	}

	c.writeReport(summary)
	return summary, nil
}

// seedStage returns the iteration ID the loop starts from.
func (c *Controller) seedStage(ctx context.Context) (string, error) {
	if network := c.cfg.Seeds.Network; network != "" {
		id := fsutil.Stem(network)
		c.log.Info("using pre-trained network as seed", "network", network, "iteration", id)
		if err := c.placeSeedNetwork(network, c.layout.Weights(id)); err != nil {
			return "", err
		}
		return id, nil
	}

	sel := seeds.NewSelector(c.engine, seeds.Options{
		TrySeeds:            c.cfg.Seeds.TrySeeds,
		RandomSeed:          c.cfg.Reconstruction.RandomSeed,
		Workers:             c.cfg.Seeds.ParallelWorkers,
		ConfidenceThreshold: float64(c.cfg.Reconstruction.RegistrationConfidence),
		Render:              c.cfg.Visualization.Render,
	}, c.log, c.store, c.bus, c.runID)
	selection, err := sel.Select(ctx)
	if err != nil {
		return "", err
	}
	return selection.IterationID, nil
}

// placeSeedNetwork copies a pre-trained network into the results folder
// unless it already lives there.
func (c *Controller) placeSeedNetwork(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return config.Invalid("seeds.network", "cannot read %s: %v", src, err)
	}
	if absSrc, _ := filepath.Abs(src); absSrc != "" {
		if absDst, _ := filepath.Abs(dst); absSrc == absDst {
			return nil
		}
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy seed network: %w", err)
	}
	return out.Close()
}

// iterate runs one mapping and registration round and returns its rate and
// the focal length handed to registration.
func (c *Controller) iterate(ctx context.Context, st IterationState, iteration int, profile engine.Profile) (float64, float64, error) {
	id := engine.IterationID(iteration)
	c.bus.Publish(events.Event{Kind: events.IterationStarted, RunID: c.runID, IterationID: id, Phase: string(st.Phase)})

	arts, err := c.engine.Map(ctx, engine.MappingRequest{
		IterationID:         id,
		Profile:             profile,
		Render:              c.cfg.Visualization.Render,
		PreviousIterationID: st.PreviousIterationID,
		WarmStart:           c.policy.WarmStart(st, iteration),
		Verbose:             true,
	})
	if err != nil {
		return 0, 0, err
	}

	focal, err := posefile.SharedFocalLength(arts.PreliminaryPoses)
	if err != nil {
		return 0, 0, err
	}
	c.log.Info("passing focal length estimate to registration", "iteration", id, "focal_length", focal)

	rate, err := c.register(ctx, engine.RegistrationRequest{
		IterationID: id,
		FocalLength: focal,
		Render:      c.cfg.Visualization.Render,
		Verbose:     true,
	})
	if err != nil {
		return 0, 0, err
	}
	return rate, focal, nil
}

func (c *Controller) register(ctx context.Context, req engine.RegistrationRequest) (float64, error) {
	arts, err := c.engine.Register(ctx, req)
	if err != nil {
		return 0, err
	}
	rates, err := posefile.RegistrationRates(arts.Poses, []float64{float64(c.cfg.Reconstruction.RegistrationConfidence)})
	if err != nil {
		return 0, err
	}
	return rates[0], nil
}

func (c *Controller) recordIteration(st IterationState, profile string, rate, focal float64) {
	if err := c.store.RecordIteration(storage.IterationRecord{
		RunID:       c.runID,
		Number:      st.IterationNumber,
		IterationID: st.IterationID,
		Profile:     profile,
		Rate:        rate,
		MaxRate:     st.MaxRegistrationRate,
		FocalLength: focal,
		Phase:       string(st.Phase),
	}); err != nil {
		c.log.Warn("failed to record iteration", "iteration", st.IterationID, "error", err)
	}
	c.bus.Publish(events.Event{Kind: events.IterationFinished, RunID: c.runID, IterationID: st.IterationID, Rate: rate, Phase: string(st.Phase)})
}

// writeReport prints the stats table and stores it with a chart. Failures here only warn.
func (c *Controller) writeReport(s report.Summary) {
	text := report.Format(s)
	fmt.Print(text)
	if err := report.WriteSummary(c.layout.Summary(), s); err != nil {
		c.log.Warn("failed to write summary", "error", err)
	}
	if err := report.WriteChart(c.layout.Chart(), s, c.cfg.Reconstruction.RegistrationThreshold); err != nil {
		c.log.Warn("failed to write chart", "error", err)
	}
}

func pct(rate float64) string { return fmt.Sprintf("%.1f", rate*100) }
