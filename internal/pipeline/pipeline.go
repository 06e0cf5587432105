package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"reconloop/internal/events"
	"reconloop/internal/storage"
)

// Job is one seed trial.
type Job struct {
	ID      string
	Index   int
	Seed    float64
	Verbose bool
}

// Result captures the outcome of a Job.
type Result struct {
	Job      Job
	Rate     float64
	Error    error
	Duration time.Duration
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) Result

func (f ProcessorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

// Pipeline runs independent jobs on a bounded set of workers.
type Pipeline struct {
	processor   Processor
	concurrency int
	log         *slog.Logger
	store       *storage.Store
	bus         *events.Bus
	runID       string
}

// New creates a Pipeline. A concurrency of 1 runs jobs inline, in order.
func New(concurrency int, processor Processor, logger *slog.Logger, store *storage.Store, bus *events.Bus, runID string) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		processor:   processor,
		concurrency: concurrency,
		log:         logger,
		store:       store,
		bus:         bus,
		runID:       runID,
	}
}

// Concurrency reports the worker bound.
func (p *Pipeline) Concurrency() int { return p.concurrency }

// Run executes every job and returns the results in job order once all have finished.
func (p *Pipeline) Run(ctx context.Context, jobs []Job) []Result {
	for _, job := range jobs {
		if err := p.store.RecordTrialQueued(storage.TrialRecord{
			RunID:     p.runID,
			TrialID:   job.ID,
			SeedIndex: job.Index,
			SeedValue: job.Seed,
		}); err != nil {
			p.log.Warn("failed to record queued trial", "trial", job.ID, "error", err)
		}
	}

	results := make([]Result, len(jobs))
	if p.concurrency == 1 {
		for i, job := range jobs {
			results[i] = p.execute(ctx, job)
		}
		return results
	}

	queue := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(p.concurrency, len(jobs)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				results[i] = p.execute(ctx, jobs[i])
			}
		}()
	}
	for i := range jobs {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return results
}

func (p *Pipeline) execute(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	start := time.Now()
	if err := p.store.RecordTrialStart(p.runID, job.ID); err != nil {
		p.log.Warn("failed to record trial start", "trial", job.ID, "error", err)
	}
	p.bus.Publish(events.Event{Kind: events.TrialStarted, RunID: p.runID, IterationID: job.ID})

	res := p.processor.Process(ctx, job)
	res.Job = job
	res.Duration = time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		p.log.Error("seed trial failed", "trial", job.ID, "seed", job.Seed, "error", res.Error)
	} else {
		p.log.Info("seed trial finished", "trial", job.ID, "seed", job.Seed, "rate", res.Rate,
			"duration_human", res.Duration.Round(time.Second).String())
	}
	if err := p.store.RecordTrialResult(p.runID, job.ID, status, res.Rate, errString(res.Error)); err != nil {
		p.log.Warn("failed to record trial result", "trial", job.ID, "error", err)
	}
	p.bus.Publish(events.Event{Kind: events.TrialFinished, RunID: p.runID, IterationID: job.ID, Rate: res.Rate, Message: errString(res.Error)})
	return res
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
