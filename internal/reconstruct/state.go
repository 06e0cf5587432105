package reconstruct

import (
	"reconloop/internal/config"
	"reconloop/internal/engine"
)

// Phase is the controller's position in the stopping state machine.
type Phase string

const (
	Running              Phase = "running"
	ScheduledToStopEarly Phase = "scheduled_to_stop_early"
	Stopped              Phase = "stopped"
)

// IterationState is carried from one iteration to the next. Only the
// controller goroutine touches it.
type IterationState struct {
	IterationID          string
	IterationNumber      int
	PreviousIterationID  string
	MaxRegistrationRate  float64
	ScheduledToStopEarly bool
	Phase                Phase
}

// Policy holds the stopping and warm-start rules. The three final-pass
// switches stay separate: FinalRefine asks for one more round once converged,
// FinalRefit swaps that round to the refit profile, and the iteration bound
// schedules a last round without either.
type Policy struct {
	RegistrationThreshold         float64
	RelativeRegistrationThreshold float64
	FinalRefine                   bool
	FinalRefit                    bool
	Warmstart                     bool
	IterationsMax                 int
	SeedNetwork                   bool
}

// PolicyFromConfig extracts the loop rules from cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	r := cfg.Reconstruction
	return Policy{
		RegistrationThreshold:         r.RegistrationThreshold,
		RelativeRegistrationThreshold: r.RelativeRegistrationThreshold,
		FinalRefine:                   r.FinalRefine,
		FinalRefit:                    r.FinalRefit,
		Warmstart:                     r.Warmstart,
		IterationsMax:                 r.IterationsMax,
		SeedNetwork:                   cfg.Seeds.Network != "",
	}
}

// Initial is the state entering the loop after registering against the seed.
func (p Policy) Initial(seedID string, seedRate float64) IterationState {
	return IterationState{
		IterationID:         seedID,
		PreviousIterationID: seedID,
		MaxRegistrationRate: seedRate,
		Phase:               Running,
	}
}

// Profile picks the mapping parameter set for the next iteration.
func (p Policy) Profile(st IterationState) engine.Profile {
	if st.ScheduledToStopEarly && p.FinalRefit {
		return engine.ProfileRefit
	}
	return engine.ProfileBase
}

// WarmStart reports whether iteration loads the previous iteration's weights.
// Weights from the seed stage are only reused when they came from a
// pre-trained seed network, and never for the refit round.
func (p Policy) WarmStart(st IterationState, iteration int) bool {
	if !p.Warmstart {
		return false
	}
	if iteration <= 1 && !p.SeedNetwork {
		return false
	}
	return p.Profile(st) != engine.ProfileRefit
}

// Decide applies the stopping rules to the rate of the iteration just finished.
func (p Policy) Decide(st IterationState, iteration int, rate float64) IterationState {
	next := st
	if st.ScheduledToStopEarly {
		next.Phase = Stopped
		return next
	}

	if rate >= p.RegistrationThreshold || rate-st.MaxRegistrationRate < p.RelativeRegistrationThreshold {
		if !p.FinalRefine {
			next.Phase = Stopped
			return next
		}
		next.ScheduledToStopEarly = true
	}

	if iteration >= p.IterationsMax-2 {
		next.ScheduledToStopEarly = true
	}

	next.MaxRegistrationRate = max(st.MaxRegistrationRate, rate)
	if next.ScheduledToStopEarly {
		next.Phase = ScheduledToStopEarly
	} else {
		next.Phase = Running
	}
	return next
}
