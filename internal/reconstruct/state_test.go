package reconstruct

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"reconloop/internal/engine"
)

func basePolicy() Policy {
	return Policy{
		RegistrationThreshold:         0.99,
		RelativeRegistrationThreshold: 0.01,
		FinalRefine:                   true,
		FinalRefit:                    true,
		Warmstart:                     true,
		IterationsMax:                 100,
	}
}

func TestDecide(t *testing.T) {
	cases := []struct {
		name      string
		policy    func(*Policy)
		state     IterationState
		iteration int
		rate      float64
		want      IterationState
	}{
		{
			name:      "improving keeps running",
			state:     IterationState{MaxRegistrationRate: 0.5, Phase: Running},
			iteration: 3,
			rate:      0.7,
			want:      IterationState{MaxRegistrationRate: 0.7, Phase: Running},
		},
		{
			name:      "threshold without final refine stops",
			policy:    func(p *Policy) { p.FinalRefine = false },
			state:     IterationState{MaxRegistrationRate: 0.9, Phase: Running},
			iteration: 2,
			rate:      0.995,
			want:      IterationState{MaxRegistrationRate: 0.9, Phase: Stopped},
		},
		{
			name:      "threshold with final refine schedules one more",
			state:     IterationState{MaxRegistrationRate: 0.9, Phase: Running},
			iteration: 2,
			rate:      0.995,
			want:      IterationState{MaxRegistrationRate: 0.995, ScheduledToStopEarly: true, Phase: ScheduledToStopEarly},
		},
		{
			name:      "small improvement meets relative criterion",
			policy:    func(p *Policy) { p.FinalRefine = false },
			state:     IterationState{MaxRegistrationRate: 0.80, Phase: Running},
			iteration: 4,
			rate:      0.805,
			want:      IterationState{MaxRegistrationRate: 0.80, Phase: Stopped},
		},
		{
			name:      "regression meets relative criterion",
			state:     IterationState{MaxRegistrationRate: 0.80, Phase: Running},
			iteration: 4,
			rate:      0.6,
			want:      IterationState{MaxRegistrationRate: 0.80, ScheduledToStopEarly: true, Phase: ScheduledToStopEarly},
		},
		{
			name:      "iteration bound forces schedule",
			state:     IterationState{MaxRegistrationRate: 0.1, Phase: Running},
			iteration: 98,
			rate:      0.5,
			want:      IterationState{MaxRegistrationRate: 0.5, ScheduledToStopEarly: true, Phase: ScheduledToStopEarly},
		},
		{
			name:      "iteration bound applies without final refine",
			policy:    func(p *Policy) { p.FinalRefine = false },
			state:     IterationState{MaxRegistrationRate: 0.1, Phase: Running},
			iteration: 98,
			rate:      0.5,
			want:      IterationState{MaxRegistrationRate: 0.5, ScheduledToStopEarly: true, Phase: ScheduledToStopEarly},
		},
		{
			name:      "scheduled iteration always stops",
			state:     IterationState{MaxRegistrationRate: 0.995, ScheduledToStopEarly: true, Phase: ScheduledToStopEarly},
			iteration: 3,
			rate:      0.2,
			want:      IterationState{MaxRegistrationRate: 0.995, ScheduledToStopEarly: true, Phase: Stopped},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := basePolicy()
			if tc.policy != nil {
				tc.policy(&p)
			}
			got := p.Decide(tc.state, tc.iteration, tc.rate)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Decide mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestProfileAndWarmStart(t *testing.T) {
	running := IterationState{Phase: Running}
	scheduled := IterationState{ScheduledToStopEarly: true, Phase: ScheduledToStopEarly}

	cases := []struct {
		name        string
		policy      func(*Policy)
		state       IterationState
		iteration   int
		wantProfile engine.Profile
		wantWarm    bool
	}{
		{"first iteration from seed trial", nil, running, 1, engine.ProfileBase, false},
		{"later iteration", nil, running, 2, engine.ProfileBase, true},
		{"first iteration from seed network", func(p *Policy) { p.SeedNetwork = true }, running, 1, engine.ProfileBase, true},
		{"refit round", nil, scheduled, 5, engine.ProfileRefit, false},
		{"final refine without refit", func(p *Policy) { p.FinalRefit = false }, scheduled, 5, engine.ProfileBase, true},
		{"warm start disabled", func(p *Policy) { p.Warmstart = false }, running, 4, engine.ProfileBase, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := basePolicy()
			if tc.policy != nil {
				tc.policy(&p)
			}
			if got := p.Profile(tc.state); got != tc.wantProfile {
				t.Errorf("Profile = %s, want %s", got, tc.wantProfile)
			}
			if got := p.WarmStart(tc.state, tc.iteration); got != tc.wantWarm {
				t.Errorf("WarmStart = %v, want %v", got, tc.wantWarm)
			}
		})
	}
}

func TestScheduledStateTerminates(t *testing.T) {
	p := basePolicy()
	st := p.Initial("iteration0_seed0", 0.1)
	for iteration := 1; iteration < 10; iteration++ {
		st = p.Decide(st, iteration, 0.995)
		if iteration == 1 && st.Phase != ScheduledToStopEarly {
			t.Fatalf("expected schedule after convergence, got %s", st.Phase)
		}
		if st.Phase == Stopped {
			if iteration != 2 {
				t.Fatalf("expected stop exactly one iteration after scheduling, stopped at %d", iteration)
			}
			return
		}
	}
	t.Fatalf("state machine never stopped")
}
