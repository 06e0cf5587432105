// Package events fans run progress out to any number of listeners.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind enumerates progress notifications.
type Kind string

const (
	RunStarted        Kind = "run_started"
	TrialStarted      Kind = "trial_started"
	TrialFinished     Kind = "trial_finished"
	SeedSelected      Kind = "seed_selected"
	IterationStarted  Kind = "iteration_started"
	IterationFinished Kind = "iteration_finished"
	Artifact          Kind = "artifact"
	RunFinished       Kind = "run_finished"
	RunFailed         Kind = "run_failed"
)

// Event is one progress notification.
type Event struct {
	Kind        Kind      `json:"kind"`
	RunID       string    `json:"run_id,omitempty"`
	IterationID string    `json:"iteration_id,omitempty"`
	Rate        float64   `json:"rate,omitempty"`
	Phase       string    `json:"phase,omitempty"`
	Path        string    `json:"path,omitempty"`
	Message     string    `json:"message,omitempty"`
	Time        time.Time `json:"time"`
}

// Bus delivers events to subscribers without blocking publishers.
type Bus struct {
	log       *slog.Logger
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
	closed    bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{log: logger, subs: make(map[int]chan Event)}
}

// Publish stamps ev and hands it to every subscriber. Full subscribers miss the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("event channel full", "subscriber", id, "kind", ev.Kind)
		}
	}
}

// Subscribe returns a channel for receiving events and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	if b == nil {
		close(ch)
		return ch, func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSubID
	b.nextSubID++
	b.subs[id] = ch
	unsub := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
		b.mu.Unlock()
	}
	return ch, unsub
}

// Close ends every subscription.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
