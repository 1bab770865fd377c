// Package mock provides a scripted subscription registry for tests of
// consumers that track jobs.
package mock

import (
	"context"
	"sync"

	"github.com/velisarios/akroasis/internal/rooms"
	"github.com/velisarios/akroasis/internal/wire"
)

// Subscription is a hand-fed subscription handle.
type Subscription struct {
	ID       string
	EventsCh chan wire.JobEvent
	JoinedCh chan error
}

// NewSubscription creates a subscription with buffered channels so tests can
// push outcomes without goroutines.
func NewSubscription(jobID string) *Subscription {
	return &Subscription{
		ID:       jobID,
		EventsCh: make(chan wire.JobEvent, 16),
		JoinedCh: make(chan error, 1),
	}
}

func (s *Subscription) JobID() string                { return s.ID }
func (s *Subscription) Events() <-chan wire.JobEvent { return s.EventsCh }
func (s *Subscription) Joined() <-chan error         { return s.JoinedCh }

// Registry records Start/Stop calls and hands out prepared subscriptions.
type Registry struct {
	mu      sync.Mutex
	subs    map[string]*Subscription
	started []string
	stopped []string
}

// NewRegistry creates an empty mock registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Prepare installs the subscription handed out for jobID.
func (r *Registry) Prepare(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
}

// Start implements the registry interface; unprepared jobs get a fresh
// subscription.
func (r *Registry) Start(_ context.Context, jobID string) rooms.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, jobID)
	sub, ok := r.subs[jobID]
	if !ok {
		sub = NewSubscription(jobID)
		r.subs[jobID] = sub
	}
	return sub
}

// Stop records the stop call.
func (r *Registry) Stop(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, jobID)
}

// Started returns the jobIDs passed to Start, in order.
func (r *Registry) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	copy(out, r.started)
	return out
}

// Stopped returns the jobIDs passed to Stop, in order.
func (r *Registry) Stopped() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.stopped))
	copy(out, r.stopped)
	return out
}

// StopCount returns how many times Stop was called for jobID.
func (r *Registry) StopCount(jobID string) int {
	n := 0
	for _, id := range r.Stopped() {
		if id == jobID {
			n++
		}
	}
	return n
}
