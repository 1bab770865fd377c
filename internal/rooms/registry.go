// Package rooms binds callers' interest in individual transcription jobs to
// the shared realtime channel.
//
// The [Registry] keeps at most one live subscription per job. Starting a job
// that is already tracked first tears the stale subscription down, so a
// restart never leaves duplicate listeners behind. Incoming events are
// demultiplexed by transcription id and delivered only to the matching
// subscription. When the realtime connection drops and is re-established,
// every live subscription re-joins its room automatically.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/velisarios/akroasis/internal/channel"
	"github.com/velisarios/akroasis/internal/observe"
	"github.com/velisarios/akroasis/internal/wire"
)

// defaultJoinTimeout bounds how long a join request may wait for its
// confirmation before the caller is told to fall back.
const defaultJoinTimeout = 5 * time.Second

// eventBuffer is the per-subscription queue depth for job events.
const eventBuffer = 16

// ErrJoinTimeout resolves a join attempt whose confirmation never arrived.
var ErrJoinTimeout = errors.New("rooms: join confirmation timed out")

// Channel is the slice of the channel manager the registry depends on.
type Channel interface {
	AutoConnect(ctx context.Context)
	Send(ctx context.Context, msg wire.ClientMessage) error
	Notify(fn func(channel.Status)) (cancel func())
}

// Subscription is a live listener handle for one job's event stream.
//
// Events carries the job-scoped progress, completion, and error events; it
// delivers from the moment the subscription is created, so an error event
// that beats the join confirmation still reaches the consumer. Joined yields
// one value per join attempt: nil once the room join is confirmed, or the
// reason the attempt failed. The connection dropping and coming back starts
// a fresh attempt, so a consumer keeps listening on Joined after the first
// confirmation to learn when the server has lost the room for good.
type Subscription interface {
	JobID() string
	Events() <-chan wire.JobEvent
	Joined() <-chan error
}

// Option configures a [Registry].
type Option func(*Registry)

// WithToken sets the credential supplier attached to join requests.
func WithToken(fn func() string) Option {
	return func(r *Registry) { r.token = fn }
}

// WithJoinTimeout overrides the join confirmation deadline.
func WithJoinTimeout(d time.Duration) Option {
	return func(r *Registry) { r.joinTimeout = d }
}

// WithMetrics wires subscription instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry tracks the live subscription per job and demultiplexes channel
// events onto them. All exported methods are safe for concurrent use.
type Registry struct {
	ch          Channel
	token       func() string
	joinTimeout time.Duration
	metrics     *observe.Metrics
	stopNotify  func()

	mu         sync.Mutex
	subs       map[string]*subscription
	sawConnect bool
}

// New creates a [Registry] on top of the given channel.
func New(ch Channel, opts ...Option) *Registry {
	r := &Registry{
		ch:          ch,
		joinTimeout: defaultJoinTimeout,
		subs:        make(map[string]*subscription),
	}
	for _, o := range opts {
		o(r)
	}
	r.stopNotify = ch.Notify(r.onStatus)
	return r
}

// Close detaches the registry from channel status notifications. Live
// subscriptions are left to their owners.
func (r *Registry) Close() {
	if r.stopNotify != nil {
		r.stopNotify()
	}
}

// Start begins tracking jobID and returns its subscription handle. Any
// existing subscription for the same job is stopped first. The join request
// resolves through [Subscription.Joined] on confirmation, on a channel-level
// error, or after the join timeout, whichever comes first; the registry does
// not retry failed joins.
func (r *Registry) Start(ctx context.Context, jobID string) Subscription {
	r.Stop(jobID)

	sub := newSubscription(jobID)
	sub.armJoin(r.joinTimeout)

	r.mu.Lock()
	r.subs[jobID] = sub
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Add(ctx, 1)
	}

	r.ch.AutoConnect(ctx)
	r.sendJoin(ctx, sub)
	return sub
}

// sendJoin writes the join request for sub; a write failure resolves the
// attempt immediately so the consumer can fall back.
func (r *Registry) sendJoin(ctx context.Context, sub *subscription) {
	msg := wire.Join{TranscriptionID: sub.jobID}
	if r.token != nil {
		msg.Token = r.token()
	}
	if err := r.ch.Send(ctx, msg); err != nil {
		slog.Warn("rooms: join request failed to send", "job_id", sub.jobID, "err", err)
		sub.resolveJoin(fmt.Errorf("rooms: send join: %w", err))
	}
}

// onStatus watches the channel lifecycle. The server forgets room
// membership when a connection dies, so a return to the connected state
// after the first connect re-sends every live subscription's join with a
// fresh confirmation deadline. A re-join the server never confirms times
// out and surfaces on [Subscription.Joined] like any failed attempt.
func (r *Registry) onStatus(st channel.Status) {
	if st.State != channel.StateConnected {
		return
	}

	r.mu.Lock()
	first := !r.sawConnect
	r.sawConnect = true
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()
	if first {
		return
	}

	for _, sub := range subs {
		slog.Info("rooms: rejoining after reconnect", "job_id", sub.jobID)
		sub.armJoin(r.joinTimeout)
		r.sendJoin(context.Background(), sub)
	}
}

// Stop ends tracking for jobID: a leave request is sent best-effort and all
// listeners for the job are detached. Stopping an unknown job is a no-op;
// Stop never reports an error to the caller.
func (r *Registry) Stop(jobID string) {
	r.mu.Lock()
	sub, ok := r.subs[jobID]
	if ok {
		delete(r.subs, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if err := r.ch.Send(context.Background(), wire.Leave{TranscriptionID: jobID}); err != nil {
		slog.Debug("rooms: leave request not sent", "job_id", jobID, "err", err)
	}
	sub.close()
	if r.metrics != nil {
		r.metrics.ActiveSubscriptions.Add(context.Background(), -1)
	}
}

// HandleEvent is the registry's inlet for decoded channel events; it is
// registered as the channel manager's event handler.
func (r *Registry) HandleEvent(ev wire.ServerEvent) {
	switch e := ev.(type) {
	case wire.RoomJoined:
		if sub, ok := r.lookup(e.TranscriptionID); ok {
			if started := sub.joinStarted(); r.metrics != nil && !started.IsZero() {
				r.metrics.JoinDuration.Record(context.Background(), time.Since(started).Seconds())
			}
			sub.resolveJoin(nil)
		}
	case wire.RoomLeft:
		slog.Debug("rooms: left", "job_id", e.TranscriptionID)
	case wire.ChannelError:
		r.failPendingJoins(fmt.Errorf("rooms: channel error: %s", e.Message))
	case wire.AuthError:
		r.failPendingJoins(fmt.Errorf("rooms: authentication failed: %s", e.Message))
	case wire.JobEvent:
		r.deliver(e)
	}
}

// lookup returns the live subscription for jobID, if any.
func (r *Registry) lookup(jobID string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[jobID]
	return sub, ok
}

// deliver routes a job-scoped event to the matching subscription only.
func (r *Registry) deliver(ev wire.JobEvent) {
	sub, ok := r.lookup(ev.JobID())
	if !ok {
		slog.Debug("rooms: event for untracked job", "job_id", ev.JobID())
		return
	}
	select {
	case sub.events <- ev:
	case <-sub.done:
	}
}

// failPendingJoins resolves every outstanding join attempt as failed.
// Already-joined subscriptions are unaffected; their join has resolved.
func (r *Registry) failPendingJoins(err error) {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.resolveJoin(err)
	}
}

// subscription is the concrete [Subscription].
type subscription struct {
	jobID  string
	events chan wire.JobEvent
	joined chan error
	done   chan struct{}

	mu        sync.Mutex
	pending   bool
	timer     *time.Timer
	startedAt time.Time
	closed    bool
}

func newSubscription(jobID string) *subscription {
	return &subscription{
		jobID:  jobID,
		events: make(chan wire.JobEvent, eventBuffer),
		joined: make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscription) JobID() string                { return s.jobID }
func (s *subscription) Events() <-chan wire.JobEvent { return s.events }
func (s *subscription) Joined() <-chan error         { return s.joined }

// armJoin opens a join attempt with a fresh confirmation deadline. Called
// for the initial join and again for every re-join after a reconnect.
func (s *subscription) armJoin(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = true
	s.startedAt = time.Now()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() {
		s.resolveJoin(ErrJoinTimeout)
	})
}

// joinStarted returns when the current join attempt began.
func (s *subscription) joinStarted() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// resolveJoin records the outcome of the open join attempt. Delivery is
// latest-wins: an unconsumed earlier outcome is replaced, never queued, so
// the consumer always reads the freshest attempt's result.
func (s *subscription) resolveJoin(err error) {
	s.mu.Lock()
	if !s.pending || s.closed {
		s.mu.Unlock()
		return
	}
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	select {
	case s.joined <- err:
	default:
		select {
		case <-s.joined:
		default:
		}
		select {
		case s.joined <- err:
		default:
		}
	}
}

// close detaches the subscription from event delivery.
func (s *subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	close(s.done)
}
