package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/velisarios/akroasis/internal/api"
	"github.com/velisarios/akroasis/internal/observe"
	"github.com/velisarios/akroasis/internal/rooms"
	"github.com/velisarios/akroasis/internal/wire"
)

const defaultPollInterval = 2 * time.Second

// Subscriptions is the job subscription surface the tracker needs.
type Subscriptions interface {
	Start(ctx context.Context, jobID string) rooms.Subscription
	Stop(jobID string)
}

// StatusClient fetches job status over REST when live updates are
// unavailable.
type StatusClient interface {
	Job(ctx context.Context, jobID string) (api.Job, error)
}

// CreateFunc submits a new job, reporting upload percent through
// onProgress as the request body is written.
type CreateFunc func(ctx context.Context, onProgress func(int)) (api.Job, error)

// Config wires a Tracker.
type Config struct {
	Subscriptions Subscriptions
	Jobs          StatusClient

	// PollInterval is the REST polling cadence when the tracker falls
	// back from live updates. Zero means 2s.
	PollInterval time.Duration

	// OnUpdate is invoked for every record change. During upload the key
	// is the file name; once the server assigns an ID it is the job ID.
	OnUpdate func(key string, rec Record)

	// OnRefresh is invoked exactly once per job when it reaches a
	// terminal status, so callers can refresh their job list.
	OnRefresh func()

	Metrics *observe.Metrics
}

type jobState struct {
	rec Record

	// awaitingBaseline marks that the next live progress event carries
	// the server's starting percent and may move the bar backwards.
	awaitingBaseline bool

	session  uint64
	done     chan struct{}
	doneOnce sync.Once
}

type trackSession struct {
	id     uint64
	cancel context.CancelFunc
}

// Tracker owns the per-job progress records. It prefers live channel
// events and falls back to REST polling when the room join fails; the
// two mechanisms never run at the same time for one job.
type Tracker struct {
	subs    Subscriptions
	jobs    StatusClient
	poll    time.Duration
	onUpd   func(string, Record)
	onRefr  func()
	metrics *observe.Metrics

	mu       sync.Mutex
	records  map[string]*jobState
	sessions map[string]*trackSession
	nextSess uint64
}

// New creates a Tracker from cfg.
func New(cfg Config) *Tracker {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Tracker{
		subs:     cfg.Subscriptions,
		jobs:     cfg.Jobs,
		poll:     poll,
		onUpd:    cfg.OnUpdate,
		onRefr:   cfg.OnRefresh,
		metrics:  cfg.Metrics,
		records:  make(map[string]*jobState),
		sessions: make(map[string]*trackSession),
	}
}

// Submit uploads a new job via create and tracks it to completion. The
// record is keyed by fileName while the upload is in flight and re-keyed
// to the server-assigned job ID once the submit response arrives.
func (t *Tracker) Submit(ctx context.Context, fileName string, create CreateFunc) (string, error) {
	t.setRecord(fileName, Record{FileName: fileName, Percent: 0, Status: StatusUploading})

	job, err := create(ctx, func(p int) {
		t.updateRecord(fileName, func(st *jobState) {
			if st.rec.Status != StatusUploading {
				return
			}
			if p > st.rec.Percent {
				st.rec.Percent = p
			}
		})
	})
	if err != nil {
		t.terminate(fileName, Record{
			FileName: fileName,
			Status:   StatusError,
			Message:  fmt.Sprintf("upload failed: %v", err),
		}, "upload_error")
		return "", fmt.Errorf("progress: submit %q: %w", fileName, err)
	}

	t.mu.Lock()
	st, ok := t.records[fileName]
	if !ok {
		st = &jobState{done: make(chan struct{})}
	}
	delete(t.records, fileName)
	// The upload transferred the whole file, so the bar stays at 100
	// until the first live event re-baselines it.
	st.rec = Record{FileName: fileName, Percent: 100, Status: StatusProcessing}
	st.awaitingBaseline = true
	t.records[job.ID] = st
	rec := st.rec
	t.mu.Unlock()

	t.notify(job.ID, rec)
	t.Track(ctx, job.ID)
	return job.ID, nil
}

// Track starts (or restarts) tracking for jobID. A previous tracking
// session for the same job is cancelled first.
func (t *Tracker) Track(ctx context.Context, jobID string) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if prev, ok := t.sessions[jobID]; ok {
		prev.cancel()
	}
	t.nextSess++
	id := t.nextSess
	t.sessions[jobID] = &trackSession{id: id, cancel: cancel}

	st, ok := t.records[jobID]
	if !ok {
		st = &jobState{
			rec:  Record{Status: StatusProcessing},
			done: make(chan struct{}),
		}
		t.records[jobID] = st
	}
	st.session = id
	t.mu.Unlock()

	go t.run(ctx, id, jobID)
}

// Stop cancels tracking for jobID without recording a terminal status.
func (t *Tracker) Stop(jobID string) {
	t.mu.Lock()
	sess, ok := t.sessions[jobID]
	if ok {
		delete(t.sessions, jobID)
	}
	t.mu.Unlock()
	if ok {
		sess.cancel()
	}
	t.subs.Stop(jobID)
}

// Snapshot returns the current record for key, if one exists.
func (t *Tracker) Snapshot(key string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	return st.rec, true
}

// Wait blocks until the job keyed by key reaches a terminal status or
// ctx is done, and returns the final record.
func (t *Tracker) Wait(ctx context.Context, key string) (Record, error) {
	t.mu.Lock()
	st, ok := t.records[key]
	t.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("progress: unknown job %q", key)
	}
	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case <-st.done:
	}
	t.mu.Lock()
	rec := st.rec
	t.mu.Unlock()
	return rec, nil
}

func (t *Tracker) run(ctx context.Context, session uint64, jobID string) {
	sub := t.subs.Start(ctx, jobID)
	joined := sub.Joined()

	for {
		select {
		case <-ctx.Done():
			t.subs.Stop(jobID)
			return
		case err := <-joined:
			// A nil outcome confirms the current join attempt; the
			// channel reconnecting opens a new attempt later, so keep
			// listening. Any failed attempt means live updates are gone.
			if err == nil {
				continue
			}
			slog.Warn("live updates unavailable, polling job status",
				"jobID", jobID, "error", err, "interval", t.poll)
			t.subs.Stop(jobID)
			t.metrics.RecordFallback(ctx)
			t.pollLoop(ctx, session, jobID)
			return
		case ev := <-sub.Events():
			rec, terminal, changed := t.apply(session, jobID, ev)
			if changed {
				t.notify(jobID, rec)
			}
			if terminal {
				t.finish(ctx, session, jobID, string(rec.Status))
				return
			}
		}
	}
}

// apply folds one live event into the job record. Events from a
// superseded tracking session are dropped.
func (t *Tracker) apply(session uint64, jobID string, ev wire.JobEvent) (Record, bool, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.records[jobID]
	if !ok || st.session != session {
		return Record{}, false, false
	}
	before := st.rec

	switch e := ev.(type) {
	case wire.Progress:
		status := statusForStage(e.Stage)
		pct := clampPercent(e.Percentage)
		switch {
		case status == StatusCompleted:
			st.rec.Percent = 100
		case st.awaitingBaseline:
			st.rec.Percent = pct
		case pct > st.rec.Percent:
			st.rec.Percent = pct
		}
		st.awaitingBaseline = false
		st.rec.Status = status
		st.rec.Message = e.Message
	case wire.Completed:
		st.awaitingBaseline = false
		st.rec.Percent = 100
		st.rec.Status = StatusCompleted
		st.rec.Message = e.Message
	case wire.JobError:
		st.awaitingBaseline = false
		st.rec.Status = StatusError
		st.rec.Message = e.Message
	default:
		return Record{}, false, false
	}

	return st.rec, st.rec.Status.Terminal(), st.rec != before
}

func (t *Tracker) pollLoop(ctx context.Context, session uint64, jobID string) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := t.jobs.Job(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.metrics.RecordPoll(ctx, "error")
			slog.Error("job status poll failed", "jobID", jobID, "error", err)
			t.applyRecord(session, jobID, Record{
				Status:  StatusError,
				Message: "could not determine job status",
			})
			t.finish(ctx, session, jobID, "poll_error")
			return
		}
		t.metrics.RecordPoll(ctx, "ok")

		status := statusForJob(job.Status)
		if status == StatusProcessing {
			continue
		}

		rec := Record{FileName: job.FileName, Status: status}
		if status == StatusCompleted {
			rec.Percent = 100
		} else {
			rec.Message = job.Error
			if rec.Message == "" {
				rec.Message = "transcription failed"
			}
		}
		t.applyRecord(session, jobID, rec)
		t.finish(ctx, session, jobID, string(status))
		return
	}
}

// applyRecord overwrites the record from a poll result, preserving the
// file name and keeping percent monotonic.
func (t *Tracker) applyRecord(session uint64, jobID string, rec Record) {
	t.mu.Lock()
	st, ok := t.records[jobID]
	if !ok || st.session != session {
		t.mu.Unlock()
		return
	}
	if rec.FileName == "" {
		rec.FileName = st.rec.FileName
	}
	if rec.Percent < st.rec.Percent && rec.Status != StatusError {
		rec.Percent = st.rec.Percent
	}
	st.rec = rec
	t.mu.Unlock()

	t.notify(jobID, rec)
}

// finish marks the job done exactly once: the done channel closes, the
// subscription is released and the job list refresh fires.
func (t *Tracker) finish(ctx context.Context, session uint64, jobID, outcome string) {
	t.mu.Lock()
	st, ok := t.records[jobID]
	if ok && st.session != session {
		ok = false
	}
	if sess, exists := t.sessions[jobID]; exists && sess.id == session {
		delete(t.sessions, jobID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	t.subs.Stop(jobID)
	st.doneOnce.Do(func() {
		close(st.done)
		t.metrics.RecordTrackingOutcome(ctx, outcome)
		if t.onRefr != nil {
			t.onRefr()
		}
	})
}

// terminate records a terminal error reached before tracking started,
// for example an upload failure.
func (t *Tracker) terminate(key string, rec Record, outcome string) {
	t.mu.Lock()
	st, ok := t.records[key]
	if !ok {
		st = &jobState{done: make(chan struct{})}
		t.records[key] = st
	}
	st.rec = rec
	t.mu.Unlock()

	t.notify(key, rec)
	st.doneOnce.Do(func() {
		close(st.done)
		t.metrics.RecordTrackingOutcome(context.Background(), outcome)
		if t.onRefr != nil {
			t.onRefr()
		}
	})
}

func (t *Tracker) setRecord(key string, rec Record) {
	t.mu.Lock()
	st, ok := t.records[key]
	if !ok {
		st = &jobState{done: make(chan struct{})}
		t.records[key] = st
	}
	st.rec = rec
	t.mu.Unlock()
	t.notify(key, rec)
}

func (t *Tracker) updateRecord(key string, fn func(*jobState)) {
	t.mu.Lock()
	st, ok := t.records[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	before := st.rec
	fn(st)
	rec := st.rec
	changed := rec != before
	t.mu.Unlock()
	if changed {
		t.notify(key, rec)
	}
}

func (t *Tracker) notify(key string, rec Record) {
	if t.onUpd != nil {
		t.onUpd(key, rec)
	}
}
