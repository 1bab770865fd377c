package progress

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/velisarios/akroasis/internal/api"
	roomsmock "github.com/velisarios/akroasis/internal/rooms/mock"
	"github.com/velisarios/akroasis/internal/wire"
)

type fakeJobs struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (api.Job, error)
}

func (f *fakeJobs) Job(_ context.Context, _ string) (api.Job, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n)
}

func (f *fakeJobs) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type updateLog struct {
	mu      sync.Mutex
	entries []struct {
		key string
		rec Record
	}
	refreshes int
}

func (l *updateLog) update(key string, rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, struct {
		key string
		rec Record
	}{key, rec})
}

func (l *updateLog) refresh() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
}

func (l *updateLog) refreshCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes
}

func (l *updateLog) records(key string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Record
	for _, e := range l.entries {
		if e.key == key {
			out = append(out, e.rec)
		}
	}
	return out
}

func newTestTracker(t *testing.T, reg *roomsmock.Registry, jobs StatusClient, log *updateLog) *Tracker {
	t.Helper()
	return New(Config{
		Subscriptions: reg,
		Jobs:          jobs,
		PollInterval:  5 * time.Millisecond,
		OnUpdate:      log.update,
		OnRefresh:     log.refresh,
	})
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSubmit_UploadThenProcessing(t *testing.T) {
	reg := roomsmock.NewRegistry()
	log := &updateLog{}
	tr := newTestTracker(t, reg, &fakeJobs{}, log)

	jobID, err := tr.Submit(t.Context(), "omilia.wav", func(_ context.Context, onProgress func(int)) (api.Job, error) {
		onProgress(37)
		onProgress(100)
		return api.Job{ID: "abc", Status: api.JobPending}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobID != "abc" {
		t.Fatalf("expected job abc, got %q", jobID)
	}

	uploads := log.records("omilia.wav")
	if len(uploads) < 2 {
		t.Fatalf("expected upload updates, got %v", uploads)
	}
	for _, rec := range uploads[1:] {
		if rec.Status != StatusUploading {
			t.Errorf("expected uploading status, got %v", rec)
		}
	}
	if last := uploads[len(uploads)-1]; last.Percent != 100 {
		t.Errorf("expected upload to reach 100, got %v", last)
	}

	rec, ok := tr.Snapshot("abc")
	if !ok {
		t.Fatal("expected record for abc")
	}
	if rec.Status != StatusProcessing || rec.Percent != 100 {
		t.Errorf("expected {100 processing} after submit, got %v", rec)
	}
	waitFor(t, time.Second, func() bool {
		started := reg.Started()
		return len(started) == 1 && started[0] == "abc"
	})
}

func TestSubmit_UploadFailure(t *testing.T) {
	reg := roomsmock.NewRegistry()
	log := &updateLog{}
	tr := newTestTracker(t, reg, &fakeJobs{}, log)

	boom := errors.New("connection reset")
	_, err := tr.Submit(t.Context(), "omilia.wav", func(context.Context, func(int)) (api.Job, error) {
		return api.Job{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected upload error, got %v", err)
	}

	rec, err := tr.Wait(t.Context(), "omilia.wav")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusError || !strings.Contains(rec.Message, "upload failed") {
		t.Errorf("unexpected record: %v", rec)
	}
	if got := log.refreshCount(); got != 1 {
		t.Errorf("expected one refresh, got %d", got)
	}
	if started := reg.Started(); len(started) != 0 {
		t.Errorf("expected no subscription after failed upload, got %v", started)
	}
}

func TestLiveProgress_RebaselineThenMonotonic(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	tr := newTestTracker(t, reg, &fakeJobs{}, log)

	_, err := tr.Submit(t.Context(), "omilia.wav", func(context.Context, func(int)) (api.Job, error) {
		return api.Job{ID: "abc"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sub.JoinedCh <- nil
	sub.EventsCh <- progressEvent("abc", "processing", 42, "transcribing")
	waitFor(t, time.Second, func() bool {
		rec, _ := tr.Snapshot("abc")
		return rec.Percent == 42
	})

	// Lower percent after the baseline never moves the bar backwards.
	sub.EventsCh <- progressEvent("abc", "processing", 10, "")
	sub.EventsCh <- progressEvent("abc", "processing", 80, "")
	waitFor(t, time.Second, func() bool {
		rec, _ := tr.Snapshot("abc")
		return rec.Percent == 80
	})

	for _, rec := range log.records("abc") {
		if rec.Status == StatusProcessing && rec.Percent == 10 {
			t.Errorf("percent regressed to 10: %v", log.records("abc"))
		}
	}
}

func TestCompletedEventFinishesOnce(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	tr := newTestTracker(t, reg, &fakeJobs{}, log)

	tr.Track(t.Context(), "abc")
	sub.JoinedCh <- nil
	sub.EventsCh <- completedEvent("abc", "done")

	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusCompleted || rec.Percent != 100 {
		t.Errorf("expected {100 completed}, got %v", rec)
	}
	waitFor(t, time.Second, func() bool { return reg.StopCount("abc") >= 1 })
	if got := log.refreshCount(); got != 1 {
		t.Errorf("expected one refresh, got %d", got)
	}
}

func TestJobErrorEvent(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	tr := newTestTracker(t, reg, &fakeJobs{}, log)

	tr.Track(t.Context(), "abc")
	sub.JoinedCh <- nil
	sub.EventsCh <- jobErrorEvent("abc", "model crashed")

	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusError || rec.Message != "model crashed" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestJoinFailureFallsBackToPolling(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	jobs := &fakeJobs{fn: func(call int) (api.Job, error) {
		if call < 3 {
			return api.Job{ID: "abc", Status: api.JobProcessing}, nil
		}
		return api.Job{ID: "abc", FileName: "omilia.wav", Status: api.JobCompleted}, nil
	}}
	tr := newTestTracker(t, reg, jobs, log)

	tr.Track(t.Context(), "abc")
	sub.JoinedCh <- errors.New("join timed out")

	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusCompleted || rec.Percent != 100 {
		t.Errorf("expected {100 completed}, got %v", rec)
	}
	if jobs.callCount() < 3 {
		t.Errorf("expected at least 3 polls, got %d", jobs.callCount())
	}
	// The subscription is released when polling takes over and never
	// re-engaged afterwards.
	waitFor(t, time.Second, func() bool { return reg.StopCount("abc") >= 1 })
}

func TestRejoinFailureFallsBackToPolling(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	jobs := &fakeJobs{fn: func(int) (api.Job, error) {
		return api.Job{ID: "abc", FileName: "omilia.wav", Status: api.JobCompleted}, nil
	}}
	tr := newTestTracker(t, reg, jobs, log)

	tr.Track(t.Context(), "abc")
	sub.JoinedCh <- nil
	sub.EventsCh <- progressEvent("abc", "processing", 42, "")
	waitFor(t, time.Second, func() bool {
		rec, _ := tr.Snapshot("abc")
		return rec.Percent == 42
	})

	// The channel reconnects but the server never confirms the rejoin;
	// the failed attempt must push the job onto the polling path.
	sub.JoinedCh <- errors.New("join confirmation timed out")

	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusCompleted || rec.Percent != 100 {
		t.Errorf("expected {100 completed} from polling, got %v", rec)
	}
	if jobs.callCount() < 1 {
		t.Error("expected the status poller to take over")
	}
	waitFor(t, time.Second, func() bool { return reg.StopCount("abc") >= 1 })
}

func TestFallbackIgnoresLateLiveEvents(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	release := make(chan struct{})
	jobs := &fakeJobs{fn: func(int) (api.Job, error) {
		<-release
		return api.Job{ID: "abc", Status: api.JobCompleted}, nil
	}}
	tr := newTestTracker(t, reg, jobs, log)

	tr.Track(t.Context(), "abc")
	sub.JoinedCh <- errors.New("join timed out")
	waitFor(t, time.Second, func() bool { return reg.StopCount("abc") >= 1 })

	// Events arriving after the fallback engaged must not touch the
	// record.
	sub.EventsCh <- progressEvent("abc", "processing", 55, "late")
	time.Sleep(20 * time.Millisecond)
	if rec, _ := tr.Snapshot("abc"); rec.Percent == 55 || rec.Message == "late" {
		t.Errorf("late live event applied during fallback: %v", rec)
	}

	close(release)
	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected completed, got %v", rec)
	}
}

func TestPollFailureRecordsGenericError(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	jobs := &fakeJobs{fn: func(int) (api.Job, error) {
		return api.Job{}, errors.New("dial tcp: connection refused")
	}}
	tr := newTestTracker(t, reg, jobs, log)

	tr.Track(t.Context(), "abc")
	sub.JoinedCh <- errors.New("join timed out")

	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusError || rec.Message != "could not determine job status" {
		t.Errorf("unexpected record: %v", rec)
	}
	if got := log.refreshCount(); got != 1 {
		t.Errorf("expected one refresh, got %d", got)
	}
}

func TestPollReportsFailedJob(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	jobs := &fakeJobs{fn: func(int) (api.Job, error) {
		return api.Job{ID: "abc", Status: api.JobFailed, Error: "decoder exploded"}, nil
	}}
	tr := newTestTracker(t, reg, jobs, log)

	tr.Track(t.Context(), "abc")
	sub.JoinedCh <- errors.New("join timed out")

	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusError || rec.Message != "decoder exploded" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestTrackRestartSupersedesSession(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	tr := newTestTracker(t, reg, &fakeJobs{}, log)

	tr.Track(t.Context(), "abc")
	tr.Track(t.Context(), "abc")
	waitFor(t, time.Second, func() bool { return len(reg.Started()) == 2 })
	// Give the superseded goroutine time to observe its cancelled
	// context before feeding events.
	time.Sleep(20 * time.Millisecond)

	sub.JoinedCh <- nil
	sub.EventsCh <- completedEvent("abc", "done")

	rec, err := tr.Wait(t.Context(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected completed, got %v", rec)
	}
}

func TestStopCancelsTracking(t *testing.T) {
	reg := roomsmock.NewRegistry()
	sub := roomsmock.NewSubscription("abc")
	reg.Prepare(sub)
	log := &updateLog{}
	tr := newTestTracker(t, reg, &fakeJobs{}, log)

	tr.Track(t.Context(), "abc")
	tr.Stop("abc")
	waitFor(t, time.Second, func() bool { return reg.StopCount("abc") >= 1 })
	if got := log.refreshCount(); got != 0 {
		t.Errorf("expected no refresh on manual stop, got %d", got)
	}
}

func progressEvent(jobID, stage string, pct float64, msg string) wire.Progress {
	return wire.Progress{TranscriptionID: jobID, Stage: stage, Percentage: pct, Message: msg}
}

func completedEvent(jobID, msg string) wire.Completed {
	return wire.Completed{TranscriptionID: jobID, Stage: "completed", Percentage: 100, Message: msg}
}

func jobErrorEvent(jobID, msg string) wire.JobError {
	return wire.JobError{TranscriptionID: jobID, Stage: "error", Message: msg}
}

func TestStatusForStage(t *testing.T) {
	tests := []struct {
		stage string
		want  Status
	}{
		{"completed", StatusCompleted},
		{"error", StatusError},
		{"failed", StatusError},
		{"transcribing", StatusProcessing},
		{"", StatusProcessing},
	}
	for _, tt := range tests {
		if got := statusForStage(tt.stage); got != tt.want {
			t.Errorf("statusForStage(%q) = %v, want %v", tt.stage, got, tt.want)
		}
	}
}
