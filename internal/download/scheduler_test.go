package download_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/download/downloadtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T, max int, tr download.Transport, opts ...download.Option) *download.Scheduler {
	t.Helper()

	s, err := download.NewScheduler("default", max, tr, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = s.Close(ctx)
	})

	return s
}

func start(t *testing.T, s *download.Scheduler, url string, rec *downloadtest.Recorder) string {
	t.Helper()

	id, err := s.Start(context.Background(), url, rec.Func(), download.Inline)
	require.NoError(t, err)

	return id
}

func state(t *testing.T, s *download.Scheduler, id string) download.State {
	t.Helper()

	snap, err := s.Get(id)
	require.NoError(t, err)

	return snap.State
}

func urlN(n int) string {
	return fmt.Sprintf("https://files.example.com/file-%d.bin", n)
}

func TestScheduler_NeverExceedsCeiling(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 3, tr)
	rec := downloadtest.NewRecorder()

	for i := 0; i < 10; i++ {
		start(t, s, urlN(i), rec)
		assert.LessOrEqual(t, s.Stats().Active, 3)
	}

	require.Len(t, tr.Tasks(), 3)
	assert.Equal(t, 7, s.Stats().Queued)

	for i := 0; i < 10; i++ {
		tr.Last(t, urlN(i)).Complete("file.bin")

		st := s.Stats()
		assert.LessOrEqual(t, st.Active, 3)
	}

	assert.Len(t, tr.Tasks(), 10)
	assert.True(t, s.Idle())
}

func TestScheduler_AdmitsInFIFOOrder(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	a := start(t, s, urlN(1), rec)
	b := start(t, s, urlN(2), rec)
	c := start(t, s, urlN(3), rec)

	assert.Equal(t, download.StateDownloading, state(t, s, a))
	assert.Equal(t, download.StateQueued, state(t, s, b))
	assert.Equal(t, download.StateQueued, state(t, s, c))

	tr.Last(t, urlN(1)).Complete("1.bin")

	assert.Equal(t, download.StateDownloading, state(t, s, b))
	assert.Equal(t, download.StateQueued, state(t, s, c))

	tasks := tr.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, urlN(1), tasks[0].URL)
	assert.Equal(t, urlN(2), tasks[1].URL)
}

func TestScheduler_ResumeReentersBackOfQueue(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	a := start(t, s, urlN(1), rec)
	b := start(t, s, urlN(2), rec)
	c := start(t, s, urlN(3), rec)

	require.NoError(t, s.Pause(ctx, a))
	rec.WaitState(t, a, download.StatePaused)
	assert.Equal(t, download.StateDownloading, state(t, s, b))

	require.NoError(t, s.Resume(ctx, a))
	assert.Equal(t, download.StateQueued, state(t, s, a))
	assert.Equal(t, download.StateDownloading, state(t, s, b), "resume must not preempt the running item")

	tr.Last(t, urlN(2)).Complete("2.bin")
	assert.Equal(t, download.StateDownloading, state(t, s, c), "resumed item must not jump ahead of earlier arrivals")
	assert.Equal(t, download.StateQueued, state(t, s, a))

	tr.Last(t, urlN(3)).Complete("3.bin")
	assert.Equal(t, download.StateDownloading, state(t, s, a))

	continued := tr.Last(t, urlN(1))
	assert.NotNil(t, continued.Token, "resumed download should continue from its token")
}

func TestScheduler_CancelTwice(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	id := start(t, s, urlN(1), rec)
	task := tr.Last(t, urlN(1))

	require.NoError(t, s.Cancel(ctx, id))
	assert.True(t, task.Aborted())

	err := s.Cancel(ctx, id)
	require.ErrorIs(t, err, download.ErrNotFound)

	rec.WaitState(t, id, download.StateCancelled)
	require.NoError(t, s.Close(ctx))

	var cancelled int
	for _, u := range rec.For(id) {
		if u.Kind == download.EventStateChanged && u.State == download.StateCancelled {
			cancelled++
		}
	}

	assert.Equal(t, 1, cancelled)
}

func TestScheduler_PauseResumeRoundTripCountsBytesOnce(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	id := start(t, s, urlN(1), rec)

	first := tr.Last(t, urlN(1))
	first.Progress(25, 100)
	first.Progress(15, 100)

	require.NoError(t, s.Pause(ctx, id))

	paused := rec.WaitState(t, id, download.StatePaused)
	assert.Equal(t, int64(40), paused.TotalBytesReceived)

	// Late progress from the suspended transfer must be ignored.
	first.Progress(5, 100)

	require.NoError(t, s.Resume(ctx, id))

	second := tr.Last(t, urlN(1))
	require.NotSame(t, first, second)
	second.Progress(60, 100)
	second.Complete("1.bin")

	done := rec.WaitState(t, id, download.StateCompleted)
	assert.Equal(t, int64(100), done.TotalBytesReceived)
	assert.Equal(t, int64(60), done.BytesReceived)
	assert.Equal(t, int64(100), done.TotalBytesExpected)
	assert.Equal(t, "1.bin", done.FileName)
	assert.Equal(t, "/downloads", done.DirectoryName)

	_, err := s.Get(id)
	assert.ErrorIs(t, err, download.ErrNotFound, "completed downloads leave the registry")
}

func TestScheduler_TwoSlotsScenario(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 2, tr)
	rec := downloadtest.NewRecorder()

	d1 := start(t, s, urlN(1), rec)
	d2 := start(t, s, urlN(2), rec)
	d3 := start(t, s, urlN(3), rec)

	assert.Equal(t, download.StateDownloading, state(t, s, d1))
	assert.Equal(t, download.StateDownloading, state(t, s, d2))
	assert.Equal(t, download.StateQueued, state(t, s, d3))

	tr.Last(t, urlN(1)).Complete("1.bin")
	assert.Equal(t, download.StateDownloading, state(t, s, d3))

	require.NoError(t, s.Cancel(context.Background(), d2))

	st := s.Stats()
	assert.Equal(t, 0, st.Queued)
	assert.Equal(t, 1, st.Active)
}

func TestScheduler_RaisingCeilingAdmitsImmediately(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	ids := []string{start(t, s, urlN(1), rec), start(t, s, urlN(2), rec), start(t, s, urlN(3), rec)}
	assert.Equal(t, 1, s.Stats().Active)

	require.NoError(t, s.SetMaxConcurrent(3))

	assert.Equal(t, 3, s.Stats().Active)
	assert.Equal(t, 3, s.MaxConcurrent())

	for _, id := range ids {
		assert.Equal(t, download.StateDownloading, state(t, s, id))
	}
}

func TestScheduler_LoweringCeilingDoesNotPreempt(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 3, tr)
	rec := downloadtest.NewRecorder()

	for i := 1; i <= 4; i++ {
		start(t, s, urlN(i), rec)
	}

	require.NoError(t, s.SetMaxConcurrent(1))
	assert.Equal(t, 3, s.Stats().Active)

	tr.Last(t, urlN(1)).Complete("1.bin")
	assert.Equal(t, 2, s.Stats().Active, "no admission while above the new ceiling")

	tr.Last(t, urlN(2)).Complete("2.bin")
	tr.Last(t, urlN(3)).Complete("3.bin")

	st := s.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 0, st.Queued)
}

func TestScheduler_InvalidConfiguration(t *testing.T) {
	tr := downloadtest.NewTransport(true)

	_, err := download.NewScheduler("default", 0, tr)
	require.ErrorIs(t, err, download.ErrInvalidConfiguration)

	_, err = download.NewScheduler("default", 1, nil)
	require.ErrorIs(t, err, download.ErrInvalidConfiguration)

	s := newScheduler(t, 2, tr)
	require.ErrorIs(t, s.SetMaxConcurrent(0), download.ErrInvalidConfiguration)
	require.ErrorIs(t, s.SetMaxConcurrent(-3), download.ErrInvalidConfiguration)
	assert.Equal(t, 2, s.MaxConcurrent())
}

func TestScheduler_RejectsEmptyOrMalformedURL(t *testing.T) {
	s := newScheduler(t, 1, downloadtest.NewTransport(true))

	for _, raw := range []string{"", "   ", "not a url", "ftp://example.com/file", "https://", "/relative/path"} {
		_, err := s.Start(context.Background(), raw, nil, nil)
		assert.ErrorIs(t, err, download.ErrEmptyURL, "url %q", raw)
	}

	assert.Empty(t, s.List())
}

func TestScheduler_InvalidTransitionsHaveNoSideEffects(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	running := start(t, s, urlN(1), rec)
	queued := start(t, s, urlN(2), rec)

	require.ErrorIs(t, s.Resume(ctx, running), download.ErrInvalidTransition)
	require.ErrorIs(t, s.Pause(ctx, queued), download.ErrInvalidTransition)
	require.ErrorIs(t, s.Resume(ctx, queued), download.ErrInvalidTransition)

	require.ErrorIs(t, s.Pause(ctx, "missing"), download.ErrNotFound)
	require.ErrorIs(t, s.Resume(ctx, "missing"), download.ErrNotFound)
	require.ErrorIs(t, s.Cancel(ctx, "missing"), download.ErrNotFound)

	assert.Equal(t, download.StateDownloading, state(t, s, running))
	assert.Equal(t, download.StateQueued, state(t, s, queued))
	assert.Len(t, tr.Tasks(), 1)
}

func TestScheduler_PauseWithoutResumeTokenFails(t *testing.T) {
	tr := downloadtest.NewTransport(false)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	a := start(t, s, urlN(1), rec)
	b := start(t, s, urlN(2), rec)

	require.NoError(t, s.Pause(ctx, a))

	failed := rec.WaitState(t, a, download.StateFailed)
	assert.ErrorIs(t, failed.Err, download.ErrResumeUnsupported)
	assert.True(t, tr.Last(t, urlN(1)).Aborted())

	assert.Equal(t, download.StateFailed, state(t, s, a))
	assert.Equal(t, download.StateDownloading, state(t, s, b), "the freed slot goes to the next item")

	require.ErrorIs(t, s.Resume(ctx, a), download.ErrInvalidTransition)
}

func TestScheduler_TransportFailureAndRetryWithSameID(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	id, err := s.StartWithID(ctx, "report", urlN(1), rec.Func(), download.Inline)
	require.NoError(t, err)

	_, err = s.StartWithID(ctx, "report", urlN(1), rec.Func(), download.Inline)
	require.ErrorIs(t, err, download.ErrDuplicateIdentifier)

	cause := errors.New("connection reset by peer")
	tr.Last(t, urlN(1)).Fail(cause)

	failed := rec.WaitState(t, id, download.StateFailed)

	var terr *download.TransportError
	require.ErrorAs(t, failed.Err, &terr)
	assert.ErrorIs(t, failed.Err, cause)
	assert.Equal(t, 0, s.Stats().Active)
	assert.Equal(t, 1, s.Stats().Failed)

	_, err = s.StartWithID(ctx, "report", urlN(1), rec.Func(), download.Inline)
	require.NoError(t, err)
	assert.Equal(t, download.StateDownloading, state(t, s, "report"))
	assert.Len(t, tr.Tasks(), 2)
}

func TestScheduler_BeginErrorAdmitsNext(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	tr.FailBegin(errors.New("dial tcp: no route to host"))
	a := start(t, s, urlN(1), rec)

	tr.FailBegin(nil)
	b := start(t, s, urlN(2), rec)

	assert.Equal(t, download.StateFailed, state(t, s, a))
	assert.Equal(t, download.StateDownloading, state(t, s, b))
}

func TestScheduler_InterruptionRecovery(t *testing.T) {
	cause := errors.New("network connection was lost")

	t.Run("background keeps the token", func(t *testing.T) {
		tr := downloadtest.NewTransport(true)
		s := newScheduler(t, 1, tr, download.WithInterruptionRecovery(true))
		rec := downloadtest.NewRecorder()

		id := start(t, s, urlN(1), rec)
		tr.Last(t, urlN(1)).Progress(10, 50)
		tr.Last(t, urlN(1)).Interrupt(cause)

		paused := rec.WaitState(t, id, download.StatePaused)
		assert.Equal(t, int64(10), paused.TotalBytesReceived)
		assert.Equal(t, 0, s.Stats().Active)

		require.NoError(t, s.Resume(context.Background(), id))
		assert.NotNil(t, tr.Last(t, urlN(1)).Token)
	})

	t.Run("default fails and releases the token", func(t *testing.T) {
		tr := downloadtest.NewTransport(true)
		s := newScheduler(t, 1, tr)
		rec := downloadtest.NewRecorder()

		id := start(t, s, urlN(1), rec)
		tr.Last(t, urlN(1)).Interrupt(cause)

		failed := rec.WaitState(t, id, download.StateFailed)
		assert.ErrorIs(t, failed.Err, cause)
		assert.Len(t, tr.Discarded(), 1)
	})
}

func TestScheduler_IgnoresCallbacksFromCancelledTransfer(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	a := start(t, s, urlN(1), rec)
	b := start(t, s, urlN(2), rec)

	stale := tr.Last(t, urlN(1))
	require.NoError(t, s.Cancel(ctx, a))

	stale.Progress(100, 100)
	stale.Complete("1.bin")

	assert.Equal(t, download.StateDownloading, state(t, s, b))
	assert.Equal(t, 1, s.Stats().Active)

	rec.WaitState(t, a, download.StateCancelled)
	for _, u := range rec.For(a) {
		assert.NotEqual(t, download.StateCompleted, u.State)
	}
}

func TestScheduler_CancelPausedDiscardsToken(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	id := start(t, s, urlN(1), rec)
	require.NoError(t, s.Pause(ctx, id))
	rec.WaitState(t, id, download.StatePaused)

	require.NoError(t, s.Cancel(ctx, id))
	rec.WaitState(t, id, download.StateCancelled)

	assert.Len(t, tr.Discarded(), 1)
	_, err := s.Get(id)
	assert.ErrorIs(t, err, download.ErrNotFound)
}

func TestScheduler_CancelQueuedNeverStarts(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	start(t, s, urlN(1), rec)
	queued := start(t, s, urlN(2), rec)

	require.NoError(t, s.Cancel(context.Background(), queued))
	tr.Last(t, urlN(1)).Complete("1.bin")

	assert.Len(t, tr.Tasks(), 1)
	assert.True(t, s.Idle())
}

func TestScheduler_CompletionDuringSuspendWins(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	tr.OnSuspend = func(task *downloadtest.Task) { task.Complete("raced.bin") }

	id := start(t, s, urlN(1), rec)
	require.NoError(t, s.Pause(context.Background(), id))

	done := rec.WaitState(t, id, download.StateCompleted)
	assert.Equal(t, "raced.bin", done.FileName)
	assert.True(t, s.Idle())
	// The token produced after completion won is released, not leaked.
	assert.Len(t, tr.Discarded(), 1)
}

func TestScheduler_CancelDuringSuspendDiscardsToken(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()
	ctx := context.Background()

	var id string

	tr.OnSuspend = func(*downloadtest.Task) {
		assert.NoError(t, s.Cancel(ctx, id))
	}

	id = start(t, s, urlN(1), rec)
	task := tr.Last(t, urlN(1))

	require.NoError(t, s.Pause(ctx, id))

	rec.WaitState(t, id, download.StateCancelled)
	assert.True(t, task.Aborted())
	require.Len(t, tr.Discarded(), 1)

	_, err := s.Get(id)
	assert.ErrorIs(t, err, download.ErrNotFound)
	assert.True(t, s.Idle())
}

func TestScheduler_FailureDuringSuspendKeepsTransportError(t *testing.T) {
	tr := downloadtest.NewTransport(false)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	reset := errors.New("connection reset by peer")
	tr.OnSuspend = func(task *downloadtest.Task) { task.Fail(reset) }

	id := start(t, s, urlN(1), rec)
	require.NoError(t, s.Pause(context.Background(), id))

	failed := rec.WaitState(t, id, download.StateFailed)

	var terr *download.TransportError
	require.ErrorAs(t, failed.Err, &terr)
	assert.ErrorIs(t, failed.Err, reset)
	assert.NotErrorIs(t, failed.Err, download.ErrResumeUnsupported)
	assert.True(t, s.Idle())
}

func TestScheduler_InterruptionDuringSuspendPauses(t *testing.T) {
	tr := downloadtest.NewTransport(false)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	tr.OnSuspend = func(task *downloadtest.Task) { task.Interrupt(errors.New("stream closed")) }

	id := start(t, s, urlN(1), rec)
	require.NoError(t, s.Pause(context.Background(), id))

	rec.WaitState(t, id, download.StatePaused)
	require.NoError(t, s.Resume(context.Background(), id))

	resumed := tr.Last(t, urlN(1))
	assert.NotEmpty(t, resumed.Token)
}

func TestScheduler_NotificationOrderPerDownload(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s := newScheduler(t, 1, tr)
	rec := downloadtest.NewRecorder()

	id, err := s.Start(context.Background(), urlN(1), rec.Func(), download.Go)
	require.NoError(t, err)

	task := tr.Last(t, urlN(1))
	for i := 0; i < 50; i++ {
		task.Progress(1, 50)
	}
	task.Complete("1.bin")

	rec.WaitState(t, id, download.StateCompleted)

	updates := rec.For(id)
	require.Len(t, updates, 52)
	assert.Equal(t, download.EventStarted, updates[0].Kind)

	for i := 1; i <= 50; i++ {
		assert.Equal(t, download.EventProgress, updates[i].Kind)
		assert.Equal(t, int64(i), updates[i].TotalBytesReceived)
	}

	assert.Equal(t, download.EventStateChanged, updates[51].Kind)
}

func TestScheduler_ObserverAndRecorder(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	obs := downloadtest.NewRecorder()
	metrics := &countingRecorder{}

	s := newScheduler(t, 1, tr,
		download.WithObserver(download.Inline, obs.Func()),
		download.WithRecorder(metrics),
	)

	id, err := s.Start(context.Background(), urlN(1), nil, nil)
	require.NoError(t, err)

	tr.Last(t, urlN(1)).Complete("1.bin")

	obs.WaitState(t, id, download.StateCompleted)
	assert.Equal(t, int64(1), metrics.admissions.Load())
	assert.Equal(t, int64(1), metrics.outcomes.Load())
}

func TestScheduler_SettledHook(t *testing.T) {
	tr := downloadtest.NewTransport(true)

	var settled atomic.Int64
	s := newScheduler(t, 2, tr, download.WithSettledHook(func() { settled.Add(1) }))
	rec := downloadtest.NewRecorder()

	start(t, s, urlN(1), rec)
	start(t, s, urlN(2), rec)
	assert.Equal(t, int64(0), settled.Load())

	tr.Last(t, urlN(1)).Complete("1.bin")
	assert.Equal(t, int64(0), settled.Load())

	tr.Last(t, urlN(2)).Fail(errors.New("boom"))
	assert.Equal(t, int64(1), settled.Load())
}

func TestScheduler_CloseCancelsEverything(t *testing.T) {
	tr := downloadtest.NewTransport(true)
	s, err := download.NewScheduler("default", 1, tr)
	require.NoError(t, err)

	rec := downloadtest.NewRecorder()
	a := start(t, s, urlN(1), rec)
	b := start(t, s, urlN(2), rec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, s.Close(ctx))

	assert.True(t, tr.Last(t, urlN(1)).Aborted())
	assert.Empty(t, s.List())
	rec.WaitState(t, a, download.StateCancelled)
	rec.WaitState(t, b, download.StateCancelled)

	_, err = s.Start(ctx, urlN(3), nil, nil)
	assert.ErrorIs(t, err, download.ErrClosed)
}

func TestSnapshot_Progress(t *testing.T) {
	assert.Equal(t, -1.0, download.Snapshot{TotalBytesExpected: download.UnknownSize}.Progress())
	assert.Equal(t, 0.5, download.Snapshot{TotalBytesReceived: 50, TotalBytesExpected: 100}.Progress())
	assert.Equal(t, 1.0, download.Snapshot{TotalBytesReceived: 100, TotalBytesExpected: 100}.Progress())
}

type countingRecorder struct {
	admissions atomic.Int64
	outcomes   atomic.Int64
}

func (c *countingRecorder) RecordAdmission(string) { c.admissions.Add(1) }

func (c *countingRecorder) RecordOutcome(string, download.State, time.Duration) { c.outcomes.Add(1) }

func (c *countingRecorder) RecordOccupancy(string, int, int) {}
