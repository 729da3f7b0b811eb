// Package downloadtest provides a scriptable download.Transport and an update
// recorder for tests of the scheduler and the layers built on it.
package downloadtest

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/stretchr/testify/require"
)

// Task is one Begin or ContinueFrom call. Tests drive it through its callbacks.
type Task struct {
	Seq   int
	URL   string
	Token download.ResumeToken

	cb download.Callbacks

	mu        sync.Mutex
	aborted   bool
	suspended bool
}

func (t *Task) Progress(delta, totalExpected int64) {
	t.cb.Progress(delta, totalExpected)
}

func (t *Task) Complete(fileName string) {
	t.cb.Complete(download.Result{DirectoryName: "/downloads", FileName: fileName}, nil)
}

func (t *Task) Fail(err error) {
	t.cb.Complete(download.Result{}, err)
}

// Interrupt completes the task with an interruption that still carries a token.
func (t *Task) Interrupt(err error) {
	t.cb.Complete(download.Result{}, &download.InterruptedError{Token: tokenFor(t.URL, t.Seq), Err: err})
}

func (t *Task) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.aborted
}

func (t *Task) Suspended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.suspended
}

// Transport records every operation the scheduler issues.
type Transport struct {
	mu        sync.Mutex
	tasks     []*Task
	resumable bool
	beginErr  error
	discarded []download.ResumeToken

	// OnSuspend, when set, runs inside Suspend before the token is returned.
	OnSuspend func(*Task)
}

// NewTransport returns a fake whose Suspend yields tokens only when resumable.
func NewTransport(resumable bool) *Transport {
	return &Transport{resumable: resumable}
}

// FailBegin makes subsequent Begin and ContinueFrom calls return err.
func (f *Transport) FailBegin(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.beginErr = err
}

func (f *Transport) Begin(_ context.Context, url string, cb download.Callbacks) (download.Handle, error) {
	return f.start(url, nil, cb)
}

func (f *Transport) ContinueFrom(_ context.Context, token download.ResumeToken, cb download.Callbacks) (download.Handle, error) {
	url, _, ok := strings.Cut(string(token), "#")
	if !ok {
		return nil, errors.New("downloadtest: malformed token")
	}

	return f.start(url, token, cb)
}

func (f *Transport) start(url string, token download.ResumeToken, cb download.Callbacks) (download.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.beginErr != nil {
		return nil, f.beginErr
	}

	task := &Task{Seq: len(f.tasks) + 1, URL: url, Token: token, cb: cb}
	f.tasks = append(f.tasks, task)

	return task, nil
}

func (f *Transport) Suspend(h download.Handle) (download.ResumeToken, error) {
	task := h.(*Task)

	task.mu.Lock()
	task.suspended = true
	task.mu.Unlock()

	f.mu.Lock()
	resumable, hook := f.resumable, f.OnSuspend
	f.mu.Unlock()

	if hook != nil {
		hook(task)
	}

	if !resumable {
		return nil, download.ErrResumeUnsupported
	}

	return tokenFor(task.URL, task.Seq), nil
}

func (f *Transport) Abort(h download.Handle) {
	task := h.(*Task)

	task.mu.Lock()
	defer task.mu.Unlock()

	task.aborted = true
}

func (f *Transport) Discard(token download.ResumeToken) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discarded = append(f.discarded, token)
}

func (f *Transport) Tasks() []*Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Task(nil), f.tasks...)
}

// Last returns the most recent task started for url.
func (f *Transport) Last(t testing.TB, url string) *Task {
	t.Helper()

	tasks := f.Tasks()
	for i := len(tasks) - 1; i >= 0; i-- {
		if tasks[i].URL == url {
			return tasks[i]
		}
	}

	require.FailNow(t, "no transfer started", "url %s", url)

	return nil
}

func (f *Transport) Discarded() []download.ResumeToken {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]download.ResumeToken(nil), f.discarded...)
}

func tokenFor(url string, seq int) download.ResumeToken {
	return download.ResumeToken(url + "#" + strconv.Itoa(seq))
}

// Recorder collects updates delivered to a download.UpdateFunc.
type Recorder struct {
	mu      sync.Mutex
	updates []download.Update
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Func() download.UpdateFunc {
	return func(u download.Update) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.updates = append(r.updates, u)
	}
}

func (r *Recorder) Updates() []download.Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]download.Update(nil), r.updates...)
}

// For returns the updates recorded for one download.
func (r *Recorder) For(id string) []download.Update {
	var out []download.Update

	for _, u := range r.Updates() {
		if u.ID == id {
			out = append(out, u)
		}
	}

	return out
}

// WaitState waits until a state change to want has been delivered for id.
func (r *Recorder) WaitState(t testing.TB, id string, want download.State) download.Update {
	t.Helper()

	var found download.Update

	require.Eventually(t, func() bool {
		for _, u := range r.For(id) {
			if u.Kind == download.EventStateChanged && u.State == want {
				found = u

				return true
			}
		}

		return false
	}, 2*time.Second, 5*time.Millisecond, "download %s never reached %s", id, want)

	return found
}
