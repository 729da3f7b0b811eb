package download

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/multi_downloader/internal/logctx"
)

type observer struct {
	exec Executor
	fn   UpdateFunc
}

// Stats is a point-in-time view of a manager's occupancy.
type Stats struct {
	Queued        int `json:"queued"`
	Active        int `json:"active"`
	Paused        int `json:"paused"`
	Failed        int `json:"failed"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Scheduler admits queued downloads in FIFO order while keeping at most
// maxConcurrent of them Downloading. All bookkeeping happens under mu; transport
// calls are issued after it is released.
type Scheduler struct {
	name               string
	transport          Transport
	dispatcher         *Dispatcher
	recorder           Recorder
	observers          []observer
	recoverInterrupted bool
	now                func() time.Time
	newID              func() string

	mu            sync.Mutex
	registry      *Registry
	queue         []*item
	active        int
	suspending    int
	maxConcurrent int
	seq           uint64
	closed        bool
	onSettled     func()
}

// launch is a transport operation decided under the lock and issued after it.
type launch struct {
	it      *item
	attempt uint64
	url     string
	token   ResumeToken
	ctx     context.Context
}

func NewScheduler(name string, maxConcurrent int, transport Transport, opts ...Option) (*Scheduler, error) {
	if maxConcurrent < 1 {
		return nil, fmt.Errorf("%w: max concurrent must be at least 1, got %d", ErrInvalidConfiguration, maxConcurrent)
	}

	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfiguration)
	}

	s := &Scheduler{
		name:          name,
		transport:     transport,
		dispatcher:    NewDispatcher(),
		recorder:      nopRecorder{},
		now:           time.Now,
		newID:         defaultID,
		registry:      NewRegistry(),
		maxConcurrent: maxConcurrent,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func (s *Scheduler) Name() string {
	return s.name
}

// Start enqueues a download of rawURL under a generated identifier. fn, when not
// nil, receives every update for this download on exec.
func (s *Scheduler) Start(ctx context.Context, rawURL string, fn UpdateFunc, exec Executor) (string, error) {
	return s.StartWithID(ctx, "", rawURL, fn, exec)
}

// StartWithID is Start with a caller-supplied identifier. An identifier that
// belongs to a Failed download replaces it; any other live identifier is rejected.
func (s *Scheduler) StartWithID(ctx context.Context, id, rawURL string, fn UpdateFunc, exec Executor) (string, error) {
	if err := validateURL(rawURL); err != nil {
		return "", err
	}

	rawURL = strings.TrimSpace(rawURL)

	if id == "" {
		id = s.newID()
	}

	ctx = context.WithoutCancel(logctx.WithDownload(ctx, s.name, id))
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return "", ErrClosed
	}

	if existing, err := s.registry.Find(id); err == nil {
		if existing.state != StateFailed {
			s.mu.Unlock()

			return "", fmt.Errorf("%w: %s", ErrDuplicateIdentifier, id)
		}

		s.registry.Remove(id)
	}

	s.seq++
	it := &item{
		id:                 id,
		sourceURL:          rawURL,
		seq:                s.seq,
		state:              StateQueued,
		totalBytesExpected: UnknownSize,
		ctx:                ctx,
		notify:             fn,
		exec:               exec,
	}

	if err := s.registry.Insert(it); err != nil {
		s.mu.Unlock()

		return "", err
	}

	s.queue = append(s.queue, it)

	logger.Info("download queued", "url", rawURL, "queue_position", len(s.queue))

	s.commit(s.admitLocked())

	return id, nil
}

// Pause suspends a Downloading item. Its slot is released immediately; the
// transport is then asked for a resume token. When none can be produced the item
// becomes Failed with ErrResumeUnsupported, reported through its callback.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	s.mu.Lock()

	it, err := s.registry.Find(id)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	if it.state != StateDownloading {
		s.mu.Unlock()

		return invalidTransition("pause", it.state)
	}

	if it.handle == nil {
		s.mu.Unlock()

		return fmt.Errorf("%w: transfer for %s is still starting", ErrInvalidTransition, id)
	}

	s.active--
	it.state = StatePaused
	it.suspending = true
	s.suspending++

	h := it.handle
	attempt := it.attempt
	logger := logctx.LoggerFromContext(it.ctx)

	s.commit(s.admitLocked())

	token, serr := s.transport.Suspend(h)

	s.mu.Lock()

	if it.attempt != attempt || !it.suspending {
		// Cancelled or completed while the transport was suspending.
		s.mu.Unlock()

		if serr == nil {
			s.discard(token)
		}

		return nil
	}

	it.suspending = false
	s.suspending--

	failed := it.pendingErr
	it.pendingErr = nil

	if failed != nil && (serr != nil || len(token) == 0) {
		var interrupted *InterruptedError
		if errors.As(failed, &interrupted) && len(interrupted.Token) > 0 {
			token, serr, failed = interrupted.Token, nil, nil
		}
	}

	if failed != nil && (serr != nil || len(token) == 0) {
		logger.Error("download failed while pausing", "err", failed)

		launches := s.finishLocked(it, StateFailed, &TransportError{Op: "transfer", Err: failed})
		s.commit(launches)
		s.transport.Abort(h)

		return nil
	}

	if serr != nil || len(token) == 0 {
		cause := ErrResumeUnsupported
		if serr != nil && !errors.Is(serr, ErrResumeUnsupported) {
			cause = fmt.Errorf("%w: %v", ErrResumeUnsupported, serr)
		}

		logger.Warn("pause failed, transport produced no resume token", "err", serr)

		launches := s.finishLocked(it, StateFailed, cause)
		s.commit(launches)
		s.transport.Abort(h)

		return nil
	}

	it.token = token
	it.handle = nil
	it.attempt++
	s.notifyLocked(it, EventStateChanged)

	logger.Info("download paused", "received", humanize.Bytes(uint64(it.totalBytesReceived)))

	s.commit(nil)

	return nil
}

// Resume puts a Paused item at the back of the queue.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	s.mu.Lock()

	it, err := s.registry.Find(id)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	if it.state != StatePaused {
		s.mu.Unlock()

		return invalidTransition("resume", it.state)
	}

	if it.suspending {
		s.mu.Unlock()

		return fmt.Errorf("%w: pause of %s has not finished", ErrInvalidTransition, id)
	}

	it.state = StateQueued
	s.queue = append(s.queue, it)

	logctx.LoggerFromContext(it.ctx).Info("download resumed", "queue_position", len(s.queue))

	s.commit(s.admitLocked())

	return nil
}

// Cancel stops the item in whatever state it is and removes it. The slot is
// freed before the transport confirms the teardown.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()

	it, err := s.registry.Find(id)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	h, token := it.handle, it.token
	if it.state == StateQueued {
		s.removeQueuedLocked(it)
	}

	logctx.LoggerFromContext(it.ctx).Info("download cancelled", "from", it.state.String())

	launches := s.finishLocked(it, StateCancelled, nil)
	s.commit(launches)

	if h != nil {
		s.transport.Abort(h)
	}

	s.discard(token)

	return nil
}

// SetSettledHook replaces the function called whenever the manager becomes idle.
func (s *Scheduler) SetSettledHook(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.onSettled = fn
}

func (s *Scheduler) MaxConcurrent() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxConcurrent
}

// SetMaxConcurrent changes the ceiling. Raising it admits queued items right
// away; lowering it never preempts running ones.
func (s *Scheduler) SetMaxConcurrent(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max concurrent must be at least 1, got %d", ErrInvalidConfiguration, n)
	}

	s.mu.Lock()
	s.maxConcurrent = n
	s.commit(s.admitLocked())

	return nil
}

func (s *Scheduler) Get(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, err := s.registry.Find(id)
	if err != nil {
		return Snapshot{}, err
	}

	return it.snapshot(s.name), nil
}

// List returns every registered download in enqueue order.
func (s *Scheduler) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.registry.Items()
	out := make([]Snapshot, 0, len(items))

	for _, it := range items {
		out = append(out, it.snapshot(s.name))
	}

	return out
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Queued: len(s.queue), Active: s.active, MaxConcurrent: s.maxConcurrent}

	for _, it := range s.registry.items {
		switch it.state {
		case StatePaused:
			st.Paused++
		case StateFailed:
			st.Failed++
		}
	}

	return st
}

// Idle reports whether nothing is queued, downloading or being paused.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.idleLocked()
}

// Close cancels every download, rejects further starts and waits for pending
// notifications to be delivered.
func (s *Scheduler) Close(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return s.dispatcher.Wait(ctx)
	}

	s.closed = true

	var (
		handles []Handle
		tokens  []ResumeToken
	)

	for _, it := range s.registry.Items() {
		if it.state == StateFailed {
			s.registry.Remove(it.id)

			continue
		}

		if it.handle != nil {
			handles = append(handles, it.handle)
		}

		if it.token != nil {
			tokens = append(tokens, it.token)
		}

		s.finishLocked(it, StateCancelled, nil)
	}

	s.queue = nil
	s.recorder.RecordOccupancy(s.name, 0, s.active)
	s.mu.Unlock()

	for _, h := range handles {
		s.transport.Abort(h)
	}

	for _, token := range tokens {
		s.discard(token)
	}

	logger.Info("download manager closed", "manager", s.name, "aborted", len(handles))

	return s.dispatcher.Wait(ctx)
}

// admitLocked moves queue heads to Downloading while the ceiling allows it.
func (s *Scheduler) admitLocked() []launch {
	if s.closed {
		return nil
	}

	var launches []launch

	for s.active < s.maxConcurrent && len(s.queue) > 0 {
		it := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]

		it.state = StateDownloading
		it.attempt++
		it.bytesReceived = 0
		it.err = nil

		if it.startDate.IsZero() {
			it.startDate = s.now()
		}

		s.active++

		launches = append(launches, launch{
			it:      it,
			attempt: it.attempt,
			url:     it.sourceURL,
			token:   it.token,
			ctx:     it.ctx,
		})

		it.token = nil

		s.recorder.RecordAdmission(s.name)
		s.notifyLocked(it, EventStarted)
	}

	return launches
}

// commit releases the lock and performs the work decided while it was held.
func (s *Scheduler) commit(launches []launch) {
	s.recorder.RecordOccupancy(s.name, len(s.queue), s.active)

	var settled func()
	if !s.closed && s.idleLocked() {
		settled = s.onSettled
	}
	s.mu.Unlock()

	for _, l := range launches {
		s.launch(l)
	}

	if settled != nil {
		settled()
	}
}

func (s *Scheduler) launch(l launch) {
	logger := logctx.LoggerFromContext(l.ctx)
	cb := s.callbacks(l.it, l.attempt)

	var (
		h   Handle
		err error
		op  = "begin"
	)

	if l.token != nil {
		op = "continue"
		h, err = s.transport.ContinueFrom(l.ctx, l.token, cb)
	} else {
		h, err = s.transport.Begin(l.ctx, l.url, cb)
	}

	s.mu.Lock()

	current := l.it.attempt == l.attempt && l.it.state == StateDownloading

	if err != nil {
		if !current {
			s.mu.Unlock()

			return
		}

		logger.Error("failed to start transfer", "op", op, "err", err)

		s.commit(s.finishLocked(l.it, StateFailed, &TransportError{Op: op, Err: err}))

		return
	}

	if !current {
		cancelled := l.it.state == StateCancelled
		s.mu.Unlock()

		if cancelled {
			s.transport.Abort(h)
		}

		return
	}

	l.it.handle = h
	s.mu.Unlock()

	logger.Debug("transfer started", "op", op)
}

func (s *Scheduler) callbacks(it *item, attempt uint64) Callbacks {
	return Callbacks{
		Progress: func(delta, totalExpected int64) {
			s.onProgress(it, attempt, delta, totalExpected)
		},
		Complete: func(res Result, err error) {
			s.onComplete(it, attempt, res, err)
		},
	}
}

func (s *Scheduler) onProgress(it *item, attempt uint64, delta, totalExpected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it.attempt != attempt {
		return
	}

	if it.state != StateDownloading && !it.suspending {
		return
	}

	if delta > 0 {
		it.bytesReceived += delta
		it.totalBytesReceived += delta
	}

	if totalExpected >= 0 {
		it.totalBytesExpected = totalExpected
	}

	// Never report more received than expected.
	if it.totalBytesExpected >= 0 && it.totalBytesReceived > it.totalBytesExpected {
		it.totalBytesExpected = it.totalBytesReceived
	}

	s.notifyLocked(it, EventProgress)
}

func (s *Scheduler) onComplete(it *item, attempt uint64, res Result, err error) {
	s.mu.Lock()

	if it.attempt != attempt || (it.state != StateDownloading && !it.suspending) {
		s.mu.Unlock()

		return
	}

	logger := logctx.LoggerFromContext(it.ctx)

	if err == nil {
		it.directoryName = res.DirectoryName
		it.fileName = res.FileName

		logger.Info("download completed",
			"file_name", res.FileName,
			"size", humanize.Bytes(uint64(it.totalBytesReceived)),
			"elapsed", s.now().Sub(it.startDate).String())

		s.commit(s.finishLocked(it, StateCompleted, nil))

		return
	}

	if it.suspending {
		// The transport is being suspended; Pause resolves the outcome.
		it.pendingErr = err
		s.mu.Unlock()

		return
	}

	var interrupted *InterruptedError
	_ = errors.As(err, &interrupted)

	if s.recoverInterrupted && interrupted != nil && len(interrupted.Token) > 0 {
		logger.Warn("transfer interrupted, keeping resume token", "err", err)

		s.active--
		it.state = StatePaused
		it.handle = nil
		it.token = interrupted.Token
		it.attempt++
		s.notifyLocked(it, EventStateChanged)

		s.commit(s.admitLocked())

		return
	}

	logger.Error("download failed", "err", err)

	s.commit(s.finishLocked(it, StateFailed, &TransportError{Op: "transfer", Err: err}))

	if interrupted != nil {
		s.discard(interrupted.Token)
	}
}

// finishLocked moves the item to a resolved state, releases its slot and admits
// whatever the freed capacity allows.
func (s *Scheduler) finishLocked(it *item, state State, err error) []launch {
	if it.occupiesSlot() {
		s.active--
	}

	if it.suspending {
		it.suspending = false
		s.suspending--
	}

	it.pendingErr = nil

	var elapsed time.Duration
	if !it.startDate.IsZero() {
		elapsed = s.now().Sub(it.startDate)
	}

	it.state = state
	it.err = err
	it.handle = nil
	it.token = nil
	it.attempt++

	s.notifyLocked(it, EventStateChanged)
	s.recorder.RecordOutcome(s.name, state, elapsed)

	if state.Terminal() {
		s.registry.Remove(it.id)
	}

	return s.admitLocked()
}

func (s *Scheduler) removeQueuedLocked(it *item) {
	for i, q := range s.queue {
		if q == it {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)

			return
		}
	}
}

func (s *Scheduler) idleLocked() bool {
	return s.active == 0 && len(s.queue) == 0 && s.suspending == 0
}

func (s *Scheduler) notifyLocked(it *item, kind EventKind) {
	u := Update{Kind: kind, Snapshot: it.snapshot(s.name)}

	if it.notify != nil {
		fn := it.notify
		s.dispatcher.Dispatch(it.id, it.exec, func() { fn(u) })
	}

	for i, o := range s.observers {
		fn := o.fn
		s.dispatcher.Dispatch("observer/"+strconv.Itoa(i)+"/"+it.id, o.exec, func() { fn(u) })
	}
}

func (s *Scheduler) discard(token ResumeToken) {
	if token == nil {
		return
	}

	if d, ok := s.transport.(Discarder); ok {
		d.Discard(token)
	}
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrEmptyURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmptyURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrEmptyURL, raw)
	}

	return nil
}
