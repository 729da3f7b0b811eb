package download

import (
	"time"

	"github.com/google/uuid"
)

// Recorder receives scheduling metrics. Implementations must be safe for
// concurrent use and must not block.
type Recorder interface {
	RecordAdmission(manager string)
	RecordOutcome(manager string, state State, elapsed time.Duration)
	RecordOccupancy(manager string, queued, active int)
}

type nopRecorder struct{}

func (nopRecorder) RecordAdmission(string)                    {}
func (nopRecorder) RecordOutcome(string, State, time.Duration) {}
func (nopRecorder) RecordOccupancy(string, int, int)           {}

type Option func(*Scheduler)

// WithRecorder reports admissions, outcomes and occupancy to r.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithObserver delivers every update of every download to fn on exec, in
// addition to the per-download callback supplied at start.
func WithObserver(exec Executor, fn UpdateFunc) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, observer{exec: exec, fn: fn})
	}
}

// WithSettledHook registers fn to be called whenever the manager has nothing
// queued, nothing downloading and no pause in progress.
func WithSettledHook(fn func()) Option {
	return func(s *Scheduler) { s.onSettled = fn }
}

// WithInterruptionRecovery makes transport interruptions that carry a resume
// token leave the download Paused instead of Failed.
func WithInterruptionRecovery(enabled bool) Option {
	return func(s *Scheduler) { s.recoverInterrupted = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) { s.newID = gen }
}

func defaultID() string {
	return uuid.NewString()
}
