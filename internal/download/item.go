package download

import (
	"context"
	"time"
)

// UnknownSize marks a byte count the transport has not reported yet.
const UnknownSize int64 = -1

type State int

const (
	StateQueued State = iota
	StateDownloading
	StatePaused
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDownloading:
		return "downloading"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible without a fresh start.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// MarshalText renders the state by name, which keeps JSON payloads readable.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is an immutable copy of a download as seen by callers.
type Snapshot struct {
	ID                 string    `json:"id"`
	Manager            string    `json:"manager"`
	SourceURL          string    `json:"source_url"`
	DirectoryName      string    `json:"directory_name,omitempty"`
	FileName           string    `json:"file_name,omitempty"`
	State              State     `json:"state"`
	BytesReceived      int64     `json:"bytes_received"`
	TotalBytesReceived int64     `json:"total_bytes_received"`
	TotalBytesExpected int64     `json:"total_bytes_expected"`
	StartDate          time.Time `json:"start_date"`
	Err                error     `json:"-"`
}

// Progress returns the completed fraction in [0,1], or -1 when the size is unknown.
func (s Snapshot) Progress() float64 {
	if s.TotalBytesExpected <= 0 {
		return -1
	}

	p := float64(s.TotalBytesReceived) / float64(s.TotalBytesExpected)
	if p > 1 {
		return 1
	}

	return p
}

// item is the in-process record of one download. Every field is guarded by the
// owning Scheduler's mutex.
type item struct {
	id        string
	sourceURL string
	seq       uint64

	directoryName string
	fileName      string

	state              State
	bytesReceived      int64
	totalBytesReceived int64
	totalBytesExpected int64
	startDate          time.Time
	err                error

	// attempt identifies the transport operation whose callbacks are still honoured.
	attempt    uint64
	handle     Handle
	token      ResumeToken
	suspending bool
	// pendingErr is a transport failure that arrived while a pause was suspending.
	pendingErr error

	ctx    context.Context
	notify UpdateFunc
	exec   Executor
}

func (it *item) snapshot(manager string) Snapshot {
	return Snapshot{
		ID:                 it.id,
		Manager:            manager,
		SourceURL:          it.sourceURL,
		DirectoryName:      it.directoryName,
		FileName:           it.fileName,
		State:              it.state,
		BytesReceived:      it.bytesReceived,
		TotalBytesReceived: it.totalBytesReceived,
		TotalBytesExpected: it.totalBytesExpected,
		StartDate:          it.startDate,
		Err:                it.err,
	}
}

// occupiesSlot reports whether the item counts against the concurrency ceiling.
func (it *item) occupiesSlot() bool {
	return it.state == StateDownloading
}
