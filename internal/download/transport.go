package download

import "context"

// Handle is an opaque reference to one running transport operation.
type Handle interface{}

// ResumeToken is opaque data that lets a transport continue a partial transfer.
type ResumeToken []byte

// Result describes where a completed transfer was placed.
type Result struct {
	DirectoryName string
	FileName      string
}

// Callbacks are invoked by the transport from arbitrary goroutines.
type Callbacks struct {
	// Progress reports bytes received since the previous call and the expected size
	// of the whole resource, or UnknownSize.
	Progress func(delta, totalExpected int64)

	// Complete is called at most once per operation. A nil error means success.
	Complete func(res Result, err error)
}

// Transport performs the byte transfer for a single download.
type Transport interface {
	Begin(ctx context.Context, url string, cb Callbacks) (Handle, error)
	// Suspend stops the operation and returns a token for ContinueFrom, or
	// ErrResumeUnsupported when none can be produced.
	Suspend(h Handle) (ResumeToken, error)
	ContinueFrom(ctx context.Context, token ResumeToken, cb Callbacks) (Handle, error)
	Abort(h Handle)
}

// Discarder is implemented by transports that keep state behind a resume token
// (such as a partial file) and want to release it when a paused download is cancelled.
type Discarder interface {
	Discard(token ResumeToken)
}
