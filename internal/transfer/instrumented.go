package transfer

import (
	"context"

	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/telemetry"
)

// InstrumentedTransport wraps a download.Transport with telemetry.
type InstrumentedTransport struct {
	transport  download.Transport
	telemetry  *telemetry.Telemetry
	clientType string
}

var (
	_ download.Transport = (*InstrumentedTransport)(nil)
	_ download.Discarder = (*InstrumentedTransport)(nil)
)

// NewInstrumentedTransport creates a new instrumented transport.
func NewInstrumentedTransport(transport download.Transport, tel *telemetry.Telemetry, clientType string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport:  transport,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Begin starts a transfer with telemetry; its final outcome is recorded as a
// "transfer" operation. The wrapped transport gets the caller's ctx: the span only
// covers the call, while the transfer outlives it.
func (t *InstrumentedTransport) Begin(ctx context.Context, url string, cb download.Callbacks) (download.Handle, error) {
	var h download.Handle

	err := t.telemetry.InstrumentClientOperation(ctx, t.clientType, "begin", func(context.Context) error {
		var err error
		h, err = t.transport.Begin(ctx, url, t.observe(cb))

		return err
	})

	return h, err
}

// ContinueFrom resumes a transfer with telemetry.
func (t *InstrumentedTransport) ContinueFrom(ctx context.Context, token download.ResumeToken, cb download.Callbacks) (download.Handle, error) {
	var h download.Handle

	err := t.telemetry.InstrumentClientOperation(ctx, t.clientType, "continue", func(context.Context) error {
		var err error
		h, err = t.transport.ContinueFrom(ctx, token, t.observe(cb))

		return err
	})

	return h, err
}

func (t *InstrumentedTransport) Suspend(h download.Handle) (download.ResumeToken, error) {
	token, err := t.transport.Suspend(h)

	t.telemetry.RecordClientOperation(t.clientType, "suspend", status(err))

	return token, err
}

func (t *InstrumentedTransport) Abort(h download.Handle) {
	t.transport.Abort(h)

	t.telemetry.RecordClientOperation(t.clientType, "abort", "success")
}

// Discard forwards to the wrapped transport when it keeps partial state.
func (t *InstrumentedTransport) Discard(token download.ResumeToken) {
	d, ok := t.transport.(download.Discarder)
	if !ok {
		return
	}

	d.Discard(token)

	t.telemetry.RecordClientOperation(t.clientType, "discard", "success")
}

func (t *InstrumentedTransport) observe(cb download.Callbacks) download.Callbacks {
	complete := cb.Complete

	cb.Complete = func(res download.Result, err error) {
		t.telemetry.RecordClientOperation(t.clientType, "transfer", status(err))

		complete(res, err)
	}

	return cb
}

func status(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
