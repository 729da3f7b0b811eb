// Package transfer moves bytes for the download managers: an HTTP transport
// that writes partial files and continues them with range requests.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/multi_downloader/internal/download"
	"github.com/italolelis/multi_downloader/internal/logctx"
)

const (
	partSuffix = ".part"
	dirPerm    = 0o755
	filePerm   = 0o644

	defaultProgressInterval = time.Second
	fallbackFileName        = "download"
)

var errFinished = errors.New("transfer already finished")

var (
	_ download.Transport = (*HTTPTransport)(nil)
	_ download.Discarder = (*HTTPTransport)(nil)
)

type Option func(*HTTPTransport)

// WithClient sets the HTTP client used for every request.
func WithClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithProgressInterval limits how often progress is reported per transfer.
func WithProgressInterval(d time.Duration) Option {
	return func(t *HTTPTransport) { t.interval = d }
}

// HTTPTransport downloads into <dir>/<random>.part and renames the file once the
// body has been read completely.
type HTTPTransport struct {
	client   *http.Client
	dir      string
	interval time.Duration
}

func NewHTTPTransport(dir string, opts ...Option) (*HTTPTransport, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, &DirectoryError{DirectoryName: dir, Reason: "cannot create download directory", Err: err}
	}

	t := &HTTPTransport{
		client:   http.DefaultClient,
		dir:      dir,
		interval: defaultProgressInterval,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Dir is where completed files are placed.
func (t *HTTPTransport) Dir() string {
	return t.dir
}

// operation is the Handle for one request.
type operation struct {
	url    string
	part   string
	offset int64

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	etag     string
	ranges   bool
	written  int64
	stopped  bool
	finished bool
}

func (t *HTTPTransport) Begin(ctx context.Context, rawURL string, cb download.Callbacks) (download.Handle, error) {
	op := &operation{
		url:  rawURL,
		part: filepath.Join(t.dir, uuid.NewString()+partSuffix),
	}

	t.start(ctx, op, cb)

	return op, nil
}

func (t *HTTPTransport) ContinueFrom(ctx context.Context, token download.ResumeToken, cb download.Callbacks) (download.Handle, error) {
	tok, err := decodeToken(token, t.dir)
	if err != nil {
		return nil, err
	}

	if tok.Offset > 0 {
		info, err := os.Stat(tok.Part)
		if err != nil {
			return nil, &TokenError{Reason: "partial file is missing", Err: err}
		}

		if info.Size() < tok.Offset {
			return nil, &TokenError{Reason: fmt.Sprintf("partial file holds %d bytes, token expects %d", info.Size(), tok.Offset)}
		}
	}

	op := &operation{
		url:    tok.URL,
		part:   tok.Part,
		offset: tok.Offset,
		etag:   tok.ETag,
		ranges: true,
	}

	t.start(ctx, op, cb)

	return op, nil
}

// Suspend stops the request and returns a token describing the partial file.
func (t *HTTPTransport) Suspend(h download.Handle) (download.ResumeToken, error) {
	op, ok := h.(*operation)
	if !ok {
		return nil, fmt.Errorf("unexpected handle %T", h)
	}

	op.mu.Lock()
	if op.finished {
		op.mu.Unlock()

		return nil, errFinished
	}
	op.stopped = true
	op.mu.Unlock()

	op.cancel()
	<-op.done

	op.mu.Lock()
	defer op.mu.Unlock()

	if op.finished {
		return nil, errFinished
	}

	received := op.offset + op.written
	if received > 0 && !op.ranges {
		return nil, download.ErrResumeUnsupported
	}

	return resumeToken{URL: op.url, Part: op.part, Offset: received, ETag: op.etag}.encode()
}

// Abort stops the request and removes its partial file.
func (t *HTTPTransport) Abort(h download.Handle) {
	op, ok := h.(*operation)
	if !ok {
		return
	}

	op.mu.Lock()
	op.stopped = true
	op.mu.Unlock()

	op.cancel()
	<-op.done

	removePart(op.part)
}

// Discard removes the partial file a token refers to.
func (t *HTTPTransport) Discard(token download.ResumeToken) {
	tok, err := decodeToken(token, t.dir)
	if err != nil {
		return
	}

	removePart(tok.Part)
}

func (t *HTTPTransport) start(ctx context.Context, op *operation, cb download.Callbacks) {
	ctx, cancel := context.WithCancel(ctx)
	op.cancel = cancel
	op.done = make(chan struct{})

	go t.run(ctx, op, cb)
}

func (t *HTTPTransport) run(ctx context.Context, op *operation, cb download.Callbacks) {
	defer close(op.done)
	defer op.cancel()

	logger := logctx.LoggerFromContext(ctx)

	res, err := t.fetch(ctx, op, cb)

	op.mu.Lock()
	stopped := op.stopped
	if !stopped || err == nil {
		op.finished = true
	}
	op.mu.Unlock()

	if stopped && err != nil {
		// Suspend or Abort own the outcome.
		return
	}

	if stopped {
		logger.Debug("transfer finished while being stopped", "file_name", res.FileName)
	}

	if err != nil {
		cb.Complete(download.Result{}, t.failure(ctx, op, err))

		return
	}

	cb.Complete(res, nil)
}

func (t *HTTPTransport) fetch(ctx context.Context, op *operation, cb download.Callbacks) (download.Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.url, nil)
	if err != nil {
		return download.Result{}, &NetworkError{Operation: "get", APIMessage: "invalid request", Err: err}
	}

	if op.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", op.offset))

		if op.etag != "" {
			req.Header.Set("If-Range", op.etag)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return download.Result{}, &NetworkError{Operation: "get", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if err := t.checkResponse(op, resp); err != nil {
		return download.Result{}, err
	}

	op.mu.Lock()
	if acceptsRanges(resp) {
		op.ranges = true
	}
	if v := validator(resp); v != "" {
		op.etag = v
	}
	op.mu.Unlock()

	total := expectedTotal(resp, op.offset)

	logger.Debug("transfer response received",
		"status", resp.StatusCode,
		"offset", op.offset,
		"total", sizeLabel(total))

	out, err := os.OpenFile(op.part, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return download.Result{}, &DirectoryError{DirectoryName: t.dir, Reason: "cannot open partial file", Err: err}
	}

	if err := out.Truncate(op.offset); err != nil {
		out.Close()

		return download.Result{}, &DirectoryError{DirectoryName: t.dir, Reason: "cannot truncate partial file", Err: err}
	}

	if _, err := out.Seek(op.offset, io.SeekStart); err != nil {
		out.Close()

		return download.Result{}, &DirectoryError{DirectoryName: t.dir, Reason: "cannot seek partial file", Err: err}
	}

	pr := newProgressReader(resp.Body, total, t.interval, cb.Progress)

	_, copyErr := io.Copy(out, pr)
	pr.flush()

	op.mu.Lock()
	op.written = pr.read
	op.mu.Unlock()

	closeErr := out.Close()

	if copyErr != nil {
		return download.Result{}, &NetworkError{Operation: "read", APIMessage: copyErr.Error(), Err: copyErr}
	}

	if closeErr != nil {
		return download.Result{}, &DirectoryError{DirectoryName: t.dir, Reason: "cannot close partial file", Err: closeErr}
	}

	if total >= 0 && op.offset+pr.read < total {
		return download.Result{}, &NetworkError{
			Operation:  "read",
			APIMessage: fmt.Sprintf("body ended after %d of %d bytes", op.offset+pr.read, total),
			Err:        io.ErrUnexpectedEOF,
		}
	}

	name, err := t.place(op.part, fileName(resp, op.url))
	if err != nil {
		return download.Result{}, err
	}

	return download.Result{DirectoryName: t.dir, FileName: name}, nil
}

func (t *HTTPTransport) checkResponse(op *operation, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{
			Operation: "get",
			Err:       &NetworkError{Operation: "get", StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)},
		}
	case op.offset > 0 && resp.StatusCode == http.StatusPartialContent:
		start, ok := rangeStart(resp.Header.Get("Content-Range"))
		if !ok || start != op.offset {
			return &InvalidContentError{
				URL:    op.url,
				Reason: fmt.Sprintf("content-range %q does not start at %d", resp.Header.Get("Content-Range"), op.offset),
			}
		}

		return nil
	case op.offset > 0 && resp.StatusCode == http.StatusOK:
		return &NetworkError{
			Operation:  "continue",
			StatusCode: resp.StatusCode,
			APIMessage: "server ignored the range request or the resource changed",
		}
	case resp.StatusCode == http.StatusOK:
		return nil
	default:
		return &NetworkError{Operation: "get", StatusCode: resp.StatusCode, APIMessage: http.StatusText(resp.StatusCode)}
	}
}

// failure decides between a resumable interruption and a final error. Only
// transient network failures on a range-capable server keep the partial file.
func (t *HTTPTransport) failure(ctx context.Context, op *operation, err error) error {
	logger := logctx.LoggerFromContext(ctx)

	op.mu.Lock()
	received := op.offset + op.written
	ranges := op.ranges
	etag := op.etag
	op.mu.Unlock()

	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.Transient() && ranges && received > 0 {
		token, tokErr := resumeToken{URL: op.url, Part: op.part, Offset: received, ETag: etag}.encode()
		if tokErr == nil {
			logger.Warn("transfer interrupted", "received", humanize.Bytes(uint64(received)), "err", err)

			return &download.InterruptedError{Token: token, Err: err}
		}
	}

	removePart(op.part)

	return err
}

// place renames part into the target directory under name, adding " (n)"
// before the extension when the name is taken.
func (t *HTTPTransport) place(part, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}

		target := filepath.Join(t.dir, candidate)

		f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
		if errors.Is(err, os.ErrExist) {
			continue
		}

		if err != nil {
			return "", &DirectoryError{DirectoryName: t.dir, Reason: "cannot reserve file name", Err: err}
		}

		f.Close()

		if err := os.Rename(part, target); err != nil {
			os.Remove(target)

			return "", &DirectoryError{DirectoryName: t.dir, Reason: "cannot move completed file", Err: err}
		}

		return candidate, nil
	}

	return "", &DirectoryError{DirectoryName: t.dir, Reason: "no free file name for " + name}
}

func removePart(part string) {
	if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
		logctx.LoggerFromContext(context.Background()).Warn("failed to remove partial file", "file_path", part, "err", err)
	}
}

func acceptsRanges(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPartialContent ||
		strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
}

// validator returns the value to send in If-Range: a strong ETag, else Last-Modified.
func validator(resp *http.Response) string {
	if etag := resp.Header.Get("ETag"); etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}

	return resp.Header.Get("Last-Modified")
}

// expectedTotal is the size of the whole resource, or download.UnknownSize.
func expectedTotal(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		cr := resp.Header.Get("Content-Range")
		if i := strings.LastIndexByte(cr, '/'); i >= 0 {
			if n, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil {
				return n
			}
		}

		if resp.ContentLength >= 0 {
			return offset + resp.ContentLength
		}

		return download.UnknownSize
	}

	if resp.ContentLength >= 0 {
		return resp.ContentLength
	}

	return download.UnknownSize
}

// rangeStart parses the first byte position of "bytes first-last/total".
func rangeStart(contentRange string) (int64, bool) {
	rng, ok := strings.CutPrefix(strings.TrimSpace(contentRange), "bytes ")
	if !ok {
		return 0, false
	}

	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// fileName picks the name for a completed download from Content-Disposition,
// then from the last URL path segment.
func fileName(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := sanitize(params["filename"]); name != "" {
				return name
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		if name := sanitize(path.Base(u.Path)); name != "" {
			return name
		}
	}

	return fallbackFileName
}

func sanitize(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))

	switch name {
	case "", ".", "..", "/":
		return ""
	}

	if strings.HasSuffix(name, partSuffix) {
		name = strings.TrimSuffix(name, partSuffix)
	}

	return name
}

func sizeLabel(n int64) string {
	if n < 0 {
		return "unknown"
	}

	return humanize.Bytes(uint64(n))
}
