package transfer

import (
	"io"
	"time"
)

// progressReader wraps an io.Reader and reports newly read bytes through a
// callback, at most once per interval. flush reports whatever is left.
type progressReader struct {
	reader   io.Reader
	total    int64
	interval time.Duration
	report   func(delta, total int64)
	now      func() time.Time

	read     int64 // cumulative
	pending  int64 // bytes since last report
	lastSent time.Time
}

func newProgressReader(r io.Reader, total int64, interval time.Duration, report func(delta, total int64)) *progressReader {
	return &progressReader{
		reader:   r,
		total:    total,
		interval: interval,
		report:   report,
		now:      time.Now,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.pending += int64(n)

		if now := pr.now(); now.Sub(pr.lastSent) >= pr.interval {
			pr.send(now)
		}
	}

	return n, err
}

func (pr *progressReader) flush() {
	if pr.pending > 0 {
		pr.send(pr.now())
	}
}

func (pr *progressReader) send(now time.Time) {
	delta := pr.pending
	pr.pending = 0
	pr.lastSent = now

	if pr.report != nil {
		pr.report(delta, pr.total)
	}
}
