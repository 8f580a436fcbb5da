package proxy

import (
	"context"
	"io"
	"time"
)

// idleTimeoutReader wraps an io.ReadCloser to enforce an idle timeout.
// If no data arrives for the configured duration, Read returns
// context.DeadlineExceeded.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	return &idleTimeoutReader{rc: rc, timeout: timeout}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := r.rc.Read(p)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-timer.C:
		return 0, context.DeadlineExceeded
	}
}

func (r *idleTimeoutReader) Close() error {
	return r.rc.Close()
}
