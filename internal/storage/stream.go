package storage

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
)

// contextReader stops reading as soon as its context is done.
type contextReader struct {
	ctx context.Context
	rc  io.ReadCloser
}

// WithContext returns a ReadCloser whose Read fails once ctx is done, so a
// proxy copy stops pulling bytes when the client goes away.
func WithContext(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	return &contextReader{ctx: ctx, rc: rc}
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.rc.Read(p)
}

func (r *contextReader) Close() error {
	return r.rc.Close()
}

// Seekable returns content as an io.ReadSeeker, spooling it to a temporary
// file when it is not one already. The returned cleanup must be called.
func Seekable(content io.Reader) (io.ReadSeeker, int64, func(), error) {
	if rs, ok := content.(io.ReadSeeker); ok {
		cur, err := rs.Seek(0, io.SeekCurrent)
		if err == nil {
			end, err := rs.Seek(0, io.SeekEnd)
			if err == nil {
				if _, err := rs.Seek(cur, io.SeekStart); err == nil {
					return rs, end - cur, func() {}, nil
				}
			}
		}
	}

	tmp, err := os.CreateTemp("", ".fireflycloud-spool-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	n, err := io.Copy(tmp, content)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return tmp, n, cleanup, nil
}

// instrumented records metrics for every call of the wrapped backend.
type instrumented struct {
	Backend
}

// Instrument wraps b so every operation is recorded in the backend metrics.
func Instrument(b Backend) Backend {
	if b == nil {
		return nil
	}
	if _, ok := b.(*instrumented); ok {
		return b
	}
	return &instrumented{Backend: b}
}

func (i *instrumented) record(op string, start time.Time, err error) {
	metrics.RecordBackendOperation(string(i.Backend.Kind()), op, time.Since(start), err == nil)
}

func (i *instrumented) Upload(ctx context.Context, content io.Reader, size int64, destinationPath, ownerHint string) (string, error) {
	start := time.Now()
	p, err := i.Backend.Upload(ctx, content, size, destinationPath, ownerHint)
	i.record("upload", start, err)
	return p, err
}

func (i *instrumented) ResolveAccess(ctx context.Context, storagePath string, hints AccessHints) (*AccessDescriptor, error) {
	start := time.Now()
	d, err := i.Backend.ResolveAccess(ctx, storagePath, hints)
	i.record("resolve_access", start, err)
	return d, err
}

func (i *instrumented) Delete(ctx context.Context, storagePath string) error {
	start := time.Now()
	err := i.Backend.Delete(ctx, storagePath)
	i.record("delete", start, err)
	return err
}

func (i *instrumented) RawRead(ctx context.Context, storagePath string) (io.ReadCloser, int64, error) {
	start := time.Now()
	rc, n, err := i.Backend.RawRead(ctx, storagePath)
	i.record("raw_read", start, err)
	return rc, n, err
}

func (i *instrumented) Kind() models.StrategyType {
	return i.Backend.Kind()
}

// Unwrap returns the wrapped backend.
func (i *instrumented) Unwrap() Backend {
	return i.Backend
}

// Unwrap returns the innermost backend behind any instrumentation.
func Unwrap(b Backend) Backend {
	for {
		u, ok := b.(interface{ Unwrap() Backend })
		if !ok {
			return b
		}
		b = u.Unwrap()
	}
}
