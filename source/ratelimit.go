package source

import (
	"context"

	"github.com/hupe1980/stripecache/resource"
)

// RateLimited wraps a Reader so that every range read first acquires IO
// budget from the resource controller. Wrap cold-path readers with it to
// keep cache misses from starving foreground traffic.
func RateLimited(inner Reader, ctrl *resource.Controller) Reader {
	return &rateLimitedReader{inner: inner, ctrl: ctrl}
}

type rateLimitedReader struct {
	inner Reader
	ctrl  *resource.Controller
}

func (r *rateLimitedReader) ReadRanges(ctx context.Context, ranges []Range) ([][]byte, error) {
	var total int64
	for _, rg := range ranges {
		total += rg.Len()
	}
	if err := r.ctrl.AcquireIO(ctx, int(total)); err != nil {
		return nil, err
	}
	return r.inner.ReadRanges(ctx, ranges)
}

func (r *rateLimitedReader) ReleaseBuffer(b []byte) { r.inner.ReleaseBuffer(b) }

func (r *rateLimitedReader) Size() int64 { return r.inner.Size() }

func (r *rateLimitedReader) Close() error { return r.inner.Close() }
