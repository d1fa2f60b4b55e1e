package upload

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxThrottleBurst caps a single limiter reservation.
const maxThrottleBurst = 256 << 10

// ThrottledWriter limits the rate at which bytes reach the wrapped writer.
type ThrottledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
	burst   int
}

// NewThrottledWriter wraps w so that at most bytesPerSecond pass through.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) *ThrottledWriter {
	burst := int(min(bytesPerSecond, maxThrottleBurst))

	return &ThrottledWriter{
		ctx:     ctx,
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:   burst,
	}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) > 0 {
		chunk := min(len(p), t.burst)

		if err := t.limiter.WaitN(t.ctx, chunk); err != nil {
			return written, err
		}

		n, err := t.w.Write(p[:chunk])
		written += n

		if err != nil {
			return written, err
		}

		p = p[chunk:]
	}

	return written, nil
}
