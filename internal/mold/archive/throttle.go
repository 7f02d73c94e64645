package archive

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize bounds how large a single reservation can be regardless of
// the configured rate, so one oversized Write doesn't stall waiting for an
// enormous burst of tokens to accumulate.
const maxBurstSize = 1 << 20 // 1MB

// throttledWriter rate-limits writes to bytesPerSec using a token-bucket
// limiter, splitting any write larger than the bucket's burst into
// bucket-sized chunks so large copies still yield tokens gradually instead
// of blocking on one huge reservation.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledWriter wraps w with a bytesPerSec rate limit. A non-positive
// bytesPerSec disables throttling and returns w unchanged.
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	return &throttledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

func (tw *throttledWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}
		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return total, err
		}
		n, err := tw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}
