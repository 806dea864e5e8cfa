// Package throttle provides a token-bucket rate-limited io.Writer used to
// cap the archive write throughput of the capture serializer stage, so a
// capture session sharing a host with the traced application doesn't
// starve it of disk bandwidth.
package throttle

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// defaultBurstBytes bounds the token bucket when the caller has no
// meaningful chunk-size hint to pin it to.
const defaultBurstBytes = 256 * 1024

// Writer rate-limits writes to an underlying io.Writer with a token
// bucket. internal/stream's serializer hands it exactly one already-framed
// compressed chunk per Write call, so the limiter's burst capacity is
// pinned to that chunk's configured size rather than an arbitrary constant:
// a full chunk flushes in one reservation, and only a chunk bigger than
// its own staging size pays the cost of being split across multiple waits.
type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter wraps w with a rate limiter capped at bytesPerSec bytes/second.
// chunkSizeHint should be the stream writer's configured staging chunk
// size; it becomes the limiter's burst capacity (clamped to bytesPerSec),
// so one full chunk passes through without an extra artificial wait. A
// non-positive hint falls back to defaultBurstBytes.
// If bytesPerSec <= 0, w is returned unwrapped.
func NewWriter(ctx context.Context, w io.Writer, bytesPerSec int64, chunkSizeHint int) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	if ctx == nil {
		ctx = context.Background()
	}

	burst := chunkSizeHint
	if burst <= 0 {
		burst = defaultBurstBytes
	}
	if int64(burst) > bytesPerSec {
		burst = int(bytesPerSec)
	}

	return &Writer{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write splits p into burst-sized pieces so a chunk larger than the
// configured burst still consumes tokens gradually instead of reserving
// one huge wait.
func (tw *Writer) Write(p []byte) (int, error) {
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
