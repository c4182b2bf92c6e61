package flowcontrol

import (
	"context"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// maxChunk bounds one limiter reservation so large writes are paced
const maxChunk = 32 << 10

// RateLimiter limits bandwidth in bytes per second. A zero rate is
// unlimited; the limit can be changed while writers are running.
type RateLimiter struct {
	limiter atomic.Pointer[rate.Limiter] // nil when unlimited
}

// NewRateLimiter creates a limiter for bytesPerSecond with a burst of one
// second's worth of data
func NewRateLimiter(bytesPerSecond int64) *RateLimiter {
	rl := &RateLimiter{}
	rl.SetRate(bytesPerSecond)
	return rl
}

// Wait blocks until n bytes can be sent
func (rl *RateLimiter) Wait(ctx context.Context, n int) error {
	for n > 0 {
		lim := rl.limiter.Load()
		if lim == nil {
			return ctx.Err()
		}
		chunk := n
		if chunk > maxChunk {
			chunk = maxChunk
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return ctx.Err()
}

// SetRate changes the limit for new waits; zero disables limiting
func (rl *RateLimiter) SetRate(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		rl.limiter.Store(nil)
		return
	}
	burst := int(bytesPerSecond)
	if burst < maxChunk {
		burst = maxChunk
	}
	if lim := rl.limiter.Load(); lim != nil {
		lim.SetBurst(burst)
		lim.SetLimit(rate.Limit(bytesPerSecond))
		return
	}
	rl.limiter.Store(rate.NewLimiter(rate.Limit(bytesPerSecond), burst))
}

// Limit returns the current rate in bytes per second, zero when unlimited
func (rl *RateLimiter) Limit() int64 {
	if lim := rl.limiter.Load(); lim != nil {
		return int64(lim.Limit())
	}
	return 0
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	rl  *RateLimiter
}

// Writer paces writes to w through rl and aborts when ctx is done
func (rl *RateLimiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	return &limitedWriter{ctx: ctx, w: w, rl: rl}
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if err := lw.rl.Wait(lw.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := lw.w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
