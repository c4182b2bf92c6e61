package flowcontrol

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// Counter tracks bytes moved by a transfer and when it last progressed
type Counter struct {
	bytes    atomic.Int64
	total    atomic.Int64
	lastMove atomic.Int64 // unix nanos
	started  time.Time
}

// NewCounter creates a counter for a transfer of total bytes
func NewCounter(total int64) *Counter {
	c := &Counter{started: time.Now()}
	c.total.Store(total)
	c.lastMove.Store(c.started.UnixNano())
	return c
}

// Add records n transferred bytes
func (c *Counter) Add(n int64) {
	if n > 0 {
		c.bytes.Add(n)
		c.lastMove.Store(time.Now().UnixNano())
	}
}

// Bytes returns the bytes transferred so far
func (c *Counter) Bytes() int64 {
	return c.bytes.Load()
}

// Total returns the expected transfer size
func (c *Counter) Total() int64 {
	return c.total.Load()
}

// LastProgress returns when bytes last moved
func (c *Counter) LastProgress() time.Time {
	return time.Unix(0, c.lastMove.Load())
}

// Remaining estimates the time left from the average rate so far; zero
// when unknown
func (c *Counter) Remaining() time.Duration {
	done := c.Bytes()
	total := c.Total()
	elapsed := time.Since(c.started)
	if done <= 0 || total <= done || elapsed <= 0 {
		return 0
	}
	perByte := float64(elapsed) / float64(done)
	return time.Duration(perByte * float64(total-done))
}

type countingWriter struct {
	w io.Writer
	c *Counter
}

// Writer counts bytes written through w
func (c *Counter) Writer(w io.Writer) io.Writer {
	return &countingWriter{w: w, c: c}
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.c.Add(int64(n))
	return n, err
}

type countingReader struct {
	ctx context.Context
	r   io.Reader
	c   *Counter
}

// Reader counts bytes read through r and stops once ctx is done
func (c *Counter) Reader(ctx context.Context, r io.Reader) io.Reader {
	return &countingReader{ctx: ctx, r: r, c: c}
}

func (cr *countingReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := cr.r.Read(p)
	cr.c.Add(int64(n))
	return n, err
}
