package bridge

import (
	"strings"
	"sync"
	"time"
)

// Batcher defaults, tuned for chat platform rate limits. A full-screen
// terminal redraw produces hundreds of tiny writes per second; the
// batcher turns them into a handful of messages.
const (
	DefaultMinInterval = 1 * time.Second
	DefaultMaxInterval = 5 * time.Second
	DefaultMaxChars    = 3500
)

// BatcherOpts holds parameters for creating a Batcher.
type BatcherOpts struct {
	MinInterval time.Duration // quiet-period coalescing window
	MaxInterval time.Duration // hard ceiling forcing a flush under continuous input
	MaxChars    int           // size ceiling forcing an immediate flush
	Flush       func(text string)
}

// Batcher converts a bursty stream of small writes into bounded-latency,
// bounded-size flush events. Push is a non-blocking memory append — the
// batcher is the sole backpressure point between a session's output
// reader and a slow chat platform, and slowness only shows up as flush
// latency.
type Batcher struct {
	minInterval time.Duration
	maxInterval time.Duration
	maxChars    int
	flush       func(string)

	mu        sync.Mutex
	buf       strings.Builder
	timer     *time.Timer
	lastFlush time.Time
	destroyed bool
}

// NewBatcher creates a Batcher. Zero opts fields fall back to defaults;
// Flush is required and receives each flushed chunk in order.
func NewBatcher(opts BatcherOpts) *Batcher {
	b := &Batcher{
		minInterval: opts.MinInterval,
		maxInterval: opts.MaxInterval,
		maxChars:    opts.MaxChars,
		flush:       opts.Flush,
	}
	if b.minInterval <= 0 {
		b.minInterval = DefaultMinInterval
	}
	if b.maxInterval <= 0 {
		b.maxInterval = DefaultMaxInterval
	}
	if b.maxChars <= 0 {
		b.maxChars = DefaultMaxChars
	}
	if b.flush == nil {
		b.flush = func(string) {}
	}
	b.lastFlush = time.Now()
	return b
}

// Push appends text to the buffer. The quiet-window timer is re-armed on
// every push, so a burst coalesces into one flush; the re-arm is clamped
// so that under continuous input a flush still fires once MaxInterval has
// elapsed since the last one. If the buffer exceeds MaxChars the flush
// happens immediately, regardless of timers.
func (b *Batcher) Push(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}

	b.buf.WriteString(text)

	if b.buf.Len() >= b.maxChars {
		b.flushLocked()
		return
	}

	delay := b.minInterval
	if ceiling := time.Until(b.lastFlush.Add(b.maxInterval)); ceiling < delay {
		delay = ceiling
	}
	if delay <= 0 {
		b.flushLocked()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(delay, b.timerFired)
}

func (b *Batcher) timerFired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.flushLocked()
}

// Flush hands any buffered text to the callback and clears the buffer.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// flushLocked performs the flush under b.mu. The callback runs while the
// lock is held, which keeps the hand-off atomic with the buffer clear;
// callbacks must not call back into the batcher.
func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.lastFlush = time.Now()
	if b.buf.Len() == 0 {
		return
	}
	text := b.buf.String()
	b.buf.Reset()
	b.flush(text)
}

// Destroy cancels any pending timer and performs one final flush so no
// output is silently dropped on shutdown. Further pushes are ignored.
func (b *Batcher) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.flushLocked()
	b.destroyed = true
}
