package bridge

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// flushCollector records flushes for batcher tests.
type flushCollector struct {
	mu      sync.Mutex
	flushes []string
}

func (c *flushCollector) flush(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes = append(c.flushes, text)
}

func (c *flushCollector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.flushes))
	copy(out, c.flushes)
	return out
}

func TestBatcherCoalescesBurst(t *testing.T) {
	var c flushCollector
	b := NewBatcher(BatcherOpts{
		MinInterval: 50 * time.Millisecond,
		MaxInterval: time.Second,
		MaxChars:    10000,
		Flush:       c.flush,
	})
	defer b.Destroy()

	for i := 0; i < 20; i++ {
		b.Push("x")
	}

	time.Sleep(200 * time.Millisecond)
	flushes := c.all()
	if len(flushes) != 1 {
		t.Fatalf("burst produced %d flushes, want 1: %q", len(flushes), flushes)
	}
	if flushes[0] != strings.Repeat("x", 20) {
		t.Errorf("flush = %q, want exact concatenation", flushes[0])
	}
}

func TestBatcherMaxIntervalCeiling(t *testing.T) {
	var c flushCollector
	b := NewBatcher(BatcherOpts{
		MinInterval: 40 * time.Millisecond,
		MaxInterval: 120 * time.Millisecond,
		MaxChars:    10000,
		Flush:       c.flush,
	})
	defer b.Destroy()

	// Continuous pushes faster than the quiet window for ~500ms. Without
	// the ceiling the debounce would never fire.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		b.Push("y")
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	flushes := c.all()
	if len(flushes) < 3 {
		t.Errorf("continuous input produced %d flushes, want at least one per max interval", len(flushes))
	}
	if got := strings.Join(flushes, ""); !strings.HasPrefix(got, "y") || strings.Trim(got, "y") != "" {
		t.Errorf("flushed text corrupted: %q", got)
	}
}

func TestBatcherMaxCharsImmediate(t *testing.T) {
	var c flushCollector
	b := NewBatcher(BatcherOpts{
		MinInterval: time.Hour,
		MaxInterval: time.Hour,
		MaxChars:    10,
		Flush:       c.flush,
	})
	defer b.Destroy()

	b.Push(strings.Repeat("z", 12))

	flushes := c.all()
	if len(flushes) != 1 {
		t.Fatalf("oversized push produced %d flushes, want immediate flush", len(flushes))
	}
	if flushes[0] != strings.Repeat("z", 12) {
		t.Errorf("flush = %q", flushes[0])
	}
}

func TestBatcherDestroyFlushesRemainder(t *testing.T) {
	var c flushCollector
	b := NewBatcher(BatcherOpts{
		MinInterval: time.Hour,
		MaxInterval: time.Hour,
		MaxChars:    10000,
		Flush:       c.flush,
	})

	b.Push("tail output")
	b.Destroy()

	flushes := c.all()
	if len(flushes) != 1 || flushes[0] != "tail output" {
		t.Fatalf("destroy did not flush remainder: %q", flushes)
	}

	// Pushes after Destroy are ignored.
	b.Push("late")
	b.Flush()
	if got := c.all(); len(got) != 1 {
		t.Errorf("output accepted after destroy: %q", got)
	}
}

func TestBatcherEmptyFlushSuppressed(t *testing.T) {
	var c flushCollector
	b := NewBatcher(BatcherOpts{Flush: c.flush})
	b.Flush()
	b.Destroy()
	if len(c.all()) != 0 {
		t.Errorf("empty buffer should not produce flush events")
	}
}
