package bridge

import (
	"context"
	"log"
	"sync"
	"time"
)

// TypingLoop keeps a platform typing indicator alive by refreshing it on
// an interval shorter than the platform's own expiry, and force-clears it
// after a ceiling duration so a caller that forgets to call Stop cannot
// leave a chat stuck "typing".
type TypingLoop struct {
	adapter  Adapter
	interval time.Duration
	ceiling  time.Duration

	mu     sync.Mutex
	cancel map[string]context.CancelFunc // chat id -> active loop
}

// NewTypingLoop creates a TypingLoop. interval must be below the
// platform's indicator expiry; ceiling bounds total indicator lifetime.
func NewTypingLoop(adapter Adapter, interval, ceiling time.Duration) *TypingLoop {
	return &TypingLoop{
		adapter:  adapter,
		interval: interval,
		ceiling:  ceiling,
		cancel:   make(map[string]context.CancelFunc),
	}
}

// Start begins refreshing the typing indicator for a chat. A second Start
// for the same chat restarts the ceiling clock. No-op for adapters
// without the typing capability.
func (t *TypingLoop) Start(ctx context.Context, chatID string) {
	if !t.adapter.Capabilities().Typing {
		return
	}

	t.mu.Lock()
	if cancel, ok := t.cancel[chatID]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithTimeout(ctx, t.ceiling)
	t.cancel[chatID] = cancel
	t.mu.Unlock()

	go t.run(loopCtx, chatID)
}

// Stop clears the indicator and cancels the refresh loop for a chat.
func (t *TypingLoop) Stop(chatID string) {
	t.mu.Lock()
	cancel, ok := t.cancel[chatID]
	delete(t.cancel, chatID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *TypingLoop) run(ctx context.Context, chatID string) {
	if err := t.adapter.SetTyping(ctx, chatID, true); err != nil {
		log.Printf("bridge: typing %s: %v", chatID, err)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Ceiling reached or Stop called — force-clear.
			clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.adapter.SetTyping(clearCtx, chatID, false)
			cancel()
			return
		case <-ticker.C:
			if err := t.adapter.SetTyping(ctx, chatID, true); err != nil {
				log.Printf("bridge: typing %s: %v", chatID, err)
			}
		}
	}
}
