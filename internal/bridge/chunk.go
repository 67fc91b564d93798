package bridge

import (
	"context"
	"sync"
)

// ChunkText splits text into chunks of at most limit bytes, breaking at
// the last newline at or before the limit so no line is ever split
// mid-line. A single line longer than the limit is hard-split — progress
// is always made. Concatenating the chunks reproduces the input exactly.
func ChunkText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		breakAt := -1
		for i := limit - 1; i >= 0; i-- {
			if text[i] == '\n' {
				breakAt = i
				break
			}
		}
		if breakAt < 0 {
			// No newline in range — hard split at the limit.
			chunks = append(chunks, text[:limit])
			text = text[limit:]
			continue
		}
		// Include the newline in the chunk so concatenation is lossless.
		chunks = append(chunks, text[:breakAt+1])
		text = text[breakAt+1:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

// SendFunc posts a new message and returns its platform message id.
type SendFunc func(ctx context.Context, chatID, text string) (messageID string, err error)

// EditFunc replaces the content of an existing message.
type EditFunc func(ctx context.Context, chatID, messageID, text string) error

// Coalescer merges consecutive small output fragments for the same chat
// by editing the most recently sent message in place while the combined
// size stays under the platform limit, falling back to a new message once
// it would not. Adapters use it to implement SendOutput.
type Coalescer struct {
	limit int
	send  SendFunc
	edit  EditFunc

	mu   sync.Mutex
	last map[string]*coalesced // chat id -> tail message
}

type coalesced struct {
	messageID string
	text      string
}

// NewCoalescer creates a Coalescer for a platform message-size limit.
func NewCoalescer(limit int, send SendFunc, edit EditFunc) *Coalescer {
	return &Coalescer{
		limit: limit,
		send:  send,
		edit:  edit,
		last:  make(map[string]*coalesced),
	}
}

// Write delivers text to the chat, chunking at the limit and merging into
// the previous tail message when it fits.
func (c *Coalescer) Write(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tail := c.last[chatID]
	if tail != nil && c.edit != nil && len(tail.text)+len(text) <= c.limit {
		merged := tail.text + text
		if err := c.edit(ctx, chatID, tail.messageID, merged); err != nil {
			return err
		}
		tail.text = merged
		return nil
	}

	for _, chunk := range ChunkText(text, c.limit) {
		messageID, err := c.send(ctx, chatID, chunk)
		if err != nil {
			return err
		}
		c.last[chatID] = &coalesced{messageID: messageID, text: chunk}
	}
	return nil
}

// Break forgets the tail message for a chat, so the next write starts a
// fresh message. Called when an unrelated message interleaves.
func (c *Coalescer) Break(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.last, chatID)
}
