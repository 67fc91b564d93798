package bridge

import (
	"sync"

	"github.com/google/uuid"
)

// promptPoll is one open numbered-prompt poll awaiting a free-text reply.
type promptPoll struct {
	pollID      string
	messageID   string
	options     []string
	multiSelect bool
}

// PromptPolls emulates polls for platforms without a native poll
// primitive. A poll becomes a numbered text prompt; the next free-text
// reply in the chat that parses as a selection is converted into a poll
// answer. At most one prompt is open per chat; opening another replaces
// it.
type PromptPolls struct {
	mu     sync.Mutex
	byChat map[string]*promptPoll
}

// NewPromptPolls creates an empty prompt tracker.
func NewPromptPolls() *PromptPolls {
	return &PromptPolls{byChat: make(map[string]*promptPoll)}
}

// Open registers a prompt for the chat and returns its poll reference.
// messageID is the platform id of the prompt message, used for ClosePoll.
func (p *PromptPolls) Open(chatID, messageID string, options []string, multiSelect bool) PollRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref := PollRef{PollID: uuid.NewString(), MessageID: messageID}
	p.byChat[chatID] = &promptPoll{
		pollID:      ref.PollID,
		messageID:   messageID,
		options:     options,
		multiSelect: multiSelect,
	}
	return ref
}

// Intercept checks a free-text reply against the chat's open prompt. If
// the reply parses as a selection the prompt is consumed and the
// normalized answer is returned. Replies that do not parse leave the
// prompt open and flow through as ordinary text.
func (p *PromptPolls) Intercept(chatID, text string) (*PollAnswer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	open, ok := p.byChat[chatID]
	if !ok {
		return nil, false
	}
	indexes, ok := ParsePollAnswer(open.options, text, open.multiSelect)
	if !ok {
		return nil, false
	}
	delete(p.byChat, chatID)
	return &PollAnswer{PollID: open.pollID, OptionIndexes: indexes}, true
}

// CloseByMessageID drops the open prompt carried by messageID, if any.
func (p *PromptPolls) CloseByMessageID(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for chatID, open := range p.byChat {
		if open.messageID == messageID {
			delete(p.byChat, chatID)
		}
	}
}
