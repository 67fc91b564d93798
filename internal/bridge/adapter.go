// Package bridge routes terminal assistant sessions to chat platforms
// (Telegram, Discord, Slack) and back.
package bridge

import (
	"context"
	"strings"
	"time"
)

// Adapter is the interface that platform-specific implementations must
// satisfy. Each adapter handles connection management, message delivery,
// poll prompts, and typing indicators for a single chat platform. Chat ids
// passed to an adapter are the platform-native part only (the channel-name
// prefix is stripped by the daemon before dispatch).
type Adapter interface {
	// Name returns the configured channel name (e.g. "tg-main"). It is
	// used as the prefix of fully qualified chat ids.
	Name() string

	// Connect establishes a connection to the chat platform. A failure
	// here is fatal: the bridge must not start half-initialized.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers a plain text message to a chat.
	Send(ctx context.Context, chatID, text string) error

	// SendOutput delivers raw session output to a chat. Unlike Send, the
	// text is chunked at the platform message-size limit and consecutive
	// small fragments are merged by editing the previous message in place.
	SendOutput(ctx context.Context, chatID, text string) error

	// SendDocument uploads a file with an optional caption.
	SendDocument(ctx context.Context, chatID, path, caption string) error

	// SendPoll presents a single-question prompt with selectable options.
	// Platforms without a native poll primitive emulate it as a numbered
	// prompt whose free-text replies are parsed by the adapter.
	SendPoll(ctx context.Context, chatID, question string, options []string, multiSelect bool) (PollRef, error)

	// ClosePoll tears down an open poll message.
	ClosePoll(ctx context.Context, chatID, messageID string) error

	// SetTyping turns the typing indicator on or off for a chat.
	// Adapters without a typing primitive no-op.
	SetTyping(ctx context.Context, chatID string, active bool) error

	// ValidateChat reports whether the chat is still reachable. Used to
	// prune dead targets.
	ValidateChat(ctx context.Context, chatID string) (bool, error)

	// Capabilities reports what the platform natively supports. Resolved
	// once at adapter construction so callers branch on a descriptor
	// instead of probing per call.
	Capabilities() Capabilities

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// Capabilities describes the optional surface an adapter supports.
type Capabilities struct {
	Polls     bool // native poll objects (vs numbered-prompt emulation)
	Documents bool // file uploads
	Typing    bool // typing indicator primitive
}

// PollRef identifies an issued poll: the platform's poll id (used to match
// answers back) and the message id carrying it (used to close it).
type PollRef struct {
	PollID    string
	MessageID string
}

// InboundMessage represents a message received from a chat platform,
// normalized across adapters.
type InboundMessage struct {
	Channel   string      // adapter name, e.g. "tg-main"
	ChatID    string      // platform-native chat identifier
	MessageID string      // platform-native message identifier
	UserID    string      // platform-native user identifier
	UserName  string      // human-readable username
	Text      string      // raw message text (empty for pure poll answers)
	Poll      *PollAnswer // non-nil if this is a poll answer
	Timestamp time.Time
}

// PollAnswer is a normalized poll response: which poll, which options.
type PollAnswer struct {
	PollID        string
	OptionIndexes []int // zero-based
}

// DeadTargetFunc is invoked by an adapter when a platform reports a chat
// permanently unreachable (bot blocked, chat deleted). The chat id passed
// is fully qualified ("channel:id") so the owning system can prune it.
// Distinct from rate limits, which adapters retry internally.
type DeadTargetFunc func(chatID string)

// FatalFunc is invoked by an adapter when the platform reports a terminal
// condition that reconnection cannot fix (e.g. credentials revoked).
type FatalFunc func(err error)

// QualifyChatID joins a channel name and a platform-native chat id into
// the fully qualified form used by the registry ("channel:id").
func QualifyChatID(channel, chatID string) string {
	return channel + ":" + chatID
}

// SplitChatID splits a fully qualified chat id into channel name and
// platform-native id. The second return is empty if there is no prefix.
func SplitChatID(qualified string) (channel, chatID string) {
	i := strings.Index(qualified, ":")
	if i < 0 {
		return qualified, ""
	}
	return qualified[:i], qualified[i+1:]
}
