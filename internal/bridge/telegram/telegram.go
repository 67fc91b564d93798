// Package telegram implements the bridge Adapter for Telegram using the
// Bot API long-poll transport.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/switchboard/internal/bridge"
)

const (
	// messageLimit is Telegram's maximum message length in characters.
	messageLimit = 4096
	// pollOptionLimit is the maximum number of options in a native poll.
	pollOptionLimit = 10
	// pollLabelLimit is the maximum length of a native poll option label.
	pollLabelLimit = 100
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// updateTimeout is the long-poll hold time in seconds.
	updateTimeout = 30
	// pollErrorPause is how long the update loop sleeps after a failed poll.
	pollErrorPause = 3 * time.Second
)

// botAPI abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	StopPoll(config tgbotapi.StopPollConfig) (tgbotapi.Poll, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// Adapter implements bridge.Adapter for Telegram. The Bot API has no
// push transport for bots without a public webhook, so Listen runs a
// long-poll loop over GetUpdates with an explicit offset cursor:
// confirming updates up to the cursor is what marks them consumed.
type Adapter struct {
	name         string
	token        string
	onDeadTarget bridge.DeadTargetFunc

	bot       botAPI
	coalescer *bridge.Coalescer
	prompts   *bridge.PromptPolls

	mu         sync.Mutex
	connected  bool
	closed     bool
	inbound    chan bridge.InboundMessage
	cancelFunc context.CancelFunc
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	Name         string // channel name used in qualified chat ids
	Token        string // bot token from @BotFather
	OnDeadTarget bridge.DeadTargetFunc
	// For testing: inject a mock bot instead of the real API.
	Bot botAPI
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("telegram: channel name is required")
	}
	if opts.Bot == nil && opts.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}

	a := &Adapter{
		name:         opts.Name,
		token:        opts.Token,
		onDeadTarget: opts.OnDeadTarget,
		bot:          opts.Bot,
		prompts:      bridge.NewPromptPolls(),
		inbound:      make(chan bridge.InboundMessage, 100),
	}
	a.coalescer = bridge.NewCoalescer(messageLimit, a.sendChunk, a.editMessage)
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Capabilities: Telegram has native polls, document uploads, and a
// chat-action typing indicator.
func (a *Adapter) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{Polls: true, Documents: true, Typing: true}
}

// Connect authenticates against the Bot API. Telegram bots are stateless
// HTTP clients; "connecting" is a getMe credential check.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.bot == nil {
		bot, err := tgbotapi.NewBotAPI(a.token)
		if err != nil {
			return fmt.Errorf("telegram: authenticate: %w", err)
		}
		log.Printf("telegram: %s: authorized as @%s", a.name, bot.Self.UserName)
		a.bot = bot
	}

	a.connected = true
	return nil
}

// Listen starts the long-poll loop and returns the inbound channel. Must
// be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan bridge.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	go a.pollLoop(listenCtx)
	return a.inbound, nil
}

// pollLoop fetches updates until the context is cancelled. The offset
// cursor advances monotonically past each seen update; an update is only
// confirmed to Telegram by the next request carrying a higher offset, so
// a crash between fetch and dispatch redelivers rather than drops.
func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.inbound)

	offset := 0
	for {
		if ctx.Err() != nil {
			return
		}

		u := tgbotapi.NewUpdate(offset)
		u.Timeout = updateTimeout
		updates, err := a.bot.GetUpdates(u)
		if err != nil {
			log.Printf("telegram: %s: get updates: %v", a.name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollErrorPause):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			msg, ok := a.convert(update)
			if !ok {
				continue
			}
			select {
			case a.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// convert maps a Telegram update to a normalized InboundMessage.
func (a *Adapter) convert(update tgbotapi.Update) (bridge.InboundMessage, bool) {
	if update.PollAnswer != nil {
		pa := update.PollAnswer
		return bridge.InboundMessage{
			Channel:   a.name,
			UserID:    strconv.FormatInt(pa.User.ID, 10),
			UserName:  pa.User.UserName,
			Poll:      &bridge.PollAnswer{PollID: pa.PollID, OptionIndexes: pa.OptionIDs},
			Timestamp: time.Now(),
		}, true
	}

	m := update.Message
	if m == nil || m.From == nil || m.From.IsBot || m.Chat == nil {
		return bridge.InboundMessage{}, false
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	msg := bridge.InboundMessage{
		Channel:   a.name,
		ChatID:    chatID,
		MessageID: strconv.Itoa(m.MessageID),
		UserID:    strconv.FormatInt(m.From.ID, 10),
		UserName:  userName(m.From),
		Text:      m.Text,
		Timestamp: m.Time(),
	}

	// A reply to an open emulated prompt becomes a poll answer.
	if answer, ok := a.prompts.Intercept(chatID, m.Text); ok {
		msg.Text = ""
		msg.Poll = answer
	}
	return msg, true
}

func userName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return u.FirstName
}

// Send delivers a plain text message, chunked at the platform limit. A
// plain send breaks the output merge chain for the chat.
func (a *Adapter) Send(ctx context.Context, chatID, text string) error {
	a.coalescer.Break(chatID)
	for _, chunk := range bridge.ChunkText(text, messageLimit) {
		if _, err := a.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendOutput delivers session output through the coalescer: consecutive
// small fragments merge into the previous message by edit.
func (a *Adapter) SendOutput(ctx context.Context, chatID, text string) error {
	return a.coalescer.Write(ctx, chatID, text)
}

// sendChunk posts one message and returns its message id.
func (a *Adapter) sendChunk(ctx context.Context, chatID, text string) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	var sent tgbotapi.Message
	err = a.withRetry(ctx, chatID, func() error {
		var sendErr error
		sent, sendErr = a.bot.Send(tgbotapi.NewMessage(id, text))
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("telegram: send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// editMessage replaces the content of a previously sent message.
func (a *Adapter) editMessage(ctx context.Context, chatID, messageID, text string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	err = a.withRetry(ctx, chatID, func() error {
		_, sendErr := a.bot.Send(tgbotapi.NewEditMessageText(id, msgID, text))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

// SendDocument uploads a file from the local filesystem.
func (a *Adapter) SendDocument(ctx context.Context, chatID, path, caption string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(id, tgbotapi.FilePath(path))
	doc.Caption = caption
	err = a.withRetry(ctx, chatID, func() error {
		_, sendErr := a.bot.Send(doc)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}

// SendPoll presents a question as a native non-anonymous poll when it
// fits Telegram's poll constraints (2..10 options, short labels), and
// falls back to a numbered text prompt otherwise.
func (a *Adapter) SendPoll(ctx context.Context, chatID, question string, options []string, multiSelect bool) (bridge.PollRef, error) {
	if !fitsNativePoll(options) {
		return a.sendPromptPoll(ctx, chatID, question, options, multiSelect)
	}

	id, err := parseChatID(chatID)
	if err != nil {
		return bridge.PollRef{}, err
	}
	poll := tgbotapi.NewPoll(id, question, options...)
	poll.IsAnonymous = false
	poll.AllowsMultipleAnswers = multiSelect

	var sent tgbotapi.Message
	err = a.withRetry(ctx, chatID, func() error {
		var sendErr error
		sent, sendErr = a.bot.Send(poll)
		return sendErr
	})
	if err != nil {
		return bridge.PollRef{}, fmt.Errorf("telegram: send poll: %w", err)
	}
	if sent.Poll == nil {
		return bridge.PollRef{}, fmt.Errorf("telegram: send poll: no poll in response")
	}
	return bridge.PollRef{
		PollID:    sent.Poll.ID,
		MessageID: strconv.Itoa(sent.MessageID),
	}, nil
}

// sendPromptPoll emulates a poll as a numbered prompt whose next
// parseable reply is converted back into a poll answer.
func (a *Adapter) sendPromptPoll(ctx context.Context, chatID, question string, options []string, multiSelect bool) (bridge.PollRef, error) {
	messageID, err := a.sendChunk(ctx, chatID, bridge.FormatPollPrompt(question, options, multiSelect))
	if err != nil {
		return bridge.PollRef{}, err
	}
	return a.prompts.Open(chatID, messageID, options, multiSelect), nil
}

// fitsNativePoll reports whether the option set satisfies Telegram's
// native poll constraints.
func fitsNativePoll(options []string) bool {
	if len(options) < 2 || len(options) > pollOptionLimit {
		return false
	}
	for _, opt := range options {
		if len(opt) > pollLabelLimit {
			return false
		}
	}
	return true
}

// ClosePoll stops a native poll, or forgets the emulated prompt carried
// by the message.
func (a *Adapter) ClosePoll(ctx context.Context, chatID, messageID string) error {
	a.prompts.CloseByMessageID(messageID)

	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("telegram: bad message id %q", messageID)
	}
	err = a.withRetry(ctx, chatID, func() error {
		_, stopErr := a.bot.StopPoll(tgbotapi.NewStopPoll(id, msgID))
		return stopErr
	})
	if err != nil {
		var tgErr *tgbotapi.Error
		// Stopping an already stopped (or emulated) poll is not an error.
		if errors.As(err, &tgErr) && tgErr.Code == 400 {
			return nil
		}
		return fmt.Errorf("telegram: stop poll: %w", err)
	}
	return nil
}

// SetTyping shows the typing chat action. Telegram clears the indicator
// on its own after a few seconds, so deactivation is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, chatID string, active bool) error {
	if !active {
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := a.bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram: chat action: %w", err)
	}
	return nil
}

// ValidateChat probes the chat with getChat. A dead-target class error
// (bot blocked, chat deleted) reports unreachable without error.
func (a *Adapter) ValidateChat(ctx context.Context, chatID string) (bool, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return false, err
	}
	_, err = a.bot.GetChat(tgbotapi.ChatInfoConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: id},
	})
	if err == nil {
		return true, nil
	}
	if isDeadTarget(err) {
		return false, nil
	}
	return false, fmt.Errorf("telegram: get chat: %w", err)
}

// Close stops the update loop.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	return nil
}

// withRetry calls fn, retrying after the server-announced delay on rate
// limits and reporting dead targets to the prune callback.
func (a *Adapter) withRetry(ctx context.Context, chatID string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var tgErr *tgbotapi.Error
		if !errors.As(err, &tgErr) {
			return err
		}

		if tgErr.Code == 429 && attempt < maxRetries {
			wait := time.Duration(tgErr.RetryAfter) * time.Second
			if wait <= 0 {
				wait = time.Second
			}
			log.Printf("telegram: %s: rate limited, retrying in %v", a.name, wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		if isDeadTarget(err) && a.onDeadTarget != nil {
			a.onDeadTarget(bridge.QualifyChatID(a.name, chatID))
		}
		return err
	}
}

// isDeadTarget reports whether the error marks the chat permanently
// unreachable, as opposed to a transient failure.
func isDeadTarget(err error) bool {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return false
	}
	if tgErr.Code == 403 {
		return true // bot was blocked or kicked
	}
	return tgErr.Code == 400 && tgErr.Message == "Bad Request: chat not found"
}

// parseChatID converts the platform-native chat id string to Telegram's
// numeric form.
func parseChatID(chatID string) (int64, error) {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return id, nil
	}
	return 0, fmt.Errorf("telegram: bad chat id %q", chatID)
}
