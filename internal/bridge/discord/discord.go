// Package discord implements the bridge Adapter for Discord using the
// Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/switchboard/internal/bridge"
)

const (
	// messageLimit is Discord's maximum message length in characters.
	messageLimit = 2000
	// reconnectDelay is the fixed pause between gateway reconnect attempts.
	reconnectDelay = 5 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelFileSend(channelID, name string, r io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.Channel(channelID, options...)
}
func (r *realSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realSession) ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageEdit(channelID, messageID, content, options...)
}
func (r *realSession) ChannelFileSend(channelID, name string, reader io.Reader, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelFileSend(channelID, name, reader, options...)
}
func (r *realSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelTyping(channelID, options...)
}

// Adapter implements bridge.Adapter for Discord. The gateway is a
// persistent socket: connection recovery is a fixed-delay resume handled
// below the adapter, with handlers logging the transitions. Discord has
// no native poll object, so polls are emulated as numbered prompts.
type Adapter struct {
	name         string
	botToken     string
	onDeadTarget bridge.DeadTargetFunc

	sess      session
	coalescer *bridge.Coalescer
	prompts   *bridge.PromptPolls

	mu            sync.Mutex
	connected     bool
	closed        bool
	botUserID     string
	inbound       chan bridge.InboundMessage
	removeHandler func()
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	Name         string // channel name used in qualified chat ids
	BotToken     string // Discord bot token
	OnDeadTarget bridge.DeadTargetFunc
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("discord: channel name is required")
	}
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}

	a := &Adapter{
		name:         opts.Name,
		botToken:     opts.BotToken,
		onDeadTarget: opts.OnDeadTarget,
		sess:         opts.Session,
		prompts:      bridge.NewPromptPolls(),
		inbound:      make(chan bridge.InboundMessage, 100),
	}
	a.coalescer = bridge.NewCoalescer(messageLimit, a.sendChunk, a.editMessage)
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Capabilities: no native polls (numbered-prompt emulation), file
// uploads and per-channel typing are supported.
func (a *Adapter) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{Polls: false, Documents: true, Typing: true}
}

// Connect opens the Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
		dg.ShouldReconnectOnError = true
		a.sess = &realSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		log.Printf("discord: %s: connected as %s", a.name, r.User.Username)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: %s: gateway disconnected, resuming in %v", a.name, reconnectDelay)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		log.Printf("discord: %s: gateway session resumed", a.name)
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen registers the message handler and returns the inbound channel.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan bridge.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

// handleMessage converts a gateway message event to an InboundMessage.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author.ID == botID {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	msg := bridge.InboundMessage{
		Channel:   a.name,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	}

	// A reply to an open emulated prompt becomes a poll answer.
	if answer, ok := a.prompts.Intercept(m.ChannelID, m.Content); ok {
		msg.Text = ""
		msg.Poll = answer
	}
	a.emit(msg)
}

// emit delivers an inbound message, holding the lock across the closed
// check and the send so Close cannot close the channel in between. The
// send never blocks: gateway callbacks must not stall, so a full buffer
// drops the message.
func (a *Adapter) emit(msg bridge.InboundMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- msg:
	default:
		log.Printf("discord: %s: inbound buffer full, dropping message %s", a.name, msg.MessageID)
	}
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

// SendOutput delivers session output through the coalescer.
func (a *Adapter) SendOutput(ctx context.Context, chatID, text string) error {
	return a.coalescer.Write(ctx, chatID, text)
}

// sendChunk posts one message and returns its message id.
func (a *Adapter) sendChunk(ctx context.Context, chatID, text string) (string, error) {
	msg, err := a.sess.ChannelMessageSend(chatID, text)
	if err != nil {
		a.classify(chatID, err)
		return "", fmt.Errorf("discord: send: %w", err)
	}
	return msg.ID, nil
}

// editMessage replaces the content of a previously sent message.
func (a *Adapter) editMessage(ctx context.Context, chatID, messageID, text string) error {
	if _, err := a.sess.ChannelMessageEdit(chatID, messageID, text); err != nil {
		a.classify(chatID, err)
		return fmt.Errorf("discord: edit: %w", err)
	}
	return nil
}

// SendDocument uploads a file from the local filesystem. Discord has no
// separate caption field; a non-empty caption goes out as the message
// content alongside the attachment.
func (a *Adapter) SendDocument(ctx context.Context, chatID, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("discord: open document: %w", err)
	}
	defer f.Close()

	if caption != "" {
		if err := a.Send(ctx, chatID, caption); err != nil {
			return err
		}
	}
	if _, err := a.sess.ChannelFileSend(chatID, filepath.Base(path), f); err != nil {
		a.classify(chatID, err)
		return fmt.Errorf("discord: send document: %w", err)
	}
	return nil
}

// SendPoll emulates a poll as a numbered prompt; the next parseable
// reply in the channel is converted back into a poll answer.
func (a *Adapter) SendPoll(ctx context.Context, chatID, question string, options []string, multiSelect bool) (bridge.PollRef, error) {
	messageID, err := a.sendChunk(ctx, chatID, bridge.FormatPollPrompt(question, options, multiSelect))
	if err != nil {
		return bridge.PollRef{}, err
	}
	return a.prompts.Open(chatID, messageID, options, multiSelect), nil
}

// ClosePoll forgets the emulated prompt carried by the message. The
// prompt text itself stays in the channel as history.
func (a *Adapter) ClosePoll(ctx context.Context, chatID, messageID string) error {
	a.prompts.CloseByMessageID(messageID)
	return nil
}

// SetTyping triggers the typing indicator. Discord clears it on its own
// after ~10 seconds, so deactivation is a no-op.
func (a *Adapter) SetTyping(ctx context.Context, chatID string, active bool) error {
	if !active {
		return nil
	}
	if err := a.sess.ChannelTyping(chatID); err != nil {
		return fmt.Errorf("discord: typing: %w", err)
	}
	return nil
}

// ValidateChat probes the channel. A dead-target class error (missing
// access, unknown channel) reports unreachable without error.
func (a *Adapter) ValidateChat(ctx context.Context, chatID string) (bool, error) {
	_, err := a.sess.Channel(chatID)
	if err == nil {
		return true, nil
	}
	if isDeadTarget(err) {
		return false, nil
	}
	return false, fmt.Errorf("discord: channel lookup: %w", err)
}

// Close gracefully shuts down the gateway connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// classify reports dead targets to the prune callback.
func (a *Adapter) classify(chatID string, err error) {
	if isDeadTarget(err) && a.onDeadTarget != nil {
		a.onDeadTarget(bridge.QualifyChatID(a.name, chatID))
	}
}

// isDeadTarget reports whether the error marks the channel permanently
// unreachable. Rate limits (429) are handled inside discordgo and never
// surface here as dead targets.
func isDeadTarget(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	code := restErr.Response.StatusCode
	return code == 403 || code == 404
}
