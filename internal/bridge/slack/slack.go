// Package slack implements the bridge Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/bridge"
)

const (
	// messageLimit is the practical maximum message length for Slack posts.
	messageLimit = 4000
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	UploadFile(params slackapi.UploadFileParameters) (*slackapi.FileSummary, error)
	GetConversationInfo(input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) Run() error                        { return r.client.Run() }
func (r *realSocketClient) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements bridge.Adapter for Slack Socket Mode. Slack is the
// stateful-login variant: Connect performs the credential check once, and
// the socket loop reconnects with backoff except on terminal auth errors,
// which are reported through OnFatal and never retried. Slack has no
// native poll object or typing primitive.
type Adapter struct {
	name         string
	appToken     string
	botToken     string
	onDeadTarget bridge.DeadTargetFunc
	onFatal      bridge.FatalFunc

	client    slackClient
	socket    socketClient
	coalescer *bridge.Coalescer
	prompts   *bridge.PromptPolls

	mu           sync.Mutex
	connected    bool
	closed       bool
	botUserID    string
	inbound      chan bridge.InboundMessage
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration
	maxReconnect int
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	Name         string // channel name used in qualified chat ids
	AppToken     string // xapp-... Slack app-level token for Socket Mode
	BotToken     string // xoxb-... Slack bot token
	OnDeadTarget bridge.DeadTargetFunc
	OnFatal      bridge.FatalFunc
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("slack: channel name is required")
	}
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Client == nil && opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}

	a := &Adapter{
		name:         opts.Name,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		onDeadTarget: opts.OnDeadTarget,
		onFatal:      opts.OnFatal,
		client:       opts.Client,
		socket:       opts.Socket,
		prompts:      bridge.NewPromptPolls(),
		inbound:      make(chan bridge.InboundMessage, 100),
		baseBackoff:  baseBackoff,
		maxReconnect: maxReconnectAttempts,
	}
	a.coalescer = bridge.NewCoalescer(messageLimit, a.sendChunk, a.editMessage)
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Capabilities: polls are emulated as numbered prompts, file uploads are
// supported, and there is no typing primitive.
func (a *Adapter) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{Polls: false, Documents: true, Typing: false}
}

// Connect validates the credentials with auth.test. The check runs once;
// a terminal auth failure here is fatal rather than retryable.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	log.Printf("slack: %s: authorized as %s", a.name, auth.User)

	a.connected = true
	return nil
}

// Listen starts the Socket Mode pump and returns the inbound channel.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan bridge.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("slack: not connected")
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// runWithReconnect runs the Socket Mode client, retrying with exponential
// backoff when Run returns. Terminal auth errors are reported through
// OnFatal and never retried: a revoked token cannot be fixed by
// reconnecting.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return // clean shutdown
		}
		if isTerminalAuth(err) {
			log.Printf("slack: %s: logged out: %v", a.name, err)
			if a.onFatal != nil {
				a.onFatal(fmt.Errorf("slack: logged out: %w", err))
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > maxBackoff {
			wait = maxBackoff
		}
		log.Printf("slack: %s: socket mode disconnected (attempt %d/%d): %v — reconnecting in %v",
			a.name, attempt+1, a.maxReconnect, err, wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: %s: exhausted %d reconnection attempts, giving up", a.name, a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to InboundMessages.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if apiEvent.Type == slackevents.CallbackEvent {
			if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
				a.handleMessage(ev)
			}
		}

	case socketmode.EventTypeConnected:
		log.Printf("slack: %s: connected to Socket Mode", a.name)

	case socketmode.EventTypeConnectionError:
		log.Printf("slack: %s: connection error: %v", a.name, evt.Data)

	case socketmode.EventTypeDisconnect:
		log.Printf("slack: %s: server requested disconnect, will reconnect", a.name)
	}
}

// handleMessage converts a Slack message event to an InboundMessage.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	a.mu.Lock()
	botID := a.botUserID
	closed := a.closed
	a.mu.Unlock()
	if closed || ev.User == botID {
		return
	}
	// Skip bot posts and message subtypes (edits, deletes, joins).
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	msg := bridge.InboundMessage{
		Channel:   a.name,
		ChatID:    ev.Channel,
		MessageID: ev.TimeStamp,
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}

	// A reply to an open emulated prompt becomes a poll answer.
	if answer, ok := a.prompts.Intercept(ev.Channel, ev.Text); ok {
		msg.Text = ""
		msg.Poll = answer
	}
	a.inbound <- msg
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
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

// sendChunk posts one message and returns its timestamp, which is
// Slack's message id.
func (a *Adapter) sendChunk(ctx context.Context, chatID, text string) (string, error) {
	var ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		_, ts, postErr = a.client.PostMessage(chatID, slackapi.MsgOptionText(text, false))
		return postErr
	})
	if err != nil {
		a.classify(chatID, err)
		return "", fmt.Errorf("slack: post message: %w", err)
	}
	return ts, nil
}

// editMessage replaces the content of a previously posted message.
func (a *Adapter) editMessage(ctx context.Context, chatID, messageID, text string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updateErr := a.client.UpdateMessage(chatID, messageID, slackapi.MsgOptionText(text, false))
		return updateErr
	})
	if err != nil {
		a.classify(chatID, err)
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// SendDocument uploads a file from the local filesystem.
func (a *Adapter) SendDocument(ctx context.Context, chatID, path, caption string) error {
	err := retryOnRateLimit(ctx, func() error {
		_, uploadErr := a.client.UploadFile(slackapi.UploadFileParameters{
			Channel:        chatID,
			File:           path,
			Filename:       filepath.Base(path),
			InitialComment: caption,
		})
		return uploadErr
	})
	if err != nil {
		a.classify(chatID, err)
		return fmt.Errorf("slack: upload file: %w", err)
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

// ClosePoll forgets the emulated prompt carried by the message.
func (a *Adapter) ClosePoll(ctx context.Context, chatID, messageID string) error {
	a.prompts.CloseByMessageID(messageID)
	return nil
}

// SetTyping is a no-op: the Slack Web API exposes no typing indicator
// for bots.
func (a *Adapter) SetTyping(ctx context.Context, chatID string, active bool) error {
	return nil
}

// ValidateChat probes the conversation. A dead-target class error
// (unknown, archived, or inaccessible channel) reports unreachable
// without error.
func (a *Adapter) ValidateChat(ctx context.Context, chatID string) (bool, error) {
	_, err := a.client.GetConversationInfo(&slackapi.GetConversationInfoInput{ChannelID: chatID})
	if err == nil {
		return true, nil
	}
	if isDeadTarget(err) {
		return false, nil
	}
	return false, fmt.Errorf("slack: conversation info: %w", err)
}

// Close shuts down the adapter and closes the inbound channel.
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
	close(a.inbound)
	return nil
}

// classify reports dead targets to the prune callback.
func (a *Adapter) classify(chatID string, err error) {
	if isDeadTarget(err) && a.onDeadTarget != nil {
		a.onDeadTarget(bridge.QualifyChatID(a.name, chatID))
	}
}

// isDeadTarget reports whether the error marks the channel permanently
// unreachable. Slack Web API errors carry their code as the error string.
func isDeadTarget(err error) bool {
	switch {
	case err == nil:
		return false
	case strings.Contains(err.Error(), "channel_not_found"),
		strings.Contains(err.Error(), "is_archived"),
		strings.Contains(err.Error(), "not_in_channel"):
		return true
	}
	return false
}

// isTerminalAuth reports whether the error is a logged-out condition that
// reconnection cannot fix.
func isTerminalAuth(err error) bool {
	if err == nil {
		return false
	}
	for _, code := range []string{"invalid_auth", "token_revoked", "account_inactive"} {
		if strings.Contains(err.Error(), code) {
			return true
		}
	}
	var statusErr slackapi.StatusCodeError
	if errors.As(err, &statusErr) && statusErr.Code == 401 {
		return true
	}
	return false
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit
// errors, honoring the server-announced RetryAfter.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// parseSlackTimestamp converts a Slack timestamp ("1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	if len(parts) == 0 {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
