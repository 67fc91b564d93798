package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// TranscriptRecorder receives conversation lines for persistence. The
// registry itself stays in-memory; transcripts are best-effort history.
type TranscriptRecorder interface {
	Append(sessionID, role, userName, content string) error
}

// Router classifies inbound chat messages and routes them into the
// registry: poll answers advance pending interactive flows, slash
// commands manage attachments and control actions, and everything else
// in an attached chat becomes queued session input.
type Router struct {
	registry *Registry
	adapters map[string]Adapter
	store    TranscriptRecorder     // optional
	typing   map[string]*TypingLoop // optional, keyed by channel name
	out      io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Registry *Registry
	Adapters map[string]Adapter
	Store    TranscriptRecorder     // optional
	Typing   map[string]*TypingLoop // optional, keyed by channel name
	Out      io.Writer              // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: router: registry is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("bridge: router: at least one adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		registry: opts.Registry,
		adapters: opts.Adapters,
		store:    opts.Store,
		typing:   opts.Typing,
		out:      out,
	}, nil
}

// Handle classifies and routes a single inbound message. Routing paths:
//  1. Poll answer → pending file picker or question flow
//  2. Slash command → session management
//  3. Text in an attached chat → queued session input
//  4. Everything else → ignore
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if msg.Poll != nil {
		r.handlePollAnswer(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := QualifyChatID(msg.Channel, msg.ChatID)

	if strings.HasPrefix(text, "/") {
		r.handleCommand(ctx, msg, chatID, text)
		return
	}

	session := r.registry.SessionForChat(chatID)
	if session == nil {
		fmt.Fprintf(r.out, "bridge: router: ignore [chat=%s user=%s] no attached session\n",
			chatID, msg.UserName)
		return
	}

	r.registry.EnqueueInput(session.ID, text)
	r.startTyping(ctx, chatID)
	r.record(session.ID, "user", msg.UserName, text)
}

// startTyping shows the typing indicator while the session works on the
// queued input. The daemon clears it when the next output flush reaches
// the chat.
func (r *Router) startTyping(ctx context.Context, chatID string) {
	channel, native := SplitChatID(chatID)
	if loop, ok := r.typing[channel]; ok {
		loop.Start(ctx, native)
	}
}

// handlePollAnswer consumes a poll entry and advances whatever flow it
// belongs to. Poll entries are single-consumer; a second answer for the
// same poll id finds nothing and is dropped.
func (r *Router) handlePollAnswer(ctx context.Context, msg InboundMessage) {
	answer := msg.Poll

	if fp := r.registry.FilePickerByPollID(answer.PollID); fp != nil {
		r.registry.RemoveFilePicker(answer.PollID)
		r.finishFilePicker(ctx, fp, answer.OptionIndexes)
		return
	}

	poll := r.registry.PollByPollID(answer.PollID)
	if poll == nil {
		return
	}
	r.registry.RemovePoll(answer.PollID)

	set, more := r.registry.AdvanceQuestions(poll.SessionID, answer.OptionIndexes)
	if set == nil {
		return
	}
	if more {
		r.sendQuestion(ctx, set)
		return
	}

	// Flow complete: enqueue the collected answers as session input.
	answers := formatAnswers(set)
	r.registry.ClearPendingQuestions(poll.SessionID)
	r.registry.EnqueueInput(poll.SessionID, answers)
	r.record(poll.SessionID, "user", msg.UserName, answers)
	r.reply(ctx, set.ChatID, "Answers sent to the session.")
}

// StartQuestions installs a question flow and sends its first poll. Used
// by the control surface when a session asks the user something.
func (r *Router) StartQuestions(ctx context.Context, sessionID, chatID string, questions []Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("bridge: router: no questions")
	}
	if !r.registry.SetPendingQuestions(sessionID, chatID, questions) {
		return fmt.Errorf("bridge: router: unknown session %s", sessionID)
	}
	set := r.registry.PendingQuestions(sessionID)
	r.sendQuestion(ctx, set)
	return nil
}

// StartFilePicker sends a file-selection poll and registers the picker.
func (r *Router) StartFilePicker(ctx context.Context, sessionID, chatID, ownerUserID string, files []string) error {
	if len(files) == 0 {
		return fmt.Errorf("bridge: router: no candidate files")
	}
	adapter, nativeChat, ok := r.resolve(chatID)
	if !ok {
		return fmt.Errorf("bridge: router: no adapter for chat %s", chatID)
	}
	ref, err := adapter.SendPoll(ctx, nativeChat, "Which file?", files, false)
	if err != nil {
		return fmt.Errorf("bridge: router: send file picker: %w", err)
	}
	r.registry.RegisterFilePicker(&FilePicker{
		PollID:      ref.PollID,
		MessageID:   ref.MessageID,
		SessionID:   sessionID,
		ChatID:      chatID,
		OwnerUserID: ownerUserID,
		Files:       files,
	})
	return nil
}

// sendQuestion sends the current question of a flow as a poll and
// registers the poll entry.
func (r *Router) sendQuestion(ctx context.Context, set *QuestionSet) {
	q := set.Questions[set.Index]
	adapter, nativeChat, ok := r.resolve(set.ChatID)
	if !ok {
		log.Printf("bridge: router: no adapter for chat %s", set.ChatID)
		return
	}

	label := q.Text
	if len(set.Questions) > 1 {
		label = fmt.Sprintf("[%d/%d] %s", set.Index+1, len(set.Questions), q.Text)
	}
	ref, err := adapter.SendPoll(ctx, nativeChat, label, q.Options, q.MultiSelect)
	if err != nil {
		log.Printf("bridge: router: send poll: %v", err)
		return
	}
	r.registry.RegisterPoll(&PendingPoll{
		PollID:        ref.PollID,
		MessageID:     ref.MessageID,
		SessionID:     set.SessionID,
		ChatID:        set.ChatID,
		QuestionIndex: set.Index,
		TotalCount:    len(set.Questions),
		MultiSelect:   q.MultiSelect,
		OptionCount:   len(q.Options),
	})
}

// finishFilePicker enqueues the chosen file as session input.
func (r *Router) finishFilePicker(ctx context.Context, fp *FilePicker, indexes []int) {
	if len(indexes) == 0 || indexes[0] < 0 || indexes[0] >= len(fp.Files) {
		return
	}
	chosen := fp.Files[indexes[0]]
	r.registry.EnqueueInput(fp.SessionID, chosen)
	r.reply(ctx, fp.ChatID, fmt.Sprintf("Selected %s", chosen))
}

// formatAnswers renders a completed flow's answers as one input line per
// question, using option labels.
func formatAnswers(set *QuestionSet) string {
	var parts []string
	for i, indexes := range set.Answers {
		if i >= len(set.Questions) {
			break
		}
		q := set.Questions[i]
		var labels []string
		for _, idx := range indexes {
			if idx >= 0 && idx < len(q.Options) {
				labels = append(labels, q.Options[idx])
			}
		}
		parts = append(parts, strings.Join(labels, ", "))
	}
	return strings.Join(parts, "\n")
}

// handleCommand dispatches a slash command.
func (r *Router) handleCommand(ctx context.Context, msg InboundMessage, chatID, text string) {
	fields := strings.Fields(text)
	cmd := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]
	userID := QualifyChatID(msg.Channel, msg.UserID)

	switch cmd {
	case "sessions":
		r.reply(ctx, chatID, r.formatSessions())
	case "use":
		if len(args) == 0 {
			r.reply(ctx, chatID, "Usage: /use <session-id>")
			return
		}
		r.cmdUse(ctx, chatID, userID, args[0])
	case "detach":
		if r.registry.Detach(chatID) {
			r.reply(ctx, chatID, "Detached.")
		} else {
			r.reply(ctx, chatID, "This chat was not attached to a session.")
		}
	case "stop", "kill":
		r.cmdControl(ctx, chatID, userID, cmd)
	case "help":
		r.reply(ctx, chatID, helpText)
	default:
		r.reply(ctx, chatID, fmt.Sprintf("Unknown command /%s\n\n%s", cmd, helpText))
	}
}

const helpText = `Commands:
/sessions - list registered sessions
/use <id> - attach this chat to a session
/detach - detach this chat
/stop - request a graceful stop of the attached session
/kill - force-kill the attached session
/help - this text`

// cmdUse attaches the chat to a session by id or unique id prefix.
func (r *Router) cmdUse(ctx context.Context, chatID, userID, idArg string) {
	session := r.findSession(idArg)
	if session == nil {
		r.reply(ctx, chatID, fmt.Sprintf("No session matching %q.", idArg))
		return
	}
	if !r.registry.CanUserAccessSession(userID, session.ID) {
		r.reply(ctx, chatID, "That session belongs to another user.")
		return
	}
	r.registry.Attach(chatID, session.ID)
	r.reply(ctx, chatID, fmt.Sprintf("Attached to %s (%s).", shortID(session.ID), session.Command))
}

// cmdControl merges a stop or kill request for the attached session.
func (r *Router) cmdControl(ctx context.Context, chatID, userID, cmd string) {
	session := r.registry.SessionForChat(chatID)
	if session == nil {
		r.reply(ctx, chatID, "This chat is not attached to a session.")
		return
	}
	if !r.registry.CanUserAccessSession(userID, session.ID) {
		r.reply(ctx, chatID, "That session belongs to another user.")
		return
	}
	if cmd == "kill" {
		r.registry.RequestKill(session.ID)
		r.reply(ctx, chatID, "Kill requested.")
	} else {
		r.registry.RequestStop(session.ID)
		r.reply(ctx, chatID, "Stop requested.")
	}
}

// findSession resolves a session by exact id or unique prefix.
func (r *Router) findSession(idArg string) *RemoteSession {
	if s := r.registry.Session(idArg); s != nil {
		return s
	}
	var match *RemoteSession
	for _, s := range r.registry.Sessions() {
		if strings.HasPrefix(s.ID, idArg) {
			if match != nil {
				return nil // ambiguous prefix
			}
			match = s
		}
	}
	return match
}

// formatSessions renders the session list for chat display.
func (r *Router) formatSessions() string {
	sessions := r.registry.Sessions()
	if len(sessions) == 0 {
		return "No sessions registered."
	}
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%s  %s  (%s)\n", shortID(s.ID), s.Command, s.Cwd)
	}
	return b.String()
}

// shortID truncates a session id for display.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// resolve maps a fully qualified chat id to its adapter and native id.
func (r *Router) resolve(chatID string) (Adapter, string, bool) {
	channel, native := SplitChatID(chatID)
	adapter, ok := r.adapters[channel]
	if !ok {
		return nil, "", false
	}
	return adapter, native, true
}

// reply sends a plain message to a qualified chat (best-effort).
func (r *Router) reply(ctx context.Context, chatID, text string) {
	adapter, native, ok := r.resolve(chatID)
	if !ok {
		log.Printf("bridge: router: no adapter for chat %s", chatID)
		return
	}
	if err := adapter.Send(ctx, native, text); err != nil {
		log.Printf("bridge: router: send reply: %v", err)
	}
}

// record appends a transcript line (best-effort).
func (r *Router) record(sessionID, role, userName, content string) {
	if r.store == nil {
		return
	}
	if err := r.store.Append(sessionID, role, userName, content); err != nil {
		log.Printf("bridge: router: transcript: %v", err)
	}
}
