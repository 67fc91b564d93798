package bridge

import (
	"sync"
	"time"
)

// ControlAction is a pending control request for a remote session. The two
// actions form a small lattice: kill dominates stop and is never
// downgraded by a later stop request.
type ControlAction string

const (
	ControlNone ControlAction = ""
	ControlStop ControlAction = "stop"
	ControlKill ControlAction = "kill"
)

// RemoteSession is a CLI-registered assistant process the daemon knows
// only through registration and heartbeat calls.
type RemoteSession struct {
	ID          string
	Command     string
	Cwd         string
	OwnerChatID string // fully qualified ("channel:id")
	OwnerUserID string
	QueuedInput []string
	Control     ControlAction
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// Question is one entry in a sequential multi-question flow.
type Question struct {
	Text        string
	Options     []string
	MultiSelect bool
}

// QuestionSet tracks a multi-question flow bound to one session.
type QuestionSet struct {
	SessionID string
	ChatID    string
	Questions []Question
	Index     int
	Answers   [][]int // collected option indexes per answered question
}

// PendingPoll maps an externally issued poll id back to the logical flow.
type PendingPoll struct {
	PollID        string
	MessageID     string
	SessionID     string
	ChatID        string
	QuestionIndex int
	TotalCount    int
	MultiSelect   bool
	OptionCount   int
}

// FilePicker is a short-lived selection poll over candidate files.
type FilePicker struct {
	PollID      string
	MessageID   string
	SessionID   string
	ChatID      string
	OwnerUserID string
	Files       []string
}

// Registry owns all session, attachment, subscription, and pending
// interaction state. It is the only shared mutable state in the bridge
// core; every method completes synchronously under one mutex hold and
// never calls out, which is what enforces the exclusivity and idempotence
// invariants. Operations given an unknown id return sentinels (false,
// nil, empty) rather than errors — callers include handlers of untrusted
// chat input and must never be aborted.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*RemoteSession
	attachments map[string]string          // chat id -> session id (exclusive)
	groupSubs   map[string]map[string]bool // session id -> set of chat ids
	questions   map[string]*QuestionSet    // session id -> flow
	polls       map[string]*PendingPoll    // poll id -> poll
	filePickers map[string]*FilePicker     // poll id -> picker
	now         func() time.Time
}

// NewRegistry creates an empty Registry. One instance is constructed at
// daemon startup and passed to every component that needs it.
func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*RemoteSession),
		attachments: make(map[string]string),
		groupSubs:   make(map[string]map[string]bool),
		questions:   make(map[string]*QuestionSet),
		polls:       make(map[string]*PendingPoll),
		filePickers: make(map[string]*FilePicker),
		now:         time.Now,
	}
}

// RegisterRemote creates a remote session. If existingID names a session
// that is already registered, the existing entry is returned unchanged —
// re-registration is idempotent, which is what makes recovery a replay of
// the normal path. Side effect: if the owner chat has no attachment yet
// it becomes the session's default attachment.
func (r *Registry) RegisterRemote(id, command, cwd, ownerChatID, ownerUserID string) *RemoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s
	}

	s := &RemoteSession{
		ID:          id,
		Command:     command,
		Cwd:         cwd,
		OwnerChatID: ownerChatID,
		OwnerUserID: ownerUserID,
		LastSeenAt:  r.now(),
		CreatedAt:   r.now(),
	}
	r.sessions[id] = s

	if ownerChatID != "" {
		if _, taken := r.attachments[ownerChatID]; !taken {
			r.attachments[ownerChatID] = id
		}
	}
	return s
}

// Session returns the session for id, or nil.
func (r *Registry) Session(id string) *RemoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*RemoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*RemoteSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Attach installs chatID as the exclusive attachment for sessionID,
// displacing any previous attachment of that chat and removing the chat
// from any group subscriptions it held. Returns false if the session is
// unknown.
func (r *Registry) Attach(chatID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	for _, subs := range r.groupSubs {
		delete(subs, chatID)
	}
	r.attachments[chatID] = sessionID
	return true
}

// Detach removes the attachment and any group-subscription membership for
// chatID. Returns true if anything was removed.
func (r *Registry) Detach(chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, had := r.attachments[chatID]
	delete(r.attachments, chatID)
	for _, subs := range r.groupSubs {
		if subs[chatID] {
			delete(subs, chatID)
			had = true
		}
	}
	return had
}

// SessionForChat resolves the session attached to chatID, or nil.
func (r *Registry) SessionForChat(chatID string) *RemoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.attachments[chatID]
	if !ok {
		return nil
	}
	return r.sessions[id]
}

// BoundChat is the reverse lookup: the chat a session's output should go
// to. When several chats are attached to the same session the tie breaks
// in favor of a non-owner chat, so an explicit bind to a group takes
// priority over the default owner binding. Returns "" if no chat is
// attached.
func (r *Registry) BoundChat(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boundChatLocked(sessionID)
}

func (r *Registry) boundChatLocked(sessionID string) string {
	s, ok := r.sessions[sessionID]
	if !ok {
		return ""
	}
	owner := ""
	for chatID, sid := range r.attachments {
		if sid != sessionID {
			continue
		}
		if chatID == s.OwnerChatID {
			owner = chatID
			continue
		}
		return chatID
	}
	return owner
}

// SubscribeGroup adds chatID to the session's non-exclusive fan-out set.
// Returns false if the session is unknown.
func (r *Registry) SubscribeGroup(sessionID, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	subs := r.groupSubs[sessionID]
	if subs == nil {
		subs = make(map[string]bool)
		r.groupSubs[sessionID] = subs
	}
	subs[chatID] = true
	return true
}

// UnsubscribeGroup removes chatID from the session's fan-out set.
func (r *Registry) UnsubscribeGroup(sessionID, chatID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.groupSubs[sessionID]
	if !ok || !subs[chatID] {
		return false
	}
	delete(subs, chatID)
	return true
}

// Subscribers returns the session's group-subscription chat ids.
func (r *Registry) Subscribers(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.groupSubs[sessionID]
	out := make([]string, 0, len(subs))
	for chatID := range subs {
		out = append(out, chatID)
	}
	return out
}

// EnqueueInput appends a line to the session's queued input. Returns
// false if the session is unknown.
func (r *Registry) EnqueueInput(sessionID, line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.QueuedInput = append(s.QueuedInput, line)
	return true
}

// DrainRemoteInput returns and clears the session's queued input, and
// refreshes its heartbeat. Returns nil for an unknown session.
func (r *Registry) DrainRemoteInput(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	s.LastSeenAt = r.now()
	lines := s.QueuedInput
	s.QueuedInput = nil
	return lines
}

// RequestStop merges a stop request into the session's pending control
// action. A stop never downgrades an already pending kill.
func (r *Registry) RequestStop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if s.Control != ControlKill {
		s.Control = ControlStop
	}
	return true
}

// RequestKill sets the pending control action to kill.
func (r *Registry) RequestKill(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.Control = ControlKill
	return true
}

// DrainRemoteControl reads and clears the pending control action exactly
// once, refreshing the heartbeat.
func (r *Registry) DrainRemoteControl(sessionID string) ControlAction {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ControlNone
	}
	s.LastSeenAt = r.now()
	action := s.Control
	s.Control = ControlNone
	return action
}

// Touch refreshes the session's heartbeat.
func (r *Registry) Touch(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	s.LastSeenAt = r.now()
	return true
}

// SetPendingQuestions installs a multi-question flow for the session,
// replacing any previous flow and its poll entries.
func (r *Registry) SetPendingQuestions(sessionID, chatID string, questions []Question) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	r.removePollsForSessionLocked(sessionID)
	r.questions[sessionID] = &QuestionSet{
		SessionID: sessionID,
		ChatID:    chatID,
		Questions: questions,
	}
	return true
}

// PendingQuestions returns the session's active question flow, or nil.
func (r *Registry) PendingQuestions(sessionID string) *QuestionSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.questions[sessionID]
}

// AdvanceQuestions records one answer for the session's active flow and
// moves it to the next question, all in a single lock hold — the flow's
// Answers and Index are registry-owned state and are never mutated
// outside it. Returns the flow and whether unanswered questions remain,
// or nil if no flow is active.
func (r *Registry) AdvanceQuestions(sessionID string, optionIndexes []int) (*QuestionSet, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.questions[sessionID]
	if !ok {
		return nil, false
	}
	set.Answers = append(set.Answers, optionIndexes)
	set.Index++
	return set, set.Index < len(set.Questions)
}

// ClearPendingQuestions removes the flow and any poll entries that
// reference the session.
func (r *Registry) ClearPendingQuestions(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.questions, sessionID)
	r.removePollsForSessionLocked(sessionID)
}

// RegisterPoll records an issued poll so the platform's poll id can be
// mapped back to the flow when the answer arrives.
func (r *Registry) RegisterPoll(p *PendingPoll) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[p.PollID] = p
}

// PollByPollID returns the pending poll for a platform poll id, or nil.
func (r *Registry) PollByPollID(pollID string) *PendingPoll {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.polls[pollID]
}

// RemovePoll consumes a poll entry. Polls are strictly single-consumer:
// answering removes the entry.
func (r *Registry) RemovePoll(pollID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.polls, pollID)
}

// ActivePollForSession returns any outstanding poll targeting the
// session, or nil.
func (r *Registry) ActivePollForSession(sessionID string) *PendingPoll {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.polls {
		if p.SessionID == sessionID {
			return p
		}
	}
	return nil
}

// RegisterFilePicker records an issued file-selection poll.
func (r *Registry) RegisterFilePicker(fp *FilePicker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filePickers[fp.PollID] = fp
}

// FilePickerByPollID returns the file picker for a poll id, or nil.
func (r *Registry) FilePickerByPollID(pollID string) *FilePicker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filePickers[pollID]
}

// RemoveFilePicker consumes a file picker entry.
func (r *Registry) RemoveFilePicker(pollID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filePickers, pollID)
}

// Unregister removes a session and, atomically in the same lock hold,
// every attachment, subscription, poll, question flow, and file picker
// that references it. Returns false if the session is unknown.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return false
	}
	r.removeSessionLocked(sessionID)
	return true
}

// ReapStaleRemotes removes every session whose heartbeat is older than
// maxAge, tearing down all derived state per session, and returns the
// removed sessions so callers can notify their owners.
func (r *Registry) ReapStaleRemotes(maxAge time.Duration) []*RemoteSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var removed []*RemoteSession
	for id, s := range r.sessions {
		if s.LastSeenAt.Before(cutoff) {
			removed = append(removed, s)
			r.removeSessionLocked(id)
		}
	}
	return removed
}

// CanUserAccessSession reports whether userID may act on the session.
// A session is only accessible to its registering owner.
func (r *Registry) CanUserAccessSession(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return s.OwnerUserID == userID
}

// removeSessionLocked tears down a session and all derived state. Caller
// holds r.mu.
func (r *Registry) removeSessionLocked(sessionID string) {
	delete(r.sessions, sessionID)
	for chatID, sid := range r.attachments {
		if sid == sessionID {
			delete(r.attachments, chatID)
		}
	}
	delete(r.groupSubs, sessionID)
	delete(r.questions, sessionID)
	r.removePollsForSessionLocked(sessionID)
}

// removePollsForSessionLocked drops poll and file-picker entries that
// reference the session. Caller holds r.mu.
func (r *Registry) removePollsForSessionLocked(sessionID string) {
	for id, p := range r.polls {
		if p.SessionID == sessionID {
			delete(r.polls, id)
		}
	}
	for id, fp := range r.filePickers {
		if fp.SessionID == sessionID {
			delete(r.filePickers, id)
		}
	}
}
