package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockAdapter implements Adapter for testing. It records everything sent
// and allows simulating inbound messages via SimulateInbound.
type MockAdapter struct {
	name string
	caps Capabilities

	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan InboundMessage
	sent        []MockSent
	typing      map[string]bool
	invalid     map[string]bool // chat ids ValidateChat reports unreachable
	pollCounter int
	sendErr     error
}

// MockSent records one outbound operation.
type MockSent struct {
	Kind    string // "send", "output", "document", "poll", "close-poll"
	ChatID  string
	Text    string
	Options []string
	Multi   bool
}

// NewMockAdapter creates a MockAdapter with full capabilities.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		name:    name,
		caps:    Capabilities{Polls: true, Documents: true, Typing: true},
		inbound: make(chan InboundMessage, 100),
		typing:  make(map[string]bool),
		invalid: make(map[string]bool),
	}
}

// SetCapabilities overrides the reported capability set.
func (m *MockAdapter) SetCapabilities(caps Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = caps
}

// SetSendError makes subsequent sends fail with err.
func (m *MockAdapter) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// MarkInvalid makes ValidateChat report chatID unreachable.
func (m *MockAdapter) MarkInvalid(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[chatID] = true
}

func (m *MockAdapter) Name() string { return m.name }

func (m *MockAdapter) Capabilities() Capabilities {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.caps
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound message channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

func (m *MockAdapter) record(s MockSent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, s)
	return nil
}

func (m *MockAdapter) Send(ctx context.Context, chatID, text string) error {
	return m.record(MockSent{Kind: "send", ChatID: chatID, Text: text})
}

func (m *MockAdapter) SendOutput(ctx context.Context, chatID, text string) error {
	return m.record(MockSent{Kind: "output", ChatID: chatID, Text: text})
}

func (m *MockAdapter) SendDocument(ctx context.Context, chatID, path, caption string) error {
	return m.record(MockSent{Kind: "document", ChatID: chatID, Text: path})
}

func (m *MockAdapter) SendPoll(ctx context.Context, chatID, question string, options []string, multiSelect bool) (PollRef, error) {
	err := m.record(MockSent{Kind: "poll", ChatID: chatID, Text: question, Options: options, Multi: multiSelect})
	if err != nil {
		return PollRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollCounter++
	return PollRef{
		PollID:    fmt.Sprintf("poll-%d", m.pollCounter),
		MessageID: fmt.Sprintf("msg-%d", m.pollCounter),
	}, nil
}

func (m *MockAdapter) ClosePoll(ctx context.Context, chatID, messageID string) error {
	return m.record(MockSent{Kind: "close-poll", ChatID: chatID, Text: messageID})
}

func (m *MockAdapter) SetTyping(ctx context.Context, chatID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing[chatID] = active
	return nil
}

func (m *MockAdapter) ValidateChat(ctx context.Context, chatID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.invalid[chatID], nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateInbound sends a message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Channel == "" {
		msg.Channel = m.name
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.inbound <- msg
}

// Typing reports the last typing state set for a chat.
func (m *MockAdapter) Typing(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing[chatID]
}

// LastSent returns the most recently recorded outbound operation.
func (m *MockAdapter) LastSent() (MockSent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return MockSent{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// AllSent returns a copy of every recorded outbound operation.
func (m *MockAdapter) AllSent() []MockSent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSent, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentCount returns the number of recorded outbound operations.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}
