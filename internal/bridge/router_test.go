package bridge

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
)

// memoryTranscript collects transcript lines for router tests.
type memoryTranscript struct {
	mu    sync.Mutex
	lines []string
}

func (m *memoryTranscript) Append(sessionID, role, userName, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, sessionID+"|"+role+"|"+content)
	return nil
}

func newTestRouter(t *testing.T) (*Router, *Registry, *MockAdapter) {
	t.Helper()
	registry := NewRegistry()
	adapter := NewMockAdapter("A")
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	router, err := NewRouter(RouterOpts{
		Registry: registry,
		Adapters: map[string]Adapter{"A": adapter},
		Out:      io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	return router, registry, adapter
}

func TestRouterEnqueuesAttachedChatText(t *testing.T) {
	router, registry, _ := newTestRouter(t)
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	router.Handle(context.Background(), InboundMessage{
		Channel: "A", ChatID: "100", UserID: "u1", UserName: "ann", Text: "run the tests",
	})

	lines := registry.DrainRemoteInput("r1")
	if len(lines) != 1 || lines[0] != "run the tests" {
		t.Fatalf("queued input = %v", lines)
	}
}

func TestRouterIgnoresUnattachedChat(t *testing.T) {
	router, registry, adapter := newTestRouter(t)
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	router.Handle(context.Background(), InboundMessage{
		Channel: "A", ChatID: "999", UserID: "u2", Text: "hello?",
	})

	if lines := registry.DrainRemoteInput("r1"); len(lines) != 0 {
		t.Errorf("unattached chat reached the session: %v", lines)
	}
	if adapter.SentCount() != 0 {
		t.Errorf("unattached chat triggered a reply")
	}
}

func TestRouterQuestionFlow(t *testing.T) {
	router, registry, adapter := newTestRouter(t)
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	ctx := context.Background()

	questions := []Question{
		{Text: "Language?", Options: []string{"Go", "Rust"}},
		{Text: "Libraries?", Options: []string{"std", "ecosystem"}, MultiSelect: true},
	}
	if err := router.StartQuestions(ctx, "r1", "A:100", questions); err != nil {
		t.Fatal(err)
	}

	first, ok := adapter.LastSent()
	if !ok || first.Kind != "poll" || !strings.Contains(first.Text, "Language?") {
		t.Fatalf("first poll not sent: %+v", first)
	}
	poll := registry.ActivePollForSession("r1")
	if poll == nil {
		t.Fatal("no pending poll registered")
	}

	// Answer question 1 — the second poll goes out.
	router.Handle(ctx, InboundMessage{
		Channel: "A", ChatID: "100",
		Poll: &PollAnswer{PollID: poll.PollID, OptionIndexes: []int{0}},
	})
	second, _ := adapter.LastSent()
	if second.Kind != "poll" || !strings.Contains(second.Text, "Libraries?") {
		t.Fatalf("second poll not sent: %+v", second)
	}
	poll2 := registry.ActivePollForSession("r1")
	if poll2 == nil || poll2.PollID == poll.PollID {
		t.Fatal("second poll not registered")
	}

	// Answer question 2 — flow completes, answers become input.
	router.Handle(ctx, InboundMessage{
		Channel: "A", ChatID: "100",
		Poll: &PollAnswer{PollID: poll2.PollID, OptionIndexes: []int{0, 1}},
	})

	if registry.PendingQuestions("r1") != nil {
		t.Errorf("question flow not cleared on completion")
	}
	lines := registry.DrainRemoteInput("r1")
	if len(lines) != 1 {
		t.Fatalf("queued input = %v", lines)
	}
	if !strings.Contains(lines[0], "Go") || !strings.Contains(lines[0], "std, ecosystem") {
		t.Errorf("collected answers = %q", lines[0])
	}
}

func TestRouterPollAnswerIsSingleConsumer(t *testing.T) {
	router, registry, _ := newTestRouter(t)
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	ctx := context.Background()

	router.StartQuestions(ctx, "r1", "A:100", []Question{
		{Text: "q", Options: []string{"a", "b"}},
	})
	poll := registry.ActivePollForSession("r1")

	answer := InboundMessage{Channel: "A", ChatID: "100",
		Poll: &PollAnswer{PollID: poll.PollID, OptionIndexes: []int{1}}}
	router.Handle(ctx, answer)
	router.Handle(ctx, answer) // duplicate must be dropped

	lines := registry.DrainRemoteInput("r1")
	if len(lines) != 1 {
		t.Fatalf("duplicate poll answer was consumed twice: %v", lines)
	}
}

func TestRouterFilePicker(t *testing.T) {
	router, registry, adapter := newTestRouter(t)
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	ctx := context.Background()

	files := []string{"main.go", "router.go", "batch.go"}
	if err := router.StartFilePicker(ctx, "r1", "A:100", "A:u1", files); err != nil {
		t.Fatal(err)
	}
	sent, _ := adapter.LastSent()
	if sent.Kind != "poll" || len(sent.Options) != 3 {
		t.Fatalf("file picker poll not sent: %+v", sent)
	}

	// Find the picker's poll id via the adapter's deterministic ids.
	fp := registry.FilePickerByPollID("poll-1")
	if fp == nil {
		t.Fatal("file picker not registered")
	}

	router.Handle(ctx, InboundMessage{
		Channel: "A", ChatID: "100",
		Poll: &PollAnswer{PollID: fp.PollID, OptionIndexes: []int{1}},
	})

	lines := registry.DrainRemoteInput("r1")
	if len(lines) != 1 || lines[0] != "router.go" {
		t.Fatalf("picked file input = %v", lines)
	}
	if registry.FilePickerByPollID(fp.PollID) != nil {
		t.Errorf("file picker not consumed")
	}
}

func TestRouterUseCommand(t *testing.T) {
	router, registry, adapter := newTestRouter(t)
	registry.RegisterRemote("abcd1234efgh", "claude", "/w", "A:100", "A:u1")
	ctx := context.Background()

	// Wrong user is refused.
	router.Handle(ctx, InboundMessage{Channel: "A", ChatID: "-200", UserID: "u2", Text: "/use abcd1234"})
	if s := registry.SessionForChat("A:-200"); s != nil {
		t.Fatalf("non-owner attached a session")
	}

	// Owner attaches by id prefix.
	router.Handle(ctx, InboundMessage{Channel: "A", ChatID: "-200", UserID: "u1", Text: "/use abcd1234"})
	s := registry.SessionForChat("A:-200")
	if s == nil || s.ID != "abcd1234efgh" {
		t.Fatalf("owner attach failed")
	}
	if got := registry.BoundChat("abcd1234efgh"); got != "A:-200" {
		t.Errorf("bound chat = %q, want the explicit group bind", got)
	}
	if adapter.SentCount() == 0 {
		t.Errorf("no confirmation sent")
	}
}

func TestRouterControlCommands(t *testing.T) {
	router, registry, _ := newTestRouter(t)
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	ctx := context.Background()

	router.Handle(ctx, InboundMessage{Channel: "A", ChatID: "100", UserID: "u1", Text: "/kill"})
	router.Handle(ctx, InboundMessage{Channel: "A", ChatID: "100", UserID: "u1", Text: "/stop"})

	if got := registry.DrainRemoteControl("r1"); got != ControlKill {
		t.Errorf("control = %q, want kill (stop must not downgrade)", got)
	}
}

func TestRouterDetachCommand(t *testing.T) {
	router, registry, _ := newTestRouter(t)
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	ctx := context.Background()

	router.Handle(ctx, InboundMessage{Channel: "A", ChatID: "100", UserID: "u1", Text: "/detach"})
	if registry.SessionForChat("A:100") != nil {
		t.Errorf("chat still attached after /detach")
	}
}

func TestRouterRecordsTranscript(t *testing.T) {
	registry := NewRegistry()
	adapter := NewMockAdapter("A")
	adapter.Connect(context.Background())
	store := &memoryTranscript{}
	router, err := NewRouter(RouterOpts{
		Registry: registry,
		Adapters: map[string]Adapter{"A": adapter},
		Store:    store,
		Out:      io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	router.Handle(context.Background(), InboundMessage{
		Channel: "A", ChatID: "100", UserID: "u1", UserName: "ann", Text: "hello",
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.lines) != 1 || store.lines[0] != "r1|user|hello" {
		t.Errorf("transcript lines = %v", store.lines)
	}
}
