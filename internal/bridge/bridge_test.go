package bridge

import (
	"context"
	"io"
	"testing"
	"time"
)

func newTestDaemon(t *testing.T) (*Daemon, *MockAdapter) {
	t.Helper()
	adapter := NewMockAdapter("A")
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	daemon, err := NewDaemon(DaemonOpts{
		Registry:    NewRegistry(),
		Adapters:    map[string]Adapter{"A": adapter},
		Out:         io.Discard,
		MinInterval: 10 * time.Millisecond,
		MaxInterval: 50 * time.Millisecond,
		MaxChars:    1000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return daemon, adapter
}

func waitForSent(t *testing.T, adapter *MockAdapter, want int) []MockSent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		sent := adapter.AllSent()
		if len(sent) >= want {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent = %+v, want %d operations", sent, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleOutputDeliversToBoundChat(t *testing.T) {
	daemon, adapter := newTestDaemon(t)
	daemon.Registry().RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	if !daemon.HandleOutput("r1", "line one\n") {
		t.Fatal("output rejected")
	}
	daemon.HandleOutput("r1", "line two\n")

	sent := waitForSent(t, adapter, 1)
	if sent[0].Kind != "output" || sent[0].ChatID != "100" {
		t.Errorf("sent[0] = %+v", sent[0])
	}
	if sent[0].Text != "line one\nline two\n" {
		t.Errorf("batched text = %q", sent[0].Text)
	}
}

func TestHandleOutputUnknownSession(t *testing.T) {
	daemon, _ := newTestDaemon(t)
	if daemon.HandleOutput("ghost", "x") {
		t.Error("unknown session accepted")
	}
}

func TestDeliverFansOutToSubscribers(t *testing.T) {
	daemon, adapter := newTestDaemon(t)
	registry := daemon.Registry()
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	registry.SubscribeGroup("r1", "A:-200")

	daemon.HandleOutput("r1", "update")
	sent := waitForSent(t, adapter, 2)

	chats := map[string]bool{}
	for _, s := range sent {
		chats[s.ChatID] = true
	}
	if !chats["100"] || !chats["-200"] {
		t.Errorf("delivered to %v, want owner chat and group", chats)
	}
}

func waitForTyping(t *testing.T, adapter *MockAdapter, chatID string, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for adapter.Typing(chatID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("typing(%s) = %v, want %v", chatID, !want, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTypingFollowsInputAndOutput(t *testing.T) {
	daemon, adapter := newTestDaemon(t)
	daemon.Registry().RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	daemon.Router().Handle(context.Background(), InboundMessage{
		Channel: "A", ChatID: "100", UserID: "u1", UserName: "dev", Text: "run the tests",
	})
	waitForTyping(t, adapter, "100", true)

	daemon.HandleOutput("r1", "all green\n")
	waitForTyping(t, adapter, "100", false)
}

func TestPruneChatRemovesAttachmentsAndSubscriptions(t *testing.T) {
	daemon, _ := newTestDaemon(t)
	registry := daemon.Registry()
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	registry.SubscribeGroup("r1", "A:-200")

	daemon.PruneChat("A:100")
	daemon.PruneChat("A:-200")

	if registry.BoundChat("r1") != "" {
		t.Errorf("bound chat = %q after prune", registry.BoundChat("r1"))
	}
	if subs := registry.Subscribers("r1"); len(subs) != 0 {
		t.Errorf("subscribers = %v after prune", subs)
	}
}

func TestDropSessionFlushesBatcher(t *testing.T) {
	daemon, adapter := newTestDaemon(t)
	daemon.Registry().RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	daemon.HandleOutput("r1", "tail output")
	daemon.DropSession("r1")

	sent := waitForSent(t, adapter, 1)
	if sent[len(sent)-1].Text != "tail output" {
		t.Errorf("final flush = %+v", sent)
	}
}
