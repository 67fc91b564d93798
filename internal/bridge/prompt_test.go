package bridge

import (
	"reflect"
	"testing"
)

func TestPromptPollsIntercept(t *testing.T) {
	p := NewPromptPolls()
	ref := p.Open("chat1", "m1", []string{"alpha", "beta"}, false)
	if ref.PollID == "" || ref.MessageID != "m1" {
		t.Fatalf("ref = %+v", ref)
	}

	// Non-matching text passes through and leaves the prompt open.
	if _, ok := p.Intercept("chat1", "just chatting"); ok {
		t.Fatalf("garbage reply consumed the prompt")
	}

	answer, ok := p.Intercept("chat1", "2")
	if !ok || answer.PollID != ref.PollID {
		t.Fatalf("answer = %+v ok=%v", answer, ok)
	}
	if !reflect.DeepEqual(answer.OptionIndexes, []int{1}) {
		t.Errorf("indexes = %v", answer.OptionIndexes)
	}

	// Consumed: a second reply is plain text again.
	if _, ok := p.Intercept("chat1", "1"); ok {
		t.Errorf("prompt answered twice")
	}
}

func TestPromptPollsPerChat(t *testing.T) {
	p := NewPromptPolls()
	p.Open("chat1", "m1", []string{"a", "b"}, false)

	if _, ok := p.Intercept("chat2", "1"); ok {
		t.Errorf("prompt leaked across chats")
	}
}

func TestPromptPollsReplaceAndClose(t *testing.T) {
	p := NewPromptPolls()
	first := p.Open("chat1", "m1", []string{"a"}, false)
	second := p.Open("chat1", "m2", []string{"x", "y"}, true)
	if first.PollID == second.PollID {
		t.Fatalf("poll ids must be unique")
	}

	answer, ok := p.Intercept("chat1", "1 2")
	if !ok || answer.PollID != second.PollID {
		t.Fatalf("reopened prompt not in effect: %+v", answer)
	}
	if !reflect.DeepEqual(answer.OptionIndexes, []int{0, 1}) {
		t.Errorf("indexes = %v", answer.OptionIndexes)
	}

	p.Open("chat1", "m3", []string{"a"}, false)
	p.CloseByMessageID("m3")
	if _, ok := p.Intercept("chat1", "1"); ok {
		t.Errorf("closed prompt still intercepts")
	}
}
