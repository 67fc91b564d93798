package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/switchboard/internal/bridge"
)

type posted struct {
	channelID string
	text      string
	update    bool
	timestamp string
}

// fakeClient mocks the Slack Web API.
type fakeClient struct {
	mu       sync.Mutex
	authErr  error
	postErr  error
	infoErr  error
	posts    []posted
	uploads  []slackapi.UploadFileParameters
	nextTS   int
	userName string
}

func (f *fakeClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return &slackapi.AuthTestResponse{UserID: "BOT1", User: "switchboard"}, nil
}

func (f *fakeClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return "", "", f.postErr
	}
	f.nextTS++
	ts := fmt.Sprintf("1700000000.%06d", f.nextTS)
	f.posts = append(f.posts, posted{channelID: channelID, text: optionText(channelID, options), timestamp: ts})
	return channelID, ts, nil
}

func (f *fakeClient) UpdateMessage(channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts = append(f.posts, posted{channelID: channelID, text: optionText(channelID, options), update: true, timestamp: timestamp})
	return channelID, timestamp, "", nil
}

func (f *fakeClient) UploadFile(params slackapi.UploadFileParameters) (*slackapi.FileSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, params)
	return &slackapi.FileSummary{ID: "F1"}, nil
}

func (f *fakeClient) GetConversationInfo(input *slackapi.GetConversationInfoInput) (*slackapi.Channel, error) {
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	return &slackapi.Channel{}, nil
}

func (f *fakeClient) GetUserInfo(userID string) (*slackapi.User, error) {
	u := &slackapi.User{}
	u.RealName = f.userName
	return u, nil
}

// optionText renders MsgOptions to recover the text for assertions.
func optionText(channelID string, options []slackapi.MsgOption) string {
	_, values, err := slackapi.UnsafeApplyMsgOptions("token", channelID, "https://slack.com/api/", options...)
	if err != nil {
		return ""
	}
	return values.Get("text")
}

func (f *fakeClient) allPosts() []posted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]posted, len(f.posts))
	copy(out, f.posts)
	return out
}

// fakeSocket mocks the Socket Mode client.
type fakeSocket struct {
	mu      sync.Mutex
	events  chan socketmode.Event
	runErrs []error
	runs    int
	acks    int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan socketmode.Event, 10)}
}

func (f *fakeSocket) Run() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if len(f.runErrs) == 0 {
		return nil
	}
	err := f.runErrs[0]
	f.runErrs = f.runErrs[1:]
	return err
}

func (f *fakeSocket) EventsChan() chan socketmode.Event { return f.events }

func (f *fakeSocket) Ack(req socketmode.Request, payload ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
}

func (f *fakeSocket) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func newTestAdapter(t *testing.T, client *fakeClient, socket *fakeSocket, onFatal bridge.FatalFunc) *Adapter {
	t.Helper()
	a, err := New(AdapterOpts{Name: "sl", Client: client, Socket: socket, OnFatal: onFatal})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	return a
}

func messageEvent(channel, user, text string) socketmode.Event {
	req := socketmode.Request{}
	return socketmode.Event{
		Type:    socketmode.EventTypeEventsAPI,
		Request: &req,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{
				Data: &slackevents.MessageEvent{
					Channel:   channel,
					User:      user,
					Text:      text,
					TimeStamp: "1700000001.000100",
				},
			},
		},
	}
}

func TestConnectRunsAuthTestOnce(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, newFakeSocket(), nil)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.botUserID != "BOT1" {
		t.Errorf("bot user id = %q", a.botUserID)
	}
}

func TestConnectFailsOnBadAuth(t *testing.T) {
	client := &fakeClient{authErr: errors.New("invalid_auth")}
	a, err := New(AdapterOpts{Name: "sl", Client: client, Socket: newFakeSocket()})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("connect with revoked credentials must fail")
	}
}

func TestListenConvertsAndAcksEvents(t *testing.T) {
	client := &fakeClient{userName: "Ann"}
	socket := newFakeSocket()
	a := newTestAdapter(t, client, socket, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound, err := a.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}

	socket.events <- messageEvent("C1", "U7", "hello")
	msg := <-inbound
	if msg.Channel != "sl" || msg.ChatID != "C1" || msg.Text != "hello" {
		t.Fatalf("message = %+v", msg)
	}
	if msg.UserName != "Ann" {
		t.Errorf("user name = %q", msg.UserName)
	}
	if socket.acks == 0 {
		t.Errorf("events API event was not acknowledged")
	}
}

func TestListenFiltersSelfAndSubtypes(t *testing.T) {
	client := &fakeClient{}
	socket := newFakeSocket()
	a := newTestAdapter(t, client, socket, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound, _ := a.Listen(ctx)

	socket.events <- messageEvent("C1", "BOT1", "self echo")
	edited := messageEvent("C1", "U7", "edited")
	edited.Data.(slackevents.EventsAPIEvent).InnerEvent.Data.(*slackevents.MessageEvent).SubType = "message_changed"
	socket.events <- edited
	socket.events <- messageEvent("C1", "U7", "real")

	msg := <-inbound
	if msg.Text != "real" {
		t.Fatalf("filtered event leaked through: %+v", msg)
	}
}

func TestReconnectStopsOnTerminalAuth(t *testing.T) {
	client := &fakeClient{}
	socket := newFakeSocket()
	socket.runErrs = []error{errors.New("token_revoked")}

	var fatal []error
	var mu sync.Mutex
	a := newTestAdapter(t, client, socket, func(err error) {
		mu.Lock()
		defer mu.Unlock()
		fatal = append(fatal, err)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Listen(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(fatal)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(fatal) != 1 || !strings.Contains(fatal[0].Error(), "token_revoked") {
		t.Fatalf("fatal = %v, want one logged-out report", fatal)
	}
	if socket.runCount() != 1 {
		t.Errorf("runs = %d: terminal auth errors must not be retried", socket.runCount())
	}
}

func TestReconnectRetriesTransientErrors(t *testing.T) {
	client := &fakeClient{}
	socket := newFakeSocket()
	socket.runErrs = []error{errors.New("connection reset"), errors.New("connection reset")}

	a := newTestAdapter(t, client, socket, nil)
	a.baseBackoff = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Listen(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && socket.runCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := socket.runCount(); got != 3 {
		t.Errorf("runs = %d, want 2 retries then clean exit", got)
	}
}

func TestSendOutputMergesByEdit(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, newFakeSocket(), nil)
	ctx := context.Background()

	a.SendOutput(ctx, "C1", "first ")
	a.SendOutput(ctx, "C1", "second")

	posts := client.allPosts()
	if len(posts) != 2 || posts[0].update || !posts[1].update {
		t.Fatalf("want post then update, got %+v", posts)
	}
	if posts[1].timestamp != posts[0].timestamp {
		t.Errorf("update targets %q, want the original message %q", posts[1].timestamp, posts[0].timestamp)
	}
}

func TestSendPollEmulationIntercept(t *testing.T) {
	client := &fakeClient{}
	socket := newFakeSocket()
	a := newTestAdapter(t, client, socket, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	inbound, _ := a.Listen(ctx)

	ref, err := a.SendPoll(ctx, "C1", "Deploy?", []string{"yes", "no"}, false)
	if err != nil {
		t.Fatal(err)
	}
	posts := client.allPosts()
	if len(posts) != 1 || !strings.Contains(posts[0].text, "1. yes") {
		t.Fatalf("numbered prompt not posted: %+v", posts)
	}

	socket.events <- messageEvent("C1", "U7", "no")
	msg := <-inbound
	if msg.Poll == nil || msg.Poll.PollID != ref.PollID {
		t.Fatalf("reply not intercepted: %+v", msg)
	}
	if len(msg.Poll.OptionIndexes) != 1 || msg.Poll.OptionIndexes[0] != 1 {
		t.Errorf("indexes = %v", msg.Poll.OptionIndexes)
	}
}

func TestSendDocument(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, newFakeSocket(), nil)

	if err := a.SendDocument(context.Background(), "C1", "/tmp/report.txt", "the report"); err != nil {
		t.Fatal(err)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.uploads) != 1 {
		t.Fatalf("uploads = %d", len(client.uploads))
	}
	up := client.uploads[0]
	if up.Channel != "C1" || up.Filename != "report.txt" || up.InitialComment != "the report" {
		t.Errorf("upload params = %+v", up)
	}
}

func TestValidateChat(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client, newFakeSocket(), nil)
	ctx := context.Background()

	ok, err := a.ValidateChat(ctx, "C1")
	if err != nil || !ok {
		t.Fatalf("healthy channel: ok=%v err=%v", ok, err)
	}

	client.infoErr = errors.New("channel_not_found")
	ok, err = a.ValidateChat(ctx, "C1")
	if err != nil || ok {
		t.Fatalf("missing channel should be (false, nil): ok=%v err=%v", ok, err)
	}
}
