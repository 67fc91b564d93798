package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/bridge"
)

func newTestServer(t *testing.T) (*Server, *bridge.Daemon, *bridge.MockAdapter) {
	t.Helper()
	registry := bridge.NewRegistry()
	adapter := bridge.NewMockAdapter("A")
	if err := adapter.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	daemon, err := bridge.NewDaemon(bridge.DaemonOpts{
		Registry: registry,
		Adapters: map[string]bridge.Adapter{"A": adapter},
		Out:      io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(ServerOpts{
		Daemon:   daemon,
		StateDir: t.TempDir(),
		Out:      io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv, daemon, adapter
}

// do performs an authenticated request against the in-process engine.
func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AuthHeader, s.Token())
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/sessions", nil)
	w := httptest.NewRecorder()
	srv.engine.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /sessions = %d, want 401", w.Code)
	}

	// /health stays open for liveness probes.
	req = httptest.NewRequest("GET", "/health", nil)
	w = httptest.NewRecorder()
	srv.engine.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("/health = %d, want 200", w.Code)
	}
}

func TestRegisterRemoteIdempotent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := map[string]string{
		"session_id": "r1", "command": "claude", "cwd": "/w",
		"owner_chat_id": "A:100", "owner_user_id": "A:u1",
	}
	w := do(t, srv, "POST", "/register-remote", body)
	if w.Code != http.StatusOK {
		t.Fatalf("register = %d: %s", w.Code, w.Body)
	}

	// Replay with different metadata: same entry, unchanged.
	body["command"] = "other"
	w = do(t, srv, "POST", "/register-remote", body)
	if w.Code != http.StatusOK {
		t.Fatalf("re-register = %d", w.Code)
	}

	sessions := srv.daemon.Registry().Sessions()
	if len(sessions) != 1 || sessions[0].Command != "claude" {
		t.Errorf("sessions = %+v", sessions)
	}

	var resp struct {
		BoundChat string `json:"bound_chat"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.BoundChat != "A:100" {
		t.Errorf("bound chat = %q", resp.BoundChat)
	}
}

func TestSessionRefsOnTheWire(t *testing.T) {
	srv, _, _ := newTestServer(t)
	registry := srv.daemon.Registry()
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	registry.EnqueueInput("r1", "hi")

	// A prefixed remote ref resolves to the same session as the bare id.
	w := do(t, srv, "POST", "/drain", map[string]string{"session_id": "remote:r1"})
	if w.Code != http.StatusOK {
		t.Fatalf("drain remote:r1 = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Input []string `json:"input"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Input) != 1 || resp.Input[0] != "hi" {
		t.Errorf("input = %v", resp.Input)
	}

	// Local refs never cross this surface.
	if w := do(t, srv, "POST", "/drain", map[string]string{"session_id": "local:r1"}); w.Code != http.StatusBadRequest {
		t.Errorf("drain local ref = %d, want 400", w.Code)
	}
	if w := do(t, srv, "POST", "/sessions/local:r1/kill", nil); w.Code != http.StatusBadRequest {
		t.Errorf("kill local ref = %d, want 400", w.Code)
	}
	if w := do(t, srv, "POST", "/sessions/remote:r1/stop", nil); w.Code != http.StatusOK {
		t.Errorf("stop remote ref = %d, want 200", w.Code)
	}
}

func TestDrainUnknownSessionIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := do(t, srv, "POST", "/drain", map[string]string{"session_id": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("drain unknown = %d, want 404", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unknown session") {
		t.Errorf("body = %s", w.Body)
	}
}

func TestDrainReturnsInputAndControl(t *testing.T) {
	srv, _, _ := newTestServer(t)
	registry := srv.daemon.Registry()
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")
	registry.EnqueueInput("r1", "do the thing")
	registry.RequestKill("r1")

	w := do(t, srv, "POST", "/drain", map[string]string{"session_id": "r1"})
	if w.Code != http.StatusOK {
		t.Fatalf("drain = %d", w.Code)
	}
	var resp struct {
		Input     []string `json:"input"`
		Control   string   `json:"control"`
		BoundChat string   `json:"bound_chat"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Input) != 1 || resp.Input[0] != "do the thing" {
		t.Errorf("input = %v", resp.Input)
	}
	if resp.Control != "kill" {
		t.Errorf("control = %q", resp.Control)
	}
	if resp.BoundChat != "A:100" {
		t.Errorf("bound chat = %q", resp.BoundChat)
	}

	// Drained: the second call comes back empty, and a re-bind made in
	// the meantime shows up so the wrapper can note it.
	registry.Attach("A:-200", "r1")
	w = do(t, srv, "POST", "/drain", map[string]string{"session_id": "r1"})
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Input) != 0 || resp.Control != "" {
		t.Errorf("second drain = %+v", resp)
	}
	if resp.BoundChat != "A:-200" {
		t.Errorf("bound chat after re-bind = %q", resp.BoundChat)
	}
}

func TestOutputUnknownSessionIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := do(t, srv, "POST", "/output", map[string]string{"session_id": "ghost", "text": "x"})
	if w.Code != http.StatusNotFound {
		t.Errorf("output unknown = %d, want 404", w.Code)
	}
}

func TestAskSendsPoll(t *testing.T) {
	srv, _, adapter := newTestServer(t)
	srv.daemon.Registry().RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	w := do(t, srv, "POST", "/ask", map[string]interface{}{
		"session_id": "r1",
		"questions": []map[string]interface{}{
			{"text": "Proceed?", "options": []string{"yes", "no"}},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("ask = %d: %s", w.Code, w.Body)
	}
	sent, ok := adapter.LastSent()
	if !ok || sent.Kind != "poll" || sent.ChatID != "100" {
		t.Errorf("poll not sent to bound chat: %+v", sent)
	}
}

func TestStopAndKillRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	registry := srv.daemon.Registry()
	registry.RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	if w := do(t, srv, "POST", "/sessions/r1/stop", nil); w.Code != http.StatusOK {
		t.Fatalf("stop = %d", w.Code)
	}
	if w := do(t, srv, "POST", "/sessions/r1/kill", nil); w.Code != http.StatusOK {
		t.Fatalf("kill = %d", w.Code)
	}
	if got := registry.DrainRemoteControl("r1"); got != bridge.ControlKill {
		t.Errorf("control = %q, want kill", got)
	}
	if w := do(t, srv, "POST", "/sessions/ghost/stop", nil); w.Code != http.StatusNotFound {
		t.Errorf("stop unknown = %d, want 404", w.Code)
	}
}

func TestUnregister(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.daemon.Registry().RegisterRemote("r1", "claude", "/w", "A:100", "A:u1")

	if w := do(t, srv, "POST", "/unregister", map[string]string{"session_id": "r1"}); w.Code != http.StatusOK {
		t.Fatalf("unregister = %d", w.Code)
	}
	if srv.daemon.Registry().Session("r1") != nil {
		t.Errorf("session still registered")
	}
	if w := do(t, srv, "POST", "/unregister", map[string]string{"session_id": "r1"}); w.Code != http.StatusNotFound {
		t.Errorf("second unregister = %d, want 404", w.Code)
	}
}

func TestShutdownInvokesCallback(t *testing.T) {
	registry := bridge.NewRegistry()
	adapter := bridge.NewMockAdapter("A")
	adapter.Connect(context.Background())
	daemon, _ := bridge.NewDaemon(bridge.DaemonOpts{
		Registry: registry,
		Adapters: map[string]bridge.Adapter{"A": adapter},
		Out:      io.Discard,
	})
	called := make(chan struct{}, 1)
	srv, err := NewServer(ServerOpts{
		Daemon:   daemon,
		StateDir: t.TempDir(),
		Out:      io.Discard,
		Shutdown: func() { called <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}

	if w := do(t, srv, "POST", "/shutdown", nil); w.Code != http.StatusOK {
		t.Fatalf("shutdown = %d", w.Code)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}

func TestStartServesUnixSocketAndCleansUp(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	socketPath := SocketPath(srv.stateDir)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		},
	}}
	resp, err := client.Get("http://switchboard/health")
	if err != nil {
		t.Fatalf("health over socket: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	token, err := os.ReadFile(AuthPath(srv.stateDir))
	if err != nil || string(token) != srv.Token() {
		t.Errorf("auth file = %q err=%v", token, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server exit: %v", err)
	}
	for _, path := range []string{socketPath, AuthPath(srv.stateDir), PidPath(srv.stateDir)} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s not cleaned up", path)
		}
	}
}
