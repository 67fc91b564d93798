// Package wrapper runs an assistant process under the daemon: it
// registers the session, streams output to the bridge, feeds drained
// chat input back to the process, and recovers from daemon restarts.
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/control"
)

// ErrUnknownSession is returned when the daemon does not know the
// session id — the signal that the daemon restarted and lost its
// in-memory registry.
var ErrUnknownSession = errors.New("wrapper: unknown session")

const requestTimeout = 5 * time.Second

// RegisterRequest is the wrapper's registration payload. Re-sending it
// with the same SessionID is safe: the daemon treats that as a no-op.
type RegisterRequest struct {
	SessionID   string `json:"session_id"`
	Command     string `json:"command"`
	Cwd         string `json:"cwd"`
	OwnerChatID string `json:"owner_chat_id"`
	OwnerUserID string `json:"owner_user_id"`
}

// DrainResult carries queued chat input, any pending control action, and
// the chat currently bound to the session. The bound chat rides along so
// the wrapper can restore bindings made after startup (a /use from a
// group chat) if the daemon later restarts.
type DrainResult struct {
	Input     []string `json:"input"`
	Control   string   `json:"control"`
	BoundChat string   `json:"bound_chat"`
}

// SessionInfo is one entry of the daemon's session list.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	Command    string    `json:"command"`
	Cwd        string    `json:"cwd"`
	BoundChat  string    `json:"bound_chat"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Client talks to the daemon's control API over its unix socket. The
// auth token is re-read per request: a restarted daemon rotates it.
type Client struct {
	stateDir string
	http     *http.Client
}

// NewClient creates a Client for a state directory.
func NewClient(stateDir string) *Client {
	socketPath := control.SocketPath(stateDir)
	return &Client{
		stateDir: stateDir,
		http: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Health reports whether the daemon is up and serving.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/health", nil, nil)
}

// RegisterRemote registers (or re-registers) the session and returns
// the chat currently bound to it, if any.
func (c *Client) RegisterRemote(ctx context.Context, req RegisterRequest) (string, error) {
	var resp struct {
		BoundChat string `json:"bound_chat"`
	}
	if err := c.do(ctx, "POST", "/register-remote", req, &resp); err != nil {
		return "", err
	}
	return resp.BoundChat, nil
}

// BindChat attaches a chat to the session.
func (c *Client) BindChat(ctx context.Context, sessionID, chatID string) error {
	body := map[string]string{"session_id": sessionID, "chat_id": chatID}
	return c.do(ctx, "POST", "/bind-chat", body, nil)
}

// Drain fetches and clears queued input and the pending control action,
// refreshing the session's heartbeat.
func (c *Client) Drain(ctx context.Context, sessionID string) (DrainResult, error) {
	var resp DrainResult
	body := map[string]string{"session_id": sessionID}
	if err := c.do(ctx, "POST", "/drain", body, &resp); err != nil {
		return DrainResult{}, err
	}
	return resp, nil
}

// Output forwards raw process output to the bridge.
func (c *Client) Output(ctx context.Context, sessionID, text string) error {
	body := map[string]string{"session_id": sessionID, "text": text}
	return c.do(ctx, "POST", "/output", body, nil)
}

// Unregister removes the session from the daemon.
func (c *Client) Unregister(ctx context.Context, sessionID string) error {
	body := map[string]string{"session_id": sessionID}
	return c.do(ctx, "POST", "/unregister", body, nil)
}

// Sessions lists the daemon's live sessions.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	var resp struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	if err := c.do(ctx, "GET", "/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// RecentSessions lists past sessions from the daemon's transcript
// store, optionally filtered to a working directory.
func (c *Client) RecentSessions(ctx context.Context, cwd string, limit int) ([]control.RecentSession, error) {
	path := fmt.Sprintf("/sessions/recent?cwd=%s&limit=%d", url.QueryEscape(cwd), limit)
	var resp struct {
		Sessions []control.RecentSession `json:"sessions"`
	}
	if err := c.do(ctx, "GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// Stop asks the daemon to deliver an interrupt to the session.
func (c *Client) Stop(ctx context.Context, sessionID string) error {
	return c.do(ctx, "POST", "/sessions/"+sessionID+"/stop", nil, nil)
}

// Kill asks the daemon to terminate the session outright.
func (c *Client) Kill(ctx context.Context, sessionID string) error {
	return c.do(ctx, "POST", "/sessions/"+sessionID+"/kill", nil, nil)
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, "POST", "/shutdown", nil, nil)
}

// do performs one authenticated request. A 404 with the unknown-session
// body maps to ErrUnknownSession so callers can trigger recovery.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("wrapper: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://switchboard"+path, reader)
	if err != nil {
		return fmt.Errorf("wrapper: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token, err := os.ReadFile(control.AuthPath(c.stateDir)); err == nil {
		req.Header.Set(control.AuthHeader, strings.TrimSpace(string(token)))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("wrapper: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error == "unknown session" {
			return ErrUnknownSession
		}
		return fmt.Errorf("wrapper: %s %s: not found", method, path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wrapper: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("wrapper: decode response: %w", err)
		}
	}
	return nil
}
