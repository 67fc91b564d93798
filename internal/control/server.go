// Package control exposes the daemon's local control surface: an HTTP
// API served on a unix socket, used by session wrappers and the CLI.
package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/bridge"
)

const (
	// SocketName is the unix socket file inside the state directory.
	SocketName = "daemon.sock"
	// AuthName is the auth token file inside the state directory.
	AuthName = "daemon.auth"
	// PidName is the pid file inside the state directory.
	PidName = "daemon.pid"

	// AuthHeader carries the auth token on every control request.
	AuthHeader = "x-switchboard-auth"

	shutdownGrace = 3 * time.Second
)

// SocketPath returns the control socket path for a state directory.
func SocketPath(stateDir string) string { return filepath.Join(stateDir, SocketName) }

// AuthPath returns the auth token file path for a state directory.
func AuthPath(stateDir string) string { return filepath.Join(stateDir, AuthName) }

// PidPath returns the pid file path for a state directory.
func PidPath(stateDir string) string { return filepath.Join(stateDir, PidName) }

// RecentSession is one row of session history for /sessions/recent.
type RecentSession struct {
	SessionID string     `json:"session_id"`
	Command   string     `json:"command"`
	Cwd       string     `json:"cwd"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	LastLine  string     `json:"last_line,omitempty"`
}

// RecentStore lists past sessions from the transcript store.
type RecentStore interface {
	Recent(cwd string, limit int) ([]RecentSession, error)
}

// Journal is the optional lifecycle side of the transcript store. When
// the configured RecentStore also implements it, registrations and
// unregistrations are recorded as session rows.
type Journal interface {
	EnsureSession(id, command, cwd, ownerChatID string) error
	EndSession(id string) error
}

// Server is the control API server. It owns the socket, auth token, and
// pid files in the state directory for the lifetime of the daemon.
type Server struct {
	daemon   *bridge.Daemon
	recent   RecentStore
	journal  Journal
	stateDir string
	out      io.Writer
	shutdown func()

	token  string
	engine *gin.Engine
}

// ServerOpts holds parameters for creating a control Server.
type ServerOpts struct {
	Daemon   *bridge.Daemon
	Recent   RecentStore // optional; /sessions/recent 404s without it
	StateDir string
	Out      io.Writer // defaults to os.Stdout
	// Shutdown is invoked by POST /shutdown to stop the daemon.
	Shutdown func()
}

// NewServer creates a control Server.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Daemon == nil {
		return nil, fmt.Errorf("control: daemon is required")
	}
	if opts.StateDir == "" {
		return nil, fmt.Errorf("control: state dir is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	s := &Server{
		daemon:   opts.Daemon,
		recent:   opts.Recent,
		journal:  journalFor(opts.Recent),
		stateDir: opts.StateDir,
		out:      out,
		shutdown: opts.Shutdown,
		token:    uuid.NewString(),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.registerRoutes(engine)
	s.engine = engine
	return s, nil
}

func journalFor(recent RecentStore) Journal {
	if j, ok := recent.(Journal); ok {
		return j
	}
	return nil
}

// Token returns the auth token expected on control requests.
func (s *Server) Token() string { return s.token }

// Start serves the control API on the unix socket. It writes the auth
// token and pid files, blocks until ctx is cancelled, then shuts down
// and removes all three files.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.stateDir, 0o700); err != nil {
		return fmt.Errorf("control: state dir: %w", err)
	}

	socketPath := SocketPath(s.stateDir)
	// A previous unclean exit leaves the socket file behind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("control: listen: %w", err)
	}

	if err := os.WriteFile(AuthPath(s.stateDir), []byte(s.token), 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("control: write auth file: %w", err)
	}
	if err := os.WriteFile(PidPath(s.stateDir), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("control: write pid file: %w", err)
	}
	defer s.removeFiles()

	srv := &http.Server{Handler: s.engine}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(s.out, "control: listening on %s\n", socketPath)
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control: serve: %w", err)
	}
	return nil
}

func (s *Server) removeFiles() {
	os.Remove(SocketPath(s.stateDir))
	os.Remove(AuthPath(s.stateDir))
	os.Remove(PidPath(s.stateDir))
}

// authRequired rejects requests without the expected token. /health is
// the only unauthenticated route.
func (s *Server) authRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(AuthHeader) != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
