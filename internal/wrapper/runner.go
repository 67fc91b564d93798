package wrapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultHeartbeat = time.Second

// controlAPI is the slice of the control client the runner needs.
type controlAPI interface {
	daemonAPI
	Drain(ctx context.Context, sessionID string) (DrainResult, error)
	Output(ctx context.Context, sessionID, text string) error
	Unregister(ctx context.Context, sessionID string) error
}

// Runner spawns the assistant process and bridges it to the daemon:
// stdout/stderr stream to the bridge as session output, and the
// heartbeat loop drains chat input into stdin and applies control
// actions (stop delivers an interrupt, kill terminates outright).
type Runner struct {
	client    controlAPI
	recovery  *Controller
	reg       RegisterRequest
	sessionID string
	command   string
	args      []string
	cwd       string
	heartbeat time.Duration
	out       io.Writer
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Client      controlAPI
	Ensure      EnsureFunc
	SessionID   string // defaults to a fresh uuid
	Command     string
	Args        []string
	Cwd         string // defaults to the working directory
	OwnerChatID string
	OwnerUserID string
	Heartbeat   time.Duration // defaults to 1s
	Out         io.Writer     // defaults to os.Stdout
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("wrapper: client is required")
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("wrapper: command is required")
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	cwd := opts.Cwd
	if cwd == "" {
		var err error
		if cwd, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("wrapper: working directory: %w", err)
		}
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	reg := RegisterRequest{
		SessionID:   sessionID,
		Command:     opts.Command,
		Cwd:         cwd,
		OwnerChatID: opts.OwnerChatID,
		OwnerUserID: opts.OwnerUserID,
	}
	return &Runner{
		client: opts.Client,
		recovery: NewController(ControllerOpts{
			Client:       opts.Client,
			Ensure:       opts.Ensure,
			Registration: reg,
		}),
		reg:       reg,
		sessionID: sessionID,
		command:   opts.Command,
		args:      opts.Args,
		cwd:       cwd,
		heartbeat: heartbeat,
		out:       out,
	}, nil
}

// SessionID returns the runner's session id.
func (r *Runner) SessionID() string { return r.sessionID }

// Run registers the session, runs the process until it exits, and
// unregisters. The returned error is the process's exit error, if any.
func (r *Runner) Run(ctx context.Context) error {
	boundChat, err := r.client.RegisterRemote(ctx, r.reg)
	if err != nil {
		// The daemon may simply not be running yet.
		if !r.recovery.RecoverUnreachable(ctx) {
			return fmt.Errorf("wrapper: register: %w", err)
		}
	}
	if boundChat != "" {
		r.recovery.NoteBoundChat(boundChat)
	}
	fmt.Fprintf(r.out, "wrapper: session %s registered\n", r.sessionID)

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Dir = r.cwd
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("wrapper: stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("wrapper: stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("wrapper: stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("wrapper: start %s: %w", r.command, err)
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go r.pumpOutput(ctx, &pumps, stdout)
	go r.pumpOutput(ctx, &pumps, stderr)

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go r.heartbeatLoop(heartbeatCtx, cmd, stdin)

	waitErr := cmd.Wait()
	stopHeartbeat()
	pumps.Wait()

	unregCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := r.client.Unregister(unregCtx, r.sessionID); err != nil && !errors.Is(err, ErrUnknownSession) {
		log.Printf("wrapper: unregister: %v", err)
	}
	fmt.Fprintf(r.out, "wrapper: session %s finished\n", r.sessionID)
	return waitErr
}

// pumpOutput streams one process pipe to the daemon in raw chunks. The
// daemon's batcher handles pacing; the wrapper just forwards bytes.
func (r *Runner) pumpOutput(ctx context.Context, pumps *sync.WaitGroup, pipe io.Reader) {
	defer pumps.Done()
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			r.sendOutput(ctx, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// sendOutput forwards a chunk, triggering recovery on failure. After a
// successful unknown-session recovery the chunk is retried once; a
// chunk lost to an unreachable daemon is dropped, matching the
// best-effort delivery of live output.
func (r *Runner) sendOutput(ctx context.Context, text string) {
	err := r.client.Output(ctx, r.sessionID, text)
	if err == nil {
		return
	}
	if errors.Is(err, ErrUnknownSession) {
		if r.recovery.RecoverUnknown(ctx) {
			if err := r.client.Output(ctx, r.sessionID, text); err == nil {
				return
			}
		}
		return
	}
	r.recovery.RecoverUnreachable(ctx)
}

// heartbeatLoop drains input and control on a ticker. Drained input
// lines go to the process's stdin; control actions map to signals.
func (r *Runner) heartbeatLoop(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		result, err := r.client.Drain(ctx, r.sessionID)
		if err != nil {
			if errors.Is(err, ErrUnknownSession) {
				r.recovery.RecoverUnknown(ctx)
			} else if ctx.Err() == nil {
				r.recovery.RecoverUnreachable(ctx)
			}
			continue
		}

		if result.BoundChat != "" {
			r.recovery.NoteBoundChat(result.BoundChat)
		}

		for _, line := range result.Input {
			if _, err := io.WriteString(stdin, line+"\n"); err != nil {
				log.Printf("wrapper: write stdin: %v", err)
			}
		}

		switch result.Control {
		case "stop":
			fmt.Fprintf(r.out, "wrapper: stop requested, interrupting\n")
			if err := cmd.Process.Signal(os.Interrupt); err != nil {
				log.Printf("wrapper: interrupt: %v", err)
			}
		case "kill":
			fmt.Fprintf(r.out, "wrapper: kill requested, terminating\n")
			if err := cmd.Process.Kill(); err != nil {
				log.Printf("wrapper: kill: %v", err)
			}
		}
	}
}
