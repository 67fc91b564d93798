package wrapper

import (
	"context"
	"log"
	"sync"
	"time"
)

// defaultRetryInterval is the minimum spacing between recovery attempts
// triggered by an unreachable daemon. Unknown-session triggers are not
// rate limited: they carry a definite signal, not a guess.
const defaultRetryInterval = 1500 * time.Millisecond

// daemonAPI is the slice of the control client the recovery path needs.
type daemonAPI interface {
	Health(ctx context.Context) error
	RegisterRemote(ctx context.Context, req RegisterRequest) (string, error)
	BindChat(ctx context.Context, sessionID, chatID string) error
}

// EnsureFunc brings the daemon up if it is not running (typically by
// spawning `swb start` detached). It returns once the daemon is serving.
type EnsureFunc func(ctx context.Context) error

// Controller re-establishes the wrapper's registration after the daemon
// restarts or becomes unreachable. Recovery is a replay of the normal
// startup path: ensure the daemon is up, re-register under the same
// session id, and re-issue any explicit chat binding made after startup.
// At most one recovery runs at a time; concurrent triggers report false
// and let the in-flight attempt finish.
type Controller struct {
	client daemonAPI
	ensure EnsureFunc
	reg    RegisterRequest

	mu          sync.Mutex
	inFlight    bool
	lastAttempt time.Time
	warned      bool
	boundChat   string // explicit non-owner binding to restore

	retryInterval time.Duration
	now           func() time.Time
}

// ControllerOpts holds parameters for creating a recovery Controller.
type ControllerOpts struct {
	Client        daemonAPI
	Ensure        EnsureFunc
	Registration  RegisterRequest
	RetryInterval time.Duration // defaults to defaultRetryInterval
}

// NewController creates a Controller.
func NewController(opts ControllerOpts) *Controller {
	interval := opts.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &Controller{
		client:        opts.Client,
		ensure:        opts.Ensure,
		reg:           opts.Registration,
		retryInterval: interval,
		now:           time.Now,
	}
}

// NoteBoundChat records an explicit chat binding so recovery can
// restore it. The owner chat needs no note: registration re-creates
// that binding on its own.
func (r *Controller) NoteBoundChat(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if chatID != r.reg.OwnerChatID {
		r.boundChat = chatID
	}
}

// RecoverUnknown runs recovery after the daemon reported the session
// unknown. Returns true if the session was re-registered.
func (r *Controller) RecoverUnknown(ctx context.Context) bool {
	if !r.begin(false) {
		return false
	}
	log.Printf("wrapper: daemon lost session %s, re-registering", r.reg.SessionID)
	return r.finish(r.recover(ctx))
}

// RecoverUnreachable runs recovery after a transport failure. Attempts
// are rate limited: bursts of failed output posts collapse into one
// recovery, and the unreachable warning is logged once until a recovery
// succeeds.
func (r *Controller) RecoverUnreachable(ctx context.Context) bool {
	if !r.begin(true) {
		return false
	}
	r.mu.Lock()
	warned := r.warned
	r.warned = true
	r.mu.Unlock()
	if !warned {
		log.Printf("wrapper: daemon unreachable, attempting recovery")
	}
	return r.finish(r.recover(ctx))
}

// begin claims the in-flight slot, applying the rate limit for
// unreachable triggers. Returns false if recovery should not run now.
func (r *Controller) begin(rateLimited bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight {
		return false
	}
	if rateLimited && r.now().Sub(r.lastAttempt) < r.retryInterval {
		return false
	}
	r.inFlight = true
	r.lastAttempt = r.now()
	return true
}

// finish releases the in-flight slot and resets the warn-once flag on
// success.
func (r *Controller) finish(ok bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = false
	if ok {
		r.warned = false
	}
	return ok
}

// recover replays the startup sequence. Every failure is logged and
// swallowed into a false return: the wrapper keeps running and retries
// on the next trigger.
func (r *Controller) recover(ctx context.Context) bool {
	if r.ensure != nil {
		if err := r.ensure(ctx); err != nil {
			log.Printf("wrapper: recovery: start daemon: %v", err)
			return false
		}
	}
	if err := r.client.Health(ctx); err != nil {
		log.Printf("wrapper: recovery: daemon not serving: %v", err)
		return false
	}
	if _, err := r.client.RegisterRemote(ctx, r.reg); err != nil {
		log.Printf("wrapper: recovery: re-register: %v", err)
		return false
	}

	r.mu.Lock()
	boundChat := r.boundChat
	r.mu.Unlock()
	if boundChat != "" {
		if err := r.client.BindChat(ctx, r.reg.SessionID, boundChat); err != nil {
			log.Printf("wrapper: recovery: re-bind %s: %v", boundChat, err)
			return false
		}
	}

	log.Printf("wrapper: recovered session %s", r.reg.SessionID)
	return true
}
