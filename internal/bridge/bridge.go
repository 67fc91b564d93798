package bridge

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Daemon is the bridge runtime. It connects the channel adapters, pumps
// their inbound messages through the Router, owns one output Batcher per
// session, fans batched output out to bound and subscribed chats, and
// reaps sessions whose heartbeat has gone quiet.
// Platform typing indicators expire after a few seconds (telegram ~5s,
// discord ~10s); the refresh interval stays below the shortest. The
// ceiling bounds how long a chat shows "typing" when the session never
// produces output.
const (
	typingInterval = 4 * time.Second
	typingCeiling  = 2 * time.Minute
)

type Daemon struct {
	registry *Registry
	adapters map[string]Adapter
	router   *Router
	store    TranscriptRecorder
	typing   map[string]*TypingLoop // keyed by channel name
	out      io.Writer

	batchOpts  BatcherOpts
	reapMaxAge time.Duration
	reapEvery  time.Duration

	mu       sync.Mutex
	batchers map[string]*Batcher // session id -> batcher
	sendCtx  context.Context
}

// DaemonOpts holds parameters for creating a Daemon.
type DaemonOpts struct {
	Registry *Registry
	Adapters map[string]Adapter // keyed by channel name
	Store    TranscriptRecorder // optional
	Out      io.Writer          // defaults to os.Stdout

	MinInterval time.Duration // batching quiet window
	MaxInterval time.Duration // batching flush ceiling
	MaxChars    int           // batching size ceiling
	ReapMaxAge  time.Duration // heartbeat staleness threshold
	ReapEvery   time.Duration // reap scan interval
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("bridge: registry is required")
	}
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("bridge: at least one adapter is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	reapMaxAge := opts.ReapMaxAge
	if reapMaxAge <= 0 {
		reapMaxAge = 90 * time.Second
	}
	reapEvery := opts.ReapEvery
	if reapEvery <= 0 {
		reapEvery = 30 * time.Second
	}

	typing := make(map[string]*TypingLoop, len(opts.Adapters))
	for name, adapter := range opts.Adapters {
		typing[name] = NewTypingLoop(adapter, typingInterval, typingCeiling)
	}

	d := &Daemon{
		registry:   opts.Registry,
		adapters:   opts.Adapters,
		store:      opts.Store,
		typing:     typing,
		out:        out,
		reapMaxAge: reapMaxAge,
		reapEvery:  reapEvery,
		batchers:   make(map[string]*Batcher),
		batchOpts: BatcherOpts{
			MinInterval: opts.MinInterval,
			MaxInterval: opts.MaxInterval,
			MaxChars:    opts.MaxChars,
		},
	}

	router, err := NewRouter(RouterOpts{
		Registry: opts.Registry,
		Adapters: opts.Adapters,
		Store:    opts.Store,
		Typing:   typing,
		Out:      out,
	})
	if err != nil {
		return nil, err
	}
	d.router = router
	return d, nil
}

// Router exposes the daemon's router to the control surface.
func (d *Daemon) Router() *Router { return d.router }

// Registry exposes the daemon's registry to the control surface.
func (d *Daemon) Registry() *Registry { return d.registry }

// Run connects every adapter, starts the inbound pumps and the reap
// scheduler, and blocks until the context is cancelled. On shutdown all
// batchers are flushed and the adapters closed.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.sendCtx = ctx
	d.mu.Unlock()

	inbound := make(chan InboundMessage, 256)
	var pumps sync.WaitGroup

	for name, adapter := range d.adapters {
		fmt.Fprintf(d.out, "bridge: connecting channel %s...\n", name)
		if err := adapter.Connect(ctx); err != nil {
			d.closeAdapters()
			return fmt.Errorf("bridge: connect %s: %w", name, err)
		}
		ch, err := adapter.Listen(ctx)
		if err != nil {
			d.closeAdapters()
			return fmt.Errorf("bridge: listen %s: %w", name, err)
		}
		pumps.Add(1)
		go func(name string, ch <-chan InboundMessage) {
			defer pumps.Done()
			for msg := range ch {
				select {
				case inbound <- msg:
				case <-ctx.Done():
					return
				}
			}
			fmt.Fprintf(d.out, "bridge: channel %s inbound closed\n", name)
		}(name, ch)
	}

	// Reap scheduler.
	scheduler := cron.New()
	spec := fmt.Sprintf("@every %s", d.reapEvery)
	if _, err := scheduler.AddFunc(spec, func() { d.reap(ctx) }); err != nil {
		d.closeAdapters()
		return fmt.Errorf("bridge: reap schedule: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	fmt.Fprintf(d.out, "bridge: online (%d channels)\n", len(d.adapters))

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "bridge: shutting down...\n")
			d.destroyBatchers()
			d.closeAdapters()
			pumps.Wait()
			fmt.Fprintf(d.out, "bridge: stopped\n")
			return nil
		case msg := <-inbound:
			d.router.Handle(ctx, msg)
		}
	}
}

// HandleOutput accepts raw session output from the control surface and
// pushes it into the session's batcher. The push never blocks on the
// chat platform; flushes deliver asynchronously.
func (d *Daemon) HandleOutput(sessionID, text string) bool {
	if d.registry.Session(sessionID) == nil {
		return false
	}

	d.mu.Lock()
	b, ok := d.batchers[sessionID]
	if !ok {
		opts := d.batchOpts
		opts.Flush = func(flushed string) { d.deliver(sessionID, flushed) }
		b = NewBatcher(opts)
		d.batchers[sessionID] = b
	}
	d.mu.Unlock()

	b.Push(text)
	return true
}

// DropSession flushes and removes the session's batcher. Called when a
// session unregisters or is reaped.
func (d *Daemon) DropSession(sessionID string) {
	d.mu.Lock()
	b, ok := d.batchers[sessionID]
	delete(d.batchers, sessionID)
	d.mu.Unlock()
	if ok {
		b.Destroy()
	}
}

// deliver fans one flushed chunk out to the session's bound chat and all
// group subscribers. Runs on the batcher's timer goroutine.
func (d *Daemon) deliver(sessionID, text string) {
	d.mu.Lock()
	ctx := d.sendCtx
	d.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	targets := make(map[string]bool)
	if bound := d.registry.BoundChat(sessionID); bound != "" {
		targets[bound] = true
	}
	for _, chatID := range d.registry.Subscribers(sessionID) {
		targets[chatID] = true
	}
	if len(targets) == 0 {
		return
	}

	for chatID := range targets {
		channel, native := SplitChatID(chatID)
		adapter, ok := d.adapters[channel]
		if !ok {
			log.Printf("bridge: deliver %s: no adapter for chat %s", shortID(sessionID), chatID)
			continue
		}
		if err := adapter.SendOutput(ctx, native, text); err != nil {
			log.Printf("bridge: deliver %s to %s: %v", shortID(sessionID), chatID, err)
		}
		// Output arrived: the session is no longer "thinking" for this chat.
		if loop, ok := d.typing[channel]; ok {
			loop.Stop(native)
		}
	}

	if d.store != nil {
		if err := d.store.Append(sessionID, "assistant", "", text); err != nil {
			log.Printf("bridge: transcript %s: %v", shortID(sessionID), err)
		}
	}
}

// PruneChat removes a permanently unreachable chat from all registry
// state. Wired into the adapters' dead-target callbacks.
func (d *Daemon) PruneChat(chatID string) {
	log.Printf("bridge: pruning dead chat %s", chatID)
	d.registry.Detach(chatID)
	for _, s := range d.registry.Sessions() {
		d.registry.UnsubscribeGroup(s.ID, chatID)
	}
}

// reap removes stale sessions and notifies their owner chats.
func (d *Daemon) reap(ctx context.Context) {
	removed := d.registry.ReapStaleRemotes(d.reapMaxAge)
	for _, s := range removed {
		fmt.Fprintf(d.out, "bridge: reaped stale session %s (%s)\n", shortID(s.ID), s.Command)
		d.DropSession(s.ID)
		if s.OwnerChatID == "" {
			continue
		}
		channel, native := SplitChatID(s.OwnerChatID)
		if adapter, ok := d.adapters[channel]; ok {
			msg := fmt.Sprintf("Session %s (%s) went quiet and was removed.", shortID(s.ID), s.Command)
			if err := adapter.Send(ctx, native, msg); err != nil {
				log.Printf("bridge: reap notice for %s: %v", shortID(s.ID), err)
			}
		}
	}
}

func (d *Daemon) destroyBatchers() {
	d.mu.Lock()
	batchers := d.batchers
	d.batchers = make(map[string]*Batcher)
	d.mu.Unlock()
	for _, b := range batchers {
		b.Destroy()
	}
}

func (d *Daemon) closeAdapters() {
	for name, adapter := range d.adapters {
		if err := adapter.Close(); err != nil {
			log.Printf("bridge: close %s: %v", name, err)
		}
	}
}
