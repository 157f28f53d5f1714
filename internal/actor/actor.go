// Package actor provides a small actor substrate: typed mailboxes, isolated
// per-actor goroutines, and a supervisor that logs and continues on handler
// failure. It generalizes the worker-pool and component-lifecycle patterns
// used elsewhere in this codebase from a fixed job shape to arbitrary typed
// messages delivered in FIFO order to a single owning goroutine.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Actor defines the lifecycle hooks a mailbox-driven worker implements.
// S is the actor's private state, created once by PreStart and mutated only
// by Handle on the actor's own goroutine — never touched concurrently from
// the outside, so S itself needs no internal locking.
type Actor[S any, M any] interface {
	// PreStart builds the actor's initial state. It runs before Spawn
	// returns, so callers that need the actor fully initialized before
	// sending it a message can rely on this ordering.
	PreStart(ctx context.Context) (*S, error)

	// Handle processes one message. A returned error is logged and does
	// not stop the actor; if the actor is marked fatal-on-error (see
	// SpawnOptions.FatalOnError) the error is also escalated to the
	// supervisor, which cancels its root context.
	Handle(ctx context.Context, state *S, msg M) error

	// PostStop runs once, after the mailbox is closed and drained.
	PostStop(ctx context.Context, state *S)
}

// Ref is a send-only, cheaply-copyable handle to a running actor's mailbox.
// The zero value is a valid "no actor registered yet" ref; sending to it is
// a silent no-op, matching the late-binding wiring pattern used during
// startup (components exchange refs with each other before every actor in
// the cycle has been constructed).
type Ref[M any] struct {
	mailbox chan M
}

// Send enqueues msg without blocking. If the actor's mailbox is full or the
// actor has stopped (or was never set), Send drops the message and returns
// false; callers that need back-pressure should size the mailbox buffer
// instead of retrying here.
func (r Ref[M]) Send(msg M) (sent bool) {
	if r.mailbox == nil {
		return false
	}
	defer func() {
		// A stopped actor's mailbox is closed, and sending on it panics.
		if recover() != nil {
			slog.Debug("actor: message to stopped actor dropped")
			sent = false
		}
	}()
	select {
	case r.mailbox <- msg:
		return true
	default:
		slog.Debug("actor: mailbox full, message dropped")
		return false
	}
}

// IsZero reports whether this ref has never been bound to a running actor.
func (r Ref[M]) IsZero() bool {
	return r.mailbox == nil
}

// SpawnOptions configures a spawned actor.
type SpawnOptions struct {
	// MailboxSize is the buffered channel capacity. Defaults to 256.
	MailboxSize int
	// Name identifies the actor in logs.
	Name string
	// Logger receives lifecycle and error events. Defaults to slog.Default().
	Logger *slog.Logger
	// FatalOnError cancels the supervisor's root context if Handle or
	// PreStart returns an error, instead of logging and continuing. Used
	// for actors whose failure should end the process (the spec's chat
	// worker is the canonical example).
	FatalOnError bool
}

// Handle is the live handle returned by Spawn: a Ref for sending messages
// plus a Stop function for graceful shutdown.
type Handle[M any] struct {
	Ref  Ref[M]
	stop func(context.Context)
}

// Stop closes the actor's mailbox and blocks until in-flight messages have
// been handled and PostStop has run.
func (h Handle[M]) Stop(ctx context.Context) {
	h.stop(ctx)
}

// Spawn starts an actor's goroutine, blocking until PreStart completes (or
// fails), then returns a Handle for interacting with it. If PreStart
// returns an error, Spawn returns that error and no goroutine is left
// running.
func Spawn[S any, M any](ctx context.Context, sup *Supervisor, a Actor[S, M], opts SpawnOptions) (Handle[M], error) {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("%T", a)
	}

	mailbox := make(chan M, opts.MailboxSize)
	ready := make(chan error, 1)
	stopped := make(chan struct{})
	var stopOnce sync.Once

	go func() {
		state, err := a.PreStart(ctx)
		ready <- err
		if err != nil {
			close(stopped)
			if opts.FatalOnError && sup != nil {
				sup.escalate(name, err)
			}
			return
		}

		defer func() {
			a.PostStop(ctx, state)
			close(stopped)
		}()

		for msg := range mailbox {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("actor handler panicked",
							"actor", name, "panic", r)
						if opts.FatalOnError && sup != nil {
							sup.escalate(name, fmt.Errorf("panic: %v", r))
						}
					}
				}()
				if err := a.Handle(ctx, state, msg); err != nil {
					logger.Error("actor handler error",
						"actor", name, "error", err)
					if opts.FatalOnError && sup != nil {
						sup.escalate(name, err)
					}
				}
			}()
		}
	}()

	if err := <-ready; err != nil {
		return Handle[M]{}, fmt.Errorf("actor %s: pre_start: %w", name, err)
	}

	stopFn := func(_ context.Context) {
		stopOnce.Do(func() {
			close(mailbox)
		})
		<-stopped
	}

	ref := Ref[M]{mailbox: mailbox}
	if sup != nil {
		sup.track(name, stopFn)
	}
	return Handle[M]{Ref: ref, stop: stopFn}, nil
}

// Supervisor tracks spawned actors for ordered shutdown and provides a
// shared cancellation point for actors marked FatalOnError. It plays the
// role infra.ComponentManager plays for named lifecycle components, scoped
// instead to mailbox actors.
type Supervisor struct {
	mu       sync.Mutex
	entries  []supervisedEntry
	cancel   context.CancelFunc
	logger   *slog.Logger
	fatalErr error
}

type supervisedEntry struct {
	name string
	stop func(context.Context)
}

// NewSupervisor creates a Supervisor whose escalate calls invoke cancel.
func NewSupervisor(cancel context.CancelFunc, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cancel: cancel, logger: logger}
}

func (s *Supervisor) track(name string, stop func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, supervisedEntry{name: name, stop: stop})
}

func (s *Supervisor) escalate(name string, err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = fmt.Errorf("actor %s: %w", name, err)
	}
	s.mu.Unlock()
	s.logger.Error("fatal actor failure, cancelling supervisor", "actor", name, "error", err)
	if s.cancel != nil {
		s.cancel()
	}
}

// FatalError returns the first fatal error escalated by a FatalOnError
// actor, or nil if none occurred.
func (s *Supervisor) FatalError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// StopAll stops every tracked actor in reverse registration order,
// mirroring infra.ComponentManager's reverse-order shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	entries := make([]supervisedEntry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		s.logger.Info("stopping actor", "actor", entries[i].name)
		entries[i].stop(ctx)
	}
}
