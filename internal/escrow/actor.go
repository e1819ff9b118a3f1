package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// MainFunc is the body of an actor. It returns when ctx is cancelled.
type MainFunc func(ctx context.Context) error

// Actor runs one role's main loop in its own goroutine. A main loop that
// fails or panics is logged and the actor is considered dead; it is never
// restarted here.
type Actor struct {
	name   string
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool

	mu  sync.Mutex
	err error
}

// Spawn starts main under a context derived from ctx and returns
// immediately.
func Spawn(ctx context.Context, name string, logger *slog.Logger, main MainFunc) *Actor {
	ctx, cancel := context.WithCancel(ctx)
	a := &Actor{
		name:   name,
		logger: logger.With("actor", name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.alive.Store(true)
	go a.run(ctx, main)
	return a
}

func (a *Actor) run(ctx context.Context, main MainFunc) {
	defer close(a.done)
	defer a.alive.Store(false)
	defer a.cancel()
	defer func() {
		if r := recover(); r != nil {
			a.setErr(fmt.Errorf("panic: %v", r))
			a.logger.Error("actor panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	err := main(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		a.logger.Info("actor stopped")
	default:
		a.setErr(err)
		a.logger.Error("actor main loop failed", "error", err)
	}
}

func (a *Actor) setErr(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// Name returns the actor's name.
func (a *Actor) Name() string { return a.name }

// Stop cancels the actor and waits for its main loop to return. It is safe
// to call repeatedly and concurrently.
func (a *Actor) Stop() {
	a.cancel()
	<-a.done
}

// Done is closed once the main loop has returned.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Alive reports whether the main loop is still running.
func (a *Actor) Alive() bool { return a.alive.Load() }

// Err returns the failure that ended the main loop, if any.
func (a *Actor) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Group supervises the long-lived tasks of an actor. A failing or panicking
// task is logged and does not affect its siblings; all tasks stop when the
// group's context is cancelled.
type Group struct {
	ctx    context.Context
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewGroup returns a group bound to ctx.
func NewGroup(ctx context.Context, logger *slog.Logger) *Group {
	return &Group{ctx: ctx, logger: logger}
}

// Go starts fn as a supervised task.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("task panicked", "task", name, "panic", fmt.Sprint(r))
			}
		}()
		if err := fn(g.ctx); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Error("task failed", "task", name, "error", err)
			return
		}
		g.logger.Debug("task finished", "task", name)
	}()
}

// Wait blocks until every task has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
