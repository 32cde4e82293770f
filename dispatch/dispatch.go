// Package dispatch is the fan-out hub between the gateway receive loop and
// everything that observes events: the cache, one-shot waiters, and
// user-registered handlers.
//
// Ordering contract: for a given event, the raw handlers run first (before
// any cache mutation), then the cache handler, then the waiters, and only
// then is the user handler scheduled. The first three run synchronously on
// the caller's goroutine so the cache is never observed mid-update; user
// handlers run on their own goroutines so a slow callback cannot stall the
// receive loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrWaitTimeout is returned by WaitFor when no matching event arrives
	// within the timeout.
	ErrWaitTimeout = errors.New("dispatch: timed out waiting for event")

	// ErrClosed is returned when registering or waiting on a closed
	// dispatcher.
	ErrClosed = errors.New("dispatch: dispatcher closed")
)

// Handler observes a single event. The args are whatever the dispatching
// component supplied: a raw payload for wire events, cache entities for
// derived ones.
type Handler func(args ...any)

// RawHandler observes a wire event before the cache has been mutated.
type RawHandler func(event string, args ...any)

// Predicate decides whether a dispatched event resolves a waiter.
type Predicate func(args ...any) bool

// ErrorHook receives errors recovered from user handlers and waiter
// predicates. It must not block.
type ErrorHook func(event string, err error)

type waiter struct {
	id        string
	predicate Predicate
	result    chan []any
	fail      chan error
}

// Dispatcher routes events to cache handlers, waiters and user callbacks.
// One instance exists per client; its lifecycle follows the owning
// session's start/stop.
type Dispatcher struct {
	mu            sync.Mutex
	cacheHandlers map[string]Handler
	rawHandlers   map[string][]RawHandler
	handlers      map[string]Handler
	waiters       map[string][]*waiter
	errHook       ErrorHook
	closed        bool

	logger *slog.Logger
	wg     sync.WaitGroup
}

// New returns a ready-to-use Dispatcher. The default error hook logs and
// continues; it never tears down the session.
func New() *Dispatcher {
	d := &Dispatcher{
		cacheHandlers: make(map[string]Handler),
		rawHandlers:   make(map[string][]RawHandler),
		handlers:      make(map[string]Handler),
		waiters:       make(map[string][]*waiter),
		logger:        slog.Default().With("component", "dispatch"),
	}
	d.errHook = func(event string, err error) {
		d.logger.Error("event handler error", "event", event, "error", err)
	}
	return d
}

// SetErrorHook replaces the error hook invoked for handler panics and
// failing waiter predicates.
func (d *Dispatcher) SetErrorHook(hook ErrorHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hook != nil {
		d.errHook = hook
	}
}

// RegisterCacheHandler binds the internal cache-mutation handler for a wire
// event. At most one cache handler exists per event; it always runs before
// waiters and user callbacks see the event.
func (d *Dispatcher) RegisterCacheHandler(event string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cacheHandlers[event] = fn
}

// HandleRaw registers a handler that fires before cache mutation, for
// collaborators that need the pre-update payload (the voice subsystem uses
// this for its two gating events).
func (d *Dispatcher) HandleRaw(event string, fn RawHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rawHandlers[event] = append(d.rawHandlers[event], fn)
}

// Handle registers the user-level callback for an event, replacing any
// previous one. The callback runs on its own goroutine per dispatch.
func (d *Dispatcher) Handle(event string, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[event] = fn
}

// Dispatch routes one event through raw handlers, the cache handler, the
// waiters and finally the user callback. It is called from the gateway and
// voice receive loops and from cache handlers re-dispatching derived
// events; it never panics.
func (d *Dispatcher) Dispatch(event string, args ...any) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	raws := append([]RawHandler(nil), d.rawHandlers[event]...)
	cache := d.cacheHandlers[event]
	pending := append([]*waiter(nil), d.waiters[event]...)
	handler := d.handlers[event]
	hook := d.errHook
	d.mu.Unlock()

	for _, raw := range raws {
		d.invoke(event, hook, func() { raw(event, args...) })
	}
	if cache != nil {
		d.invoke(event, hook, func() { cache(args...) })
	}

	for _, w := range pending {
		d.settleWaiter(event, w, args)
	}

	if handler != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.invoke(event, hook, func() { handler(args...) })
		}()
	}
}

// settleWaiter evaluates one waiter's predicate against the dispatched
// args. A true predicate resolves and removes the waiter; a panicking
// predicate fails and removes it. Either way dispatch carries on.
func (d *Dispatcher) settleWaiter(event string, w *waiter, args []any) {
	matched, err := func() (m bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("waiter predicate: %v", r)
			}
		}()
		return w.predicate(args...), nil
	}()

	switch {
	case err != nil:
		d.removeWaiter(event, w.id)
		select {
		case w.fail <- err:
		default:
		}
	case matched:
		d.removeWaiter(event, w.id)
		select {
		case w.result <- args:
		default:
		}
	}
}

// WaitFor blocks until an event with a matching predicate is dispatched,
// the timeout elapses, or ctx is cancelled. A nil predicate matches the
// first dispatch. It returns the event's arguments on success.
func (d *Dispatcher) WaitFor(ctx context.Context, event string, predicate Predicate, timeout time.Duration) ([]any, error) {
	if predicate == nil {
		predicate = func(...any) bool { return true }
	}

	w := &waiter{
		id:        uuid.NewString(),
		predicate: predicate,
		result:    make(chan []any, 1),
		fail:      make(chan error, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.waiters[event] = append(d.waiters[event], w)
	d.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case args := <-w.result:
		return args, nil
	case err := <-w.fail:
		return nil, err
	case <-expired:
		if !d.removeWaiter(event, w.id) {
			// A dispatch settled this waiter before the timeout could
			// claim it; its outcome is already in flight and must win
			// over a spurious timeout.
			select {
			case args := <-w.result:
				return args, nil
			case err := <-w.fail:
				return nil, err
			}
		}
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		d.removeWaiter(event, w.id)
		return nil, ctx.Err()
	}
}

// removeWaiter reports whether the waiter was still registered. A false
// return means someone else (a settling dispatch, or Close) already took
// it and owes the waiter an outcome.
func (d *Dispatcher) removeWaiter(event, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.waiters[event]
	for i, w := range list {
		if w.id == id {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(d.waiters, event)
			} else {
				d.waiters[event] = list
			}
			return true
		}
	}
	return false
}

// Close cancels all pending waiters and waits for in-flight user handlers
// to return. Further dispatches are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.waiters
	d.waiters = make(map[string][]*waiter)
	d.mu.Unlock()

	for _, list := range pending {
		for _, w := range list {
			select {
			case w.fail <- ErrClosed:
			default:
			}
		}
	}
	d.wg.Wait()
}

// invoke runs fn, converting a panic into an error-hook invocation so a
// faulty handler cannot take down the receive loop.
func (d *Dispatcher) invoke(event string, hook ErrorHook, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			hook(event, fmt.Errorf("handler panic: %v", r))
		}
	}()
	fn()
}
