package oidc

import (
	"fmt"
	"sync"

	"github.com/milan604/rtl433dp-console/pkg/logger"
)

// EventKind names a credential lifecycle event.
type EventKind int

const (
	// UserLoaded follows a completed sign-in or silent renewal.
	UserLoaded EventKind = iota
	// UserUnloaded follows removal of the credential.
	UserUnloaded
	// SilentRenewError follows a failed automatic renewal.
	SilentRenewError
	// AccessTokenExpired fires when the access token reaches its expiry.
	AccessTokenExpired
	// UserSignedOut fires when the provider ends the session.
	UserSignedOut
)

func (k EventKind) String() string {
	switch k {
	case UserLoaded:
		return "user_loaded"
	case UserUnloaded:
		return "user_unloaded"
	case SilentRenewError:
		return "silent_renew_error"
	case AccessTokenExpired:
		return "access_token_expired"
	case UserSignedOut:
		return "user_signed_out"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one lifecycle notification. User is set for UserLoaded, Err for SilentRenewError.
type Event struct {
	Kind EventKind
	User *User
	Err  error
}

type registration struct {
	id   uint64
	kind EventKind
	fn   func(Event)
}

// Events delivers lifecycle events to registered handlers in the order they
// were raised, one at a time, on a dedicated goroutine. Raising never blocks.
type Events struct {
	log logger.LogManager

	mu       sync.Mutex
	nextID   uint64
	handlers []registration
	pending  []Event
	wake     chan struct{}
	done     chan struct{}
	idle     *sync.Cond
	busy     bool
	closed   bool
}

// NewEvents starts the dispatcher. Close stops it.
func NewEvents(log logger.LogManager) *Events {
	e := &Events{
		log:  logger.OrNop(log),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	e.idle = sync.NewCond(&e.mu)
	go e.run()
	return e
}

// Add registers fn for kind and returns its unregister func.
func (e *Events) Add(kind EventKind, fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.handlers = append(e.handlers, registration{id: id, kind: kind, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Events) AddUserLoaded(fn func(*User)) func() {
	return e.Add(UserLoaded, func(ev Event) { fn(ev.User) })
}

func (e *Events) AddUserUnloaded(fn func()) func() {
	return e.Add(UserUnloaded, func(Event) { fn() })
}

func (e *Events) AddSilentRenewError(fn func(error)) func() {
	return e.Add(SilentRenewError, func(ev Event) { fn(ev.Err) })
}

func (e *Events) AddAccessTokenExpired(fn func()) func() {
	return e.Add(AccessTokenExpired, func(Event) { fn() })
}

func (e *Events) AddUserSignedOut(fn func()) func() {
	return e.Add(UserSignedOut, func(Event) { fn() })
}

// Raise queues ev for delivery. Events raised after Close are dropped.
func (e *Events) Raise(ev Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Drain blocks until every event raised so far has been handled.
func (e *Events) Drain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for (len(e.pending) > 0 || e.busy) && !e.closed {
		e.idle.Wait()
	}
}

// Close stops delivery. Queued events that were not yet delivered are dropped.
func (e *Events) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.pending = nil
	e.handlers = nil
	e.idle.Broadcast()
	e.mu.Unlock()
	close(e.done)
}

func (e *Events) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.handlers {
		if r.id == id {
			e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
			return
		}
	}
}

func (e *Events) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}
		for {
			ev, handlers, ok := e.next()
			if !ok {
				break
			}
			for _, fn := range handlers {
				e.deliver(ev, fn)
			}
			e.mu.Lock()
			e.busy = false
			e.idle.Broadcast()
			e.mu.Unlock()
		}
	}
}

func (e *Events) next() (Event, []func(Event), bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.pending) == 0 {
		return Event{}, nil, false
	}
	ev := e.pending[0]
	e.pending = e.pending[1:]
	e.busy = true

	var fns []func(Event)
	for _, r := range e.handlers {
		if r.kind == ev.Kind {
			fns = append(fns, r.fn)
		}
	}
	return ev, fns, true
}

func (e *Events) deliver(ev Event, fn func(Event)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorF("oidc: %s handler panicked: %v", ev.Kind, r)
		}
	}()
	fn(ev)
}
