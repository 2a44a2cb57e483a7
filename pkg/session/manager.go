package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/logger"
)

// Session bundles the state, controller and navigator of one browser session.
type Session struct {
	ID         string
	Store      *Store
	Controller *Controller
	Navigator  *PendingNavigator

	adapter   Adapter
	startOnce sync.Once

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *Session) close() {
	s.Controller.Close()
	s.adapter.Close()
	s.Store.closeSubscribers()
	s.Navigator.closeSubscribers()
}

// AdapterFactory returns the credential manager for a browser session id.
type AdapterFactory func(sessionID string) Adapter

// Transferer is implemented by adapters that can hand their stored
// credential over to another session id.
type Transferer interface {
	TransferUser(ctx context.Context, toSessionID string) error
}

var (
	// ErrRotateUnsupported is returned by Rotate when the adapter is not a Transferer.
	ErrRotateUnsupported = errors.New("session: adapter cannot transfer its credential")
	ErrManagerClosed     = errors.New("session: manager is shut down")
)

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	IdleTimeout time.Duration
	LoginPath   string
	Listeners   []HardLogoutListener
	Metrics     *Metrics
	Logger      logger.LogManager
	Clock       func() time.Time
}

// Manager owns the live sessions, keyed by the id carried in the session cookie.
type Manager struct {
	factory AdapterFactory
	opts    ManagerOptions
	log     logger.LogManager
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewManager(factory AdapterFactory, opts ManagerOptions) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Manager{
		factory:  factory,
		opts:     opts,
		log:      logger.OrNop(opts.Logger),
		now:      opts.Clock,
		sessions: map[string]*Session{},
	}
}

// Resolve returns the started session for id. An unknown but well formed id
// is re-attached, so a credential that survived in a shared credential store
// is picked up again. Anything else gets a fresh id; created reports that
// the caller must set a new cookie.
func (m *Manager) Resolve(ctx context.Context, id string) (s *Session, created bool) {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
		created = true
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.detached(id), created
	}
	s, ok := m.sessions[id]
	if !ok {
		s = m.newSession(id)
		m.sessions[id] = s
		m.opts.Metrics.sessions(len(m.sessions))
	}
	m.mu.Unlock()

	s.touch(m.now())
	s.startOnce.Do(func() {
		s.Controller.Start(logger.WithSessionID(context.WithoutCancel(ctx), id))
	})
	return s, created
}

// detached returns a settled, signed out session that is never started or
// registered. It answers requests that race Shutdown.
func (m *Manager) detached(id string) *Session {
	store := NewStore()
	store.SetLoading(false)
	nav := NewPendingNavigator()
	s := &Session{
		ID:         id,
		Store:      store,
		Controller: NewController(store, closedAdapter{}, nav, WithLoginPath(m.opts.LoginPath)),
		Navigator:  nav,
		adapter:    closedAdapter{},
	}
	s.Controller.Close()
	s.Store.closeSubscribers()
	s.Navigator.closeSubscribers()
	return s
}

// Get returns a live session without creating one.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) newSession(id string) *Session {
	store := NewStore()
	nav := NewPendingNavigator()
	adapter := m.factory(id)
	ctrl := NewController(store, adapter, nav,
		withSessionID(id),
		WithLoginPath(m.opts.LoginPath),
		WithHardLogoutListeners(m.opts.Listeners...),
		WithMetrics(m.opts.Metrics),
		WithLogger(m.log.With("session_id", logger.SessionRef(id))),
	)
	return &Session{
		ID:         id,
		Store:      store,
		Controller: ctrl,
		Navigator:  nav,
		adapter:    adapter,
	}
}

// Rotate moves the credential of s to a started session with a fresh id and
// closes s. Call it once a sign-in completes: an id handed out before the
// sign-in is worth nothing afterwards.
func (m *Manager) Rotate(ctx context.Context, s *Session) (*Session, error) {
	t, ok := s.adapter.(Transferer)
	if !ok {
		return nil, ErrRotateUnsupported
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}

	id := uuid.NewString()
	if err := t.TransferUser(ctx, id); err != nil {
		return nil, fmt.Errorf("session: rotate: %w", err)
	}

	next := m.newSession(id)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		next.close()
		return nil, ErrManagerClosed
	}
	m.sessions[id] = next
	if cur, ok := m.sessions[s.ID]; ok && cur == s {
		delete(m.sessions, s.ID)
	}
	m.opts.Metrics.sessions(len(m.sessions))
	m.mu.Unlock()

	next.touch(m.now())
	next.startOnce.Do(func() {
		next.Controller.Start(logger.WithSessionID(context.WithoutCancel(ctx), id))
	})

	s.Store.Clear()
	s.close()
	m.log.DebugF("session: rotated %s to %s", logger.SessionRef(s.ID), logger.SessionRef(id))
	return next, nil
}

// Sweep closes sessions idle for longer than the idle timeout. Their stored
// credentials are left to expire in the credential store.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.opts.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.opts.Metrics.sessions(len(m.sessions))
	m.mu.Unlock()

	for _, s := range idle {
		s.close()
	}
	if len(idle) > 0 {
		m.log.DebugF("session: swept %d idle sessions", len(idle))
	}
	return len(idle)
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := max(m.opts.IdleTimeout/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.opts.Metrics.sessions(0)
	m.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}

// closedAdapter backs detached sessions. Every operation fails with
// ErrManagerClosed and no event is ever raised.
type closedAdapter struct{}

func (closedAdapter) GetUser(context.Context) (*oidc.User, error) { return nil, nil }

func (closedAdapter) SigninRedirect(context.Context, string) (string, error) {
	return "", ErrManagerClosed
}

func (closedAdapter) SigninRedirectCallback(context.Context, string, string) (string, error) {
	return "", ErrManagerClosed
}

func (closedAdapter) SigninSilent(context.Context) (*oidc.User, error) { return nil, ErrManagerClosed }

func (closedAdapter) SignoutRedirect(context.Context) (string, error) { return "", ErrManagerClosed }

func (closedAdapter) RemoveUser(context.Context) error { return nil }

func (closedAdapter) AddUserLoaded(func(*oidc.User)) func() { return func() {} }
func (closedAdapter) AddUserUnloaded(func()) func() { return func() {} }
func (closedAdapter) AddSilentRenewError(func(error)) func() { return func() {} }
func (closedAdapter) AddAccessTokenExpired(func()) func() { return func() {} }
func (closedAdapter) AddUserSignedOut(func()) func() { return func() {} }

func (closedAdapter) Drain() {}
func (closedAdapter) Close() {}
