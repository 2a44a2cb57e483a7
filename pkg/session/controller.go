// Package session keeps the authentication state of each browser session and
// drives it from the credential lifecycle.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/logger"
)

// Adapter is the credential manager of one browser session.
// *oidc.UserManager implements it.
type Adapter interface {
	GetUser(ctx context.Context) (*oidc.User, error)
	SigninRedirect(ctx context.Context, returnTo string) (string, error)
	SigninRedirectCallback(ctx context.Context, code, state string) (string, error)
	SigninSilent(ctx context.Context) (*oidc.User, error)
	SignoutRedirect(ctx context.Context) (string, error)
	RemoveUser(ctx context.Context) error

	AddUserLoaded(fn func(*oidc.User)) func()
	AddUserUnloaded(fn func()) func()
	AddSilentRenewError(fn func(error)) func()
	AddAccessTokenExpired(fn func()) func()
	AddUserSignedOut(fn func()) func()

	// Drain waits until every raised event has been handled.
	Drain()
	Close()
}

// Navigator sends the browser somewhere outside of a request/response
// exchange, for example after a background hard logout.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// HardLogoutListener is told about a hard logout before the credential is
// removed and the browser redirected.
type HardLogoutListener interface {
	OnHardLogout(ctx context.Context, reason string, cause error) error
}

// HardLogoutFunc adapts a func to HardLogoutListener.
type HardLogoutFunc func(ctx context.Context, reason string, cause error) error

func (f HardLogoutFunc) OnHardLogout(ctx context.Context, reason string, cause error) error {
	return f(ctx, reason, cause)
}

// Hard logout reasons.
const (
	ReasonSilentRenewFailed = "silent renew failed"
	ReasonRenewAfterExpiry  = "access token expired; renew failed"
	ReasonSignedOut         = "user signed out at provider"
)

const (
	defaultRenewTimeout = 30 * time.Second
	defaultStepTimeout  = 10 * time.Second
)

// Controller drives a Store from an Adapter.
type Controller struct {
	id        string
	store     *Store
	adapter   Adapter
	nav       Navigator
	loginPath string
	listeners []HardLogoutListener
	metrics   *Metrics
	log       logger.LogManager
	now       func() time.Time

	renewTimeout time.Duration
	stepTimeout  time.Duration

	mu     sync.Mutex
	unsubs []func()
	closed bool
}

// ControllerOption configures NewController.
type ControllerOption func(*Controller)

// WithHardLogoutListeners adds listeners that run after the store is cleared.
func WithHardLogoutListeners(l ...HardLogoutListener) ControllerOption {
	return func(c *Controller) { c.listeners = append(c.listeners, l...) }
}

// WithLoginPath sets where a hard logout lands when the provider sign-out fails.
func WithLoginPath(path string) ControllerOption {
	return func(c *Controller) { c.loginPath = path }
}

func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(l logger.LogManager) ControllerOption {
	return func(c *Controller) { c.log = logger.OrNop(l) }
}

func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithTimeouts bounds the silent renew after an expiry and each step of a
// hard logout. Every step gets its own budget.
func WithTimeouts(renew, step time.Duration) ControllerOption {
	return func(c *Controller) {
		if renew > 0 {
			c.renewTimeout = renew
		}
		if step > 0 {
			c.stepTimeout = step
		}
	}
}

func withSessionID(id string) ControllerOption {
	return func(c *Controller) { c.id = id }
}

func NewController(store *Store, adapter Adapter, nav Navigator, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:     store,
		adapter:   adapter,
		nav:       nav,
		loginPath: "/login",
		log:       logger.NewNop(),
		now:       time.Now,

		renewTimeout: defaultRenewTimeout,
		stepTimeout:  defaultStepTimeout,
	}
	// clearing the store is always the first thing a hard logout does
	c.listeners = []HardLogoutListener{HardLogoutFunc(func(context.Context, string, error) error {
		c.store.Clear()
		return nil
	})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Store() *Store { return c.store }

func (c *Controller) State() State { return c.store.Snapshot() }

// AccessToken returns the current bearer token, empty when signed out.
func (c *Controller) AccessToken() string { return c.store.AccessToken() }

// HasPermission reports whether the signed in operator holds name.
func (c *Controller) HasPermission(name string) bool {
	return c.store.Snapshot().Permissions.Has(name)
}

// Start subscribes to the adapter and probes for a stored credential. The
// probe result is dropped when an event changed the store while it ran.
func (c *Controller) Start(ctx context.Context) {
	c.store.SetLoading(true)
	defer c.store.SetLoading(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.unsubs = append(c.unsubs,
		c.adapter.AddUserLoaded(c.onUserLoaded),
		c.adapter.AddUserUnloaded(c.onUserUnloaded),
		c.adapter.AddAccessTokenExpired(c.onAccessTokenExpired),
		c.adapter.AddSilentRenewError(c.onSilentRenewError),
		c.adapter.AddUserSignedOut(c.onUserSignedOut),
	)
	c.mu.Unlock()

	gen := c.store.Generation()
	user, err := c.adapter.GetUser(ctx)
	if err != nil {
		c.log.WarnFCtx(ctx, "session: probe for stored credential failed: %v", err)
		user = nil
	}
	if !c.applyAt(gen, user) {
		c.log.DebugFCtx(ctx, "session: probe superseded by a lifecycle event")
	}
}

// Login starts an interactive sign-in and returns the identity provider URL
// to redirect the browser to. The signed in state arrives later through the
// user loaded event.
func (c *Controller) Login(ctx context.Context, returnTo string) (string, error) {
	c.store.SetLoading(true)
	defer c.store.SetLoading(false)

	target, err := c.adapter.SigninRedirect(ctx, returnTo)
	if err != nil {
		c.metrics.login("error")
		return "", apperr.New(apperr.ErrorCodeLoginFailed).Wrap(err)
	}
	c.metrics.login("redirect")
	return target, nil
}

// CompleteLogin finishes the sign-in when the browser comes back from the
// identity provider and returns the path the operator asked for. It returns
// once the resulting user loaded event has been applied.
func (c *Controller) CompleteLogin(ctx context.Context, code, state string) (string, error) {
	c.store.SetLoading(true)
	defer c.store.SetLoading(false)

	returnTo, err := c.adapter.SigninRedirectCallback(ctx, code, state)
	if err != nil {
		c.metrics.login("callback_error")
		return "", apperr.New(apperr.ErrorCodeLoginFailed).Wrap(err)
	}
	c.adapter.Drain()
	c.metrics.login("success")
	c.log.InfoFCtx(ctx, "session: signed in")
	return returnTo, nil
}

// Logout clears the session right away, then signs out at the identity
// provider and returns its end-session URL. On failure the session stays
// cleared and the stored credential is removed.
func (c *Controller) Logout(ctx context.Context) (string, error) {
	c.store.SetLoading(true)
	defer c.store.SetLoading(false)

	c.store.Clear()
	c.metrics.logout("explicit")

	target, err := c.adapter.SignoutRedirect(ctx)
	if err != nil {
		if rerr := c.adapter.RemoveUser(ctx); rerr != nil {
			c.log.WarnFCtx(ctx, "session: remove credential after failed sign-out: %v", rerr)
		}
		return "", apperr.New(apperr.ErrorCodeLogoutFailed).Wrap(err)
	}
	return target, nil
}

// Close unregisters every event handler. The store keeps its last state.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Controller) apply(u *oidc.User) {
	if u == nil || u.AccessToken == "" || u.Expired(c.now()) {
		c.store.Clear()
		return
	}
	c.store.SetAuthenticated(u.AccessToken, ProfileOf(u.Profile))
}

// applyAt is apply for a result computed while the store was at gen.
func (c *Controller) applyAt(gen uint64, u *oidc.User) bool {
	if u == nil || u.AccessToken == "" || u.Expired(c.now()) {
		return c.store.ClearAt(gen)
	}
	return c.store.SetAuthenticatedAt(gen, u.AccessToken, ProfileOf(u.Profile))
}

func (c *Controller) onUserLoaded(u *oidc.User) { c.apply(u) }

func (c *Controller) onUserUnloaded() { c.store.Clear() }

func (c *Controller) onAccessTokenExpired() {
	ctx, cancel := context.WithTimeout(c.eventContext(), c.renewTimeout)
	_, err := c.adapter.SigninSilent(ctx)
	cancel()
	if err != nil {
		c.hardLogout(c.eventContext(), ReasonRenewAfterExpiry, err)
	}
}

func (c *Controller) onSilentRenewError(err error) {
	c.hardLogout(c.eventContext(), ReasonSilentRenewFailed, err)
}

func (c *Controller) onUserSignedOut() {
	c.hardLogout(c.eventContext(), ReasonSignedOut, nil)
}

func (c *Controller) eventContext() context.Context {
	ctx := context.Background()
	if c.id != "" {
		ctx = logger.WithSessionID(ctx, c.id)
	}
	return ctx
}

// step bounds one hard logout step. A step that ran out of time does not
// shorten the next one.
func (c *Controller) step(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.stepTimeout)
}

// hardLogout runs the listeners (the first one clears the store), removes
// the credential and finally redirects. The redirect is attempted whatever
// happened before it.
func (c *Controller) hardLogout(ctx context.Context, reason string, cause error) {
	c.log.WarnFCtx(ctx, "session: hard logout: %s (cause: %v)", reason, cause)
	c.metrics.hardLogout(reason)

	for i, l := range c.listeners {
		lctx, cancel := c.step(ctx)
		err := c.runListener(lctx, l, reason, cause)
		cancel()
		if err != nil {
			c.log.WarnFCtx(ctx, "session: hard logout listener %d failed: %v", i, err)
		}
	}

	rctx, cancel := c.step(ctx)
	if err := c.adapter.RemoveUser(rctx); err != nil {
		c.log.WarnFCtx(ctx, "session: remove credential: %v", err)
	}
	cancel()

	sctx, cancel := c.step(ctx)
	target, err := c.adapter.SignoutRedirect(sctx)
	cancel()
	if err != nil || target == "" {
		c.log.WarnFCtx(ctx, "session: provider sign-out unavailable, falling back to %s: %v", c.loginPath, err)
		target = c.loginPath
	}
	nctx, cancel := c.step(ctx)
	defer cancel()
	if err := c.nav.Navigate(nctx, target); err != nil {
		c.log.ErrorFCtx(ctx, "session: navigate to %s: %v", target, err)
	}
}

func (c *Controller) runListener(ctx context.Context, l HardLogoutListener, reason string, cause error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.OnHardLogout(ctx, reason, cause)
}
