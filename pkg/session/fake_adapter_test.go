package session_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
)

func accessToken(perms ...string) string {
	payload, _ := json.Marshal(map[string]any{"sub": "operator-1", "permissions": perms})
	return "eyJhbGciOiJub25lIn0." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func validUser(perms ...string) *oidc.User {
	return &oidc.User{
		AccessToken: accessToken(perms...),
		ExpiresAt:   time.Now().Add(time.Hour),
		Profile:     oidc.Profile{Subject: "operator-1", PreferredUsername: "op", Email: "op@example.test"},
	}
}

// fakeAdapter fires events synchronously on the caller's goroutine.
type fakeAdapter struct {
	mu       sync.Mutex
	user     *oidc.User
	calls    []string
	handlers map[oidc.EventKind][]*func(oidc.Event)
	closed   bool

	getUser     func(ctx context.Context) (*oidc.User, error)
	signinErr   error
	callbackErr error
	silentErr   error
	silentUser  *oidc.User
	signoutErr  error
	removeErr   error
	onSignout   func()

	blockSilent   bool
	removeCtxErr  error
	signoutCtxErr error
}

func newFakeAdapter(u *oidc.User) *fakeAdapter {
	return &fakeAdapter{user: u, handlers: map[oidc.EventKind][]*func(oidc.Event){}}
}

func (f *fakeAdapter) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAdapter) fire(ev oidc.Event) {
	f.mu.Lock()
	hs := slices.Clone(f.handlers[ev.Kind])
	f.mu.Unlock()
	for _, h := range hs {
		(*h)(ev)
	}
}

func (f *fakeAdapter) add(kind oidc.EventKind, fn func(oidc.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fn
	f.handlers[kind] = append(f.handlers[kind], h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		hs := f.handlers[kind]
		for i, x := range hs {
			if x == h {
				f.handlers[kind] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (f *fakeAdapter) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeAdapter) GetUser(ctx context.Context) (*oidc.User, error) {
	f.record("GetUser")
	if f.getUser != nil {
		return f.getUser(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, nil
}

func (f *fakeAdapter) SigninRedirect(_ context.Context, returnTo string) (string, error) {
	f.record("SigninRedirect:" + returnTo)
	if f.signinErr != nil {
		return "", f.signinErr
	}
	return "https://idp.test/authorize?state=s1", nil
}

func (f *fakeAdapter) SigninRedirectCallback(_ context.Context, code, state string) (string, error) {
	f.record("SigninRedirectCallback")
	if f.callbackErr != nil {
		return "", f.callbackErr
	}
	u := validUser("model:list")
	f.mu.Lock()
	f.user = u
	f.mu.Unlock()
	f.fire(oidc.Event{Kind: oidc.UserLoaded, User: u})
	return "/models", nil
}

func (f *fakeAdapter) SigninSilent(ctx context.Context) (*oidc.User, error) {
	f.record("SigninSilent")
	if f.blockSilent {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.silentErr != nil {
		return nil, f.silentErr
	}
	f.mu.Lock()
	f.user = f.silentUser
	f.mu.Unlock()
	f.fire(oidc.Event{Kind: oidc.UserLoaded, User: f.silentUser})
	return f.silentUser, nil
}

func (f *fakeAdapter) SignoutRedirect(ctx context.Context) (string, error) {
	f.record("SignoutRedirect")
	f.mu.Lock()
	f.signoutCtxErr = ctx.Err()
	f.mu.Unlock()
	if f.onSignout != nil {
		f.onSignout()
	}
	if f.signoutErr != nil {
		return "", f.signoutErr
	}
	return "https://idp.test/logout", nil
}

func (f *fakeAdapter) RemoveUser(ctx context.Context) error {
	f.record("RemoveUser")
	f.mu.Lock()
	f.removeCtxErr = ctx.Err()
	f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	f.user = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) AddUserLoaded(fn func(*oidc.User)) func() {
	return f.add(oidc.UserLoaded, func(ev oidc.Event) { fn(ev.User) })
}

func (f *fakeAdapter) AddUserUnloaded(fn func()) func() {
	return f.add(oidc.UserUnloaded, func(oidc.Event) { fn() })
}

func (f *fakeAdapter) AddSilentRenewError(fn func(error)) func() {
	return f.add(oidc.SilentRenewError, func(ev oidc.Event) { fn(ev.Err) })
}

func (f *fakeAdapter) AddAccessTokenExpired(fn func()) func() {
	return f.add(oidc.AccessTokenExpired, func(oidc.Event) { fn() })
}

func (f *fakeAdapter) AddUserSignedOut(fn func()) func() {
	return f.add(oidc.UserSignedOut, func(oidc.Event) { fn() })
}

func (f *fakeAdapter) Drain() { f.record("Drain") }

func (f *fakeAdapter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type fakeNavigator struct {
	mu      sync.Mutex
	targets []string
	onNav   func()
}

func (n *fakeNavigator) Navigate(_ context.Context, url string) error {
	if n.onNav != nil {
		n.onNav()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, url)
	return nil
}

func (n *fakeNavigator) Targets() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

// transferAdapter keeps credentials in a map shared by every session so a
// credential can follow a rotated id.
type transferAdapter struct {
	*fakeAdapter
	id    string
	users *sync.Map
}

func (t *transferAdapter) GetUser(ctx context.Context) (*oidc.User, error) {
	t.record("GetUser")
	if u, ok := t.users.Load(t.id); ok {
		return u.(*oidc.User), nil
	}
	return nil, nil
}

func (t *transferAdapter) TransferUser(_ context.Context, to string) error {
	t.record("TransferUser")
	u, ok := t.users.LoadAndDelete(t.id)
	if !ok {
		return oidc.ErrNoUser
	}
	t.users.Store(to, u)
	return nil
}
