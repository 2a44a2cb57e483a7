package oidc_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/auth/oidc/oidctest"
	"github.com/milan604/rtl433dp-console/pkg/credstore"
	"github.com/milan604/rtl433dp-console/pkg/permissions"
)

type recorder struct {
	mu     sync.Mutex
	kinds  []oidc.EventKind
	errs   []error
	loaded []*oidc.User
}

func record(um *oidc.UserManager) *recorder {
	r := &recorder{}
	for _, k := range []oidc.EventKind{oidc.UserLoaded, oidc.UserUnloaded, oidc.SilentRenewError, oidc.AccessTokenExpired, oidc.UserSignedOut} {
		um.Add(k, func(ev oidc.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, ev.Kind)
			if ev.Err != nil {
				r.errs = append(r.errs, ev.Err)
			}
			if ev.User != nil {
				r.loaded = append(r.loaded, ev.User)
			}
		})
	}
	return r
}

func (r *recorder) Kinds() []oidc.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]oidc.EventKind(nil), r.kinds...)
}

func (r *recorder) count(kind oidc.EventKind) int {
	n := 0
	for _, k := range r.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type ManagerPublicTestSuite struct {
	suite.Suite
	ctx      context.Context
	idp      *oidctest.Server
	store    *credstore.Memory
	settings oidc.Settings
}

func (s *ManagerPublicTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.idp = oidctest.NewServer()
	s.store = credstore.NewMemory()
	s.settings = oidc.Settings{
		Authority:             s.idp.Issuer(),
		ClientID:              oidctest.ClientID,
		RedirectURI:           "https://console.test/auth/callback",
		PostLogoutRedirectURI: "https://console.test/login",
	}
}

func (s *ManagerPublicTestSuite) TearDownTest() {
	s.idp.Close()
}

func (s *ManagerPublicTestSuite) provider() *oidc.Provider {
	return oidc.NewProvider(s.settings, s.store, nil)
}

func (s *ManagerPublicTestSuite) signIn(um *oidc.UserManager, returnTo string) string {
	authURL, err := um.SigninRedirect(s.ctx, returnTo)
	s.Require().NoError(err)
	code, state := s.idp.Authorize(authURL)
	got, err := um.SigninRedirectCallback(s.ctx, code, state)
	s.Require().NoError(err)
	return got
}

func (s *ManagerPublicTestSuite) TestSigninRedirectURL() {
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()

	authURL, err := um.SigninRedirect(s.ctx, "/models")
	s.Require().NoError(err)

	u, err := url.Parse(authURL)
	s.Require().NoError(err)
	q := u.Query()
	s.Equal(s.idp.Issuer()+"/authorize", u.Scheme+"://"+u.Host+u.Path)
	s.Equal("code", q.Get("response_type"))
	s.Equal(oidctest.ClientID, q.Get("client_id"))
	s.Equal("openid profile email", q.Get("scope"))
	s.Equal("S256", q.Get("code_challenge_method"))
	s.NotEmpty(q.Get("code_challenge"))
	s.NotEmpty(q.Get("state"))
	s.NotEmpty(q.Get("nonce"))
}

func (s *ManagerPublicTestSuite) TestLoginRoundTrip() {
	s.idp.SetPermissions("model:list", "recommendation:promote")
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()
	rec := record(um)

	s.Equal("/models", s.signIn(um, "/models"))
	um.Drain()

	s.Equal([]oidc.EventKind{oidc.UserLoaded}, rec.Kinds())
	u, err := um.GetUser(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(u)
	s.Equal("operator-1", u.Profile.Subject)
	s.Equal("operator-1@example.test", u.Profile.Email)
	s.Equal("op-session-1", u.SID)
	s.False(u.Expired(time.Now()))
	s.Equal([]string{"model:list", "recommendation:promote"}, permissions.Extract(u.AccessToken).Sorted())
}

func (s *ManagerPublicTestSuite) TestCallbackRejectsBadState() {
	p := s.provider()
	um := p.NewUserManager("sess-1")
	defer um.Close()
	other := p.NewUserManager("sess-2")
	defer other.Close()

	authURL, err := um.SigninRedirect(s.ctx, "/")
	s.Require().NoError(err)
	code, state := s.idp.Authorize(authURL)

	tests := []struct {
		name  string
		um    *oidc.UserManager
		code  string
		state string
	}{
		{name: "empty", um: um},
		{name: "unknown state", um: um, code: code, state: "nope"},
		{name: "other browser session", um: other, code: code, state: state},
		{name: "state already used", um: um, code: code, state: state},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := tt.um.SigninRedirectCallback(s.ctx, tt.code, tt.state)
			s.ErrorIs(err, oidc.ErrInvalidState)
		})
	}
}

func (s *ManagerPublicTestSuite) TestSigninSilent() {
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()

	_, err := um.SigninSilent(s.ctx)
	s.ErrorIs(err, oidc.ErrNoUser)

	s.signIn(um, "/")
	before, err := um.GetUser(s.ctx)
	s.Require().NoError(err)

	s.idp.SetPermissions("model:get")
	renewed, err := um.SigninSilent(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(before.AccessToken, renewed.AccessToken)
	s.Equal(before.Profile.Subject, renewed.Profile.Subject)
	s.True(permissions.Extract(renewed.AccessToken).Has("model:get"))

	s.idp.FailRefresh(true)
	_, err = um.SigninSilent(s.ctx)
	s.Error(err)
}

func (s *ManagerPublicTestSuite) TestAccessTokenExpiredIsRaised() {
	s.idp.SetExpiresIn(time.Second)
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()
	rec := record(um)

	s.signIn(um, "/")

	s.Eventually(func() bool { return rec.count(oidc.AccessTokenExpired) == 1 }, 5*time.Second, 20*time.Millisecond)
	s.Zero(s.idp.Refreshes())
}

func (s *ManagerPublicTestSuite) TestAutomaticSilentRenew() {
	s.settings.AutomaticSilentRenew = true
	s.settings.ExpiringNotification = 90 * time.Minute
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()
	rec := record(um)

	s.signIn(um, "/")

	s.Eventually(func() bool { return rec.count(oidc.UserLoaded) >= 2 }, 5*time.Second, 20*time.Millisecond)
	s.GreaterOrEqual(s.idp.Refreshes(), 1)
}

func (s *ManagerPublicTestSuite) TestAutomaticSilentRenewFailure() {
	s.settings.AutomaticSilentRenew = true
	s.settings.ExpiringNotification = 90 * time.Minute
	s.idp.FailRefresh(true)
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()
	rec := record(um)

	s.signIn(um, "/")

	s.Eventually(func() bool { return rec.count(oidc.SilentRenewError) >= 1 }, 5*time.Second, 20*time.Millisecond)
}

func (s *ManagerPublicTestSuite) TestSignoutRedirect() {
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()
	rec := record(um)
	s.signIn(um, "/")
	u, err := um.GetUser(s.ctx)
	s.Require().NoError(err)

	target, err := um.SignoutRedirect(s.ctx)
	s.Require().NoError(err)
	um.Drain()

	parsed, err := url.Parse(target)
	s.Require().NoError(err)
	s.True(strings.HasPrefix(target, s.idp.Issuer()+"/logout?"))
	s.Equal(u.IDToken, parsed.Query().Get("id_token_hint"))
	s.Equal(s.settings.PostLogoutRedirectURI, parsed.Query().Get("post_logout_redirect_uri"))
	s.Equal(oidctest.ClientID, parsed.Query().Get("client_id"))

	gone, err := um.GetUser(s.ctx)
	s.NoError(err)
	s.Nil(gone)
	s.Equal([]oidc.EventKind{oidc.UserLoaded, oidc.UserUnloaded}, rec.Kinds())
}

func (s *ManagerPublicTestSuite) TestSignoutWithoutEndSessionEndpoint() {
	s.idp.DisableEndSession()
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()

	target, err := um.SignoutRedirect(s.ctx)
	s.Require().NoError(err)
	s.Equal(s.settings.PostLogoutRedirectURI, target)
}

func (s *ManagerPublicTestSuite) TestUnreachableProvider() {
	s.settings.Authority = "http://127.0.0.1:1"
	um := s.provider().NewUserManager("sess-1")
	defer um.Close()

	_, err := um.SigninRedirect(s.ctx, "/")
	s.ErrorIs(err, oidc.ErrDiscovery)
	_, err = um.SignoutRedirect(s.ctx)
	s.ErrorIs(err, oidc.ErrDiscovery)
}

func (s *ManagerPublicTestSuite) TestSlowDiscoveryDoesNotBlockSessions() {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		http.NotFound(w, r)
	}))
	defer slow.Close()
	defer close(release)

	s.settings.Authority = slow.URL
	s.settings.DiscoveryTimeout = time.Minute
	p := s.provider()

	go func() { _ = p.Discover(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	um := p.NewUserManager("sess-1")
	defer um.Close()
	s.Less(time.Since(start), 100*time.Millisecond)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := um.SigninRedirect(ctx, "/")
	s.ErrorIs(err, oidc.ErrDiscovery)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *ManagerPublicTestSuite) TestDiscoveryIsBounded() {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer slow.Close()
	defer close(release)

	s.settings.Authority = slow.URL
	s.settings.DiscoveryTimeout = 30 * time.Millisecond

	start := time.Now()
	err := s.provider().Discover(context.Background())
	s.ErrorIs(err, oidc.ErrDiscovery)
	s.Less(time.Since(start), 2*time.Second)
}

func (s *ManagerPublicTestSuite) TestCredentialSurvivesManagerRestart() {
	p := s.provider()
	first := p.NewUserManager("sess-1")
	s.signIn(first, "/")
	first.Close()

	second := p.NewUserManager("sess-1")
	defer second.Close()
	u, err := second.GetUser(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(u)
	s.Equal("operator-1", u.Profile.Subject)
}

func (s *ManagerPublicTestSuite) TestTransferUser() {
	p := s.provider()
	from := p.NewUserManager("sess-1")
	defer from.Close()
	rec := record(from)
	s.signIn(from, "/")

	s.Require().NoError(from.TransferUser(s.ctx, "sess-2"))
	from.Drain()

	u, err := from.GetUser(s.ctx)
	s.NoError(err)
	s.Nil(u)
	s.Equal([]oidc.EventKind{oidc.UserLoaded}, rec.Kinds())

	to := p.NewUserManager("sess-2")
	defer to.Close()
	u, err = to.GetUser(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(u)
	s.Equal("operator-1", u.Profile.Subject)

	s.ErrorIs(from.TransferUser(s.ctx, "sess-3"), oidc.ErrNoUser)
}

func (s *ManagerPublicTestSuite) TestBackchannelLogout() {
	p := s.provider()
	alice := p.NewUserManager("sess-a")
	defer alice.Close()
	bob := p.NewUserManager("sess-b")
	defer bob.Close()

	s.idp.SetSubject("alice", "sid-a")
	s.signIn(alice, "/")
	s.idp.SetSubject("bob", "sid-b")
	s.signIn(bob, "/")
	alice.Drain()
	bob.Drain()
	aliceEvents, bobEvents := record(alice), record(bob)

	n, err := p.BackchannelLogout(s.ctx, s.idp.LogoutToken("sid-a", ""))
	s.Require().NoError(err)
	s.Equal(1, n)

	n, err = p.BackchannelLogout(s.ctx, s.idp.LogoutToken("", "bob"))
	s.Require().NoError(err)
	s.Equal(1, n)

	alice.Drain()
	bob.Drain()
	s.Equal([]oidc.EventKind{oidc.UserSignedOut}, aliceEvents.Kinds())
	s.Equal([]oidc.EventKind{oidc.UserSignedOut}, bobEvents.Kinds())

	_, err = p.BackchannelLogout(s.ctx, s.idp.AccessToken("model:list"))
	s.ErrorIs(err, oidc.ErrInvalidLogoutToken)
	_, err = p.BackchannelLogout(s.ctx, "not-a-jwt")
	s.ErrorIs(err, oidc.ErrInvalidLogoutToken)
}

func TestManagerPublicTestSuite(t *testing.T) {
	suite.Run(t, new(ManagerPublicTestSuite))
}
