package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/session"
)

type ControllerPublicTestSuite struct {
	suite.Suite
	ctx     context.Context
	adapter *fakeAdapter
	nav     *fakeNavigator
	store   *session.Store
}

func (s *ControllerPublicTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.adapter = newFakeAdapter(nil)
	s.nav = &fakeNavigator{}
	s.store = session.NewStore()
}

func (s *ControllerPublicTestSuite) start(opts ...session.ControllerOption) *session.Controller {
	c := session.NewController(s.store, s.adapter, s.nav, opts...)
	c.Start(s.ctx)
	return c
}

func (s *ControllerPublicTestSuite) count(call string) int {
	n := 0
	for _, c := range s.adapter.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (s *ControllerPublicTestSuite) TestStartProbe() {
	expired := validUser("model:list")
	expired.ExpiresAt = time.Now().Add(-time.Minute)

	tests := []struct {
		name   string
		user   *oidc.User
		err    error
		authed bool
	}{
		{name: "stored credential", user: validUser("model:list"), authed: true},
		{name: "no credential", user: nil},
		{name: "expired credential", user: expired},
		{name: "probe error", err: errors.New("store down")},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.adapter.getUser = func(context.Context) (*oidc.User, error) { return tt.user, tt.err }
			c := s.start()
			defer c.Close()

			st := c.State()
			s.False(st.IsLoading)
			s.Equal(tt.authed, st.IsAuthenticated)
			if tt.authed {
				s.True(c.HasPermission("model:list"))
				s.Equal(tt.user.AccessToken, c.AccessToken())
				s.Equal("operator-1", st.Profile.Subject)
			} else {
				s.Empty(c.AccessToken())
				s.Empty(st.Permissions)
			}
		})
	}
}

func (s *ControllerPublicTestSuite) TestProbeLosesToLifecycleEvent() {
	tests := []struct {
		name   string
		during oidc.Event
		probe  *oidc.User
		authed bool
	}{
		{
			name:   "user loaded while probe finds nothing",
			during: oidc.Event{Kind: oidc.UserLoaded, User: validUser("recommendation:list")},
			authed: true,
		},
		{
			name:   "user unloaded while probe finds a credential",
			during: oidc.Event{Kind: oidc.UserUnloaded},
			probe:  validUser("model:list"),
			authed: false,
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.adapter.getUser = func(context.Context) (*oidc.User, error) {
				s.adapter.fire(tt.during)
				return tt.probe, nil
			}
			c := s.start()
			defer c.Close()

			st := c.State()
			s.False(st.IsLoading)
			s.Equal(tt.authed, st.IsAuthenticated)
			if tt.authed {
				s.True(c.HasPermission("recommendation:list"))
			}
		})
	}
}

func (s *ControllerPublicTestSuite) TestHardLogoutOrder() {
	s.adapter.user = validUser("model:list")

	var atListener, atSignout, atNavigate session.State
	s.adapter.onSignout = func() { atSignout = s.store.Snapshot() }
	s.nav.onNav = func() { atNavigate = s.store.Snapshot() }
	listener := session.HardLogoutFunc(func(_ context.Context, reason string, cause error) error {
		atListener = s.store.Snapshot()
		s.Equal(session.ReasonSilentRenewFailed, reason)
		s.EqualError(cause, "refresh rejected")
		return nil
	})

	c := s.start(session.WithHardLogoutListeners(listener))
	defer c.Close()
	s.True(c.State().IsAuthenticated)

	s.adapter.fire(oidc.Event{Kind: oidc.SilentRenewError, Err: errors.New("refresh rejected")})

	for _, st := range []session.State{atListener, atSignout, atNavigate} {
		s.False(st.IsAuthenticated)
		s.Empty(st.AccessToken)
		s.Nil(st.Profile)
		s.Empty(st.Permissions)
	}
	s.Equal([]string{"GetUser", "RemoveUser", "SignoutRedirect"}, s.adapter.Calls())
	s.Equal([]string{"https://idp.test/logout"}, s.nav.Targets())
}

func (s *ControllerPublicTestSuite) TestHardLogoutSurvivesFailures() {
	s.adapter.user = validUser("model:list")
	s.adapter.removeErr = errors.New("store down")
	s.adapter.signoutErr = errors.New("provider down")

	reg := prometheus.NewRegistry()
	metrics := session.NewMetrics(reg)

	var ran []string
	c := s.start(
		session.WithLoginPath("/login"),
		session.WithMetrics(metrics),
		session.WithHardLogoutListeners(
			session.HardLogoutFunc(func(context.Context, string, error) error {
				ran = append(ran, "panics")
				panic("boom")
			}),
			session.HardLogoutFunc(func(context.Context, string, error) error {
				ran = append(ran, "fails")
				return errors.New("audit down")
			}),
			session.HardLogoutFunc(func(context.Context, string, error) error {
				ran = append(ran, "ok")
				return nil
			}),
		),
	)
	defer c.Close()

	s.adapter.fire(oidc.Event{Kind: oidc.UserSignedOut})

	s.Equal([]string{"panics", "fails", "ok"}, ran)
	s.False(c.State().IsAuthenticated)
	s.Equal(1, s.count("RemoveUser"))
	s.Equal(1, s.count("SignoutRedirect"))
	s.Equal([]string{"/login"}, s.nav.Targets())
	n, err := testutil.GatherAndCount(reg, "console_hard_logouts_total")
	s.Require().NoError(err)
	s.Equal(1, n)
}

func (s *ControllerPublicTestSuite) TestAccessTokenExpired() {
	tests := []struct {
		name      string
		silentErr error
		authed    bool
		navigated bool
	}{
		{name: "renew succeeds", authed: true},
		{name: "renew fails", silentErr: errors.New("invalid_grant"), navigated: true},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.adapter.user = validUser("model:list")
			s.adapter.silentUser = validUser("recommendation:list")
			s.adapter.silentErr = tt.silentErr
			c := s.start()
			defer c.Close()

			s.adapter.fire(oidc.Event{Kind: oidc.AccessTokenExpired})

			s.Equal(1, s.count("SigninSilent"))
			s.Equal(tt.authed, c.State().IsAuthenticated)
			if tt.authed {
				s.True(c.HasPermission("recommendation:list"))
				s.False(c.HasPermission("model:list"))
				s.Empty(s.nav.Targets())
				s.Zero(s.count("RemoveUser"))
			}
			if tt.navigated {
				s.Equal(1, s.count("RemoveUser"))
				s.Len(s.nav.Targets(), 1)
			}
		})
	}
}

func (s *ControllerPublicTestSuite) TestHardLogoutStepsHaveTheirOwnBudget() {
	s.adapter.user = validUser("model:list")
	s.adapter.blockSilent = true

	var listenerErr error
	slow := session.HardLogoutFunc(func(ctx context.Context, _ string, _ error) error {
		<-ctx.Done()
		listenerErr = ctx.Err()
		return listenerErr
	})
	c := s.start(
		session.WithTimeouts(20*time.Millisecond, 50*time.Millisecond),
		session.WithHardLogoutListeners(slow),
	)
	defer c.Close()

	s.adapter.fire(oidc.Event{Kind: oidc.AccessTokenExpired})

	s.ErrorIs(listenerErr, context.DeadlineExceeded)
	s.Equal(1, s.count("RemoveUser"))
	s.NoError(s.adapter.removeCtxErr)
	s.NoError(s.adapter.signoutCtxErr)
	s.Nil(s.adapter.user)
	s.False(c.State().IsAuthenticated)
	s.Equal([]string{"https://idp.test/logout"}, s.nav.Targets())
}

func (s *ControllerPublicTestSuite) TestLogin() {
	c := s.start()
	defer c.Close()

	target, err := c.Login(s.ctx, "/models")
	s.Require().NoError(err)
	s.Equal("https://idp.test/authorize?state=s1", target)
	s.Contains(s.adapter.Calls(), "SigninRedirect:/models")
	s.False(c.State().IsLoading)
}

func (s *ControllerPublicTestSuite) TestLoginFailureLeavesStateAlone() {
	s.adapter.user = validUser("model:list")
	s.adapter.signinErr = errors.New("discovery failed")
	c := s.start()
	defer c.Close()

	_, err := c.Login(s.ctx, "/models")
	s.Require().Error(err)
	s.True(apperr.Is(err, apperr.ErrorCodeLoginFailed))
	s.ErrorContains(err, "discovery failed")

	st := c.State()
	s.False(st.IsLoading)
	s.True(st.IsAuthenticated)
}

func (s *ControllerPublicTestSuite) TestCompleteLogin() {
	c := s.start()
	defer c.Close()

	returnTo, err := c.CompleteLogin(s.ctx, "code", "state")
	s.Require().NoError(err)
	s.Equal("/models", returnTo)
	s.True(c.State().IsAuthenticated)
	s.Equal("Drain", s.adapter.Calls()[len(s.adapter.Calls())-1])

	s.SetupTest()
	s.adapter.callbackErr = oidc.ErrInvalidState
	c2 := s.start()
	defer c2.Close()
	_, err = c2.CompleteLogin(s.ctx, "code", "bogus")
	s.True(apperr.Is(err, apperr.ErrorCodeLoginFailed))
	s.ErrorIs(err, oidc.ErrInvalidState)
	s.False(c2.State().IsAuthenticated)
}

func (s *ControllerPublicTestSuite) TestLogout() {
	tests := []struct {
		name       string
		signoutErr error
		target     string
		removed    bool
	}{
		{name: "provider sign-out", target: "https://idp.test/logout"},
		{name: "provider unreachable", signoutErr: errors.New("provider down"), removed: true},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			s.adapter.user = validUser("model:list")
			s.adapter.signoutErr = tt.signoutErr
			var atSignout session.State
			s.adapter.onSignout = func() { atSignout = s.store.Snapshot() }
			c := s.start()
			defer c.Close()

			target, err := c.Logout(s.ctx)
			s.False(atSignout.IsAuthenticated)
			s.False(c.State().IsAuthenticated)
			s.False(c.State().IsLoading)
			s.Equal(tt.target, target)
			s.Equal(tt.removed, s.count("RemoveUser") == 1)
			if tt.signoutErr != nil {
				s.True(apperr.Is(err, apperr.ErrorCodeLogoutFailed))
			} else {
				s.NoError(err)
			}
		})
	}
}

func (s *ControllerPublicTestSuite) TestCloseUnregistersHandlers() {
	s.adapter.user = validUser("model:list")
	c := s.start()
	s.Positive(s.adapter.handlerCount())

	c.Close()
	c.Close()
	s.Zero(s.adapter.handlerCount())

	s.adapter.fire(oidc.Event{Kind: oidc.UserSignedOut})
	s.True(c.State().IsAuthenticated)
	s.Empty(s.nav.Targets())
}

func TestControllerPublicTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerPublicTestSuite))
}
