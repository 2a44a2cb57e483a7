package console_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/milan604/rtl433dp-console/pkg/api"
	"github.com/milan604/rtl433dp-console/pkg/audit"
	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/auth/oidc/oidctest"
	"github.com/milan604/rtl433dp-console/pkg/console"
	"github.com/milan604/rtl433dp-console/pkg/credstore"
	"github.com/milan604/rtl433dp-console/pkg/permissions"
	"github.com/milan604/rtl433dp-console/pkg/server"
	"github.com/milan604/rtl433dp-console/pkg/session"
)

type envelope struct {
	Content  json.RawMessage `json:"content"`
	Status   string          `json:"status"`
	Messages []struct {
		Code    string            `json:"code"`
		Text    string            `json:"text"`
		Field   string            `json:"field"`
		Details map[string]string `json:"details"`
	} `json:"messages"`
}

type memoryPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *memoryPublisher) Publish(_ context.Context, ev audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *memoryPublisher) Close() error { return nil }

func (p *memoryPublisher) types() []audit.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audit.Type, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func (p *memoryPublisher) last(t audit.Type) (audit.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Type == t {
			return p.events[i], true
		}
	}
	return audit.Event{}, false
}

type ConsolePublicTestSuite struct {
	suite.Suite

	idp     *oidctest.Server
	backend *httptest.Server
	srv     *httptest.Server
	client  *http.Client
	manager *session.Manager
	audit   *memoryPublisher

	mu          sync.Mutex
	backendAuth []string
	forceStatus int
	promoted    []string
}

func (s *ConsolePublicTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.backendAuth, s.forceStatus, s.promoted = nil, 0, nil

	s.idp = oidctest.NewServer()
	s.backend = httptest.NewServer(http.HandlerFunc(s.serveBackend))
	s.audit = &memoryPublisher{}

	provider := oidc.NewProvider(oidc.Settings{
		Authority:             s.idp.Issuer(),
		ClientID:              oidctest.ClientID,
		RedirectURI:           "http://console.test/auth/callback",
		PostLogoutRedirectURI: "http://console.test/login",
	}, credstore.NewMemory(), nil)

	reg := prometheus.NewRegistry()
	metrics := session.NewMetrics(reg)
	s.manager = session.NewManager(
		func(id string) session.Adapter { return provider.NewUserManager(id) },
		session.ManagerOptions{
			Listeners: []session.HardLogoutListener{audit.HardLogoutListener(s.audit)},
			Metrics:   metrics,
		},
	)

	backend, err := api.NewBackend(s.backend.URL, api.NewClient(api.WithRetry(1, 0)))
	s.Require().NoError(err)

	engine := server.NewEngine(server.WithPrometheus(reg), server.WithRecovery(true))
	console.New(console.Options{
		Sessions:    s.manager,
		Backend:     backend,
		Backchannel: provider,
		Audit:       s.audit,
		Metrics:     metrics,
	}).Register(engine)
	s.srv = httptest.NewServer(engine)

	jar, err := cookiejar.New(nil)
	s.Require().NoError(err)
	s.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *ConsolePublicTestSuite) TearDownTest() {
	s.srv.Close()
	s.manager.Shutdown()
	s.backend.Close()
	s.idp.Close()
}

func (s *ConsolePublicTestSuite) serveBackend(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.backendAuth = append(s.backendAuth, r.Header.Get("Authorization"))
	status := s.forceStatus
	promoted := slices.Clone(s.promoted)
	s.mu.Unlock()

	reply := func(code int, content any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content":   content,
			"status":    "OK",
			"timestamp": time.Now().UTC(),
			"messages":  []string{},
		})
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	switch r.Method + " " + r.URL.Path {
	case "GET /v1/models":
		reply(http.StatusOK, []map[string]any{{"model": "Acurite-Tower", "fingerprint": "fp-1"}})
	case "GET /v1/known-devices":
		reply(http.StatusOK, []map[string]any{
			{"fingerprint": "fp-1", "name": "Porch", "time": "2026-03-01T10:00:00Z"},
			{"fingerprint": "fp-1", "name": "Porch sensor", "time": "2026-03-01T11:00:00Z"},
		})
	case "GET /v1/recommendations":
		recs := []map[string]any{}
		for _, fp := range []string{"fp-7", "fp-8"} {
			if !slices.Contains(promoted, fp) {
				recs = append(recs, map[string]any{"deviceFingerprint": fp, "model": "Acurite-Tower", "weight": "0.9"})
			}
		}
		reply(http.StatusOK, recs)
	case "POST /v1/recommendations/promote":
		var req api.PromoteRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.promoted = append(s.promoted, req.DeviceFingerprint)
		s.mu.Unlock()
		reply(http.StatusCreated, map[string]any{"fingerprint": req.DeviceFingerprint, "name": req.Name})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *ConsolePublicTestSuite) do(method, path string, body io.Reader, header ...string) *http.Response {
	req, err := http.NewRequest(method, s.srv.URL+path, body)
	s.Require().NoError(err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	s.T().Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *ConsolePublicTestSuite) get(path string, header ...string) *http.Response {
	return s.do(http.MethodGet, path, nil, header...)
}

func (s *ConsolePublicTestSuite) page(path string) *http.Response {
	return s.get(path, "Accept", "text/html")
}

func (s *ConsolePublicTestSuite) decode(resp *http.Response) envelope {
	var env envelope
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func (s *ConsolePublicTestSuite) view() session.View {
	var v session.View
	s.Require().NoError(json.Unmarshal(s.decode(s.get("/session")).Content, &v))
	return v
}

// signIn runs the whole code flow for an operator holding perms.
func (s *ConsolePublicTestSuite) signIn(returnTo string, perms ...string) *http.Response {
	s.idp.SetPermissions(perms...)
	start := s.get("/auth/login?returnTo=" + url.QueryEscape(returnTo))
	s.Require().Equal(http.StatusFound, start.StatusCode)
	s.Require().True(strings.HasPrefix(start.Header.Get("Location"), s.idp.URL+"/authorize"))

	code, state := s.idp.Authorize(start.Header.Get("Location"))
	return s.get("/auth/callback?" + url.Values{"code": {code}, "state": {state}}.Encode())
}

func (s *ConsolePublicTestSuite) backendCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.backendAuth)
}

func (s *ConsolePublicTestSuite) TestFirstContactSetsSessionCookie() {
	resp := s.get("/session")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("no-store", resp.Header.Get("Cache-Control"))

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "rtl433dp_session" {
			cookie = c
		}
	}
	s.Require().NotNil(cookie)
	s.True(cookie.HttpOnly)
	s.Zero(cookie.MaxAge)
	s.True(cookie.Expires.IsZero())

	v := s.view()
	s.False(v.IsLoading)
	s.False(v.IsAuthenticated)
	s.Nil(v.Profile)
	s.Empty(v.Permissions)
	s.Equal(1, s.manager.Len())
}

func (s *ConsolePublicTestSuite) TestHealthAndVersion() {
	for _, path := range []string{"/healthz", "/version", "/metrics"} {
		s.Run(path, func() {
			s.Equal(http.StatusOK, s.get(path).StatusCode)
		})
	}
}

func (s *ConsolePublicTestSuite) TestSignedOutRequests() {
	tests := []struct {
		name     string
		path     string
		accept   string
		status   int
		location string
	}{
		{"page goes to login with return path", "/models?q=tower", "text/html", http.StatusFound, "/login?returnTo=%2Fmodels%3Fq%3Dtower"},
		{"root goes to login", "/", "text/html", http.StatusFound, "/login?returnTo=%2F"},
		{"api gets 401", "/api/v1/models", "application/json", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.get(tt.path, "Accept", tt.accept)
			s.Equal(tt.status, resp.StatusCode)
			if tt.location != "" {
				s.Equal(tt.location, resp.Header.Get("Location"))
				return
			}
			env := s.decode(resp)
			s.Require().NotEmpty(env.Messages)
			s.Equal("unauthorized", env.Messages[0].Code)
			s.NotEmpty(env.Messages[0].Details["location"])
		})
	}
	s.Empty(s.backendCalls())
}

func (s *ConsolePublicTestSuite) TestLoginPage() {
	resp := s.get("/login?returnTo=/recommendations&error=callback")
	s.Equal(http.StatusOK, resp.StatusCode)

	var d struct {
		Page     string `json:"page"`
		Error    string `json:"error"`
		LoginURL string `json:"loginUrl"`
	}
	s.Require().NoError(json.Unmarshal(s.decode(resp).Content, &d))
	s.Equal("login", d.Page)
	s.Equal("callback", d.Error)
	s.Equal("/auth/login?returnTo=%2Frecommendations", d.LoginURL)
}

func (s *ConsolePublicTestSuite) TestSignIn() {
	resp := s.signIn("/models", permissions.ModelList)
	s.Equal(http.StatusFound, resp.StatusCode)
	s.Equal("/models", resp.Header.Get("Location"))

	v := s.view()
	s.True(v.IsAuthenticated)
	s.False(v.IsLoading)
	s.Require().NotNil(v.Profile)
	s.Equal("operator-1", v.Profile.Subject)
	s.Equal([]string{permissions.ModelList}, v.Permissions)

	var menu []struct {
		ID string `json:"id"`
	}
	s.Require().NoError(json.Unmarshal(s.decode(s.get("/session/menu")).Content, &menu))
	ids := make([]string, 0, len(menu))
	for _, e := range menu {
		ids = append(ids, e.ID)
	}
	s.Equal([]string{"models", "known-devices", "profile"}, ids)

	s.Equal([]audit.Type{audit.LoginStarted, audit.LoginCompleted}, s.audit.types())
	ev, _ := s.audit.last(audit.LoginCompleted)
	s.Equal("operator-1", ev.Subject)
	s.NotEmpty(ev.SessionID)
	s.NotEqual(s.client.Jar.Cookies(mustURL(s.srv.URL))[0].Value, ev.SessionID)

	again := s.page("/login")
	s.Equal(http.StatusFound, again.StatusCode)
	s.Equal("/known-devices", again.Header.Get("Location"))
}

func (s *ConsolePublicTestSuite) TestSignInRotatesSessionCookie() {
	s.get("/session")
	before := s.client.Jar.Cookies(mustURL(s.srv.URL))[0].Value

	resp := s.signIn("/models", permissions.ModelList)
	s.Equal(http.StatusFound, resp.StatusCode)
	after := s.client.Jar.Cookies(mustURL(s.srv.URL))[0].Value
	s.NotEqual(before, after)
	s.True(s.view().IsAuthenticated)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/session", nil)
	s.Require().NoError(err)
	req.AddCookie(&http.Cookie{Name: "rtl433dp_session", Value: before})
	stale, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer stale.Body.Close()

	var v session.View
	s.Require().NoError(json.Unmarshal(s.decode(stale).Content, &v))
	s.False(v.IsAuthenticated)
}

func (s *ConsolePublicTestSuite) TestSignInToRootLandsOnKnownDevices() {
	resp := s.signIn("/", permissions.ModelList)
	s.Equal("/known-devices", resp.Header.Get("Location"))

	root := s.page("/")
	s.Equal(http.StatusFound, root.StatusCode)
	s.Equal("/known-devices", root.Header.Get("Location"))
}

func (s *ConsolePublicTestSuite) TestCallbackFailures() {
	tests := []struct {
		name  string
		query string
	}{
		{"unknown state", "code=abc&state=forged"},
		{"provider error", "error=access_denied&error_description=nope"},
		{"missing code", ""},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.get("/auth/callback?" + tt.query)
			s.Equal(http.StatusFound, resp.StatusCode)
			s.Equal("/login?error=callback", resp.Header.Get("Location"))
			s.False(s.view().IsAuthenticated)
		})
	}
	s.Equal([]audit.Type{audit.LoginFailed, audit.LoginFailed, audit.LoginFailed}, s.audit.types())
}

func (s *ConsolePublicTestSuite) TestPermissionGates() {
	s.signIn("/models", permissions.ModelList)

	tests := []struct {
		name     string
		path     string
		accept   string
		status   int
		location string
	}{
		{"permitted page", "/models", "text/html", http.StatusOK, ""},
		{"auth only page", "/known-devices", "text/html", http.StatusOK, ""},
		{"missing permission page falls back", "/recommendations", "text/html", http.StatusFound, "/known-devices"},
		{"permitted api", "/api/v1/models", "application/json", http.StatusOK, ""},
		{"missing permission api", "/api/v1/recommendations", "application/json", http.StatusForbidden, ""},
		{"missing permission details", "/api/v1/models/Acurite-Tower/fp-1", "application/json", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.get(tt.path, "Accept", tt.accept)
			s.Equal(tt.status, resp.StatusCode)
			s.Equal(tt.location, resp.Header.Get("Location"))
		})
	}

	calls := s.backendCalls()
	s.Require().Len(calls, 1)
	s.True(strings.HasPrefix(calls[0], "Bearer ey"))
}

func (s *ConsolePublicTestSuite) TestProfilePageDescribesPermissions() {
	s.signIn("/profile", permissions.ModelList, "custom:thing")

	var d struct {
		Page        string                   `json:"page"`
		Profile     *session.Profile         `json:"profile"`
		Permissions []permissions.Definition `json:"permissions"`
	}
	s.Require().NoError(json.Unmarshal(s.decode(s.page("/profile")).Content, &d))
	s.Equal("profile", d.Page)
	s.Require().NotNil(d.Profile)
	s.Equal("operator-1", d.Profile.Subject)
	s.Equal([]permissions.Definition{
		{Name: "custom:thing"},
		{Name: permissions.ModelList, Resource: "model", Description: "Browse the model catalog"},
	}, d.Permissions)
}

func (s *ConsolePublicTestSuite) TestBackend401ClearsSession() {
	s.signIn("/models", permissions.ModelList)
	s.mu.Lock()
	s.forceStatus = http.StatusUnauthorized
	s.mu.Unlock()

	resp := s.get("/api/v1/models", "Referer", s.srv.URL+"/models")
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	env := s.decode(resp)
	s.Require().NotEmpty(env.Messages)
	s.Equal("/login?returnTo=%2Fmodels", env.Messages[0].Details["location"])
	s.False(s.view().IsAuthenticated)

	s.mu.Lock()
	s.forceStatus = 0
	s.mu.Unlock()
	before := len(s.backendCalls())
	s.Equal(http.StatusUnauthorized, s.get("/api/v1/models").StatusCode)
	s.Len(s.backendCalls(), before)

	page := s.page("/models")
	s.Equal(http.StatusFound, page.StatusCode)
	s.Equal("/login?returnTo=%2Fmodels", page.Header.Get("Location"))
}

func (s *ConsolePublicTestSuite) TestKnownDevicesAreNormalized() {
	s.signIn("/known-devices")

	var devices []map[string]any
	s.Require().NoError(json.Unmarshal(s.decode(s.get("/api/v1/known-devices")).Content, &devices))
	s.Require().Len(devices, 1)
	s.Equal("Porch sensor", devices[0]["name"])
}

func (s *ConsolePublicTestSuite) TestPromote() {
	s.signIn("/recommendations", permissions.RecommendationList, permissions.RecommendationPromote)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"not json", "{", http.StatusBadRequest, "invalid_request"},
		{"missing fields", `{"deviceFingerprint":"fp-7","model":"Acurite-Tower"}`, http.StatusUnprocessableEntity, "validation_failed"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			resp := s.do(http.MethodPost, "/api/v1/recommendations/promote", strings.NewReader(tt.body), "Content-Type", "application/json")
			s.Equal(tt.status, resp.StatusCode)
			s.Equal(tt.code, s.decode(resp).Messages[0].Code)
		})
	}
	s.Empty(s.backendCalls())

	body := `{"deviceFingerprint":"fp-7","model":"Acurite-Tower","id":"12","name":"Garden","area":"outside","deviceType":"weather"}`
	resp := s.do(http.MethodPost, "/api/v1/recommendations/promote", strings.NewReader(body), "Content-Type", "application/json")
	s.Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		Device          map[string]any   `json:"device"`
		Recommendations []map[string]any `json:"recommendations"`
	}
	s.Require().NoError(json.Unmarshal(s.decode(resp).Content, &out))
	s.Equal("fp-7", out.Device["fingerprint"])
	s.Require().Len(out.Recommendations, 1)
	s.Equal("fp-8", out.Recommendations[0]["deviceFingerprint"])
	s.Len(s.backendCalls(), 2)
}

func (s *ConsolePublicTestSuite) TestLogout() {
	s.signIn("/models", permissions.ModelList)

	resp := s.do(http.MethodPost, "/auth/logout", nil)
	s.Equal(http.StatusSeeOther, resp.StatusCode)
	s.True(strings.HasPrefix(resp.Header.Get("Location"), s.idp.URL+"/logout?"))
	s.Contains(resp.Header.Get("Location"), "id_token_hint=")
	s.False(s.view().IsAuthenticated)

	ev, ok := s.audit.last(audit.Logout)
	s.True(ok)
	s.Equal("operator-1", ev.Subject)
	s.Empty(ev.Error)
}

func (s *ConsolePublicTestSuite) TestBackchannelLogout() {
	s.signIn("/models", permissions.ModelList)

	form := func(token string) *http.Response {
		return s.do(http.MethodPost, "/auth/backchannel-logout",
			strings.NewReader(url.Values{"logout_token": {token}}.Encode()),
			"Content-Type", "application/x-www-form-urlencoded")
	}
	s.Equal(http.StatusBadRequest, form("").StatusCode)
	s.Equal(http.StatusBadRequest, form("not.a.jwt").StatusCode)
	s.True(s.view().IsAuthenticated)

	resp := form(s.idp.LogoutToken("op-session-1", ""))
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("no-store", resp.Header.Get("Cache-Control"))

	s.Eventually(func() bool { return !s.view().IsAuthenticated }, 5*time.Second, 10*time.Millisecond)
	s.Eventually(func() bool {
		_, ok := s.audit.last(audit.HardLogout)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// the provider sign-out is handed to the next page request, once
	s.Eventually(func() bool {
		return strings.HasPrefix(s.page("/models").Header.Get("Location"), s.idp.URL+"/logout")
	}, 5*time.Second, 10*time.Millisecond)

	next := s.page("/models")
	s.Equal("/login?returnTo=%2Fmodels", next.Header.Get("Location"))
}

func (s *ConsolePublicTestSuite) TestSessionEvents() {
	s.signIn("/models", permissions.ModelList)

	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/session/events"
	header := http.Header{}
	for _, c := range s.client.Jar.Cookies(mustURL(s.srv.URL)) {
		header.Add("Cookie", c.String())
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	s.Require().NoError(err)
	defer resp.Body.Close()
	defer conn.Close()

	read := func() console.SessionEvent {
		var ev console.SessionEvent
		s.Require().NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
		s.Require().NoError(conn.ReadJSON(&ev))
		return ev
	}

	first := read()
	s.Equal(console.EventSession, first.Type)
	s.Require().NotNil(first.Session)
	s.True(first.Session.IsAuthenticated)

	s.Equal(http.StatusOK, s.do(http.MethodPost, "/auth/backchannel-logout",
		strings.NewReader(url.Values{"logout_token": {s.idp.LogoutToken("", "operator-1")}}.Encode()),
		"Content-Type", "application/x-www-form-urlencoded").StatusCode)

	var (
		sawSignedOut bool
		target       string
	)
	for target == "" {
		ev := read()
		switch ev.Type {
		case console.EventSession:
			if !ev.Session.IsAuthenticated {
				sawSignedOut = true
			}
		case console.EventNavigate:
			target = ev.URL
		}
	}
	s.True(sawSignedOut, "cleared state must be pushed before the navigation")
	s.True(strings.HasPrefix(target, s.idp.URL+"/logout"))

	page := s.page("/models")
	s.Equal("/login?returnTo=%2Fmodels", page.Header.Get("Location"))
}

func (s *ConsolePublicTestSuite) TestSessionEventsRejectsForeignOrigin() {
	s.get("/session")
	wsURL := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/session/events"
	header := http.Header{"Origin": {"https://evil.example"}}
	for _, c := range s.client.Jar.Cookies(mustURL(s.srv.URL)) {
		header.Add("Cookie", c.String())
	}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	s.Require().Error(err)
	s.Require().NotNil(resp)
	defer resp.Body.Close()
	s.Equal(http.StatusForbidden, resp.StatusCode)
}

func (s *ConsolePublicTestSuite) TestUnknownRoutes() {
	resp := s.get("/api/v1/nope", "Accept", "application/json")
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("not_found", s.decode(resp).Messages[0].Code)
}

func mustURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func TestConsolePublicTestSuite(t *testing.T) {
	suite.Run(t, new(ConsolePublicTestSuite))
}
