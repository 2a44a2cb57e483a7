// Package console is the HTTP surface of the admin console: sign-in and
// sign-out, the session view and its push channel, the guarded pages and the
// permission-gated proxies to the rtl433dp backend.
package console

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/api"
	"github.com/milan604/rtl433dp-console/pkg/audit"
	"github.com/milan604/rtl433dp-console/pkg/guard"
	"github.com/milan604/rtl433dp-console/pkg/logger"
	"github.com/milan604/rtl433dp-console/pkg/observability"
	"github.com/milan604/rtl433dp-console/pkg/permissions"
	"github.com/milan604/rtl433dp-console/pkg/server/middleware"
	"github.com/milan604/rtl433dp-console/pkg/session"
)

// BackchannelLogout validates a provider logout token and signs out the
// sessions it names.
type BackchannelLogout interface {
	BackchannelLogout(ctx context.Context, rawToken string) (int, error)
}

// Options wires a Console.
type Options struct {
	Sessions    *session.Manager
	Backend     *api.Backend
	Backchannel BackchannelLogout
	Audit       audit.Publisher
	Metrics     *session.Metrics
	Logger      logger.LogManager

	CookieName   string
	CookieSecure bool
	// UIDir holds the built single page app. Pages answer with a JSON
	// descriptor when it is empty.
	UIDir string
	// AllowedOrigins may open the session event socket besides the console's own origin.
	AllowedOrigins []string

	Guard       guard.Options
	Menu        guard.Menu
	Catalog     *permissions.Catalog
	AuthLimiter *middleware.RateLimiter
	Tracing     observability.Tracing
}

// Console serves the routes registered by Register.
type Console struct {
	sessions    *session.Manager
	backend     *api.Backend
	backchannel BackchannelLogout
	audit       audit.Publisher
	metrics     *session.Metrics
	log         logger.LogManager

	cookieName   string
	cookieSecure bool
	uiDir        string
	origins      []string

	guard   guard.Options
	menu    guard.Menu
	catalog *permissions.Catalog
	limiter *middleware.RateLimiter
	tracing observability.Tracing

	pingInterval time.Duration
}

func New(opts Options) *Console {
	if opts.CookieName == "" {
		opts.CookieName = "rtl433dp_session"
	}
	if opts.Guard.LoginPath == "" {
		opts.Guard.LoginPath = "/login"
	}
	if opts.Guard.LandingPath == "" {
		opts.Guard.LandingPath = "/known-devices"
	}
	if opts.Menu == nil {
		opts.Menu = guard.DefaultMenu()
	}
	if opts.Catalog == nil {
		opts.Catalog = permissions.DefaultCatalog()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewLogPublisher(opts.Logger)
	}
	return &Console{
		sessions:     opts.Sessions,
		backend:      opts.Backend,
		backchannel:  opts.Backchannel,
		audit:        opts.Audit,
		metrics:      opts.Metrics,
		log:          logger.OrNop(opts.Logger),
		cookieName:   opts.CookieName,
		cookieSecure: opts.CookieSecure,
		uiDir:        opts.UIDir,
		origins:      opts.AllowedOrigins,
		guard:        opts.Guard,
		menu:         opts.Menu,
		catalog:      opts.Catalog,
		limiter:      opts.AuthLimiter,
		tracing:      opts.Tracing,
		pingInterval: 30 * time.Second,
	}
}

// Register mounts every console route on r.
func (cs *Console) Register(r *gin.Engine) {
	r.GET("/healthz", cs.healthz)
	r.GET("/version", cs.version)
	r.POST("/auth/backchannel-logout", cs.rateLimited(), cs.backchannelLogout)

	s := r.Group("", cs.resolveSession())
	s.GET("/login", cs.loginPage)
	s.GET("/session", cs.sessionView)
	s.GET("/session/menu", cs.sessionMenu)
	s.GET("/session/events", cs.sessionEvents)

	auth := s.Group("/auth", cs.rateLimited())
	auth.GET("/login", cs.traced("auth.login", cs.login))
	auth.GET("/callback", cs.traced("auth.callback", cs.callback))
	auth.POST("/logout", cs.traced("auth.logout", cs.logout))

	cs.registerPages(s.Group("", guard.RequireAuth(cs.guard)))
	cs.registerAPI(s.Group("/api/v1", guard.RequireAuth(cs.guard)))

	r.NoRoute(cs.notFound)
}

// resolveSession attaches the browser session named by the session cookie,
// creating one on first contact.
func (cs *Console) resolveSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := c.Cookie(cs.cookieName)
		sess, created := cs.sessions.Resolve(c.Request.Context(), id)
		if created {
			cs.setCookie(c, sess.ID)
		}
		cs.attach(c, sess)
		c.Next()
	}
}

// attach makes sess the request's session: guards, log fields and the
// backend binding all follow it.
func (cs *Console) attach(c *gin.Context, sess *session.Session) {
	guard.Attach(c, sess)

	ctx := logger.WithSessionID(c.Request.Context(), sess.ID)
	ctx = api.WithSession(ctx, api.BindStore(sess.Store, cs.metrics))
	c.Request = c.Request.WithContext(ctx)
	observability.AddSpanAttributes(ctx,
		observability.AttrSessionID.String(logger.SessionIDFrom(ctx)),
		observability.AttrAuthenticated.Bool(sess.Store.Snapshot().IsAuthenticated),
	)
}

// setCookie has no Max-Age so the cookie ends with the browser session.
func (cs *Console) setCookie(c *gin.Context, id string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     cs.cookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   cs.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (cs *Console) rateLimited() gin.HandlerFunc {
	if cs.limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return cs.limiter.Middleware()
}

func (cs *Console) traced(name string, h gin.HandlerFunc) gin.HandlerFunc {
	if cs.tracing == nil {
		return h
	}
	return observability.TraceStep(cs.tracing, name, h)
}

// record publishes an audit event for the request's session.
func (cs *Console) record(c *gin.Context, ev audit.Event) {
	audit.Record(c.Request.Context(), cs.audit, cs.log, ev)
	observability.AddSpanEvent(c.Request.Context(), "audit", observability.AttrAuditEvent.String(string(ev.Type)))
}

func mustSession(c *gin.Context) *session.Session {
	sess, ok := guard.Current(c)
	if !ok {
		panic("console: route registered without session resolution")
	}
	return sess
}
