package guard

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/response"
)

// Options configures the guard middleware.
type Options struct {
	LoginPath   string
	LandingPath string
	// RetryAfter is how long a client should wait while the session loads.
	RetryAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.LoginPath == "" {
		o.LoginPath = "/login"
	}
	if o.LandingPath == "" {
		o.LandingPath = "/known-devices"
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = time.Second
	}
	return o
}

const loadingPage = `<!doctype html>
<html><head><meta charset="utf-8"><meta http-equiv="refresh" content="%d"><title>Loading</title></head>
<body><p>Loading session&hellip;</p></body></html>`

// RequireAuth lets a request through only for a settled, signed in session.
// A navigation left behind by a background sign-out takes precedence over the
// login redirect.
func RequireAuth(opts Options) gin.HandlerFunc {
	opts = opts.withDefaults()
	return func(c *gin.Context) {
		sess, ok := Current(c)
		if !ok {
			response.JSONError(c, apperr.New(apperr.ErrorCodeInternal).WithMessage("session not resolved"))
			return
		}

		st := sess.Store.Snapshot()
		switch Evaluate(st) {
		case Loading:
			abortLoading(c, opts.RetryAfter)
			return
		case RedirectToLogin:
			if target, pending := sess.Navigator.Take(); pending && !WantsJSON(c) {
				c.Redirect(http.StatusFound, target)
				c.Abort()
				return
			}
			location := LoginLocation(opts.LoginPath, c.Request.URL.RequestURI())
			if WantsJSON(c) {
				response.JSONError(c, apperr.New(apperr.ErrorCodeUnauthorized).WithDetail("location", location))
				return
			}
			c.Redirect(http.StatusFound, location)
			c.Abort()
			return
		}

		// signed in again, so an older sign-out target no longer applies
		sess.Navigator.Take()
		c.Next()
	}
}

// RequireAnyPermission lets a request through when the session holds at least
// one of anyOf. Page requests without it go to opts.LandingPath, JSON
// requests get 403. It must run after RequireAuth.
func RequireAnyPermission(opts Options, anyOf ...string) gin.HandlerFunc {
	opts = opts.withDefaults()
	return func(c *gin.Context) {
		sess, ok := Current(c)
		if ok && sess.Store.Snapshot().Permissions.HasAny(anyOf...) {
			c.Next()
			return
		}
		if WantsJSON(c) {
			response.JSONError(c, apperr.New(apperr.ErrorCodeForbidden).WithDetail("anyOf", strings.Join(anyOf, ",")))
			return
		}
		c.Redirect(http.StatusFound, opts.LandingPath)
		c.Abort()
	}
}

// WantsJSON reports whether the caller is the SPA's data layer rather than a
// browser navigation.
func WantsJSON(c *gin.Context) bool {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		return true
	}
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

func abortLoading(c *gin.Context, retry time.Duration) {
	secs := max(int(retry.Round(time.Second)/time.Second), 1)
	c.Header("Retry-After", strconv.Itoa(secs))
	if WantsJSON(c) {
		response.JSONError(c, apperr.New(apperr.ErrorCodeSessionLoading))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(loadingPage, secs)))
	c.Abort()
}
