package console

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/milan604/rtl433dp-console/pkg/apperr"
	"github.com/milan604/rtl433dp-console/pkg/audit"
	"github.com/milan604/rtl433dp-console/pkg/auth/oidc"
	"github.com/milan604/rtl433dp-console/pkg/guard"
	"github.com/milan604/rtl433dp-console/pkg/response"
	"github.com/milan604/rtl433dp-console/pkg/version"
)

const callbackError = "callback"

func (cs *Console) healthz(c *gin.Context) {
	response.Success(c, gin.H{"status": "ok", "sessions": cs.sessions.Len()})
}

func (cs *Console) version(c *gin.Context) {
	response.Success(c, version.Get())
}

// loginPage is public. A signed in operator is sent on to where they wanted to go.
func (cs *Console) loginPage(c *gin.Context) {
	sess := mustSession(c)
	returnTo := guard.SafeReturnPath(c.Query("returnTo"))
	if st := sess.Store.Snapshot(); st.IsAuthenticated {
		c.Redirect(http.StatusFound, cs.landingFor(returnTo))
		return
	}

	start := "/auth/login?" + url.Values{"returnTo": {returnTo}}.Encode()
	cs.servePage(c, pageDescriptor{
		Page:     "login",
		Error:    c.Query("error"),
		LoginURL: start,
	})
}

// login starts the sign-in and sends the browser to the identity provider.
func (cs *Console) login(c *gin.Context) {
	sess := mustSession(c)
	returnTo := guard.SafeReturnPath(c.Query("returnTo"))
	if sess.Store.Snapshot().IsAuthenticated {
		c.Redirect(http.StatusFound, cs.landingFor(returnTo))
		return
	}

	target, err := sess.Controller.Login(c.Request.Context(), returnTo)
	if err != nil {
		cs.log.WarnFCtx(c.Request.Context(), "console: start sign-in: %v", err)
		cs.record(c, audit.Event{Type: audit.LoginFailed, Reason: "start", Error: err.Error()})
		response.HandleError(c, err)
		return
	}
	cs.record(c, audit.Event{Type: audit.LoginStarted})
	c.Redirect(http.StatusFound, target)
}

// callback completes the sign-in. Failures go back to the login page with
// error=callback so the page can tell the operator.
func (cs *Console) callback(c *gin.Context) {
	sess := mustSession(c)
	ctx := c.Request.Context()

	if idpErr := c.Query("error"); idpErr != "" {
		cs.log.WarnFCtx(ctx, "console: identity provider returned %s: %s", idpErr, c.Query("error_description"))
		cs.record(c, audit.Event{Type: audit.LoginFailed, Reason: "provider", Error: idpErr})
		cs.redirectLoginError(c)
		return
	}

	returnTo, err := sess.Controller.CompleteLogin(ctx, c.Query("code"), c.Query("state"))
	if err != nil {
		cs.log.WarnFCtx(ctx, "console: complete sign-in: %v", err)
		cs.record(c, audit.Event{Type: audit.LoginFailed, Reason: "callback", Error: err.Error()})
		cs.redirectLoginError(c)
		return
	}

	if next, err := cs.sessions.Rotate(ctx, sess); err != nil {
		cs.log.WarnFCtx(ctx, "console: rotate session after sign-in: %v", err)
	} else {
		sess = next
		cs.setCookie(c, sess.ID)
		cs.attach(c, sess)
	}

	ev := audit.Event{Type: audit.LoginCompleted}
	if p := sess.Store.Snapshot().Profile; p != nil {
		ev.Subject = p.Subject
	}
	cs.record(c, ev)
	c.Redirect(http.StatusFound, cs.landingFor(guard.SafeReturnPath(returnTo)))
}

func (cs *Console) redirectLoginError(c *gin.Context) {
	c.Redirect(http.StatusFound, cs.guard.LoginPath+"?"+url.Values{"error": {callbackError}}.Encode())
}

// logout clears the session, then sends the browser to the provider's
// end-session endpoint. A failed provider sign-out still leaves the session
// cleared; browsers land on the login page, JSON callers get the error.
func (cs *Console) logout(c *gin.Context) {
	sess := mustSession(c)
	ev := audit.Event{Type: audit.Logout}
	if p := sess.Store.Snapshot().Profile; p != nil {
		ev.Subject = p.Subject
	}

	target, err := sess.Controller.Logout(c.Request.Context())
	if err != nil {
		cs.log.WarnFCtx(c.Request.Context(), "console: sign-out: %v", err)
		ev.Error = err.Error()
		cs.record(c, ev)
		if guard.WantsJSON(c) {
			response.HandleError(c, err)
			return
		}
		c.Redirect(http.StatusSeeOther, cs.guard.LoginPath)
		return
	}
	cs.record(c, ev)
	c.Redirect(http.StatusSeeOther, target)
}

// backchannelLogout implements the OpenID back-channel logout endpoint.
func (cs *Console) backchannelLogout(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	if cs.backchannel == nil {
		response.JSONError(c, apperr.New(apperr.ErrorCodeNotFound))
		return
	}
	token := c.PostForm("logout_token")
	if token == "" {
		response.JSONError(c, apperr.New(apperr.ErrorCodeInvalidRequest).AddSuggestion("logout_token", "logout_token is required"))
		return
	}

	n, err := cs.backchannel.BackchannelLogout(c.Request.Context(), token)
	switch {
	case errors.Is(err, oidc.ErrInvalidLogoutToken):
		cs.log.WarnFCtx(c.Request.Context(), "console: rejected logout token: %v", err)
		response.JSONError(c, apperr.New(apperr.ErrorCodeInvalidRequest).WithMessage("Invalid logout token").Wrap(err))
		return
	case err != nil:
		cs.log.ErrorFCtx(c.Request.Context(), "console: back-channel logout: %v", err)
		response.JSONError(c, apperr.New(apperr.ErrorCodeUpstreamUnavailable).Wrap(err))
		return
	}

	cs.record(c, audit.Event{Type: audit.BackchannelLogout, Reason: strconv.Itoa(n) + " sessions"})
	c.Status(http.StatusOK)
}

// landingFor maps the site root and the login page itself to the default
// landing page.
func (cs *Console) landingFor(returnTo string) string {
	if returnTo == "" || returnTo == "/" || strings.HasPrefix(returnTo, cs.guard.LoginPath) {
		return cs.guard.LandingPath
	}
	return returnTo
}
