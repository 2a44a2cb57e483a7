// Package guard decides who may see which console page.
package guard

import (
	"net/url"
	"strings"

	"github.com/milan604/rtl433dp-console/pkg/session"
)

// Decision is the outcome of evaluating a session against an authenticated route.
type Decision int

const (
	// Loading means the session has not settled yet.
	Loading Decision = iota
	// RedirectToLogin means the session is signed out.
	RedirectToLogin
	// Allow lets the request through.
	Allow
)

func (d Decision) String() string {
	switch d {
	case Loading:
		return "loading"
	case RedirectToLogin:
		return "redirect_to_login"
	default:
		return "allow"
	}
}

// Evaluate applies the authentication gate. Loading wins over everything else.
func Evaluate(st session.State) Decision {
	switch {
	case st.IsLoading:
		return Loading
	case !st.IsAuthenticated:
		return RedirectToLogin
	default:
		return Allow
	}
}

// LoginLocation builds the login URL that carries requested as the return
// path. Only local absolute paths survive; anything else becomes "/".
func LoginLocation(loginPath, requested string) string {
	return loginPath + "?" + url.Values{"returnTo": {SafeReturnPath(requested)}}.Encode()
}

// SafeReturnPath keeps path, query and fragment of a local absolute path and
// returns "/" for anything that could leave the console.
func SafeReturnPath(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n\t") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" || u.User != nil {
		return "/"
	}
	out := u.EscapedPath()
	if out == "" || !strings.HasPrefix(out, "/") || strings.HasPrefix(out, "//") {
		return "/"
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		out += "#" + u.EscapedFragment()
	}
	return out
}
