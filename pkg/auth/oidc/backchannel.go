package oidc

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

const backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// ErrInvalidLogoutToken is returned for a logout token that fails validation.
var ErrInvalidLogoutToken = errors.New("oidc: invalid logout token")

type logoutClaims struct {
	jwt.RegisteredClaims
	SID    string         `json:"sid"`
	Nonce  string         `json:"nonce"`
	Events map[string]any `json:"events"`
}

// BackchannelLogout validates an OpenID back-channel logout token and raises
// UserSignedOut on every live user manager holding the session it names
// (by sid, or by sub when the token carries no sid). It returns the number of
// sessions signed out.
func (p *Provider) BackchannelLogout(ctx context.Context, rawToken string) (int, error) {
	meta, err := p.metadata(ctx)
	if err != nil {
		return 0, err
	}

	var claims logoutClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithIssuer(meta.issuer),
		jwt.WithAudience(p.settings.ClientID),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(p.now),
	)
	_, err = parser.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return meta.jwks.key(ctx, kid)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidLogoutToken, err)
	}
	if _, ok := claims.Events[backchannelLogoutEvent]; !ok {
		return 0, fmt.Errorf("%w: missing logout event", ErrInvalidLogoutToken)
	}
	if claims.Nonce != "" {
		return 0, fmt.Errorf("%w: nonce present", ErrInvalidLogoutToken)
	}
	if claims.SID == "" && claims.Subject == "" {
		return 0, fmt.Errorf("%w: neither sid nor sub", ErrInvalidLogoutToken)
	}

	n := 0
	for _, um := range p.liveManagers() {
		u, err := um.load(ctx)
		if err != nil || u == nil {
			continue
		}
		if matchesLogout(u, claims.SID, claims.Subject) {
			um.log.InfoF("oidc: provider signed out session")
			um.Raise(Event{Kind: UserSignedOut})
			n++
		}
	}
	return n, nil
}

func matchesLogout(u *User, sid, sub string) bool {
	if sid != "" {
		return u.SID == sid && (sub == "" || u.Profile.Subject == sub)
	}
	return u.Profile.Subject == sub
}
