package oidc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/milan604/rtl433dp-console/pkg/credstore"
	"github.com/milan604/rtl433dp-console/pkg/logger"
)

var (
	// ErrInvalidState is returned by SigninRedirectCallback for an unknown,
	// expired, reused or foreign state.
	ErrInvalidState = errors.New("oidc: invalid or expired login state")
	// ErrNoRefreshToken is returned by SigninSilent when there is nothing to renew with.
	ErrNoRefreshToken = errors.New("oidc: no refresh token")
	// ErrNoUser is returned by SigninSilent when no credential is stored.
	ErrNoUser = errors.New("oidc: no user")
)

const renewTimeout = 30 * time.Second

type pendingLogin struct {
	SessionID string `json:"session_id"`
	Verifier  string `json:"verifier"`
	Nonce     string `json:"nonce"`
	ReturnTo  string `json:"return_to"`
}

// UserManager owns the credential of one browser session.
type UserManager struct {
	*Events

	provider  *Provider
	sessionID string
	log       logger.LogManager

	mu          sync.Mutex
	lastIDToken string
	expiring    *time.Timer
	expired     *time.Timer
	armedFor    string
	closed      bool
}

func (um *UserManager) SessionID() string { return um.sessionID }

func (um *UserManager) userKey() string { return userKeyFor(um.sessionID) }

func userKeyFor(sessionID string) string { return "user:" + sessionID }

func pendingKey(state string) string { return "pending:" + state }

// GetUser returns the stored credential, or nil when there is none. It arms
// the expiry timers for a credential loaded from storage.
func (um *UserManager) GetUser(ctx context.Context) (*User, error) {
	u, err := um.load(ctx)
	if err != nil || u == nil {
		return nil, err
	}
	um.arm(u)
	return u, nil
}

func (um *UserManager) load(ctx context.Context) (*User, error) {
	u, err := credstore.GetJSON[User](ctx, um.provider.store, um.userKey())
	if errors.Is(err, credstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oidc: load user: %w", err)
	}
	return u, nil
}

// SigninRedirect starts an authorization code + PKCE login and returns the
// provider URL the browser must be sent to. returnTo is handed back by
// SigninRedirectCallback.
func (um *UserManager) SigninRedirect(ctx context.Context, returnTo string) (string, error) {
	meta, err := um.provider.metadata(ctx)
	if err != nil {
		return "", err
	}

	state := uuid.NewString()
	pl := pendingLogin{
		SessionID: um.sessionID,
		Verifier:  oauth2.GenerateVerifier(),
		Nonce:     uuid.NewString(),
		ReturnTo:  returnTo,
	}
	if err := credstore.SetJSON(ctx, um.provider.store, pendingKey(state), pl, um.provider.settings.PendingTTL); err != nil {
		return "", fmt.Errorf("oidc: store login state: %w", err)
	}

	return meta.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(pl.Verifier),
		gooidc.Nonce(pl.Nonce),
	), nil
}

// SigninRedirectCallback completes the login started by SigninRedirect,
// stores the credential and raises UserLoaded. It returns the returnTo that
// was passed to SigninRedirect.
func (um *UserManager) SigninRedirectCallback(ctx context.Context, code, state string) (string, error) {
	if code == "" || state == "" {
		return "", ErrInvalidState
	}
	pl, err := credstore.TakeJSON[pendingLogin](ctx, um.provider.store, pendingKey(state))
	if errors.Is(err, credstore.ErrNotFound) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("oidc: load login state: %w", err)
	}
	if pl.SessionID != um.sessionID {
		return "", ErrInvalidState
	}

	meta, err := um.provider.metadata(ctx)
	if err != nil {
		return "", err
	}

	tok, err := meta.oauth.Exchange(um.provider.clientContext(ctx), code, oauth2.VerifierOption(pl.Verifier))
	if err != nil {
		return "", fmt.Errorf("oidc: exchange code: %w", err)
	}

	u := userFromToken(tok)
	if u.IDToken == "" {
		return "", errors.New("oidc: token response has no id_token")
	}
	if err := um.applyIDToken(ctx, meta, u, pl.Nonce); err != nil {
		return "", err
	}

	if err := um.storeUser(ctx, u); err != nil {
		return "", err
	}
	um.log.InfoF("oidc: signed in as %s", u.Profile.Subject)
	um.Raise(Event{Kind: UserLoaded, User: u})
	return pl.ReturnTo, nil
}

// SigninSilent renews the credential with its refresh token. On success the
// new credential is stored and UserLoaded is raised.
func (um *UserManager) SigninSilent(ctx context.Context) (*User, error) {
	current, err := um.load(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoUser
	}
	if current.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	meta, err := um.provider.metadata(ctx)
	if err != nil {
		return nil, err
	}

	// An already expired token forces the source to refresh.
	src := meta.oauth.TokenSource(um.provider.clientContext(ctx), &oauth2.Token{
		RefreshToken: current.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oidc: refresh: %w", err)
	}

	u := userFromToken(tok)
	if u.RefreshToken == "" {
		u.RefreshToken = current.RefreshToken
	}
	if u.IDToken == "" {
		u.IDToken, u.Profile, u.SID = current.IDToken, current.Profile, current.SID
	} else if err := um.applyIDToken(ctx, meta, u, ""); err != nil {
		return nil, err
	}
	if u.Profile.Subject != current.Profile.Subject {
		return nil, errors.New("oidc: refreshed token belongs to another subject")
	}

	if err := um.storeUser(ctx, u); err != nil {
		return nil, err
	}
	um.log.DebugF("oidc: renewed credential, expires in %s", u.ExpiresIn(um.provider.now()).Round(time.Second))
	um.Raise(Event{Kind: UserLoaded, User: u})
	return u, nil
}

// SignoutRedirect removes the credential, raises UserUnloaded and returns the
// provider's end-session URL.
func (um *UserManager) SignoutRedirect(ctx context.Context) (string, error) {
	meta, err := um.provider.metadata(ctx)
	if err != nil {
		return "", err
	}
	u, err := um.load(ctx)
	if err != nil {
		um.log.WarnF("oidc: load user for sign-out: %v", err)
	}
	hint := um.lastHint()
	if u != nil && u.IDToken != "" {
		hint = u.IDToken
	}

	target, err := um.provider.endSessionURL(meta, hint)
	if err != nil {
		return "", err
	}
	if err := um.RemoveUser(ctx); err != nil {
		return "", err
	}
	return target, nil
}

// RemoveUser deletes the stored credential and raises UserUnloaded. The ID
// token is remembered as the hint for a following SignoutRedirect.
func (um *UserManager) RemoveUser(ctx context.Context) error {
	if u, err := um.load(ctx); err == nil && u != nil && u.IDToken != "" {
		um.mu.Lock()
		um.lastIDToken = u.IDToken
		um.mu.Unlock()
	}
	um.disarm()
	if err := um.provider.store.Delete(ctx, um.userKey()); err != nil {
		return fmt.Errorf("oidc: remove user: %w", err)
	}
	um.Raise(Event{Kind: UserUnloaded})
	return nil
}

// TransferUser moves the stored credential to the session toSessionID. This
// session has no credential afterwards. No event is raised.
func (um *UserManager) TransferUser(ctx context.Context, toSessionID string) error {
	u, err := um.load(ctx)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrNoUser
	}
	if err := credstore.SetJSON(ctx, um.provider.store, userKeyFor(toSessionID), u, um.provider.settings.UserTTL); err != nil {
		return fmt.Errorf("oidc: transfer user: %w", err)
	}
	um.disarm()
	if err := um.provider.store.Delete(ctx, um.userKey()); err != nil {
		return fmt.Errorf("oidc: transfer user: %w", err)
	}
	return nil
}

// Close stops timers and event delivery. The stored credential is kept.
func (um *UserManager) Close() {
	um.mu.Lock()
	um.closed = true
	um.mu.Unlock()
	um.disarm()
	um.provider.release(um)
	um.Events.Close()
}

func (um *UserManager) lastHint() string {
	um.mu.Lock()
	defer um.mu.Unlock()
	return um.lastIDToken
}

func (um *UserManager) applyIDToken(ctx context.Context, meta *metadata, u *User, nonce string) error {
	idt, err := meta.verifier.Verify(um.provider.clientContext(ctx), u.IDToken)
	if err != nil {
		return fmt.Errorf("oidc: verify id_token: %w", err)
	}
	if nonce != "" && idt.Nonce != nonce {
		return errors.New("oidc: id_token nonce mismatch")
	}

	var claims struct {
		Profile
		SID string `json:"sid"`
	}
	if err := idt.Claims(&claims); err != nil {
		return fmt.Errorf("oidc: id_token claims: %w", err)
	}
	claims.Profile.Subject = idt.Subject
	u.Profile = claims.Profile
	u.SID = claims.SID
	return nil
}

func (um *UserManager) storeUser(ctx context.Context, u *User) error {
	if err := credstore.SetJSON(ctx, um.provider.store, um.userKey(), u, um.provider.settings.UserTTL); err != nil {
		return fmt.Errorf("oidc: store user: %w", err)
	}
	um.disarm()
	um.arm(u)
	return nil
}

// arm schedules the renewal and expiry timers for u unless they already run for it.
func (um *UserManager) arm(u *User) {
	if u.ExpiresAt.IsZero() {
		return
	}
	um.mu.Lock()
	defer um.mu.Unlock()
	if um.closed || um.armedFor == u.AccessToken {
		return
	}
	um.stopTimersLocked()
	um.armedFor = u.AccessToken

	left := u.ExpiresIn(um.provider.now())
	if um.provider.settings.AutomaticSilentRenew && u.RefreshToken != "" {
		um.expiring = time.AfterFunc(max(left-um.provider.settings.ExpiringNotification, 0), um.renew)
	}
	token := u.AccessToken
	um.expired = time.AfterFunc(max(left, 0), func() { um.expire(token) })
}

func (um *UserManager) disarm() {
	um.mu.Lock()
	defer um.mu.Unlock()
	um.stopTimersLocked()
	um.armedFor = ""
}

func (um *UserManager) stopTimersLocked() {
	if um.expiring != nil {
		um.expiring.Stop()
		um.expiring = nil
	}
	if um.expired != nil {
		um.expired.Stop()
		um.expired = nil
	}
}

func (um *UserManager) renew() {
	ctx, cancel := context.WithTimeout(logger.WithSessionID(context.Background(), um.sessionID), renewTimeout)
	defer cancel()
	if _, err := um.SigninSilent(ctx); err != nil {
		um.log.WarnF("oidc: automatic silent renew failed: %v", err)
		um.Raise(Event{Kind: SilentRenewError, Err: err})
	}
}

// expire raises AccessTokenExpired unless the credential was replaced since the timer was set.
func (um *UserManager) expire(token string) {
	um.mu.Lock()
	current := um.armedFor
	um.mu.Unlock()
	if current != token {
		return
	}
	um.Raise(Event{Kind: AccessTokenExpired})
}
