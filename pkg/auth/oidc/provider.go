// Package oidc is the relying-party side of the OpenID Connect authorization
// code flow with PKCE. A Provider is shared by the process; each browser
// session gets its own UserManager that stores the session's credential,
// renews it and raises lifecycle events.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/milan604/rtl433dp-console/pkg/credstore"
	"github.com/milan604/rtl433dp-console/pkg/logger"
)

// ErrDiscovery wraps failures to reach the provider's metadata.
var ErrDiscovery = errors.New("oidc: provider discovery failed")

// Settings configures a Provider.
type Settings struct {
	Authority             string
	ClientID              string
	ClientSecret          string
	RedirectURI           string
	PostLogoutRedirectURI string
	Scopes                []string

	// ExpiringNotification is how long before expiry the renewal timer fires.
	ExpiringNotification time.Duration
	AutomaticSilentRenew bool
	// UserTTL bounds how long a stored credential is kept.
	UserTTL time.Duration
	// PendingTTL bounds how long a started login may take to come back.
	PendingTTL time.Duration
	// DiscoveryTimeout bounds one metadata fetch.
	DiscoveryTimeout time.Duration

	HTTPClient *http.Client
}

type metadata struct {
	provider   *gooidc.Provider
	oauth      oauth2.Config
	verifier   *gooidc.IDTokenVerifier
	issuer     string
	endSession string
	jwks       *jwksCache
}

// Provider holds discovery state and the set of live user managers.
type Provider struct {
	settings Settings
	store    credstore.Store
	log      logger.LogManager
	now      func() time.Time

	discovery singleflight.Group
	metaMu    sync.RWMutex
	meta      *metadata

	mu       sync.Mutex
	managers map[*UserManager]struct{}
}

// NewProvider does no network I/O; metadata is discovered on first use so the
// console can start while the identity provider is down.
func NewProvider(s Settings, store credstore.Store, log logger.LogManager) *Provider {
	if len(s.Scopes) == 0 {
		s.Scopes = []string{gooidc.ScopeOpenID, "profile", "email"}
	}
	if s.ExpiringNotification <= 0 {
		s.ExpiringNotification = 30 * time.Second
	}
	if s.UserTTL <= 0 {
		s.UserTTL = 12 * time.Hour
	}
	if s.PendingTTL <= 0 {
		s.PendingTTL = 10 * time.Minute
	}
	if s.DiscoveryTimeout <= 0 {
		s.DiscoveryTimeout = 10 * time.Second
	}
	return &Provider{
		settings: s,
		store:    store,
		log:      logger.OrNop(log),
		now:      time.Now,
		managers: map[*UserManager]struct{}{},
	}
}

// Discover fetches provider metadata if it has not been fetched yet.
func (p *Provider) Discover(ctx context.Context) error {
	_, err := p.metadata(ctx)
	return err
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	if p.settings.HTTPClient == nil {
		return ctx
	}
	return gooidc.ClientContext(ctx, p.settings.HTTPClient)
}

// metadata returns the discovered metadata. Concurrent callers share one
// fetch; a caller whose context ends stops waiting but does not cancel it.
func (p *Provider) metadata(ctx context.Context) (*metadata, error) {
	if meta := p.loaded(); meta != nil {
		return meta, nil
	}
	ch := p.discovery.DoChan("discover", func() (any, error) {
		if meta := p.loaded(); meta != nil {
			return meta, nil
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.settings.DiscoveryTimeout)
		defer cancel()
		return p.discover(dctx)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*metadata), nil
	}
}

func (p *Provider) loaded() *metadata {
	p.metaMu.RLock()
	defer p.metaMu.RUnlock()
	return p.meta
}

func (p *Provider) discover(ctx context.Context) (*metadata, error) {
	provider, err := gooidc.NewProvider(p.clientContext(ctx), p.settings.Authority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	var extra struct {
		Issuer     string `json:"issuer"`
		EndSession string `json:"end_session_endpoint"`
		JWKSURI    string `json:"jwks_uri"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	endpoint := provider.Endpoint()
	if p.settings.ClientSecret == "" {
		// public client: client_id travels in the form body
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	meta := &metadata{
		provider: provider,
		oauth: oauth2.Config{
			ClientID:     p.settings.ClientID,
			ClientSecret: p.settings.ClientSecret,
			RedirectURL:  p.settings.RedirectURI,
			Endpoint:     endpoint,
			Scopes:       p.settings.Scopes,
		},
		verifier:   provider.Verifier(&gooidc.Config{ClientID: p.settings.ClientID, Now: p.now}),
		issuer:     extra.Issuer,
		endSession: extra.EndSession,
		jwks:       newJWKSCache(extra.JWKSURI, 5*time.Minute, p.settings.HTTPClient),
	}
	p.metaMu.Lock()
	p.meta = meta
	p.metaMu.Unlock()
	p.log.InfoF("oidc: discovered %s", p.settings.Authority)
	return meta, nil
}

// NewUserManager returns the manager for one browser session. It must be closed.
func (p *Provider) NewUserManager(sessionID string) *UserManager {
	um := &UserManager{
		Events:    NewEvents(p.log),
		provider:  p,
		sessionID: sessionID,
		log:       p.log.With("session_id", logger.SessionRef(sessionID)),
	}
	p.mu.Lock()
	p.managers[um] = struct{}{}
	p.mu.Unlock()
	return um
}

func (p *Provider) release(um *UserManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.managers, um)
}

func (p *Provider) liveManagers() []*UserManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*UserManager, 0, len(p.managers))
	for um := range p.managers {
		out = append(out, um)
	}
	return out
}

// endSessionURL builds the RP-initiated logout location. Without an
// end_session_endpoint the post-logout URI is returned as is.
func (p *Provider) endSessionURL(meta *metadata, idTokenHint string) (string, error) {
	if meta.endSession == "" {
		return p.settings.PostLogoutRedirectURI, nil
	}
	u, err := url.Parse(meta.endSession)
	if err != nil {
		return "", fmt.Errorf("oidc: end_session_endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", p.settings.ClientID)
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if p.settings.PostLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", p.settings.PostLogoutRedirectURI)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
