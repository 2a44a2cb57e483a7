// Package oidctest runs an in-process OpenID provider for tests: discovery,
// JWKS, authorization code + PKCE and refresh grants, and signed
// back-channel logout tokens.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	ClientID = "console"
	keyID    = "test-key"
)

type grant struct {
	nonce     string
	challenge string
}

// Server is a fake identity provider.
type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu           sync.Mutex
	subject      string
	sid          string
	permissions  []string
	expiresIn    time.Duration
	failRefresh  bool
	noEndSession bool
	codes        map[string]grant
	refreshes    int
	issued       int
}

// NewServer starts the provider. It is closed by Close.
func NewServer() *Server {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	s := &Server{
		key:         key,
		subject:     "operator-1",
		sid:         "op-session-1",
		permissions: []string{"model:list"},
		expiresIn:   time.Hour,
		codes:       map[string]grant{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.discovery)
	mux.HandleFunc("/jwks", s.jwks)
	mux.HandleFunc("/token", s.token)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) Issuer() string { return s.URL }

func (s *Server) SetPermissions(p ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions = p
}

func (s *Server) SetSubject(sub, sid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subject, s.sid = sub, sid
}

func (s *Server) SetExpiresIn(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = d
}

func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// DisableEndSession drops end_session_endpoint from discovery. Call before
// the first discovery.
func (s *Server) DisableEndSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noEndSession = true
}

// Refreshes counts refresh_token grants served.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Authorize plays the user approving the login at authURL and returns the
// code and state the browser would bring back.
func (s *Server) Authorize(authURL string) (code, state string) {
	u, err := url.Parse(authURL)
	if err != nil {
		panic(err)
	}
	q := u.Query()
	code = uuid.NewString()
	s.mu.Lock()
	s.codes[code] = grant{nonce: q.Get("nonce"), challenge: q.Get("code_challenge")}
	s.mu.Unlock()
	return code, q.Get("state")
}

// AccessToken signs an access token carrying perms.
func (s *Server) AccessToken(perms ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sign(jwt.MapClaims{
		"iss":         s.URL,
		"sub":         s.subject,
		"aud":         "rtl433dp-api",
		"exp":         time.Now().Add(s.expiresIn).Unix(),
		"permissions": perms,
	})
}

// LogoutToken signs a back-channel logout token for sid and sub.
func (s *Server) LogoutToken(sid, sub string) string {
	claims := jwt.MapClaims{
		"iss":    s.URL,
		"aud":    ClientID,
		"iat":    time.Now().Unix(),
		"jti":    uuid.NewString(),
		"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	}
	if sid != "" {
		claims["sid"] = sid
	}
	if sub != "" {
		claims["sub"] = sub
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sign(claims)
}

func (s *Server) sign(claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	raw, err := tok.SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return raw
}

func (s *Server) discovery(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	doc := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"jwks_uri":                              s.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	if !s.noEndSession {
		doc["end_session_endpoint"] = s.URL + "/logout"
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := s.key.PublicKey
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": keyID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		g, ok := s.codes[r.PostForm.Get("code")]
		delete(s.codes, r.PostForm.Get("code"))
		if !ok || challenge(r.PostForm.Get("code_verifier")) != g.challenge {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, s.tokenResponse(g.nonce))
	case "refresh_token":
		s.refreshes++
		if s.failRefresh || r.PostForm.Get("refresh_token") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		writeJSON(w, http.StatusOK, s.tokenResponse(""))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

// tokenResponse must be called with mu held.
func (s *Server) tokenResponse(nonce string) map[string]any {
	s.issued++
	now := time.Now()
	idClaims := jwt.MapClaims{
		"iss":                s.URL,
		"sub":                s.subject,
		"aud":                ClientID,
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"sid":                s.sid,
		"preferred_username": s.subject,
		"name":               "Test Operator",
		"email":              s.subject + "@example.test",
	}
	if nonce != "" {
		idClaims["nonce"] = nonce
	}
	access := s.sign(jwt.MapClaims{
		"iss":         s.URL,
		"sub":         s.subject,
		"aud":         "rtl433dp-api",
		"exp":         now.Add(s.expiresIn).Unix(),
		"jti":         uuid.NewString(),
		"permissions": s.permissions,
	})
	return map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int(s.expiresIn.Seconds()),
		"refresh_token": uuid.NewString(),
		"id_token":      s.sign(idClaims),
		"scope":         "openid profile email",
	}
}

func challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
