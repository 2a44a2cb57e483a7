package oidc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// jwksCache resolves RSA signing keys by kid from the provider's jwks_uri.
// Unknown kids trigger a refetch so key rotation is picked up.
type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu    sync.RWMutex
	keys  map[string]*rsa.PublicKey
	until time.Time
}

func newJWKSCache(url string, ttl time.Duration, client *http.Client) *jwksCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &jwksCache{url: url, ttl: ttl, client: client, keys: map[string]*rsa.PublicKey{}}
}

func (j *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.RLock()
	k, ok := j.keys[kid]
	fresh := time.Now().Before(j.until)
	j.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}
	return j.refresh(ctx, kid)
}

func (j *jwksCache) refresh(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.url == "" {
		return nil, errors.New("oidc: provider has no jwks_uri")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oidc: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oidc: fetch jwks: http %d", resp.StatusCode)
	}

	var body struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("oidc: decode jwks: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range body.Keys {
		if !strings.EqualFold(k.Kty, "RSA") {
			continue
		}
		if pub, err := rsaPublicKey(k.N, k.E); err == nil {
			keys[k.Kid] = pub
		}
	}
	j.keys = keys
	j.until = time.Now().Add(j.ttl)

	if k, ok := keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("oidc: signing key %q not found", kid)
}

func rsaPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	var e int
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
