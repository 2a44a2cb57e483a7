package oidc

import (
	"time"

	"golang.org/x/oauth2"
)

// Profile holds the identity claims taken from the ID token.
type Profile struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
}

// User is the credential obtained for one browser session.
type User struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	// SID is the provider's session id ("sid" claim), matched by back-channel logout.
	SID     string  `json:"sid,omitempty"`
	Profile Profile `json:"profile"`
}

// Expired reports whether the access token is past its expiry at now. A
// user without an expiry never expires.
func (u *User) Expired(now time.Time) bool {
	if u == nil {
		return true
	}
	return !u.ExpiresAt.IsZero() && !now.Before(u.ExpiresAt)
}

// ExpiresIn is the time left before expiry; zero for a user without expiry.
func (u *User) ExpiresIn(now time.Time) time.Duration {
	if u == nil || u.ExpiresAt.IsZero() {
		return 0
	}
	return u.ExpiresAt.Sub(now)
}

func userFromToken(tok *oauth2.Token) *User {
	u := &User{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		u.IDToken = raw
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		u.Scope = scope
	}
	return u
}
