// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package accesstokens holds the token types exchanged between the OAuth client and the
// token cache.
package accesstokens

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/shared"
)

// IDToken consists of all the information used to identify a user.
// https://docs.microsoft.com/azure/active-directory/develop/id-tokens .
type IDToken struct {
	jwt.RegisteredClaims

	PreferredUsername string `json:"preferred_username,omitempty"`
	Name              string `json:"name,omitempty"`
	Oid               string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	UPN               string `json:"upn,omitempty"`
	Email             string `json:"email,omitempty"`

	RawToken string `json:"-"`
}

// NewIDToken decodes the claims of a JWT. The signature isn't verified: the token was
// received directly from the token endpoint over TLS.
func NewIDToken(raw string) (IDToken, error) {
	var idToken IDToken
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &idToken); err != nil {
		return IDToken{}, fmt.Errorf("id token returned from server is invalid: %w", err)
	}
	idToken.RawToken = raw
	return idToken, nil
}

// IsZero indicates if the IDToken is the zero value.
func (i IDToken) IsZero() bool {
	return i.RawToken == ""
}

// LocalAccountID extracts an account's local account ID from an ID token.
func (i IDToken) LocalAccountID() string {
	if i.Oid != "" {
		return i.Oid
	}
	return i.Subject
}

// HomeAccountID is the identifier of the user in its home tenant. AAD tokens yield
// "<oid>.<tid>"; other providers fall back to the subject.
func (i IDToken) HomeAccountID() string {
	if i.Oid != "" && i.TenantID != "" {
		return i.Oid + "." + i.TenantID
	}
	return i.Subject
}

// Username returns the best human readable sign-in name found in the claims.
func (i IDToken) Username() string {
	switch {
	case i.PreferredUsername != "":
		return i.PreferredUsername
	case i.UPN != "":
		return i.UPN
	}
	return i.Email
}

// Account creates the account described by the claims. environment is the authority
// host and realm the tenant used when the token has no tid claim.
func (i IDToken) Account(environment, realm string) shared.Account {
	if i.TenantID != "" {
		realm = i.TenantID
	}
	acc := shared.NewAccount(i.HomeAccountID(), environment, realm, i.Username())
	acc.Name = i.Name
	acc.Email = i.Email
	if acc.Email == "" && strings.Contains(acc.PreferredUsername, "@") {
		acc.Email = acc.PreferredUsername
	}
	return acc
}

// TokenResponse is the information that is returned from a token endpoint during a token acquisition flow.
type TokenResponse struct {
	AccessToken   string
	RefreshToken  string
	IDToken       IDToken
	TokenType     string
	GrantedScopes []string
	ExpiresOn     time.Time
}

// NewTokenResponse converts a token returned by golang.org/x/oauth2. requested is used
// as the granted scope set when the provider doesn't echo a "scope" value.
func NewTokenResponse(tok *oauth2.Token, requested []string) (TokenResponse, error) {
	if tok == nil {
		return TokenResponse{}, errors.New("token endpoint returned no token")
	}
	tr := TokenResponse{
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		TokenType:     tok.TokenType,
		ExpiresOn:     tok.Expiry,
		GrantedScopes: shared.NormalizeScopes(requested),
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		tr.GrantedScopes = shared.NormalizeScopes(strings.Fields(scope))
	}
	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		idToken, err := NewIDToken(raw)
		if err != nil {
			return TokenResponse{}, err
		}
		tr.IDToken = idToken
	}
	if err := tr.Validate(); err != nil {
		return TokenResponse{}, err
	}
	return tr, nil
}

// Validate validates the TokenResponse has basic valid values.
func (tr TokenResponse) Validate() error {
	if tr.AccessToken == "" {
		return errors.New("response is missing access_token")
	}
	if tr.ExpiresOn.IsZero() {
		return errors.New("response is missing an expiry")
	}
	return nil
}

// HasRefreshToken checks if the TokenResponse has an refresh token.
func (tr TokenResponse) HasRefreshToken() bool {
	return len(tr.RefreshToken) > 0
}

// Covers reports whether the granted scopes include every scope in requested.
// OIDC scopes are never echoed by AAD and are ignored.
func (tr TokenResponse) Covers(requested []string) bool {
	granted := make(map[string]bool, len(tr.GrantedScopes))
	for _, s := range tr.GrantedScopes {
		granted[s] = true
	}
	for _, s := range shared.NormalizeScopes(requested) {
		if oidcScopes[s] {
			continue
		}
		if !granted[s] {
			return false
		}
	}
	return true
}

var oidcScopes = map[string]bool{"openid": true, "profile": true, "offline_access": true, "email": true}

// RefreshToken is the JSON representation of a refresh token for encoding to storage.
type RefreshToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewRefreshToken is the constructor for RefreshToken.
func NewRefreshToken(homeID, env, clientID, refreshToken string) RefreshToken {
	return RefreshToken{
		HomeAccountID:  homeID,
		Environment:    env,
		CredentialType: "RefreshToken",
		ClientID:       clientID,
		Secret:         refreshToken,
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (rt RefreshToken) Key() string {
	return strings.ToLower(strings.Join(
		[]string{rt.HomeAccountID, rt.Environment, rt.CredentialType, rt.ClientID},
		shared.CacheKeySeparator,
	))
}

// IsZero reports whether rt holds no refresh token.
func (rt RefreshToken) IsZero() bool {
	return rt.Secret == ""
}
