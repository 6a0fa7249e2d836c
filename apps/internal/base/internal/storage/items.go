// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/shared"
)

// expiryMargin is how long before its expiry an access token stops being served.
const expiryMargin = 5 * time.Minute

// Contract is the JSON structure that is written to any storage medium when serializing
// the internal cache.
type Contract struct {
	AccessTokens  map[string]AccessToken               `json:"AccessToken"`
	RefreshTokens map[string]accesstokens.RefreshToken `json:"RefreshToken"`
	IDTokens      map[string]IDToken                   `json:"IdToken"`
	Accounts      map[string]shared.Account            `json:"Account"`
}

// NewContract is the constructor for Contract.
func NewContract() *Contract {
	return &Contract{
		AccessTokens:  map[string]AccessToken{},
		RefreshTokens: map[string]accesstokens.RefreshToken{},
		IDTokens:      map[string]IDToken{},
		Accounts:      map[string]shared.Account{},
	}
}

// AccessToken is the JSON representation of an access token for encoding to storage.
type AccessToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
	// Scopes is the normalized scope set, space separated.
	Scopes    string    `json:"target,omitempty"`
	ExpiresOn time.Time `json:"expires_on,omitempty"`
	CachedAt  time.Time `json:"cached_at,omitempty"`
}

// NewAccessToken is the constructor for AccessToken.
func NewAccessToken(homeID, env, realm, clientID string, cachedAt, expiresOn time.Time, scopes []string, token string) AccessToken {
	return AccessToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "AccessToken",
		ClientID:       clientID,
		Secret:         token,
		Scopes:         strings.Join(shared.NormalizeScopes(scopes), " "),
		CachedAt:       cachedAt.UTC(),
		ExpiresOn:      expiresOn.UTC(),
	}
}

// Key outputs the key that can be used to uniquely look up this entry in a map. Two
// tokens for the same account and scope set share a key.
func (a AccessToken) Key() string {
	return strings.ToLower(strings.Join(
		[]string{a.HomeAccountID, a.Environment, a.CredentialType, a.ClientID, a.Realm, a.Scopes},
		shared.CacheKeySeparator,
	))
}

// ScopeList returns the scopes the token was granted.
func (a AccessToken) ScopeList() []string {
	return strings.Fields(a.Scopes)
}

// Validate validates that this AccessToken can be used.
func (a AccessToken) Validate() error {
	now := time.Now()
	switch {
	case a.Secret == "":
		return errors.New("access token is empty")
	case a.CachedAt.IsZero():
		return errors.New("access token does not have CachedAt set")
	case a.CachedAt.After(now):
		return errors.New("access token isn't valid, it was cached at a future time")
	case a.ExpiresOn.Before(now.Add(expiryMargin)):
		return errors.New("access token is expired")
	}
	return nil
}

// IDToken is the JSON representation of an id token for encoding to storage.
type IDToken struct {
	HomeAccountID  string `json:"home_account_id,omitempty"`
	Environment    string `json:"environment,omitempty"`
	Realm          string `json:"realm,omitempty"`
	CredentialType string `json:"credential_type,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	Secret         string `json:"secret,omitempty"`
}

// NewIDToken is the constructor for IDToken.
func NewIDToken(homeID, env, realm, clientID, idToken string) IDToken {
	return IDToken{
		HomeAccountID:  homeID,
		Environment:    env,
		Realm:          realm,
		CredentialType: "IDToken",
		ClientID:       clientID,
		Secret:         idToken,
	}
}

// IsZero determines if IDToken is the zero value.
func (id IDToken) IsZero() bool {
	return id == IDToken{}
}

// Key outputs the key that can be used to uniquely look up this entry in a map.
func (id IDToken) Key() string {
	return strings.ToLower(strings.Join(
		[]string{id.HomeAccountID, id.Environment, id.CredentialType, id.ClientID, id.Realm},
		shared.CacheKeySeparator,
	))
}
