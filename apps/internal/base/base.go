// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package base contains a "Base" client that is used by the external public.Client.
// Base owns the in-memory token cache and its persistence, and implements the silent and
// interactive token acquisition flows on top of the identity provider client.
package base

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/errors"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/base/internal/storage"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/logger"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/shared"
)

// Provider redeems credentials at the identity provider. In all production use it is an
// *oauth.Client.
type Provider interface {
	Refresh(ctx context.Context, params authority.AuthParams, refreshToken string) (accesstokens.TokenResponse, error)
	Interactive(ctx context.Context, params authority.AuthParams, openURL func(string) error) (accesstokens.TokenResponse, error)
}

// AcquireTokenSilentParameters contains the parameters to acquire a token silently (from cache).
type AcquireTokenSilentParameters struct {
	Scopes   []string
	Account  shared.Account
	TenantID string
}

// AcquireTokenInteractiveParameters contains the parameters to acquire a token through the
// user's browser.
type AcquireTokenInteractiveParameters struct {
	Scopes      []string
	LoginHint   string
	DomainHint  string
	Prompt      authority.Prompt
	RedirectURI string
	TenantID    string
	// Account is the cached account the user is expected to sign in as, if any. A token for
	// it from another tenant is cached under this account.
	Account shared.Account
	// OpenURL opens the authorization URL. Nil means the system browser.
	OpenURL func(string) error
}

// AuthResult contains the results of one token acquisition operation.
type AuthResult struct {
	Account       shared.Account
	IDToken       accesstokens.IDToken
	AccessToken   string
	ExpiresOn     time.Time
	GrantedScopes []string
}

// AuthResultFromStorage creates an AuthResult from a storage token response (which is generated from the cache).
func AuthResultFromStorage(storageTokenResponse storage.TokenResponse) (AuthResult, error) {
	if err := storageTokenResponse.AccessToken.Validate(); err != nil {
		return AuthResult{}, fmt.Errorf("problem with access token in StorageTokenResponse: %w", err)
	}
	var idToken accesstokens.IDToken
	if !storageTokenResponse.IDToken.IsZero() {
		var err error
		if idToken, err = accesstokens.NewIDToken(storageTokenResponse.IDToken.Secret); err != nil {
			return AuthResult{}, fmt.Errorf("problem decoding JWT token: %w", err)
		}
	}
	return AuthResult{
		Account:       storageTokenResponse.Account,
		IDToken:       idToken,
		AccessToken:   storageTokenResponse.AccessToken.Secret,
		ExpiresOn:     storageTokenResponse.AccessToken.ExpiresOn,
		GrantedScopes: storageTokenResponse.AccessToken.ScopeList(),
	}, nil
}

// NewAuthResult creates an AuthResult.
func NewAuthResult(tokenResponse accesstokens.TokenResponse, account shared.Account) AuthResult {
	return AuthResult{
		Account:       account,
		IDToken:       tokenResponse.IDToken,
		AccessToken:   tokenResponse.AccessToken,
		ExpiresOn:     tokenResponse.ExpiresOn,
		GrantedScopes: tokenResponse.GrantedScopes,
	}
}

// Client is a base client that provides access to common methods and primatives that
// can be used by multiple clients.
type Client struct {
	Token      Provider
	AuthParams authority.AuthParams // DO NOT EVER MAKE THIS A POINTER! Requests modify copies of it.

	manager       *storage.Manager
	cacheAccessor cache.ExportReplace
	// cacheMu serializes load, mutate and save cycles of this process. The accessor's
	// Locker, if any, extends the exclusion to other processes.
	cacheMu *sync.Mutex
	silent  *singleflight.Group
	log     *logger.Logger
}

// Option is an optional argument to the New constructor.
type Option func(c *Client)

// WithCacheAccessor allows you to set some type of cache for storing authentication tokens.
func WithCacheAccessor(ca cache.ExportReplace) Option {
	return func(c *Client) {
		if ca != nil {
			c.cacheAccessor = ca
		}
	}
}

// WithLogger sets the logger of the client.
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// New is the constructor for Base.
func New(clientID string, authorityURI string, token Provider, options ...Option) (Client, error) {
	if clientID == "" {
		return Client{}, errors.New("client ID is required")
	}
	if token == nil {
		return Client{}, errors.New("token provider is required")
	}
	authInfo, err := authority.NewInfoFromAuthorityURI(authorityURI, true)
	if err != nil {
		return Client{}, err
	}
	client := Client{
		Token:      token,
		AuthParams: authority.NewAuthParams(clientID, authInfo),
		manager:    storage.New(),
		cacheMu:    &sync.Mutex{},
		silent:     &singleflight.Group{},
	}
	for _, o := range options {
		o(&client)
	}
	return client, nil
}

// params returns a copy of the client's AuthParams for a request.
func (b Client) params(scopes []string, tenantID string) (authority.AuthParams, error) {
	authParams := b.AuthParams
	authParams.Scopes = shared.NormalizeScopes(scopes)
	if tenantID != "" {
		info, err := authParams.AuthorityInfo.WithTenant(tenantID)
		if err != nil {
			return authority.AuthParams{}, err
		}
		authParams.AuthorityInfo = info
	}
	return authParams, nil
}

// withCache runs fn between a load of the persisted cache and, when save is true, an
// export of the result. Only one such cycle runs at a time.
func (b Client) withCache(ctx context.Context, authParams authority.AuthParams, save bool, fn func() error) error {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()
	if b.cacheAccessor == nil {
		return fn()
	}

	key := authParams.CacheKey()
	if l, ok := b.cacheAccessor.(cache.Locker); ok {
		unlock, err := l.Lock(ctx, key)
		if err != nil {
			return fmt.Errorf("couldn't lock the token cache: %w", err)
		}
		defer func() {
			if err := unlock(); err != nil {
				b.log.Log(ctx, logger.Warn, "couldn't unlock the token cache", logger.Field("error", err))
			}
		}()
	}
	if err := b.cacheAccessor.Replace(ctx, b.manager, cache.ReplaceHints{PartitionKey: key}); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	if !save {
		return nil
	}
	return b.cacheAccessor.Export(ctx, b.manager, cache.ExportHints{PartitionKey: key})
}

// AcquireTokenSilent returns a cached access token for silent.Account or, when the cached
// token expired, redeems the cached refresh token. It returns errors.ErrInteractionRequired
// when neither is possible. Concurrent calls for the same account and scopes share one
// result.
func (b Client) AcquireTokenSilent(ctx context.Context, silent AcquireTokenSilentParameters) (AuthResult, error) {
	if silent.Account.IsZero() {
		return AuthResult{}, fmt.Errorf("%w: no account was provided", errors.ErrInteractionRequired)
	}
	authParams, err := b.params(silent.Scopes, silent.TenantID)
	if err != nil {
		return AuthResult{}, err
	}
	authParams.HomeAccountID = silent.Account.HomeAccountID

	key := strings.Join([]string{
		silent.Account.Key(),
		authParams.AuthorityInfo.CanonicalAuthorityURI,
		strings.Join(authParams.Scopes, " "),
	}, "|")
	v, err, _ := b.silent.Do(key, func() (any, error) {
		return b.acquireTokenSilent(ctx, authParams, silent.Account)
	})
	if err != nil {
		return AuthResult{}, err
	}
	return v.(AuthResult), nil
}

func (b Client) acquireTokenSilent(ctx context.Context, authParams authority.AuthParams, account shared.Account) (AuthResult, error) {
	var storageTokenResponse storage.TokenResponse
	err := b.withCache(ctx, authParams, false, func() error {
		storageTokenResponse = b.manager.Read(authParams, account)
		return nil
	})
	if err != nil {
		return AuthResult{}, err
	}

	if storageTokenResponse.AccessToken.Secret != "" {
		b.log.Log(ctx, logger.Debug, "access token served from the cache", logger.Field("account", account.HomeAccountID))
		return AuthResultFromStorage(storageTokenResponse)
	}
	if storageTokenResponse.RefreshToken.IsZero() {
		return AuthResult{}, fmt.Errorf("%w: no refresh token is cached for the account", errors.ErrInteractionRequired)
	}

	b.log.Log(ctx, logger.Debug, "refreshing the access token", logger.Field("account", account.HomeAccountID))
	token, err := b.Token.Refresh(ctx, authParams, storageTokenResponse.RefreshToken.Secret)
	if err != nil {
		return AuthResult{}, err
	}
	result, err := b.AuthResultFromToken(ctx, authParams, token)
	if err != nil {
		return AuthResult{}, err
	}
	// refresh responses may omit the ID token, the cached one still describes the user
	if result.IDToken.IsZero() && !storageTokenResponse.IDToken.IsZero() {
		if idToken, err := accesstokens.NewIDToken(storageTokenResponse.IDToken.Secret); err == nil {
			result.IDToken = idToken
		}
	}
	return result, nil
}

// AcquireTokenInteractive signs a user in through the browser and caches the result.
func (b Client) AcquireTokenInteractive(ctx context.Context, p AcquireTokenInteractiveParameters) (AuthResult, error) {
	authParams, err := b.params(p.Scopes, p.TenantID)
	if err != nil {
		return AuthResult{}, err
	}
	authParams.LoginHint = p.LoginHint
	authParams.DomainHint = p.DomainHint
	authParams.Prompt = p.Prompt
	if p.RedirectURI != "" {
		authParams.RedirectURI = p.RedirectURI
	}

	token, err := b.Token.Interactive(ctx, authParams, p.OpenURL)
	if err != nil {
		return AuthResult{}, err
	}
	if !p.Account.IsZero() && p.Account.PreferredUsername != "" &&
		strings.EqualFold(token.IDToken.Username(), p.Account.PreferredUsername) {
		authParams.HomeAccountID = p.Account.HomeAccountID
	}
	return b.AuthResultFromToken(ctx, authParams, token)
}

// AuthResultFromToken caches token and returns it as an AuthResult.
func (b Client) AuthResultFromToken(ctx context.Context, authParams authority.AuthParams, token accesstokens.TokenResponse) (AuthResult, error) {
	var account shared.Account
	err := b.withCache(ctx, authParams, true, func() error {
		var err error
		account, err = b.manager.Write(authParams, token)
		return err
	})
	if err != nil {
		return AuthResult{}, err
	}
	return NewAuthResult(token, account), nil
}

// Accounts returns the accounts in the cache, sorted by key.
func (b Client) Accounts(ctx context.Context) ([]shared.Account, error) {
	var accounts []shared.Account
	err := b.withCache(ctx, b.AuthParams, false, func() error {
		accounts = b.manager.AllAccounts()
		return nil
	})
	return accounts, err
}

// Account returns the cached account with homeAccountID, or the zero value.
func (b Client) Account(ctx context.Context, homeAccountID string) (shared.Account, error) {
	var account shared.Account
	err := b.withCache(ctx, b.AuthParams, false, func() error {
		account = b.manager.Account(homeAccountID)
		return nil
	})
	return account, err
}

// RemoveAccount removes account and its tokens from the cache.
func (b Client) RemoveAccount(ctx context.Context, account shared.Account) error {
	return b.withCache(ctx, b.AuthParams, true, func() error {
		b.manager.RemoveAccount(account, b.AuthParams.ClientID)
		return nil
	})
}
