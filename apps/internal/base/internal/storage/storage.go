// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package storage holds all cached token information for a client. This storage can be
// augmented with persistent storage: reads and writes in upper packages call Marshal() to
// take the entire in-memory representation and write it to storage and Unmarshal() to
// replace the entire in-memory storage with what was in the persistent storage.
package storage

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/shared"
)

// TokenResponse mimics a token response that was pulled from the cache. Any of the
// tokens may be the zero value when the cache holds no usable entry for it.
type TokenResponse struct {
	RefreshToken accesstokens.RefreshToken
	IDToken      IDToken
	AccessToken  AccessToken
	Account      shared.Account
}

// Manager is an in-memory cache of access tokens, refresh tokens and accounts. Unmarshal()
// replaces all data stored here with whatever was given to it on each call.
type Manager struct {
	contract   *Contract
	contractMu sync.RWMutex
}

// New is the constructor for Manager.
func New() *Manager {
	return &Manager{contract: NewContract()}
}

// Read returns the cached tokens of account that can serve authParams. The access token
// is only returned if it is still valid and its scopes include authParams.Scopes.
func (m *Manager) Read(authParams authority.AuthParams, account shared.Account) TokenResponse {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	env := authParams.AuthorityInfo.Host
	if stored, ok := m.contract.Accounts[account.Key()]; ok {
		account = stored
	}
	resp := TokenResponse{Account: account}
	tenant := realm(authParams, account)
	requested := shared.NormalizeScopes(authParams.Scopes)
	for _, at := range m.contract.AccessTokens {
		if at.HomeAccountID != account.HomeAccountID || !strings.EqualFold(at.Realm, tenant) ||
			!strings.EqualFold(at.Environment, env) || !strings.EqualFold(at.ClientID, authParams.ClientID) {
			continue
		}
		if !containsScopes(at.ScopeList(), requested) || at.Validate() != nil {
			continue
		}
		resp.AccessToken = at
		break
	}
	rt := accesstokens.NewRefreshToken(account.HomeAccountID, env, authParams.ClientID, "")
	resp.RefreshToken = m.contract.RefreshTokens[rt.Key()]
	for _, r := range []string{tenant, account.Realm} {
		idt := NewIDToken(account.HomeAccountID, env, r, authParams.ClientID, "")
		if v, ok := m.contract.IDTokens[idt.Key()]; ok {
			resp.IDToken = v
			break
		}
	}
	return resp
}

// realm returns the tenant whose tokens serve authParams. A multi-tenant authority issues
// tokens from the account's home tenant.
func realm(authParams authority.AuthParams, account shared.Account) string {
	if authParams.AuthorityInfo.Tenant == "" || authParams.AuthorityInfo.MultiTenant() {
		return account.Realm
	}
	return authParams.AuthorityInfo.Tenant
}

// containsScopes reports whether every normalized requested scope is in granted. OIDC
// scopes aren't tracked by access tokens and are skipped.
func containsScopes(granted, requested []string) bool {
	for _, s := range requested {
		switch s {
		case "openid", "profile", "offline_access", "email":
			continue
		}
		if !slices.Contains(granted, s) {
			return false
		}
	}
	return true
}

// Write writes a token response to the cache and returns the account the tokens are
// stored under. A token for the same account and scope set replaces the previous one.
func (m *Manager) Write(authParams authority.AuthParams, tokenResponse accesstokens.TokenResponse) (shared.Account, error) {
	if err := tokenResponse.Validate(); err != nil {
		return shared.Account{}, err
	}
	env := authParams.AuthorityInfo.Host
	clientID := authParams.ClientID

	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	var account shared.Account
	if !tokenResponse.IDToken.IsZero() {
		account = tokenResponse.IDToken.Account(env, authParams.AuthorityInfo.Tenant)
	}
	// an ID token from another tenant names the guest identity, the tokens belong to
	// the home account. Refresh responses may omit the ID token altogether.
	if authParams.HomeAccountID != "" && account.HomeAccountID != authParams.HomeAccountID {
		if home := m.account(authParams.HomeAccountID, env); home.HomeAccountID != "" {
			account = home
		}
	}
	if account.HomeAccountID == "" {
		return shared.Account{}, errors.New("token response doesn't identify an account")
	}

	if tokenResponse.HasRefreshToken() {
		rt := accesstokens.NewRefreshToken(account.HomeAccountID, env, clientID, tokenResponse.RefreshToken)
		m.contract.RefreshTokens[rt.Key()] = rt
	}
	tenant := realm(authParams, account)
	at := NewAccessToken(
		account.HomeAccountID,
		env,
		tenant,
		clientID,
		time.Now(),
		tokenResponse.ExpiresOn,
		tokenResponse.GrantedScopes,
		tokenResponse.AccessToken,
	)
	m.contract.AccessTokens[at.Key()] = at
	if !tokenResponse.IDToken.IsZero() {
		idt := NewIDToken(account.HomeAccountID, env, tenant, clientID, tokenResponse.IDToken.RawToken)
		m.contract.IDTokens[idt.Key()] = idt
	}
	m.contract.Accounts[account.Key()] = account
	return account, nil
}

// account finds an account by home account id. Callers must hold contractMu.
func (m *Manager) account(homeAccountID, env string) shared.Account {
	for _, acc := range m.contract.Accounts {
		if acc.HomeAccountID == homeAccountID && strings.EqualFold(acc.Environment, env) {
			return acc
		}
	}
	return shared.Account{}
}

// AllAccounts returns every cached account, sorted by key.
func (m *Manager) AllAccounts() []shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	keys := make([]string, 0, len(m.contract.Accounts))
	for k := range m.contract.Accounts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	accounts := make([]shared.Account, 0, len(keys))
	for _, k := range keys {
		accounts = append(accounts, m.contract.Accounts[k])
	}
	return accounts
}

// Account returns the cached account with homeAccountID, or the zero value.
func (m *Manager) Account(homeAccountID string) shared.Account {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()

	for _, v := range m.contract.Accounts {
		if v.HomeAccountID == homeAccountID {
			return v
		}
	}
	return shared.Account{}
}

// RemoveAccount removes account and every token issued to it for clientID.
func (m *Manager) RemoveAccount(account shared.Account, clientID string) {
	m.contractMu.Lock()
	defer m.contractMu.Unlock()

	owned := func(homeID, env, cid string) bool {
		return homeID == account.HomeAccountID && strings.EqualFold(env, account.Environment) && strings.EqualFold(cid, clientID)
	}
	for k, rt := range m.contract.RefreshTokens {
		if owned(rt.HomeAccountID, rt.Environment, rt.ClientID) {
			delete(m.contract.RefreshTokens, k)
		}
	}
	for k, at := range m.contract.AccessTokens {
		if owned(at.HomeAccountID, at.Environment, at.ClientID) {
			delete(m.contract.AccessTokens, k)
		}
	}
	for k, idt := range m.contract.IDTokens {
		if owned(idt.HomeAccountID, idt.Environment, idt.ClientID) {
			delete(m.contract.IDTokens, k)
		}
	}
	for k, acc := range m.contract.Accounts {
		if acc.HomeAccountID == account.HomeAccountID && strings.EqualFold(acc.Environment, account.Environment) {
			delete(m.contract.Accounts, k)
		}
	}
}

// Marshal implements cache.Marshaler.
func (m *Manager) Marshal() ([]byte, error) {
	m.contractMu.RLock()
	defer m.contractMu.RUnlock()
	return json.Marshal(m.contract)
}

// Unmarshal implements cache.Unmarshaler.
func (m *Manager) Unmarshal(b []byte) error {
	contract := NewContract()
	if len(b) > 0 {
		if err := json.Unmarshal(b, contract); err != nil {
			return err
		}
	}
	// an explicit null decodes as a nil map
	if contract.AccessTokens == nil {
		contract.AccessTokens = map[string]AccessToken{}
	}
	if contract.RefreshTokens == nil {
		contract.RefreshTokens = map[string]accesstokens.RefreshToken{}
	}
	if contract.IDTokens == nil {
		contract.IDTokens = map[string]IDToken{}
	}
	if contract.Accounts == nil {
		contract.Accounts = map[string]shared.Account{}
	}

	m.contractMu.Lock()
	defer m.contractMu.Unlock()
	m.contract = contract
	return nil
}
