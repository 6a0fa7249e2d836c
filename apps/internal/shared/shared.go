// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package shared

import (
	"slices"
	"strings"
)

const (
	// CacheKeySeparator is used in creating the keys of the cache.
	CacheKeySeparator = "-"
)

// Account is a user identity issued by the identity provider. Accounts are created from
// the claims of an ID token and are never mutated afterwards.
type Account struct {
	HomeAccountID     string `json:"home_account_id,omitempty"`
	Environment       string `json:"environment,omitempty"`
	Realm             string `json:"realm,omitempty"`
	PreferredUsername string `json:"username,omitempty"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
}

// NewAccount creates an account.
func NewAccount(homeAccountID, env, realm, username string) Account {
	return Account{
		HomeAccountID:     homeAccountID,
		Environment:       env,
		Realm:             realm,
		PreferredUsername: username,
	}
}

// Key creates the key for storing accounts in the cache.
func (acc Account) Key() string {
	return strings.ToLower(strings.Join([]string{acc.HomeAccountID, acc.Environment, acc.Realm}, CacheKeySeparator))
}

// IsZero checks the zero value of account.
func (acc Account) IsZero() bool {
	return acc == Account{}
}

// NormalizeScopes lower-cases, de-duplicates and sorts scopes. Two requests for the same
// scope set always produce the same result.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]bool, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}
