// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package signin

import (
	"context"
	"fmt"
	"strings"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/public"
)

// SignInMode decides which account a sign-in attempts silently.
type SignInMode int

const (
	// UseAnyCachedAccount tries the first account in the token cache.
	UseAnyCachedAccount SignInMode = iota
	// UseKnownAccountList gives no hint, the user picks an account on the sign-in page.
	UseKnownAccountList
	// UseSystemAccount tries the account of the user signed in to the operating system.
	UseSystemAccount
)

var modeNames = map[SignInMode]string{
	UseAnyCachedAccount: "any-account",
	UseKnownAccountList: "known-accounts",
	UseSystemAccount:    "system-account",
}

func (m SignInMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("SignInMode(%d)", int(m))
}

// ParseSignInMode parses the String form of a SignInMode.
func ParseSignInMode(s string) (SignInMode, error) {
	for mode, name := range modeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown sign-in mode %q, want one of any-account, known-accounts, system-account", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m SignInMode) MarshalText() ([]byte, error) {
	if _, ok := modeNames[m]; !ok {
		return nil, fmt.Errorf("invalid sign-in mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SignInMode) UnmarshalText(text []byte) error {
	mode, err := ParseSignInMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// selectAccount returns the account a sign-in in mode should attempt silently. The zero
// Account means no hint.
func selectAccount(ctx context.Context, auth Authenticator, mode SignInMode) (public.Account, error) {
	switch mode {
	case UseSystemAccount:
		return public.OperatingSystemAccount, nil
	case UseKnownAccountList:
		return public.Account{}, nil
	case UseAnyCachedAccount:
		accounts, err := auth.Accounts(ctx)
		if err != nil {
			return public.Account{}, err
		}
		// the store's order decides, public.Client lists accounts sorted by key
		if len(accounts) > 0 {
			return accounts[0], nil
		}
		return public.Account{}, nil
	}
	return public.Account{}, fmt.Errorf("invalid sign-in mode %d", int(mode))
}
