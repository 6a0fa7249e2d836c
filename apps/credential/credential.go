// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package credential lets Azure SDK clients authenticate as the signed-in user.

	svc, err := signin.New(cfg, signin.WithCache(accessor))
	...
	if err := svc.Login(ctx); err != nil {
		...
	}
	client, err := azsecrets.NewClient(vaultURL, credential.New(svc), nil)
*/
package credential

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/errors"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/public"
)

// TokenSource acquires tokens for the signed-in user without user interaction.
// *signin.Service implements it.
type TokenSource interface {
	AcquireTokenForTenant(ctx context.Context, tenantID string, scopes ...string) (public.AuthResult, error)
}

// Credential is an azcore.TokenCredential. It never prompts the user, so requests that need
// interaction fail with an error wrapping errors.ErrInteractionRequired.
type Credential struct {
	src TokenSource
}

var _ azcore.TokenCredential = (*Credential)(nil)

// New returns a Credential that gets its tokens from src.
func New(src TokenSource) *Credential {
	return &Credential{src: src}
}

// GetToken implements azcore.TokenCredential.
func (c *Credential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	if len(opts.Scopes) == 0 {
		return azcore.AccessToken{}, fmt.Errorf("credential: at least one scope is required")
	}
	// a claims challenge can only be satisfied by signing in again
	if opts.Claims != "" {
		return azcore.AccessToken{}, fmt.Errorf("credential: claims challenge: %w", errors.ErrInteractionRequired)
	}
	ar, err := c.src.AcquireTokenForTenant(ctx, opts.TenantID, opts.Scopes...)
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("credential: %w", err)
	}
	return azcore.AccessToken{Token: ar.AccessToken, ExpiresOn: ar.ExpiresOn.UTC()}, nil
}
