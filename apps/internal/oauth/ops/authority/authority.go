// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package authority describes the identity provider endpoint a client signs in against
// and the per-request parameters sent to it.
package authority

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultTemplate is the authority used when none is configured. {tenant} is replaced
// with the configured tenant.
const DefaultTemplate = "https://login.microsoftonline.com/{tenant}/v2.0"

var aadTrustedHostList = map[string]bool{
	"login.windows.net":            true, // Microsoft Azure Worldwide - Used in validation scenarios where host is not this list
	"login.chinacloudapi.cn":       true, // Microsoft Azure China
	"login.microsoftonline.de":     true, // Microsoft Azure Blackforest
	"login-us.microsoftonline.com": true, // Microsoft Azure US Government - Legacy
	"login.microsoftonline.us":     true, // Microsoft Azure US Government
	"login.microsoftonline.com":    true, // Microsoft Azure Worldwide
	"login.cloudgovapi.us":         true, // Microsoft Azure US Government
}

// TrustedHost checks if an AAD host is trusted/valid.
func TrustedHost(host string) bool {
	return aadTrustedHostList[host]
}

// multiTenant lists the AAD tenants whose issuer differs from the authority URL.
var multiTenant = map[string]bool{"common": true, "organizations": true, "consumers": true}

// Info consists of information about the authority.
type Info struct {
	// Host is the authority host, such as "login.microsoftonline.com".
	Host string
	// Tenant is the first path segment of the authority.
	Tenant string
	// CanonicalAuthorityURI is the authority without a trailing slash. It is the issuer
	// used for OpenID discovery.
	CanonicalAuthorityURI string

	scheme string
	// path is everything after the tenant segment, such as "/v2.0".
	path string
}

// NewInfoFromAuthorityURI creates an Info instance from the authority URL provided.
func NewInfoFromAuthorityURI(authority string, validateAuthority bool) (Info, error) {
	u, err := url.Parse(strings.TrimSpace(authority))
	if err != nil {
		return Info{}, fmt.Errorf("authority(%s) cannot be URL parsed: %w", authority, err)
	}
	if validateAuthority && u.Scheme != "https" {
		return Info{}, fmt.Errorf("authority(%s) did not start with https://", u.String())
	}
	if u.Host == "" {
		return Info{}, fmt.Errorf("authority(%s) has no host", authority)
	}
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	if segments[0] == "" {
		return Info{}, errors.New(`authority must have a tenant path segment, such as "https://login.microsoftonline.com/common"`)
	}
	rest := ""
	if len(segments) > 1 {
		rest = "/" + strings.Join(segments[1:], "/")
	}
	info := Info{
		Host:   u.Host,
		Tenant: segments[0],
		scheme: u.Scheme,
		path:   rest,
	}
	info.CanonicalAuthorityURI = fmt.Sprintf("%s://%s/%s%s", u.Scheme, u.Host, info.Tenant, rest)
	return info, nil
}

// FromTemplate expands the tenant placeholder of template. Both "{tenant}" and "{0}" are
// recognized. An empty template means DefaultTemplate; a template without a placeholder
// is an error.
func FromTemplate(template, tenant string) (string, error) {
	if template == "" {
		template = DefaultTemplate
	}
	if !strings.Contains(template, "{tenant}") && !strings.Contains(template, "{0}") {
		return "", fmt.Errorf("authority template %q has no {tenant} placeholder", template)
	}
	escaped := url.PathEscape(tenant)
	return strings.NewReplacer("{tenant}", escaped, "{0}", escaped).Replace(template), nil
}

// WithTenant returns a copy of i that points at tenant instead of i.Tenant.
func (i Info) WithTenant(tenant string) (Info, error) {
	if tenant == "" || strings.EqualFold(tenant, i.Tenant) {
		return i, nil
	}
	if multiTenant[strings.ToLower(tenant)] {
		return Info{}, fmt.Errorf("tenant %q can't override the configured authority", tenant)
	}
	return NewInfoFromAuthorityURI(fmt.Sprintf("%s://%s/%s%s", i.scheme, i.Host, url.PathEscape(tenant), i.path), false)
}

// MultiTenant reports whether the authority accepts users from more than one tenant.
// The issuer in tokens from such an authority names the user's home tenant.
func (i Info) MultiTenant() bool {
	return multiTenant[strings.ToLower(i.Tenant)]
}

// Endpoints consists of the endpoints from the tenant discovery response.
type Endpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	Issuer                string
}

// Prompt is the "prompt" parameter of an authorization request.
type Prompt string

const (
	PromptNone          Prompt = ""
	PromptSelectAccount Prompt = "select_account"
	PromptLogin         Prompt = "login"
	PromptConsent       Prompt = "consent"
)

// AuthParams represents the parameters used for authorization for token acquisition.
type AuthParams struct {
	AuthorityInfo Info
	ClientID      string
	// Scopes are the normalized requested scopes.
	Scopes        []string
	HomeAccountID string
	// RedirectURI is used by interactive requests. Empty means a loopback address on a
	// free port.
	RedirectURI string
	LoginHint   string
	DomainHint  string
	Prompt      Prompt
}

// NewAuthParams creates an authorization parameters object.
func NewAuthParams(clientID string, authorityInfo Info) AuthParams {
	return AuthParams{
		ClientID:      clientID,
		AuthorityInfo: authorityInfo,
	}
}

// CacheKey returns the key under which the serialized token cache for these parameters
// is persisted. All accounts of one client share a single partition.
func (p AuthParams) CacheKey() string {
	return "msal." + strings.ToLower(p.ClientID)
}
