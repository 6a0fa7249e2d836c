// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package public provides a client for authentication of "public" applications. A "public"
application is defined as an app that runs on client devices (android, ios, windows, linux, ...).
These devices are "untrusted" and access resources via web APIs that must authenticate.
*/
package public

/*
Design note:

public.Client uses base.Client as an embedded type. base.Client statically assigns its attributes
during creation. Anything borrowed from it, such as Base.AuthParams, is a copy that is free to
be manipulated here.
*/

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/user"
	"strings"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/errors"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/base"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/logger"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/shared"
)

// AuthorityPublicCloud is the default authority: any work, school or personal Microsoft account.
const AuthorityPublicCloud = "https://login.microsoftonline.com/common/v2.0"

// AuthResult contains the results of one token acquisition operation.
type AuthResult = base.AuthResult

type Account = shared.Account

// OperatingSystemAccount stands for the user signed in to the operating system. Silent
// requests resolve it to the cached account with the same user name; interactive requests
// send the user name as a login hint.
var OperatingSystemAccount = Account{HomeAccountID: "Account_FromOperatingSystem"}

// Prompt is the prompt behavior of an interactive request.
type Prompt = authority.Prompt

const (
	PromptNone          = authority.PromptNone
	PromptSelectAccount = authority.PromptSelectAccount
	PromptLogin         = authority.PromptLogin
	PromptConsent       = authority.PromptConsent
)

// Options configures the Client's behavior.
type Options struct {
	// Accessor controls cache persistence. By default there is no cache persistence.
	// This can be set with the WithCache() option.
	Accessor cache.ExportReplace

	// The authority, such as https://login.microsoftonline.com/common/v2.0.
	// This can be changed with the WithAuthority() option.
	Authority string

	// HTTPClient sends requests to the authority. The default is http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives the client's log entries. By default nothing is logged.
	Logger *slog.Logger

	// RedirectURI is the loopback address receiving interactive sign-ins. The default is
	// http://localhost on a free port.
	RedirectURI string

	provider    base.Provider
	currentUser func() (string, error)
}

func (p *Options) validate() error {
	u, err := url.Parse(p.Authority)
	if err != nil {
		return fmt.Errorf("Authority options cannot be URL parsed: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("Authority(%s) did not start with https://", u.String())
	}
	if p.RedirectURI != "" {
		r, err := url.Parse(p.RedirectURI)
		if err != nil {
			return fmt.Errorf("RedirectURI cannot be URL parsed: %w", err)
		}
		if r.Scheme != "http" {
			return fmt.Errorf("RedirectURI(%s) must be an http loopback address", p.RedirectURI)
		}
	}
	return nil
}

// Option is an optional argument to the New constructor.
type Option func(o *Options)

// WithAuthority allows for a custom authority to be set. This must be a valid https url.
func WithAuthority(authority string) Option {
	return func(o *Options) {
		o.Authority = authority
	}
}

// WithCache allows you to set some type of cache for storing authentication tokens.
func WithCache(accessor cache.ExportReplace) Option {
	return func(o *Options) {
		o.Accessor = accessor
	}
}

// WithHTTPClient sets the HTTP client used to talk to the authority.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *Options) {
		o.HTTPClient = httpClient
	}
}

// WithLogger sets the logger of the client.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithRedirectURI sets the loopback address that receives interactive sign-ins, such as
// "http://localhost:8400". The address must be registered for the application.
func WithRedirectURI(uri string) Option {
	return func(o *Options) {
		o.RedirectURI = uri
	}
}

// Client is a representation of authentication client for public applications as defined in the
// package doc. For more information, visit https://docs.microsoft.com/azure/active-directory/develop/msal-client-applications.
type Client struct {
	base.Client

	currentUser func() (string, error)
}

// New is the constructor for Client.
func New(clientID string, options ...Option) (Client, error) {
	opts := Options{Authority: AuthorityPublicCloud, currentUser: osUsername}
	for _, o := range options {
		o(&opts)
	}
	if err := opts.validate(); err != nil {
		return Client{}, err
	}

	log, err := logger.New(opts.Logger)
	if err != nil {
		return Client{}, err
	}
	log = log.With(logger.Field("client_id", clientID))
	provider := opts.provider
	if provider == nil {
		provider = oauth.New(opts.HTTPClient, log)
	}
	b, err := base.New(clientID, opts.Authority, provider, base.WithCacheAccessor(opts.Accessor), base.WithLogger(log))
	if err != nil {
		return Client{}, err
	}
	b.AuthParams.RedirectURI = opts.RedirectURI
	return Client{Client: b, currentUser: opts.currentUser}, nil
}

// AcquireTokenSilentOptions are all the optional settings to an AcquireTokenSilent() call.
// These are set by using various AcquireSilentOption functions.
type AcquireTokenSilentOptions struct {
	// Account represents the account to use. To set, use the WithSilentAccount() option.
	Account Account
	// TenantID overrides the tenant of the client's authority. To set, use the
	// WithSilentTenantID() option.
	TenantID string
}

// AcquireSilentOption is implemented by options for AcquireTokenSilent
type AcquireSilentOption func(a *AcquireTokenSilentOptions)

// WithSilentAccount uses the passed account during an AcquireTokenSilent() call.
func WithSilentAccount(account Account) AcquireSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.Account = account
	}
}

// WithSilentTenantID specifies a tenant for a single request, overriding the tenant of
// the client's authority. A multi-tenant name such as "common" is rejected.
func WithSilentTenantID(tenantID string) AcquireSilentOption {
	return func(a *AcquireTokenSilentOptions) {
		a.TenantID = tenantID
	}
}

// AcquireTokenSilent acquires a token from either the cache or using a refresh token. It
// returns an error matching errors.ErrInteractionRequired when only an interactive request
// can provide a token.
func (pca Client) AcquireTokenSilent(ctx context.Context, scopes []string, options ...AcquireSilentOption) (AuthResult, error) {
	opts := AcquireTokenSilentOptions{}
	for _, o := range options {
		o(&opts)
	}

	account := opts.Account
	if account == OperatingSystemAccount {
		var err error
		if account, err = pca.operatingSystemAccount(ctx); err != nil {
			return AuthResult{}, err
		}
	}
	return pca.Client.AcquireTokenSilent(ctx, base.AcquireTokenSilentParameters{
		Scopes:   scopes,
		Account:  account,
		TenantID: opts.TenantID,
	})
}

// InteractiveAuthOptions contains the optional parameters used to acquire an access token for interactive auth code flow.
type InteractiveAuthOptions struct {
	// Account is a hint of the account to sign in. To set, use the WithAccountHint() option.
	Account                         Account
	LoginHint, DomainHint, TenantID string
	Prompt                          Prompt
	OpenURL                         func(url string) error
}

// AcquireInteractiveOption is implemented by options for AcquireTokenInteractive
type AcquireInteractiveOption func(o *InteractiveAuthOptions)

// WithAccountHint pre-selects account in the sign-in page. OperatingSystemAccount hints
// the user signed in to the operating system.
func WithAccountHint(account Account) AcquireInteractiveOption {
	return func(o *InteractiveAuthOptions) {
		o.Account = account
	}
}

// WithLoginHint pre-populates the login prompt with a username. It takes precedence over
// WithAccountHint.
func WithLoginHint(username string) AcquireInteractiveOption {
	return func(o *InteractiveAuthOptions) {
		o.LoginHint = username
	}
}

// WithDomainHint adds the IdP domain as domain_hint query parameter in the auth url.
func WithDomainHint(domain string) AcquireInteractiveOption {
	return func(o *InteractiveAuthOptions) {
		o.DomainHint = domain
	}
}

// WithPrompt sets the prompt behavior. The default is PromptSelectAccount.
func WithPrompt(prompt Prompt) AcquireInteractiveOption {
	return func(o *InteractiveAuthOptions) {
		o.Prompt = prompt
	}
}

// WithOpenURL allows you to provide a function to open the browser to complete the interactive login, instead of launching the system default browser.
func WithOpenURL(openURL func(url string) error) AcquireInteractiveOption {
	return func(o *InteractiveAuthOptions) {
		o.OpenURL = openURL
	}
}

// WithInteractiveTenantID specifies a tenant for a single request, overriding the tenant
// of the client's authority.
func WithInteractiveTenantID(tenantID string) AcquireInteractiveOption {
	return func(o *InteractiveAuthOptions) {
		o.TenantID = tenantID
	}
}

// AcquireTokenInteractive acquires a security token from the authority using the default web browser to select the account.
// https://docs.microsoft.com/en-us/azure/active-directory/develop/msal-authentication-flows#interactive-and-non-interactive-authentication
// A user who dismisses the sign-in page yields an error matching errors.ErrUserCancelled.
func (pca Client) AcquireTokenInteractive(ctx context.Context, scopes []string, options ...AcquireInteractiveOption) (AuthResult, error) {
	opts := InteractiveAuthOptions{Prompt: PromptSelectAccount}
	for _, o := range options {
		o(&opts)
	}

	var hinted Account
	if opts.Account != OperatingSystemAccount {
		hinted = opts.Account
	}
	loginHint := opts.LoginHint
	if loginHint == "" {
		switch opts.Account {
		case Account{}:
		case OperatingSystemAccount:
			// without a user name the authority shows its account chooser
			if name, err := pca.currentUser(); err == nil {
				loginHint = name
			}
		default:
			loginHint = opts.Account.PreferredUsername
		}
	}
	return pca.Client.AcquireTokenInteractive(ctx, base.AcquireTokenInteractiveParameters{
		Scopes:     scopes,
		LoginHint:  loginHint,
		DomainHint: opts.DomainHint,
		Prompt:     opts.Prompt,
		TenantID:   opts.TenantID,
		Account:    hinted,
		OpenURL:    opts.OpenURL,
	})
}

// Accounts gets all the accounts in the token cache.
// If there are no accounts in the cache the returned slice is empty.
func (pca Client) Accounts(ctx context.Context) ([]Account, error) {
	return pca.Client.Accounts(ctx)
}

// RemoveAccount signs the account out and forces reauthentication.
func (pca Client) RemoveAccount(ctx context.Context, account Account) error {
	return pca.Client.RemoveAccount(ctx, account)
}

// operatingSystemAccount returns the cached account of the user signed in to the
// operating system.
func (pca Client) operatingSystemAccount(ctx context.Context) (Account, error) {
	name, err := pca.currentUser()
	if err != nil {
		return Account{}, fmt.Errorf("%w: couldn't determine the operating system user: %s", errors.ErrInteractionRequired, err)
	}
	accounts, err := pca.Client.Accounts(ctx)
	if err != nil {
		return Account{}, err
	}
	for _, acc := range accounts {
		if matchesUsername(acc.PreferredUsername, name) {
			return acc, nil
		}
	}
	return Account{}, fmt.Errorf("%w: no cached account belongs to operating system user %q", errors.ErrInteractionRequired, name)
}

// matchesUsername reports whether the local part of a sign-in name, such as
// "user@contoso.com", is the operating system user name.
func matchesUsername(username, osName string) bool {
	if username == "" || osName == "" {
		return false
	}
	local, _, _ := strings.Cut(username, "@")
	return strings.EqualFold(local, osName) || strings.EqualFold(username, osName)
}

// osUsername returns the name of the current operating system user without any domain
// prefix.
func osUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	name := u.Username
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "", errors.New("the operating system user has no name")
	}
	return name, nil
}
