// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package oauth talks to the identity provider: it discovers the authority's endpoints,
// redeems refresh tokens and runs the authorization code flow with PKCE through the
// user's browser.
package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/errors"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/local"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/logger"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/authority"
)

// endpointsTTL is how long discovered endpoints are reused.
const endpointsTTL = 24 * time.Hour

// oidcScopes are requested with every authorization so that the response carries an ID
// token and a refresh token.
var oidcScopes = []string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess}

// interactionCodes are the OAuth2 error codes meaning only the user can fix the request.
var interactionCodes = map[string]bool{
	"invalid_grant":        true,
	"interaction_required": true,
	"login_required":       true,
	"consent_required":     true,
}

// Client is the identity provider client used by the token acquisition flows.
type Client struct {
	httpClient *http.Client
	endpoints  *gocache.Cache
	log        *logger.Logger
}

// New is the constructor for Client. A nil httpClient means http.DefaultClient.
func New(httpClient *http.Client, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		endpoints:  gocache.New(endpointsTTL, time.Hour),
		log:        log,
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	ctx = oidc.ClientContext(ctx, c.httpClient)
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

// ResolveEndpoints returns the authorization and token endpoints of the authority, from
// its OpenID configuration document.
func (c *Client) ResolveEndpoints(ctx context.Context, info authority.Info) (authority.Endpoints, error) {
	if v, ok := c.endpoints.Get(info.CanonicalAuthorityURI); ok {
		return v.(authority.Endpoints), nil
	}
	ctx = c.withHTTPClient(ctx)
	if info.MultiTenant() {
		// tokens of a multi-tenant authority are issued by the user's home tenant
		ctx = oidc.InsecureIssuerURLContext(ctx, info.CanonicalAuthorityURI)
	}
	provider, err := oidc.NewProvider(ctx, info.CanonicalAuthorityURI)
	if err != nil {
		return authority.Endpoints{}, &errors.ProviderError{Op: "discovery", Err: err}
	}
	var claims struct {
		Issuer string `json:"issuer"`
	}
	if err := provider.Claims(&claims); err != nil {
		return authority.Endpoints{}, &errors.ProviderError{Op: "discovery", Err: err}
	}
	ep := authority.Endpoints{
		AuthorizationEndpoint: provider.Endpoint().AuthURL,
		TokenEndpoint:         provider.Endpoint().TokenURL,
		Issuer:                claims.Issuer,
	}
	c.endpoints.Set(info.CanonicalAuthorityURI, ep, gocache.DefaultExpiration)
	c.log.Log(ctx, logger.Debug, "discovered authority endpoints",
		logger.Field("authority", info.CanonicalAuthorityURI),
		logger.Field("token_endpoint", ep.TokenEndpoint),
	)
	return ep, nil
}

func (c *Client) config(ep authority.Endpoints, params authority.AuthParams, redirectURI string) *oauth2.Config {
	scopes := slices.Clone(params.Scopes)
	for _, s := range oidcScopes {
		if !slices.Contains(scopes, s) {
			scopes = append(scopes, s)
		}
	}
	return &oauth2.Config{
		ClientID: params.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:   ep.AuthorizationEndpoint,
			TokenURL:  ep.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: redirectURI,
		Scopes:      scopes,
	}
}

// Refresh redeems refreshToken for a new access token. Failures the user must resolve
// are reported as errors.ErrInteractionRequired.
func (c *Client) Refresh(ctx context.Context, params authority.AuthParams, refreshToken string) (accesstokens.TokenResponse, error) {
	ep, err := c.ResolveEndpoints(ctx, params.AuthorityInfo)
	if err != nil {
		return accesstokens.TokenResponse{}, err
	}
	ctx = c.withHTTPClient(ctx)
	// an expiry in the past forces the token source to refresh, zero would mean "never expires"
	src := c.config(ep, params, "").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return accesstokens.TokenResponse{}, providerError("refresh", err)
	}
	tr, err := accesstokens.NewTokenResponse(tok, params.Scopes)
	if err != nil {
		return accesstokens.TokenResponse{}, &errors.ProviderError{Op: "refresh", Err: err}
	}
	if !tr.Covers(params.Scopes) {
		return accesstokens.TokenResponse{}, fmt.Errorf("%w: the refresh token wasn't granted every requested scope", errors.ErrInteractionRequired)
	}
	return tr, nil
}

// Interactive signs the user in through the browser. openURL opens the authorization URL,
// nil means the system browser. The redirect is received by a loopback server.
func (c *Client) Interactive(ctx context.Context, params authority.AuthParams, openURL func(string) error) (accesstokens.TokenResponse, error) {
	ep, err := c.ResolveEndpoints(ctx, params.AuthorityInfo)
	if err != nil {
		return accesstokens.TokenResponse{}, err
	}
	port, path, err := loopback(params.RedirectURI)
	if err != nil {
		return accesstokens.TokenResponse{}, err
	}
	state := uuid.New().String()
	srv, err := local.New(state, port, path)
	if err != nil {
		return accesstokens.TokenResponse{}, err
	}
	defer srv.Shutdown()

	redirectURI := params.RedirectURI
	if redirectURI == "" {
		redirectURI = srv.Addr
	}
	cfg := c.config(ep, params, redirectURI)
	verifier := oauth2.GenerateVerifier()
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	if params.Prompt != authority.PromptNone {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", string(params.Prompt)))
	}
	if params.LoginHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", params.LoginHint))
	}
	if params.DomainHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("domain_hint", params.DomainHint))
	}
	authURL := cfg.AuthCodeURL(state, opts...)

	if openURL == nil {
		openURL = browser.OpenURL
	}
	c.log.Log(ctx, logger.Info, "opening the browser for sign-in", logger.Field("redirect_uri", redirectURI))
	if err := openURL(authURL); err != nil {
		return accesstokens.TokenResponse{}, fmt.Errorf("couldn't open the browser: %w", err)
	}

	res := srv.Result(ctx)
	switch {
	case res.ErrorCode == "access_denied":
		return accesstokens.TokenResponse{}, fmt.Errorf("%w: %s", errors.ErrUserCancelled, res.ErrorDescription)
	case res.ErrorCode != "":
		return accesstokens.TokenResponse{}, &errors.ProviderError{Op: "interactive", Code: res.ErrorCode, Description: res.ErrorDescription}
	case res.Err != nil:
		if ctx.Err() != nil {
			return accesstokens.TokenResponse{}, fmt.Errorf("interactive sign-in didn't complete: %w", res.Err)
		}
		return accesstokens.TokenResponse{}, &errors.ProviderError{Op: "interactive", Err: res.Err}
	}

	tok, err := cfg.Exchange(c.withHTTPClient(ctx), res.Code, oauth2.VerifierOption(verifier))
	if err != nil {
		return accesstokens.TokenResponse{}, providerError("interactive", err)
	}
	tr, err := accesstokens.NewTokenResponse(tok, params.Scopes)
	if err != nil {
		return accesstokens.TokenResponse{}, &errors.ProviderError{Op: "interactive", Err: err}
	}
	if tr.IDToken.IsZero() {
		return accesstokens.TokenResponse{}, &errors.ProviderError{Op: "interactive", Description: "the token response has no ID token"}
	}
	return tr, nil
}

// loopback returns the port and path of a loopback redirect URI. An empty URI means any
// free port.
func loopback(redirectURI string) (int, string, error) {
	if redirectURI == "" {
		return 0, "/", nil
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return 0, "", fmt.Errorf("redirect URI %q is invalid: %w", redirectURI, err)
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
	default:
		return 0, "", fmt.Errorf("redirect URI %q isn't a loopback address", redirectURI)
	}
	if u.Scheme != "http" {
		return 0, "", fmt.Errorf("redirect URI %q must use http", redirectURI)
	}
	port := 0
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return 0, "", fmt.Errorf("redirect URI %q has an invalid port", redirectURI)
		}
	}
	return port, u.Path, nil
}

// providerError converts an error from golang.org/x/oauth2 into this module's taxonomy.
func providerError(op string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &errors.ProviderError{Op: op, Err: err}
	}
	if interactionCodes[re.ErrorCode] {
		return fmt.Errorf("%w: %s: %s", errors.ErrInteractionRequired, re.ErrorCode, re.ErrorDescription)
	}
	return &errors.ProviderError{
		Op:          op,
		Code:        re.ErrorCode,
		Description: re.ErrorDescription,
		Err:         errors.CallErr{Resp: re.Response, Err: err},
	}
}
