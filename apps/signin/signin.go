// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

/*
Package signin signs a single user in to an application and keeps them signed in.

A Service tries the token cache before it shows the user anything: Login first attempts a
silent sign-in with the account chosen by the SignInMode and only falls back to the
browser when the cache can't provide a token.

	svc, err := signin.New(signin.Config{
		ClientID: "11111111-1111-1111-1111-111111111111",
		Tenant:   "contoso.onmicrosoft.com",
		Scopes:   []string{"User.Read"},
	}, signin.WithCache(cache.NewAccessor(store)))
	...
	if err := svc.Login(ctx); err != nil {
		...
	}
	fmt.Println("signed in as", svc.UserName())
*/
package signin

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/errors"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/logger"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/metrics"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/public"
)

// ErrNotSignedIn is returned by AcquireToken before a successful sign-in or after Logout.
var ErrNotSignedIn = errors.New("no user is signed in")

// Authenticator acquires tokens from the identity provider. *public.Client and
// public.Client implement it.
type Authenticator interface {
	Accounts(ctx context.Context) ([]public.Account, error)
	AcquireTokenSilent(ctx context.Context, scopes []string, options ...public.AcquireSilentOption) (public.AuthResult, error)
	AcquireTokenInteractive(ctx context.Context, scopes []string, options ...public.AcquireInteractiveOption) (public.AuthResult, error)
	RemoveAccount(ctx context.Context, account public.Account) error
}

// Config describes the application registration. It can't change after New.
type Config struct {
	// ClientID is the application (client) ID. Required.
	ClientID string `yaml:"client_id"`
	// Tenant is the directory users sign in to, such as "common", "organizations" or a
	// tenant ID. Required.
	Tenant string `yaml:"tenant"`
	// AuthorityTemplate is the authority URL with a "{tenant}" placeholder. "{0}" is
	// accepted as well. The default is authority.DefaultTemplate.
	AuthorityTemplate string `yaml:"authority_template"`
	// Scopes are requested by Login and SilentLogin until SetScopes changes them.
	Scopes []string `yaml:"scopes"`
}

// Authority returns the authority URL for the configured tenant.
func (c Config) Authority() (string, error) {
	return authority.FromTemplate(c.AuthorityTemplate, c.Tenant)
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("client ID is required")
	}
	if strings.TrimSpace(c.Tenant) == "" {
		return errors.New("tenant is required")
	}
	uri, err := c.Authority()
	if err != nil {
		return err
	}
	_, err = authority.NewInfoFromAuthorityURI(uri, true)
	return err
}

// Identity is the account of the signed-in user.
type Identity struct {
	Account public.Account
	// ExpiresOn is the expiry of the access token acquired by the sign-in.
	ExpiresOn time.Time
}

// UserName is the user's sign-in name.
func (i Identity) UserName() string {
	return i.Account.PreferredUsername
}

// Email is the user's email address, or the sign-in name when the token carried no email.
func (i Identity) Email() string {
	if i.Account.Email != "" {
		return i.Account.Email
	}
	return i.Account.PreferredUsername
}

// AccountID is the stable identifier of the user's account.
func (i Identity) AccountID() string {
	return i.Account.HomeAccountID
}

type settings struct {
	scopes []string
	mode   SignInMode
}

type options struct {
	accessor    cache.ExportReplace
	logger      *slog.Logger
	mode        SignInMode
	httpClient  *http.Client
	redirectURI string
	registerer  prometheus.Registerer
	openURL     func(string) error
	auth        Authenticator
}

// Option is an optional argument to New.
type Option func(o *options)

// WithCache persists the token cache, so that sign-ins survive restarts.
func WithCache(accessor cache.ExportReplace) Option {
	return func(o *options) {
		o.accessor = accessor
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithSignInMode sets the initial SignInMode. The default is UseAnyCachedAccount.
func WithSignInMode(mode SignInMode) Option {
	return func(o *options) {
		o.mode = mode
	}
}

// WithHTTPClient sets the HTTP client used to talk to the authority.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithRedirectURI sets the loopback address that receives interactive sign-ins.
func WithRedirectURI(uri string) Option {
	return func(o *options) {
		o.redirectURI = uri
	}
}

// WithMetrics registers sign-in metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithOpenURL replaces the system browser for interactive sign-ins.
func WithOpenURL(openURL func(string) error) Option {
	return func(o *options) {
		o.openURL = openURL
	}
}

// WithAuthenticator uses auth instead of a public.Client built from the Config. The cache,
// HTTP client and redirect options don't apply to it.
func WithAuthenticator(auth Authenticator) Option {
	return func(o *options) {
		o.auth = auth
	}
}

// Service signs a user in and holds their Identity. It's safe for concurrent use.
type Service struct {
	auth    Authenticator
	config  Config
	log     *logger.Logger
	metrics *metrics.Metrics
	openURL func(string) error

	identity atomic.Pointer[Identity]
	settings atomic.Pointer[settings]
}

// New validates cfg and creates a Service. It doesn't contact the authority.
func New(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid sign-in configuration: %w", err)
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if _, ok := modeNames[o.mode]; !ok {
		return nil, fmt.Errorf("invalid sign-in mode %d", int(o.mode))
	}

	log, err := logger.New(o.logger)
	if err != nil {
		return nil, err
	}
	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, err
	}
	auth := o.auth
	if auth == nil {
		uri, err := cfg.Authority()
		if err != nil {
			return nil, err
		}
		client, err := public.New(cfg.ClientID,
			public.WithAuthority(uri),
			public.WithCache(o.accessor),
			public.WithHTTPClient(o.httpClient),
			public.WithLogger(o.logger),
			public.WithRedirectURI(o.redirectURI),
		)
		if err != nil {
			return nil, err
		}
		auth = client
	}

	cfg.Scopes = slices.Clone(cfg.Scopes)
	s := &Service{
		auth:    auth,
		config:  cfg,
		log:     log.With(logger.Field("client_id", cfg.ClientID)),
		metrics: m,
		openURL: o.openURL,
	}
	s.settings.Store(&settings{scopes: slices.Clone(cfg.Scopes), mode: o.mode})
	return s, nil
}

// Config returns the configuration the Service was created with.
func (s *Service) Config() Config {
	c := s.config
	c.Scopes = slices.Clone(c.Scopes)
	return c
}

func (s *Service) updateSettings(f func(*settings)) {
	for {
		old := s.settings.Load()
		next := *old
		f(&next)
		if s.settings.CompareAndSwap(old, &next) {
			return
		}
	}
}

// SetScopes sets the scopes requested by later sign-ins.
func (s *Service) SetScopes(scopes []string) {
	scopes = slices.Clone(scopes)
	s.updateSettings(func(st *settings) { st.scopes = scopes })
}

// Scopes returns the scopes requested by sign-ins.
func (s *Service) Scopes() []string {
	return slices.Clone(s.settings.Load().scopes)
}

// SetSignInMode sets the SignInMode of later sign-ins. An invalid mode is an error and
// leaves the current one in place.
func (s *Service) SetSignInMode(mode SignInMode) error {
	if _, ok := modeNames[mode]; !ok {
		return fmt.Errorf("invalid sign-in mode %d", int(mode))
	}
	s.updateSettings(func(st *settings) { st.mode = mode })
	return nil
}

// SignInMode returns the SignInMode of sign-ins.
func (s *Service) SignInMode() SignInMode {
	return s.settings.Load().mode
}

// Identity returns the signed-in user. ok is false before a successful sign-in and after
// Logout.
func (s *Service) Identity() (id Identity, ok bool) {
	p := s.identity.Load()
	if p == nil {
		return Identity{}, false
	}
	return *p, true
}

// UserName returns the signed-in user's sign-in name, or "".
func (s *Service) UserName() string {
	id, _ := s.Identity()
	return id.UserName()
}

// UserEmail returns the signed-in user's email address, or "".
func (s *Service) UserEmail() string {
	id, _ := s.Identity()
	return id.Email()
}

// UserAccountID returns the signed-in user's account ID, or "".
func (s *Service) UserAccountID() string {
	id, _ := s.Identity()
	return id.AccountID()
}

func (s *Service) setIdentity(ar public.AuthResult) {
	s.identity.Store(&Identity{Account: ar.Account, ExpiresOn: ar.ExpiresOn})
}

// SilentLogin signs the user in from the token cache. It returns false without an error
// when the user must sign in interactively; the identity is unchanged then. The selected
// account, even none, goes to the Authenticator, which decides whether a silent sign-in
// is possible.
func (s *Service) SilentLogin(ctx context.Context) (bool, error) {
	start := time.Now()
	st := s.settings.Load()
	candidate, err := selectAccount(ctx, s.auth, st.mode)
	if err != nil {
		s.metrics.Observe(metrics.FlowSilent, metrics.OutcomeError, start)
		return false, err
	}
	return s.silentLogin(ctx, candidate, st.scopes, start)
}

func (s *Service) silentLogin(ctx context.Context, candidate public.Account, scopes []string, start time.Time) (bool, error) {
	ar, err := s.auth.AcquireTokenSilent(ctx, scopes, public.WithSilentAccount(candidate))
	switch {
	case errors.Is(err, errors.ErrInteractionRequired):
		s.log.Log(ctx, logger.Debug, "silent sign-in needs user interaction", logger.Field("reason", err.Error()))
		s.metrics.Observe(metrics.FlowSilent, metrics.OutcomeInteractionRequired, start)
		return false, nil
	case err != nil:
		s.metrics.Observe(metrics.FlowSilent, metrics.OutcomeError, start)
		return false, err
	}
	s.setIdentity(ar)
	s.metrics.Observe(metrics.FlowSilent, metrics.OutcomeSuccess, start)
	s.log.Log(ctx, logger.Info, "signed in silently", logger.Field("account", ar.Account.HomeAccountID))
	return true, nil
}

// Login signs the user in, silently if possible and through the browser otherwise. A user
// who cancels the browser sign-in isn't an error: Login returns nil and the identity is
// unchanged.
func (s *Service) Login(ctx context.Context) error {
	start := time.Now()
	st := s.settings.Load()
	candidate, err := selectAccount(ctx, s.auth, st.mode)
	if err != nil {
		s.metrics.Observe(metrics.FlowSilent, metrics.OutcomeError, start)
		return loginError(err)
	}
	ok, err := s.silentLogin(ctx, candidate, st.scopes, start)
	if err != nil {
		return loginError(err)
	}
	if ok {
		return nil
	}

	start = time.Now()
	opts := []public.AcquireInteractiveOption{
		public.WithAccountHint(candidate),
		public.WithPrompt(public.PromptSelectAccount),
	}
	if s.openURL != nil {
		opts = append(opts, public.WithOpenURL(s.openURL))
	}
	ar, err := s.auth.AcquireTokenInteractive(ctx, st.scopes, opts...)
	switch {
	case errors.Is(err, errors.ErrUserCancelled):
		s.metrics.Observe(metrics.FlowInteractive, metrics.OutcomeCancelled, start)
		s.log.Log(ctx, logger.Info, "interactive sign-in was cancelled")
		return nil
	case err != nil:
		s.metrics.Observe(metrics.FlowInteractive, metrics.OutcomeError, start)
		return loginError(err)
	}
	s.setIdentity(ar)
	s.metrics.Observe(metrics.FlowInteractive, metrics.OutcomeSuccess, start)
	s.log.Log(ctx, logger.Info, "signed in interactively", logger.Field("account", ar.Account.HomeAccountID))
	return nil
}

// loginError adds the provider error code, when there is one, to a fatal Login error.
func loginError(err error) error {
	if code := errors.ErrorCode(err); code != "" {
		return fmt.Errorf("unexpected error occurred during login: %s: %w", code, err)
	}
	return fmt.Errorf("unexpected error occurred during login: %w", err)
}

// Logout removes every account from the token cache and clears the identity. Calling it
// when nobody is signed in does nothing.
func (s *Service) Logout(ctx context.Context) error {
	start := time.Now()
	removed := map[string]bool{}
	for {
		// the list is fetched again after every removal, a removal can change it
		accounts, err := s.auth.Accounts(ctx)
		if err != nil {
			s.metrics.Observe(metrics.FlowLogout, metrics.OutcomeError, start)
			return err
		}
		if len(accounts) == 0 {
			break
		}
		next := accounts[0]
		if removed[next.Key()] {
			s.metrics.Observe(metrics.FlowLogout, metrics.OutcomeError, start)
			return fmt.Errorf("account %s is still cached after it was removed", next.HomeAccountID)
		}
		if err := s.auth.RemoveAccount(ctx, next); err != nil {
			s.metrics.Observe(metrics.FlowLogout, metrics.OutcomeError, start)
			return err
		}
		removed[next.Key()] = true
	}
	s.identity.Store(nil)
	s.metrics.Observe(metrics.FlowLogout, metrics.OutcomeSuccess, start)
	if len(removed) > 0 {
		s.log.Log(ctx, logger.Info, "signed out", logger.Field("accounts", len(removed)))
	}
	return nil
}

// AcquireToken returns an access token of the signed-in user for scopes, or for the
// configured scopes when none are given. It never shows the user anything.
func (s *Service) AcquireToken(ctx context.Context, scopes ...string) (public.AuthResult, error) {
	return s.AcquireTokenForTenant(ctx, "", scopes...)
}

// AcquireTokenForTenant is AcquireToken for a tenant other than the configured one. An
// empty tenantID means the configured tenant.
func (s *Service) AcquireTokenForTenant(ctx context.Context, tenantID string, scopes ...string) (public.AuthResult, error) {
	id, ok := s.Identity()
	if !ok {
		return public.AuthResult{}, ErrNotSignedIn
	}
	if len(scopes) == 0 {
		scopes = s.Scopes()
	}
	opts := []public.AcquireSilentOption{public.WithSilentAccount(id.Account)}
	if tenantID != "" {
		opts = append(opts, public.WithSilentTenantID(tenantID))
	}
	return s.auth.AcquireTokenSilent(ctx, scopes, opts...)
}
