// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package base

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kylelemons/godebug/pretty"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/errors"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/base/internal/storage"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/accesstokens"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/oauth/ops/authority"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/shared"
)

const (
	fakeAccessToken  = "fake-access-token"
	fakeAuthority    = "https://login.microsoftonline.com/fake-tenant-id/v2.0"
	fakeClientID     = "fake-client-id"
	fakeRefreshToken = "fake-refresh-token"
	fakeTenantID     = "fake-tenant-id"
	fakeUsername     = "fake-username@contoso.com"
)

var testScopes = []string{"User.Read"}

func fakeIDToken(t *testing.T) accesstokens.IDToken {
	t.Helper()
	return idTokenWithClaims(t, jwt.MapClaims{
		"sub":                "sub",
		"oid":                "oid",
		"tid":                fakeTenantID,
		"preferred_username": fakeUsername,
		"name":               "Fake User",
	})
}

// guestIDToken is the ID token another tenant issues for the fake user.
func guestIDToken(t *testing.T) accesstokens.IDToken {
	t.Helper()
	return idTokenWithClaims(t, jwt.MapClaims{
		"sub":                "guest-sub",
		"oid":                "guest-oid",
		"tid":                "other-tenant",
		"preferred_username": fakeUsername,
		"name":               "Fake User",
	})
}

func idTokenWithClaims(t *testing.T, claims jwt.MapClaims) accesstokens.IDToken {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	idToken, err := accesstokens.NewIDToken(raw)
	if err != nil {
		t.Fatal(err)
	}
	return idToken
}

// fakeProvider stands in for the identity provider.
type fakeProvider struct {
	mu               sync.Mutex
	refreshCalls     int
	interactiveCalls int
	lastParams       authority.AuthParams
	lastRefreshToken string

	refreshResp     accesstokens.TokenResponse
	refreshErr      error
	interactiveResp accesstokens.TokenResponse
	interactiveErr  error
}

func (f *fakeProvider) Refresh(ctx context.Context, params authority.AuthParams, refreshToken string) (accesstokens.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastParams = params
	f.lastRefreshToken = refreshToken
	return f.refreshResp, f.refreshErr
}

func (f *fakeProvider) Interactive(ctx context.Context, params authority.AuthParams, openURL func(string) error) (accesstokens.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interactiveCalls++
	f.lastParams = params
	return f.interactiveResp, f.interactiveErr
}

func fakeClient(t *testing.T, provider *fakeProvider, options ...Option) Client {
	t.Helper()
	client, err := New(fakeClientID, fakeAuthority, provider, options...)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func signIn(t *testing.T, client Client, provider *fakeProvider, expiresIn time.Duration) AuthResult {
	t.Helper()
	provider.interactiveResp = accesstokens.TokenResponse{
		AccessToken:   fakeAccessToken,
		RefreshToken:  fakeRefreshToken,
		IDToken:       fakeIDToken(t),
		GrantedScopes: shared.NormalizeScopes(testScopes),
		ExpiresOn:     time.Now().Add(expiresIn),
	}
	ar, err := client.AcquireTokenInteractive(context.Background(), AcquireTokenInteractiveParameters{
		Scopes:    testScopes,
		LoginHint: fakeUsername,
		Prompt:    authority.PromptSelectAccount,
	})
	if err != nil {
		t.Fatal(err)
	}
	return ar
}

func TestNew(t *testing.T) {
	tests := []struct {
		desc      string
		clientID  string
		authority string
		provider  Provider
	}{
		{desc: "no client ID", authority: fakeAuthority, provider: &fakeProvider{}},
		{desc: "no provider", clientID: fakeClientID, authority: fakeAuthority},
		{desc: "http authority", clientID: fakeClientID, authority: "http://login.microsoftonline.com/common", provider: &fakeProvider{}},
	}
	for _, test := range tests {
		if _, err := New(test.clientID, test.authority, test.provider); err == nil {
			t.Errorf("TestNew(%s): got err == nil", test.desc)
		}
	}
}

func TestAcquireTokenSilentNoAccount(t *testing.T) {
	provider := &fakeProvider{}
	client := fakeClient(t, provider)
	_, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Scopes: testScopes})
	if !errors.Is(err, errors.ErrInteractionRequired) {
		t.Fatalf("got %v, want ErrInteractionRequired", err)
	}
}

func TestAcquireTokenSilentEmptyCache(t *testing.T) {
	provider := &fakeProvider{}
	client := fakeClient(t, provider)
	_, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{
		Account: shared.NewAccount("oid."+fakeTenantID, "login.microsoftonline.com", fakeTenantID, fakeUsername),
		Scopes:  testScopes,
	})
	if !errors.Is(err, errors.ErrInteractionRequired) {
		t.Fatalf("got %v, want ErrInteractionRequired", err)
	}
	if provider.refreshCalls != 0 {
		t.Errorf("got %d refresh calls, want 0", provider.refreshCalls)
	}
}

func TestInteractiveThenSilent(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	store := cache.NewMemory()
	client := fakeClient(t, provider, WithCacheAccessor(cache.NewAccessor(store)))

	ar := signIn(t, client, provider, time.Hour)
	want := shared.Account{
		HomeAccountID:     "oid." + fakeTenantID,
		Environment:       "login.microsoftonline.com",
		Realm:             fakeTenantID,
		PreferredUsername: fakeUsername,
		Name:              "Fake User",
		Email:             fakeUsername,
	}
	if diff := pretty.Compare(want, ar.Account); diff != "" {
		t.Fatalf("interactive account: -want/+got:\n%s", diff)
	}
	if provider.lastParams.LoginHint != fakeUsername || provider.lastParams.Prompt != authority.PromptSelectAccount {
		t.Errorf("interactive request didn't carry the hint and prompt: %+v", provider.lastParams)
	}
	if diff := pretty.Compare([]string{"user.read"}, provider.lastParams.Scopes); diff != "" {
		t.Errorf("interactive scopes: -want/+got:\n%s", diff)
	}

	// a second client sharing the store sees the sign-in
	other := fakeClient(t, &fakeProvider{}, WithCacheAccessor(cache.NewAccessor(store)))
	accounts, err := other.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]shared.Account{want}, accounts); diff != "" {
		t.Fatalf("Accounts(): -want/+got:\n%s", diff)
	}

	silent, err := other.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{Account: accounts[0], Scopes: []string{"user.read", "USER.READ"}})
	if err != nil {
		t.Fatal(err)
	}
	if silent.AccessToken != fakeAccessToken {
		t.Errorf("got access token %q, want %q", silent.AccessToken, fakeAccessToken)
	}
	if silent.IDToken.PreferredUsername != fakeUsername {
		t.Errorf("cached ID token wasn't returned: %+v", silent.IDToken)
	}
	if !silent.ExpiresOn.Equal(ar.ExpiresOn) {
		t.Errorf("ExpiresOn: got %s, want %s", silent.ExpiresOn, ar.ExpiresOn)
	}
	if provider.refreshCalls != 0 {
		t.Errorf("got %d refresh calls, want 0", provider.refreshCalls)
	}

	got, err := other.Account(ctx, want.HomeAccountID)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("Account(): got %+v, want %+v", got, want)
	}
}

func TestAcquireTokenSilentRefresh(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	client := fakeClient(t, provider, WithCacheAccessor(cache.NewAccessor(cache.NewMemory())))

	// the cached access token expires inside the refresh margin
	ar := signIn(t, client, provider, time.Minute)
	provider.refreshResp = accesstokens.TokenResponse{
		AccessToken:   "refreshed-access-token",
		RefreshToken:  "rotated-refresh-token",
		GrantedScopes: []string{"user.read"},
		ExpiresOn:     time.Now().Add(time.Hour),
	}

	silent, err := client.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{Account: ar.Account, Scopes: testScopes})
	if err != nil {
		t.Fatal(err)
	}
	if silent.AccessToken != "refreshed-access-token" {
		t.Errorf("got access token %q, want the refreshed one", silent.AccessToken)
	}
	if provider.lastRefreshToken != fakeRefreshToken {
		t.Errorf("redeemed refresh token %q, want %q", provider.lastRefreshToken, fakeRefreshToken)
	}
	if silent.Account != ar.Account {
		t.Errorf("refresh changed the account: got %+v, want %+v", silent.Account, ar.Account)
	}
	if silent.IDToken.IsZero() {
		t.Error("refreshed result has no ID token")
	}

	// the refreshed token is cached, the rotated refresh token replaced the old one
	if _, err := client.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{Account: ar.Account, Scopes: testScopes}); err != nil {
		t.Fatal(err)
	}
	if provider.refreshCalls != 1 {
		t.Errorf("got %d refresh calls, want 1", provider.refreshCalls)
	}
	str := client.manager.Read(provider.lastParams, ar.Account)
	if str.RefreshToken.Secret != "rotated-refresh-token" {
		t.Errorf("cached refresh token: got %q, want the rotated one", str.RefreshToken.Secret)
	}
}

func TestAcquireTokenSilentRefreshFails(t *testing.T) {
	tests := []struct {
		desc        string
		err         error
		interaction bool
	}{
		{desc: "revoked", err: fmt.Errorf("%w: invalid_grant", errors.ErrInteractionRequired), interaction: true},
		{desc: "provider failure", err: &errors.ProviderError{Op: "refresh", Code: "invalid_client"}},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			provider := &fakeProvider{}
			client := fakeClient(t, provider)
			ar := signIn(t, client, provider, 0)
			provider.refreshErr = test.err

			_, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Account: ar.Account, Scopes: testScopes})
			if got := errors.Is(err, errors.ErrInteractionRequired); got != test.interaction {
				t.Fatalf("got %v, want interaction required == %t", err, test.interaction)
			}
			if !test.interaction && errors.ErrorCode(err) != "invalid_client" {
				t.Errorf("got error code %q, want invalid_client", errors.ErrorCode(err))
			}
		})
	}
}

func TestAcquireTokenSilentOtherScopes(t *testing.T) {
	provider := &fakeProvider{refreshErr: fmt.Errorf("%w: scopes", errors.ErrInteractionRequired)}
	client := fakeClient(t, provider)
	ar := signIn(t, client, provider, time.Hour)

	_, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Account: ar.Account, Scopes: []string{"Mail.Read"}})
	if !errors.Is(err, errors.ErrInteractionRequired) {
		t.Fatalf("got %v, want ErrInteractionRequired", err)
	}
	if diff := pretty.Compare([]string{"mail.read"}, provider.lastParams.Scopes); diff != "" {
		t.Errorf("refresh scopes: -want/+got:\n%s", diff)
	}
}

func TestAcquireTokenSilentConcurrent(t *testing.T) {
	provider := &fakeProvider{}
	client := fakeClient(t, provider)
	ar := signIn(t, client, provider, 0)
	provider.refreshResp = accesstokens.TokenResponse{
		AccessToken:   "refreshed-access-token",
		GrantedScopes: []string{"user.read"},
		ExpiresOn:     time.Now().Add(time.Hour),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			silent, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Account: ar.Account, Scopes: testScopes})
			if err == nil && silent.AccessToken != "refreshed-access-token" {
				err = fmt.Errorf("got access token %q", silent.AccessToken)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Error(err)
		}
	}
}

func TestAcquireTokenInteractiveError(t *testing.T) {
	provider := &fakeProvider{interactiveErr: errors.ErrUserCancelled}
	store := cache.NewMemory()
	client := fakeClient(t, provider, WithCacheAccessor(cache.NewAccessor(store)))
	if _, err := client.AcquireTokenInteractive(context.Background(), AcquireTokenInteractiveParameters{Scopes: testScopes}); !errors.Is(err, errors.ErrUserCancelled) {
		t.Fatalf("got %v, want ErrUserCancelled", err)
	}
	if b, _ := store.Load(context.Background(), client.AuthParams.CacheKey()); b != nil {
		t.Error("a failed sign-in wrote the cache")
	}
}

func TestTenantOverride(t *testing.T) {
	provider := &fakeProvider{}
	client := fakeClient(t, provider)
	signIn(t, client, provider, time.Hour)

	_, err := client.AcquireTokenInteractive(context.Background(), AcquireTokenInteractiveParameters{Scopes: testScopes, TenantID: "other-tenant"})
	if err != nil {
		t.Fatal(err)
	}
	if got := provider.lastParams.AuthorityInfo.CanonicalAuthorityURI; got != "https://login.microsoftonline.com/other-tenant/v2.0" {
		t.Errorf("authority: got %q", got)
	}
	if _, err := client.AcquireTokenInteractive(context.Background(), AcquireTokenInteractiveParameters{Scopes: testScopes, TenantID: "common"}); err == nil {
		t.Error("a multi-tenant override: got err == nil")
	}
}

func TestTenantOverrideSilent(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	client := fakeClient(t, provider, WithCacheAccessor(cache.NewAccessor(cache.NewMemory())))
	home := signIn(t, client, provider, time.Hour)

	provider.refreshResp = accesstokens.TokenResponse{
		AccessToken:   "other-tenant-token",
		IDToken:       guestIDToken(t),
		GrantedScopes: shared.NormalizeScopes(testScopes),
		ExpiresOn:     time.Now().Add(time.Hour),
	}
	override := AcquireTokenSilentParameters{Account: home.Account, Scopes: testScopes, TenantID: "other-tenant"}
	ar, err := client.AcquireTokenSilent(ctx, override)
	if err != nil {
		t.Fatal(err)
	}
	if ar.AccessToken != "other-tenant-token" {
		t.Fatalf("the home tenant's token was returned for another tenant: got %q", ar.AccessToken)
	}
	if provider.refreshCalls != 1 {
		t.Fatalf("got %d refresh calls, want 1", provider.refreshCalls)
	}
	if got := provider.lastParams.AuthorityInfo.CanonicalAuthorityURI; got != "https://login.microsoftonline.com/other-tenant/v2.0" {
		t.Errorf("authority: got %q", got)
	}
	if diff := pretty.Compare(home.Account, ar.Account); diff != "" {
		t.Errorf("account: -want/+got:\n%s", diff)
	}
	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]shared.Account{home.Account}, accounts); diff != "" {
		t.Errorf("a token from another tenant changed the cached accounts: -want/+got:\n%s", diff)
	}

	// both tenants' tokens are now served from the cache
	if ar, err = client.AcquireTokenSilent(ctx, override); err != nil {
		t.Fatal(err)
	}
	if ar.AccessToken != "other-tenant-token" || provider.refreshCalls != 1 {
		t.Errorf("override: got %q after %d refresh calls", ar.AccessToken, provider.refreshCalls)
	}
	if ar, err = client.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{Account: home.Account, Scopes: testScopes}); err != nil {
		t.Fatal(err)
	}
	if ar.AccessToken != fakeAccessToken || provider.refreshCalls != 1 {
		t.Errorf("home tenant: got %q after %d refresh calls", ar.AccessToken, provider.refreshCalls)
	}
}

func TestTenantOverrideInteractiveWithAccount(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	client := fakeClient(t, provider)
	home := signIn(t, client, provider, time.Hour)

	provider.interactiveResp = accesstokens.TokenResponse{
		AccessToken:   "other-tenant-token",
		RefreshToken:  fakeRefreshToken,
		IDToken:       guestIDToken(t),
		GrantedScopes: shared.NormalizeScopes(testScopes),
		ExpiresOn:     time.Now().Add(time.Hour),
	}
	ar, err := client.AcquireTokenInteractive(ctx, AcquireTokenInteractiveParameters{
		Scopes:    testScopes,
		LoginHint: fakeUsername,
		TenantID:  "other-tenant",
		Account:   home.Account,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare(home.Account, ar.Account); diff != "" {
		t.Errorf("account: -want/+got:\n%s", diff)
	}
	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d cached accounts, want 1", len(accounts))
	}
	ar, err = client.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{Account: home.Account, Scopes: testScopes, TenantID: "other-tenant"})
	if err != nil {
		t.Fatal(err)
	}
	if ar.AccessToken != "other-tenant-token" || provider.refreshCalls != 0 {
		t.Errorf("got %q after %d refresh calls", ar.AccessToken, provider.refreshCalls)
	}
}

func TestRemoveAccount(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	store := cache.NewMemory()
	client := fakeClient(t, provider, WithCacheAccessor(cache.NewAccessor(store)))
	ar := signIn(t, client, provider, time.Hour)

	if err := client.RemoveAccount(ctx, ar.Account); err != nil {
		t.Fatal(err)
	}
	accounts, err := client.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 0 {
		t.Fatalf("got %d accounts after RemoveAccount, want 0", len(accounts))
	}
	_, err = client.AcquireTokenSilent(ctx, AcquireTokenSilentParameters{Account: ar.Account, Scopes: testScopes})
	if !errors.Is(err, errors.ErrInteractionRequired) {
		t.Fatalf("silent after RemoveAccount: got %v, want ErrInteractionRequired", err)
	}
	if provider.refreshCalls != 0 {
		t.Error("a removed account's refresh token was redeemed")
	}
}

// lockingStore counts the locks taken around cache access.
type lockingStore struct {
	*cache.Memory
	mu    sync.Mutex
	held  bool
	locks int
}

func (l *lockingStore) Lock(ctx context.Context, key string) (func() error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return nil, fmt.Errorf("lock %s is already held", key)
	}
	l.held = true
	l.locks++
	return func() error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held = false
		return nil
	}, nil
}

func (l *lockingStore) Save(ctx context.Context, key string, data []byte) error {
	l.mu.Lock()
	held := l.held
	l.mu.Unlock()
	if !held {
		return fmt.Errorf("save of %s without the lock", key)
	}
	return l.Memory.Save(ctx, key, data)
}

func TestCacheLocking(t *testing.T) {
	provider := &fakeProvider{}
	store := &lockingStore{Memory: cache.NewMemory()}
	client := fakeClient(t, provider, WithCacheAccessor(cache.NewAccessor(store)))
	ar := signIn(t, client, provider, time.Hour)
	if _, err := client.AcquireTokenSilent(context.Background(), AcquireTokenSilentParameters{Account: ar.Account, Scopes: testScopes}); err != nil {
		t.Fatal(err)
	}
	if store.locks != 2 {
		t.Errorf("got %d locks, want 2", store.locks)
	}
	if store.held {
		t.Error("the lock wasn't released")
	}
}

func TestAuthResultFromStorage(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)

	tests := []struct {
		desc       string
		storeToken storage.TokenResponse
		err        bool
	}{
		{
			desc: "Error: CachedAt not set",
			storeToken: storage.TokenResponse{
				AccessToken: storage.AccessToken{ExpiresOn: future, Secret: "secret", Scopes: "user.read"},
			},
			err: true,
		},
		{
			desc: "Error: corrupt ID token",
			storeToken: storage.TokenResponse{
				AccessToken: storage.AccessToken{CachedAt: now, ExpiresOn: future, Secret: "secret", Scopes: "user.read"},
				IDToken:     storage.IDToken{Secret: "not a jwt"},
			},
			err: true,
		},
		{
			desc: "Success",
			storeToken: storage.TokenResponse{
				AccessToken: storage.AccessToken{CachedAt: now, ExpiresOn: future, Secret: "secret", Scopes: "openid user.read"},
			},
		},
	}

	for _, test := range tests {
		got, err := AuthResultFromStorage(test.storeToken)
		switch {
		case err == nil && test.err:
			t.Errorf("TestAuthResultFromStorage(%s): got err == nil, want err != nil", test.desc)
			continue
		case err != nil && !test.err:
			t.Errorf("TestAuthResultFromStorage(%s): got err == %s, want err == nil", test.desc, err)
			continue
		case err != nil:
			continue
		}
		if got.AccessToken != "secret" || !got.ExpiresOn.Equal(future) {
			t.Errorf("TestAuthResultFromStorage(%s): got %+v", test.desc, got)
		}
		if diff := pretty.Compare([]string{"openid", "user.read"}, got.GrantedScopes); diff != "" {
			t.Errorf("TestAuthResultFromStorage(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}
