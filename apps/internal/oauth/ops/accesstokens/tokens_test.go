// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package accesstokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/oauth2"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/internal/shared"
)

func signedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestNewIDToken(t *testing.T) {
	raw := signedIDToken(t, jwt.MapClaims{
		"sub":                "subject",
		"oid":                "object-id",
		"tid":                "tenant-id",
		"preferred_username": "alice@contoso.com",
		"name":               "Alice",
		"exp":                time.Now().Add(-time.Hour).Unix(), // expired tokens still decode
	})
	idToken, err := NewIDToken(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got := idToken.HomeAccountID(); got != "object-id.tenant-id" {
		t.Errorf("HomeAccountID(): got %q", got)
	}
	if got := idToken.LocalAccountID(); got != "object-id" {
		t.Errorf("LocalAccountID(): got %q", got)
	}
	want := shared.Account{
		HomeAccountID:     "object-id.tenant-id",
		Environment:       "login.microsoftonline.com",
		Realm:             "tenant-id",
		PreferredUsername: "alice@contoso.com",
		Name:              "Alice",
		Email:             "alice@contoso.com",
	}
	if diff := pretty.Compare(want, idToken.Account("login.microsoftonline.com", "common")); diff != "" {
		t.Errorf("Account(): -want/+got:\n%s", diff)
	}
}

func TestNewIDTokenNonAAD(t *testing.T) {
	idToken, err := NewIDToken(signedIDToken(t, jwt.MapClaims{"sub": "s-1", "email": "bob@example.com"}))
	if err != nil {
		t.Fatal(err)
	}
	acc := idToken.Account("idp.example.com", "realm")
	if acc.HomeAccountID != "s-1" || acc.Realm != "realm" || acc.PreferredUsername != "bob@example.com" {
		t.Errorf("Account(): got %+v", acc)
	}
}

func TestNewIDTokenInvalid(t *testing.T) {
	for _, raw := range []string{"", "x.e30", "not a jwt"} {
		if _, err := NewIDToken(raw); err == nil {
			t.Errorf("NewIDToken(%q): got err == nil", raw)
		}
	}
}

func TestNewTokenResponse(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	raw := signedIDToken(t, jwt.MapClaims{"sub": "s", "oid": "o", "tid": "t"})
	tok := (&oauth2.Token{AccessToken: "at", RefreshToken: "rt", Expiry: expiry}).WithExtra(map[string]any{
		"id_token": raw,
		"scope":    "User.Read Mail.Read",
	})

	tr, err := NewTokenResponse(tok, []string{"user.read"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := pretty.Compare([]string{"mail.read", "user.read"}, tr.GrantedScopes); diff != "" {
		t.Errorf("GrantedScopes: -want/+got:\n%s", diff)
	}
	if !tr.HasRefreshToken() || tr.IDToken.HomeAccountID() != "o.t" || !tr.ExpiresOn.Equal(expiry) {
		t.Errorf("unexpected response %+v", tr)
	}
	if !tr.Covers([]string{"openid", "User.Read"}) {
		t.Error("Covers(): granted scopes should cover user.read")
	}
	if tr.Covers([]string{"files.read"}) {
		t.Error("Covers(): files.read wasn't granted")
	}
}

func TestNewTokenResponseErrors(t *testing.T) {
	tests := []struct {
		desc string
		tok  *oauth2.Token
	}{
		{desc: "nil", tok: nil},
		{desc: "no access token", tok: &oauth2.Token{Expiry: time.Now()}},
		{desc: "no expiry", tok: &oauth2.Token{AccessToken: "at"}},
		{desc: "bad id token", tok: (&oauth2.Token{AccessToken: "at", Expiry: time.Now()}).WithExtra(map[string]any{"id_token": "bad"})},
	}
	for _, test := range tests {
		if _, err := NewTokenResponse(test.tok, nil); err == nil {
			t.Errorf("TestNewTokenResponseErrors(%s): got err == nil", test.desc)
		}
	}
}

func TestRefreshTokenKey(t *testing.T) {
	rt := NewRefreshToken("HID", "env", "CID", "secret")
	if got := rt.Key(); got != "hid-env-refreshtoken-cid" {
		t.Errorf("Key(): got %q", got)
	}
	if rt.IsZero() || !(RefreshToken{}).IsZero() {
		t.Error("IsZero() mismatch")
	}
}
