// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package shared

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestAccountKey(t *testing.T) {
	acc := NewAccount("HID.TID", "login.microsoftonline.com", "TID", "user@contoso.com")
	if got, want := acc.Key(), "hid.tid-login.microsoftonline.com-tid"; got != want {
		t.Errorf("Key(): got %q, want %q", got, want)
	}
}

func TestAccountIsZero(t *testing.T) {
	if !(Account{}).IsZero() {
		t.Error("zero Account: IsZero() == false")
	}
	if (Account{Name: "n"}).IsZero() {
		t.Error("Account with a name: IsZero() == true")
	}
}

func TestNormalizeScopes(t *testing.T) {
	tests := []struct {
		desc string
		in   []string
		want []string
	}{
		{desc: "empty", in: nil, want: []string{}},
		{desc: "case and order", in: []string{"User.Read", "openid"}, want: []string{"openid", "user.read"}},
		{desc: "duplicates and blanks", in: []string{"a", " A", "", "b"}, want: []string{"a", "b"}},
	}
	for _, test := range tests {
		got := NormalizeScopes(test.in)
		if diff := pretty.Compare(test.want, got); diff != "" {
			t.Errorf("TestNormalizeScopes(%s): -want/+got:\n%s", test.desc, diff)
		}
	}
}
