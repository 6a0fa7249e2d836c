// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/spf13/pflag"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/signin"
)

const testConfigFile = `client_id: file-client
tenant: file-tenant
authority_template: https://login.example.com/{tenant}/v2.0
scopes: [User.Read, Mail.Read]
mode: known-accounts
cache:
  driver: keyring
  service: file-service
log:
  level: info
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func resolve(t *testing.T, args ...string) (config, error) {
	t.Helper()
	var f flagValues
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(flags)
	if err := flags.Parse(args); err != nil {
		t.Fatal(err)
	}
	return resolveConfig(&f, flags)
}

func TestResolveConfigLayers(t *testing.T) {
	cfgPath := writeFile(t, "signin.yaml", testConfigFile)
	envPath := writeFile(t, ".env", "SIGNIN_TENANT=dotenv-tenant\nSIGNIN_SCOPES=Files.Read\nSIGNIN_CACHE_SEAL=true\n")
	t.Setenv("SIGNIN_TENANT", "env-tenant")
	t.Setenv("SIGNIN_MODE", "system-account")

	for _, test := range []struct {
		desc string
		args []string
		want func(*config)
	}{
		{
			desc: "file only",
			args: []string{"--config", cfgPath, "--env-file", ""},
			want: func(c *config) {
				c.Tenant = "env-tenant"
				c.Mode = signin.UseSystemAccount
			},
		},
		{
			desc: "env file",
			args: []string{"--config", cfgPath, "--env-file", envPath},
			want: func(c *config) {
				c.Tenant = "env-tenant"
				c.Scopes = []string{"Files.Read"}
				c.Cache.Seal = true
				c.Mode = signin.UseSystemAccount
			},
		},
		{
			desc: "flags win",
			args: []string{"--config", cfgPath, "--env-file", envPath, "--tenant", "flag-tenant", "--scopes", "a,b", "--mode", "any-account", "--seal=false", "--cache", "memory"},
			want: func(c *config) {
				c.Tenant = "flag-tenant"
				c.Scopes = []string{"a", "b"}
				c.Mode = signin.UseAnyCachedAccount
				c.Cache.Driver = driverMemory
			},
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			want := defaultConfig()
			want.ClientID = "file-client"
			want.Tenant = "file-tenant"
			want.AuthorityTemplate = "https://login.example.com/{tenant}/v2.0"
			want.Scopes = []string{"User.Read", "Mail.Read"}
			want.Mode = signin.UseKnownAccountList
			want.Cache.Driver = driverKeyring
			want.Cache.Service = "file-service"
			want.Log.Level = "info"
			test.want(&want)

			got, err := resolve(t, test.args...)
			if err != nil {
				t.Fatal(err)
			}
			if diff := pretty.Compare(want, got); diff != "" {
				t.Errorf("-want/+got:\n%s", diff)
			}
		})
	}
}

func TestResolveConfigErrors(t *testing.T) {
	cfgPath := writeFile(t, "signin.yaml", testConfigFile)
	badYAML := writeFile(t, "bad.yaml", "mode: sideways\n")
	for _, test := range []struct {
		desc string
		args []string
	}{
		{desc: "no client ID", args: []string{"--env-file", ""}},
		{desc: "missing config file", args: []string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}},
		{desc: "bad mode in file", args: []string{"--config", badYAML, "--client-id", "c"}},
		{desc: "bad mode flag", args: []string{"--config", cfgPath, "--mode", "sideways"}},
		{desc: "unknown cache", args: []string{"--config", cfgPath, "--cache", "floppy"}},
	} {
		t.Run(test.desc, func(t *testing.T) {
			if _, err := resolve(t, test.args...); err == nil {
				t.Fatal("got err == nil")
			}
		})
	}
}

func TestApplyEnvInvalid(t *testing.T) {
	cfg := defaultConfig()
	if err := applyEnv(&cfg, map[string]string{"SIGNIN_CACHE_SEAL": "maybe"}); err == nil {
		t.Error("invalid bool: got err == nil")
	}
	if err := applyEnv(&cfg, map[string]string{"SIGNIN_MODE": "maybe"}); err == nil {
		t.Error("invalid mode: got err == nil")
	}
}

func TestSplitScopes(t *testing.T) {
	got := splitScopes("User.Read, Mail.Read  https://vault.azure.net/.default")
	want := []string{"User.Read", "Mail.Read", "https://vault.azure.net/.default"}
	if diff := pretty.Compare(want, got); diff != "" {
		t.Errorf("-want/+got:\n%s", diff)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := execute(context.Background(), &out, &bytes.Buffer{}, args)
	return out.String(), err
}

func TestCommandsWithEmptyCache(t *testing.T) {
	metrics := filepath.Join(t.TempDir(), "signin.prom")
	common := []string{"--env-file", "", "--client-id", "client", "--tenant", "contoso.onmicrosoft.com", "--cache", "memory", "--log-level", "error"}

	out, err := run(t, append([]string{"logout", "--metrics-file", metrics}, common...)...)
	if err != nil {
		t.Fatal(err)
	}
	if out != "signed out\n" {
		t.Errorf("logout: got %q", out)
	}
	b, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "signin_attempts_total") {
		t.Errorf("metrics file doesn't contain signin_attempts_total:\n%s", b)
	}

	for _, name := range []string{"whoami", "silent-login", "token"} {
		if _, err := run(t, append([]string{name}, common...)...); !errors.Is(err, signin.ErrNotSignedIn) {
			t.Errorf("%s: got %v, want ErrNotSignedIn", name, err)
		}
	}
}

func TestFailedCommandWritesMetrics(t *testing.T) {
	metrics := filepath.Join(t.TempDir(), "signin.prom")
	_, err := run(t, "whoami", "--metrics-file", metrics, "--env-file", "", "--client-id", "client", "--tenant", "contoso.onmicrosoft.com", "--cache", "memory", "--log-level", "error")
	if !errors.Is(err, signin.ErrNotSignedIn) {
		t.Fatalf("whoami: got %v, want ErrNotSignedIn", err)
	}
	b, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("a failed command didn't write the metrics file: %s", err)
	}
	if !strings.Contains(string(b), `signin_attempts_total{flow="silent",outcome="interaction_required"} 1`) {
		t.Errorf("metrics file doesn't count the failed silent sign-in:\n%s", b)
	}
}
