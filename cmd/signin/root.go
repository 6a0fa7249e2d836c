// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache/file"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache/keyring"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache/keyvault"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache/redis"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/cache/sealed"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/credential"
	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/signin"
)

const vaultScope = "https://vault.azure.net/.default"

type runtimeState struct {
	out     io.Writer
	flags   flagValues
	cfg     config
	zap     *zap.Logger
	log     *slog.Logger
	reg     *prometheus.Registry
	svc     *signin.Service
	closers []func() error
}

// execute runs the command line args. The metrics file is written and the cache released
// whether or not the command succeeds.
func execute(ctx context.Context, out, errOut io.Writer, args []string) (err error) {
	rt := &runtimeState{out: out}
	root := newRootCommand(rt)
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetArgs(args)
	defer func() {
		if closeErr := rt.close(); err == nil {
			err = closeErr
		}
	}()
	return root.ExecuteContext(ctx)
}

func newRootCommand(rt *runtimeState) *cobra.Command {
	root := &cobra.Command{
		Use:           "signin",
		Short:         "Sign in to Microsoft Entra ID and keep the tokens cached",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.setup(cmd)
		},
	}
	rt.flags.register(root.PersistentFlags())
	root.AddCommand(
		newLoginCommand(rt),
		newSilentLoginCommand(rt),
		newLogoutCommand(rt),
		newWhoamiCommand(rt),
		newTokenCommand(rt),
	)
	return root
}

func (rt *runtimeState) setup(cmd *cobra.Command) error {
	cfg, err := resolveConfig(&rt.flags, cmd.Flags())
	if err != nil {
		return err
	}
	rt.cfg = cfg
	if rt.zap, err = newZapLogger(cfg.Log); err != nil {
		return err
	}
	rt.log = slog.New(logr.ToSlogHandler(zapr.NewLogger(rt.zap)))
	rt.reg = prometheus.NewRegistry()

	ctx := cmd.Context()
	store, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	if cfg.Cache.Seal {
		key, err := sealed.KeyringKey(cfg.Cache.Service, "sealing-key-"+cfg.ClientID)
		if err != nil {
			return err
		}
		if store, err = sealed.New(store, key); err != nil {
			return err
		}
	}
	rt.svc, err = signin.New(cfg.Config,
		signin.WithCache(cache.NewAccessor(store)),
		signin.WithLogger(rt.log),
		signin.WithSignInMode(cfg.Mode),
		signin.WithRedirectURI(cfg.RedirectURI),
		signin.WithMetrics(rt.reg),
	)
	return err
}

func (rt *runtimeState) openStore(ctx context.Context) (cache.Store, error) {
	c := rt.cfg.Cache
	switch c.Driver {
	case driverFile:
		return file.New(c.Path)
	case driverKeyring:
		return keyring.New(c.Service), nil
	case driverRedis:
		if c.RedisURL == "" {
			return nil, fmt.Errorf("the redis cache needs %sREDIS_URL", envPrefix)
		}
		s, err := redis.Dial(ctx, c.RedisURL, redis.WithPrefix(c.Service))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, s.Close)
		return s, nil
	case driverKeyVault:
		if c.VaultURL == "" {
			return nil, fmt.Errorf("the keyvault cache needs %sVAULT_URL", envPrefix)
		}
		cred, err := rt.vaultCredential(ctx)
		if err != nil {
			return nil, err
		}
		return keyvault.New(c.VaultURL, cred, nil)
	case driverMemory:
		return cache.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown cache driver %q", c.Driver)
}

// vaultCredential signs the user in to Key Vault. Its tokens stay in a local file cache.
func (rt *runtimeState) vaultCredential(ctx context.Context) (*credential.Credential, error) {
	store, err := file.New(filepath.Join(rt.cfg.Cache.Path, "vault"))
	if err != nil {
		return nil, err
	}
	cfg := rt.cfg.Config
	cfg.Scopes = []string{vaultScope}
	svc, err := signin.New(cfg,
		signin.WithCache(cache.NewAccessor(store)),
		signin.WithLogger(rt.log.With("cache", "vault")),
		signin.WithRedirectURI(rt.cfg.RedirectURI),
	)
	if err != nil {
		return nil, err
	}
	ok, err := svc.SilentLogin(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := svc.Login(ctx); err != nil {
			return nil, fmt.Errorf("couldn't sign in to Key Vault: %w", err)
		}
	}
	return credential.New(svc), nil
}

func (rt *runtimeState) close() error {
	var firstErr error
	if rt.cfg.MetricsFile != "" && rt.reg != nil {
		if err := prometheus.WriteToTextfile(rt.cfg.MetricsFile, rt.reg); err != nil {
			firstErr = fmt.Errorf("couldn't write metrics: %w", err)
		}
	}
	for _, c := range rt.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.zap != nil {
		// syncing stderr fails on some platforms
		_ = rt.zap.Sync()
	}
	return firstErr
}

func newZapLogger(c logConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	// slog debug records arrive through logr at V(4), which zapr logs at level -4
	if level == zapcore.DebugLevel {
		level = -4
	}
	cfg := zap.NewProductionConfig()
	if c.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

func newLoginCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in, through the browser when the cache can't provide a token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.svc.Login(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "signed in as %s\n", rt.svc.UserName())
			return nil
		},
	}
}

func newSilentLoginCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "silent-login",
		Short: "Sign in from the token cache only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.silentLogin(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(rt.out, "signed in as %s\n", rt.svc.UserName())
			return nil
		},
	}
}

func newLogoutCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove every cached account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.svc.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(rt.out, "signed out")
			return nil
		},
	}
}

type whoami struct {
	UserName  string    `yaml:"user_name"`
	Email     string    `yaml:"email"`
	AccountID string    `yaml:"account_id"`
	ExpiresOn time.Time `yaml:"expires_on"`
}

func newWhoamiCommand(rt *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the cached user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := rt.silentLogin(cmd.Context()); err != nil {
				return err
			}
			id, _ := rt.svc.Identity()
			enc := yaml.NewEncoder(rt.out)
			defer enc.Close()
			return enc.Encode(whoami{
				UserName:  id.UserName(),
				Email:     id.Email(),
				AccountID: id.AccountID(),
				ExpiresOn: id.ExpiresOn.UTC(),
			})
		},
	}
}

func newTokenCommand(rt *runtimeState) *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "token [scope...]",
		Short: "Print an access token of the cached user, for the configured scopes by default",
		RunE: func(cmd *cobra.Command, scopes []string) error {
			if err := rt.silentLogin(cmd.Context()); err != nil {
				return err
			}
			ar, err := rt.svc.AcquireTokenForTenant(cmd.Context(), tenantID, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(rt.out, ar.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant-id", "", "acquire the token from this tenant instead of the configured one")
	return cmd
}

func (rt *runtimeState) silentLogin(ctx context.Context) error {
	ok, err := rt.svc.SilentLogin(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w, run \"signin login\"", signin.ErrNotSignedIn)
	}
	return nil
}
