// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/AzureAD/microsoft-authentication-signin-for-go/apps/signin"
)

const envPrefix = "SIGNIN_"

// Cache drivers.
const (
	driverFile     = "file"
	driverKeyring  = "keyring"
	driverRedis    = "redis"
	driverKeyVault = "keyvault"
	driverMemory   = "memory"
)

type cacheConfig struct {
	Driver string `yaml:"driver"`
	// Path is the file driver's directory.
	Path string `yaml:"path"`
	// Service names the keyring entries of the keyring driver and of the sealing key.
	Service  string `yaml:"service"`
	RedisURL string `yaml:"redis_url"`
	VaultURL string `yaml:"vault_url"`
	// Seal encrypts the cache with a key kept in the OS keyring.
	Seal bool `yaml:"seal"`
}

type logConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type config struct {
	signin.Config `yaml:",inline"`
	Mode          signin.SignInMode `yaml:"mode"`
	RedirectURI   string            `yaml:"redirect_uri"`
	Cache         cacheConfig       `yaml:"cache"`
	Log           logConfig         `yaml:"log"`
	MetricsFile   string            `yaml:"metrics_file"`
}

func defaultConfig() config {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return config{
		Config: signin.Config{Tenant: "common", Scopes: []string{"User.Read"}},
		Cache: cacheConfig{
			Driver:  driverFile,
			Path:    filepath.Join(dir, "signin"),
			Service: "signin",
		},
		Log: logConfig{Level: "warn"},
	}
}

// loadConfig reads path over the defaults. A missing file is only an error when required.
func loadConfig(path string, required bool) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return cfg, nil
		}
		return cfg, fmt.Errorf("couldn't read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("couldn't parse config %s: %w", path, err)
	}
	return cfg, nil
}

// environ returns the process environment over the variables of envFile. A missing envFile
// is ignored.
func environ(envFile string) (map[string]string, error) {
	env := map[string]string{}
	if envFile != "" {
		vars, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("couldn't read %s: %w", envFile, err)
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env, nil
}

// applyEnv overrides cfg with the SIGNIN_* variables of env.
func applyEnv(cfg *config, env map[string]string) error {
	str := map[string]*string{
		"CLIENT_ID":          &cfg.ClientID,
		"TENANT":             &cfg.Tenant,
		"AUTHORITY_TEMPLATE": &cfg.AuthorityTemplate,
		"REDIRECT_URI":       &cfg.RedirectURI,
		"CACHE_DRIVER":       &cfg.Cache.Driver,
		"CACHE_PATH":         &cfg.Cache.Path,
		"CACHE_SERVICE":      &cfg.Cache.Service,
		"REDIS_URL":          &cfg.Cache.RedisURL,
		"VAULT_URL":          &cfg.Cache.VaultURL,
		"LOG_LEVEL":          &cfg.Log.Level,
		"METRICS_FILE":       &cfg.MetricsFile,
	}
	for name, p := range str {
		if v, ok := env[envPrefix+name]; ok {
			*p = v
		}
	}
	if v, ok := env[envPrefix+"SCOPES"]; ok {
		cfg.Scopes = splitScopes(v)
	}
	if v, ok := env[envPrefix+"MODE"]; ok {
		mode, err := signin.ParseSignInMode(v)
		if err != nil {
			return fmt.Errorf("%sMODE: %w", envPrefix, err)
		}
		cfg.Mode = mode
	}
	for name, p := range map[string]*bool{"CACHE_SEAL": &cfg.Cache.Seal, "LOG_DEVELOPMENT": &cfg.Log.Development} {
		if v, ok := env[envPrefix+name]; ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", envPrefix, name, err)
			}
			*p = b
		}
	}
	return nil
}

// flagValues holds the command line overrides. Only flags the user set apply.
type flagValues struct {
	configPath  string
	envFile     string
	clientID    string
	tenant      string
	scopes      []string
	mode        string
	redirectURI string
	cacheDriver string
	seal        bool
	logLevel    string
	metricsFile string
}

func (f *flagValues) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.configPath, "config", "", "path of the YAML config file")
	flags.StringVar(&f.envFile, "env-file", ".env", "file of SIGNIN_* variables, the environment takes precedence")
	flags.StringVar(&f.clientID, "client-id", "", "application (client) ID")
	flags.StringVar(&f.tenant, "tenant", "", `tenant users sign in to, such as "common" or a tenant ID`)
	flags.StringSliceVar(&f.scopes, "scopes", nil, "scopes requested at sign-in")
	flags.StringVar(&f.mode, "mode", "", "sign-in mode: any-account, known-accounts or system-account")
	flags.StringVar(&f.redirectURI, "redirect-uri", "", "loopback redirect URI of interactive sign-ins")
	flags.StringVar(&f.cacheDriver, "cache", "", "token cache driver: file, keyring, redis, keyvault or memory")
	flags.BoolVar(&f.seal, "seal", false, "encrypt the token cache with a key kept in the OS keyring")
	flags.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	flags.StringVar(&f.metricsFile, "metrics-file", "", "write sign-in metrics to this file in the Prometheus text format")
}

func (f *flagValues) apply(cfg *config, flags *pflag.FlagSet) error {
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("client-id", &cfg.ClientID, f.clientID)
	set("tenant", &cfg.Tenant, f.tenant)
	set("redirect-uri", &cfg.RedirectURI, f.redirectURI)
	set("cache", &cfg.Cache.Driver, f.cacheDriver)
	set("log-level", &cfg.Log.Level, f.logLevel)
	set("metrics-file", &cfg.MetricsFile, f.metricsFile)
	if flags.Changed("scopes") {
		cfg.Scopes = f.scopes
	}
	if flags.Changed("seal") {
		cfg.Cache.Seal = f.seal
	}
	if flags.Changed("mode") {
		mode, err := signin.ParseSignInMode(f.mode)
		if err != nil {
			return err
		}
		cfg.Mode = mode
	}
	return nil
}

// resolveConfig layers the config file, the environment and the flags.
func resolveConfig(f *flagValues, flags *pflag.FlagSet) (config, error) {
	env, err := environ(f.envFile)
	if err != nil {
		return config{}, err
	}
	path, required := f.configPath, f.configPath != ""
	if !required {
		path = env[envPrefix+"CONFIG"]
		required = path != ""
	}
	cfg, err := loadConfig(path, required)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg, env); err != nil {
		return cfg, err
	}
	if err := f.apply(&cfg, flags); err != nil {
		return cfg, err
	}
	switch cfg.Cache.Driver {
	case driverFile, driverKeyring, driverRedis, driverKeyVault, driverMemory:
	default:
		return cfg, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
	if cfg.ClientID == "" {
		return cfg, fmt.Errorf("a client ID is required, set --client-id or %sCLIENT_ID", envPrefix)
	}
	return cfg, nil
}

func splitScopes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}
