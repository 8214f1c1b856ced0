package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version information - set by GoReleaser during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// GetVersionInfo returns a formatted version string
func GetVersionInfo() string {
	return fmt.Sprintf("dukeusage version %s, commit %s, built at %s", version, commit, date)
}

type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ProviderConfig describes the identity provider tenant used for the
// browser-based login flow. The defaults match the utility's consumer
// mobile app registration, which is the only client registration whose
// ID tokens the usage gateway accepts.
type ProviderConfig struct {
	Domain      string        `mapstructure:"domain"`
	ClientID    string        `mapstructure:"client_id"`
	RedirectURI string        `mapstructure:"redirect_uri"`
	AppScheme   string        `mapstructure:"app_scheme"`
	Scopes      []string      `mapstructure:"scopes"`
	Telemetry   string        `mapstructure:"telemetry"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// GatewayConfig describes the usage-data API gateway behind the identity
// provider. Bearer tokens for it come from exchanging an ID token at its
// auth-token endpoint with Basic client credentials.
type GatewayConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// StorageBackend selects where tokens are persisted between runs.
type StorageBackend string

const (
	StorageBackendFile    StorageBackend = "file"
	StorageBackendKeyring StorageBackend = "keyring"
	StorageBackendNone    StorageBackend = "none"
)

type StorageConfig struct {
	Backend StorageBackend `mapstructure:"backend"`
	Path    string         `mapstructure:"path"`
	Service string         `mapstructure:"service"`
	Account string         `mapstructure:"account"`
}

type LoggingConfig struct {
	Level             string `mapstructure:"level"`
	Format            string `mapstructure:"format"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	OutputPath        string `mapstructure:"output_path"`
	AppendToFile      bool   `mapstructure:"append_to_file"`
	DisableConsole    bool   `mapstructure:"disable_console"`
}

// telemetryHeader is the base64 JSON blob the provider's mobile SDK sends
// as the auth0Client parameter; the tenant rejects token requests without it.
func telemetryHeader() string {
	blob, _ := json.Marshal(map[string]any{
		"name":    "Auth0.swift",
		"version": "2.13.0",
		"env":     map[string]string{"iOS": "26.2", "swift": "6.x"},
	})
	return base64.StdEncoding.EncodeToString(blob)
}

func setDefaults() {
	viper.SetDefault("provider.domain", "login.duke-energy.com")
	viper.SetDefault("provider.client_id", "PitoKqxMh8thrFF8rRlYGrAs3LbSD2dj")
	viper.SetDefault("provider.redirect_uri", "https://login.duke-energy.com/ios/com.duke-energy.app/callback")
	viper.SetDefault("provider.app_scheme", "cma-prod")
	viper.SetDefault("provider.scopes", []string{"openid", "profile", "email", "offline_access"})
	viper.SetDefault("provider.telemetry", telemetryHeader())
	viper.SetDefault("provider.timeout", "10s")

	viper.SetDefault("gateway.base_url", "https://api-v2.cma.duke-energy.app")
	viper.SetDefault("gateway.client_id", "HO2JKfv2dVuXhLHhleDr1s6fgVlPduGxVBO6GaS3dDjE7Kp8")
	viper.SetDefault("gateway.client_secret", "g4236o8ROFMD4JuVI4tsgLY7NiIEGXQgzzCnH9RiRrvFC6IN4KFg3A6dBmGIIuW6")
	viper.SetDefault("gateway.timeout", "10s")

	viper.SetDefault("storage.backend", string(StorageBackendFile))
	viper.SetDefault("storage.path", defaultTokenPath())
	viper.SetDefault("storage.service", "com.gridwatt.dukeusage")
	viper.SetDefault("storage.account", "default")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
	viper.SetDefault("logging.disable_stacktrace", true)
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "duke_tokens.json"
	}
	return filepath.Join(home, ".config", "dukeusage", "tokens.json")
}

// InitFlags initializes command line flags (without parsing)
func InitFlags() {
	pflag.String("config", "", "Path to the config file")
	pflag.String("token-file", "", "Override the token storage file path")
	// Note: no pflag.Parse() here as it's called in main.go
}

func Load() (*Config, error) {
	viper.Reset() // Ensure clean state

	viper.SetEnvPrefix("DUKEUSAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	setDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "dukeusage"))
		}

		// The config file is optional; defaults cover the stock provider
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if tokenFile := viper.GetString("token-file"); tokenFile != "" {
		config.Storage.Backend = StorageBackendFile
		config.Storage.Path = tokenFile
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Provider.Domain == "" {
		return fmt.Errorf("provider.domain is required, please adjust the config or set DUKEUSAGE_PROVIDER_DOMAIN")
	}
	if c.Provider.ClientID == "" {
		return fmt.Errorf("provider.client_id is required, please adjust the config or set DUKEUSAGE_PROVIDER_CLIENT_ID")
	}
	if c.Provider.RedirectURI == "" {
		return fmt.Errorf("provider.redirect_uri is required")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required, please adjust the config or set DUKEUSAGE_GATEWAY_BASE_URL")
	}
	switch c.Storage.Backend {
	case StorageBackendFile, StorageBackendKeyring, StorageBackendNone:
	default:
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	return nil
}

// AuthorizeURL returns the provider's authorization endpoint.
func (c *ProviderConfig) AuthorizeURL() string {
	return fmt.Sprintf("https://%s/authorize", c.Domain)
}

// TokenURL returns the provider's token endpoint.
func (c *ProviderConfig) TokenURL() string {
	return fmt.Sprintf("https://%s/oauth/token", c.Domain)
}

// UserinfoURL returns the provider's OIDC userinfo endpoint.
func (c *ProviderConfig) UserinfoURL() string {
	return fmt.Sprintf("https://%s/userinfo", c.Domain)
}
