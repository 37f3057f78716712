// pkg/config/config.go
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yolkispalkis/pacsession/pkg/pac"
	"github.com/yolkispalkis/pacsession/pkg/proxy"
)

// Default values for configuration
const (
	DefaultPACTimeout          = 2   // seconds
	DefaultPACExecutionTimeout = 5   // seconds
	DefaultPACDNSCacheTTL      = 300 // seconds
	DefaultPACMaxSizeBytes     = pac.DefaultMaxSizeBytes
	DefaultConnectTimeout      = 10 // seconds
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"

	// EnvPrefix prefixes environment overrides, e.g. PACSESSION_PAC_URL.
	EnvPrefix = "PACSESSION"
)

// Config holds the application configuration.
type Config struct {
	PAC       PACConfig   `mapstructure:"pac"`
	Proxy     ProxyConfig `mapstructure:"proxy"`
	LogLevel  string      `mapstructure:"log_level"`
	LogFormat string      `mapstructure:"log_format"`
	LogPath   string      `mapstructure:"log_path"`
}

// PACConfig controls where the PAC file comes from and how it runs.
type PACConfig struct {
	Enabled             bool     `mapstructure:"enabled"`
	URL                 string   `mapstructure:"url"`     // Only location tried when set
	JSPath              string   `mapstructure:"js_path"` // Local PAC script, wins over URL
	FromOSSettings      bool     `mapstructure:"from_os_settings"`
	FromDNS             bool     `mapstructure:"from_dns"`
	Timeout             int      `mapstructure:"timeout"` // Per-candidate download timeout (seconds)
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`
	Charset             string   `mapstructure:"charset"` // Empty detects from headers and BOM
	MaxSizeBytes        int64    `mapstructure:"max_size_bytes"`
	ExecutionTimeout    int      `mapstructure:"execution_timeout"` // seconds
	DNSCacheTTL         int      `mapstructure:"dns_cache_ttl"`     // seconds
	Concurrency         int      `mapstructure:"concurrency"`       // Parallel WPAD probes, 1 = sequential
}

// ProxyConfig controls how proxies chosen by the PAC are used.
type ProxyConfig struct {
	SocksScheme    string `mapstructure:"socks_scheme"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	ConnectTimeout int    `mapstructure:"connect_timeout"` // seconds
	Kerberos       bool   `mapstructure:"kerberos"`        // Negotiate auth from the user's ccache
	KerberosCCache string `mapstructure:"kerberos_ccache"` // Empty uses KRB5CCNAME and defaults
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"pac-url":      "pac.url",
	"pac-file":     "pac.js_path",
	"no-pac":       "pac.disabled",
	"socks-scheme": "proxy.socks_scheme",
	"proxy-user":   "proxy.username",
	"kerberos":     "proxy.kerberos",
	"log-level":    "log_level",
	"log-format":   "log_format",
	"log-path":     "log_path",
}

// RegisterFlags adds the configuration flags LoadConfig understands.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("pac-url", "", "download the PAC file from this URL only")
	flags.String("pac-file", "", "read the PAC script from this file")
	flags.Bool("no-pac", false, "ignore PAC and use the proxy environment variables")
	flags.String("socks-scheme", proxy.DefaultSocksScheme, "scheme used for the SOCKS keyword")
	flags.String("proxy-user", "", "username for proxy authentication (password from PACSESSION_PROXY_PASSWORD)")
	flags.Bool("kerberos", false, "authenticate to proxies with Kerberos from the user's ccache")
	flags.String("log-level", DefaultLogLevel, "log level: debug, info, warn, error")
	flags.String("log-format", DefaultLogFormat, "log format: text or json")
	flags.String("log-path", "", "append logs to this file instead of stderr")
}

// LoadConfig reads configuration from defaults, the optional file at
// configPath, PACSESSION_* environment variables and, when flags is not nil,
// the flags registered by RegisterFlags, in increasing order of precedence.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range flagKeys {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", flag, err)
				}
			}
		}
	}

	if configPath != "" {
		absPath, err := filepath.Abs(configPath)
		if err != nil {
			slog.Warn("Could not get absolute config path, using provided path", "path", configPath, "error", err)
			absPath = configPath
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")

		err = v.ReadInConfig()
		var notFound viper.ConfigFileNotFoundError
		switch {
		case err == nil:
			slog.Info("Loaded configuration file", "path", absPath)
		case errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist):
			slog.Warn("Config file not found, using defaults and environment variables.", "path", absPath)
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if v.GetBool("pac.disabled") {
		config.PAC.Enabled = false
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &config, nil
}

// validateConfig checks the consistency and validity of the configuration.
func validateConfig(cfg *Config) error {
	if cfg.PAC.Timeout <= 0 {
		return errors.New("pac.timeout must be a positive number of seconds")
	}
	if cfg.PAC.ExecutionTimeout <= 0 {
		return errors.New("pac.execution_timeout must be a positive number of seconds")
	}
	if cfg.PAC.DNSCacheTTL < 0 {
		return errors.New("pac.dns_cache_ttl cannot be negative")
	}
	if cfg.PAC.MaxSizeBytes <= 0 {
		return errors.New("pac.max_size_bytes must be positive")
	}
	if cfg.PAC.Concurrency < 1 {
		return errors.New("pac.concurrency must be at least 1")
	}
	if cfg.PAC.URL != "" && cfg.PAC.JSPath != "" {
		slog.Warn("Both pac.url and pac.js_path are set, pac.js_path wins")
	}

	if _, ok := proxy.ParseScheme(cfg.Proxy.SocksScheme); !ok {
		return fmt.Errorf("invalid proxy.socks_scheme '%s', must be one of: http, https, socks4, socks5", cfg.Proxy.SocksScheme)
	}
	if cfg.Proxy.ConnectTimeout <= 0 {
		return errors.New("proxy.connect_timeout must be a positive number of seconds")
	}
	if cfg.Proxy.Password != "" && cfg.Proxy.Username == "" {
		return errors.New("proxy.password is set without proxy.username")
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format '%s', must be text or json", cfg.LogFormat)
	}
	return nil
}

// setDefaults configures the default values in viper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("pac.enabled", true)
	v.SetDefault("pac.disabled", false)
	v.SetDefault("pac.url", "")
	v.SetDefault("pac.js_path", "")
	v.SetDefault("pac.from_os_settings", true)
	v.SetDefault("pac.from_dns", true)
	v.SetDefault("pac.timeout", DefaultPACTimeout)
	v.SetDefault("pac.allowed_content_types", pac.DefaultAllowedContentTypes)
	v.SetDefault("pac.charset", "")
	v.SetDefault("pac.max_size_bytes", DefaultPACMaxSizeBytes)
	v.SetDefault("pac.execution_timeout", DefaultPACExecutionTimeout)
	v.SetDefault("pac.dns_cache_ttl", DefaultPACDNSCacheTTL)
	v.SetDefault("pac.concurrency", 1)

	v.SetDefault("proxy.socks_scheme", proxy.DefaultSocksScheme)
	v.SetDefault("proxy.username", "")
	v.SetDefault("proxy.password", "")
	v.SetDefault("proxy.connect_timeout", DefaultConnectTimeout)
	v.SetDefault("proxy.kerberos", false)
	v.SetDefault("proxy.kerberos_ccache", "")

	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("log_path", "")
}

// Credentials returns the configured proxy credentials, or nil.
func (c *Config) Credentials() *proxy.Credentials {
	if c.Proxy.Username == "" {
		return nil
	}
	return &proxy.Credentials{Username: c.Proxy.Username, Password: c.Proxy.Password}
}

// ConnectTimeout returns proxy.connect_timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Proxy.ConnectTimeout) * time.Second
}

// DiscoveryOptions translates the pac section into pac.Options. A js_path
// is read here so a missing file fails at startup.
func (c *Config) DiscoveryOptions() (pac.Options, error) {
	opts := pac.DefaultOptions()
	opts.URL = c.PAC.URL
	opts.FromOSSettings = c.PAC.FromOSSettings
	opts.FromDNS = c.PAC.FromDNS
	opts.Timeout = time.Duration(c.PAC.Timeout) * time.Second
	opts.AllowedContentTypes = c.PAC.AllowedContentTypes
	opts.Charset = c.PAC.Charset
	opts.MaxSizeBytes = c.PAC.MaxSizeBytes
	opts.Concurrency = c.PAC.Concurrency
	opts.FileOptions = []pac.Option{
		pac.WithExecutionTimeout(time.Duration(c.PAC.ExecutionTimeout) * time.Second),
		pac.WithDNSCacheTTL(time.Duration(c.PAC.DNSCacheTTL) * time.Second),
	}

	if c.PAC.JSPath != "" {
		js, err := os.ReadFile(c.PAC.JSPath)
		if err != nil {
			return pac.Options{}, fmt.Errorf("failed to read PAC file %s: %w", c.PAC.JSPath, err)
		}
		opts.JS = string(js)
		opts.URL = ""
	}
	return opts, nil
}

// SaveConfig writes cfg to path as YAML. The proxy password is never written.
func SaveConfig(cfg *Config, path string) error {
	slog.Info("Saving configuration", "path", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	cfgMap := map[string]any{
		"pac": map[string]any{
			"enabled":               cfg.PAC.Enabled,
			"url":                   cfg.PAC.URL,
			"js_path":               cfg.PAC.JSPath,
			"from_os_settings":      cfg.PAC.FromOSSettings,
			"from_dns":              cfg.PAC.FromDNS,
			"timeout":               cfg.PAC.Timeout,
			"allowed_content_types": cfg.PAC.AllowedContentTypes,
			"charset":               cfg.PAC.Charset,
			"max_size_bytes":        cfg.PAC.MaxSizeBytes,
			"execution_timeout":     cfg.PAC.ExecutionTimeout,
			"dns_cache_ttl":         cfg.PAC.DNSCacheTTL,
			"concurrency":           cfg.PAC.Concurrency,
		},
		"proxy": map[string]any{
			"socks_scheme":    cfg.Proxy.SocksScheme,
			"username":        cfg.Proxy.Username,
			"connect_timeout": cfg.Proxy.ConnectTimeout,
			"kerberos":        cfg.Proxy.Kerberos,
			"kerberos_ccache": cfg.Proxy.KerberosCCache,
		},
		"log_level":  cfg.LogLevel,
		"log_format": cfg.LogFormat,
		"log_path":   cfg.LogPath,
	}
	if err := v.MergeConfigMap(cfgMap); err != nil {
		return fmt.Errorf("failed to prepare config map for saving: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to save configuration to %s: %w", path, err)
	}
	if err := os.Chmod(path, 0640); err != nil {
		slog.Warn("Failed to set permissions on saved config file", "path", path, "error", err)
	}

	slog.Info("Configuration saved successfully", "path", path)
	return nil
}
