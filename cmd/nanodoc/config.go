package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/arthur-debert/nanodoc/driver"
	"github.com/arthur-debert/nanodoc/driver/memdriver"
	"github.com/arthur-debert/nanodoc/driver/mongodriver"
	"github.com/arthur-debert/nanodoc/nanodoc"
	"github.com/spf13/viper"
)

// URI schemes served by the in-memory driver
const (
	memScheme  = "mem://"
	fileScheme = "file://"
)

// Config is the resolved CLI configuration
type Config struct {
	Schemas     string                      `mapstructure:"schemas"`
	Format      string                      `mapstructure:"format"`
	LogLevel    string                      `mapstructure:"log-level"`
	LogQueries  bool                        `mapstructure:"log-queries"`
	Alias       string                      `mapstructure:"alias"`
	Connections map[string]ConnectionConfig `mapstructure:"connections"`
}

// ConnectionConfig describes one named connection. The uri selects the
// driver: mongodb:// and mongodb+srv:// dial a server, mem:// keeps data in
// memory and file://path keeps it in a snapshot file.
type ConnectionConfig struct {
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// setupViperConfig configures Viper with environment variables and config
// files. NANODOC_CONFIG or --config name an explicit file.
func setupViperConfig(v *viper.Viper, configFile string) error {
	if configFile == "" {
		configFile = os.Getenv("NANODOC_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("nanodoc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.nanodoc")
		v.AddConfigPath("/etc/nanodoc")
	}

	// Replace dash with underscore in env vars (e.g., --log-level -> NANODOC_LOG_LEVEL)
	v.SetEnvPrefix("NANODOC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("format", "table")
	v.SetDefault("log-level", "warn")
	v.SetDefault("alias", "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return NewConfigError("load configuration", err.Error(), CommonSuggestions.CheckConfig)
	}
	return nil
}

// loadConfig decodes the merged flags, environment and file settings
func loadConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, NewConfigError("load configuration", err.Error(), CommonSuggestions.CheckConfig)
	}
	switch cfg.Format {
	case "table", "json", "yaml":
	default:
		return cfg, NewConfigError("load configuration",
			fmt.Sprintf("unknown output format %q", cfg.Format),
			"Use --format table, json or yaml")
	}
	return cfg, nil
}

// dialer returns the driver dialer for a connection
func (c ConnectionConfig) dialer() (driver.Dialer, error) {
	switch {
	case c.URI == "" || c.URI == memScheme:
		return memdriver.Dialer(), nil
	case strings.HasPrefix(c.URI, fileScheme):
		path := strings.TrimPrefix(c.URI, fileScheme)
		if path == "" {
			return nil, fmt.Errorf("connection uri %q has no path", c.URI)
		}
		return memdriver.Dialer(memdriver.WithSnapshot(path)), nil
	default:
		settings := mongodriver.Settings{URI: c.URI, Database: c.Database, Timeout: c.Timeout}
		if err := settings.Validate(); err != nil {
			return nil, err
		}
		return mongodriver.Dialer(settings), nil
	}
}

// registerConnections registers every configured connection. Nothing is
// dialed until a command needs the driver.
func registerConnections(reg *nanodoc.Registry, conns map[string]ConnectionConfig) error {
	aliases := make([]string, 0, len(conns))
	for alias := range conns {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		dial, err := conns[alias].dialer()
		if err != nil {
			return NewConfigError("register connections",
				fmt.Sprintf("connection %s: %v", alias, err),
				CommonSuggestions.CheckConfig)
		}
		reg.Register(alias, dial)
	}
	return nil
}
