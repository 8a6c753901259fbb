// Package config loads stratboard settings from sb.toml, SB_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stratboard/stratboard/internal/live/connstate"
)

// FileName is the config file looked up in the working directory and in
// $HOME/.config/stratboard.
const FileName = "sb.toml"

// EnvPrefix prefixes environment overrides: SB_SERVER_ADDR, SB_CLIENT_SCOPE...
const EnvPrefix = "SB"

// Config is the full configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" toml:"server" yaml:"server"`
	Client    ClientConfig    `mapstructure:"client" toml:"client" yaml:"client"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" toml:"reconnect" yaml:"reconnect"`
	Log       LogConfig       `mapstructure:"log" toml:"log" yaml:"log"`
}

// ServerConfig configures `sb serve`.
type ServerConfig struct {
	Addr      string `mapstructure:"addr" toml:"addr" yaml:"addr"`
	Database  string `mapstructure:"database" toml:"database" yaml:"database"`
	InboxDir  string `mapstructure:"inbox_dir" toml:"inbox_dir" yaml:"inbox_dir"`
	AuthToken string `mapstructure:"auth_token" toml:"auth_token" yaml:"auth_token"`
}

// ClientConfig configures the commands that talk to a server.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url" toml:"base_url" yaml:"base_url"`
	Scope   string        `mapstructure:"scope" toml:"scope" yaml:"scope"`
	Token   string        `mapstructure:"token" toml:"token" yaml:"token"`
	Timeout time.Duration `mapstructure:"timeout" toml:"timeout" yaml:"timeout"`
}

// ReconnectConfig is the push subscription backoff policy.
type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" toml:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" toml:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" toml:"multiplier" yaml:"multiplier"`
	MaxAttempts  int           `mapstructure:"max_attempts" toml:"max_attempts" yaml:"max_attempts"`
}

// LogConfig selects the log destination. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" toml:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups" yaml:"max_backups"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:     ":8080",
			Database: filepath.Join(".stratboard", "tasks.db"),
			InboxDir: filepath.Join(".stratboard", "inbox"),
		},
		Client: ClientConfig{
			BaseURL: "http://localhost:8080",
			Scope:   "default",
			Timeout: 10 * time.Second,
		},
		Reconnect: ReconnectConfig{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			MaxAttempts:  10,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// New returns a viper instance with defaults, the env binding and the file
// search path registered. Flags are bound separately with BindFlags.
func New() *viper.Viper {
	v := viper.New()

	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.database", d.Server.Database)
	v.SetDefault("server.inbox_dir", d.Server.InboxDir)
	v.SetDefault("server.auth_token", d.Server.AuthToken)
	v.SetDefault("client.base_url", d.Client.BaseURL)
	v.SetDefault("client.scope", d.Client.Scope)
	v.SetDefault("client.token", d.Client.Token)
	v.SetDefault("client.timeout", d.Client.Timeout)
	v.SetDefault("reconnect.initial_delay", d.Reconnect.InitialDelay)
	v.SetDefault("reconnect.max_delay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.multiplier", d.Reconnect.Multiplier)
	v.SetDefault("reconnect.max_attempts", d.Reconnect.MaxAttempts)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "stratboard"))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// BindFlags binds each flag in fs whose name appears in keys to that config
// key, e.g. {"addr": "server.addr"}.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := fs.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", flag, err)
		}
	}
	return nil
}

// Load reads the config file (explicit path, or the search path when empty)
// and decodes the merged configuration. A missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path == "" && os.IsNotExist(err)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Client.Scope == "" {
		return fmt.Errorf("client.scope cannot be empty")
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect.multiplier must be >= 1 (got %v)", c.Reconnect.Multiplier)
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts cannot be negative")
	}
	return nil
}

// Retryer builds the reconnect policy.
func (c *Config) Retryer() *connstate.ExponentialBackoffRetryer {
	r := connstate.NewExponentialBackoffRetryer()
	r.InitialDelay = c.Reconnect.InitialDelay
	r.MaxDelay = c.Reconnect.MaxDelay
	r.Multiplier = c.Reconnect.Multiplier
	r.MaxAttempts = c.Reconnect.MaxAttempts
	return r
}

// tomlConfig mirrors Config with durations as strings, which is how viper
// reads them back.
type tomlConfig struct {
	Server    ServerConfig `toml:"server"`
	Client    tomlClient   `toml:"client"`
	Reconnect tomlBackoff  `toml:"reconnect"`
	Log       LogConfig    `toml:"log"`
}

type tomlClient struct {
	BaseURL string `toml:"base_url"`
	Scope   string `toml:"scope"`
	Token   string `toml:"token"`
	Timeout string `toml:"timeout"`
}

type tomlBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	MaxDelay     string  `toml:"max_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxAttempts  int     `toml:"max_attempts"`
}

// EncodeTOML renders c in the sb.toml format.
func (c *Config) EncodeTOML() ([]byte, error) {
	out := tomlConfig{
		Server: c.Server,
		Client: tomlClient{
			BaseURL: c.Client.BaseURL,
			Scope:   c.Client.Scope,
			Token:   c.Client.Token,
			Timeout: c.Client.Timeout.String(),
		},
		Reconnect: tomlBackoff{
			InitialDelay: c.Reconnect.InitialDelay.String(),
			MaxDelay:     c.Reconnect.MaxDelay.String(),
			Multiplier:   c.Reconnect.Multiplier,
			MaxAttempts:  c.Reconnect.MaxAttempts,
		},
		Log: c.Log,
	}

	var buf bytes.Buffer
	buf.WriteString("# stratboard configuration\n# Environment overrides: SB_<SECTION>_<KEY>, e.g. SB_SERVER_ADDR\n\n")
	if err := toml.NewEncoder(&buf).Encode(out); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile writes c to path. It refuses to overwrite unless force is set.
func (c *Config) WriteFile(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := c.EncodeTOML()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// EncodeYAML renders c for display. Secrets are masked.
func (c *Config) EncodeYAML() ([]byte, error) {
	shown := *c
	shown.Server.AuthToken = mask(shown.Server.AuthToken)
	shown.Client.Token = mask(shown.Client.Token)

	data, err := yaml.Marshal(shown)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return data, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
