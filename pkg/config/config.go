package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const redacted = "***REDACTED***"

// Config is the wrapper around viper with extra helpers.
type Config struct {
	*viper.Viper

	mu            sync.Mutex
	sensitiveKeys map[string]struct{}
	onChange      []func()
	fileRequired  bool
}

// Option is a functional option for New.
type Option func(*Config) error

// New creates a Config instance. Options are applied in order, then the
// config file (if any) is read.
//
//	cfg, err := config.New(
//	  config.WithDefaults(config.Defaults()),
//	  config.WithFile("console.yaml"),
//	  config.WithEnv("RTL433DP"),
//	  config.WithPFlags(cmd.Flags()),
//	)
func New(opts ...Option) (*Config, error) {
	cfg := &Config{
		Viper:         viper.New(),
		sensitiveKeys: map[string]struct{}{},
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("config: apply option: %w", err)
		}
	}

	if err := cfg.readConfigIfPossible(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readConfigIfPossible() error {
	err := c.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || (errors.Is(err, os.ErrNotExist) && !c.fileRequired) {
		return nil
	}
	return fmt.Errorf("config: read %s: %w", c.ConfigFileUsed(), err)
}

// WithDefaults sets default values. Apply it first.
func WithDefaults(defaults map[string]any) Option {
	return func(c *Config) error {
		for k, v := range defaults {
			c.SetDefault(k, v)
		}
		return nil
	}
}

// WithFile sets an exact config file; the extension determines its type.
// An explicitly named file must exist.
func WithFile(path string) Option {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		c.SetConfigFile(path)
		c.fileRequired = true
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" {
			c.SetConfigType(ext)
		}
		return nil
	}
}

// WithConfigNamePaths searches for name.<ext> in paths. A missing file is not an error.
func WithConfigNamePaths(name string, paths ...string) Option {
	return func(c *Config) error {
		if name != "" {
			c.SetConfigName(name)
		}
		if len(paths) == 0 {
			paths = []string{".", "./config", "/etc/rtl433dp"}
		}
		for _, p := range paths {
			c.AddConfigPath(p)
		}
		return nil
	}
}

// WithEnv enables environment overrides: prefix "RTL433DP" maps
// RTL433DP_OIDC_CLIENT_ID onto oidc.client_id.
func WithEnv(prefix string) Option {
	return func(c *Config) error {
		if prefix != "" {
			c.SetEnvPrefix(prefix)
		}
		c.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		c.AutomaticEnv()
		return nil
	}
}

// WithPFlags binds an application-defined flag set.
func WithPFlags(flags *pflag.FlagSet) Option {
	return func(c *Config) error {
		if flags == nil {
			flags = pflag.CommandLine
		}
		return c.BindPFlags(flags)
	}
}

// WithDotEnv merges key=value lines from path (".env" when empty) if the file exists.
func WithDotEnv(path string) Option {
	return func(c *Config) error {
		if path == "" {
			path = ".env"
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		envV := viper.New()
		envV.SetConfigFile(path)
		envV.SetConfigType("env")
		if err := envV.ReadInConfig(); err != nil {
			return err
		}
		for _, k := range envV.AllKeys() {
			c.Set(k, envV.Get(k))
		}
		return nil
	}
}

// WithWatch enables hot reload of the config file.
func WithWatch(onChange ...func()) Option {
	return func(c *Config) error {
		c.onChange = append(c.onChange, onChange...)
		c.OnConfigChange(func(fsnotify.Event) {
			c.mu.Lock()
			callbacks := append([]func(){}, c.onChange...)
			c.mu.Unlock()
			for _, fn := range callbacks {
				fn()
			}
		})
		c.WatchConfig()
		return nil
	}
}

// OnChange registers a callback run after each hot reload.
func (c *Config) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// WithSensitiveKeys registers dotted keys which are redacted when printing.
func WithSensitiveKeys(keys ...string) Option {
	return func(c *Config) error {
		for _, k := range keys {
			c.sensitiveKeys[strings.ToLower(k)] = struct{}{}
		}
		return nil
	}
}

// GetStringD returns the value of key or def when it is empty.
func (c *Config) GetStringD(key, def string) string {
	if val := c.GetString(key); val != "" {
		return val
	}
	return def
}

func (c *Config) GetIntD(key string, def int) int {
	if c.IsSet(key) {
		return c.GetInt(key)
	}
	return def
}

func (c *Config) GetBoolD(key string, def bool) bool {
	if c.IsSet(key) {
		return c.GetBool(key)
	}
	return def
}

func (c *Config) GetDurationD(key string, def time.Duration) time.Duration {
	if c.IsSet(key) {
		return c.GetDuration(key)
	}
	return def
}

// ValidateRequired ensures keys exist and are non-empty.
func (c *Config) ValidateRequired(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if !c.IsSet(k) || c.GetString(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}
	return nil
}

// MaskedSettings returns the effective settings as a flat dotted map with
// sensitive keys redacted.
func (c *Config) MaskedSettings() map[string]any {
	out := map[string]any{}
	for _, k := range c.AllKeys() {
		if _, ok := c.sensitiveKeys[k]; ok && c.GetString(k) != "" {
			out[k] = redacted
			continue
		}
		out[k] = c.Get(k)
	}
	return out
}

// Print writes the effective settings, sorted by key.
func (c *Config) Print(w io.Writer, mask bool) {
	settings := c.MaskedSettings()
	if !mask {
		settings = map[string]any{}
		for _, k := range c.AllKeys() {
			settings[k] = c.Get(k)
		}
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, settings[k])
	}
}
