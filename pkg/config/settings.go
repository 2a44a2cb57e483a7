package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/milan604/rtl433dp-console/pkg/validator"
)

// DefaultScope is requested when oidc.scope is unset.
const DefaultScope = "openid profile email"

// Settings is the typed view of the console configuration.
type Settings struct {
	Service   ServiceSettings   `mapstructure:"service"`
	API       APISettings       `mapstructure:"api"`
	OIDC      OIDCSettings      `mapstructure:"oidc"`
	Session   SessionSettings   `mapstructure:"session"`
	CredStore CredStoreSettings `mapstructure:"credstore"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Audit     AuditSettings     `mapstructure:"audit"`
	Tracing   TracingSettings   `mapstructure:"tracing"`
	Metrics   MetricsSettings   `mapstructure:"metrics"`
	RateLimit RateLimitSettings `mapstructure:"ratelimit"`
	UI        UISettings        `mapstructure:"ui"`
	Log       LogSettings       `mapstructure:"log"`
}

type ServiceSettings struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// APISettings locates the rtl433dp REST backend.
type APISettings struct {
	BaseURL  string        `mapstructure:"base_url" validate:"required,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	RetryMax int           `mapstructure:"retry_max" validate:"min=0,max=10"`
}

// OIDCSettings configures the authorization code + PKCE relying party.
type OIDCSettings struct {
	Authority             string        `mapstructure:"authority" validate:"required,url"`
	ClientID              string        `mapstructure:"client_id" validate:"required"`
	ClientSecret          string        `mapstructure:"client_secret"`
	RedirectURI           string        `mapstructure:"redirect_uri" validate:"required,url"`
	PostLogoutRedirectURI string        `mapstructure:"post_logout_redirect_uri" validate:"required,url"`
	Scope                 string        `mapstructure:"scope"`
	ExpiringNotification  time.Duration `mapstructure:"expiring_notification"`
	AutomaticSilentRenew  bool          `mapstructure:"automatic_silent_renew"`
	// Timeout bounds each call to the identity provider, discovery included.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Scopes splits Scope on whitespace, falling back to DefaultScope.
func (o OIDCSettings) Scopes() []string {
	scope := strings.TrimSpace(o.Scope)
	if scope == "" {
		scope = DefaultScope
	}
	return strings.Fields(scope)
}

type SessionSettings struct {
	CookieName   string        `mapstructure:"cookie_name" validate:"required"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type CredStoreSettings struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory redis"`
}

type RedisSettings struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AuditSettings struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	Topic        string   `mapstructure:"topic"`
}

type TracingSettings struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type MetricsSettings struct {
	Enabled bool `mapstructure:"enabled"`
}

type RateLimitSettings struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// UISettings locates the built single page app. AllowedOrigins lists extra
// origins (a dev server, for example) trusted for CORS and the session socket.
type UISettings struct {
	Dir            string   `mapstructure:"dir"`
	AllowedOrigins []string `mapstructure:"allowed_origins" validate:"dive,url"`
}

type LogSettings struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding" validate:"omitempty,oneof=json console"`
}

// SensitiveKeys are redacted by MaskedSettings.
var SensitiveKeys = []string{"oidc.client_secret", "redis.password"}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"service.name":                "rtl433dp-console",
		"service.endpoint":            "0.0.0.0",
		"service.port":                8080,
		"api.timeout":                 15 * time.Second,
		"api.retry_max":               2,
		"oidc.scope":                  DefaultScope,
		"oidc.expiring_notification":  30 * time.Second,
		"oidc.automatic_silent_renew": true,
		"oidc.timeout":                10 * time.Second,
		"session.cookie_name":         "rtl433dp_session",
		"session.cookie_secure":       true,
		"session.idle_timeout":        30 * time.Minute,
		"session.ttl":                 12 * time.Hour,
		"credstore.driver":            "memory",
		"redis.addr":                  "localhost:6379",
		"audit.topic":                 "rtl433dp.console.audit",
		"metrics.enabled":             true,
		"ratelimit.rps":               5.0,
		"ratelimit.burst":             10,
		"log.level":                   "info",
		"log.encoding":                "console",
	}
}

// Settings decodes and validates the effective configuration.
func (c *Config) Settings() (*Settings, error) {
	var s Settings
	if err := c.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: decode settings: %w", err)
	}
	if err := validator.New().Struct(s); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if s.CredStore.Driver == "redis" && s.Redis.Addr == "" {
		return nil, fmt.Errorf("config: redis.addr is required when credstore.driver is redis")
	}
	return &s, nil
}
