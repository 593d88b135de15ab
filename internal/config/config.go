// Package config loads server settings from defaults, a config file, a .env file and the environment.
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ROLLCALL_HTTP_PORT
const EnvPrefix = "ROLLCALL"

// Config is the full server configuration
type Config struct {
	Database  *DatabaseConfig  `mapstructure:"database"`
	HTTP      *HTTPConfig      `mapstructure:"http"`
	WebSocket *WebSocketConfig `mapstructure:"websocket"`
	Auth      *AuthConfig      `mapstructure:"auth"`
	Session   *SessionConfig   `mapstructure:"session"`
	Router    *RouterConfig    `mapstructure:"router"`
}

// DatabaseConfig selects and tunes the store. Driver is sqlite or postgres.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigin      string        `mapstructure:"cors_origin"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	Issuer     string        `mapstructure:"issuer"`
	TokenTTL   time.Duration `mapstructure:"token_ttl"`
	BcryptCost int           `mapstructure:"bcrypt_cost"`
}

// SessionConfig tunes the live attendance engine
type SessionConfig struct {
	StrictOwnership bool          `mapstructure:"strict_ownership"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
}

// RouterConfig limits inbound realtime messages per user
type RouterConfig struct {
	RateLimit       int           `mapstructure:"rate_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DefaultConfig returns settings suitable for a single classroom server
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Driver:          "sqlite",
			Path:            "./data/rollcall.db",
			MaxConnections:  10,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigin:      "*",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			MaxMessageSize: 64 * 1024,
			AllowedOrigins: []string{},
		},
		Auth: &AuthConfig{
			Issuer:     "rollcall",
			TokenTTL:   24 * time.Hour,
			BcryptCost: 10,
		},
		Session: &SessionConfig{
			StrictOwnership: true,
			StoreTimeout:    10 * time.Second,
		},
		Router: &RouterConfig{
			RateLimit:       100,
			RateWindow:      time.Minute,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Auth == nil || c.Session == nil || c.Router == nil {
		return fmt.Errorf("all configuration sections are required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path cannot be empty")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt secret is required (set %s_AUTH_JWT_SECRET)", EnvPrefix)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token ttl must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth bcrypt cost must be between 4 and 31")
	}

	if c.Session.StoreTimeout <= 0 {
		return fmt.Errorf("session store timeout must be positive")
	}

	if c.Router.RateLimit <= 0 || c.Router.RateWindow <= 0 {
		return fmt.Errorf("router rate limit and window must be positive")
	}
	if c.Router.CleanupInterval <= 0 {
		return fmt.Errorf("router cleanup interval must be positive")
	}

	return nil
}

// Addr is the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// LoadOptions names the optional sources. Missing .env files are ignored;
// a named config file that cannot be read is an error.
type LoadOptions struct {
	ConfigFile string
	DotEnvFile string
}

// Load merges defaults < config file < .env file < environment
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	defaults := defaultValues(DefaultConfig())
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	}

	if opts.DotEnvFile != "" {
		if err := applyDotEnv(v, opts.DotEnvFile, defaults); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// applyDotEnv reads prefixed keys from a .env file. Variables already set in
// the real environment win, so they are skipped here.
func applyDotEnv(v *viper.Viper, path string, known map[string]interface{}) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	values, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	prefix := EnvPrefix + "_"
	for key, value := range values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		configKey, ok := envToKey(strings.TrimPrefix(key, prefix), known)
		if !ok {
			log.Printf("config: ignoring unknown key %s in %s", key, path)
			continue
		}
		v.Set(configKey, value)
	}
	return nil
}

// envToKey maps HTTP_READ_TIMEOUT to http.read_timeout
func envToKey(name string, known map[string]interface{}) (string, bool) {
	section, field, ok := strings.Cut(strings.ToLower(name), "_")
	if !ok {
		return "", false
	}
	key := section + "." + field
	if _, ok := known[key]; !ok {
		return "", false
	}
	return key, true
}

// defaultValues flattens d into viper keys
func defaultValues(d *Config) map[string]interface{} {
	return map[string]interface{}{
		"database.driver":             d.Database.Driver,
		"database.path":               d.Database.Path,
		"database.dsn":                d.Database.DSN,
		"database.max_connections":    d.Database.MaxConnections,
		"database.conn_max_lifetime":  d.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": d.Database.ConnMaxIdleTime,
		"http.port":                   d.HTTP.Port,
		"http.host":                   d.HTTP.Host,
		"http.read_timeout":           d.HTTP.ReadTimeout,
		"http.write_timeout":          d.HTTP.WriteTimeout,
		"http.shutdown_timeout":       d.HTTP.ShutdownTimeout,
		"http.cors_origin":            d.HTTP.CORSOrigin,
		"websocket.ping_interval":     d.WebSocket.PingInterval,
		"websocket.read_timeout":      d.WebSocket.ReadTimeout,
		"websocket.write_timeout":     d.WebSocket.WriteTimeout,
		"websocket.max_message_size":  d.WebSocket.MaxMessageSize,
		"websocket.allowed_origins":   d.WebSocket.AllowedOrigins,
		"auth.jwt_secret":             d.Auth.JWTSecret,
		"auth.issuer":                 d.Auth.Issuer,
		"auth.token_ttl":              d.Auth.TokenTTL,
		"auth.bcrypt_cost":            d.Auth.BcryptCost,
		"session.strict_ownership":    d.Session.StrictOwnership,
		"session.store_timeout":       d.Session.StoreTimeout,
		"router.rate_limit":           d.Router.RateLimit,
		"router.rate_window":          d.Router.RateWindow,
		"router.cleanup_interval":     d.Router.CleanupInterval,
	}
}
