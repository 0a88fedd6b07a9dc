package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/vovakirdan/wirechat-relay/internal/auth"
	"github.com/vovakirdan/wirechat-relay/internal/guard"
	"github.com/vovakirdan/wirechat-relay/internal/hub"
	"github.com/vovakirdan/wirechat-relay/internal/offline"
	"github.com/vovakirdan/wirechat-relay/internal/router"
	"github.com/vovakirdan/wirechat-relay/internal/sequencer"
	"github.com/vovakirdan/wirechat-relay/internal/session"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Config holds relay configuration values.
type Config struct {
	Server    ServerConfig      `mapstructure:"server" yaml:"server"`
	Auth      AuthConfig        `mapstructure:"auth" yaml:"auth"`
	Store     StoreConfig       `mapstructure:"store" yaml:"store"`
	Session   session.Config    `mapstructure:"session" yaml:"session"`
	Presence  PresenceConfig    `mapstructure:"presence" yaml:"presence"`
	Delivery  router.Config     `mapstructure:"delivery" yaml:"delivery"`
	Hub       hub.Config        `mapstructure:"hub" yaml:"hub"`
	Offline   offline.Config    `mapstructure:"offline" yaml:"offline"`
	Sequencer sequencer.Config  `mapstructure:"sequencer" yaml:"sequencer"`
	Guard     guard.Config      `mapstructure:"guard" yaml:"guard"`
	Retry     store.RetryPolicy `mapstructure:"retry" yaml:"retry"`
	Audit     AuditConfig       `mapstructure:"audit" yaml:"audit"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format" validate:"omitempty,oneof=console json"`
	// MaxFrameBytes caps a single WebSocket frame.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes" validate:"gt=0"`
	// HelloTimeout is how long a new connection may take to send hello.
	HelloTimeout time.Duration `mapstructure:"hello_timeout" yaml:"hello_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// AdminToken guards /admin. Empty disables the admin API.
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`
	// UpgradesPerMinute limits WebSocket handshakes per client address.
	// Zero disables the limit.
	UpgradesPerMinute int `mapstructure:"upgrades_per_minute" yaml:"upgrades_per_minute" validate:"gte=0"`
}

// AuthConfig holds JWT settings.
type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret" validate:"required"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	// PreviousSecrets still verify tokens during a secret rotation.
	PreviousSecrets []string `mapstructure:"previous_secrets" yaml:"previous_secrets"`
	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration `mapstructure:"leeway" yaml:"leeway" validate:"gte=0"`
}

// JWT converts the section for signing and verifying tokens.
func (a AuthConfig) JWT() *auth.JWTConfig {
	cfg := &auth.JWTConfig{
		Secret:   []byte(a.JWTSecret),
		Issuer:   a.JWTIssuer,
		Audience: a.JWTAudience,
		TTL:      a.TokenTTL,
		Leeway:   a.Leeway,
	}
	for _, s := range a.PreviousSecrets {
		cfg.PreviousSecrets = append(cfg.PreviousSecrets, []byte(s))
	}
	return cfg
}

// StoreConfig selects the durable store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite badger"`
	// Path is the sqlite file or the badger directory. An empty badger path
	// keeps everything in memory.
	Path       string        `mapstructure:"path" yaml:"path"`
	GCInterval time.Duration `mapstructure:"gc_interval" yaml:"gc_interval"`
}

// PresenceConfig holds presence settings.
type PresenceConfig struct {
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

// AuditConfig selects where delivery events go.
type AuditConfig struct {
	Log    bool        `mapstructure:"log" yaml:"log"`
	Buffer int         `mapstructure:"buffer" yaml:"buffer" validate:"gte=0"`
	Redis  RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig enables the redis pub/sub audit sink when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel" validate:"required_with=Addr"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			LogLevel:          "info",
			LogFormat:         "console",
			MaxFrameBytes:     64 << 10,
			HelloTimeout:      10 * time.Second,
			WriteTimeout:      10 * time.Second,
			UpgradesPerMinute: 60,
		},
		Auth: AuthConfig{
			JWTSecret: "change-me",
			JWTIssuer: "wirechat",
			TokenTTL:  24 * time.Hour,
			Leeway:    30 * time.Second,
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			Path:       "wirechat.db",
			GCInterval: 10 * time.Minute,
		},
		Session: session.Config{
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
			BanDuration:   time.Hour,
			OutboxSize:    64,
		},
		Presence: PresenceConfig{Debounce: 5 * time.Second},
		Delivery: router.Config{PushTimeout: 2 * time.Second},
		Hub: hub.Config{
			WatchBuffer:         32,
			PresencePushTimeout: time.Second,
		},
		Offline: offline.Config{
			Retention:     7 * 24 * time.Hour,
			SweepInterval: time.Minute,
			DrainBatch:    100,
		},
		Sequencer: sequencer.Config{
			DedupWindow:     24 * time.Hour,
			JanitorInterval: 10 * time.Minute,
		},
		Guard: guard.Config{
			Rate:            5,
			Burst:           10,
			MaxMessageBytes: 16 << 10,
			RejectThreshold: 20,
			RejectWindow:    time.Minute,
		},
		Retry: store.DefaultRetryPolicy(),
		Audit: AuditConfig{
			Log:    true,
			Buffer: 1024,
			Redis:  RedisConfig{Channel: "wirechat:audit"},
		},
	}
}

// UpdateFrom overwrites non-zero server values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}
	if other.Server.LogFormat != "" {
		c.Server.LogFormat = other.Server.LogFormat
	}
	if other.Server.AdminToken != "" {
		c.Server.AdminToken = other.Server.AdminToken
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Store.Path != "" {
		c.Store.Path = other.Store.Path
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the values a relay cannot start without.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
