package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full nasmux configuration.
// If Users is empty, nasmux runs without auth.
//
// Sources, highest precedence first: CLI flags (applied by main),
// NASMUX_* environment variables, the config file, ApplyDefaults.
type Config struct {
	// Root is the directory served by nasmux (the storage root).
	Root string `mapstructure:"root" validate:"required"`

	// StateDir stores uploads, blob store, thumbs and the share database.
	// Default: <root>/.nasmux
	StateDir string `mapstructure:"state_dir"`

	// FollowSymlinks controls whether nasmux may follow symlinks inside the root.
	// Default: false (symlinks are listed but not opened).
	// If true, only symlinks which resolve to a path still inside the root are followed.
	FollowSymlinks bool `mapstructure:"follow_symlinks"`

	// AuthOptional enables "public + authenticated" mode when Users is set:
	// - requests without Authorization are treated as anonymous
	// - requests with Authorization are validated; invalid creds get 401
	AuthOptional bool `mapstructure:"auth_optional"`

	// Users is a map of username -> bcrypt hash.
	Users map[string]User `mapstructure:"users" validate:"dive"`

	// Tokens authenticate as the mapped username (ACLs still apply).
	// Request header: Authorization: Bearer <token>
	// A list rather than a map: viper lowercases map keys.
	Tokens []Token `mapstructure:"tokens" validate:"dive"`

	// ACLs is a simple first-match rule list by path prefix.
	// If empty:
	// - no-auth mode: allow read+write
	// - auth mode: allow read to all authenticated users, deny write
	ACLs []ACL `mapstructure:"acls" validate:"dive"`

	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Shares  SharesConfig  `mapstructure:"shares"`
	Listing ListingConfig `mapstructure:"listing"`
	Search  SearchConfig  `mapstructure:"search"`
	Stream  StreamConfig  `mapstructure:"stream"`
}

type User struct {
	Bcrypt string `mapstructure:"bcrypt" validate:"required"`
}

type Token struct {
	Token string `mapstructure:"token" validate:"required"`
	User  string `mapstructure:"user" validate:"required"`
}

type ACL struct {
	// Path is a prefix match, always interpreted as a clean path like "/photos".
	Path string `mapstructure:"path"`
	// Read allows listing/downloading/searching/sharing.
	Read []string `mapstructure:"read"` // usernames or "*"
	// Write allows upload/mkdir/rename.
	Write []string `mapstructure:"write"`
	// Admin allows delete.
	Admin []string `mapstructure:"admin"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// SharesConfig controls share links.
type SharesConfig struct {
	// ExpiryDays is added to the end of the current day; 0 means links never expire.
	ExpiryDays int `mapstructure:"expiry_days" validate:"gte=0"`
	// Store selects the token store backend.
	Store string `mapstructure:"store" validate:"required,oneof=badger sqlite"`
}

type ListingConfig struct {
	DefaultPerPage int `mapstructure:"default_per_page" validate:"gte=10,lte=100"`
	// SniffMime reads file headers for every listed entry. Slow on big directories.
	SniffMime bool `mapstructure:"sniff_mime"`
	// FastEnumerator allows the external find(1) fast path.
	FastEnumerator bool `mapstructure:"fast_enumerator"`
}

type SearchConfig struct {
	// MaxResults caps hits per query; 0 is unlimited.
	MaxResults int  `mapstructure:"max_results" validate:"gte=0"`
	FastFinder bool `mapstructure:"fast_finder"`
}

type StreamConfig struct {
	ChunkSize int `mapstructure:"chunk_size" validate:"gte=4096"`
}

// Load reads configuration from configPath (if non-empty) and NASMUX_*
// environment variables. Call Finalize once flag overrides are applied.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NASMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	// Defaults whose zero value is meaningful cannot go through ApplyDefaults.
	v.SetDefault("shares.expiry_days", DefaultShareExpiryDays)
	v.SetDefault("listing.fast_enumerator", true)
	v.SetDefault("search.fast_finder", true)
	v.SetDefault("search.max_results", DefaultMaxResults)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindEnv registers scalar keys so AutomaticEnv sees them during Unmarshal
// even when the config file does not mention them.
func bindEnv(v *viper.Viper) {
	for _, k := range []string{
		"root", "state_dir", "follow_symlinks", "auth_optional",
		"logging.level", "logging.format", "logging.output",
		"server.addr", "server.shutdown_timeout",
		"shares.expiry_days", "shares.store",
		"listing.default_per_page", "listing.sniff_mime", "listing.fast_enumerator",
		"search.max_results", "search.fast_finder",
		"stream.chunk_size",
	} {
		_ = v.BindEnv(k)
	}
}

// Finalize applies defaults and validates. main calls it after flag overrides.
func Finalize(cfg *Config) error {
	ApplyDefaults(cfg)
	return Validate(cfg)
}
