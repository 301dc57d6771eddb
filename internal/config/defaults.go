package config

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultAddr            = "0.0.0.0:5000"
	DefaultShareExpiryDays = 7
	DefaultPerPage         = 50
	DefaultChunkSize       = 1 << 20
	DefaultMaxResults      = 5000
)

// ApplyDefaults fills zero values. Explicit values are preserved; fields where
// zero is meaningful (expiry_days, max_results, the fast-path toggles) are defaulted in Load.
func ApplyDefaults(cfg *Config) {
	if cfg.Root != "" {
		if abs, err := filepath.Abs(cfg.Root); err == nil {
			cfg.Root = abs
		}
		if cfg.StateDir == "" {
			cfg.StateDir = filepath.Join(cfg.Root, ".nasmux")
		}
	}

	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Shares.Store == "" {
		cfg.Shares.Store = "badger"
	}
	if cfg.Listing.DefaultPerPage == 0 {
		cfg.Listing.DefaultPerPage = DefaultPerPage
	}
	if cfg.Stream.ChunkSize == 0 {
		cfg.Stream.ChunkSize = DefaultChunkSize
	}
}
