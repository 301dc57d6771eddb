package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"nasmux/internal/auth"
	"nasmux/internal/config"
	"nasmux/internal/httpserver"
	"nasmux/internal/listing"
	"nasmux/internal/logger"
	"nasmux/internal/meta"
	"nasmux/internal/search"
	"nasmux/internal/shares"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	var (
		addr     = flag.String("addr", "", "listen address (default 0.0.0.0:5000)")
		root     = flag.String("root", "", "storage root (required unless set in the config)")
		stateDir = flag.String("state", "", "state dir for uploads, blobs, thumbs and shares (default: <root>/.nasmux)")
		cfgPath  = flag.String("config", "", "path to a yaml/toml/json config file (optional)")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if err := config.Finalize(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, closer, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("nasmux stopped")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	if st, err := os.Stat(cfg.Root); err != nil || !st.IsDir() {
		return fmt.Errorf("root %s is not a directory", cfg.Root)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("mkdir state: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openShareStore(cfg, log)
	if err != nil {
		return err
	}
	registry := shares.NewRegistry(store, log.With().Str("component", "shares").Logger())

	resolver := &meta.Resolver{Sniff: cfg.Listing.SniffMime, Log: log.With().Str("component", "meta").Logger()}

	var enumerator listing.Enumerator
	if cfg.Listing.FastEnumerator {
		enumerator = listing.Probe(ctx, log)
	}
	var finder search.Finder
	if cfg.Search.FastFinder {
		finder = search.ToolFinder{}
	}

	srv, err := httpserver.New(httpserver.Options{
		Config: cfg,
		Log:    log,
		Shares: registry,
		Lister: listing.NewLister(enumerator, resolver, log.With().Str("component", "listing").Logger()),
		Search: search.NewEngine(finder, resolver, cfg.Search.MaxResults, log.With().Str("component", "search").Logger()),
	})
	if err != nil {
		_ = registry.Close()
		return fmt.Errorf("server init: %w", err)
	}
	defer srv.Close()

	hs := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- hs.ListenAndServe()
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("root", cfg.Root).
		Str("state", cfg.StateDir).
		Str("shares", cfg.Shares.Store).
		Bool("auth", len(cfg.Users) > 0).
		Msg("nasmux listening")
	log.Info().Msgf("webdav endpoint: http://%s/dav/", cfg.Server.Addr)

	select {
	case err := <-serverDone:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("stopped gracefully")
	return nil
}

func openShareStore(cfg *config.Config, log zerolog.Logger) (shares.Store, error) {
	switch cfg.Shares.Store {
	case "sqlite":
		return shares.OpenSQLite(filepath.Join(cfg.StateDir, "shares.db"))
	default:
		return shares.OpenBadger(filepath.Join(cfg.StateDir, "shares"), log)
	}
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	password := fs.String("p", "", "password (required)")
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: nasmux passwd -p <password>")
		os.Exit(2)
	}
	h, err := auth.HashPassword(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(h)
}
