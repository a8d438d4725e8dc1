package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	chatsync "github.com/soukapp/chatsync"
)

// newLogger builds the CLI logger. Debug level only with --verbose, so the
// interactive chat view stays clean by default.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

// getClient creates a chatsync client from the stored configuration.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No server configured. Run 'chatsync config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id configured. Run 'chatsync config set default.user_id <id>' first.")
		os.Exit(1)
	}

	opts := []chatsync.ClientOption{chatsync.WithLogger(newLogger())}
	if cfg.Default.Token != "" {
		opts = append(opts, chatsync.WithToken(cfg.Default.Token))
	}
	return chatsync.NewClient(cfg.Default.BaseURL, opts...), cfg
}

// cacheDir resolves the attachment cache directory, defaulting to
// ~/.chatsync/cache.
func cacheDir(cfg *Config) (string, error) {
	if cfg.Cache.Dir != "" {
		return cfg.Cache.Dir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}
