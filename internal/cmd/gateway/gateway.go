// Package gateway parses gateway command flags and composes the realtime
// server entrypoint.
package gateway

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/platform/config"
	"github.com/meridianchat/meridian/internal/services/gateway/app"
	"github.com/meridianchat/meridian/internal/services/gateway/storage/seal"
	"github.com/meridianchat/meridian/internal/services/gateway/storage/sqlite"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr      string   `env:"MERIDIAN_HTTP_ADDR"       envDefault:":8090"`
	DBURL         string   `env:"MERIDIAN_DB_URL"          envDefault:"meridian.db"`
	UpdateSealKey string   `env:"MERIDIAN_UPDATE_SEAL_KEY"`
	TokenSecret   string   `env:"MERIDIAN_TOKEN_SECRET"`
	CORSAllowlist []string `env:"MERIDIAN_CORS_ALLOWLIST"  envSeparator:","`
	LogLevel      string   `env:"MERIDIAN_LOG_LEVEL"       envDefault:"info"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "gateway HTTP listen address")
	fs.StringVar(&cfg.DBURL, "db-url", cfg.DBURL, "sqlite database path")
	fs.StringVar(&cfg.UpdateSealKey, "update-seal-key", cfg.UpdateSealKey, "hex key sealing update payloads at rest")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "session token signing secret")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens the store and serves the gateway until the context ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return fmt.Errorf("token secret is required")
	}
	key, err := seal.ParseKey(cfg.UpdateSealKey)
	if err != nil {
		return fmt.Errorf("parse update seal key: %w", err)
	}
	sealer, err := seal.New(key)
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}

	store, err := sqlite.Open(cfg.DBURL, sealer)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close store")
		}
	}()

	if err := app.Run(ctx, app.Config{
		HTTPAddr:      cfg.HTTPAddr,
		Store:         store,
		TokenSecret:   []byte(cfg.TokenSecret),
		CORSAllowlist: cfg.CORSAllowlist,
		Logger:        logger,
	}); err != nil {
		return fmt.Errorf("serve gateway: %w", err)
	}
	return nil
}

func newLogger(level string) (zerolog.Logger, error) {
	parsed, err := zerolog.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("parse log level %q: %w", level, err)
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Str("service", "gateway").Logger(), nil
}
