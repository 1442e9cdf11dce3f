package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/KilimcininKorOglu/cursor-api/pkg/config"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logutil"
	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/proxies"
	"github.com/KilimcininKorOglu/cursor-api/pkg/relay"
	"github.com/KilimcininKorOglu/cursor-api/pkg/version"
)

var serveEnvFile string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serveEnvFile != "" {
				if err := godotenv.Load(serveEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load env file: %w", err)
				}
			} else {
				// Best effort; a missing .env just means plain environment.
				_ = godotenv.Load()
			}

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger, err := logutil.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			logger.Info("starting", "version", version.Detailed("cursor-api"))

			for _, p := range []string{cfg.TokensFile, cfg.ProxiesFile, cfg.ConfigFile} {
				if dir := filepath.Dir(p); dir != "." {
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return fmt.Errorf("create data dir: %w", err)
					}
				}
			}

			runtime, err := config.NewRuntimeStore(cfg.ConfigFile)
			if err != nil {
				return fmt.Errorf("runtime config: %w", err)
			}

			registry := proxies.New(cfg.ProxiesFile, cfg.RequestTimeout)
			if err := registry.Load(); err != nil {
				return fmt.Errorf("load proxies: %w", err)
			}

			tokenPool := pool.New(cfg.TokensFile, logger)
			if err := tokenPool.Load(); err != nil {
				return fmt.Errorf("load tokens: %w", err)
			}
			logger.Info("token pool loaded", "tokens", len(tokenPool.Aliases()))

			ring := logring.New(cfg.LogRingCapacity)

			srv := relay.NewServer(cfg, runtime, tokenPool, registry, ring, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveEnvFile, "env-file", "", "Environment file to load before reading config (default .env if present)")
	rootCmd.AddCommand(serveCmd)
}
