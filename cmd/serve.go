package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"dify-bridge/internal/config"
	"dify-bridge/internal/logging"
	"dify-bridge/internal/metrics"
	"dify-bridge/internal/provider/dify"
	"dify-bridge/internal/proxy"
	"dify-bridge/internal/server"
)

const serveUsage = `Usage:
  dify-bridge serve [--config <path>] [--port <port>] [--env-file <path>]

Flags:
  --config   string   Path to YAML configuration file (defaults apply when omitted)
  --port     int      Override server port from configuration
  --env-file string   Dotenv file loaded before reading the environment (default ".env")`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath, envFile string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")
	fs.StringVar(&envFile, "env-file", ".env", "dotenv file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort < 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	client, err := dify.New(cfg.Backend, dify.NewHTTPClient())
	if err != nil {
		return fmt.Errorf("initialise dify client: %w", err)
	}

	px, err := proxy.New(client, proxy.Options{
		Timeout:       cfg.Backend.Timeout,
		StreamTimeout: cfg.Backend.StreamTimeout,
		FallbackUser:  cfg.Backend.FallbackUser,
		DefaultModel:  cfg.DefaultModel(),
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, px, m, logger)
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
