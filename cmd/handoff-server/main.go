// handoff-server runs the session fanout service: websocket attachment,
// message send/edit endpoints, operator joins, escalation intake and
// resume, over an in-process or Redis Streams session bus.
package main

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/livedesk/handoff/pkg/config"
	"github.com/livedesk/handoff/pkg/persistence/chatstore"
	"github.com/livedesk/handoff/pkg/redisstream"
	"github.com/livedesk/handoff/pkg/server"
)

func main() {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "handoff-server",
		Short: "Serve the live chat handoff fanout API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			setupLogging(cfg.LogLevel)
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	root.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	root.Flags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("handoff-server failed")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	b, err := redisstream.BuildBus(cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "build session bus")
	}
	defer func() { _ = b.Close() }()

	store, err := chatstore.FromSettings(cfg.Store)
	if err != nil {
		return errors.Wrap(err, "build chat store")
	}

	srv, err := server.New(server.Options{
		Addr:        cfg.Addr,
		Bus:         b,
		Store:       store,
		IdleTimeout: cfg.IdleTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "build server")
	}
	return srv.Run(ctx)
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(parseZerologLevel(level))
}

// parseZerologLevel converts a string level into zerolog.Level with a safe
// default.
func parseZerologLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}
