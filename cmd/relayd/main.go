package main

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/relayd/pkg/auth"
	"github.com/go-go-golems/relayd/pkg/config"
	"github.com/go-go-golems/relayd/pkg/gateway"
	"github.com/go-go-golems/relayd/pkg/history"
	"github.com/go-go-golems/relayd/pkg/metrics"
	"github.com/go-go-golems/relayd/pkg/stream"
)

var (
	configPath string
	listenAddr string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Real-time message and response delivery server",
		Long: `relayd terminates WebSocket, SSE, and streaming HTTP connections for chat
clients: it fans conversation events out to subscribed devices, streams
generated responses chunk by chunk, queues messages for offline users, and
lets a reconnecting client recover an in-flight stream without losing or
duplicating chunks.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to relayd.yaml (default: ./relayd.yaml if present)")
	root.Flags().StringVar(&listenAddr, "listen", "", "override the configured listen address")
	root.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("relayd exited")
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	setupLogging(cfg.LogLevel)

	authn, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		return errors.Wrap(err, "build authenticator")
	}
	store, err := buildHistory(cfg.History)
	if err != nil {
		return errors.Wrap(err, "build history store")
	}
	defer func() { _ = store.Close() }()

	srv, err := gateway.NewServer(cfg, gateway.Options{
		Authenticator: authn,
		Generator:     stream.EchoFactory,
		History:       store,
		Metrics:       metrics.New(),
	})
	if err != nil {
		return errors.Wrap(err, "build server")
	}
	return srv.Run(ctx)
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func buildAuthenticator(cfg config.Auth) (auth.Authenticator, error) {
	switch cfg.Mode {
	case "jwt":
		return auth.NewJWTAuthenticator(cfg.JWTSecret)
	case "static", "":
		tokens := map[string]auth.Identity{}
		for token, userID := range cfg.StaticTokens {
			tokens[token] = auth.Identity{UserID: userID}
		}
		if len(tokens) == 0 {
			log.Warn().Msg("no static tokens configured; the dev-token identity is active")
			tokens["dev-token"] = auth.Identity{UserID: "dev"}
		}
		return auth.NewStaticAuthenticator(tokens), nil
	default:
		return nil, errors.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

func buildHistory(cfg config.History) (history.Store, error) {
	switch cfg.Driver {
	case "", "none":
		return history.NopStore{}, nil
	case "sqlite":
		return history.NewSQLiteStore(cfg.DSN)
	default:
		return nil, errors.Errorf("unknown history driver %q", cfg.Driver)
	}
}
