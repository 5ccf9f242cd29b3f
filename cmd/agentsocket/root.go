package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/chrisboulton/agentsocket-go"
	"github.com/chrisboulton/agentsocket-go/internal/config"
	"github.com/chrisboulton/agentsocket-go/internal/logging"
	"github.com/chrisboulton/agentsocket-go/sqlitekv"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	namespace  string
	storage    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "agentsocket",
		Short: "Chat with an agent gateway from the terminal",
		Long: `agentsocket connects to an agent gateway over WebSocket, streams the
agent's replies and keeps the conversation history in a local database.

Quick Start:
  agentsocket chat --config agentsocket.yaml    # Start chatting
  agentsocket history                           # List archived conversations
  agentsocket clear                             # Forget the current conversation`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", os.Getenv("AGENTSOCKET_CONFIG"), "Path to the YAML config file")
	pf.StringVarP(&flags.namespace, "namespace", "n", "", "Conversation namespace (overrides config)")
	pf.StringVar(&flags.storage, "storage", "", "Path to the history database (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newChatCmd(flags),
		newHistoryCmd(flags),
		newClearCmd(flags),
		newConfigCmd(flags),
	)
	return root
}

// loadConfig reads the config file and applies flag overrides.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	if f.configPath == "" {
		return nil, fmt.Errorf("no config file given; use --config or AGENTSOCKET_CONFIG")
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.namespace != "" {
		cfg.Session.Namespace = f.namespace
	}
	if f.storage != "" {
		cfg.Storage.Path = f.storage
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, nil
}

// env bundles what every subcommand opens from the config.
type env struct {
	cfg    *config.Config
	kv     *sqlitekv.Store
	store  *agentsocket.Store
	logger *slog.Logger
}

func (f *globalFlags) open(logOut io.Writer) (*env, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.New(logOut, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	kv, err := sqlitekv.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	return &env{
		cfg:    cfg,
		kv:     kv,
		store:  agentsocket.NewStore(kv, logger),
		logger: logger,
	}, nil
}

func (e *env) Close() error {
	return e.kv.Close()
}

// resolver returns the config resolver described by the gateway section.
func (e *env) resolver() agentsocket.ConfigResolver {
	g := e.cfg.Gateway
	if g.ConfigURL != "" {
		return &agentsocket.HTTPResolver{
			Endpoint: g.ConfigURL,
			Nonce:    g.Nonce,
		}
	}
	return agentsocket.StaticResolver{Config: agentsocket.ConnConfig{
		GatewayURL: g.URL,
		Token:      g.Token,
		SiteURL:    g.SiteURL,
		BrandID:    g.BrandID,
		AgentType:  g.AgentType,
		SiteID:     g.SiteID,
	}}
}

// sessionOptions maps the session section onto session options.
func (e *env) sessionOptions() []agentsocket.Option {
	s := e.cfg.Session
	return []agentsocket.Option{
		agentsocket.WithLogger(e.logger),
		agentsocket.WithStore(e.kv),
		agentsocket.WithScratch(e.kv),
		agentsocket.WithNamespace(s.Namespace),
		agentsocket.WithConsumerType(s.ConsumerType),
		agentsocket.WithMaxAttempts(s.MaxAttempts),
		agentsocket.WithBaseDelay(s.BaseDelay),
		agentsocket.WithTypingTimeout(s.TypingTimeout),
		agentsocket.WithArchiveLimit(s.ArchiveLimit),
		agentsocket.WithPlaceholders(s.Placeholders...),
		agentsocket.WithFallbackMessage(fallbackMessage(s.FallbackMessage)),
	}
}

func fallbackMessage(msg string) string {
	if msg == "" {
		return agentsocket.DefaultFallbackMessage
	}
	return msg
}
