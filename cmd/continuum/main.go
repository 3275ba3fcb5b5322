package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/comigor/continuum/internal/config"
	"github.com/comigor/continuum/internal/conversation"
	"github.com/comigor/continuum/internal/history"
	"github.com/comigor/continuum/internal/llm"
	"github.com/comigor/continuum/internal/logger"
	"github.com/comigor/continuum/internal/resolver"
	"github.com/comigor/continuum/internal/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "continuum",
	Short: "Conversation context resolution for multi-model chat",
	Long: `continuum keeps per-session conversation history and rewrites each new
user message so that pronouns and vague references name the entity they point
to. The rewritten message can then be answered by any model, even one that has
not seen the earlier turns.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API over HTTP",
	RunE:  runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the conversation tools over MCP stdio",
	RunE:  runMCP,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ./config.yaml or $CONFIG_PATH)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the wired service graph shared by both commands.
type app struct {
	cfg   *config.Config
	store history.Store
	conv  *conversation.Service
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.L.Warn("failed to load .env", "error", err)
	}
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)

	var client llm.Client
	switch c, err := llm.New(ctx, cfg.LLM); {
	case errors.Is(err, llm.ErrMissingAPIKey):
		logger.L.Warn("no model credential configured; messages will pass through unresolved", "provider", cfg.LLM.Provider)
	case err != nil:
		return nil, fmt.Errorf("failed to create model client: %w", err)
	default:
		client = c
	}

	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	res := resolver.New(client, *cfg)
	return &app{
		cfg:   cfg,
		store: store,
		conv:  conversation.NewService(store, res, *cfg),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logger.L.Warn("history store close error", "error", err)
	}
}

type janitor interface {
	RunJanitor(ctx context.Context, interval time.Duration) error
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(ctx, a.cfg.Server, server.NewRouter(a.conv, a.cfg.Server.Mode))
	})
	if j, ok := a.store.(janitor); ok {
		g.Go(func() error {
			return j.RunJanitor(ctx, a.cfg.History.SweepInterval)
		})
	}
	return g.Wait()
}

func runMCP(cmd *cobra.Command, _ []string) error {
	logger.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if j, ok := a.store.(janitor); ok {
		go func() {
			if err := j.RunJanitor(ctx, a.cfg.History.SweepInterval); err != nil {
				logger.L.Warn("history janitor stopped", "error", err)
			}
		}()
	}
	return server.ServeMCP(server.NewMCP(a.conv))
}
