package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/session"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "chat-sync",
	Short: "Keep a live mirror of a chat account",
	Long: "chat-sync connects to the chat backend as one user, keeps contacts, messages, " +
		"presence and friend requests in sync, and optionally exposes them over MCP.\n\n" +
		"Configuration comes from the environment (or a .env file).",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func main() {
	rootCmd.Version = Version

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	appState, err := state.LoadAt(cfg.StateDB)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	engineLogger := logger.With(slog.String("component", "engine"))

	engine := chat.NewEngine(chat.Config{
		ServerURL:         cfg.ServerURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		API:               chat.NewClient(cfg.APIURL, nil),
		Provider:          newProvider(cfg, appState, logger.With(slog.String("component", "session"))),
		State:             appState,
		OnState: func(s chat.ConnState) {
			engineLogger.Info("state changed", slog.String("state", s.String()))
		},
	}, engineLogger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, engine, logger)
		})
	}

	return g.Wait()
}

func newProvider(cfg *config.Config, appState *state.State, logger *slog.Logger) chat.SessionProvider {
	if cfg.SessionFile != "" {
		logger.Info("watching session file", slog.String("path", cfg.SessionFile))
		return session.NewFile(cfg.SessionFile, logger)
	}

	return session.NewStatic(cfg.Username, cfg.Token, appState, logger)
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, engine *chat.Engine, logger *slog.Logger) error {
	keys, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, engine, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Keys:       auth.NewKeyring(keys),
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", len(keys)),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
