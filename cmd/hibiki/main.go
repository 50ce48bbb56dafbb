// Command hibiki runs the session event pipeline server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/hibiki"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	port       int
	storage    string
	sqlitePath string
)

var rootCmd = &cobra.Command{
	Use:   "hibiki",
	Short: "Ordered, replayable event streams for agent sessions",
	Long: `Hibiki accepts progress events, messages and artifact references from an
agent runtime, persists them with a per-session sequence, and broadcasts
them in order to every connected viewer over SSE or WebSocket.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if present so HIBIKI_LOG_LEVEL applies below.
		_ = godotenv.Load()
		slog.SetDefault(newLogger(os.Getenv("HIBIKI_LOG_LEVEL")))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		app, err := hibiki.New(options()...)
		if err != nil {
			return err
		}
		return app.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return hibiki.Migrate(cmd.Context(), options()...)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storage, "storage", "", "Storage backend: postgres or sqlite (overrides HIBIKI_STORAGE)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", "", "SQLite database file (overrides HIBIKI_SQLITE_PATH)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides HIBIKI_PORT)")

	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func options() []hibiki.Option {
	opts := []hibiki.Option{
		hibiki.WithVersion(version),
		hibiki.WithLogger(slog.Default()),
	}
	if port != 0 {
		opts = append(opts, hibiki.WithPort(port))
	}
	if storage != "" {
		opts = append(opts, hibiki.WithStorage(storage))
	}
	if sqlitePath != "" {
		opts = append(opts, hibiki.WithSQLitePath(sqlitePath))
	}
	return opts
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
