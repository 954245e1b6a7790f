package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/logging"
)

var (
	cfg    *config.Config
	logger *slog.Logger

	serverURL string
	apiURL    string
	stateDir  string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Terminal chat client with a local message cache",
	Long: `chatsync keeps a local view of chat messages, presence and the active
conversation in sync with a chat server over a websocket.

Available commands:
  login     Authenticate and save the session identity
  connect   Join the chat and send messages from stdin
  history   Print the cached message history
  clear     Delete the cached message history
  topics    List the channels and destinations the client uses
  serve     Run the reference relay server

Use "chatsync [command] --help" for more information about a specific command.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if serverURL != "" {
			loaded.ServerURL = serverURL
		}
		if apiURL != "" {
			loaded.APIURL = apiURL
		}
		if stateDir != "" {
			loaded.StateDir = stateDir
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		logger = logging.Setup(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return nil
	},
}

// Execute executes the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "websocket URL of the chat server (overrides CHATSYNC_SERVER_URL)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "base URL of the auth API (overrides CHATSYNC_API_URL)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "directory holding the local cache (overrides CHATSYNC_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
}

func printErr(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.ErrOrStderr(), "Error: "+format+"\n", args...)
}
