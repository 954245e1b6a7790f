package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/relay"
)

var (
	serveAddr     string
	serveUsers    []string
	serveDebounce time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference relay server",
	Long: `Run a chat server that speaks the same websocket protocol and auth API
as the client. Useful for local development and demos.

Examples:
  chatsync serve                               # accept any username/password
  chatsync serve --addr :9000
  chatsync serve --user alice:secret --user bob:hunter2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		users := make(map[string]string, len(serveUsers))
		for _, pair := range serveUsers {
			name, password, ok := strings.Cut(pair, ":")
			if !ok || name == "" || password == "" {
				return fmt.Errorf("invalid --user %q, want name:password", pair)
			}
			users[name] = password
		}

		addr := cfg.RelayAddr
		if serveAddr != "" {
			addr = serveAddr
		}

		bus := pubsub.NewWatermillBridge(pubsub.WithLogger(logger))
		defer bus.Close()

		srv := relay.New(bus, relay.Options{
			Secret:           cfg.RelaySecret,
			Users:            users,
			HandshakeTimeout: cfg.HandshakeTimeout,
			OfflineDebounce:  serveDebounce,
			DefaultRoom:      cfg.DefaultRoom,
			Logger:           logger,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start(addr) }()

		select {
		case err := <-errCh:
			return err
		case <-cmd.Context().Done():
		}

		logger.Info("Shutting down relay")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides CHATSYNC_RELAY_ADDR)")
	serveCmd.Flags().StringArrayVar(&serveUsers, "user", nil, "allowed name:password pair, repeatable")
	serveCmd.Flags().DurationVar(&serveDebounce, "offline-debounce", 2*time.Second, "how long a user stays online after their last session closes")
	rootCmd.AddCommand(serveCmd)
}
