package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/internal/auth"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/reconciler"
	"github.com/nfrund/chatsync/internal/storage"
)

var (
	historyRoom   string
	historyWith   string
	historyFollow bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the cached message history",
	Long: `Print the messages kept in the local cache, oldest first.

Examples:
  chatsync history                  # everything
  chatsync history --room general   # one room
  chatsync history --with 42        # private conversation with user 42
  chatsync history --follow         # keep printing as the cache changes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewAferoStore(afero.NewOsFs(), cfg.StateDir)
		cache := storage.NewCache(store, cfg.CacheLimit)
		me := savedUserID(cmd, cache)

		load := func() ([]chat.Message, error) {
			msgs, err := cache.LoadMessages(cmd.Context())
			if err != nil {
				return nil, err
			}
			return filterHistory(msgs, me), nil
		}

		msgs, err := load()
		if err != nil {
			printErr(cmd, "%v", err)
			return err
		}
		p := newPrinter(cmd.OutOrStdout())
		p.print(msgs)
		if !historyFollow {
			return nil
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("watch cache: %w", err)
		}
		defer watcher.Close()
		if err := store.Fs().MkdirAll(cfg.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		if err := watcher.Add(cfg.StateDir); err != nil {
			return fmt.Errorf("watch %s: %w", cfg.StateDir, err)
		}

		target := filepath.Base(store.Path(storage.KeyMessages))
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Base(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				msgs, err := load()
				if err != nil {
					logger.Warn("Failed to reload cache", "error", err)
					continue
				}
				p.print(msgs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warn("Cache watcher error", "error", err)
			}
		}
	},
}

// savedUserID returns the user id of the saved identity, if any.
func savedUserID(cmd *cobra.Command, cache *storage.Cache) chat.ID {
	cred, err := auth.NewClient(cfg.APIURL, cache, storage.KeyUser).Restore(cmd.Context())
	if err != nil {
		return ""
	}
	return cred.Identity.UserID
}

func filterHistory(msgs []chat.Message, me chat.ID) []chat.Message {
	if historyRoom == "" && historyWith == "" {
		return msgs
	}
	r := reconciler.New(nil, reconciler.WithDefaultRoom(cfg.DefaultRoom), reconciler.WithDedupeWindow(0), reconciler.WithLogger(logger))
	defer r.Close()
	r.Load(msgs)
	if historyWith != "" {
		return r.Conversation(me, chat.ID(historyWith))
	}
	return r.RoomMessages(historyRoom)
}

func init() {
	historyCmd.Flags().StringVar(&historyRoom, "room", "", "only show messages of this room")
	historyCmd.Flags().StringVar(&historyWith, "with", "", "only show the private conversation with this user id")
	historyCmd.Flags().BoolVarP(&historyFollow, "follow", "f", false, "keep printing new messages as the cache changes")
	rootCmd.AddCommand(historyCmd)
}
